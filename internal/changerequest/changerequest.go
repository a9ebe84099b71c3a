// Package changerequest names pull requests under observation and the
// document store that holds their descriptions.
package changerequest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Lifecycle is the state of a change request on the code host.
type Lifecycle string

const (
	LifecycleOpen   Lifecycle = "open"
	LifecycleMerged Lifecycle = "merged"
	LifecycleClosed Lifecycle = "closed"
)

// IsTerminal reports whether no further reconciliation is meaningful.
func (l Lifecycle) IsTerminal() bool {
	return l == LifecycleMerged || l == LifecycleClosed
}

// Ref identifies a change request by repository ("owner/repo") and number.
type Ref struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// Key returns the lock and map key for the ref, e.g. "owner/repo#12".
func (r Ref) Key() string {
	return fmt.Sprintf("%s#%d", r.Repo, r.Number)
}

func (r Ref) String() string { return r.Key() }

// OwnerName splits Repo into owner and repository name.
func (r Ref) OwnerName() (string, string, error) {
	parts := strings.Split(r.Repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format: %s (expected owner/repo)", r.Repo)
	}
	return parts[0], parts[1], nil
}

// Validate checks that the ref is usable.
func (r Ref) Validate() error {
	if _, _, err := r.OwnerName(); err != nil {
		return err
	}
	if r.Number <= 0 {
		return fmt.Errorf("invalid change request number: %d", r.Number)
	}
	return nil
}

// ParseRef parses the "owner/repo#number" form produced by Key.
func ParseRef(s string) (Ref, error) {
	repo, num, ok := strings.Cut(s, "#")
	if !ok {
		return Ref{}, fmt.Errorf("invalid change request reference: %q", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid change request number in %q: %w", s, err)
	}
	ref := Ref{Repo: repo, Number: n}
	return ref, ref.Validate()
}

// DocumentStore reads and writes change request descriptions and lifecycle.
// Implementations bound every call with their own timeout.
type DocumentStore interface {
	GetDescription(ctx context.Context, ref Ref) (string, error)
	SetDescription(ctx context.Context, ref Ref, text string) error
	GetLifecycle(ctx context.Context, ref Ref) (Lifecycle, error)
	SourceBranch(ctx context.Context, ref Ref) (string, error)
}

// Draft describes a change request to open from Head into Base.
type Draft struct {
	Repo  string
	Head  string
	Base  string
	Title string
	Body  string
}

// CycleScoper is implemented by stores that can share reads of a change
// request across the calls made during one cycle. The returned context
// carries that scope.
type CycleScoper interface {
	WithCycleScope(ctx context.Context) context.Context
}

// Description is a handle on a single change request description.
type Description struct {
	Store DocumentStore
	Ref   Ref
}

// Read returns the current description text.
func (d Description) Read(ctx context.Context) (string, error) {
	return d.Store.GetDescription(ctx, d.Ref)
}

// Write replaces the description text.
func (d Description) Write(ctx context.Context, text string) error {
	return d.Store.SetDescription(ctx, d.Ref, text)
}
