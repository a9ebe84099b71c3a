package signals

import (
	"context"

	"github.com/cexll/tracksync/internal/changerequest"
)

// Fact is one snapshot value. A non-nil Err marks the value as unknown.
type Fact[T any] struct {
	Value T
	Err   error
}

// Known wraps a successfully collected value.
func Known[T any](v T) Fact[T] { return Fact[T]{Value: v} }

// Unknown records why a value could not be collected.
func Unknown[T any](err error) Fact[T] { return Fact[T]{Err: err} }

// Get returns the value, or the collection error.
func (f Fact[T]) Get() (T, error) { return f.Value, f.Err }

// PipelineStatus is the CI result for a change request. Known is false when
// the change request has no pipeline at all.
type PipelineStatus struct {
	Known bool
	State string // "success", "pending", "failure", ...
}

// Discussion is a review thread. Resolved is nil when the thread has no
// resolution flag.
type Discussion struct {
	Resolved *bool
}

// Snapshot is a point-in-time bundle of facts about one change request.
// It is gathered fresh for every cycle.
type Snapshot struct {
	BranchFiles  Fact[[]string]
	ChangedFiles Fact[[]string]
	Pipeline     Fact[PipelineStatus]
	Approvals    Fact[int]
	Discussions  Fact[[]Discussion]
}

// Inspector reads repository and review state from the code host.
type Inspector interface {
	ListBranchFiles(ctx context.Context, repo, branch string) ([]string, error)
	ListChangedFiles(ctx context.Context, ref changerequest.Ref) ([]string, error)
	GetPipelineStatus(ctx context.Context, ref changerequest.Ref) (PipelineStatus, error)
	GetApprovalCount(ctx context.Context, ref changerequest.Ref) (int, error)
	ListDiscussions(ctx context.Context, ref changerequest.Ref) ([]Discussion, error)
}

// BranchResolver finds the source branch of a change request.
type BranchResolver interface {
	SourceBranch(ctx context.Context, ref changerequest.Ref) (string, error)
}

// Gather queries every fact for ref. Failures are recorded per fact and never
// stop the remaining queries.
func Gather(ctx context.Context, branches BranchResolver, insp Inspector, ref changerequest.Ref) Snapshot {
	var snap Snapshot

	if branch, err := branches.SourceBranch(ctx, ref); err != nil {
		snap.BranchFiles = Unknown[[]string](err)
	} else {
		snap.BranchFiles = fact(insp.ListBranchFiles(ctx, ref.Repo, branch))
	}
	snap.ChangedFiles = fact(insp.ListChangedFiles(ctx, ref))
	snap.Pipeline = fact(insp.GetPipelineStatus(ctx, ref))
	snap.Approvals = fact(insp.GetApprovalCount(ctx, ref))
	snap.Discussions = fact(insp.ListDiscussions(ctx, ref))
	return snap
}

func fact[T any](v T, err error) Fact[T] {
	if err != nil {
		return Unknown[T](err)
	}
	return Known(v)
}

// Source gathers snapshots for a single change request.
type Source struct {
	Branches  BranchResolver
	Inspector Inspector
	Ref       changerequest.Ref
}

// Snapshot gathers a fresh snapshot.
func (s Source) Snapshot(ctx context.Context) Snapshot {
	return Gather(ctx, s.Branches, s.Inspector, s.Ref)
}
