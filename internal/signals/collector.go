// Package signals derives checklist items from repository, CI and review state.
package signals

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/metrics"
)

// Rules configures the file patterns used by the checks.
type Rules struct {
	RequiredPaths    []string `yaml:"required_paths"`
	SourceExtensions []string `yaml:"source_extensions"`
	TestsRoot        string   `yaml:"tests_root"`
	TestPrefix       string   `yaml:"test_prefix"`
	DocExtensions    []string `yaml:"doc_extensions"`
}

// DefaultRules returns the rules for a Python-style project layout.
func DefaultRules() Rules {
	return Rules{
		RequiredPaths:    []string{"src/", "tests/", "__init__.py", "requirements.txt", "README.md"},
		SourceExtensions: []string{".py", ".js", ".ts", ".java"},
		TestsRoot:        "tests",
		TestPrefix:       "test_",
		DocExtensions:    []string{".md", ".rst", ".txt"},
	}
}

// WithDefaults fills empty fields from DefaultRules.
func (r Rules) WithDefaults() Rules {
	def := DefaultRules()
	if len(r.RequiredPaths) == 0 {
		r.RequiredPaths = def.RequiredPaths
	}
	if len(r.SourceExtensions) == 0 {
		r.SourceExtensions = def.SourceExtensions
	}
	if r.TestsRoot == "" {
		r.TestsRoot = def.TestsRoot
	}
	if r.TestPrefix == "" {
		r.TestPrefix = def.TestPrefix
	}
	if len(r.DocExtensions) == 0 {
		r.DocExtensions = def.DocExtensions
	}
	return r
}

// CollectionError reports a signal that could not be computed.
type CollectionError struct {
	Item checklist.Item
	Err  error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect %s: %v", e.Item, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

type check func(Rules, Snapshot) (bool, error)

// Collector evaluates every derived checklist item against a snapshot.
type Collector struct {
	rules  Rules
	checks map[checklist.Item]check
}

// NewCollector creates a collector with the given rules.
func NewCollector(rules Rules) *Collector {
	return &Collector{
		rules: rules.WithDefaults(),
		checks: map[checklist.Item]check{
			checklist.Setup:          checkSetup,
			checklist.Implementation: checkImplementation,
			checklist.Tests:          checkTests,
			checklist.Documentation:  checkDocumentation,
			checklist.Review:         checkReview,
		},
	}
}

// Evaluate computes every item except Acceptance, which is always false in
// the result. A failing check yields false for its own item only.
func (c *Collector) Evaluate(ctx context.Context, snap Snapshot) checklist.State {
	var state checklist.State
	for _, it := range checklist.Items {
		fn, ok := c.checks[it]
		if !ok {
			continue
		}
		v, err := c.run(it, fn, snap)
		if err != nil {
			clog.FromContext(ctx).With("item", it.String()).Warnf("Signal unavailable, leaving unchecked: %v", err)
			metrics.SignalFailures.WithLabelValues(it.String()).Inc()
			v = false
		}
		state.Set(it, v)
	}
	return state
}

func (c *Collector) run(it checklist.Item, fn check, snap Snapshot) (v bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = false, &CollectionError{Item: it, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, err = fn(c.rules, snap)
	if err != nil {
		return false, &CollectionError{Item: it, Err: err}
	}
	return v, nil
}

func checkSetup(r Rules, snap Snapshot) (bool, error) {
	files, err := snap.BranchFiles.Get()
	if err != nil {
		return false, err
	}
	for _, marker := range r.RequiredPaths {
		if !anySuffix(files, strings.Trim(marker, "/")) {
			return false, nil
		}
	}
	return true, nil
}

func checkImplementation(r Rules, snap Snapshot) (bool, error) {
	changed, err := snap.ChangedFiles.Get()
	if err != nil {
		return false, err
	}
	return anyExtension(changed, r.SourceExtensions), nil
}

func checkTests(r Rules, snap Snapshot) (bool, error) {
	files, err := snap.BranchFiles.Get()
	if err != nil {
		return false, err
	}
	pipeline, err := snap.Pipeline.Get()
	if err != nil {
		return false, err
	}

	root := strings.Trim(r.TestsRoot, "/") + "/"
	found := false
	for _, f := range files {
		if strings.HasPrefix(f, root) && strings.HasPrefix(path.Base(f), r.TestPrefix) {
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}
	if pipeline.Known {
		return pipeline.State == "success", nil
	}
	return true, nil
}

// checkDocumentation requires a code change alongside the docs.
func checkDocumentation(r Rules, snap Snapshot) (bool, error) {
	files, err := snap.BranchFiles.Get()
	if err != nil {
		return false, err
	}
	changed, err := snap.ChangedFiles.Get()
	if err != nil {
		return false, err
	}
	return anyExtension(files, r.DocExtensions) && anyExtension(changed, r.SourceExtensions), nil
}

func checkReview(_ Rules, snap Snapshot) (bool, error) {
	approvals, err := snap.Approvals.Get()
	if err != nil {
		return false, err
	}
	discussions, err := snap.Discussions.Get()
	if err != nil {
		return false, err
	}
	if approvals < 1 {
		return false, nil
	}
	for _, d := range discussions {
		if d.Resolved != nil && !*d.Resolved {
			return false, nil
		}
	}
	return true, nil
}

func anySuffix(files []string, suffix string) bool {
	for _, f := range files {
		if strings.HasSuffix(f, suffix) {
			return true
		}
	}
	return false
}

func anyExtension(files, exts []string) bool {
	for _, f := range files {
		for _, ext := range exts {
			if strings.HasSuffix(f, ext) {
				return true
			}
		}
	}
	return false
}
