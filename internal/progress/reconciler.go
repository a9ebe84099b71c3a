// Package progress keeps the checklist in a change request description in
// step with the signals observed for it.
package progress

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/metrics"
	"github.com/cexll/tracksync/internal/signals"
)

// Document is a readable and writable text document.
type Document interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, text string) error
}

// SnapshotProvider gathers a fresh signal snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) signals.Snapshot
}

// Evaluator turns a snapshot into derived checklist values.
type Evaluator interface {
	Evaluate(ctx context.Context, snap signals.Snapshot) checklist.State
}

// ReadError means the current document could not be read.
type ReadError struct{ Err error }

func (e *ReadError) Error() string { return fmt.Sprintf("read description: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteBackError means the updated document was rejected. The stored state
// is left as it was and the next cycle tries again.
type WriteBackError struct {
	State checklist.State
	Err   error
}

func (e *WriteBackError) Error() string { return fmt.Sprintf("write back description: %v", e.Err) }
func (e *WriteBackError) Unwrap() error { return e.Err }

// Reconciler merges collected signals into the stored checklist.
type Reconciler struct {
	evaluator Evaluator
}

// NewReconciler creates a reconciler using evaluator for derived items.
func NewReconciler(evaluator Evaluator) *Reconciler {
	return &Reconciler{evaluator: evaluator}
}

// Reconcile reads doc, evaluates a fresh snapshot and writes doc back only
// when the derived state differs from the stored one. Acceptance is always
// carried over from the stored state.
func (r *Reconciler) Reconcile(ctx context.Context, doc Document, snaps SnapshotProvider) (checklist.State, error) {
	log := clog.FromContext(ctx)

	text, err := doc.Read(ctx)
	if err != nil {
		return checklist.State{}, &ReadError{Err: err}
	}
	stored := checklist.Extract(text)

	collected := r.evaluator.Evaluate(ctx, snaps.Snapshot(ctx))
	collected.Acceptance = stored.Acceptance

	if collected == stored {
		log.Debugf("Checklist unchanged: %v", stored.Checked())
		return collected, nil
	}

	updated := checklist.MergeAndRender(text, collected)
	if updated == text {
		// No checklist section to rewrite.
		return collected, nil
	}
	if err := doc.Write(ctx, updated); err != nil {
		metrics.DescriptionWrites.WithLabelValues("failed").Inc()
		return collected, &WriteBackError{State: collected, Err: err}
	}
	metrics.DescriptionWrites.WithLabelValues("ok").Inc()
	log.Infof("Checklist updated: %v -> %v", stored.Checked(), collected.Checked())
	return collected, nil
}
