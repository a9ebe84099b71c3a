package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/metrics"
	"github.com/cexll/tracksync/internal/progress"
	"github.com/cexll/tracksync/internal/signals"
	"github.com/cexll/tracksync/internal/tracking"
	"github.com/cexll/tracksync/internal/workitem"
)

var (
	// ErrLifecycleQuery means the change request state could not be read; the
	// entry stays tracked.
	ErrLifecycleQuery = errors.New("lifecycle query failed")
	// ErrStatusPush means the issue tracker rejected the status update.
	ErrStatusPush = errors.New("status push failed")
)

// Result is the outcome of one cycle.
type Result struct {
	State   checklist.State `json:"checklist"`
	Status  workitem.Status `json:"status,omitempty"`
	Removed bool            `json:"removed"`
}

// Handler runs a reconciliation cycle for one entry.
type Handler interface {
	Run(ctx context.Context, entry tracking.Entry) (Result, error)
}

// Cycle is the per-entry handler: reconcile the checklist, drop the entry
// if the change request is finished, otherwise push the derived status.
type Cycle struct {
	store      *tracking.Store
	docs       changerequest.DocumentStore
	inspector  signals.Inspector
	reconciler *progress.Reconciler
	tracker    workitem.Tracker
	clock      Clock
}

// NewCycle wires a cycle handler.
func NewCycle(store *tracking.Store, docs changerequest.DocumentStore, inspector signals.Inspector, reconciler *progress.Reconciler, tracker workitem.Tracker, clock Clock) *Cycle {
	if tracker == nil {
		tracker = workitem.Disabled
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Cycle{
		store:      store,
		docs:       docs,
		inspector:  inspector,
		reconciler: reconciler,
		tracker:    tracker,
		clock:      clock,
	}
}

// Run executes the cycle. It returns an error without touching the entry's
// schedule when any step fails.
func (c *Cycle) Run(ctx context.Context, entry tracking.Entry) (Result, error) {
	log := clog.FromContext(ctx).With("change_request", entry.Ref.Key(), "issue", entry.IssueKey)
	ctx = clog.WithLogger(ctx, log)

	if _, ok := c.store.Get(entry.Ref); !ok {
		return Result{}, tracking.ErrNotTracked
	}

	if scoper, ok := c.docs.(changerequest.CycleScoper); ok {
		ctx = scoper.WithCycleScope(ctx)
	}

	doc := changerequest.Description{Store: c.docs, Ref: entry.Ref}
	src := signals.Source{Branches: c.docs, Inspector: c.inspector, Ref: entry.Ref}

	state, reconcileErr := c.reconciler.Reconcile(ctx, doc, src)
	res := Result{State: state}

	// A finished change request is dropped even when its description could
	// not be read or written.
	lifecycle, err := c.docs.GetLifecycle(ctx, entry.Ref)
	if err == nil && lifecycle.IsTerminal() {
		c.store.Remove(entry.Ref)
		if reconcileErr != nil {
			log.Warnf("Dropping %s change request despite failed reconcile: %v", lifecycle, reconcileErr)
		}
		log.Infof("Change request is %s, no longer tracking", lifecycle)
		res.Removed = true
		return res, nil
	}
	if reconcileErr != nil {
		return res, fmt.Errorf("reconcile %s: %w", entry.Ref, reconcileErr)
	}
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrLifecycleQuery, entry.Ref, err)
	}

	res.Status = workitem.Derive(state)
	if err := c.tracker.PushStatus(ctx, entry.IssueKey, res.Status); err != nil {
		metrics.StatusPushes.WithLabelValues(string(res.Status), "failed").Inc()
		return res, fmt.Errorf("%w: %s -> %s: %w", ErrStatusPush, entry.IssueKey, res.Status, err)
	}
	metrics.StatusPushes.WithLabelValues(string(res.Status), "ok").Inc()

	if err := c.store.MarkReconciled(entry.Ref, c.clock.Now()); err != nil && !errors.Is(err, tracking.ErrNotTracked) {
		return res, err
	}
	log.Infof("Reconciled: checklist=%v status=%s", state.Checked(), res.Status)
	return res, nil
}

// resultLabel classifies a cycle outcome for metrics.
func resultLabel(res Result, err error) string {
	var (
		readErr  *progress.ReadError
		writeErr *progress.WriteBackError
	)
	switch {
	case err == nil && res.Removed:
		return "removed"
	case err == nil:
		return "ok"
	case errors.As(err, &readErr):
		return "read_failed"
	case errors.As(err, &writeErr):
		return "write_back_failed"
	case errors.Is(err, ErrLifecycleQuery):
		return "lifecycle_failed"
	case errors.Is(err, ErrStatusPush):
		return "push_failed"
	case errors.Is(err, tracking.ErrNotTracked):
		return "untracked"
	default:
		return "failed"
	}
}
