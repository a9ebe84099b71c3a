// Package monitor runs the periodic reconciliation of tracked change
// requests.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/concurrency"
	"github.com/cexll/tracksync/internal/metrics"
	"github.com/cexll/tracksync/internal/tracking"
)

var (
	// ErrTickerStopped is returned by Run when the tick source closes on its
	// own. The scheduler cannot continue without it.
	ErrTickerStopped = errors.New("scheduler tick source stopped")
	// ErrBusy means a cycle for the same entry is already running.
	ErrBusy = errors.New("reconciliation already in progress")
)

// Config controls scheduling.
type Config struct {
	// Interval is the minimum time between cycles of one entry.
	Interval time.Duration
	// Tick is how often the tracked set is scanned for due entries.
	Tick time.Duration
	// Workers bounds the number of entries reconciled in parallel.
	Workers int
}

func normalizeConfig(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return cfg
}

// Scheduler wakes on every tick, finds due entries and hands each one to
// the handler. Entries are independent; a per-entry gate keeps cycles of the
// same entry from overlapping.
type Scheduler struct {
	cfg     Config
	store   *tracking.Store
	handler Handler
	clock   Clock
	gate    *concurrency.Manager

	// mu orders Run's registration in wg against Shutdown.
	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil clock uses the system clock.
func NewScheduler(store *tracking.Store, handler Handler, clock Clock, cfg Config) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		cfg:     normalizeConfig(cfg),
		store:   store,
		handler: handler,
		clock:   clock,
		gate:    concurrency.NewManager(),
		stopCh:  make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Shutdown is called. A pass that has
// started is always allowed to finish. Run returns at once after Shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Info("Scheduler already shut down")
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	log.Infof("Scheduler started: interval=%s tick=%s workers=%d", s.cfg.Interval, s.cfg.Tick, s.cfg.Workers)

	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped")
			return nil
		case <-s.stopCh:
			log.Info("Scheduler stopped")
			return nil
		case _, ok := <-ticker.C():
			if !ok {
				return ErrTickerStopped
			}
			if s.stopping(ctx) {
				log.Info("Scheduler stopped")
				return nil
			}
			s.Pass(context.WithoutCancel(ctx))
		}
	}
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Pass reconciles every entry that is currently due and returns how many
// were due.
func (s *Scheduler) Pass(ctx context.Context) int {
	started := time.Now()
	due := s.store.Due(s.clock.Now(), s.cfg.Interval)
	if len(due) == 0 {
		return 0
	}
	clog.FromContext(ctx).Debugf("Reconciling %d due entries", len(due))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, entry := range due {
		g.Go(func() error {
			if _, err := s.reconcile(ctx, entry); errors.Is(err, ErrBusy) {
				clog.FromContext(ctx).With("change_request", entry.Ref.Key()).Debug("Cycle still running, skipping")
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.PassDuration.Observe(time.Since(started).Seconds())
	return len(due)
}

// ReconcileNow runs a cycle for ref immediately, outside the schedule.
func (s *Scheduler) ReconcileNow(ctx context.Context, ref changerequest.Ref) (Result, error) {
	entry, ok := s.store.Get(ref)
	if !ok {
		return Result{}, tracking.ErrNotTracked
	}
	return s.reconcile(ctx, entry)
}

func (s *Scheduler) reconcile(ctx context.Context, entry tracking.Entry) (res Result, err error) {
	key := entry.Ref.Key()
	ran := s.gate.TryRun(key, func() {
		res, err = s.runEntry(ctx, entry)
	})
	if !ran {
		return Result{}, ErrBusy
	}
	if res.Removed {
		s.gate.Forget(key)
	}
	return res, err
}

// runEntry is the isolation boundary for one entry: errors and panics are
// logged and recorded here and never reach other entries.
func (s *Scheduler) runEntry(ctx context.Context, entry tracking.Entry) (res Result, err error) {
	log := clog.FromContext(ctx).With("change_request", entry.Ref.Key(), "issue", entry.IssueKey)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic reconciling %s: %v", entry.Ref, r)
			metrics.CycleResults.WithLabelValues("panic").Inc()
			log.Errorf("Cycle panicked: %v", r)
			_ = s.store.MarkFailed(entry.Ref)
		}
	}()

	res, err = s.handler.Run(ctx, entry)
	metrics.CycleResults.WithLabelValues(resultLabel(res, err)).Inc()
	if err != nil && !errors.Is(err, tracking.ErrNotTracked) {
		log.Errorf("Cycle failed, will retry next tick: %v", err)
		_ = s.store.MarkFailed(entry.Ref)
	}
	return res, err
}

// Shutdown stops scheduling new passes and waits for Run to return or ctx
// to expire.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}
