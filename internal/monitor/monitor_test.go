package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cexll/tracksync/internal/changerequest"
	"github.com/cexll/tracksync/internal/checklist"
	"github.com/cexll/tracksync/internal/progress"
	"github.com/cexll/tracksync/internal/signals"
	"github.com/cexll/tracksync/internal/tracking"
	"github.com/cexll/tracksync/internal/workitem"
)

// manualClock is a Clock whose time and ticks are driven by the test.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	ticker  *manualTicker
	created chan struct{}
}

func newManualClock() *manualClock {
	return &manualClock{
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		created: make(chan struct{}, 1),
	}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	c.ticker = &manualTicker{ch: make(chan time.Time)}
	t := c.ticker
	c.mu.Unlock()
	c.created <- struct{}{}
	return t
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}

// fakeHost implements DocumentStore and Inspector over in-memory state.
type fakeHost struct {
	mu           sync.Mutex
	descriptions map[string]string
	lifecycle    map[string]changerequest.Lifecycle
	lifecycleErr error
	writeErr     error
	writes       int
	changed      []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		descriptions: map[string]string{},
		lifecycle:    map[string]changerequest.Lifecycle{},
	}
}

func (h *fakeHost) GetDescription(ctx context.Context, ref changerequest.Ref) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.descriptions[ref.Key()], nil
}

func (h *fakeHost) SetDescription(ctx context.Context, ref changerequest.Ref, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes++
	if h.writeErr != nil {
		return h.writeErr
	}
	h.descriptions[ref.Key()] = text
	return nil
}

func (h *fakeHost) GetLifecycle(ctx context.Context, ref changerequest.Ref) (changerequest.Lifecycle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lifecycleErr != nil {
		return "", h.lifecycleErr
	}
	if l, ok := h.lifecycle[ref.Key()]; ok {
		return l, nil
	}
	return changerequest.LifecycleOpen, nil
}

func (h *fakeHost) SourceBranch(ctx context.Context, ref changerequest.Ref) (string, error) {
	return "feature", nil
}

func (h *fakeHost) ListBranchFiles(ctx context.Context, repo, branch string) ([]string, error) {
	return nil, nil
}

func (h *fakeHost) ListChangedFiles(ctx context.Context, ref changerequest.Ref) ([]string, error) {
	return h.changed, nil
}

func (h *fakeHost) GetPipelineStatus(ctx context.Context, ref changerequest.Ref) (signals.PipelineStatus, error) {
	return signals.PipelineStatus{}, nil
}

func (h *fakeHost) GetApprovalCount(ctx context.Context, ref changerequest.Ref) (int, error) {
	return 0, nil
}

func (h *fakeHost) ListDiscussions(ctx context.Context, ref changerequest.Ref) ([]signals.Discussion, error) {
	return nil, nil
}

type push struct {
	key    string
	status workitem.Status
}

type recordingTracker struct {
	mu     sync.Mutex
	pushes []push
	err    error
}

func (r *recordingTracker) PushStatus(ctx context.Context, key string, status workitem.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, push{key, status})
	return r.err
}

type fixture struct {
	clock   *manualClock
	store   *tracking.Store
	host    *fakeHost
	tracker *recordingTracker
	cycle   *Cycle
}

var refOne = changerequest.Ref{Repo: "owner/repo", Number: 1}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	host := newFakeHost()
	tracker := &recordingTracker{}
	reconciler := progress.NewReconciler(signals.NewCollector(signals.Rules{}))
	return &fixture{
		clock:   clock,
		store:   store,
		host:    host,
		tracker: tracker,
		cycle:   NewCycle(store, host, host, reconciler, tracker, clock),
	}
}

func (f *fixture) track(ref changerequest.Ref, state checklist.State) tracking.Entry {
	f.host.descriptions[ref.Key()] = "## Summary\n\n" + checklist.Render(state) + "## Notes\n"
	entry, _ := f.store.Add(ref, "PROJ-1")
	return entry
}

func TestCycle_PushesDerivedStatus(t *testing.T) {
	f := newFixture(t)
	f.host.changed = []string{"src/main.py"}
	entry := f.track(refOne, checklist.State{})
	f.clock.Advance(10 * time.Minute)

	res, err := f.cycle.Run(context.Background(), entry)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != workitem.StatusInProgress || !res.State.Implementation {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.tracker.pushes) != 1 || f.tracker.pushes[0] != (push{"PROJ-1", workitem.StatusInProgress}) {
		t.Fatalf("pushes = %+v", f.tracker.pushes)
	}
	if !checklist.Extract(f.host.descriptions[refOne.Key()]).Implementation {
		t.Fatal("description was not updated")
	}
	got, _ := f.store.Get(refOne)
	if !got.LastReconciledAt.Equal(f.clock.Now()) {
		t.Fatalf("LastReconciledAt = %v, want %v", got.LastReconciledAt, f.clock.Now())
	}
}

func TestCycle_AcceptedEntryIsDone(t *testing.T) {
	f := newFixture(t)
	entry := f.track(refOne, checklist.State{Acceptance: true})

	res, err := f.cycle.Run(context.Background(), entry)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.State.Acceptance || res.Status != workitem.StatusDone {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCycle_MergedEntryIsRemovedWithoutPush(t *testing.T) {
	f := newFixture(t)
	entry := f.track(refOne, checklist.State{})
	f.host.lifecycle[refOne.Key()] = changerequest.LifecycleMerged

	res, err := f.cycle.Run(context.Background(), entry)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Removed {
		t.Fatal("merged change request should be removed")
	}
	if _, ok := f.store.Get(refOne); ok {
		t.Fatal("entry still tracked")
	}
	if len(f.tracker.pushes) != 0 {
		t.Fatalf("no status push expected, got %+v", f.tracker.pushes)
	}
}

func TestCycle_LifecycleFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	entry := f.track(refOne, checklist.State{})
	f.host.lifecycleErr = errors.New("502 bad gateway")

	_, err := f.cycle.Run(context.Background(), entry)
	if !errors.Is(err, ErrLifecycleQuery) {
		t.Fatalf("err = %v, want ErrLifecycleQuery", err)
	}
	if _, ok := f.store.Get(refOne); !ok {
		t.Fatal("entry must stay tracked")
	}
	if len(f.tracker.pushes) != 0 {
		t.Fatal("no push expected when lifecycle is unknown")
	}
}

func TestCycle_PushFailureKeepsSchedule(t *testing.T) {
	f := newFixture(t)
	entry := f.track(refOne, checklist.State{})
	f.tracker.err = errors.New("transition rejected")
	f.clock.Advance(time.Hour)

	_, err := f.cycle.Run(context.Background(), entry)
	if !errors.Is(err, ErrStatusPush) {
		t.Fatalf("err = %v, want ErrStatusPush", err)
	}
	got, ok := f.store.Get(refOne)
	if !ok {
		t.Fatal("entry must stay tracked")
	}
	if !got.LastReconciledAt.Equal(entry.LastReconciledAt) {
		t.Fatal("failed cycle must not mark the entry reconciled")
	}
}

func TestCycle_WriteBackFailureStopsCycle(t *testing.T) {
	f := newFixture(t)
	f.host.changed = []string{"src/main.py"}
	entry := f.track(refOne, checklist.State{})
	f.host.writeErr = errors.New("conflict")

	_, err := f.cycle.Run(context.Background(), entry)
	var wb *progress.WriteBackError
	if !errors.As(err, &wb) {
		t.Fatalf("err = %v, want WriteBackError", err)
	}
	if len(f.tracker.pushes) != 0 {
		t.Fatal("no push expected after a failed write-back")
	}
}

func TestCycle_FinishedEntryIsRemovedDespiteWriteBackFailure(t *testing.T) {
	for _, lifecycle := range []changerequest.Lifecycle{changerequest.LifecycleMerged, changerequest.LifecycleClosed} {
		t.Run(string(lifecycle), func(t *testing.T) {
			f := newFixture(t)
			f.host.changed = []string{"src/main.py"}
			entry := f.track(refOne, checklist.State{})
			f.host.lifecycle[refOne.Key()] = lifecycle
			f.host.writeErr = errors.New("403 forbidden")

			res, err := f.cycle.Run(context.Background(), entry)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !res.Removed {
				t.Fatal("finished change request should be removed")
			}
			if _, ok := f.store.Get(refOne); ok {
				t.Fatal("entry still tracked")
			}
			if f.host.writes != 1 {
				t.Fatalf("writes = %d, want 1", f.host.writes)
			}
			if len(f.tracker.pushes) != 0 {
				t.Fatalf("no status push expected, got %+v", f.tracker.pushes)
			}
		})
	}
}

func TestCycle_WriteBackFailureWinsOverLifecycleFailure(t *testing.T) {
	f := newFixture(t)
	f.host.changed = []string{"src/main.py"}
	entry := f.track(refOne, checklist.State{})
	f.host.writeErr = errors.New("conflict")
	f.host.lifecycleErr = errors.New("502 bad gateway")

	_, err := f.cycle.Run(context.Background(), entry)
	var wb *progress.WriteBackError
	if !errors.As(err, &wb) {
		t.Fatalf("err = %v, want WriteBackError", err)
	}
	if _, ok := f.store.Get(refOne); !ok {
		t.Fatal("entry must stay tracked")
	}
}

type scopeKey struct{}

// scopedHost marks the contexts it scopes and records whether each
// lifecycle query saw one.
type scopedHost struct {
	*fakeHost
	scoped []bool
}

func (h *scopedHost) WithCycleScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, true)
}

func (h *scopedHost) GetLifecycle(ctx context.Context, ref changerequest.Ref) (changerequest.Lifecycle, error) {
	h.scoped = append(h.scoped, ctx.Value(scopeKey{}) != nil)
	return h.fakeHost.GetLifecycle(ctx, ref)
}

func TestCycle_RunsInsideCycleScope(t *testing.T) {
	f := newFixture(t)
	host := &scopedHost{fakeHost: f.host}
	reconciler := progress.NewReconciler(signals.NewCollector(signals.Rules{}))
	cycle := NewCycle(f.store, host, host, reconciler, f.tracker, f.clock)
	entry := f.track(refOne, checklist.State{})

	if _, err := cycle.Run(context.Background(), entry); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(host.scoped) != 1 || !host.scoped[0] {
		t.Fatalf("lifecycle queries scoped = %v, want [true]", host.scoped)
	}
}

func TestCycle_UntrackedEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.cycle.Run(context.Background(), tracking.Entry{Ref: refOne})
	if !errors.Is(err, tracking.ErrNotTracked) {
		t.Fatalf("err = %v, want ErrNotTracked", err)
	}
}

// handlerFunc adapts a function to Handler.
type handlerFunc func(ctx context.Context, entry tracking.Entry) (Result, error)

func (f handlerFunc) Run(ctx context.Context, entry tracking.Entry) (Result, error) {
	return f(ctx, entry)
}

func TestPass_OnlyDueEntries(t *testing.T) {
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	store.Add(refOne, "PROJ-1")
	clock.Advance(3 * time.Minute)
	refTwo := changerequest.Ref{Repo: "owner/repo", Number: 2}
	store.Add(refTwo, "PROJ-2")
	clock.Advance(2 * time.Minute)

	var mu sync.Mutex
	var seen []changerequest.Ref
	s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
		mu.Lock()
		seen = append(seen, e.Ref)
		mu.Unlock()
		return Result{}, nil
	}), clock, Config{Interval: 5 * time.Minute})

	if n := s.Pass(context.Background()); n != 1 {
		t.Fatalf("Pass processed %d entries, want 1", n)
	}
	if len(seen) != 1 || seen[0] != refOne {
		t.Fatalf("seen = %v, want [refOne]", seen)
	}
}

func TestPass_IsolatesFailuresAndPanics(t *testing.T) {
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	refs := []changerequest.Ref{
		{Repo: "owner/repo", Number: 1},
		{Repo: "owner/repo", Number: 2},
		{Repo: "owner/repo", Number: 3},
	}
	for _, r := range refs {
		store.Add(r, "PROJ-1")
	}
	clock.Advance(time.Hour)

	var mu sync.Mutex
	handled := map[int]bool{}
	s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
		switch e.Ref.Number {
		case 1:
			panic("unexpected nil")
		case 2:
			return Result{}, errors.New("boom")
		}
		mu.Lock()
		handled[e.Ref.Number] = true
		mu.Unlock()
		_ = store.MarkReconciled(e.Ref, clock.Now())
		return Result{}, nil
	}), clock, Config{Interval: time.Minute, Workers: 1})

	if n := s.Pass(context.Background()); n != 3 {
		t.Fatalf("Pass processed %d entries, want 3", n)
	}
	if !handled[3] {
		t.Fatal("healthy entry was not reconciled")
	}
	for _, r := range refs[:2] {
		e, ok := store.Get(r)
		if !ok || e.Failures != 1 {
			t.Fatalf("entry %s: %+v, want one recorded failure", r, e)
		}
	}
	if due := store.Due(clock.Now(), time.Minute); len(due) != 2 {
		t.Fatalf("failed entries should stay due, got %d", len(due))
	}
}

func TestReconcileNow_BusyAndUntracked(t *testing.T) {
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	store.Add(refOne, "PROJ-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
		close(entered)
		<-release
		return Result{Status: workitem.StatusToDo}, nil
	}), clock, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ReconcileNow(context.Background(), refOne)
		errCh <- err
	}()
	<-entered

	if _, err := s.ReconcileNow(context.Background(), refOne); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent ReconcileNow err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first ReconcileNow: %v", err)
	}

	missing := changerequest.Ref{Repo: "owner/repo", Number: 99}
	if _, err := s.ReconcileNow(context.Background(), missing); !errors.Is(err, tracking.ErrNotTracked) {
		t.Fatalf("err = %v, want ErrNotTracked", err)
	}
}

func TestRun_InFlightPassFinishesAfterCancel(t *testing.T) {
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	store.Add(refOne, "PROJ-1")
	clock.Advance(time.Hour)

	entered := make(chan struct{})
	release := make(chan struct{})
	passCtxErr := make(chan error, 1)
	s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
		close(entered)
		<-release
		passCtxErr <- ctx.Err()
		return Result{}, nil
	}), clock, Config{Interval: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	<-clock.created
	clock.ticker.ch <- clock.Now()
	<-entered

	cancel()
	close(release)

	if err := <-passCtxErr; err != nil {
		t.Fatalf("in-flight pass saw cancelled context: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ShutdownStopsScheduling(t *testing.T) {
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
		return Result{}, nil
	}), clock, Config{})

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()
	<-clock.created

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRun_AfterShutdownReturnsWithoutStarting(t *testing.T) {
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
		return Result{}, nil
	}), clock, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)
	if ctx.Err() != nil {
		t.Fatal("Shutdown with no Run should return at once")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after an earlier Shutdown")
	}
	select {
	case <-clock.created:
		t.Fatal("Run started a ticker after Shutdown")
	default:
	}

	// a second Shutdown is harmless
	s.Shutdown(ctx)
}

func TestRun_ConcurrentShutdown(t *testing.T) {
	for i := 0; i < 20; i++ {
		clock := newManualClock()
		store := tracking.NewStore(tracking.WithClock(clock.Now))
		s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
			return Result{}, nil
		}), clock, Config{})

		runErr := make(chan error, 1)
		go func() { runErr <- s.Run(context.Background()) }()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Shutdown(ctx)
		cancel()

		select {
		case err := <-runErr:
			if err != nil {
				t.Fatalf("Run returned %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
	}
}

func TestRun_TickerFaultIsFatal(t *testing.T) {
	clock := newManualClock()
	store := tracking.NewStore(tracking.WithClock(clock.Now))
	s := NewScheduler(store, handlerFunc(func(ctx context.Context, e tracking.Entry) (Result, error) {
		return Result{}, nil
	}), clock, Config{})

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()
	<-clock.created
	close(clock.ticker.ch)

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrTickerStopped) {
			t.Fatalf("Run returned %v, want ErrTickerStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the ticker closed")
	}
}

func TestScheduler_EndToEndWithCycle(t *testing.T) {
	f := newFixture(t)
	f.host.changed = []string{"src/main.py"}
	f.track(refOne, checklist.State{})
	f.clock.Advance(6 * time.Minute)

	s := NewScheduler(f.store, f.cycle, f.clock, Config{Interval: 5 * time.Minute})
	s.Pass(context.Background())

	if len(f.tracker.pushes) != 1 || f.tracker.pushes[0].status != workitem.StatusInProgress {
		t.Fatalf("pushes = %+v", f.tracker.pushes)
	}
	writes := f.host.writes

	// Not due again until another interval passes.
	if n := s.Pass(context.Background()); n != 0 {
		t.Fatalf("second pass processed %d entries, want 0", n)
	}

	f.clock.Advance(5 * time.Minute)
	s.Pass(context.Background())
	if f.host.writes != writes {
		t.Fatal("unchanged signals must not rewrite the description")
	}
	if len(f.tracker.pushes) != 2 {
		t.Fatalf("pushes = %d, want 2", len(f.tracker.pushes))
	}
}
