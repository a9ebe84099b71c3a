package tracking

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cexll/tracksync/internal/changerequest"
)

// ErrNotTracked is returned for operations on a ref that is not tracked.
var ErrNotTracked = errors.New("change request is not tracked")

// Entry is one change request under observation.
type Entry struct {
	Ref              changerequest.Ref `json:"ref"`
	IssueKey         string            `json:"issue_key"`
	AddedAt          time.Time         `json:"added_at"`
	LastReconciledAt time.Time         `json:"last_reconciled_at"`
	Failures         int               `json:"consecutive_failures"`
}

// Store is the registry of tracked change requests. All access goes
// through a single lock.
type Store struct {
	mu      sync.Locker
	now     func() time.Time
	entries map[string]*Entry
	onSize  func(int)
}

// Option configures a Store.
type Option func(*Store)

// WithLocker replaces the default mutex.
func WithLocker(l sync.Locker) Option {
	return func(s *Store) { s.mu = l }
}

// WithClock sets the time source used for AddedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSizeObserver is called with the number of entries after every change.
func WithSizeObserver(fn func(int)) Option {
	return func(s *Store) { s.onSize = fn }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		mu:      &sync.Mutex{},
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add starts tracking ref for issueKey. The entry is first due one interval
// after it is added. Adding an already tracked ref returns false and leaves
// the existing entry untouched.
func (s *Store) Add(ref changerequest.Ref, issueKey string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[ref.Key()]; ok {
		return *e, false
	}
	now := s.now()
	e := &Entry{
		Ref:              ref,
		IssueKey:         issueKey,
		AddedAt:          now,
		LastReconciledAt: now,
	}
	s.entries[ref.Key()] = e
	s.sizeChanged()
	return *e, true
}

// Remove stops tracking ref. It reports whether the ref was tracked.
func (s *Store) Remove(ref changerequest.Ref) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[ref.Key()]; !ok {
		return false
	}
	delete(s.entries, ref.Key())
	s.sizeChanged()
	return true
}

// Get returns a copy of the entry for ref.
func (s *Store) Get(ref changerequest.Ref) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ref.Key()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries, oldest first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

// Due returns copies of the entries whose last reconciliation is at least
// interval before now, oldest first.
func (s *Store) Due(now time.Time, interval time.Duration) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if now.Sub(e.LastReconciledAt) >= interval {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	return out
}

// MarkReconciled records a successful cycle.
func (s *Store) MarkReconciled(ref changerequest.Ref, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ref.Key()]
	if !ok {
		return ErrNotTracked
	}
	e.LastReconciledAt = at
	e.Failures = 0
	return nil
}

// MarkFailed records a failed cycle. LastReconciledAt is kept so the entry
// stays due.
func (s *Store) MarkFailed(ref changerequest.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ref.Key()]
	if !ok {
		return ErrNotTracked
	}
	e.Failures++
	return nil
}

// Len returns the number of tracked entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) sizeChanged() {
	if s.onSize != nil {
		s.onSize(len(s.entries))
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AddedAt.Equal(entries[j].AddedAt) {
			return entries[i].Ref.Key() < entries[j].Ref.Key()
		}
		return entries[i].AddedAt.Before(entries[j].AddedAt)
	})
}
