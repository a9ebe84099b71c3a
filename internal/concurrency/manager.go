package concurrency

import "sync"

// Manager gates work per key so that at most one holder runs for a key at a
// time. Keys are change request keys such as "owner/repo#123".
type Manager struct {
	locks sync.Map // map[string]chan struct{}
}

// NewManager creates a new concurrency manager
func NewManager() *Manager {
	return &Manager{}
}

// TryAcquire takes the gate for key without blocking.
// Returns false if another holder has it.
func (m *Manager) TryAcquire(key string) bool {
	actual, _ := m.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := actual.(chan struct{})

	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the gate for key.
// Safe to call even if the gate was never taken or already released.
func (m *Manager) Release(key string) {
	actual, ok := m.locks.Load(key)
	if !ok {
		return
	}
	select {
	case <-actual.(chan struct{}):
	default:
	}
}

// TryRun runs fn while holding the gate for key. It reports false, without
// running fn, when the gate is already held.
func (m *Manager) TryRun(key string, fn func()) bool {
	if !m.TryAcquire(key) {
		return false
	}
	defer m.Release(key)
	fn()
	return true
}

// Forget drops the gate for key once it is no longer tracked.
func (m *Manager) Forget(key string) {
	m.locks.Delete(key)
}
