package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_TryAcquire(t *testing.T) {
	m := NewManager()
	key := "owner/repo#123"

	if !m.TryAcquire(key) {
		t.Fatal("first TryAcquire should succeed")
	}
	if m.TryAcquire(key) {
		t.Fatal("second TryAcquire should fail while the gate is held")
	}

	m.Release(key)
	if !m.TryAcquire(key) {
		t.Fatal("TryAcquire should succeed after Release")
	}
	m.Release(key)
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	m := NewManager()
	key := "owner/repo#456"

	m.Release(key)
	m.TryAcquire(key)
	m.Release(key)
	m.Release(key)

	if !m.TryAcquire(key) {
		t.Fatal("TryAcquire should succeed after repeated releases")
	}
	m.Release(key)
}

func TestManager_DifferentKeysIndependent(t *testing.T) {
	m := NewManager()
	if !m.TryAcquire("o/a#1") || !m.TryAcquire("o/b#1") {
		t.Fatal("different keys must not block each other")
	}
	if m.TryAcquire("o/a#1") {
		t.Fatal("o/a#1 should still be held")
	}
	m.Release("o/a#1")
	m.Release("o/b#1")
}

func TestManager_TryRunSkipsWhenHeld(t *testing.T) {
	m := NewManager()
	key := "owner/repo#7"

	ran := false
	if !m.TryRun(key, func() { ran = true }) || !ran {
		t.Fatal("TryRun should run fn when the gate is free")
	}

	m.TryAcquire(key)
	if m.TryRun(key, func() { t.Fatal("fn must not run while the gate is held") }) {
		t.Fatal("TryRun should report false while the gate is held")
	}
	m.Release(key)
}

func TestManager_TryRunNeverOverlaps(t *testing.T) {
	m := NewManager()
	key := "owner/repo#9"

	var active, maxActive, runs int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.TryRun(key, func() {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				atomic.AddInt32(&runs, 1)
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()

	if runs == 0 {
		t.Fatal("at least one run should have happened")
	}
	if maxActive != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", maxActive)
	}
}

func TestManager_Forget(t *testing.T) {
	m := NewManager()
	key := "owner/repo#3"
	m.TryAcquire(key)
	m.Forget(key)
	if !m.TryAcquire(key) {
		t.Fatal("a forgotten key starts with a free gate")
	}
	m.Release(key)
}
