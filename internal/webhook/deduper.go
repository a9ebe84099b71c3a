package webhook

import (
	"sync"
	"time"
)

// deliveryDeduper drops redelivered webhooks by X-GitHub-Delivery ID.
type deliveryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newDeliveryDeduper(ttl time.Duration) *deliveryDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &deliveryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// markIfNew reports whether id has not been seen within the TTL and records
// it. An empty id is always new.
func (d *deliveryDeduper) markIfNew(id string) bool {
	if id == "" {
		return true
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
		}
	}
	if _, ok := d.entries[id]; ok {
		return false
	}
	d.entries[id] = now.Add(d.ttl)
	return true
}

// seen reports whether id was recorded within the TTL without recording it.
func (d *deliveryDeduper) seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.entries[id]
	return ok && !d.now().After(expiry)
}
