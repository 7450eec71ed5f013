package workflow

import (
	"sync"
	"time"
)

// leaseArena hands out short-lived exclusive claims on record keys so
// overlapping runs never poll the same record twice at once. Thread-safe.
// Expired leases are reclaimable without an explicit release.
type leaseArena struct {
	mu      sync.Mutex
	leases  map[string]time.Time
	nowFunc func() time.Time // injectable for testing
}

func newLeaseArena() *leaseArena {
	return &leaseArena{
		leases:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// acquire claims the key for ttl. Returns false when another worker
// holds an unexpired lease on it.
func (a *leaseArena) acquire(key string, ttl time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowFunc()

	if expiry, held := a.leases[key]; held && now.Before(expiry) {
		return false
	}

	a.leases[key] = now.Add(ttl)

	return true
}

// release drops the lease on the key.
func (a *leaseArena) release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.leases, key)
}
