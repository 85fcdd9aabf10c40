package entitlements

import (
	"context"
	"sync"
	"time"

	pkgentitlements "github.com/rcourtman/mealplan-entitlements/pkg/entitlements"
)

// Generation identifies the invalidation epoch observed at the start of a
// cache miss. A value computed under an older generation is discarded.
type Generation uint64

// Cache is a per-tenant TTL cache of computed entitlements.
//
// Invalidate and InvalidateAll are linearizable with respect to Get: once they
// return, no Get observes the removed entry, and a load that started before the
// invalidation cannot store its result afterwards (see PutIfGeneration).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]pkgentitlements.Entitlements

	// clock advances on every invalidation. invalidated records the clock value
	// of a tenant's latest invalidation; allInvalidated the latest InvalidateAll.
	clock          uint64
	invalidated    map[string]uint64
	allInvalidated uint64

	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
}

// NewCache creates a cache with the given TTL. A non-positive ttl uses the default.
func NewCache(ttl time.Duration, metrics *Metrics) *Cache {
	if ttl <= 0 {
		ttl = pkgentitlements.DefaultTTL
	}
	return &Cache{
		entries:     make(map[string]pkgentitlements.Entitlements),
		invalidated: make(map[string]uint64),
		ttl:         ttl,
		now:         time.Now,
		metrics:     metrics,
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the tenant's entry if it has not expired.
func (c *Cache) Get(tenantID string) (pkgentitlements.Entitlements, bool) {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	c.mu.RUnlock()

	if ok && e.Expired(c.now()) {
		ok = false
	}
	c.metrics.recordCache(ok)
	if !ok {
		return pkgentitlements.Entitlements{}, false
	}
	return e, true
}

// Put stores e for the tenant stamped with the current time. Last write wins.
func (c *Cache) Put(tenantID string, e pkgentitlements.Entitlements) pkgentitlements.Entitlements {
	stamped := e.Stamp(c.now(), c.ttl)
	c.mu.Lock()
	c.entries[tenantID] = stamped
	c.mu.Unlock()
	return stamped
}

// Generation returns the current invalidation epoch.
func (c *Cache) Generation() Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Generation(c.clock)
}

// PutIfGeneration stores e only if neither the tenant nor the whole cache was
// invalidated after gen was observed. It always returns the stamped value and
// reports whether it was stored.
func (c *Cache) PutIfGeneration(tenantID string, e pkgentitlements.Entitlements, gen Generation) (pkgentitlements.Entitlements, bool) {
	stamped := e.Stamp(c.now(), c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allInvalidated > uint64(gen) || c.invalidated[tenantID] > uint64(gen) {
		return stamped, false
	}
	c.entries[tenantID] = stamped
	return stamped, true
}

// Invalidate removes the tenant's entry.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	c.clock++
	c.invalidated[tenantID] = c.clock
	delete(c.entries, tenantID)
	c.mu.Unlock()
	c.metrics.recordInvalidation("tenant")
}

// InvalidateAll removes every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.clock++
	c.allInvalidated = c.clock
	c.entries = make(map[string]pkgentitlements.Entitlements)
	// Every per-tenant mark is now superseded by allInvalidated.
	c.invalidated = make(map[string]uint64)
	c.mu.Unlock()
	c.metrics.recordInvalidation("all")
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for tenantID, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, tenantID)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps expired entries every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}
