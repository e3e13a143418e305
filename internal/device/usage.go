package device

import (
	"sync"
	"time"
)

type usageEntry struct {
	total, free uint64
	at          time.Time
}

// usageCache keeps the last free/total reading of the card so status
// requests and screen refreshes do not each take the bus for a statfs.
//
// It is best-effort: completed uploads invalidate it, anything else expires
// after the TTL.
type usageCache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	e   *usageEntry
}

func newUsageCache(ttl time.Duration) *usageCache {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &usageCache{ttl: ttl, now: time.Now}
}

func (c *usageCache) getFresh() (total, free uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.e == nil {
		return 0, 0, false
	}
	if c.now().Sub(c.e.at) > c.ttl {
		c.e = nil
		return 0, 0, false
	}
	return c.e.total, c.e.free, true
}

func (c *usageCache) set(total, free uint64) {
	c.mu.Lock()
	c.e = &usageEntry{total: total, free: free, at: c.now()}
	c.mu.Unlock()
}

func (c *usageCache) invalidate() {
	c.mu.Lock()
	c.e = nil
	c.mu.Unlock()
}

// diskUsage returns the cached reading, or asks the card if missing/stale.
func (d *Device) diskUsage() (total, free uint64, err error) {
	if total, free, ok := d.usage.getFresh(); ok {
		return total, free, nil
	}
	total, free, err = d.store.DiskUsage()
	if err != nil {
		return 0, 0, err
	}
	d.usage.set(total, free)
	return total, free, nil
}
