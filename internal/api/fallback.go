package api

import (
	"sync/atomic"
	"time"
)

// DefaultFallbackCache is shared by every client in the process.
var DefaultFallbackCache = NewFallbackCache()

type cachedHost struct {
	host    string
	expires time.Time
}

// FallbackCache remembers the fallback host that last succeeded. Reads and
// writes are unsynchronised beyond the atomic swap: a stale read costs at
// most one failed request against the wrong host.
type FallbackCache struct {
	entry atomic.Pointer[cachedHost]
	now   func() time.Time
}

// NewFallbackCache creates an empty cache.
func NewFallbackCache() *FallbackCache {
	return &FallbackCache{now: time.Now}
}

// Get returns the cached host if it has not expired.
func (f *FallbackCache) Get() (string, bool) {
	e := f.entry.Load()
	if e == nil || !f.now().Before(e.expires) {
		return "", false
	}
	return e.host, true
}

// Put remembers host for ttl.
func (f *FallbackCache) Put(host string, ttl time.Duration) {
	f.entry.Store(&cachedHost{host: host, expires: f.now().Add(ttl)})
}

// Clear forgets the cached host.
func (f *FallbackCache) Clear() {
	f.entry.Store(nil)
}
