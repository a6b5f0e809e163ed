package shield

import (
	"sync"
	"time"

	"github.com/maypok86/otter"
)

// resultCache is the bounded in-memory cache of fetch results. Entries
// expire a fixed time after their last access; refusals use a shorter TTL.
type resultCache struct {
	mu         sync.Mutex
	cache      otter.CacheWithVariableTTL[string, Result]
	ttl        time.Duration
	failureTTL time.Duration
}

func newResultCache(entries int, ttl, failureTTL time.Duration) *resultCache {
	cache, err := otter.MustBuilder[string, Result](entries).
		Cost(func(_ string, _ Result) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("shield: failed to create result cache: " + err.Error())
	}
	return &resultCache{cache: cache, ttl: ttl, failureTTL: failureTTL}
}

func (c *resultCache) ttlFor(r Result) time.Duration {
	if r.HasBody() {
		return c.ttl
	}
	return c.failureTTL
}

// Get returns a live entry and slides its expiry. Entries whose body can no
// longer be opened are dropped and reported as a miss.
func (c *resultCache) Get(key string) (Result, bool) {
	r, ok := c.cache.Get(key)
	if !ok {
		return Result{}, false
	}
	if r.HasBody() && !r.Body.Available() {
		c.cache.Delete(key)
		return Result{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent Put may have replaced the entry since the read
	if cur, ok := c.cache.Get(key); ok && cur == r {
		c.cache.Set(key, r, c.ttlFor(r))
	}
	return r, true
}

func (c *resultCache) Put(key string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Set(key, r, c.ttlFor(r))
}

func (c *resultCache) Size() int {
	return c.cache.Size()
}

func (c *resultCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Close()
}
