package registry

import "sync"

// queryCache memoizes repository query results keyed by a query string.
// Any write to the owning repository invalidates the whole cache.
type queryCache struct {
	mu     sync.Mutex
	values map[string]interface{}
	hits   int64
	misses int64
}

func newQueryCache() *queryCache {
	return &queryCache{values: make(map[string]interface{})}
}

func (c *queryCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *queryCache) put(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

func (c *queryCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]interface{})
}

func (c *queryCache) stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"entries":  len(c.values),
		"hits":     c.hits,
		"misses":   c.misses,
		"hit_rate": hitRate,
	}
}
