package ledger

import (
	"sync"

	"github.com/hazyhaar/adserve/adengine/internal/model"
)

// DefaultRecentSize is the recent-impression cache capacity.
const DefaultRecentSize = 1000

// recentCache keeps the last N impressions by insertion order. Lookups do
// not refresh an entry; the oldest insertion is evicted first.
type recentCache struct {
	mu    sync.Mutex
	ring  []string
	next  int
	items map[string]model.Impression
}

func newRecentCache(size int) *recentCache {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &recentCache{ring: make([]string, size), items: make(map[string]model.Impression, size)}
}

func (c *recentCache) add(imp model.Impression) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[imp.ImpressionID]; ok {
		c.items[imp.ImpressionID] = imp
		return
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.items, old)
	}
	c.ring[c.next] = imp.ImpressionID
	c.items[imp.ImpressionID] = imp
	c.next = (c.next + 1) % len(c.ring)
}

func (c *recentCache) get(id string) (model.Impression, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	imp, ok := c.items[id]
	return imp, ok
}

func (c *recentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
