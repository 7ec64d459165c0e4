package service

import (
	"container/list"
	"sync"
	"time"
)

// ttlCache is a small bounded LRU with per-entry TTL. No third-party LRU
// library appears anywhere in the example pack, so this is a deliberate
// stdlib fallback (container/list + map), justified in DESIGN.md
type ttlCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxLen   int
	now      func() time.Time
	ll       *list.List
	items    map[string]*list.Element
	hits     uint64
	misses   uint64
}

type ttlEntry struct {
	key     string
	value   any
	expires time.Time
}

func newTTLCache(maxLen int, ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:    ttl,
		maxLen: maxLen,
		now:    time.Now,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

func (c *ttlCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := el.Value.(*ttlEntry)
	if c.now().After(ent.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.value, true
}

func (c *ttlCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*ttlEntry)
		ent.value = value
		ent.expires = c.now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&ttlEntry{key: key, value: value, expires: c.now().Add(c.ttl)})
	c.items[key] = el

	for c.maxLen > 0 && c.ll.Len() > c.maxLen {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*ttlEntry).key)
	}
}

func (c *ttlCache) Counts() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
