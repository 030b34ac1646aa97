package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// LRUMarker is a thread-safe in-memory marker with a fixed size and a Least
// Recently Used eviction policy. It only sees the messages of its own process.
type LRUMarker struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List               // recency order, most recent at the front
	items map[string]*list.Element // fast key lookups
}

// NewLRUMarker creates an LRUMarker holding at most maxSize keys.
func NewLRUMarker(maxSize int) (*LRUMarker, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &LRUMarker{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}, nil
}

// IsProcessed reports whether key is held, refreshing its recency on a hit.
func (c *LRUMarker) IsProcessed(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		return true, nil
	}
	return false, nil
}

// MarkProcessed adds key, evicting the least recently used key when full.
func (c *LRUMarker) MarkProcessed(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		return nil
	}
	c.items[key] = c.ll.PushFront(key)
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return nil
}

// Len returns the number of keys held.
func (c *LRUMarker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evict must be called with the mutex held.
func (c *LRUMarker) evict() {
	if back := c.ll.Back(); back != nil {
		key := c.ll.Remove(back).(string)
		delete(c.items, key)
	}
}
