// Package idempotency replays the first result of a keyed request for a limited time.
package idempotency

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrMismatch is returned when a key is reused with a different request.
var ErrMismatch = errors.New("idempotency key reused with different parameters")

// Cache stores results per key with a TTL and an LRU bound.
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	inflight   map[string]*call[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type cacheEntry[V any] struct {
	key         string
	fingerprint string
	value       V
	expiresAt   time.Time
}

type call[V any] struct {
	done        chan struct{}
	fingerprint string
	value       V
	err         error
}

// NewCache creates a cache; non-positive arguments fall back to one hour and 1000 entries.
func NewCache[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Cache[V]{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		inflight:   make(map[string]*call[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Do returns the cached value for key or runs fn once, caching only successful results.
// Concurrent callers with the same key wait for the first one. replayed reports a cache hit.
func (c *Cache[V]) Do(key, fingerprint string, fn func() (V, error)) (value V, replayed bool, err error) {
	if c == nil || key == "" {
		value, err = fn()
		return value, false, err
	}

	c.mu.Lock()
	if v, fp, ok := c.lookup(key); ok {
		c.mu.Unlock()
		if fp != fingerprint {
			return value, false, ErrMismatch
		}
		return v, true, nil
	}
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-inflight.done
		if inflight.fingerprint != fingerprint {
			return value, false, ErrMismatch
		}
		return inflight.value, inflight.err == nil, inflight.err
	}
	cl := &call[V]{done: make(chan struct{}), fingerprint: fingerprint}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = fn()

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.store(key, fingerprint, cl.value)
	}
	c.mu.Unlock()
	close(cl.done)
	return cl.value, false, cl.err
}

// Len reports live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) lookup(key string) (V, string, bool) {
	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, "", false
	}
	entry := elem.Value.(*cacheEntry[V])
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return zero, "", false
	}
	c.order.MoveToFront(elem)
	return entry.value, entry.fingerprint, true
}

func (c *Cache[V]) store(key, fingerprint string, value V) {
	entry := &cacheEntry[V]{
		key:         key,
		fingerprint: fingerprint,
		value:       value,
		expiresAt:   c.now().Add(c.ttl),
	}
	c.items[key] = c.order.PushFront(entry)
	for len(c.items) > c.maxEntries {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		delete(c.items, elem.Value.(*cacheEntry[V]).key)
		c.order.Remove(elem)
	}
}
