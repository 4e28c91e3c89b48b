// Package cache implements the sliding-expiration cache used by the
// topology provider, the dialect manager, the host selectors, and the
// monitoring subsystems. It follows the teacher's habit of keeping a
// single generic abstraction with two modes (lazy cleanup vs. a
// background cleanup task) instead of a class hierarchy, per
// spec.md §9's design note on "Sliding caches with optional background
// cleanup".
package cache

import (
	"sync"
	"time"
)

// item is the internal record backing one cache entry.
type item[V any] struct {
	value      V
	expiration time.Time
}

// SlidingCache is a generic K→V store with a per-entry TTL that slides
// forward on computeIfAbsent/put, but not on plain Get. Entries become
// eligible for removal once now > expiration and, if a disposal
// predicate was configured, ShouldDispose(value) also holds.
type SlidingCache[K comparable, V any] struct {
	mu              sync.Mutex
	items           map[K]item[V]
	cleanupInterval time.Duration
	lastCleanup     time.Time

	shouldDispose func(V) bool
	dispose       func(V)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a SlidingCache at construction time.
type Option[K comparable, V any] func(*SlidingCache[K, V])

// WithDisposal registers a predicate deciding whether an expired entry
// may actually be removed, and a hook run when it is (removed via
// expiry, Remove, or Clear). Disposer errors are not possible by
// construction: dispose has no error return, matching the spec's
// "disposer errors are swallowed" by simply never allowing one.
func WithDisposal[K comparable, V any](shouldDispose func(V) bool, dispose func(V)) Option[K, V] {
	return func(c *SlidingCache[K, V]) {
		c.shouldDispose = shouldDispose
		c.dispose = dispose
	}
}

// New creates a SlidingCache that runs cleanup lazily, at most once per
// cleanupInterval, piggybacked on mutating calls.
func New[K comparable, V any](cleanupInterval time.Duration, opts ...Option[K, V]) *SlidingCache[K, V] {
	c := &SlidingCache[K, V]{
		items:           make(map[K]item[V]),
		cleanupInterval: cleanupInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewWithCleanupTask creates a SlidingCache identical to New, but also
// starts a background goroutine that runs cleanup every
// cleanupInterval regardless of call traffic. Clear() signals the task
// to stop and waits for it to exit.
func NewWithCleanupTask[K comparable, V any](cleanupInterval time.Duration, opts ...Option[K, V]) *SlidingCache[K, V] {
	c := New[K, V](cleanupInterval, opts...)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.cleanupLoop()
	return c
}

func (c *SlidingCache[K, V]) cleanupLoop() {
	defer close(c.doneCh)
	t := time.NewTicker(c.cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.mu.Lock()
			c.cleanupLocked(time.Now())
			c.mu.Unlock()
		}
	}
}

// cleanupLocked removes every entry past expiration that is eligible
// for disposal, running at most once per cleanupInterval. Caller must
// hold c.mu.
func (c *SlidingCache[K, V]) cleanupLocked(now time.Time) {
	if now.Sub(c.lastCleanup) < c.cleanupInterval {
		return
	}
	c.lastCleanup = now
	for k, it := range c.items {
		if now.After(it.expiration) && c.disposableLocked(it.value) {
			delete(c.items, k)
			if c.dispose != nil {
				c.dispose(it.value)
			}
		}
	}
}

func (c *SlidingCache[K, V]) disposableLocked(v V) bool {
	if c.shouldDispose == nil {
		return true
	}
	return c.shouldDispose(v)
}

// ComputeIfAbsent returns the cached value for k, computing and
// inserting it via f if absent. Either way, the entry's expiration is
// refreshed to now+ttl.
func (c *SlidingCache[K, V]) ComputeIfAbsent(k K, f func(K) V, ttl time.Duration) V {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(now)

	if it, ok := c.items[k]; ok {
		it.expiration = now.Add(ttl)
		c.items[k] = it
		return it.value
	}

	v := f(k)
	c.items[k] = item[V]{value: v, expiration: now.Add(ttl)}
	return v
}

// Put inserts or overwrites k's value and resets its TTL.
func (c *SlidingCache[K, V]) Put(k K, v V, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(now)
	c.items[k] = item[V]{value: v, expiration: now.Add(ttl)}
}

// PutIfAbsent inserts v under k only if k is not already present,
// returning the value now stored (existing or new) and whether it
// inserted.
func (c *SlidingCache[K, V]) PutIfAbsent(k K, v V, ttl time.Duration) (V, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(now)

	if it, ok := c.items[k]; ok {
		return it.value, false
	}
	c.items[k] = item[V]{value: v, expiration: now.Add(ttl)}
	return v, true
}

// Get returns the value for k without refreshing its expiration. If
// the entry is expired and disposable it is removed and disposed, and
// ok is false.
func (c *SlidingCache[K, V]) Get(k K) (v V, ok bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(now)

	it, present := c.items[k]
	if !present {
		return v, false
	}
	if now.After(it.expiration) && c.disposableLocked(it.value) {
		delete(c.items, k)
		if c.dispose != nil {
			c.dispose(it.value)
		}
		return v, false
	}
	return it.value, true
}

// Remove deletes k, running the disposer if one is configured.
func (c *SlidingCache[K, V]) Remove(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[k]
	if !ok {
		return
	}
	delete(c.items, k)
	if c.dispose != nil {
		c.dispose(it.value)
	}
}

// Keys returns a snapshot of all current keys (no expiration check).
func (c *SlidingCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

// Len returns the number of entries currently stored, expired or not.
func (c *SlidingCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear disposes and removes every entry. If this cache was created
// with a background cleanup task, Clear stops and awaits it. Safe to
// call more than once.
func (c *SlidingCache[K, V]) Clear() {
	c.mu.Lock()
	for k, it := range c.items {
		delete(c.items, k)
		if c.dispose != nil {
			c.dispose(it.value)
		}
	}
	c.mu.Unlock()

	if c.stopCh != nil {
		c.stopOnce.Do(func() { close(c.stopCh) })
		<-c.doneCh
	}
}
