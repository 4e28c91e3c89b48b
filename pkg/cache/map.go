package cache

import "sync"

// Map is the simpler sibling of SlidingCache without expiration or a
// disposal hook. No other package in this module uses it.
type Map[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMap creates an empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{items: make(map[K]V)}
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[k]
	return v, ok
}

func (m *Map[K, V]) Put(k K, v V) {
	m.mu.Lock()
	m.items[k] = v
	m.mu.Unlock()
}

func (m *Map[K, V]) Delete(k K) {
	m.mu.Lock()
	delete(m.items, k)
	m.mu.Unlock()
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
