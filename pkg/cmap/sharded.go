// Package cmap provides a sharded concurrent map keyed by byte strings.
//
// It backs read-mostly caches on the tree's lookup path, most notably the
// route map's point-lookup cache: the shard for a key is chosen with the
// same murmur3 hash the lookup path already uses as its key discriminator,
// so hot keys from different ranges land on different locks.
package cmap

import (
	"sync"

	"github.com/cnkv/cntree/pkg/khash"
)

// DefaultShardCount is used when no explicit shard count is given. Sixteen
// shards comfortably cover the route map's fanout ceiling.
const DefaultShardCount = 16

// Map is a sharded map from byte-string keys to V. The zero value is not
// usable; construct with New or NewWithShards.
type Map[V any] struct {
	shards []shard[V]
	mask   uint64
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// New creates a map with DefaultShardCount shards.
func New[V any]() *Map[V] {
	return NewWithShards[V](DefaultShardCount)
}

// NewWithShards creates a map with the given shard count, rounded to
// DefaultShardCount when it is not a power of two.
func NewWithShards[V any](shardCount int) *Map[V] {
	if shardCount <= 0 || shardCount&(shardCount-1) != 0 {
		shardCount = DefaultShardCount
	}
	m := &Map[V]{
		shards: make([]shard[V], shardCount),
		mask:   uint64(shardCount - 1),
	}
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return &m.shards[khash.Sum64([]byte(key))&m.mask]
}

// Get retrieves the value for key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set stores key -> value.
func (m *Map[V]) Set(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns the total number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		m.shards[i].mu.RLock()
		n += len(m.shards[i].items)
		m.shards[i].mu.RUnlock()
	}
	return n
}

// Clear drops every entry. Used when a structural route-map change
// invalidates the whole cache at once.
func (m *Map[V]) Clear() {
	for i := range m.shards {
		m.shards[i].mu.Lock()
		m.shards[i].items = make(map[string]V)
		m.shards[i].mu.Unlock()
	}
}

// Range calls fn for every entry until fn returns false. Iteration order
// is unspecified and entries added or removed concurrently may or may not
// be visited.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
