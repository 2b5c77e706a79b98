// Package route implements the cN tree's route map: given a
// key, it returns the leaf node that owns that key's range.
//
// The map is an ordered structure keyed on edge-keys (the inclusive upper
// bound of each leaf's key range); Lookup returns the node whose edge-key is
// the smallest key greater than or equal to the search key. The entry with
// the largest edge-key is "islast" and owns [prev_edge, +inf).
//
// Ordering is strict lexicographic byte compare; ties are impossible
// because edge-keys are unique at any moment the tree lock is held.
package route

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/cnkv/cntree/pkg/cmap"
)

// ErrOutOfMemory is returned by Insert on allocation failure. Go does not
// expose allocation failure to user code the way a C allocator would; this
// is kept for interface parity (and as a hook for a future bounded-arena
// allocator) but Insert never actually returns it.
var ErrOutOfMemory = errors.New("route: out of memory")

// Node is the back-reference a route entry carries to the tree node that
// owns its range. It is opaque to the route map: the map never uses it for
// ownership, only as a payload returned from Lookup.
type Node any

// Entry is one edge-key -> node mapping (the in-memory analogue of a
// route_node). The back-pointer to the owning tree node is never used by
// the map itself for ownership, only returned to callers.
type Entry struct {
	EdgeKey []byte
	NodeRef Node
}

// Map is the route map. Insert/Delete/KeyModify are expected to be called
// only while the tree's write lock is held; Lookup is called under the
// tree's read lock. The sharded point-lookup cache in front of the ordered
// slice is independently thread-safe: it is purely an optimization and
// tolerates being invalidated concurrently with reads.
type Map struct {
	mu      sync.RWMutex // protects entries; the tree's own lock is the real protocol, this is a second line of defense for route-map-only callers (e.g. tests, the CLI inspector)
	entries []*Entry      // sorted ascending by EdgeKey

	// cache remembers the entry resolved for every key Lookup has seen, so
	// repeated point lookups of the same key skip the binary search; it is
	// cleared on any structural mutation. Backed by pkg/cmap's sharded map:
	// a concurrency-safe opportunistic cache in front of a slower
	// authoritative structure.
	cache *cmap.Map[*Entry]
}

// New creates an empty route map sized for the expected leaf fanout (used
// to presize the ordered slice's capacity and the point-lookup cache's
// shard count; the slice still grows as needed).
func New(fanoutHint int) *Map {
	shards := 16
	for shards < fanoutHint && shards < 1024 {
		shards *= 2
	}
	return &Map{
		entries: make([]*Entry, 0, fanoutHint),
		cache:   cmap.NewWithShards[*Entry](shards),
	}
}

// Lookup returns the node whose edge-key is the least upper bound on key.
// Never returns nil for a fully-populated map (i.e. one with at least one
// entry whose IsLast is true).
func (m *Map) Lookup(key []byte) *Entry {
	if e, ok := m.cache.Get(string(key)); ok {
		return e
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].EdgeKey, key) >= 0
	})
	if i == len(m.entries) {
		if len(m.entries) == 0 {
			return nil
		}
		// Past every edge-key: owned by islast.
		e := m.entries[len(m.entries)-1]
		m.cache.Set(string(key), e)
		return e
	}
	e := m.entries[i]
	m.cache.Set(string(key), e)
	return e
}

// Insert adds edgeKey -> nodeRef and returns the new entry.
func (m *Map) Insert(nodeRef Node, edgeKey []byte) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &Entry{EdgeKey: append([]byte(nil), edgeKey...), NodeRef: nodeRef}
	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].EdgeKey, edgeKey) >= 0
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e

	m.cache.Clear()
	return e, nil
}

// Delete removes e from the map. Must not be called while readers may be
// descending unless serialized by the tree's write lock.
func (m *Map) Delete(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	m.cache.Clear()
}

// KeyModify updates e's edge-key in place (used by the split last-node
// edge-key fixup).
func (m *Map) KeyModify(e *Entry, newEdgeKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	e.EdgeKey = append([]byte(nil), newEdgeKey...)
	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].EdgeKey, newEdgeKey) >= 0
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e

	m.cache.Clear()
}

// Keycmp compares e's stored edge-key to the supplied key: <0, 0, or >0,
// matching bytes.Compare's contract.
func (m *Map) Keycmp(e *Entry, key []byte) int {
	return bytes.Compare(e.EdgeKey, key)
}

// IsLast reports whether e holds the maximum edge-key in the map.
func (m *Map) IsLast(e *Entry) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) > 0 && m.entries[len(m.entries)-1] == e
}

// Len returns the number of entries (diagnostics / tests only).
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries returns a snapshot slice of all entries in ascending edge-key
// order (used by traversal/view building).
func (m *Map) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
