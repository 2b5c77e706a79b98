package cntree

// view.go implements read-only traversal: a preorder walk (root, then
// leaves in route-map order) with per-node and end-of-tree boundary
// callbacks, and a ref-counted point-in-time view suitable for diagnostics
// and export. PreorderWalk holds the tree's read lock for the whole walk;
// ViewCreate yields it periodically so building a large view never starves
// a compaction's write-lock acquisition.

// viewYieldEvery is how many nodes a view builder visits per read-lock
// hold before yielding to waiting writers.
const viewYieldEvery = 16

// WalkOrder selects the per-node kvset visit order.
type WalkOrder int

const (
	// WalkNewestFirst visits kvsets head to tail (highest dgen first).
	WalkNewestFirst WalkOrder = iota
	// WalkOldestFirst visits kvsets tail to head.
	WalkOldestFirst
)

// WalkFunc is the preorder-walk callback. It is invoked with a kvset for
// every kvset visit, with a nil kvset at the boundary after a non-empty
// node, and with a nil node and nil kvset once at the end of the tree.
// Returning true aborts the walk.
type WalkFunc func(t *Tree, n *Node, k *Kvset) bool

// PreorderWalk visits every node (root first, then leaves in ascending
// edge-key order) and every kvset in the requested order under the tree
// read lock.
func (t *Tree) PreorderWalk(order WalkOrder, cb WalkFunc) {
	t.RLock()
	defer t.RUnlock()

	for _, n := range t.allNodesLocked() {
		kvsets := n.Kvsets()
		if order == WalkOldestFirst {
			for i := len(kvsets) - 1; i >= 0; i-- {
				if cb(t, n, kvsets[i]) {
					return
				}
			}
		} else {
			for _, k := range kvsets {
				if cb(t, n, k) {
					return
				}
			}
		}
		if len(kvsets) > 0 {
			if cb(t, n, nil) {
				return
			}
		}
	}
	cb(t, nil, nil)
}

// ViewEntry is one node's contribution to a View: its identity, a copy of
// its edge-key, and a ref-counted snapshot of its kvset list at the moment
// it was visited.
type ViewEntry struct {
	NodeID  NodeID
	IsRoot  bool
	EdgeKey []byte
	Kvsets  []*Kvset
}

// View is a consistent-enough snapshot of every node's kvset membership.
// Cross-node atomicity is not guaranteed: a compaction may commit between
// two nodes' visits, which the view's consumers (CLI metrics, backup,
// diagnostics) tolerate because each entry copies node identity and holds
// kvset refs.
type View struct {
	Entries []ViewEntry
}

// Close unrefs every kvset the view captured. Must be called exactly once
// per View obtained from ViewCreate.
func (v *View) Close() {
	for _, e := range v.Entries {
		for _, k := range e.Kvsets {
			k.Unref()
		}
	}
}

// ViewCreate builds a flat table with one entry per node and a ref per
// kvset. The read lock is yielded after every viewYieldEvery nodes
// (released and re-acquired); the walker re-reads the node table after a
// yield, so nodes committed meanwhile are picked up and retired ones are
// skipped rather than dereferenced stale.
func (t *Tree) ViewCreate() *View {
	v := &View{}
	seen := make(map[NodeID]struct{})

	t.RLock()
	visited := 0
	for {
		nodes := t.allNodesLocked()
		advanced := false
		for _, n := range nodes {
			if _, ok := seen[n.ID]; ok {
				continue
			}
			seen[n.ID] = struct{}{}
			advanced = true

			kvsets := n.Kvsets()
			for _, k := range kvsets {
				k.Ref()
			}
			var edge []byte
			if n.RouteEntry != nil {
				edge = append([]byte(nil), n.RouteEntry.EdgeKey...)
			}
			v.Entries = append(v.Entries, ViewEntry{
				NodeID: n.ID, IsRoot: n.IsRoot, EdgeKey: edge, Kvsets: kvsets,
			})

			visited++
			if visited%viewYieldEvery == 0 {
				t.RUnlock()
				t.RLock()
				break
			}
		}
		if !advanced {
			break
		}
	}
	t.RUnlock()
	return v
}

// Stats aggregates a view into tree-wide totals.
type Stats struct {
	NodeCount  int
	KvsetCount int
	KeyCount   uint64
	TombCount  uint64
}

// Aggregate computes Stats over the view without touching the tree again.
func (v *View) Aggregate() Stats {
	var s Stats
	s.NodeCount = len(v.Entries)
	for _, e := range v.Entries {
		s.KvsetCount += len(e.Kvsets)
		for _, k := range e.Kvsets {
			s.KeyCount += k.Stats.NumKeys
			s.TombCount += k.Stats.NumTombstones
		}
	}
	return s
}
