package cntree

import (
	"sync"
	"sync/atomic"

	"github.com/cnkv/cntree/internal/cntree/route"
)

const (
	// FanoutMin/FanoutMax bound how many leaves a tree may split the root's
	// key range into.
	FanoutMin = 2
	FanoutMax = 32

	// PfxLenMax bounds the configured key-prefix length used by
	// prefix-hashed kvsets.
	PfxLenMax = 32

	// defaultNodeSizeMax is the per-node capacity used for PCap when the
	// config leaves NodeSizeMax zero.
	defaultNodeSizeMax = 1 << 30
)

// Health is the opaque kvdb-health collaborator: the tree reports fatal
// conditions (media pool exhaustion, metadata journal corruption) to it and
// never interprets the result beyond "has a fault been recorded".
type Health interface {
	SetFault(err error)
	Faulted() bool
}

// IngestNotifier receives the samp deltas of every successful ingest, the
// signal the scheduler uses to decide when the root has accumulated enough
// to spill.
type IngestNotifier interface {
	NotifyIngest(rAlenDelta, rWlenDelta int64)
}

// Tree is the per-KVS indexing structure: a root node plus a dynamic set of
// leaf nodes addressed through a route map, a read-mostly lock guarding
// structural membership, and the aggregate sampling state the scheduler
// reads to prioritize work.
type Tree struct {
	CNID   uint64
	Fanout int
	PfxLen int
	SfxLen int
	Capped bool

	health   Health
	notifier IngestNotifier

	// lock is the tree's read-mostly lock: lookups, walks, view creation
	// and capped-trim snapshots take RLock; ingest, every compaction's
	// apply, route-map mutations and capped-trim retire take Lock. All
	// media-pool and journal I/O happens outside it.
	lock sync.RWMutex

	root  *Node
	nodes map[NodeID]*Node
	route *route.Map

	nextNodeID  atomic.Uint64
	nextDgen    atomic.Uint64
	ingestDgen  atomic.Uint64
	nextWorkID  atomic.Uint64

	// ptKey/ptLen/ptSeq track the largest prefix tombstone ingested into a
	// capped tree (read through LastPtomb); written under the tree write lock.
	ptKey []byte
	ptLen int
	ptSeq uint64

	// cappedDgen remembers how far the eviction sweep has advanced so
	// repeated sweeps do not rescan already-advised kvsets.
	cappedDgen uint64

	// samp is the tree-wide aggregate, always equal to the sum of per-node
	// samps; written under the tree write lock.
	samp Samp

	// Nospace latches true once a media-pool commit has failed with
	// out-of-space. Ingest and new compactions refuse work until an
	// operator intervenes upstream of this package.
	Nospace atomic.Bool

	// AvgSpillNanos is an exponentially smoothed estimate of root-spill
	// duration, refreshed by the commit stage of every spill; the scheduler
	// uses it to size its look-ahead window.
	AvgSpillNanos atomic.Int64

	// ReadOnly makes ingest and every compaction action refuse new work
	// while lookups and walks continue, so a diagnostic tool can open a
	// tree without risking a background mutation.
	ReadOnly atomic.Bool

	// cancel is the advisory cancellation flag compaction builders poll at
	// merge-loop checkpoints.
	cancel atomic.Bool

	nodeSizeMax    uint64
	allocEstimator func(uint64) uint64
	cappedEvictTTL int64 // seconds
}

// Config parametrizes tree construction.
type Config struct {
	Fanout int
	PfxLen int
	SfxLen int
	Capped bool

	// NodeSizeMax is the per-node capacity PCap is computed against.
	NodeSizeMax uint64

	// CappedEvictTTLSecs is the age past which a capped tree's eviction
	// sweep advises the kernel to page out a kvset's value blocks.
	CappedEvictTTLSecs int64

	// AllocEstimator converts a written length into the media pool's
	// rounded allocation length; nil means identity.
	AllocEstimator func(uint64) uint64

	Health   Health
	Notifier IngestNotifier
}

// New constructs a tree with a single, empty root node. Returns
// ErrBadFanout or ErrBadPrefixLen if Config is out of range.
func New(cfg Config) (*Tree, error) {
	if cfg.Fanout < FanoutMin || cfg.Fanout > FanoutMax {
		return nil, ErrBadFanout
	}
	if cfg.PfxLen < 0 || cfg.PfxLen > PfxLenMax {
		return nil, ErrBadPrefixLen
	}

	sizeMax := cfg.NodeSizeMax
	if sizeMax == 0 {
		sizeMax = defaultNodeSizeMax
	}

	t := &Tree{
		Fanout:         cfg.Fanout,
		PfxLen:         cfg.PfxLen,
		SfxLen:         cfg.SfxLen,
		Capped:         cfg.Capped,
		health:         cfg.Health,
		notifier:       cfg.Notifier,
		nodes:          make(map[NodeID]*Node),
		route:          route.New(cfg.Fanout),
		nodeSizeMax:    sizeMax,
		allocEstimator: cfg.AllocEstimator,
		cappedEvictTTL: cfg.CappedEvictTTLSecs,
	}
	t.root = NewNode(NodeID(t.nextNodeID.Add(1)), true)
	t.nodes[t.root.ID] = t.root
	return t, nil
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

// NodeByID returns the node with the given id, or ErrUnknownNode.
func (t *Tree) NodeByID(id NodeID) (*Node, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, ErrUnknownNode
	}
	return n, nil
}

// LeafFor returns the leaf node that owns key, per the route map. If the
// tree has no leaves yet (route map empty), the root itself is the only
// node and is returned.
func (t *Tree) LeafFor(key []byte) *Node {
	e := t.route.Lookup(key)
	if e == nil {
		return t.root
	}
	n, _ := e.NodeRef.(*Node)
	return n
}

// AddLeaf registers a new leaf node at the given edge-key. Used by the
// external loader populating a tree at open and by tests; a split's apply
// path uses addLeafLocked under the write lock instead.
func (t *Tree) AddLeaf(edgeKey []byte) (*Node, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.addLeafLocked(NodeID(t.nextNodeID.Add(1)), edgeKey)
}

// addLeafLocked registers a leaf under the given id and inserts its route
// entry. Caller holds the tree write lock.
func (t *Tree) addLeafLocked(id NodeID, edgeKey []byte) (*Node, error) {
	n := NewNode(id, false)
	e, err := t.route.Insert(n, edgeKey)
	if err != nil {
		return nil, err
	}
	n.RouteEntry = e
	t.nodes[n.ID] = n
	return n, nil
}

// RemoveLeaf unregisters a leaf (a split whose sibling ended up with no
// surviving kvsets). The root may never be removed.
func (t *Tree) RemoveLeaf(n *Node) {
	if n.IsRoot {
		return
	}
	t.lock.Lock()
	if n.RouteEntry != nil {
		t.route.Delete(n.RouteEntry)
		n.RouteEntry = nil
	}
	delete(t.nodes, n.ID)
	t.lock.Unlock()
}

// InsertKvsetAt places k in dgen-order in the identified node. It is the
// loader entry point used at open, when an external reader replays the
// metadata journal's surviving kvsets into a freshly constructed tree.
// Naming an unknown node is a corruption-level error.
func (t *Tree) InsertKvsetAt(id NodeID, k *Kvset) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return WrapTreeError(KindCorruption, "loader named an unknown node", ErrUnknownNode)
	}
	if err := n.InsertKvset(k); err != nil {
		return err
	}
	if k.Dgen > t.nextDgen.Load() {
		t.nextDgen.Store(k.Dgen)
	}
	t.sampUpdateCompact(n)
	return nil
}

// RLock/RUnlock/Lock/Unlock expose the tree's structural lock to lookup,
// compaction and ingest so each can state its own intent explicitly rather
// than hiding the protocol behind per-operation wrappers.
func (t *Tree) RLock()   { t.lock.RLock() }
func (t *Tree) RUnlock() { t.lock.RUnlock() }
func (t *Tree) Lock()    { t.lock.Lock() }
func (t *Tree) Unlock()  { t.lock.Unlock() }

// AllNodes returns a snapshot of every node currently in the tree: root
// first (always the first element), then leaves in ascending edge-key
// order.
func (t *Tree) AllNodes() []*Node {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.allNodesLocked()
}

func (t *Tree) allNodesLocked() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	out = append(out, t.root)
	for _, e := range t.route.Entries() {
		if n, ok := e.NodeRef.(*Node); ok && n != nil {
			out = append(out, n)
		}
	}
	return out
}

// NextDgen mints a strictly increasing dgen for newly built kvsets.
func (t *Tree) NextDgen() uint64 { return t.nextDgen.Add(1) }

// NextWorkID mints a job id for a compaction work object.
func (t *Tree) NextWorkID() uint64 { return t.nextWorkID.Add(1) }

// IngestDgen returns the count of ingests applied to this tree.
func (t *Tree) IngestDgen() uint64 { return t.ingestDgen.Load() }

// CancelRequest asserts the advisory cancellation flag. Builders polling it
// abort with ErrShutdown at their next checkpoint.
func (t *Tree) CancelRequest() { t.cancel.Store(true) }

// CancelRequested reports whether cancellation has been asserted.
func (t *Tree) CancelRequested() bool { return t.cancel.Load() }

// LastPtomb returns the capped tree's recorded largest prefix tombstone
// under the read lock: key bytes, length, and sequence number.
func (t *Tree) LastPtomb() ([]byte, int, uint64) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return append([]byte(nil), t.ptKey...), t.ptLen, t.ptSeq
}

// Close tears the tree down: leaves first, root last, releasing every
// node's kvset refs. Each kvset's release runs on its own goroutine so a
// tree with many kvsets quiesces quickly; Close returns only once every
// release has finished.
func (t *Tree) Close() {
	t.CancelRequest()

	t.lock.Lock()
	nodes := t.allNodesLocked()
	t.nodes = make(map[NodeID]*Node)
	t.lock.Unlock()

	var wg sync.WaitGroup
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		kvsets := n.ReplaceKvsets(nil)
		for _, k := range kvsets {
			wg.Add(1)
			go func(k *Kvset) {
				defer wg.Done()
				k.Unref()
			}(k)
		}
	}
	wg.Wait()
}

// reportFault forwards a fatal condition to the health collaborator, if one
// was configured.
func (t *Tree) reportFault(err error) {
	if t.health != nil {
		t.health.SetFault(err)
	}
}
