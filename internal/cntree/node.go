package cntree

import (
	"sync"
	"sync/atomic"

	"github.com/cnkv/cntree/internal/cntree/route"
)

// NodeID identifies a node within a tree for the lifetime of that tree.
type NodeID uint64

// Node is one node of the tree: either the single root or one of the leaf
// nodes reachable through the route map. Its kvset list is ordered newest
// (highest Dgen) first, matching lookup's newest-to-oldest scan order.
type Node struct {
	ID     NodeID
	IsRoot bool

	// Cgen counts structural changes to this node (kvset list membership),
	// incremented on every mutation that adds or removes a kvset.
	Cgen atomic.Uint64

	// RouteEntry is this node's back-pointer into the tree's route map, or
	// nil for the root (which is not addressed by the route map).
	RouteEntry *route.Entry

	// compacting is the CAS-based exclusive compaction token: 0 means
	// free, any nonzero value is the work id of the job holding it. Spills
	// never take it; their serialization is the rspill queue.
	compacting atomic.Uint64

	// busycnt packs (jobs << 16) | kvsets_in_flight into one atomic word so
	// the scheduler can observe both with a single load. Incremented when a
	// job enlists the node, decremented when its commit applies.
	busycnt atomic.Uint64

	// Wedged latches true once a root-spill job fails; every spill queued
	// behind it inherits cancellation so retires stay in enqueue order.
	Wedged atomic.Bool

	// rspillMu/rspillQueue implement the root's FIFO spill-completion
	// ordering; unused (zero value) on non-root nodes.
	rspillMu    sync.Mutex
	rspillQueue []*RspillTicket

	// Sampling state; serialized by the tree write lock.
	ns             NodeStats
	samp           Samp
	hlog           HLL
	updateIncrDgen uint64

	// SplitSizeHint is a running estimate of the node's on-disk footprint,
	// refreshed by every sampling update, that the scheduler consults
	// before queuing a split.
	SplitSizeHint atomic.Uint64

	mu     sync.RWMutex
	kvsets []*Kvset // ordered by decreasing Dgen (index 0 = newest)
}

// NewNode constructs an empty node with a fresh cardinality sketch.
func NewNode(id NodeID, isRoot bool) *Node {
	return &Node{ID: id, IsRoot: isRoot, hlog: NewHLL()}
}

// EnlistJob bumps busycnt for a job enlisting kvsets input kvsets.
func (n *Node) EnlistJob(kvsets int) {
	n.busycnt.Add(1<<16 | uint64(kvsets))
}

// RetireJob reverses EnlistJob once the job's commit has applied (or its
// cleanup has run).
func (n *Node) RetireJob(kvsets int) {
	n.busycnt.Add(^(1<<16 | uint64(kvsets)) + 1)
}

// Busy returns (inFlightJobs, kvsetsInFlight) decoded from the packed
// counter.
func (n *Node) Busy() (jobs uint64, kvsets uint64) {
	v := n.busycnt.Load()
	return v >> 16, v & 0xffff
}

// TryAcquireCompactToken attempts to take the node's exclusive compaction
// token for workID. Returns ErrAlreadyCompacting if another job holds it.
func (n *Node) TryAcquireCompactToken(workID uint64) error {
	if workID == 0 {
		panic("cntree: workID must be nonzero")
	}
	if !n.compacting.CompareAndSwap(0, workID) {
		return ErrAlreadyCompacting
	}
	return nil
}

// ReleaseCompactToken clears the token, but only if it is still held by
// workID (idempotent against a Cleanup that races a Release).
func (n *Node) ReleaseCompactToken(workID uint64) {
	n.compacting.CompareAndSwap(workID, 0)
}

// CompactingBy returns the workID currently holding the node's exclusive
// token, or 0 if free.
func (n *Node) CompactingBy() uint64 { return n.compacting.Load() }

// RspillTicket is one entry in a root node's FIFO completion queue. A spill
// job enqueues a ticket at Prepare, marks it done after Build, and the
// ticket is dequeued (strictly at the head) once the job's commit has been
// applied or abandoned.
type RspillTicket struct {
	work       *Work
	done       atomic.Bool
	committing atomic.Bool
}

// EnqueueRspill registers a new root-spill ticket at the tail of the FIFO.
// Only meaningful on the root node.
func (n *Node) EnqueueRspill(w *Work) *RspillTicket {
	n.rspillMu.Lock()
	defer n.rspillMu.Unlock()
	t := &RspillTicket{work: w}
	n.rspillQueue = append(n.rspillQueue, t)
	return t
}

// NextCompletedSpill inspects the head of the rspill queue. If the head is
// done and no other thread is committing it, it is marked
// commit-in-progress and returned; otherwise nil. When the node is wedged
// and the head job has no error of its own, the job inherits cancellation
// here so failure propagates monotonically down the queue.
func (n *Node) NextCompletedSpill() *Work {
	n.rspillMu.Lock()
	defer n.rspillMu.Unlock()

	if len(n.rspillQueue) == 0 {
		return nil
	}
	t := n.rspillQueue[0]
	if !t.done.Load() || t.committing.Load() {
		return nil
	}
	t.committing.Store(true)

	if n.Wedged.Load() && t.work.err == nil {
		t.work.err = ErrShutdown
		t.work.canceled = true
	}
	return t.work
}

// DequeueRspill removes t from the queue. Only a head-of-queue dequeue is
// legal; anything else means the completion order has been violated and the
// tree is corrupt.
func (n *Node) DequeueRspill(t *RspillTicket) error {
	n.rspillMu.Lock()
	defer n.rspillMu.Unlock()

	if len(n.rspillQueue) == 0 || n.rspillQueue[0] != t {
		return ErrRspillsCorrupt
	}
	n.rspillQueue = n.rspillQueue[1:]
	return nil
}

// InsertKvset places k into the node's kvset list, keeping decreasing-Dgen
// order. Returns ErrDuplicateDgen if a kvset with the same Dgen is already
// present.
func (n *Node) InsertKvset(k *Kvset) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.insertKvsetLocked(k)
}

func (n *Node) insertKvsetLocked(k *Kvset) error {
	i := 0
	for ; i < len(n.kvsets); i++ {
		if n.kvsets[i].Dgen == k.Dgen {
			return ErrDuplicateDgen
		}
		if n.kvsets[i].Dgen < k.Dgen {
			break
		}
	}
	n.kvsets = append(n.kvsets, nil)
	copy(n.kvsets[i+1:], n.kvsets[i:])
	n.kvsets[i] = k

	n.Cgen.Add(1)
	return nil
}

// RemoveKvsets deletes every kvset in victims from the node's list (a
// compaction's apply stage retiring its inputs) and returns how many were
// actually found and removed.
func (n *Node) RemoveKvsets(victims []*Kvset) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	victimSet := make(map[*Kvset]struct{}, len(victims))
	for _, v := range victims {
		victimSet[v] = struct{}{}
	}
	kept := n.kvsets[:0]
	removed := 0
	for _, k := range n.kvsets {
		if _, dead := victimSet[k]; dead {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	n.kvsets = kept
	if removed > 0 {
		n.Cgen.Add(1)
	}
	return removed
}

// SpliceTail removes and returns the count oldest kvsets (from the tail of
// the list), oldest last. Used by root-spill apply and capped trimming.
func (n *Node) SpliceTail(count int) []*Kvset {
	n.mu.Lock()
	defer n.mu.Unlock()

	if count > len(n.kvsets) {
		count = len(n.kvsets)
	}
	if count == 0 {
		return nil
	}
	cut := len(n.kvsets) - count
	retired := make([]*Kvset, count)
	copy(retired, n.kvsets[cut:])
	n.kvsets = n.kvsets[:cut]
	n.Cgen.Add(1)
	return retired
}

// ReplaceKvsets swaps the node's entire kvset list for repl (which must
// already be in decreasing-Dgen order), returning the previous list. Used
// by a split repopulating the right-hand node.
func (n *Node) ReplaceKvsets(repl []*Kvset) []*Kvset {
	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.kvsets
	n.kvsets = append([]*Kvset(nil), repl...)
	n.Cgen.Add(1)
	return old
}

// Kvsets returns a snapshot of the node's kvset list, newest first.
func (n *Node) Kvsets() []*Kvset {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Kvset, len(n.kvsets))
	copy(out, n.kvsets)
	return out
}

// KvsetCount returns the number of kvsets currently resident in this node.
func (n *Node) KvsetCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.kvsets)
}

// MinKey scans all kvsets and returns the lexicographically smallest key,
// or nil if the node is empty. Callers hold the tree read lock.
func (n *Node) MinKey() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var min []byte
	for _, k := range n.kvsets {
		if mk := k.MinKey(); mk != nil && (min == nil || bytesLess(mk, min)) {
			min = mk
		}
	}
	return min
}

// MaxKey scans all kvsets and returns the lexicographically largest key,
// or nil if the node is empty. Callers hold the tree read lock.
func (n *Node) MaxKey() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var max []byte
	for _, k := range n.kvsets {
		if mk := k.MaxKey(); mk != nil && (max == nil || bytesLess(max, mk)) {
			max = mk
		}
	}
	return max
}

// Scatter sums vgroup counts across the node's kvsets as a proxy for
// virtual-memory fragmentation of value placement. The oldest kvsets whose
// cumulative vgroup count is at most one are excluded: a single trailing
// vgroup is contiguous by construction and contributes no scatter.
func (n *Node) Scatter() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()

	skip := 0
	cum := uint32(0)
	for i := len(n.kvsets) - 1; i >= 0; i-- {
		cum += n.kvsets[i].Stats.VGroupCount
		if cum > 1 {
			break
		}
		skip++
	}

	var total uint32
	for i := 0; i < len(n.kvsets)-skip; i++ {
		total += n.kvsets[i].Stats.VGroupCount
	}
	return total
}

// Stats returns a copy of the node's accumulated sampling stats. Callers
// hold the tree read lock.
func (n *Node) Stats() NodeStats { return n.ns }

// SampView returns a copy of the node's samp distribution. Callers hold the
// tree read lock.
func (n *Node) SampView() Samp { return n.samp }

func bytesLess(a, b []byte) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
