package cntree

import (
	"bytes"
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cnkv/cntree/internal/telemetry/logger"
)

// compact.go implements the four compaction actions as a single state
// machine driven explicitly by the caller (the job runner in internal/sts):
// Select, Prepare, Build, Commit, Release, with Cleanup as the idempotent
// terminal path any stage can fall back to on failure.
//
// K-compact and kv-compact merge adjacent kvsets within one node. A spill
// reads the root's oldest kvsets and partitions their records across the
// leaves by route-map ownership. A split divides a leaf in two around a
// chosen key, minting a new left node and keeping the current node as the
// right half.
//
// Root spills are special: several may build in parallel, but their commits
// must apply in enqueue order, because two overlapping spills applied out
// of order would let a reader observe an older value hiding a newer one.
// The rspill FIFO on the root node enforces this; Commit on a spill drains
// every ready job at the head of the queue, not only its own.
//
// kvset-internal layout is out of scope, so Build performs a key-sorted
// merge-with-newest-wins over each input's record stream rather than
// rewriting real key/value blocks; k-compact differs from kv-compact only
// in that it retains the inputs' value blocks.

// ActionKind names one of the four compaction actions.
type ActionKind int

const (
	ActionCompactK ActionKind = iota
	ActionCompactKV
	ActionSpill
	ActionSplit
)

func (a ActionKind) String() string {
	switch a {
	case ActionCompactK:
		return "COMPACT_K"
	case ActionCompactKV:
		return "COMPACT_KV"
	case ActionSpill:
		return "SPILL"
	case ActionSplit:
		return "SPLIT"
	default:
		return "UNKNOWN"
	}
}

// Stage is one state in a Work's lifecycle.
type Stage int32

const (
	StageSelected Stage = iota
	StagePrepared
	StageBuilt
	StageCommitted
	StageReleased
	StageCleanup
)

// Work is one in-flight compaction job.
type Work struct {
	ID     uint64
	Action ActionKind
	Node   *Node // root for SPILL; the compacting node otherwise

	// Inputs are the enlisted kvsets, newest first, forming a contiguous
	// run in the node's list. DgenLo/DgenHi span that run.
	Inputs   []*Kvset
	KvsetCnt int
	DgenLo   uint64
	DgenHi   uint64
	Compc    uint32 // highest input compc, basis for output compc

	SplitKey []byte // SPLIT only

	Outputs     []*Kvset
	OutputNodes []*Node // parallel to Outputs; nil slots resolved at apply (SPLIT)

	// Split bookkeeping: per-side outputs in decreasing-dgen order, the
	// node ids minted for each side ahead of journaling, and the node's max
	// key captured before the write lock for the last-node edge-key fixup.
	leftOuts    []*Kvset
	rightOuts   []*Kvset
	leftNodeID  NodeID
	rightNodeID NodeID
	preMaxKey   []byte

	keepVblks      bool
	dropTombstones bool
	vbMap          []BlockID // k-compact: borrowed input vblocks

	rspill    *RspillTicket
	mdjCookie uint64
	mdjLogged bool

	err      error
	canceled bool
	applied  bool

	stage   atomic.Int32
	started time.Time
}

func (w *Work) Stage() Stage { return Stage(w.stage.Load()) }

// Err returns the job's latched error, if any.
func (w *Work) Err() error { return w.err }

// Canceled reports whether the job terminated through cancellation rather
// than failure.
func (w *Work) Canceled() bool { return w.canceled }

// Compactor drives the compaction state machine for one tree, talking to
// the injected media pool and metadata journal collaborators.
type Compactor struct {
	Tree *Tree
	MP   MediaPool
	MDJ  MetadataJournal
	Log  logger.Logger
}

// NewCompactor builds a Compactor bound to a tree and its collaborators.
func NewCompactor(t *Tree, mp MediaPool, mdj MetadataJournal) *Compactor {
	return &Compactor{Tree: t, MP: mp, MDJ: mdj, Log: logger.Default()}
}

// Select enlists inputs for a job on node: acquires the node's exclusive
// token (spills are excluded; their serialization is the rspill queue),
// marks every input kvset, and charges the node's busy counter. Inputs must
// be newest first and contiguous in the node's list.
func (c *Compactor) Select(action ActionKind, node *Node, inputs []*Kvset, splitKey []byte) (*Work, error) {
	if node == nil {
		return nil, ErrUnknownNode
	}
	if len(inputs) == 0 {
		return nil, NewTreeError(KindCorruption, "select with no inputs")
	}
	if c.Tree.ReadOnly.Load() {
		return nil, NewTreeError(KindCancelled, "tree is read-only")
	}
	if c.Tree.Nospace.Load() {
		return nil, NewTreeError(KindNoSpace, "tree is out of space")
	}
	if action == ActionSpill && !node.IsRoot {
		return nil, ErrUnknownNode
	}
	if action == ActionSplit {
		if node.IsRoot || node.RouteEntry == nil {
			return nil, ErrSplitRequiresLeaf
		}
		if len(splitKey) == 0 {
			return nil, ErrBadSplitKey
		}
	}

	id := c.Tree.NextWorkID()

	if action != ActionSpill {
		if err := node.TryAcquireCompactToken(id); err != nil {
			return nil, err
		}
	}

	marked := make([]*Kvset, 0, len(inputs))
	for _, k := range inputs {
		if !k.MarkWork(id) {
			for _, m := range marked {
				m.UnmarkWork()
			}
			if action != ActionSpill {
				node.ReleaseCompactToken(id)
			}
			return nil, ErrAlreadyCompacting
		}
		marked = append(marked, k)
	}

	w := &Work{
		ID:       id,
		Action:   action,
		Node:     node,
		Inputs:   inputs,
		KvsetCnt: len(inputs),
		DgenLo:   inputs[len(inputs)-1].Dgen,
		DgenHi:   inputs[0].Dgen,
		SplitKey: append([]byte(nil), splitKey...),
		started:  time.Now(),
	}
	for _, k := range inputs {
		if compc := k.Compc.Load(); compc > w.Compc {
			w.Compc = compc
		}
	}

	node.EnlistJob(w.KvsetCnt)
	w.stage.Store(int32(StageSelected))
	return w, nil
}

// Prepare validates the job against the node's current state and reserves
// what Commit will need: the borrowed vblock map for k-compact, the
// before-lock max key for split, and a root-spill FIFO ticket for spills.
func (c *Compactor) Prepare(w *Work) error {
	if w.Stage() != StageSelected {
		return NewTreeError(KindCorruption, "prepare called out of order")
	}
	if c.Tree.health != nil && c.Tree.health.Faulted() {
		c.fail(w, NewTreeError(KindCorruption, "health fault"))
		return w.err
	}
	if w.Node.Wedged.Load() {
		c.fail(w, NewTreeError(KindWedged, "root is wedged"))
		return w.err
	}
	if !inputsStillResident(w.Node, w.Inputs) {
		c.fail(w, NewTreeError(KindCorruption, "input kvset retired out from under job"))
		return w.err
	}

	// Tombstones can be dropped only when nothing older remains beneath
	// the inputs to shadow: the run ends at the node's tail and the merge
	// is not a spill (a spill's outputs land above leaf data).
	tailDgen := uint64(0)
	if kvsets := w.Node.Kvsets(); len(kvsets) > 0 {
		tailDgen = kvsets[len(kvsets)-1].Dgen
	}
	w.dropTombstones = w.Action != ActionSpill && w.DgenLo == tailDgen

	switch w.Action {
	case ActionCompactK:
		w.keepVblks = true
		for i := len(w.Inputs) - 1; i >= 0; i-- {
			w.vbMap = append(w.vbMap, w.Inputs[i].VBlocks...)
		}

	case ActionSpill:
		w.rspill = w.Node.EnqueueRspill(w)

	case ActionSplit:
		// The split key must leave both sides non-empty: at least the min
		// key on the left and at least the max key on the right.
		min, max := w.Node.MinKey(), w.Node.MaxKey()
		if bytes.Compare(w.SplitKey, min) < 0 || bytes.Compare(w.SplitKey, max) >= 0 {
			c.fail(w, ErrBadSplitKey)
			return w.err
		}
		w.preMaxKey = append([]byte(nil), max...)
	}

	w.stage.Store(int32(StagePrepared))
	return nil
}

func inputsStillResident(n *Node, inputs []*Kvset) bool {
	resident := make(map[*Kvset]struct{})
	for _, k := range n.Kvsets() {
		resident[k] = struct{}{}
	}
	for _, k := range inputs {
		if _, ok := resident[k]; !ok {
			return false
		}
	}
	return true
}

// Build merges the job's inputs into its output kvset(s). canceler may be
// nil; the merge additionally polls the tree's own cancellation flag at
// every checkpoint, so a shutdown request aborts a long build before
// anything is committed.
func (c *Compactor) Build(w *Work, canceler JobCanceler) error {
	if w.Stage() != StagePrepared {
		return NewTreeError(KindCorruption, "build called out of order")
	}

	switch w.Action {
	case ActionCompactK, ActionCompactKV:
		merged, err := c.mergeNewestWins(w, canceler)
		if err != nil {
			c.fail(w, err)
			return w.err
		}
		if out := c.buildKvset(KvsetID(w.ID<<8), w.DgenHi, merged); out != nil {
			if w.keepVblks {
				out.VBlocks = w.vbMap
			}
			w.Outputs = []*Kvset{out}
			w.OutputNodes = []*Node{w.Node}
		} else {
			// Every key annihilated: nothing to commit, and with no
			// surviving output there is nothing left to borrow the input
			// vblocks either.
			w.keepVblks = false
		}

	case ActionSpill:
		merged, err := c.mergeNewestWins(w, canceler)
		if err != nil {
			c.fail(w, err)
			return w.err
		}
		c.Tree.RLock()
		byLeaf := make(map[*Node][]Record)
		var leaves []*Node
		for _, r := range merged {
			leaf := c.Tree.LeafFor(r.Key)
			if _, ok := byLeaf[leaf]; !ok {
				leaves = append(leaves, leaf)
			}
			byLeaf[leaf] = append(byLeaf[leaf], r)
		}
		c.Tree.RUnlock()
		for i, leaf := range leaves {
			if out := c.buildKvset(KvsetID(w.ID<<8|uint64(i)), w.DgenHi, byLeaf[leaf]); out != nil {
				w.Outputs = append(w.Outputs, out)
				w.OutputNodes = append(w.OutputNodes, leaf)
			}
		}

	case ActionSplit:
		// Each source kvset splits into left/right halves preserving its
		// dgen, so both sides keep a strictly decreasing dgen list.
		for i, in := range w.Inputs {
			if err := c.checkCancel(w, canceler); err != nil {
				c.fail(w, err)
				return w.err
			}
			var left, right []Record
			for _, r := range in.Records() {
				if bytes.Compare(r.Key, w.SplitKey) <= 0 {
					left = append(left, r)
				} else {
					right = append(right, r)
				}
			}
			if out := c.buildKvset(KvsetID(w.ID<<8|uint64(2*i)), in.Dgen, left); out != nil {
				w.leftOuts = append(w.leftOuts, out)
			}
			if out := c.buildKvset(KvsetID(w.ID<<8|uint64(2*i+1)), in.Dgen, right); out != nil {
				w.rightOuts = append(w.rightOuts, out)
			}
		}
		w.Outputs = append(append([]*Kvset(nil), w.leftOuts...), w.rightOuts...)
		w.OutputNodes = make([]*Node, len(w.Outputs))
	}

	w.stage.Store(int32(StageBuilt))
	return nil
}

func (c *Compactor) checkCancel(w *Work, canceler JobCanceler) error {
	if c.Tree.CancelRequested() || (canceler != nil && canceler.Cancelled()) {
		w.canceled = true
		return ErrShutdown
	}
	if c.Tree.health != nil && c.Tree.health.Faulted() {
		return NewTreeError(KindCorruption, "health fault during build")
	}
	return nil
}

func (c *Compactor) buildKvset(id KvsetID, dgen uint64, recs []Record) *Kvset {
	if len(recs) == 0 {
		return nil
	}
	hll := NewHLL()
	for _, r := range recs {
		hll.Add(r.Key)
	}
	out := NewKvset(id, dgen, recs, hll)
	if c.MP != nil {
		out.Stats.KeyLenAlloc = c.MP.EstimateAllocLen(out.Stats.KeyLenUsed)
		out.Stats.ValLenAlloc = c.MP.EstimateAllocLen(out.Stats.ValLenUsed)
	}
	return out
}

// mergeNewestWins flattens the inputs into one key-ascending stream keeping
// only the highest-Seq record per distinct key. When the job covers the
// node's tail, tombstone winners (and anything a surviving prefix tombstone
// covers at or below its sequence) are dropped entirely.
func (c *Compactor) mergeNewestWins(w *Work, canceler JobCanceler) ([]Record, error) {
	best := make(map[string]Record)
	for i, k := range w.Inputs {
		if i%4 == 0 {
			if err := c.checkCancel(w, canceler); err != nil {
				return nil, err
			}
		}
		for _, r := range k.Records() {
			key := string(r.Key)
			if cur, ok := best[key]; !ok || r.Seq > cur.Seq {
				best[key] = r
			}
		}
	}

	out := make([]Record, 0, len(best))
	if w.dropTombstones {
		var ptombs []Record
		for _, r := range best {
			if r.Kind == ValKindPtomb {
				ptombs = append(ptombs, r)
			}
		}
		for _, r := range best {
			if r.Kind == ValKindTombstone || r.Kind == ValKindPtomb {
				continue
			}
			covered := false
			for _, p := range ptombs {
				if p.Seq >= r.Seq && bytes.HasPrefix(r.Key, p.Key) {
					covered = true
					break
				}
			}
			if !covered {
				out = append(out, r)
			}
		}
	} else {
		for _, r := range best {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Commit is the atomic section: media-pool commit, metadata journal
// records, then the in-memory swap under the tree write lock.
//
// For a spill, Commit marks this job's ticket done and then drains every
// job at the head of the root's FIFO that is ready, in enqueue order —
// which may or may not include this job yet. A spill whose predecessor is
// still building returns nil with the work left at StageBuilt; a later
// spill's Commit (or Cleanup) will finish it. A spill drained here is
// carried all the way through Release, so callers must treat a
// StageReleased (or StageCleanup) work as finished.
func (c *Compactor) Commit(ctx context.Context, w *Work) error {
	if st := w.Stage(); st == StageCleanup {
		return w.err
	} else if st != StageBuilt {
		return NewTreeError(KindCorruption, "commit called out of order")
	}

	if w.Action == ActionSpill {
		w.rspill.done.Store(true)
		c.drainRspills(ctx)
		return w.err
	}

	if w.Action == ActionSplit {
		if len(w.Outputs) == 0 {
			c.fail(w, ErrBothSplitSidesInvalid)
			return w.err
		}
		// Node ids for both sides are minted before journaling so the add
		// records name their final destinations.
		if len(w.leftOuts) > 0 {
			w.leftNodeID = NodeID(c.Tree.nextNodeID.Add(1))
		}
		w.rightNodeID = NodeID(c.Tree.nextNodeID.Add(1))
	}

	if err := c.journalAndCommitBlocks(ctx, w); err != nil {
		c.fail(w, err)
		return w.err
	}

	c.Tree.Lock()
	switch w.Action {
	case ActionCompactK, ActionCompactKV:
		c.applyCompactLocked(w)
	case ActionSplit:
		c.applySplitLocked(w)
	}
	c.Tree.Unlock()

	w.stage.Store(int32(StageCommitted))
	return nil
}

// drainRspills processes the root's spill FIFO strictly in enqueue order:
// every head ticket that has finished building is committed, applied and
// released (or failed and cleaned up) before the next is looked at.
func (c *Compactor) drainRspills(ctx context.Context) {
	root := c.Tree.root
	for {
		cw := root.NextCompletedSpill()
		if cw == nil {
			return
		}

		if cw.err == nil {
			if err := c.journalAndCommitBlocks(ctx, cw); err != nil {
				cw.err = err
			}
		}

		if cw.err != nil {
			// A failed spill wedges the root so everything queued behind
			// it fails fast instead of applying out of order.
			root.Wedged.Store(true)
			if c.Log != nil && !cw.canceled {
				c.Log.Error("root spill failed, wedging root",
					"job", cw.ID, "dgen_lo", cw.DgenLo, "error", cw.err)
			}
			c.nakAndUnwind(ctx, cw)
			if !cw.applied {
				root.RetireJob(cw.KvsetCnt)
				cw.applied = true
			}
			cw.stage.Store(int32(StageCleanup))
		} else {
			c.Tree.Lock()
			c.applySpillLocked(cw)
			c.Tree.Unlock()
			smoothSpillDuration(c.Tree, time.Since(cw.started))
			cw.stage.Store(int32(StageCommitted))
			c.release(ctx, cw)
		}

		if err := root.DequeueRspill(cw.rspill); err != nil {
			// Head-of-queue dequeue is the only legal state; anything else
			// means the completion order has been violated.
			c.Tree.reportFault(err)
			return
		}
	}
}

// journalAndCommitBlocks runs the durable half of Commit: per-output compc
// assignment, media-pool block commit, then the journal transaction that
// atomically records adds and deletes.
func (c *Compactor) journalAndCommitBlocks(ctx context.Context, w *Work) error {
	if w.mdjLogged {
		return nil
	}

	for i, out := range w.Outputs {
		out.Compc.Store(c.outputCompc(w, i, out))
	}

	if c.MP != nil {
		for _, out := range w.Outputs {
			blocks := append(append([]BlockID{}, out.KBlocks...), out.HBlock)
			if !w.keepVblks {
				blocks = append(blocks, out.VBlocks...)
			}
			if err := c.MP.Commit(ctx, blocks); err != nil {
				c.Tree.Nospace.Store(true)
				c.Tree.reportFault(err)
				return WrapTreeError(KindNoSpace, "media pool commit failed", err)
			}
		}
	}

	inputIDs := make([]KvsetID, len(w.Inputs))
	for i, k := range w.Inputs {
		inputIDs[i] = k.ID
	}
	recs := make([]KvsetRecord, len(w.Outputs))
	for i, o := range w.Outputs {
		var nodeID NodeID
		if w.OutputNodes[i] != nil {
			nodeID = w.OutputNodes[i].ID
		} else if w.Action == ActionSplit {
			nodeID = w.rightNodeID
			if i < len(w.leftOuts) {
				nodeID = w.leftNodeID
			}
		}
		recs[i] = KvsetRecord{
			ID: o.ID, Dgen: o.Dgen, NodeID: nodeID,
			KBlocks: o.KBlocks, VBlocks: o.VBlocks, HBlock: o.HBlock,
			SeqnoMax: o.SeqnoMax, Stats: o.Stats,
		}
	}

	cookie, err := c.MDJ.LogCommit(ctx, w.Node.ID, inputIDs, recs)
	if err != nil {
		c.Tree.reportFault(err)
		return WrapTreeError(KindMdjFailure, "metadata journal commit failed", err)
	}
	w.mdjCookie, w.mdjLogged = cookie, true
	return nil
}

// outputCompc implements the compaction-counter rules that bias the
// scheduler away from rewriting freshly compacted kvsets.
func (c *Compactor) outputCompc(w *Work, i int, out *Kvset) uint32 {
	switch w.Action {
	case ActionSpill:
		// A first kvset landing in an empty leaf that already looks large
		// is seeded high to deter immediate re-compaction.
		compc := uint32(0)
		dest := w.OutputNodes[i]
		if dest != nil && dest.KvsetCount() == 0 &&
			(out.Stats.KBlockCount > 2 || out.Stats.VBlockCount > 32) {
			compc += 7
		}
		return compc

	case ActionSplit:
		return w.Compc

	default:
		// Mid-run merges must not leapfrog the next-older kvset's counter.
		compc := w.Compc
		var older *Kvset
		for _, k := range w.Node.Kvsets() {
			if k.Dgen < w.DgenLo {
				older = k
				break
			}
		}
		if older == nil || compc < older.Compc.Load() {
			compc++
		}
		return compc
	}
}

// applyCompactLocked swaps a k/kv-compaction's inputs for its output at the
// mark's position. Caller holds the tree write lock.
func (c *Compactor) applyCompactLocked(w *Work) {
	w.Node.RemoveKvsets(w.Inputs)
	for _, out := range w.Outputs {
		w.Node.InsertKvset(out)
	}
	c.Tree.sampUpdateCompact(w.Node)
	w.Node.RetireJob(w.KvsetCnt)
	w.applied = true
}

// applySpillLocked pushes each output onto its destination leaf and splices
// the spilled run off the root's tail. Caller holds the tree write lock.
func (c *Compactor) applySpillLocked(w *Work) {
	for i, out := range w.Outputs {
		w.OutputNodes[i].InsertKvset(out)
	}
	retired := w.Node.SpliceTail(w.KvsetCnt)
	if len(retired) == 0 || retired[len(retired)-1].Dgen != w.DgenLo {
		c.Tree.reportFault(NewTreeError(KindCorruption, "spill retired an unexpected dgen range"))
	}
	c.Tree.sampUpdateSpill()
	w.Node.RetireJob(w.KvsetCnt)
	w.applied = true
}

// applySplitLocked retires the splitting node's whole list, repopulates it
// with the right halves under a freshly minted node id, and inserts a new
// left node at the split key. When the splitting node held the map's
// largest edge-key and the split key does not exceed it, the right node's
// edge-key is rewritten to the max key captured before the lock so the left
// edge can take the split key's place. Caller holds the tree write lock.
func (c *Compactor) applySplitLocked(w *Work) {
	right := w.Node
	t := c.Tree

	right.ReplaceKvsets(w.rightOuts)

	delete(t.nodes, right.ID)
	right.ID = w.rightNodeID
	t.nodes[right.ID] = right

	if len(w.leftOuts) > 0 {
		if t.route.IsLast(right.RouteEntry) && t.route.Keycmp(right.RouteEntry, w.SplitKey) >= 0 {
			t.route.KeyModify(right.RouteEntry, w.preMaxKey)
		}
		left, err := t.addLeafLocked(w.leftNodeID, w.SplitKey)
		if err != nil {
			t.reportFault(err)
		} else {
			for _, out := range w.leftOuts {
				left.InsertKvset(out)
			}
			for i := range w.leftOuts {
				w.OutputNodes[i] = left
			}
			t.sampUpdateCompact(left)
		}
	}
	for i := range w.Outputs {
		if w.OutputNodes[i] == nil {
			w.OutputNodes[i] = right
		}
	}

	t.sampUpdateCompact(right)
	right.RetireJob(w.KvsetCnt)
	w.applied = true
}

// smoothSpillDuration folds elapsed into the tree's exponentially smoothed
// root-spill duration estimate with a fixed 1/8 weight.
func smoothSpillDuration(t *Tree, elapsed time.Duration) {
	const weight = 8
	for {
		old := t.AvgSpillNanos.Load()
		next := elapsed.Nanoseconds()
		if old != 0 {
			next = old + (elapsed.Nanoseconds()-old)/weight
		}
		if t.AvgSpillNanos.CompareAndSwap(old, next) {
			return
		}
	}
}

// Release finalizes a committed job: acknowledges the journal record,
// unmarks and unrefs the inputs (marking their physical blocks for delete
// once the last reference drops), and releases the exclusive token. For a
// spill already carried through by drainRspills it is a no-op.
func (c *Compactor) Release(ctx context.Context, w *Work) error {
	switch w.Stage() {
	case StageReleased, StageCleanup:
		return w.err
	case StageCommitted:
	default:
		if w.Action == ActionSpill && w.Stage() == StageBuilt {
			// Queued behind an unfinished spill; a later drain finishes it.
			return nil
		}
		return NewTreeError(KindCorruption, "release called out of order")
	}
	c.release(ctx, w)
	return nil
}

func (c *Compactor) release(ctx context.Context, w *Work) {
	if w.mdjLogged {
		if err := c.MDJ.Ack(ctx, w.mdjCookie); err != nil {
			c.Tree.reportFault(err)
		}
	}

	for _, k := range w.Inputs {
		k.UnmarkWork()
		if k.Unref() && c.MP != nil {
			blocks := append([]BlockID{}, k.KBlocks...)
			blocks = append(blocks, k.HBlock)
			if !w.keepVblks {
				blocks = append(blocks, k.VBlocks...)
			}
			_ = c.MP.Delete(ctx, blocks)
		}
	}

	w.Node.ReleaseCompactToken(w.ID)
	w.stage.Store(int32(StageReleased))
}

// fail latches err into the work and runs Cleanup. Cancellation is an
// expected terminal state and is never logged as an error.
func (c *Compactor) fail(w *Work, err error) {
	if w.err == nil {
		w.err = err
	}
	if c.Log != nil && !w.canceled {
		c.Log.Error("compaction failed",
			"job", w.ID, "action", w.Action.String(), "node", uint64(w.Node.ID),
			"dgen_lo", w.DgenLo, "dgen_hi", w.DgenHi, "error", w.err)
	}
	c.Cleanup(context.Background(), w)
}

// Cleanup is the idempotent terminal path for a job that fails or is
// cancelled before Release. Safe to call more than once and from any stage.
// A failed spill wedges the root and leaves its done ticket in the FIFO for
// the in-order drain to retire.
func (c *Compactor) Cleanup(ctx context.Context, w *Work) {
	if st := w.Stage(); st == StageCleanup || st == StageReleased {
		return
	}

	if IsKind(w.err, KindNoSpace) {
		c.Tree.Nospace.Store(true)
	}

	if w.Action == ActionSpill && w.rspill != nil {
		if w.err == nil {
			w.err = ErrShutdown
			w.canceled = true
		}
		w.Node.Wedged.Store(true)
		w.rspill.done.Store(true)
		c.drainRspills(ctx)
		return
	}

	c.nakAndUnwind(ctx, w)
	if !w.applied {
		w.Node.RetireJob(w.KvsetCnt)
		w.applied = true
	}
	w.Node.ReleaseCompactToken(w.ID)
	w.stage.Store(int32(StageCleanup))
}

// nakAndUnwind rolls back the journal record if one was written and clears
// the inputs' work markers.
func (c *Compactor) nakAndUnwind(ctx context.Context, w *Work) {
	if w.mdjLogged {
		_ = c.MDJ.Nak(ctx, w.mdjCookie)
		w.mdjLogged = false
	}
	for _, k := range w.Inputs {
		k.UnmarkWork()
	}
}
