package cntree

// sampling.go maintains the space-amplification accounting the scheduler
// reads to prioritize work. Each node carries raw accumulated kvset stats
// (ns), a cardinality sketch folded from its kvsets' sketches, and a samp
// summary that splits the node's allocated length across root/internal/leaf
// buckets. The tree-wide samp is maintained by summing per-node deltas, so
// it always equals the sum of node samps.
//
// Every function here must run serialized with every other sampling update
// on the same tree; callers hold the tree write lock.

// pctScale is the fixed-point denominator for the unique-key percentage.
const pctScale = 1024

// NodeStats is the raw per-node accumulation of kvset stats plus the
// derived compacted-length estimates.
type NodeStats struct {
	Kst       KvsetStats
	KvsetCnt  uint32
	KeysUniq  uint64
	KClen     uint64
	VClen     uint64
	HClen     uint64
	PCap      uint16
}

// Alen is the node's total allocated length.
func (s *NodeStats) Alen() uint64 {
	return s.Kst.KeyLenAlloc + s.Kst.ValLenAlloc + s.Kst.HeadLenAlloc
}

// Wlen is the node's total written length.
func (s *NodeStats) Wlen() uint64 {
	return s.Kst.KeyLenWritten + s.Kst.ValLenWritten
}

// Clen is the node's estimated post-compaction length.
func (s *NodeStats) Clen() uint64 {
	return s.KClen + s.VClen + s.HClen
}

// Samp distributes a node's allocated length into the buckets the
// scheduler weighs: root allocated/written, internal allocated, and leaf
// allocated/good. Fields are signed so deltas can be folded directly.
type Samp struct {
	RAlen int64
	RWlen int64
	IAlen int64
	LAlen int64
	LGood int64
}

// Add accumulates o into s.
func (s *Samp) Add(o Samp) {
	s.RAlen += o.RAlen
	s.RWlen += o.RWlen
	s.IAlen += o.IAlen
	s.LAlen += o.LAlen
	s.LGood += o.LGood
}

// Sub removes o from s.
func (s *Samp) Sub(o Samp) {
	s.RAlen -= o.RAlen
	s.RWlen -= o.RWlen
	s.IAlen -= o.IAlen
	s.LAlen -= o.LAlen
	s.LGood -= o.LGood
}

// sampClear zeroes the node's stats and resets its sketch ahead of a full
// recomputation.
func (n *Node) sampClear() {
	if n.hlog != nil {
		n.hlog = NewHLL()
	}
	n.ns = NodeStats{}
	n.samp = Samp{}
	n.updateIncrDgen = 0
}

// sampFold folds one kvset into the node's stats. When force is false the
// fold is skipped for kvsets at or below the node's incremental
// high-watermark (they were already folded). Reports whether a fold
// happened, i.e. whether sampFinish is needed.
func (n *Node) sampFold(k *Kvset, force bool) bool {
	if !force && k.Dgen <= n.updateIncrDgen {
		return false
	}
	if n.hlog != nil && k.HLL != nil {
		n.hlog.Union(k.HLL)
	}
	n.ns.Kst.Add(k.Stats)
	n.ns.KvsetCnt++
	if n.updateIncrDgen < k.Dgen {
		n.updateIncrDgen = k.Dgen
	}
	return true
}

// sampFinish derives the node's compacted-length estimates and samp
// distribution from the folded stats.
func (n *Node) sampFinish(t *Tree) {
	s := &n.ns
	numKeys := s.Kst.NumKeys

	// Estimate unique keys from the sketch, clamped to the raw key count.
	// Without a sketch every key is assumed unique.
	if n.hlog != nil {
		s.KeysUniq = n.hlog.Estimate()
		if s.KeysUniq > numKeys {
			s.KeysUniq = numKeys
		}
	} else {
		s.KeysUniq = numKeys
	}

	// A node composed entirely of prefix tombstones has zero keys.
	var pct uint64 = pctScale
	if numKeys > 0 {
		pct = pctScale * s.KeysUniq / numKeys
	}

	kclen := t.estimateAlloc(s.Kst.KeyLenWritten * pct / pctScale)
	if kclen > s.Kst.KeyLenAlloc {
		kclen = s.Kst.KeyLenAlloc
	}
	s.KClen = kclen

	vclen := t.estimateAlloc(s.Kst.ValLenUsed * pct / pctScale)
	if vclen > s.Kst.ValLenAlloc {
		vclen = s.Kst.ValLenAlloc
	}
	s.VClen = vclen

	s.HClen = s.Kst.HeadLenAlloc

	sizeMax := t.nodeSizeMax
	if sizeMax == 0 {
		sizeMax = 1
	}
	pcap := 100 * s.Clen() / sizeMax
	if pcap > 0xffff {
		pcap = 0xffff
	}
	s.PCap = uint16(pcap)

	alen := int64(s.Alen())
	wlen := int64(s.Wlen())
	clen := int64(s.Clen())

	n.samp = Samp{}
	if n.IsRoot {
		n.samp.IAlen = alen
		n.samp.RAlen = alen
		n.samp.RWlen = wlen
	} else {
		n.samp.LAlen = alen
		n.samp.LGood = clen
	}

	n.SplitSizeHint.Store(s.Alen())
}

// sampUpdateCompact fully recomputes n's sampling state from its current
// kvset list and folds the resulting delta into the tree aggregate. Caller
// holds the tree write lock.
func (t *Tree) sampUpdateCompact(n *Node) {
	orig := n.samp
	n.sampClear()

	finish := false
	for _, k := range n.kvsets {
		if n.sampFold(k, true) {
			finish = true
		}
	}
	if finish {
		n.sampFinish(t)
	}

	delta := n.samp
	delta.Sub(orig)
	t.samp.Add(delta)
}

// sampUpdateIngest incrementally folds n's newest kvset (if it is above the
// node's incremental high-watermark) and folds the delta into the tree
// aggregate. Used for ingest into root and for the per-leaf half of a
// spill. Caller holds the tree write lock.
func (t *Tree) sampUpdateIngest(n *Node) {
	if len(n.kvsets) == 0 {
		return
	}
	orig := n.samp

	if n.sampFold(n.kvsets[0], false) {
		n.sampFinish(t)
	}

	delta := n.samp
	delta.Sub(orig)
	t.samp.Add(delta)
}

// sampUpdateSpill accounts for a root spill: a full recomputation on the
// root followed by an incremental ingest-style fold on every leaf. Caller
// holds the tree write lock.
func (t *Tree) sampUpdateSpill() {
	t.sampUpdateCompact(t.root)
	for _, e := range t.route.Entries() {
		if leaf, ok := e.NodeRef.(*Node); ok && leaf != nil {
			t.sampUpdateIngest(leaf)
		}
	}
}

// SampSnapshot returns the current tree-wide samp under the read lock.
func (t *Tree) SampSnapshot() Samp {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.samp
}

// estimateAlloc converts a written length to an estimated allocated length
// using the media pool's rounding when configured, identity otherwise.
func (t *Tree) estimateAlloc(wlen uint64) uint64 {
	if t.allocEstimator != nil {
		return t.allocEstimator(wlen)
	}
	return wlen
}
