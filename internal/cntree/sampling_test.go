package cntree

import "testing"

func sumNodeSamps(tree *Tree) Samp {
	var sum Samp
	tree.RLock()
	defer tree.RUnlock()
	for _, n := range tree.allNodesLocked() {
		sum.Add(n.SampView())
	}
	return sum
}

func TestTreeSampEqualsNodeSum(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})
	leaf, _ := tree.AddLeaf([]byte("m"))

	tree.Ingest(mkKvset(1, 1, rec("aa", "11", 1)), nil, 0)
	tree.Ingest(mkKvset(2, 2, rec("bb", "22", 2)), nil, 0)
	tree.InsertKvsetAt(leaf.ID, mkKvset(3, 3, rec("cc", "33", 3)))

	if got, want := tree.SampSnapshot(), sumNodeSamps(tree); got != want {
		t.Fatalf("tree samp %+v != node sum %+v", got, want)
	}
}

func TestSampDistribution(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})
	leaf, _ := tree.AddLeaf([]byte("m"))

	tree.Ingest(mkKvset(1, 1, rec("key", "rootval", 1)), nil, 0)
	tree.InsertKvsetAt(leaf.ID, mkKvset(2, 2, rec("a", "leafval", 2)))

	root := tree.Root().SampView()
	if root.RAlen == 0 || root.IAlen == 0 || root.RWlen == 0 {
		t.Errorf("root samp = %+v, want r_alen/i_alen/r_wlen populated", root)
	}
	if root.LAlen != 0 || root.LGood != 0 {
		t.Errorf("root samp carries leaf fields: %+v", root)
	}

	ls := leaf.SampView()
	if ls.LAlen == 0 || ls.LGood == 0 {
		t.Errorf("leaf samp = %+v, want l_alen/l_good populated", ls)
	}
	if ls.RAlen != 0 || ls.IAlen != 0 {
		t.Errorf("leaf samp carries root/internal fields: %+v", ls)
	}
}

func TestSampUpdateIngestIsIncremental(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})

	tree.Ingest(mkKvset(1, 1, rec("a", "1", 1)), nil, 0)
	first := tree.Root().Stats()

	// Re-running the incremental update for an already-folded head is a
	// no-op: the high-watermark gates the fold.
	tree.Lock()
	tree.sampUpdateIngest(tree.Root())
	tree.Unlock()

	if got := tree.Root().Stats(); got.Kst.NumKeys != first.Kst.NumKeys {
		t.Errorf("double fold: NumKeys %d -> %d", first.Kst.NumKeys, got.Kst.NumKeys)
	}
}

func TestSampUpdateCompactRecomputes(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})
	tree.Ingest(mkKvset(1, 1, rec("a", "1", 1)), nil, 0)
	tree.Ingest(mkKvset(2, 2, rec("b", "2", 2)), nil, 0)

	before := tree.Root().Stats()
	if before.Kst.NumKeys != 2 {
		t.Fatalf("NumKeys = %d, want 2", before.Kst.NumKeys)
	}

	// Dropping a kvset behind sampling's back and recomputing converges.
	tree.Lock()
	tree.root.SpliceTail(1)
	tree.sampUpdateCompact(tree.root)
	tree.Unlock()

	after := tree.Root().Stats()
	if after.Kst.NumKeys != 1 {
		t.Errorf("NumKeys after recompute = %d, want 1", after.Kst.NumKeys)
	}
	if got, want := tree.SampSnapshot(), sumNodeSamps(tree); got != want {
		t.Errorf("tree samp %+v != node sum %+v after recompute", got, want)
	}
}

func TestUniqueKeyEstimateClamped(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})
	tree.Ingest(mkKvset(1, 1, rec("a", "1", 1), rec("b", "2", 2), rec("c", "3", 3)), nil, 0)

	ns := tree.Root().Stats()
	if ns.KeysUniq > ns.Kst.NumKeys {
		t.Errorf("KeysUniq %d exceeds NumKeys %d", ns.KeysUniq, ns.Kst.NumKeys)
	}
	if ns.KClen > ns.Kst.KeyLenAlloc {
		t.Errorf("KClen %d exceeds KeyLenAlloc %d", ns.KClen, ns.Kst.KeyLenAlloc)
	}
	if ns.VClen > ns.Kst.ValLenAlloc {
		t.Errorf("VClen %d exceeds ValLenAlloc %d", ns.VClen, ns.Kst.ValLenAlloc)
	}
}

func TestSplitSizeHintTracksAlen(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})
	tree.Ingest(mkKvset(1, 1, rec("key", "somevalue", 1)), nil, 0)

	ns := tree.Root().Stats()
	if got := tree.Root().SplitSizeHint.Load(); got != ns.Alen() {
		t.Errorf("SplitSizeHint = %d, want alen %d", got, ns.Alen())
	}
}
