package cntree

import "testing"

func TestIngestAndGet(t *testing.T) {
	tree := mustTree(Config{Fanout: 16, PfxLen: 0})

	if err := tree.Ingest(mkKvset(1, 1, rec("alpha", "1", 1)), nil, 0); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, val, err := tree.Get([]byte("alpha"))
	if err != nil || res != FoundVal || string(val) != "1" {
		t.Fatalf("Get(alpha) = %v %q %v, want FOUND_VAL 1", res, val, err)
	}

	res, _, err = tree.Get([]byte("beta"))
	if err != nil || res != NotFound {
		t.Fatalf("Get(beta) = %v %v, want NOT_FOUND", res, err)
	}
}

func TestGetScansNewestFirstAcrossKvsets(t *testing.T) {
	tree := mustTree(Config{Fanout: 16})
	tree.Ingest(mkKvset(1, 1, rec("k", "v1", 1)), nil, 0)
	tree.Ingest(mkKvset(2, 2, rec("k", "v2", 2)), nil, 0)

	res, val, _ := tree.Get([]byte("k"))
	if res != FoundVal || string(val) != "v2" {
		t.Fatalf("Get = %v %q, want shadowing value v2", res, val)
	}
}

func TestGetDescendsToLeaf(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})
	left, _ := tree.AddLeaf([]byte("m"))
	right, _ := tree.AddLeaf([]byte("z"))
	tree.InsertKvsetAt(left.ID, mkKvset(1, 1, rec("a", "left", 1)))
	tree.InsertKvsetAt(right.ID, mkKvset(2, 2, rec("t", "right", 2)))

	if res, val, _ := tree.Get([]byte("a")); res != FoundVal || string(val) != "left" {
		t.Errorf("Get(a) = %v %q, want left leaf value", res, val)
	}
	if res, val, _ := tree.Get([]byte("t")); res != FoundVal || string(val) != "right" {
		t.Errorf("Get(t) = %v %q, want right leaf value", res, val)
	}
	if res, _, _ := tree.Get([]byte("b")); res != NotFound {
		t.Errorf("Get(b) = %v, want NOT_FOUND", res)
	}
}

func TestRootShadowsLeaf(t *testing.T) {
	tree := mustTree(Config{Fanout: 4})
	leaf, _ := tree.AddLeaf([]byte("m"))
	tree.InsertKvsetAt(leaf.ID, mkKvset(1, 1, rec("a", "stale", 1)))
	tree.Ingest(mkKvset(2, 2, tombRec("a", 5)), nil, 0)

	// The root's tombstone resolves the query before the leaf is reached.
	if res, _, _ := tree.Get([]byte("a")); res != FoundTomb {
		t.Errorf("Get(a) = %v, want FOUND_TMB from root", res)
	}
}

func TestGetAtView(t *testing.T) {
	tree := mustTree(Config{Fanout: 16})
	tree.Ingest(mkKvset(1, 1, rec("k", "v1", 10)), nil, 0)
	tree.Ingest(mkKvset(2, 2, rec("k", "v2", 20)), nil, 0)

	if res, val, _ := tree.GetAt([]byte("k"), 15); res != FoundVal || string(val) != "v1" {
		t.Errorf("GetAt@15 = %v %q, want v1", res, val)
	}
	if res, _, _ := tree.GetAt([]byte("k"), 5); res != NotFound {
		t.Errorf("GetAt@5 = %v, want NOT_FOUND", res)
	}
}

func TestProbePrefix(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		tree := mustTree(Config{Fanout: 16})
		tree.Ingest(mkKvset(1, 1, rec("user:1", "a", 1), rec("other", "x", 2)), nil, 0)

		res, key, val, err := tree.ProbePrefix([]byte("user:"))
		if err != nil || res != FoundVal || string(key) != "user:1" || string(val) != "a" {
			t.Fatalf("ProbePrefix = %v %q %q %v", res, key, val, err)
		}
	})

	t.Run("multiple across kvsets", func(t *testing.T) {
		tree := mustTree(Config{Fanout: 16})
		tree.Ingest(mkKvset(1, 1, rec("user:1", "a", 1)), nil, 0)
		tree.Ingest(mkKvset(2, 2, rec("user:2", "b", 2)), nil, 0)

		res, _, _, _ := tree.ProbePrefix([]byte("user:"))
		if res != FoundMultiple {
			t.Fatalf("ProbePrefix = %v, want FOUND_MULTIPLE", res)
		}
	})

	t.Run("shadowed key is one match", func(t *testing.T) {
		tree := mustTree(Config{Fanout: 16})
		tree.Ingest(mkKvset(1, 1, rec("user:1", "old", 1)), nil, 0)
		tree.Ingest(mkKvset(2, 2, rec("user:1", "new", 2)), nil, 0)

		res, _, val, _ := tree.ProbePrefix([]byte("user:"))
		if res != FoundVal || string(val) != "new" {
			t.Fatalf("ProbePrefix = %v %q, want single newest match", res, val)
		}
	})

	t.Run("ptomb stops the probe", func(t *testing.T) {
		tree := mustTree(Config{Fanout: 16})
		tree.Ingest(mkKvset(1, 1, rec("user:1", "a", 1)), nil, 0)
		tree.Ingest(mkKvset(2, 2, ptombRec("user:", 9)), nil, 0)

		res, _, _, _ := tree.ProbePrefix([]byte("user:1"))
		if res != FoundPtomb {
			t.Fatalf("ProbePrefix = %v, want FOUND_PTMB", res)
		}
	})

	t.Run("multiple across root and leaf", func(t *testing.T) {
		tree := mustTree(Config{Fanout: 4})
		leaf, _ := tree.AddLeaf([]byte("zz"))
		tree.InsertKvsetAt(leaf.ID, mkKvset(1, 1, rec("user:1", "a", 1)))
		tree.Ingest(mkKvset(2, 2, rec("user:2", "b", 2)), nil, 0)

		res, _, _, _ := tree.ProbePrefix([]byte("user:"))
		if res != FoundMultiple {
			t.Fatalf("ProbePrefix = %v, want FOUND_MULTIPLE", res)
		}
	})
}
