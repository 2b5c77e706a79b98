package sched

import (
	"testing"

	"github.com/cnkv/cntree/internal/cntree"
)

func mkRec(key string, seq uint64) cntree.Record {
	return cntree.Record{Key: []byte(key), Value: []byte("v"), Seq: seq}
}

func newScoredTree(t *testing.T) *cntree.Tree {
	t.Helper()
	tree, err := cntree.New(cntree.Config{Fanout: 4})
	if err != nil {
		t.Fatalf("cntree.New: %v", err)
	}
	return tree
}

func TestScoreRootSpill(t *testing.T) {
	tree := newScoredTree(t)
	s := NewScorer(DefaultThresholds())

	// Below the runlen threshold: nothing to do.
	for dgen := uint64(1); dgen <= 3; dgen++ {
		tree.Ingest(cntree.NewKvset(cntree.KvsetID(dgen), dgen, []cntree.Record{mkRec("k", dgen)}, nil), nil, 0)
	}
	if got := s.Score(tree.AllNodes()); len(got) != 0 {
		t.Fatalf("candidates below threshold = %v, want none", got)
	}

	tree.Ingest(cntree.NewKvset(4, 4, []cntree.Record{mkRec("k", 4)}, nil), nil, 0)
	got := s.Score(tree.AllNodes())
	if len(got) != 1 || got[0].Type != WorkRoot {
		t.Fatalf("candidates = %v, want one WorkRoot", got)
	}
}

func TestScoreSkipsBusyNodes(t *testing.T) {
	tree := newScoredTree(t)
	s := NewScorer(DefaultThresholds())
	for dgen := uint64(1); dgen <= 8; dgen++ {
		tree.Ingest(cntree.NewKvset(cntree.KvsetID(dgen), dgen, []cntree.Record{mkRec("k", dgen)}, nil), nil, 0)
	}

	tree.Root().EnlistJob(2)
	if got := s.Score(tree.AllNodes()); len(got) != 0 {
		t.Fatalf("candidates on busy node = %v, want none", got)
	}
	tree.Root().RetireJob(2)
	if got := s.Score(tree.AllNodes()); len(got) != 1 {
		t.Fatalf("candidates after retire = %v, want one", got)
	}
}

func TestScoreLeafLength(t *testing.T) {
	tree := newScoredTree(t)
	leaf, err := tree.AddLeaf([]byte("zz"))
	if err != nil {
		t.Fatal(err)
	}
	for dgen := uint64(1); dgen <= 6; dgen++ {
		if err := tree.InsertKvsetAt(leaf.ID, cntree.NewKvset(cntree.KvsetID(dgen), dgen, []cntree.Record{mkRec("k", dgen)}, nil)); err != nil {
			t.Fatal(err)
		}
	}

	s := NewScorer(DefaultThresholds())
	got := s.Score([]*cntree.Node{leaf})
	if len(got) != 1 || got[0].Type != WorkLength {
		t.Fatalf("candidates = %v, want one WorkLength", got)
	}
}

func TestScoreSplitOnOversizedLeaf(t *testing.T) {
	th := DefaultThresholds()
	th.SplitSizeBytes = 1 // any resident data trips the split threshold
	s := NewScorer(th)

	tree := newScoredTree(t)
	leaf, _ := tree.AddLeaf([]byte("zz"))
	tree.InsertKvsetAt(leaf.ID, cntree.NewKvset(1, 1, []cntree.Record{mkRec("key", 1)}, nil))

	got := s.Score([]*cntree.Node{leaf})
	if len(got) != 1 || got[0].Type != WorkSplit {
		t.Fatalf("candidates = %v, want one WorkSplit", got)
	}
}

func TestNotifyIngestAccumulates(t *testing.T) {
	s := NewScorer(DefaultThresholds())
	s.NotifyIngest(100, 40)
	s.NotifyIngest(50, 10)

	rAlen, rWlen := s.ConsumeIngest()
	if rAlen != 150 || rWlen != 50 {
		t.Fatalf("ConsumeIngest = (%d, %d), want (150, 50)", rAlen, rWlen)
	}
	if rAlen, rWlen = s.ConsumeIngest(); rAlen != 0 || rWlen != 0 {
		t.Fatalf("second ConsumeIngest = (%d, %d), want drained", rAlen, rWlen)
	}
}

func TestNospaceBackoff(t *testing.T) {
	b := NewNospaceBackoff(1, 1)
	if !b.Allow() {
		t.Fatal("first attempt not allowed")
	}
	if b.Allow() {
		t.Fatal("burst exceeded: second immediate attempt allowed")
	}
}
