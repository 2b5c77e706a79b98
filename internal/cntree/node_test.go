package cntree

import (
	"errors"
	"testing"
)

func TestNodeInsertKvsetOrdering(t *testing.T) {
	n := NewNode(1, false)

	for _, dgen := range []uint64{2, 5, 1, 4} {
		if err := n.InsertKvset(mkKvset(KvsetID(dgen), dgen, rec("k", "v", dgen))); err != nil {
			t.Fatalf("InsertKvset(dgen=%d): %v", dgen, err)
		}
	}

	kvsets := n.Kvsets()
	want := []uint64{5, 4, 2, 1}
	for i, k := range kvsets {
		if k.Dgen != want[i] {
			t.Fatalf("kvset[%d].Dgen = %d, want %d", i, k.Dgen, want[i])
		}
	}

	t.Run("duplicate dgen refused", func(t *testing.T) {
		err := n.InsertKvset(mkKvset(99, 4, rec("k", "v", 9)))
		if !errors.Is(err, ErrDuplicateDgen) {
			t.Errorf("err = %v, want ErrDuplicateDgen", err)
		}
	})

	t.Run("strictly decreasing invariant", func(t *testing.T) {
		ks := n.Kvsets()
		for i := 1; i < len(ks); i++ {
			if ks[i].Dgen >= ks[i-1].Dgen {
				t.Fatalf("dgen not strictly decreasing at %d: %d >= %d", i, ks[i].Dgen, ks[i-1].Dgen)
			}
		}
	})
}

func TestNodeCompactToken(t *testing.T) {
	n := NewNode(1, false)

	if err := n.TryAcquireCompactToken(7); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := n.TryAcquireCompactToken(8); !errors.Is(err, ErrAlreadyCompacting) {
		t.Errorf("second acquire: err = %v, want ErrAlreadyCompacting", err)
	}

	// Releasing with the wrong id is a no-op.
	n.ReleaseCompactToken(8)
	if n.CompactingBy() != 7 {
		t.Error("wrong-id release cleared the token")
	}
	n.ReleaseCompactToken(7)
	if n.CompactingBy() != 0 {
		t.Error("token not cleared")
	}
	if err := n.TryAcquireCompactToken(8); err != nil {
		t.Errorf("re-acquire after release: %v", err)
	}
}

func TestNodeBusyPacking(t *testing.T) {
	n := NewNode(1, true)

	n.EnlistJob(3)
	n.EnlistJob(2)
	jobs, kvsets := n.Busy()
	if jobs != 2 || kvsets != 5 {
		t.Fatalf("Busy() = (%d, %d), want (2, 5)", jobs, kvsets)
	}

	n.RetireJob(3)
	jobs, kvsets = n.Busy()
	if jobs != 1 || kvsets != 2 {
		t.Fatalf("Busy() after retire = (%d, %d), want (1, 2)", jobs, kvsets)
	}
	n.RetireJob(2)
	jobs, kvsets = n.Busy()
	if jobs != 0 || kvsets != 0 {
		t.Fatalf("Busy() drained = (%d, %d), want (0, 0)", jobs, kvsets)
	}
}

func TestRspillFIFO(t *testing.T) {
	n := NewNode(1, true)
	w1 := &Work{ID: 1}
	w2 := &Work{ID: 2}
	t1 := n.EnqueueRspill(w1)
	t2 := n.EnqueueRspill(w2)
	w1.rspill, w2.rspill = t1, t2

	// Completing the second job first releases nothing.
	t2.done.Store(true)
	if got := n.NextCompletedSpill(); got != nil {
		t.Fatalf("NextCompletedSpill = job %d, want nil while head unfinished", got.ID)
	}

	t1.done.Store(true)
	if got := n.NextCompletedSpill(); got != w1 {
		t.Fatalf("NextCompletedSpill = %v, want w1", got)
	}
	// Head is commit-in-progress: no double hand-out.
	if got := n.NextCompletedSpill(); got != nil {
		t.Fatal("head handed out twice")
	}

	t.Run("non-head dequeue is corruption", func(t *testing.T) {
		if err := n.DequeueRspill(t2); !errors.Is(err, ErrRspillsCorrupt) {
			t.Errorf("err = %v, want ErrRspillsCorrupt", err)
		}
	})

	if err := n.DequeueRspill(t1); err != nil {
		t.Fatalf("head dequeue: %v", err)
	}
	if got := n.NextCompletedSpill(); got != w2 {
		t.Fatalf("NextCompletedSpill after dequeue = %v, want w2", got)
	}
}

func TestRspillWedgeInheritance(t *testing.T) {
	n := NewNode(1, true)
	w := &Work{ID: 1}
	ticket := n.EnqueueRspill(w)
	ticket.done.Store(true)
	n.Wedged.Store(true)

	got := n.NextCompletedSpill()
	if got != w {
		t.Fatalf("NextCompletedSpill = %v, want w", got)
	}
	if !errors.Is(w.err, ErrShutdown) || !w.canceled {
		t.Errorf("wedged head: err = %v canceled = %v, want inherited shutdown", w.err, w.canceled)
	}
}

func TestNodeMinMaxKey(t *testing.T) {
	n := NewNode(1, false)
	if n.MinKey() != nil || n.MaxKey() != nil {
		t.Fatal("empty node has keys")
	}
	n.InsertKvset(mkKvset(1, 1, rec("m", "1", 1), rec("q", "2", 2)))
	n.InsertKvset(mkKvset(2, 2, rec("b", "3", 3)))

	if got := n.MinKey(); string(got) != "b" {
		t.Errorf("MinKey = %q, want b", got)
	}
	if got := n.MaxKey(); string(got) != "q" {
		t.Errorf("MaxKey = %q, want q", got)
	}
}

func TestNodeScatter(t *testing.T) {
	n := NewNode(1, false)
	mk := func(dgen uint64, vgroups uint32) {
		k := mkKvset(KvsetID(dgen), dgen, rec("k", "v", dgen))
		k.Stats.VGroupCount = vgroups
		if err := n.InsertKvset(k); err != nil {
			t.Fatalf("InsertKvset: %v", err)
		}
	}
	// Newest to oldest after insertion: 3, 2, 1 vgroups.
	mk(1, 1)
	mk(2, 2)
	mk(3, 3)

	// The oldest kvset alone has cumulative vgroups 1 and is excluded.
	if got := n.Scatter(); got != 5 {
		t.Errorf("Scatter = %d, want 5", got)
	}
}

func TestNodeSpliceTail(t *testing.T) {
	n := NewNode(1, true)
	for dgen := uint64(1); dgen <= 4; dgen++ {
		n.InsertKvset(mkKvset(KvsetID(dgen), dgen, rec("k", "v", dgen)))
	}

	retired := n.SpliceTail(2)
	if len(retired) != 2 || retired[0].Dgen != 2 || retired[1].Dgen != 1 {
		t.Fatalf("SpliceTail = %v, want dgens [2 1]", retired)
	}
	if got := n.KvsetCount(); got != 2 {
		t.Errorf("remaining = %d, want 2", got)
	}
}
