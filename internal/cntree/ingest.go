package cntree

// ingest.go attaches a freshly built kvset (from the in-memory write
// buffer) to the tree's root. Ingest is the only mutation path that never
// touches the route map: new data always lands on root and is distributed
// to leaves later by a spill.

// Ingest attaches k to the root as the newest kvset, records the largest
// prefix tombstone seen by this ingest (capped trees only), folds the new
// kvset into the sampling aggregates, and notifies the scheduler with the
// root's samp deltas. It refuses to run while the tree is read-only or out
// of space, so the owning KVS can propagate backpressure to writers.
//
// On return the root's allocated lengths have grown and no leaf's samp has
// moved: ingest touches exactly one node.
func (t *Tree) Ingest(k *Kvset, ptomb []byte, ptseq uint64) error {
	if t.ReadOnly.Load() {
		return NewTreeError(KindCancelled, "tree is read-only")
	}
	if t.Nospace.Load() {
		return NewTreeError(KindNoSpace, "tree is out of space")
	}

	t.Lock()
	if err := t.root.InsertKvset(k); err != nil {
		t.Unlock()
		return err
	}

	t.ingestDgen.Add(1)
	if k.Dgen > t.nextDgen.Load() {
		t.nextDgen.Store(k.Dgen)
	}

	if t.Capped && len(ptomb) > 0 {
		t.ptKey = append(t.ptKey[:0], ptomb...)
		t.ptLen = len(ptomb)
		t.ptSeq = ptseq
	}

	pre := t.samp
	t.sampUpdateIngest(t.root)
	post := t.samp
	t.Unlock()

	if t.notifier != nil {
		t.notifier.NotifyIngest(post.RAlen-pre.RAlen, post.RWlen-pre.RWlen)
	}
	return nil
}
