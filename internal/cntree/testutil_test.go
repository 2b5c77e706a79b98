package cntree

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Shared fixtures: record/kvset builders and fake collaborators with
// failure injection.

func rec(key, val string, seq uint64) Record {
	return Record{Key: []byte(key), Value: []byte(val), Seq: seq, Kind: ValKindVal}
}

func tombRec(key string, seq uint64) Record {
	return Record{Key: []byte(key), Seq: seq, Kind: ValKindTombstone}
}

func ptombRec(pfx string, seq uint64) Record {
	return Record{Key: []byte(pfx), Seq: seq, Kind: ValKindPtomb}
}

// mkKvset builds a kvset from records in any order, sorting them by key
// ascending then seq descending the way real builders do.
func mkKvset(id KvsetID, dgen uint64, recs ...Record) *Kvset {
	sort.Slice(recs, func(i, j int) bool {
		if c := bytes.Compare(recs[i].Key, recs[j].Key); c != 0 {
			return c < 0
		}
		return recs[i].Seq > recs[j].Seq
	})
	hll := NewHLL()
	for _, r := range recs {
		hll.Add(r.Key)
	}
	return NewKvset(id, dgen, recs, hll)
}

func mustTree(cfg Config) *Tree {
	t, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return t
}

type fakeMP struct {
	mu        sync.Mutex
	committed [][]BlockID
	deleted   [][]BlockID
	advised   [][]BlockID
	commitErr error
}

func (m *fakeMP) Commit(ctx context.Context, blocks []BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = append(m.committed, blocks)
	return nil
}

func (m *fakeMP) Delete(ctx context.Context, blocks []BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, blocks)
	return nil
}

func (m *fakeMP) Madvise(ctx context.Context, blocks []BlockID, advice Advice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advised = append(m.advised, blocks)
	return nil
}

func (m *fakeMP) EstimateAllocLen(requested uint64) uint64 { return requested }

type mdjEntry struct {
	cookie  uint64
	nodeID  NodeID
	inputs  []KvsetID
	outputs []KvsetRecord
}

type fakeMDJ struct {
	mu     sync.Mutex
	next   uint64
	logs   []mdjEntry
	acked  []uint64
	naked  []uint64
	logErr error // returned by the next LogCommit, then cleared
}

func (j *fakeMDJ) LogCommit(ctx context.Context, nodeID NodeID, inputs []KvsetID, outputs []KvsetRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logErr != nil {
		err := j.logErr
		j.logErr = nil
		return 0, err
	}
	j.next++
	j.logs = append(j.logs, mdjEntry{cookie: j.next, nodeID: nodeID, inputs: inputs, outputs: outputs})
	return j.next, nil
}

func (j *fakeMDJ) Ack(ctx context.Context, cookie uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.acked = append(j.acked, cookie)
	return nil
}

func (j *fakeMDJ) Nak(ctx context.Context, cookie uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.naked = append(j.naked, cookie)
	return nil
}

func (j *fakeMDJ) ackCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.acked)
}

type fakeHealth struct {
	mu    sync.Mutex
	fault error
}

func (h *fakeHealth) SetFault(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fault == nil {
		h.fault = err
	}
}

func (h *fakeHealth) Faulted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fault != nil
}

type fakeCanceler struct{ cancelled bool }

func (c *fakeCanceler) Cancelled() bool { return c.cancelled }

type fakeNotifier struct {
	mu     sync.Mutex
	rAlen  int64
	rWlen  int64
	events int
}

func (n *fakeNotifier) NotifyIngest(rAlenDelta, rWlenDelta int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rAlen += rAlenDelta
	n.rWlen += rWlenDelta
	n.events++
}
