package cntree

import (
	"bytes"
	"context"
	"time"

	"github.com/cnkv/cntree/internal/telemetry/logger"
)

// capped.go implements capped-KVS trimming: a capped tree never spills, so
// its root accumulates kvsets that are retired wholesale from the tail once
// every record they could contain has aged past a horizon sequence number.
// When nothing is retirable the sweep falls back to advising the media pool
// that the oldest value blocks are unlikely to be read again.

// CappedCompact trims expired kvsets from the tail of a capped tree's root.
//
// The horizon is the smaller of the caller's global sequence-number horizon
// and the sequence of the largest prefix tombstone recorded by ingest. A
// tail kvset is retirable when its max key exists and either its newest
// record is below the horizon, or a prefix tombstone has been recorded and
// its max key falls entirely below the tombstone's prefix. With no prefix
// tombstone recorded, only the horizon test applies: the absence of a
// tombstone does not by itself make a kvset retirable. The walk stops at
// the first kvset that fails the test; everything behind it is retired in
// one journal transaction.
//
// A root holding fewer than two kvsets is left as it is: nothing is
// retired and nothing is evicted. Otherwise, with nothing to retire, the
// sweep instead pages out value blocks of kvsets older than the configured
// eviction TTL, remembering where it stopped so repeated sweeps do not
// rescan.
func (t *Tree) CappedCompact(ctx context.Context, mdj MetadataJournal, mp MediaPool, globalHorizon uint64) error {
	if !t.Capped {
		return nil
	}

	t.RLock()
	ptKey := append([]byte(nil), t.ptKey...)
	ptLen := t.ptLen
	ptSeq := t.ptSeq
	kvsets := t.root.Kvsets()
	t.RUnlock()

	if len(kvsets) < 2 {
		return nil
	}

	horizon := globalHorizon
	if ptLen > 0 && ptSeq < horizon {
		horizon = ptSeq
	}

	// Walk oldest to newest collecting the retirable tail run.
	var retire []*Kvset
	for i := len(kvsets) - 1; i >= 0; i-- {
		k := kvsets[i]
		if !cappedRetirable(k, ptKey, ptLen, horizon) {
			break
		}
		retire = append(retire, k)
	}

	if len(retire) == 0 {
		t.cappedEvict(ctx, mp, kvsets)
		return nil
	}

	inputIDs := make([]KvsetID, len(retire))
	for i, k := range retire {
		inputIDs[i] = k.ID
	}
	cookie, err := mdj.LogCommit(ctx, t.root.ID, inputIDs, nil)
	if err != nil {
		t.reportFault(err)
		return WrapTreeError(KindMdjFailure, "capped trim journal failed", err)
	}

	t.Lock()
	retired := t.root.SpliceTail(len(retire))
	t.sampUpdateCompact(t.root)
	t.Unlock()

	if err := mdj.Ack(ctx, cookie); err != nil {
		t.reportFault(err)
	}

	for _, k := range retired {
		if k.Unref() && mp != nil {
			blocks := append([]BlockID{}, k.KBlocks...)
			blocks = append(blocks, k.HBlock)
			blocks = append(blocks, k.VBlocks...)
			_ = mp.Delete(ctx, blocks)
		}
	}

	logger.L(ctx).WithNode(uint64(t.root.ID)).Debug("capped trim retired kvsets",
		"count", len(retired), "horizon", horizon)
	return nil
}

// cappedRetirable applies the trim test for a single kvset.
func cappedRetirable(k *Kvset, ptKey []byte, ptLen int, horizon uint64) bool {
	maxKey := k.MaxKey()
	if maxKey == nil {
		return false
	}
	if k.SeqnoMax < horizon {
		return true
	}
	if ptLen > 0 {
		pfx := maxKey
		if len(pfx) > ptLen {
			pfx = pfx[:ptLen]
		}
		if bytes.Compare(pfx, ptKey) < 0 {
			return true
		}
	}
	return false
}

// cappedEvict advises the media pool that value blocks of kvsets older
// than the eviction TTL are unlikely to be read, resuming past the kvsets
// already advised on a previous sweep. kvsets is newest first.
func (t *Tree) cappedEvict(ctx context.Context, mp MediaPool, kvsets []*Kvset) {
	if mp == nil || t.cappedEvictTTL <= 0 {
		return
	}
	now := time.Now().Unix()

	for i := len(kvsets) - 1; i >= 0; i-- {
		k := kvsets[i]
		if k.Dgen <= t.cappedDgen {
			continue
		}
		if now-k.CreatedAtUnix < t.cappedEvictTTL {
			break
		}
		_ = mp.Madvise(ctx, k.VBlocks, AdviceDontNeed)
		t.cappedDgen = k.Dgen
	}
}
