package cntree

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cnkv/cntree/pkg/khash"
)

// KvsetID identifies a kvset across the life of a KVDB. Minted by whichever
// collaborator builds the kvset (ingest or a compaction's Commit stage); see
// internal/mdj for the concrete ULID-backed generator.
type KvsetID uint64

// BlockID identifies an mblock owned by the media pool. The tree never
// interprets the bytes behind a BlockID; it only carries lists of them to
// journal records and to the pool's commit/delete calls.
type BlockID uint64

// LookupResult is the outcome of a GET or PROBE_PFX descent.
type LookupResult int

const (
	NotFound LookupResult = iota
	FoundVal
	FoundTomb
	FoundPtomb
	FoundMultiple
)

func (r LookupResult) String() string {
	switch r {
	case NotFound:
		return "NOT_FOUND"
	case FoundVal:
		return "FOUND_VAL"
	case FoundTomb:
		return "FOUND_TMB"
	case FoundPtomb:
		return "FOUND_PTMB"
	case FoundMultiple:
		return "FOUND_MULTIPLE"
	default:
		return "UNKNOWN"
	}
}

// QueryType distinguishes a point GET from a prefix probe.
type QueryType int

const (
	QueryGet QueryType = iota
	QueryProbePfx
)

// ValueKind distinguishes a live value from a point tombstone or a prefix
// tombstone within a kvset's record stream.
type ValueKind int

const (
	ValKindVal ValueKind = iota
	ValKindTombstone
	ValKindPtomb
)

// Record is one key/value entry inside a kvset's sorted run.
//
// kvset-internal layout (b-tree readers, bloom filters, value-group
// decoding) is explicitly out of scope; Record/Kvset here are a
// minimal in-memory stand-in sufficient to exercise the tree's lookup,
// ingest, and compaction semantics, not a real on-disk format.
type Record struct {
	Key   []byte
	Seq   uint64
	Kind  ValueKind
	Value []byte
}

// KvsetStats holds the key/value allocated/written/used lengths and block
// counts the sampling subsystem folds into node and tree aggregates.
type KvsetStats struct {
	KeyLenAlloc, KeyLenWritten, KeyLenUsed uint64
	ValLenAlloc, ValLenWritten, ValLenUsed uint64
	HeadLenAlloc                           uint64
	KBlockCount, VBlockCount               uint32
	VGroupCount                            uint32
	NumKeys, NumTombstones                 uint64
}

// Add accumulates another kvset's stats into this one (used by fold steps).
func (s *KvsetStats) Add(o KvsetStats) {
	s.KeyLenAlloc += o.KeyLenAlloc
	s.KeyLenWritten += o.KeyLenWritten
	s.KeyLenUsed += o.KeyLenUsed
	s.ValLenAlloc += o.ValLenAlloc
	s.ValLenWritten += o.ValLenWritten
	s.ValLenUsed += o.ValLenUsed
	s.HeadLenAlloc += o.HeadLenAlloc
	s.KBlockCount += o.KBlockCount
	s.VBlockCount += o.VBlockCount
	s.VGroupCount += o.VGroupCount
	s.NumKeys += o.NumKeys
	s.NumTombstones += o.NumTombstones
}

// HLL is the minimal hyperloglog-sketch contract the sampling subsystem
// needs: union another sketch in, estimate cardinality. No example or
// ecosystem dependency in the retrieval pack ships a ready-made HLL type, so
// this is implemented directly on top of the standard library plus the
// module's own pkg/khash (murmur3 for the stream hash, math for the
// estimator) — see
// DESIGN.md for the stdlib justification.
type HLL interface {
	Add(key []byte)
	Union(other HLL)
	Estimate() uint64
	Clone() HLL
}

// Kvset is an immutable, reference-counted sorted run. Its Records are
// sorted by Key then by descending Seq. Kvset itself is safe for concurrent
// read access once published (i.e. after construction); apart from the
// atomic reference count, workID is the only field mutated
// post-publication, and it is only ever written while the kvset is
// enlisted in a compaction.
type Kvset struct {
	ID   KvsetID
	Dgen uint64

	refCount atomic.Int64
	Compc    atomic.Uint32

	Stats KvsetStats
	HLL   HLL

	// workID is non-zero while this kvset is enlisted in an in-flight
	// compaction; it must be unique to exactly one job.
	workID atomic.Uint64

	KBlocks []BlockID
	VBlocks []BlockID
	HBlock  BlockID

	// SeqnoMax is the maximum sequence number among Records; used by capped
	// trimming's horizon comparison.
	SeqnoMax uint64

	// CreatedAtUnix is the kvset's creation time in unix seconds; the
	// capped eviction sweep compares it against the configured TTL.
	CreatedAtUnix int64

	// PfxHashed reports whether this kvset's key discriminator hashes the
	// configured prefix length rather than the full key; a property of the
	// kvset, not of the tree.
	PfxHashed bool
	PfxLen    int

	mu      sync.RWMutex
	records []Record // sorted by Key asc, then Seq desc
}

// NewKvset builds a published, ref-count-1 kvset from already-sorted
// records. Builders (ingest, a compaction's build stage) are responsible
// for sorting by Key ascending then Seq descending.
func NewKvset(id KvsetID, dgen uint64, records []Record, hll HLL) *Kvset {
	k := &Kvset{
		ID:            id,
		Dgen:          dgen,
		HLL:           hll,
		records:       records,
		CreatedAtUnix: time.Now().Unix(),
	}
	k.refCount.Store(1)
	for _, r := range records {
		if r.Seq > k.SeqnoMax {
			k.SeqnoMax = r.Seq
		}
	}
	k.recomputeStats()
	return k
}

func (k *Kvset) recomputeStats() {
	var s KvsetStats
	for _, r := range k.records {
		klen := uint64(len(r.Key))
		s.KeyLenAlloc += klen
		s.KeyLenWritten += klen
		s.KeyLenUsed += klen
		if r.Kind == ValKindTombstone || r.Kind == ValKindPtomb {
			s.NumTombstones++
		} else {
			vlen := uint64(len(r.Value))
			s.ValLenAlloc += vlen
			s.ValLenWritten += vlen
			s.ValLenUsed += vlen
		}
		s.NumKeys++
	}
	if len(k.records) > 0 {
		s.KBlockCount = 1
	}
	if s.ValLenAlloc > 0 {
		s.VBlockCount = 1
		s.VGroupCount = 1
	}
	k.Stats = s
}

// Ref increments the reference count. Called on every enlistment: as a
// compaction input, as a view entry, or onto a retired list.
func (k *Kvset) Ref() { k.refCount.Add(1) }

// Unref decrements the reference count and reports whether it reached zero.
// The caller is responsible for physically freeing mblocks once both the
// ref count is zero and the kvset has been marked for delete.
func (k *Kvset) Unref() bool { return k.refCount.Add(-1) == 0 }

// RefCount returns the current reference count (diagnostics only).
func (k *Kvset) RefCount() int64 { return k.refCount.Load() }

// WorkID returns the mutual-exclusion marker, or 0 if the kvset is not
// currently enlisted in any compaction.
func (k *Kvset) WorkID() uint64 { return k.workID.Load() }

// MarkWork sets the workID; fails (returns false) if already marked,
// preserving the rule that a kvset is enlisted in exactly one job.
func (k *Kvset) MarkWork(id uint64) bool {
	return k.workID.CompareAndSwap(0, id)
}

// UnmarkWork clears the workID. Idempotent: used from Cleanup, which must
// be safe to run more than once.
func (k *Kvset) UnmarkWork() { k.workID.Store(0) }

// MinKey returns the lexicographically smallest key, or nil if empty.
func (k *Kvset) MinKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.records) == 0 {
		return nil
	}
	return k.records[0].Key
}

// MaxKey returns the lexicographically largest key, or nil if empty.
func (k *Kvset) MaxKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.records) == 0 {
		return nil
	}
	return k.records[len(k.records)-1].Key
}

// Records returns a read-only snapshot slice (shares backing array; callers
// must not mutate).
func (k *Kvset) Records() []Record {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.records
}

// Empty reports whether the kvset has no records at all, the case after
// tombstones annihilate every key during a k-compaction.
func (k *Kvset) Empty() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.records) == 0
}

// DiscriminatorHash applies this kvset's hash policy to a lookup key: a
// prefix-hashed kvset recomputes over its configured prefix, everything
// else trusts the caller's precomputed full-key hash. The policy belongs
// to the kvset, not the tree.
func (k *Kvset) DiscriminatorHash(key []byte, full uint64) uint64 {
	if k.PfxHashed && k.PfxLen > 0 {
		return khash.Sum64Prefix(key, k.PfxLen)
	}
	return full
}

// Lookup performs a point GET against this kvset's sorted run at the given
// view sequence number: records newer than viewSeq are invisible. The
// caller-supplied precomputed hash decides eligibility the way a real
// kvset's bloom filter would; this in-memory stand-in binary-searches
// directly, so the hash is carried only for interface parity.
func (k *Kvset) Lookup(key []byte, hash, viewSeq uint64) (LookupResult, []byte, error) {
	_ = hash
	k.mu.RLock()
	defer k.mu.RUnlock()

	idx := sortSearchKey(k.records, key, viewSeq)
	if idx < 0 {
		return NotFound, nil, nil
	}
	rec := k.records[idx]
	switch rec.Kind {
	case ValKindTombstone:
		return FoundTomb, nil, nil
	case ValKindPtomb:
		return FoundPtomb, nil, nil
	default:
		return FoundVal, rec.Value, nil
	}
}

// PfxLookup performs a prefix probe at the given view sequence number: it
// reports how many distinct keys in this kvset carry the given prefix
// (capped at "multiple" once more than one is seen) and surfaces a prefix
// tombstone immediately if one covers pfx.
func (k *Kvset) PfxLookup(pfx []byte, hash, viewSeq uint64) (LookupResult, []byte, []byte, error) {
	_ = hash
	k.mu.RLock()
	defer k.mu.RUnlock()

	var (
		matchKey, matchVal []byte
		lastKey            []byte
		seen               int
	)
	for _, r := range k.records {
		if r.Seq > viewSeq {
			continue
		}
		// Records are sorted by key then descending seq, so the first
		// visible record of a key is its newest; older versions are
		// shadowed and do not count again.
		if lastKey != nil && bytes.Equal(r.Key, lastKey) {
			continue
		}
		lastKey = r.Key
		if r.Kind == ValKindPtomb && bytes.HasPrefix(pfx, r.Key) {
			return FoundPtomb, nil, nil, nil
		}
		if bytes.HasPrefix(r.Key, pfx) {
			if r.Kind == ValKindTombstone {
				continue
			}
			seen++
			if seen > 1 {
				return FoundMultiple, nil, nil, nil
			}
			matchKey, matchVal = r.Key, r.Value
		}
	}
	if seen == 0 {
		return NotFound, nil, nil, nil
	}
	return FoundVal, matchKey, matchVal, nil
}

// sortSearchKey returns the index of the newest visible record for key in a
// slice sorted by Key asc then Seq desc, or -1. Records with Seq above
// viewSeq are skipped, so within a duplicate-key run the first record at or
// below the view wins.
func sortSearchKey(records []Record, key []byte, viewSeq uint64) int {
	lo, hi := 0, len(records)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(records[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	for ; lo < len(records) && bytes.Equal(records[lo].Key, key); lo++ {
		if records[lo].Seq <= viewSeq {
			return lo
		}
	}
	return -1
}

// khashOf returns the precomputed key hash a Lookup call threads through
// the descent, letting kvsets apply their own prefix/full-key policy.
func khashOf(key []byte) uint64 {
	return khash.Sum64(key)
}

func (k *Kvset) String() string {
	return fmt.Sprintf("kvset{id=%d dgen=%d keys=%d}", k.ID, k.Dgen, k.Stats.NumKeys)
}
