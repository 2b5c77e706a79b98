package cntree

import "context"

// external.go declares the collaborators a compaction job talks to. Their
// real implementations (media pool over badger, metadata journal over a
// write-ahead log) live in sibling packages (internal/mediapool,
// internal/mdj) and are injected at Tree construction time; this package
// only depends on the interfaces so it never imports storage concerns
// directly.

// Advice is the paging hint passed to MediaPool.Madvise.
type Advice int

const (
	// AdviceDontNeed marks blocks as unlikely to be read again soon; the
	// pool may drop their cached pages.
	AdviceDontNeed Advice = iota
	// AdviceWillNeed marks blocks as about to be read.
	AdviceWillNeed
)

// MediaPool is the media-pool collaborator: it owns physical mblock
// storage. The tree never reads or writes mblock bytes itself, only commits
// or deletes the block lists a build stage produces.
type MediaPool interface {
	// Commit makes blocks durable and visible; called per build output,
	// before the corresponding journal record is logged (a block must be
	// committed before anything can reference it).
	Commit(ctx context.Context, blocks []BlockID) error
	// Delete releases blocks whose owning kvset has been fully retired
	// (ref count reached zero past Release).
	Delete(ctx context.Context, blocks []BlockID) error
	// Madvise passes a paging hint for blocks; used by capped eviction.
	Madvise(ctx context.Context, blocks []BlockID, advice Advice) error
	// EstimateAllocLen returns the pool's rounded allocation size for a
	// requested length, used to size output kvset stats realistically.
	EstimateAllocLen(requested uint64) uint64
}

// KvsetRecord is the durable representation of a kvset that the metadata
// journal persists: enough to reconstruct a *Kvset without rereading the
// media pool.
type KvsetRecord struct {
	ID       KvsetID
	Dgen     uint64
	NodeID   NodeID
	KBlocks  []BlockID
	VBlocks  []BlockID
	HBlock   BlockID
	SeqnoMax uint64
	Stats    KvsetStats
}

// MetadataJournal is the MDJ collaborator: every structural change to
// the tree's kvset membership must be durably logged here before it is
// visible to Lookup, and acknowledged (or rolled back) once the media pool
// side of the change has also landed.
type MetadataJournal interface {
	// LogCommit durably records that outputs replace inputs (by ID) on the
	// given node, returning a cookie used to Ack or Nak once the rest of
	// the Commit stage either succeeds or fails.
	LogCommit(ctx context.Context, nodeID NodeID, inputs []KvsetID, outputs []KvsetRecord) (cookie uint64, err error)
	// Ack finalizes a previously logged record as permanent.
	Ack(ctx context.Context, cookie uint64) error
	// Nak rolls back a previously logged record; used on Build or Commit
	// failure after LogCommit has already returned.
	Nak(ctx context.Context, cookie uint64) error
}

// JobCanceler lets a long-running Build poll for cooperative cancellation
// (shutdown, or a wedged root) without the tree package depending on the
// job-runner package that drives it.
type JobCanceler interface {
	Cancelled() bool
}
