// Package cntree implements the cN tree: the on-disk indexing core of a
// key-value storage engine. A tree is a per-KVS collection of nodes, each
// holding an ordered list of immutable kvsets; the package manages ingest,
// lookup, and background compaction while readers run concurrently.
package cntree

import (
	"errors"
	"fmt"
)

// TreeError is a structured error carrying one of the error kinds a
// compaction or tree mutation can raise. It mirrors the domain error shape
// used elsewhere in this module (code + message + optional cause) so callers
// can match on Kind with errors.Is/errors.As without string comparison.
type TreeError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// ErrorKind enumerates the abstract error kinds of the compaction runtime.
type ErrorKind string

const (
	// KindOutOfMemory: allocation failed. For node-alloc during split, the
	// split aborts and retired state is left untouched.
	KindOutOfMemory ErrorKind = "out_of_memory"
	// KindNoSpace: media pool commit/alloc failed; sets tree.nospace and
	// marks health; the job fails; SCHED should back off.
	KindNoSpace ErrorKind = "no_space"
	// KindMdjFailure: any metadata journal error; triggers nak, fails the
	// job, marks health.
	KindMdjFailure ErrorKind = "mdj_failure"
	// KindCancelled: ESHUTDOWN with the cancel bit set. A normal shutdown
	// path, never logged as an error.
	KindCancelled ErrorKind = "cancelled"
	// KindWedged: a root-spill failure set the root's wedged flag; this
	// job inherited ESHUTDOWN because an earlier spill in FIFO order failed.
	KindWedged ErrorKind = "wedged"
	// KindCorruption: a structural assertion failed (duplicate dgen,
	// head-of-rspills mismatch at release, unknown node id, ...). Fatal in
	// debug builds; logged and surfaced as EBUG in release builds.
	KindCorruption ErrorKind = "corruption"
)

func (e *TreeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cntree: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("cntree: %s: %s", e.Kind, e.Message)
}

func (e *TreeError) Unwrap() error { return e.Cause }

// Is supports errors.Is comparison against another *TreeError by Kind alone,
// so callers can write errors.Is(err, &TreeError{Kind: KindNoSpace}).
func (e *TreeError) Is(target error) bool {
	var t *TreeError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewTreeError builds a TreeError with no cause.
func NewTreeError(kind ErrorKind, msg string) *TreeError {
	return &TreeError{Kind: kind, Message: msg}
}

// WrapTreeError builds a TreeError that wraps cause.
func WrapTreeError(kind ErrorKind, msg string, cause error) *TreeError {
	return &TreeError{Kind: kind, Message: msg, Cause: cause}
}

// IsKind reports whether err is a *TreeError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TreeError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Sentinel errors for conditions that are not compaction-kind errors but are
// still part of the tree's contract (bad arguments, shutdown signaling).
var (
	// ErrShutdown is raised by builders that observe the cooperative
	// cancellation flag mid-merge.
	ErrShutdown = errors.New("cntree: shutdown requested")

	// ErrUnknownNode is returned by InsertKvset and find-by-id lookups when
	// the caller names a nodeid the tree does not know about.
	ErrUnknownNode = errors.New("cntree: unknown node id")

	// ErrDuplicateDgen is returned (or asserted against, in debug builds)
	// when InsertKvset is asked to place a kvset whose dgen already exists
	// in the node's list.
	ErrDuplicateDgen = errors.New("cntree: duplicate dgen in node kvset list")

	// ErrBadFanout is returned by tree construction when fanout falls
	// outside [FanoutMin, FanoutMax].
	ErrBadFanout = errors.New("cntree: fanout out of range")

	// ErrBadPrefixLen is returned by tree construction when prefix length
	// exceeds PfxLenMax.
	ErrBadPrefixLen = errors.New("cntree: prefix length out of range")

	// ErrAlreadyCompacting is returned by TryAcquireCompactToken when the
	// node's exclusive token is already held.
	ErrAlreadyCompacting = errors.New("cntree: node already has an exclusive compaction in flight")

	// ErrRspillsCorrupt is raised by Release when a root-spill completes
	// out of FIFO order relative to node.rspills.
	ErrRspillsCorrupt = errors.New("cntree: root-spill completed out of enqueue order")

	// ErrBothSplitSidesInvalid is returned by Commit for a SPLIT that
	// produced no surviving kvsets on either side, an ambiguous case that
	// is treated as a no-op split.
	ErrBothSplitSidesInvalid = errors.New("cntree: split produced no surviving kvsets on either side")

	// ErrSplitRequiresLeaf is returned by Select for a SPLIT action named
	// against the root node, which is never split directly (only leaves,
	// reached through the route map, split).
	ErrSplitRequiresLeaf = errors.New("cntree: split requires a non-root leaf node")

	// ErrBadSplitKey is returned when a SPLIT's proposed split key would
	// leave one side of the target node empty.
	ErrBadSplitKey = errors.New("cntree: split key out of node range")
)
