// Package sched implements a minimal SCHED collaborator: it
// scores nodes for compaction work and rate-limits how often the tree may
// retry after a KindNoSpace failure. Thresholds follow the usual tunables
// for this kind of scheduler (rspill run-length bounds, length-reduction
// run-length bounds, split size); rate limiting itself is adapted from
// golang.org/x/time/rate: a token bucket that caps how often a retry
// after KindNoSpace fires.
package sched

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/cnkv/cntree/internal/cntree"
)

// WorkType is the category of work a node is scored for, used to pick
// which action a scheduling pass should select.
type WorkType int

const (
	WorkIdle WorkType = iota
	WorkLength  // too many kvsets stacked on one node: COMPACT_K/COMPACT_KV
	WorkGarbage // high tombstone fraction: COMPACT_KV
	WorkRoot    // root has accumulated enough to spill: SPILL
	WorkSplit   // node has grown past its split-size hint: SPLIT
)

// Thresholds holds the tunable runlengths that decide when a node crosses
// from "idle" to "needs work" for each WorkType.
type Thresholds struct {
	RspillRunlenMin int
	RspillRunlenMax int
	LlenRunlenMin   int
	LlenRunlenMax   int
	// SplitSizeBytes is the SplitSizeHint threshold past which a leaf is
	// scored for WorkSplit.
	SplitSizeBytes uint64
}

// DefaultThresholds returns sensible baseline thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RspillRunlenMin: 4,
		RspillRunlenMax: 8,
		LlenRunlenMin:   4,
		LlenRunlenMax:   12,
		SplitSizeBytes:  256 << 20,
	}
}

// Scorer selects the highest-priority work item across a tree's nodes. It
// also implements cntree.IngestNotifier: every ingest's samp deltas
// accumulate until the next scheduling pass consumes them.
type Scorer struct {
	thresholds Thresholds

	pendingRAlen atomic.Int64
	pendingRWlen atomic.Int64
}

var _ cntree.IngestNotifier = (*Scorer)(nil)

// NewScorer builds a Scorer with the given thresholds.
func NewScorer(t Thresholds) *Scorer { return &Scorer{thresholds: t} }

// NotifyIngest implements cntree.IngestNotifier.
func (s *Scorer) NotifyIngest(rAlenDelta, rWlenDelta int64) {
	s.pendingRAlen.Add(rAlenDelta)
	s.pendingRWlen.Add(rWlenDelta)
}

// ConsumeIngest drains the accumulated ingest deltas, returning how many
// root-allocated and root-written bytes arrived since the last pass.
func (s *Scorer) ConsumeIngest() (rAlen, rWlen int64) {
	return s.pendingRAlen.Swap(0), s.pendingRWlen.Swap(0)
}

// Candidate is one node scored for a specific WorkType.
type Candidate struct {
	Node   *cntree.Node
	Type   WorkType
	Weight int // higher runs first
}

// Score scans every node in nodes and returns one candidate for each node
// that crosses a threshold, sorted by descending weight so the
// highest-weighted runs first.
func (s *Scorer) Score(nodes []*cntree.Node) []Candidate {
	var out []Candidate
	for _, n := range nodes {
		if n.CompactingBy() != 0 {
			continue // already enlisted; never double-schedule a node
		}
		if jobs, _ := n.Busy(); jobs > 0 {
			continue // an in-flight spill is charged here without a token
		}
		count := n.KvsetCount()

		if n.IsRoot {
			if count >= s.thresholds.RspillRunlenMin {
				out = append(out, Candidate{Node: n, Type: WorkRoot, Weight: weightBetween(count, s.thresholds.RspillRunlenMin, s.thresholds.RspillRunlenMax)})
			}
			continue
		}

		if uint64(n.SplitSizeHint.Load()) >= s.thresholds.SplitSizeBytes {
			out = append(out, Candidate{Node: n, Type: WorkSplit, Weight: 100})
			continue
		}
		if count >= s.thresholds.LlenRunlenMin {
			out = append(out, Candidate{Node: n, Type: WorkLength, Weight: weightBetween(count, s.thresholds.LlenRunlenMin, s.thresholds.LlenRunlenMax)})
		}
	}
	sortCandidatesDesc(out)
	return out
}

func weightBetween(count, min, max int) int {
	if count >= max {
		return 100
	}
	if count < min {
		return 0
	}
	return (count - min) * 100 / (max - min)
}

func sortCandidatesDesc(c []Candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].Weight > c[j-1].Weight; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// NospaceBackoff rate-limits retries after a KindNoSpace failure: each
// configured tree gets its own limiter so one full KVS backing off does
// not starve scheduling attempts against others.
type NospaceBackoff struct {
	limiter *rate.Limiter
}

// NewNospaceBackoff builds a backoff allowing one retry attempt per
// interval on average, with a small burst allowance.
func NewNospaceBackoff(ratePerSec float64, burst int) *NospaceBackoff {
	return &NospaceBackoff{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether a new retry attempt may proceed right now.
func (b *NospaceBackoff) Allow() bool { return b.limiter.Allow() }

// Wait blocks until a retry attempt is permitted or ctx is done.
func (b *NospaceBackoff) Wait(ctx context.Context) error { return b.limiter.Wait(ctx) }
