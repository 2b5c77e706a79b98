// Package metric provides Prometheus metrics for the cN tree and its
// collaborators: one struct of named gauges/counters/histograms behind a
// *prometheus.Registry, a package-level Global() singleton, and an
// http.Handler for /metrics.
package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the cN tree and its collaborators publish.
// The tree, the compactor and the collaborators do not update these fields
// themselves; each changes only when a caller sets it.
type Registry struct {
	registry *prometheus.Registry

	// NodeBusy reports the packed busycnt decode per node: jobs in-flight
	// and kvsets enlisted, labeled by node id and which half of the counter
	// the sample is.
	NodeBusy *prometheus.GaugeVec
	// NodeKvsetCount reports how many kvsets currently sit on a node.
	NodeKvsetCount *prometheus.GaugeVec
	// NodeSampBytes reports a node's sampling stats: compacted key,
	// value, and header length.
	NodeSampBytes *prometheus.GaugeVec
	// NodeSplitSize mirrors Node.SplitSizeHint.
	NodeSplitSize *prometheus.GaugeVec

	// CompactionsStarted/Committed/Canceled count Select/Commit/Cleanup
	// transitions, labeled by ActionKind.
	CompactionsStarted  *prometheus.CounterVec
	CompactionsCommitted *prometheus.CounterVec
	CompactionsCanceled  *prometheus.CounterVec
	// CompactionDuration observes wall-clock time from Select to Release,
	// labeled by ActionKind.
	CompactionDuration *prometheus.HistogramVec

	// IngestsTotal counts successful Tree.Ingest calls.
	IngestsTotal prometheus.Counter
	// NospaceEvents counts KindNoSpace failures surfaced to the tree.
	NospaceEvents prometheus.Counter
}

// NewRegistry builds a Registry and registers every metric with a fresh
// *prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		NodeBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cntree", Subsystem: "node", Name: "busy",
			Help: "Packed busycnt decode: in-flight jobs and enlisted kvsets per node.",
		}, []string{"node_id", "kind"}),
		NodeKvsetCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cntree", Subsystem: "node", Name: "kvset_count",
			Help: "Number of kvsets currently resident on a node.",
		}, []string{"node_id"}),
		NodeSampBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cntree", Subsystem: "node", Name: "samp_bytes",
			Help: "Space-amplification accounting per node.",
		}, []string{"node_id", "field"}),
		NodeSplitSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cntree", Subsystem: "node", Name: "split_size_hint_bytes",
			Help: "Running estimate of a node's on-disk footprint.",
		}, []string{"node_id"}),
		CompactionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cntree", Subsystem: "compaction", Name: "started_total",
			Help: "Compaction jobs that reached StageSelected, by action.",
		}, []string{"action"}),
		CompactionsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cntree", Subsystem: "compaction", Name: "committed_total",
			Help: "Compaction jobs that reached StageCommitted, by action.",
		}, []string{"action"}),
		CompactionsCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cntree", Subsystem: "compaction", Name: "canceled_total",
			Help: "Compaction jobs that ended in Cleanup instead of Release, by action.",
		}, []string{"action"}),
		CompactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cntree", Subsystem: "compaction", Name: "duration_seconds",
			Help:    "Wall-clock duration from Select to Release/Cleanup, by action.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		IngestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cntree", Subsystem: "tree", Name: "ingests_total",
			Help: "Successful Tree.Ingest calls.",
		}),
		NospaceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cntree", Subsystem: "tree", Name: "nospace_events_total",
			Help: "KindNoSpace failures that set tree.nospace.",
		}),
	}

	reg.MustRegister(
		r.NodeBusy, r.NodeKvsetCount, r.NodeSampBytes, r.NodeSplitSize,
		r.CompactionsStarted, r.CompactionsCommitted, r.CompactionsCanceled,
		r.CompactionDuration, r.IngestsTotal, r.NospaceEvents,
	)
	return r
}

// Handler returns an HTTP handler serving this registry's metrics at
// /metrics in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Register adds an additional prometheus.Collector (e.g. a Collector from
// collector.go) to this registry.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registry.Register(c)
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide default Registry, creating it on first
// use. Most callers should prefer an explicit Registry constructed by
// NewRegistry and passed around; Global exists for cmd/cntreectl, which has
// no broader dependency-injection container to thread one through.
func Global() *Registry {
	globalOnce.Do(func() { global = NewRegistry() })
	return global
}
