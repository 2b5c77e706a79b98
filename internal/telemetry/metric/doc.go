// Package metric provides Prometheus metrics for the cN tree and its
// collaborators.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: Prometheus registry and HTTP handler
//   - collector.go: a Collector that samples a tree's per-node state on
//     every scrape rather than being pushed updates
//
// Metrics include:
//
//   - Per-node busycnt/kvset-count/samp/split-size gauges (the per-node
//     cardinality estimate itself is not exported)
//   - Compaction started/committed/canceled counters, by action
//   - Compaction duration histograms, by action
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
