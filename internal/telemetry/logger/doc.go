// Package logger provides structured logging for the cN tree runtime.
//
// It wraps log/slog:
//
//   - logger.go: slog-backed Logger with node/job entity scoping and a
//     shared, runtime-adjustable level
//   - context.go: per-operation scope carried through context (the job
//     runner tags contexts with the compaction job being driven)
//   - redact.go: masking of raw key/value bytes and other sensitive fields
package logger
