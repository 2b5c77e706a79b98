// Package sts implements the STS collaborator: a bounded worker
// pool that runs compaction jobs (and capped-collection eviction sweeps) to
// completion, with cooperative cancellation on shutdown. Tracing is done
// with github.com/hashicorp/go-hclog, structured logging scoped to a job
// name rather than plain log lines.
package sts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/cnkv/cntree/internal/cntree"
)

var _ cntree.JobCanceler = (*Runner)(nil)

// Job is one unit of work the runner executes. Run must itself check
// ctx.Done() at any point that can safely abort without leaving tree state
// inconsistent — compact.go's Build loop does exactly this via the
// JobCanceler it is handed.
type Job interface {
	// Name is used only for logging.
	Name() string
	Run(ctx context.Context) error
}

// Runner is a bounded worker pool: at most Concurrency jobs run at once,
// extra Submit calls block until a slot frees up.
type Runner struct {
	log    hclog.Logger
	sem    chan struct{}
	wg     sync.WaitGroup
	cancel atomic.Bool

	running atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
}

// New builds a Runner with the given concurrency. A nil logger falls back
// to hclog.Default().
func New(concurrency int, logger hclog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = hclog.Default().Named("sts")
	}
	return &Runner{log: logger, sem: make(chan struct{}, concurrency)}
}

// Submit blocks until a worker slot is free, then runs job in a new
// goroutine. It returns immediately once the job has started; use Wait to
// block for overall drain.
func (r *Runner) Submit(ctx context.Context, job Job) {
	r.sem <- struct{}{}
	r.wg.Add(1)
	r.running.Add(1)

	go func() {
		defer func() {
			<-r.sem
			r.wg.Done()
			r.running.Add(-1)
		}()

		if r.cancel.Load() {
			r.log.Debug("skipping job, runner cancelled", "job", job.Name())
			return
		}

		r.log.Debug("job started", "job", job.Name())
		if err := job.Run(ctx); err != nil {
			r.failed.Add(1)
			r.log.Warn("job failed", "job", job.Name(), "error", err)
			return
		}
		r.done.Add(1)
		r.log.Debug("job finished", "job", job.Name())
	}()
}

// Cancelled implements cntree.JobCanceler: a job's Build loop polls this to
// abort cooperatively once Shutdown has been called.
func (r *Runner) Cancelled() bool { return r.cancel.Load() }

// Shutdown marks the runner cancelled (new and in-flight jobs should start
// observing Cancelled() returning true) and waits for every submitted job
// to return.
func (r *Runner) Shutdown() {
	r.cancel.Store(true)
	r.wg.Wait()
}

// Stats reports the runner's current counters (diagnostics / the CLI
// inspector).
type Stats struct {
	Running, Done, Failed int64
}

func (r *Runner) Stat() Stats {
	return Stats{Running: r.running.Load(), Done: r.done.Load(), Failed: r.failed.Load()}
}

func (s Stats) String() string {
	return fmt.Sprintf("running=%d done=%d failed=%d", s.Running, s.Done, s.Failed)
}
