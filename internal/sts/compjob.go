package sts

import (
	"context"

	"github.com/cnkv/cntree/internal/cntree"
	"github.com/cnkv/cntree/internal/telemetry/logger"
)

// CompactionJob adapts a selected compaction work to the runner's Job
// contract: one slice drives the work through Prepare, Build, Commit and
// Release, falling back to the compactor's idempotent Cleanup on any
// failure. The runner itself is the job's cancellation source.
type CompactionJob struct {
	name string
	c    *cntree.Compactor
	w    *cntree.Work
	r    *Runner
}

// NewCompactionJob wraps an already-Selected work for submission to r.
func (r *Runner) NewCompactionJob(name string, c *cntree.Compactor, w *cntree.Work) *CompactionJob {
	return &CompactionJob{name: name, c: c, w: w, r: r}
}

// Name implements Job.
func (j *CompactionJob) Name() string { return j.name }

// Run implements Job. The context is tagged with the job identity so
// anything the tree logs through logger.L during this slice is attributed
// to it.
func (j *CompactionJob) Run(ctx context.Context) error {
	ctx = logger.WithJob(ctx, j.w.ID, j.w.Action.String())

	err := j.c.Prepare(j.w)
	if err == nil {
		err = j.c.Build(j.w, j.r)
	}
	if err == nil {
		err = j.c.Commit(ctx, j.w)
	}
	if err == nil {
		err = j.c.Release(ctx, j.w)
	}
	if err != nil {
		j.c.Cleanup(ctx, j.w)
	}
	return err
}
