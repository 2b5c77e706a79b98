// Package shutdown coordinates draining a cN tree deployment. Teardown has
// a fixed dependency order: cancellation is asserted on every tree first so
// in-flight compaction builds abort at their next checkpoint, job runners
// drain so nothing can be mid-commit, trees release their kvset refs, and
// only then do the durable collaborators (metadata journal, media pool)
// close.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Tree is the slice of the tree surface draining needs: assert the
// advisory cancel flag early, tear down once no job can still be applying.
type Tree interface {
	CancelRequest()
	Close()
}

// Runner is a job runner that can be drained to completion (the short-term
// job runner in internal/sts satisfies this).
type Runner interface {
	Shutdown()
}

type closeHook struct {
	name string
	fn   func(context.Context) error
}

// Coordinator owns the drain sequence for one process.
type Coordinator struct {
	timeout time.Duration

	mu      sync.Mutex
	trees   []Tree
	runners []Runner
	closers []closeHook

	drainOnce sync.Once
	drainErr  error
	done      chan struct{}
}

// NewCoordinator builds a Coordinator whose signal-driven drain is bounded
// by timeout.
func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// RegisterTree enrolls a tree for cancellation and teardown.
func (c *Coordinator) RegisterTree(t Tree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees = append(c.trees, t)
}

// RegisterRunner enrolls a job runner to be drained after cancellation is
// asserted and before any tree is closed.
func (c *Coordinator) RegisterRunner(r Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runners = append(c.runners, r)
}

// OnClose registers a named closer for a collaborator that must outlive
// the trees (journal, media pool, listeners). Closers run last, in reverse
// registration order, so a dependency registered first closes last.
func (c *Coordinator) OnClose(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closeHook{name: name, fn: fn})
}

// Drain runs the full sequence once; later calls return the first run's
// result. The context bounds only the closer stage: cancel and runner
// drain are not abortable midway without leaving a job half-applied.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.drainOnce.Do(func() {
		c.mu.Lock()
		trees := append([]Tree(nil), c.trees...)
		runners := append([]Runner(nil), c.runners...)
		closers := append([]closeHook(nil), c.closers...)
		c.mu.Unlock()

		for _, t := range trees {
			t.CancelRequest()
		}
		for _, r := range runners {
			r.Shutdown()
		}
		for _, t := range trees {
			t.Close()
		}

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(ctx); err != nil && c.drainErr == nil {
				c.drainErr = fmt.Errorf("shutdown: close %s: %w", closers[i].name, err)
			}
		}

		close(c.done)
	})
	return c.drainErr
}

// Wait blocks for SIGINT/SIGTERM, then drains with the configured timeout.
func (c *Coordinator) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Drain(ctx)
}

// Done closes once a drain has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
