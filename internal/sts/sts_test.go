package sts

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fnJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j fnJob) Name() string                  { return j.name }
func (j fnJob) Run(ctx context.Context) error { return j.fn(ctx) }

func TestRunnerExecutesJobs(t *testing.T) {
	r := New(2, nil)
	finished := make(chan struct{}, 5)

	for i := 0; i < 5; i++ {
		r.Submit(context.Background(), fnJob{name: "inc", fn: func(ctx context.Context) error {
			finished <- struct{}{}
			return nil
		}})
	}
	for i := 0; i < 5; i++ {
		<-finished
	}
	r.Shutdown()

	if st := r.Stat(); st.Done != 5 || st.Failed != 0 || st.Running != 0 {
		t.Fatalf("Stat = %+v, want 5 done", st)
	}
}

func TestRunnerCountsFailures(t *testing.T) {
	r := New(1, nil)
	ran := make(chan struct{})
	r.Submit(context.Background(), fnJob{name: "boom", fn: func(ctx context.Context) error {
		defer close(ran)
		return errors.New("boom")
	}})
	<-ran
	r.Shutdown()

	if st := r.Stat(); st.Failed != 1 || st.Done != 0 {
		t.Fatalf("Stat = %+v, want 1 failed", st)
	}
}

func TestRunnerCancellation(t *testing.T) {
	r := New(1, nil)
	started := make(chan struct{})
	var sawCancel atomic.Bool

	r.Submit(context.Background(), fnJob{name: "poll", fn: func(ctx context.Context) error {
		close(started)
		for i := 0; i < 1000; i++ {
			if r.Cancelled() {
				sawCancel.Store(true)
				return nil
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	}})

	<-started
	r.Shutdown()

	if !sawCancel.Load() {
		t.Fatal("job never observed cancellation")
	}
}

func TestRunnerBoundedConcurrency(t *testing.T) {
	r := New(2, nil)
	var cur, peak atomic.Int64

	for i := 0; i < 8; i++ {
		r.Submit(context.Background(), fnJob{name: "work", fn: func(ctx context.Context) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			return nil
		}})
	}
	r.Shutdown()

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}
