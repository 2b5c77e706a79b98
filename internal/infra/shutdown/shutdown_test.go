package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cnkv/cntree/internal/cntree"
	"github.com/cnkv/cntree/internal/sts"
)

// orderLog records the drain sequence across fakes.
type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

type fakeTree struct {
	log  *orderLog
	name string
}

func (t *fakeTree) CancelRequest() { t.log.add("cancel:" + t.name) }
func (t *fakeTree) Close()         { t.log.add("close:" + t.name) }

type fakeRunner struct {
	log *orderLog
}

func (r *fakeRunner) Shutdown() { r.log.add("runner") }

func TestDrainOrder(t *testing.T) {
	log := &orderLog{}
	c := NewCoordinator(time.Second)

	c.RegisterTree(&fakeTree{log: log, name: "t1"})
	c.RegisterRunner(&fakeRunner{log: log})
	c.OnClose("journal", func(ctx context.Context) error {
		log.add("close:journal")
		return nil
	})
	c.OnClose("mediapool", func(ctx context.Context) error {
		log.add("close:mediapool")
		return nil
	})

	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// Cancel first, drain the runner, close the tree, then the closers in
	// reverse registration order (pool before the journal it feeds).
	want := []string{"cancel:t1", "runner", "close:t1", "close:mediapool", "close:journal"}
	if len(log.steps) != len(want) {
		t.Fatalf("steps = %v, want %v", log.steps, want)
	}
	for i := range want {
		if log.steps[i] != want[i] {
			t.Fatalf("step[%d] = %q, want %q (full: %v)", i, log.steps[i], want[i], log.steps)
		}
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after drain")
	}
}

func TestDrainRunsOnce(t *testing.T) {
	log := &orderLog{}
	c := NewCoordinator(time.Second)
	c.RegisterTree(&fakeTree{log: log, name: "t"})

	boom := errors.New("boom")
	c.OnClose("flaky", func(ctx context.Context) error { return boom })

	if err := c.Drain(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("first Drain = %v, want wrapped boom", err)
	}
	if err := c.Drain(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("second Drain = %v, want first run's error", err)
	}

	count := 0
	for _, s := range log.steps {
		if s == "cancel:t" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("tree cancelled %d times, want 1", count)
	}
}

func TestDrainFirstErrorWins(t *testing.T) {
	c := NewCoordinator(time.Second)
	first := errors.New("first")
	// Closers run in reverse order, so the later registration fails first
	// and its error is the one reported.
	c.OnClose("a", func(ctx context.Context) error { return errors.New("second") })
	c.OnClose("b", func(ctx context.Context) error { return first })

	if err := c.Drain(context.Background()); !errors.Is(err, first) {
		t.Fatalf("Drain = %v, want first-encountered error", err)
	}
}

func TestWaitDrainsOnSignal(t *testing.T) {
	log := &orderLog{}
	c := NewCoordinator(time.Second)
	c.RegisterTree(&fakeTree{log: log, name: "t"})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Wait() }()

	// Give Wait a moment to install its signal handler, then interrupt
	// ourselves.
	time.Sleep(50 * time.Millisecond)
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after SIGTERM")
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after signal-driven drain")
	}
}

func TestDrainRealTreeAndRunner(t *testing.T) {
	tree, err := cntree.New(cntree.Config{Fanout: 4})
	if err != nil {
		t.Fatal(err)
	}
	k := cntree.NewKvset(1, 1, []cntree.Record{{Key: []byte("a"), Seq: 1, Value: []byte("v")}}, nil)
	if err := tree.Ingest(k, nil, 0); err != nil {
		t.Fatal(err)
	}
	runner := sts.New(1, nil)

	c := NewCoordinator(time.Second)
	c.RegisterTree(tree)
	c.RegisterRunner(runner)

	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if !tree.CancelRequested() {
		t.Error("drain did not assert tree cancellation")
	}
	if !runner.Cancelled() {
		t.Error("drain did not shut the runner down")
	}
	if got := k.RefCount(); got != 0 {
		t.Errorf("kvset refcount after drain = %d, want 0", got)
	}
}
