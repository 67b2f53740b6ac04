package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewPool_Defaults(t *testing.T) {
	noop := func(context.Context, int) error { return nil }

	pool := NewPool(5, 100, noop)
	if pool.workers != 5 || pool.queueSize != 100 {
		t.Errorf("got workers=%d queue=%d", pool.workers, pool.queueSize)
	}

	pool = NewPool(0, 0, noop)
	if pool.workers != 10 || pool.queueSize != 1000 {
		t.Errorf("defaults not applied: workers=%d queue=%d", pool.workers, pool.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil processor")
		}
	}()
	NewPool[int](1, 1, nil)
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })

	if err := pool.Submit(1); err != ErrPoolNotStarted {
		t.Errorf("Submit before Start = %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != ErrPoolAlreadyStarted {
		t.Errorf("second Start = %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := pool.Submit(1); err != ErrPoolStopped {
		t.Errorf("Submit after Stop = %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestPool_ProcessesAll(t *testing.T) {
	var sum int64
	var wg sync.WaitGroup
	pool := NewPool(4, 100, func(_ context.Context, n int) error {
		defer wg.Done()
		atomic.AddInt64(&sum, int64(n))
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	for i := 1; i <= 50; i++ {
		wg.Add(1)
		if err := pool.Submit(i); err != nil {
			t.Fatalf("Submit(%d) = %v", i, err)
		}
	}
	wg.Wait()

	if got := atomic.LoadInt64(&sum); got != 1275 {
		t.Errorf("sum = %d, want 1275", got)
	}
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(1, 1, func(context.Context, int) error {
		started <- struct{}{}
		<-release
		return nil
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		close(release)
		pool.Stop(time.Second)
	}()

	if err := pool.Submit(1); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := pool.Submit(2); err != nil {
		t.Fatalf("queue slot should be free: %v", err)
	}
	if err := pool.Submit(3); err != ErrQueueFull {
		t.Errorf("Submit on full queue = %v", err)
	}
	if pool.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d", pool.Stats().Dropped)
	}
}

func TestPool_ErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var got []error
	done := make(chan struct{}, 2)

	pool := NewPool(1, 10, func(_ context.Context, n int) error {
		if n == 1 {
			return stderrors.New("failed")
		}
		panic("boom")
	}, WithErrorHandler(func(_ int, err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
		done <- struct{}{}
	}))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	_ = pool.Submit(1)
	_ = pool.Submit(2)
	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(got))
	}
	if pool.Stats().Failed != 2 {
		t.Errorf("Failed = %d", pool.Stats().Failed)
	}
}

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	done := make(chan struct{})
	pool := NewPool(1, 10, func(context.Context, int) error {
		close(done)
		return nil
	}, WithMetrics[int](reg, "test_pool"))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop(time.Second)

	_ = pool.Submit(1)
	<-done

	if got := testutil.ToFloat64(pool.metrics.submitted); got != 1 {
		t.Errorf("submitted = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "test_pool_submitted_total"); err != nil || n != 1 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}
