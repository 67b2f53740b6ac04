package shutdown

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestShutdown_PhaseOrder(t *testing.T) {
	c := NewCoordinator(Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	c.Register("storage", PhaseStorage, record("storage"))
	c.Register("api", PhaseAPI, record("api"))
	c.Register("router", PhaseRouter, record("router"))
	c.Register("sweep", PhaseSweep, record("sweep"))
	c.Register("listener", PhaseIngress, record("listener"))

	if err := c.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"api", "listener", "sweep", "router", "storage"}
	if !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if r := c.Result(); r == nil || len(r.Handlers) != 5 || len(r.Failed()) != 0 {
		t.Errorf("result = %+v", r)
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	c := NewCoordinator(Config{})
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}
	c.Register("a", PhaseRouter, barrier)
	c.Register("b", PhaseRouter, barrier)

	errc := make(chan error, 1)
	go func() { errc <- c.ShutdownWithTimeout(time.Second) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handlers of one phase did not run concurrently")
	}
}

func TestShutdown_HandlerFailure(t *testing.T) {
	tests := []struct {
		name        string
		stopOnError bool
		wantLater   bool
	}{
		{"continue", false, true},
		{"stop", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(Config{StopOnError: tt.stopOnError})
			later := false
			c.Register("router", PhaseRouter, func(context.Context) error { return errors.New("drain failed") })
			c.Register("storage", PhaseStorage, func(context.Context) error { later = true; return nil })

			err := c.ShutdownWithTimeout(time.Second)
			if !errors.Is(err, ErrHandlerFailed) {
				t.Fatalf("err = %v, want ErrHandlerFailed", err)
			}
			if later != tt.wantLater {
				t.Errorf("later phase ran = %v, want %v", later, tt.wantLater)
			}
			failed := c.Result().Failed()
			if !slices.Contains(failed, "router") {
				t.Errorf("Failed() = %v", failed)
			}
		})
	}
}

func TestShutdown_DeadlineSkipsLaterPhases(t *testing.T) {
	c := NewCoordinator(Config{})
	c.Register("slow", PhaseAPI, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	ran := false
	c.Register("storage", PhaseStorage, func(context.Context) error { ran = true; return nil })

	err := c.ShutdownWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if ran {
		t.Error("phase after the deadline ran")
	}
	r := c.Result()
	if len(r.Handlers) != 2 || !r.Handlers[1].Skipped {
		t.Errorf("handlers = %+v", r.Handlers)
	}
}

func TestShutdown_Once(t *testing.T) {
	c := NewCoordinator(Config{})
	calls := 0
	c.Register("x", PhaseAPI, func(context.Context) error { calls++; return nil })

	if err := c.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.ShutdownWithTimeout(time.Second); err != ErrAlreadyShutdown {
		t.Errorf("second Shutdown = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
}

func TestTrigger(t *testing.T) {
	c := NewCoordinator(Config{Timeout: time.Second})
	c.Register("x", PhaseAPI, func(context.Context) error { return nil })
	c.HandleSignals()
	c.Trigger()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not triggered")
	}
	if c.Result().Err != nil {
		t.Errorf("Err = %v", c.Result().Err)
	}
}

func TestRemaining(t *testing.T) {
	if got := Remaining(context.Background(), time.Second); got != time.Second {
		t.Errorf("no deadline: %v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if got := Remaining(ctx, time.Second); got <= 50*time.Second {
		t.Errorf("with deadline: %v", got)
	}
	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()
	if got := Remaining(expired, time.Second); got != 0 {
		t.Errorf("expired: %v", got)
	}
}
