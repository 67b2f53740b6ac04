package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tekton/hermes/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default", func(*Policy) {}, false},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }, true},
		{"zero base", func(p *Policy) { p.BaseDelay = 0 }, true},
		{"max below base", func(p *Policy) { p.MaxDelay = p.BaseDelay / 2 }, true},
		{"shrinking multiplier", func(p *Policy) { p.Multiplier = 0.5 }, true},
		{"jitter too big", func(p *Policy) { p.Jitter = 1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy_NewBackOffDoubles(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	b := p.NewBackOff()

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Errorf("after MaxAttempts-1 delays expected Stop, got %v", got)
	}
}

func TestPolicy_NewBackOffCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond, Multiplier: 2}
	b := p.NewBackOff()
	var last time.Duration
	for i := 0; i < 5; i++ {
		last = b.NextBackOff()
	}
	if last != 250*time.Millisecond {
		t.Errorf("expected delay capped at 250ms, got %v", last)
	}
}

func TestPolicy_JitterStaysInBounds(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.25}
	for i := 0; i < 50; i++ {
		d := p.NewBackOff().NextBackOff()
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%%", d)
		}
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return stderrors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	sentinel := stderrors.New("down")
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return sentinel
	})
	if !stderrors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"marked", NonRetryable(stderrors.New("bad request"))},
		{"unauthorized", errors.Unauthorized("bad token")},
		{"not found", errors.ComponentNotFound("svc-a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if !stderrors.Is(err, tt.err) {
				t.Errorf("expected original error, got %v", err)
			}
		})
	}
}

func TestDo_RetriesTransientCodedErrors(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return errors.Timeout("slow")
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 100, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 1}
	err := Do(ctx, p, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return stderrors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if calls > 3 {
		t.Errorf("retry continued after cancel: %d calls", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", stderrors.New("once")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}
