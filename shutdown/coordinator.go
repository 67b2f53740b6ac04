package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/tekton/hermes/logging"
)

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds the whole sequence when started by a signal or by
	// ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// StopOnError aborts the remaining phases after a failing phase.
	StopOnError bool

	Logger *logging.Logger
}

type registration struct {
	name  string
	phase int
	fn    Func
}

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	timeout     time.Duration
	stopOnError bool
	logger      *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Coordinator{
		timeout:     cfg.Timeout,
		stopOnError: cfg.StopOnError,
		logger:      logging.OrNop(cfg.Logger).WithComponent("shutdown"),
		done:        make(chan struct{}),
		signals:     make(chan os.Signal, 1),
	}
}

// Register adds fn to phase. Registration after shutdown started has no
// effect.
func (c *Coordinator) Register(name string, phase int, fn Func) {
	c.mu.Lock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, fn: fn})
	c.mu.Unlock()
}

// Shutdown runs every phase under ctx. Only the first call does work;
// later calls return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.result = c.run(ctx)
		close(c.done)
	})
	if !ran {
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown with a deadline; zero uses the
// configured timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on the first SIGINT or SIGTERM.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-c.signals:
			signal.Stop(c.signals)
			c.logger.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			c.ShutdownWithTimeout(0)
		case <-c.done:
			signal.Stop(c.signals)
		}
	}()
}

// Trigger behaves like a received SIGTERM.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()
	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	res := &Result{}
	aborted := false
	for len(handlers) > 0 {
		n := 1
		for n < len(handlers) && handlers[n].phase == handlers[0].phase {
			n++
		}
		phase := handlers[:n]
		handlers = handlers[n:]

		if aborted || ctx.Err() != nil {
			if !aborted && res.Err == nil {
				res.Err = ErrTimeout
			}
			for _, h := range phase {
				res.Handlers = append(res.Handlers, HandlerResult{Name: h.name, Phase: h.phase, Skipped: true})
			}
			continue
		}

		results := c.runPhase(ctx, phase)
		res.Handlers = append(res.Handlers, results...)
		for _, hr := range results {
			if hr.Err != nil && res.Err == nil {
				res.Err = ErrHandlerFailed
			}
		}
		if res.Err != nil && c.stopOnError {
			aborted = true
		}
	}
	res.Duration = time.Since(start)

	fields := map[string]interface{}{"duration_ms": res.Duration.Milliseconds()}
	if res.Err != nil {
		fields["failed"] = res.Failed()
		c.logger.Error("shutdown_incomplete", fields)
	} else {
		c.logger.Info("shutdown_complete", fields)
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, phase []registration) []HandlerResult {
	results := make([]HandlerResult, len(phase))
	var wg sync.WaitGroup
	for i, h := range phase {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := h.fn(ctx)
			results[i] = HandlerResult{Name: h.name, Phase: h.phase, Duration: time.Since(start), Err: err}
			fields := map[string]interface{}{"handler": h.name, "phase": h.phase, "duration_ms": results[i].Duration.Milliseconds()}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown_handler_failed", fields)
			} else {
				c.logger.Debug("shutdown_handler_done", fields)
			}
		}()
	}
	wg.Wait()
	return results
}
