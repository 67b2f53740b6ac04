package shutdown

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyShutdown is returned by Shutdown after the first call.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the deadline passed before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means at least one handler returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases of the Hermes stop sequence, lowest first.
const (
	PhaseAPI     = 10
	PhaseIngress = 20
	PhaseSweep   = 30
	PhaseRouter  = 40
	PhaseStorage = 50
)

// Func stops one part of the service.
type Func func(ctx context.Context) error

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error

	// Skipped is set when the deadline passed before the handler's phase.
	Skipped bool
}

// Result is the outcome of a shutdown.
type Result struct {
	Duration time.Duration
	Handlers []HandlerResult
	Err      error
}

// Failed lists the handlers that returned an error or were skipped.
func (r *Result) Failed() []string {
	var out []string
	for _, hr := range r.Handlers {
		if hr.Err != nil || hr.Skipped {
			out = append(out, hr.Name)
		}
	}
	return out
}

// Remaining returns the time left before ctx's deadline, or fallback when
// ctx has none.
func Remaining(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return 0
}
