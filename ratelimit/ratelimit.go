package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// RateLimiter limits how often each key, typically a component id, may
// act.
type RateLimiter interface {
	// Acquire blocks until a token is available for key.
	// Returns the context error if ctx ends first.
	Acquire(ctx context.Context, key string) error

	// TryAcquire takes a token without blocking and reports whether one
	// was available.
	TryAcquire(key string) bool

	// SetCapacity overrides the limit for one key. capacity <= 0 removes
	// the override.
	SetCapacity(key string, capacity int, window time.Duration)

	// GetCapacity returns the bucket state for key, or nil if the key
	// has no bucket yet.
	GetCapacity(key string) *Capacity

	// Forget drops the bucket for key.
	Forget(key string)

	// Close shuts down the limiter.
	Close() error
}

// Capacity describes one bucket.
type Capacity struct {
	Key string

	// Available is the current number of tokens.
	Available int

	// Total is the maximum capacity (tokens per window).
	Total int

	// Window is the refill period.
	Window time.Duration
}
