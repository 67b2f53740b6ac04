package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pollInterval is how often a blocked Acquire rechecks its bucket.
const pollInterval = 10 * time.Millisecond

// bucket implements a token bucket rate limiter.
type bucket struct {
	capacity   int           // maximum tokens
	available  int           // current tokens
	window     time.Duration // refill window
	lastRefill time.Time     // last refill time
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	// rate = capacity / window
	tokensToAdd := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if tokensToAdd > 0 {
		b.available = min(b.available+tokensToAdd, b.capacity)
		b.lastRefill = now
	}
}

// Config sets the limit every key starts with.
type Config struct {
	// Capacity is the number of tokens per window. Zero disables the
	// default limit; keys without an override are then never limited.
	Capacity int

	// Window is the refill period.
	// Default: 1 second
	Window time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// MemoryLimiter keeps one token bucket per key, created on first use.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	overrides map[string]Config
	def       Config
	closed    bool
	nowFunc   func() time.Time
}

// NewMemoryLimiter creates a limiter applying cfg to every key.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		buckets:   make(map[string]*bucket),
		overrides: make(map[string]Config),
		def:       cfg,
		nowFunc:   now,
	}
}

// Enabled reports whether any key can be limited.
func (m *MemoryLimiter) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.def.Capacity > 0 || len(m.overrides) > 0
}

// bucketFor returns key's bucket, creating it full. It returns nil for
// unlimited keys. The caller holds m.mu.
func (m *MemoryLimiter) bucketFor(key string) *bucket {
	if b, ok := m.buckets[key]; ok {
		return b
	}
	cfg, ok := m.overrides[key]
	if !ok {
		cfg = m.def
	}
	if cfg.Capacity <= 0 {
		return nil
	}
	b := &bucket{capacity: cfg.Capacity, available: cfg.Capacity, window: cfg.Window, lastRefill: m.nowFunc()}
	m.buckets[key] = b
	return b
}

// SetCapacity overrides the limit for key.
func (m *MemoryLimiter) SetCapacity(key string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if window <= 0 {
		window = m.def.Window
	}

	if capacity <= 0 {
		delete(m.overrides, key)
		delete(m.buckets, key)
		return
	}
	m.overrides[key] = Config{Capacity: capacity, Window: window}
	if b, exists := m.buckets[key]; exists {
		b.capacity = capacity
		b.window = window
		b.available = min(b.available, capacity)
	}
}

// GetCapacity returns the current bucket state for key.
func (m *MemoryLimiter) GetCapacity(key string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[key]
	if !exists {
		return nil
	}
	b.refill(m.nowFunc())

	return &Capacity{
		Key:       key,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
	}
}

// TryAcquire attempts to take a token without blocking. Unlimited keys
// always succeed.
func (m *MemoryLimiter) TryAcquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	b := m.bucketFor(key)
	if b == nil {
		return true
	}
	b.refill(m.nowFunc())

	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// Acquire blocks until a token is available for key.
func (m *MemoryLimiter) Acquire(ctx context.Context, key string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if m.TryAcquire(key) {
			return nil
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Forget drops key's bucket; its override, if any, stays.
func (m *MemoryLimiter) Forget(key string) {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.buckets = nil
	return nil
}

// Ensure MemoryLimiter implements RateLimiter.
var _ RateLimiter = (*MemoryLimiter)(nil)
