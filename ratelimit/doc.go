// Package ratelimit limits how often each component may publish or send
// requests.
//
// The MemoryLimiter keeps a token bucket per key, created full the first
// time the key is seen:
//
//	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Capacity: 100, Window: time.Second})
//	if !limiter.TryAcquire(componentID) {
//	    return errRateLimited
//	}
//
// SetCapacity overrides the limit for one key; Forget drops a key's
// bucket when its component goes away.
//
// # Algorithm
//
// Tokens are added at capacity/window per unit of time, up to capacity.
// Each TryAcquire consumes one token; Acquire waits for one.
package ratelimit
