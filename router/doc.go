// Package router implements topic publish/subscribe and direct
// request/response between registered components.
//
// # Delivery
//
// Publish enqueues one delivery per matching subscription and returns the
// message id. Each subscription owns a FIFO queue with at most one
// delivery in flight, so a subscriber sees messages on a subscription in
// publish order. Queues are drained by a bounded worker pool.
//
// A failed attempt is retried after an exponential, jittered delay taken
// from the configured retry.Policy. The retry is armed on a timer; no
// goroutine waits for it. When the policy is exhausted, or the error is
// not retryable, the delivery is dead-lettered and a
// tekton.system.delivery_failed event is published once.
//
// # Subscriptions
//
// Subscription topics are NATS-style patterns: "*" matches one token and
// ">" matches the rest. Subscribing twice with the same component and
// pattern has no further effect. Remote subscribers are reached through a
// Deliverer chosen by the address scheme (bus://, http://, ws://, ...);
// in-process subscribers register a Handler with SubscribeLocal.
//
// # Requests
//
// SendRequest resolves the target's endpoint and performs a single call
// bounded by the request timeout. It is never retried.
package router
