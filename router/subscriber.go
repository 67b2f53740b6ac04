package router

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/retry"
	"github.com/tekton/hermes/telemetry"
	"github.com/tekton/hermes/worker"
)

// requeueDelay is how long a subscriber waits when the worker backlog is
// full.
const requeueDelay = 10 * time.Millisecond

// subscriber is one subscription with its FIFO queue. busy is set while a
// worker or a retry timer owns the queue head, which keeps at most one
// delivery in flight.
type subscriber struct {
	id      string
	pattern string
	created time.Time

	mu      sync.Mutex
	address string
	handler Handler
	queue   []*delivery
	busy    bool
	timer   *time.Timer
	closed  bool
}

type delivery struct {
	msg     *Message
	tracker *tracker
	attempt int
	backoff backoff.BackOff
}

func newSubscriber(id, pattern, address string, h Handler) *subscriber {
	return &subscriber{id: id, pattern: pattern, address: address, handler: h, created: time.Now()}
}

func (s *subscriber) key() string {
	return s.id + " " + s.pattern
}

func (s *subscriber) local() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

func (s *subscriber) setAddress(address string, h Handler) {
	s.mu.Lock()
	s.address = address
	s.handler = h
	s.mu.Unlock()
}

func (s *subscriber) info() Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Subscription{
		ComponentID: s.id,
		Topic:       s.pattern,
		Address:     s.address,
		Local:       s.handler != nil,
		CreatedAt:   s.created,
	}
}

func (s *subscriber) stopTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// close cancels the pending retry and forgets every queued delivery.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, d := range queued {
		d.tracker.forget(s.key())
	}
}

// enqueue appends d to s's queue, dead-lettering it if the queue is full.
// Local subscribers are not bounded: they are Hermes' own read models and
// must see every event.
func (r *Router) enqueue(s *subscriber, d *delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		d.tracker.forget(s.key())
		return
	}
	if s.handler == nil && len(s.queue) >= r.queueSize {
		s.mu.Unlock()
		r.deadLetter(s, d, errors.New(errors.ErrCodeQueueFull, "subscriber queue full",
			errors.WithComponentID(s.id), errors.WithMessageID(d.msg.ID)))
		return
	}
	s.queue = append(s.queue, d)
	start := !s.busy
	s.busy = true
	s.mu.Unlock()

	if start {
		r.schedule(s)
	}
}

// schedule hands s to the worker pool. A full backlog is retried after
// requeueDelay; a stopped pool leaves the queue idle.
func (r *Router) schedule(s *subscriber) {
	err := r.pool.Submit(s)
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || r.closed.Load() || !stderrors.Is(err, worker.ErrQueueFull) {
		s.busy = false
		return
	}
	s.timer = time.AfterFunc(requeueDelay, func() { r.schedule(s) })
}

// drain delivers the head of s's queue. It runs on a pool worker.
func (r *Router) drain(ctx context.Context, s *subscriber) error {
	s.mu.Lock()
	s.timer = nil
	if s.closed || len(s.queue) == 0 {
		s.busy = false
		s.mu.Unlock()
		return nil
	}
	d := s.queue[0]
	address, handler := s.address, s.handler
	s.mu.Unlock()

	d.attempt++
	err := r.attempt(ctx, s, d, address, handler)

	s.mu.Lock()
	if s.closed {
		s.busy = false
		s.mu.Unlock()
		return nil
	}

	var dead error
	if err == nil {
		s.queue = s.queue[1:]
		d.tracker.update(s.key(), StateDelivered, d.attempt, nil)
	} else {
		delay := backoff.Stop
		if !retry.IsNonRetryable(err) {
			delay = d.backoff.NextBackOff()
		}
		if delay == backoff.Stop {
			s.queue = s.queue[1:]
			dead = err
		} else {
			d.tracker.update(s.key(), StateFailedRetrying, d.attempt, err)
			s.timer = time.AfterFunc(delay, func() { r.schedule(s) })
			s.mu.Unlock()

			r.metrics.RetryScheduled()
			r.logger.DeliveryRetry(d.msg.ID, s.id, d.attempt, delay, err)
			return err
		}
	}
	more := len(s.queue) > 0
	if !more {
		s.busy = false
	}
	s.mu.Unlock()

	if dead != nil {
		r.deadLetter(s, d, dead)
	}
	if more {
		r.schedule(s)
	}
	return nil
}

// attempt makes one delivery attempt under the delivery timeout.
func (r *Router) attempt(ctx context.Context, s *subscriber, d *delivery, address string, h Handler) (err error) {
	ctx = telemetry.Extract(ctx, d.msg.Headers)
	ctx, span := r.tracer.StartDeliverySpan(ctx, d.msg.Topic, d.msg.ID, s.id, d.attempt)
	ctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer func() {
		cancel()
		telemetry.EndSpan(span, err)
		if err != nil {
			r.metrics.DeliveryAttempt("failed")
		} else {
			r.metrics.DeliveryAttempt("delivered")
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.RecoverPanic(rec)
		}
	}()

	dv := &Delivery{Message: *d.msg, Subscriber: s.id, Subscription: s.pattern, Attempt: d.attempt}
	if h != nil {
		return h(ctx, dv)
	}
	return r.deliverer.Deliver(ctx, address, dv)
}
