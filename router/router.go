package router

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tekton/hermes/bus"
	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/metrics"
	"github.com/tekton/hermes/retry"
	"github.com/tekton/hermes/state"
	"github.com/tekton/hermes/telemetry"
	"github.com/tekton/hermes/worker"
)

// EndpointResolver maps a component id to the address SendRequest calls.
type EndpointResolver interface {
	ResolveEndpoint(componentID string) (string, error)
}

// ResolverFunc adapts a function to EndpointResolver.
type ResolverFunc func(componentID string) (string, error)

func (f ResolverFunc) ResolveEndpoint(componentID string) (string, error) { return f(componentID) }

// Config configures a Router.
type Config struct {
	// Workers drain subscriber queues.
	// Default: 16
	Workers int

	// QueueSize bounds each subscriber's queue and the worker backlog.
	// Default: 1024
	QueueSize int

	// DeliveryTimeout bounds each delivery attempt.
	// Default: 5 seconds
	DeliveryTimeout time.Duration

	// RequestTimeout bounds SendRequest when the caller sets no deadline.
	// Default: 10 seconds
	RequestTimeout time.Duration

	// DeadLetterCapacity bounds the dead-letter log.
	// Default: 10000
	DeadLetterCapacity int

	// Retry governs redelivery. Default: retry.DefaultPolicy().
	Retry retry.Policy

	// Deliverer reaches remote subscribers. Default: an empty Mux.
	Deliverer Deliverer

	Resolver EndpointResolver
	Store    state.Store
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Tracer   *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            16,
		QueueSize:          1024,
		DeliveryTimeout:    5 * time.Second,
		RequestTimeout:     10 * time.Second,
		DeadLetterCapacity: 10000,
		Retry:              retry.DefaultPolicy(),
	}
}

// Router routes published messages to subscribers and direct requests to
// components.
type Router struct {
	queueSize       int
	deliveryTimeout time.Duration
	requestTimeout  time.Duration
	policy          retry.Policy
	deliverer       Deliverer
	resolver        EndpointResolver
	store           state.Store
	logger          *logging.Logger
	metrics         *metrics.Metrics
	tracer          *telemetry.Tracer

	pool   *worker.Pool[*subscriber]
	topics sync.Map // pattern -> *topic
	live   sync.Map // message id -> *tracker
	dlq    *deadLetterLog
	closed atomic.Bool

	persistMu sync.Map // component id -> *sync.Mutex
}

// topic holds the subscribers of one pattern.
type topic struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber // by component id
	purged bool
}

// New creates a router. Call Start before publishing.
func New(cfg Config) *Router {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = def.DeadLetterCapacity
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = def.Retry
	}
	if cfg.Deliverer == nil {
		cfg.Deliverer = NewMux()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	r := &Router{
		queueSize:       cfg.QueueSize,
		deliveryTimeout: cfg.DeliveryTimeout,
		requestTimeout:  cfg.RequestTimeout,
		policy:          cfg.Retry,
		deliverer:       cfg.Deliverer,
		resolver:        cfg.Resolver,
		store:           cfg.Store,
		logger:          logging.OrNop(cfg.Logger).WithComponent("router"),
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		dlq:             newDeadLetterLog(cfg.DeadLetterCapacity),
	}
	var opts []worker.Option[*subscriber]
	if cfg.Metrics != nil {
		opts = append(opts, worker.WithMetrics[*subscriber](cfg.Metrics.Registerer(), "router_delivery"))
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, r.drain, opts...)
	return r
}

// Start launches the delivery workers.
func (r *Router) Start(ctx context.Context) error {
	return r.pool.Start(ctx)
}

// Stop rejects new publishes, cancels pending retries and waits up to
// timeout for in-flight attempts.
func (r *Router) Stop(timeout time.Duration) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.eachSubscriber(func(_ *topic, s *subscriber) bool {
		s.stopTimer()
		return true
	})
	return r.pool.Stop(timeout)
}

// Publish enqueues msg for every matching subscription and returns its id.
// Only enqueueing can fail; delivery outcomes are reported through
// MessageStatus, DeadLetters and TopicDeliveryFailed.
func (r *Router) Publish(ctx context.Context, topicName string, payload []byte, headers map[string]string) (string, error) {
	if r.closed.Load() {
		return "", errors.New(errors.ErrCodeClosed, "router closed")
	}
	if err := bus.ValidatePublishSubject(topicName); err != nil {
		return "", errors.InvalidInput(fmt.Sprintf("invalid topic %q", topicName))
	}

	id := uuid.NewString()
	ctx, span := r.tracer.StartPublishSpan(ctx, topicName, id)
	defer span.End()

	h := make(map[string]string, len(headers)+2)
	maps.Copy(h, headers)
	telemetry.Inject(ctx, h)

	msg := &Message{ID: id, Topic: topicName, Payload: payload, Headers: h, SentAt: time.Now()}
	r.metrics.Published()

	subs := r.match(topicName)
	if len(subs) == 0 {
		return id, nil
	}

	tr := newTracker(msg, func() { r.live.Delete(id) })
	for _, s := range subs {
		tr.add(s.key(), s.id, s.pattern)
	}
	r.live.Store(id, tr)

	for _, s := range subs {
		r.enqueue(s, &delivery{msg: msg, tracker: tr, backoff: r.policy.NewBackOff()})
	}
	return id, nil
}

// match returns the subscribers of every pattern matching topicName, in a
// stable order.
func (r *Router) match(topicName string) []*subscriber {
	var out []*subscriber
	r.topics.Range(func(k, v any) bool {
		if !bus.MatchSubject(k.(string), topicName) {
			return true
		}
		t := v.(*topic)
		t.mu.RLock()
		for _, s := range t.subs {
			out = append(out, s)
		}
		t.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Subscribe registers componentID for topics matching pattern, delivered
// to address. It reports whether a new subscription was created; a repeat
// only refreshes the address.
func (r *Router) Subscribe(ctx context.Context, componentID, pattern, address string) (bool, error) {
	if err := r.checkSubscription(componentID, pattern); err != nil {
		return false, err
	}
	if mux, ok := r.deliverer.(*Mux); ok && !mux.Supports(address) {
		return false, errors.InvalidInput(fmt.Sprintf("unsupported delivery address %q", address),
			errors.WithComponentID(componentID))
	}

	created := r.addSubscriber(componentID, pattern, address, nil)
	if err := r.persist(ctx, componentID); err != nil {
		r.logger.Warn("persist_subscriptions_failed", map[string]interface{}{"component_id": componentID, "error": err})
	}
	return created, nil
}

// SubscribeLocal registers an in-process handler under name. Local
// subscribers share the queues, retries and dead-letter path of remote
// ones, and are not persisted.
func (r *Router) SubscribeLocal(name, pattern string, h Handler) (bool, error) {
	if h == nil {
		return false, errors.InvalidInput("nil handler")
	}
	if err := r.checkSubscription(name, pattern); err != nil {
		return false, err
	}
	return r.addSubscriber(name, pattern, "local://"+name, h), nil
}

func (r *Router) checkSubscription(componentID, pattern string) error {
	if r.closed.Load() {
		return errors.New(errors.ErrCodeClosed, "router closed")
	}
	if componentID == "" {
		return errors.InvalidInput("component id is required")
	}
	if err := bus.ValidateSubject(pattern); err != nil {
		return errors.InvalidInput(fmt.Sprintf("invalid topic pattern %q", pattern),
			errors.WithComponentID(componentID))
	}
	return nil
}

func (r *Router) addSubscriber(componentID, pattern, address string, h Handler) bool {
	for {
		v, _ := r.topics.LoadOrStore(pattern, &topic{subs: make(map[string]*subscriber)})
		t := v.(*topic)
		t.mu.Lock()
		if t.purged {
			t.mu.Unlock()
			continue
		}
		if s, ok := t.subs[componentID]; ok {
			s.setAddress(address, h)
			t.mu.Unlock()
			return false
		}
		t.subs[componentID] = newSubscriber(componentID, pattern, address, h)
		t.mu.Unlock()
		r.metrics.SubscriptionsChanged(1)
		r.logger.Debug("subscribed", map[string]interface{}{"component_id": componentID, "topic": pattern})
		return true
	}
}

// Unsubscribe removes one subscription and drops its pending deliveries.
// It reports whether the subscription existed.
func (r *Router) Unsubscribe(ctx context.Context, componentID, pattern string) (bool, error) {
	if componentID == "" {
		return false, errors.InvalidInput("component id is required")
	}
	v, ok := r.topics.Load(pattern)
	if !ok {
		return false, nil
	}
	s := r.removeFrom(pattern, v.(*topic), componentID)
	if s == nil {
		return false, nil
	}
	if !s.local() {
		if err := r.persist(ctx, componentID); err != nil {
			r.logger.Warn("persist_subscriptions_failed", map[string]interface{}{"component_id": componentID, "error": err})
		}
	}
	return true, nil
}

// RemoveComponent drops every subscription of componentID and cancels
// its scheduled retries. It returns the number of subscriptions removed.
func (r *Router) RemoveComponent(ctx context.Context, componentID string) int {
	n := 0
	r.topics.Range(func(k, v any) bool {
		if r.removeFrom(k.(string), v.(*topic), componentID) != nil {
			n++
		}
		return true
	})
	if r.store != nil {
		if err := r.store.Delete(ctx, subscriptionKey(componentID)); err != nil {
			r.logger.Warn("unpersist_subscriptions_failed", map[string]interface{}{"component_id": componentID, "error": err})
		}
	}
	if n > 0 {
		r.logger.Info("component_subscriptions_removed", map[string]interface{}{"component_id": componentID, "count": n})
	}
	return n
}

func (r *Router) removeFrom(pattern string, t *topic, componentID string) *subscriber {
	t.mu.Lock()
	s, ok := t.subs[componentID]
	if ok {
		delete(t.subs, componentID)
	}
	if len(t.subs) == 0 && !t.purged {
		t.purged = true
		r.topics.CompareAndDelete(pattern, t)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	s.close()
	r.metrics.SubscriptionsChanged(-1)
	return s
}

// Subscriptions lists subscriptions, optionally only those of one
// component, sorted by component and topic.
func (r *Router) Subscriptions(componentID string) []Subscription {
	var out []Subscription
	r.eachSubscriber(func(_ *topic, s *subscriber) bool {
		if componentID == "" || s.id == componentID {
			out = append(out, s.info())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComponentID != out[j].ComponentID {
			return out[i].ComponentID < out[j].ComponentID
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

func (r *Router) eachSubscriber(fn func(*topic, *subscriber) bool) {
	r.topics.Range(func(_, v any) bool {
		t := v.(*topic)
		t.mu.RLock()
		subs := make([]*subscriber, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.RUnlock()
		for _, s := range subs {
			if !fn(t, s) {
				return false
			}
		}
		return true
	})
}

// MessageStatus returns per-subscriber delivery state for a message that
// still has deliveries outstanding. Finished messages are forgotten.
func (r *Router) MessageStatus(messageID string) (MessageStatus, error) {
	v, ok := r.live.Load(messageID)
	if !ok {
		return MessageStatus{}, errors.NotFound(fmt.Sprintf("message %q is not in flight", messageID),
			errors.WithMessageID(messageID))
	}
	return v.(*tracker).status(), nil
}

// DeadLetters returns up to limit dead letters, newest last, optionally
// only those of one subscriber. limit <= 0 means all.
func (r *Router) DeadLetters(subscriber string, limit int) []DeadLetter {
	return r.dlq.list(subscriber, limit)
}

// PoolStats exposes the delivery worker pool counters.
func (r *Router) PoolStats() worker.PoolStats {
	return r.pool.Stats()
}

func (r *Router) deadLetter(s *subscriber, d *delivery, cause error) {
	dl := DeadLetter{
		Message:      *d.msg,
		Subscriber:   s.id,
		Subscription: s.pattern,
		Attempts:     d.attempt,
		Error:        cause.Error(),
		At:           time.Now(),
	}
	r.dlq.add(dl)
	d.tracker.update(s.key(), StateDeadLettered, d.attempt, cause)
	r.metrics.DeadLettered()
	r.logger.DeadLettered(d.msg.ID, d.msg.Topic, s.id, d.attempt, cause)

	if d.msg.Topic == TopicDeliveryFailed {
		return
	}
	failure := errors.DeliveryFailed(d.msg.ID, s.id, d.attempt, cause)
	ev := DeliveryFailedEvent{
		MessageID:    d.msg.ID,
		Topic:        d.msg.Topic,
		Subscriber:   s.id,
		Subscription: s.pattern,
		Attempts:     d.attempt,
		Error:        failure.Error(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := r.Publish(context.Background(), TopicDeliveryFailed, data,
		map[string]string{"message_id": d.msg.ID}); err != nil {
		r.logger.Debug("delivery_failed_event_dropped", map[string]interface{}{"message_id": d.msg.ID, "error": err})
	}
}
