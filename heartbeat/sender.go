package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tekton/hermes/bus"
	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/registry"
	"github.com/tekton/hermes/retry"
)

// SenderConfig configures a component-side heartbeat sender.
type SenderConfig struct {
	Bus         bus.MessageBus
	ComponentID string
	Token       string

	// Interval between heartbeats.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout bounds each request to the listener.
	// Default: 2 seconds
	Timeout time.Duration

	// Retry governs resends of one heartbeat on transient failures.
	// Default: retry.DefaultPolicy capped to the interval
	Retry retry.Policy

	Logger *logging.Logger

	// OnError is called when a heartbeat is finally rejected or lost.
	OnError func(error)
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.ComponentID == "" || c.Token == "" {
		return ErrInvalidConfig
	}
	return registry.ValidateID(c.ComponentID)
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Retry:    retry.DefaultPolicy(),
	}
}

// Sender sends periodic heartbeats over the bus as requests and keeps the
// last acknowledgement.
type Sender struct {
	bus      bus.MessageBus
	id       string
	interval time.Duration
	timeout  time.Duration
	policy   retry.Policy
	logger   *logging.Logger
	onError  func(error)

	mu      sync.RWMutex
	token   string
	snap    Snapshot
	lastAck *Ack

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = def.Retry
		if cfg.Retry.MaxDelay > cfg.Interval {
			cfg.Retry.MaxDelay = cfg.Interval
		}
		if cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
			cfg.Retry.BaseDelay = cfg.Retry.MaxDelay
		}
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}

	return &Sender{
		bus:      cfg.Bus,
		id:       cfg.ComponentID,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		policy:   cfg.Retry,
		logger:   logging.OrNop(cfg.Logger).WithComponent("heartbeat_sender"),
		onError:  cfg.OnError,
		token:    cfg.Token,
	}, nil
}

// Start sends one heartbeat immediately and then one per interval.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Sender) beat(ctx context.Context) {
	if _, err := s.Send(ctx); err != nil {
		s.logger.Warn("heartbeat_failed", map[string]interface{}{"component_id": s.id, "error": err})
		if s.onError != nil {
			s.onError(err)
		}
	}
}

// Send delivers one heartbeat, retrying transient failures. Rejections
// (bad token, unknown component) are returned without retry.
func (s *Sender) Send(ctx context.Context) (Ack, error) {
	s.mu.RLock()
	msg := Message{ComponentID: s.id, Token: s.token, Snapshot: s.snap}
	s.mu.RUnlock()

	data, err := msg.Marshal()
	if err != nil {
		return Ack{}, err
	}

	ack, err := retry.DoWithResult(ctx, s.policy, func(ctx context.Context) (Ack, error) {
		return s.request(ctx, data)
	})
	if err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	s.lastAck = &ack
	s.mu.Unlock()
	return ack, nil
}

func (s *Sender) request(ctx context.Context, data []byte) (Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.bus.Request(ctx, &bus.Message{Subject: Subject(s.id), Data: data})
	if err != nil {
		return Ack{}, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "heartbeat request",
			errors.WithComponentID(s.id))
	}

	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return Ack{}, retry.NonRetryable(fmt.Errorf("decode heartbeat reply: %w", err))
	}
	if reply.Error != nil {
		return Ack{}, reply.Error
	}
	if reply.Ack == nil {
		return Ack{}, retry.NonRetryable(fmt.Errorf("empty heartbeat reply"))
	}
	return *reply.Ack, nil
}

// SetStatus updates the self-reported status, e.g. SelfDegraded.
func (s *Sender) SetStatus(status string) {
	s.mu.Lock()
	s.snap.Status = status
	s.mu.Unlock()
}

// SetMetrics updates the numbers reported with each heartbeat.
func (s *Sender) SetMetrics(m registry.HealthMetrics) {
	s.mu.Lock()
	s.snap.HealthMetrics = m
	s.mu.Unlock()
}

// SetToken replaces the token after re-registration.
func (s *Sender) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// LastAck returns the most recent acknowledgement, or nil.
func (s *Sender) LastAck() *Ack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastAck == nil {
		return nil
	}
	ack := *s.lastAck
	return &ack
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// ComponentID returns the sender's component id.
func (s *Sender) ComponentID() string {
	return s.id
}
