package heartbeat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tekton/hermes/bus"
	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/worker"
)

// ListenerQueue is the queue group Hermes instances share on the
// heartbeat subjects.
const ListenerQueue = "hermes-heartbeat"

// ListenerConfig configures bus heartbeat ingress.
type ListenerConfig struct {
	Bus     bus.MessageBus
	Monitor *Monitor

	// Workers and QueueSize size the processing pool.
	// Defaults: 4 workers, 256 queued heartbeats.
	Workers   int
	QueueSize int

	Logger *logging.Logger

	// Registerer, when set, receives the pool's metrics.
	Registerer prometheus.Registerer
}

// Validate checks the configuration.
func (c *ListenerConfig) Validate() error {
	if c.Bus == nil || c.Monitor == nil {
		return ErrInvalidConfig
	}
	return nil
}

// Listener receives heartbeats sent over the bus and answers each request
// with a Reply.
type Listener struct {
	bus     bus.MessageBus
	monitor *Monitor
	logger  *logging.Logger
	pool    *worker.Pool[*bus.Message]

	mu   sync.Mutex
	sub  bus.Subscription
	done chan struct{}
}

// NewListener creates a listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}

	l := &Listener{
		bus:     cfg.Bus,
		monitor: cfg.Monitor,
		logger:  logging.OrNop(cfg.Logger).WithComponent("heartbeat_listener"),
	}
	opts := []worker.Option[*bus.Message]{
		worker.WithErrorHandler(func(msg *bus.Message, err error) {
			l.logger.Warn("heartbeat_rejected", map[string]interface{}{"subject": msg.Subject, "error": err})
		}),
	}
	if cfg.Registerer != nil {
		opts = append(opts, worker.WithMetrics[*bus.Message](cfg.Registerer, "heartbeat"))
	}
	l.pool = worker.NewPool(workers, queue, l.process, opts...)
	return l, nil
}

// Start subscribes to tekton.heartbeat.> and begins processing.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return ErrAlreadyStarted
	}

	if err := l.pool.Start(ctx); err != nil {
		return err
	}
	sub, err := l.bus.QueueSubscribe(SubjectPrefix+">", ListenerQueue)
	if err != nil {
		l.pool.Stop(time.Second)
		return err
	}
	l.sub = sub
	l.done = make(chan struct{})
	go l.forward(sub, l.done)
	return nil
}

func (l *Listener) forward(sub bus.Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.Messages() {
		if err := l.pool.Submit(msg); err != nil {
			l.reply(msg, Reply{Error: errors.New(errors.ErrCodeQueueFull, "heartbeat queue full")})
		}
	}
}

// process handles one bus heartbeat.
func (l *Listener) process(ctx context.Context, msg *bus.Message) error {
	id := strings.TrimPrefix(msg.Subject, SubjectPrefix)
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		coded := errors.InvalidInput("malformed heartbeat: "+err.Error(), errors.WithComponentID(id))
		l.reply(msg, Reply{Error: coded})
		return coded
	}
	if hb.ComponentID == "" {
		hb.ComponentID = id
	}
	if hb.ComponentID != id {
		coded := errors.InvalidInput("component id does not match subject", errors.WithComponentID(id))
		l.reply(msg, Reply{Error: coded})
		return coded
	}

	ack, err := l.monitor.Heartbeat(ctx, hb.ComponentID, hb.Token, hb.Snapshot)
	if err != nil {
		coded := errors.As(err)
		if coded == nil {
			coded = errors.Wrap(err, "heartbeat")
		}
		l.reply(msg, Reply{Error: coded})
		return coded
	}
	l.reply(msg, Reply{Ack: &ack})
	return nil
}

func (l *Listener) reply(msg *bus.Message, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		l.logger.Error("encode_reply_failed", map[string]interface{}{"error": err})
		return
	}
	if err := l.bus.Respond(msg, data); err != nil {
		l.logger.Debug("reply_failed", map[string]interface{}{"subject": msg.Subject, "error": err})
	}
}

// Stop unsubscribes and drains queued heartbeats for up to timeout.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	sub, done := l.sub, l.done
	l.sub = nil
	l.mu.Unlock()
	if sub == nil {
		return ErrNotStarted
	}

	sub.Unsubscribe()
	<-done
	return l.pool.Stop(timeout)
}
