// Package hub composes the registry, heartbeat monitor, discovery index
// and message router into the Hermes service, and exposes every operation
// clients call, authorized by component tokens.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tekton/hermes/bus"
	"github.com/tekton/hermes/config"
	"github.com/tekton/hermes/discovery"
	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/heartbeat"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/metrics"
	"github.com/tekton/hermes/ratelimit"
	"github.com/tekton/hermes/registry"
	"github.com/tekton/hermes/retry"
	"github.com/tekton/hermes/router"
	"github.com/tekton/hermes/shutdown"
	"github.com/tekton/hermes/state"
	"github.com/tekton/hermes/telemetry"
)

// Topic prefixes only Hermes itself publishes on.
var reservedPrefixes = []string{"tekton.registration.", "tekton.health.", "tekton.system."}

// Options supplies process-wide collaborators. Store and Bus, when set,
// replace the configured backends and are not closed by the hub.
type Options struct {
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Tracer     *telemetry.Tracer
	Store      state.Store
	Bus        bus.MessageBus
	HTTPClient *http.Client

	// Now overrides the clock of the registry and the monitor, for tests.
	Now func() time.Time
}

// Hub is the running Hermes service core.
type Hub struct {
	cfg     config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	store     state.Store
	bus       bus.MessageBus
	ownsStore bool
	ownsBus   bool

	registry *registry.Registry
	router   *router.Router
	monitor  *heartbeat.Monitor
	listener *heartbeat.Listener
	index    *discovery.Index
	mux      *router.Mux
	limiter  *ratelimit.MemoryLimiter

	started atomic.Bool
}

// New builds a hub from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts Options) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Hub{
		cfg:     cfg,
		logger:  logging.OrNop(opts.Logger).WithComponent("hub"),
		metrics: opts.Metrics,
		store:   opts.Store,
		bus:     opts.Bus,
	}

	if h.bus == nil {
		b, err := openBus(cfg.Bus)
		if err != nil {
			return nil, err
		}
		h.bus, h.ownsBus = b, true
	}
	if h.store == nil {
		s, err := openStore(ctx, cfg.Store, h.bus)
		if err != nil {
			h.closeOwned()
			return nil, err
		}
		h.store, h.ownsStore = s, true
	}

	h.mux = router.NewMux()
	h.mux.Handle("bus", router.NewBusDeliverer(h.bus))
	httpDeliverer := router.NewHTTPDeliverer(opts.HTTPClient)
	h.mux.Handle("http", httpDeliverer)
	h.mux.Handle("https", httpDeliverer)

	h.router = router.New(router.Config{
		Workers:            cfg.Router.Workers,
		QueueSize:          cfg.Router.QueueSize,
		DeliveryTimeout:    cfg.Router.DeliveryTimeout,
		RequestTimeout:     cfg.Router.RequestTimeout,
		DeadLetterCapacity: cfg.Router.DeadLetterCapacity,
		Retry:              RetryPolicy(cfg.Retry),
		Deliverer:          h.mux,
		Resolver:           router.ResolverFunc(h.resolve),
		Store:              h.store,
		Logger:             opts.Logger,
		Metrics:            opts.Metrics,
		Tracer:             opts.Tracer,
	})

	h.registry = registry.New(registry.Config{
		Store:          h.store,
		Publisher:      h.router,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		AuditRetention: cfg.Registry.AuditRetention,
		Now:            opts.Now,
	})
	h.limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{
		Capacity: cfg.Router.RateLimit,
		Window:   cfg.Router.RateWindow,
		Now:      opts.Now,
	})
	h.registry.OnRemoved(func(rec registry.ComponentRecord) {
		h.router.RemoveComponent(context.Background(), rec.ID)
		h.limiter.Forget(rec.ID)
	})

	var err error
	h.monitor, err = heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Registry:         h.registry,
		Interval:         cfg.Heartbeat.Interval,
		MissedThreshold:  cfg.Heartbeat.MissedThreshold,
		UnhealthyTimeout: cfg.Heartbeat.UnhealthyTimeout,
		SweepInterval:    cfg.Heartbeat.SweepInterval,
		Thresholds: heartbeat.Thresholds{
			MaxCPU:       cfg.Heartbeat.MaxCPU,
			MaxMemory:    cfg.Heartbeat.MaxMemory,
			MaxErrorRate: cfg.Heartbeat.MaxErrorRate,
		},
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Now:     opts.Now,
	})
	if err != nil {
		h.closeOwned()
		return nil, err
	}

	if cfg.Heartbeat.BusIngress {
		lc := heartbeat.ListenerConfig{Bus: h.bus, Monitor: h.monitor, Logger: opts.Logger}
		if opts.Metrics != nil {
			lc.Registerer = opts.Metrics.Registerer()
		}
		if h.listener, err = heartbeat.NewListener(lc); err != nil {
			h.closeOwned()
			return nil, err
		}
	}

	h.index, err = discovery.New(discovery.Config{Logger: opts.Logger, Source: h.registry, Now: opts.Now})
	if err != nil {
		h.closeOwned()
		return nil, err
	}
	return h, nil
}

// RetryPolicy converts the retry section of the configuration.
func RetryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
	}
}

func openBus(c config.BusConfig) (bus.MessageBus, error) {
	switch c.Backend {
	case "nats":
		nc := bus.DefaultNATSConfig()
		nc.URL = c.URL
		if c.Name != "" {
			nc.Name = c.Name
		}
		nc.Token, nc.User, nc.Password = c.Token, c.User, c.Password
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
}

func openStore(ctx context.Context, c config.StoreConfig, b bus.MessageBus) (state.Store, error) {
	switch c.Backend {
	case "sqlite":
		s, err := state.NewSQLiteStore(state.SQLiteConfig{Path: c.Path})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "nats":
		nb, ok := b.(*bus.NATSBus)
		if !ok {
			return nil, fmt.Errorf("hub: nats store requires a nats bus")
		}
		sc := state.DefaultNATSStoreConfig()
		sc.Conn = nb.Conn()
		if c.Bucket != "" {
			sc.Bucket = c.Bucket
		}
		if c.Replicas > 0 {
			sc.Replicas = c.Replicas
		}
		s, err := state.NewNATSStore(ctx, sc)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return state.NewMemoryStore(), nil
	}
}

// Start restores persisted state and starts delivery, heartbeat ingress
// and the sweep.
func (h *Hub) Start(ctx context.Context) error {
	if h.started.Swap(true) {
		return errors.New(errors.ErrCodeConflict, "hub already started")
	}
	if err := h.router.Start(ctx); err != nil {
		return err
	}
	if err := h.index.Attach(h.router); err != nil {
		return err
	}

	components, err := h.registry.Restore(ctx)
	if err != nil {
		return err
	}
	subscriptions, err := h.router.Restore(ctx, func(id string) bool {
		rec, err := h.registry.Get(id)
		return err == nil && rec.Status.Live()
	})
	if err != nil {
		return err
	}

	if err := h.monitor.Start(ctx); err != nil {
		return err
	}
	if h.listener != nil {
		if err := h.listener.Start(ctx); err != nil {
			h.monitor.Stop()
			return err
		}
	}
	h.logger.Info("hub_started", map[string]interface{}{
		"components":    components,
		"subscriptions": subscriptions,
		"bus":           h.cfg.Bus.Backend,
		"store":         h.cfg.Store.Backend,
		"bus_ingress":   h.listener != nil,
	})
	return nil
}

// RegisterShutdown adds the hub's stop steps to c.
func (h *Hub) RegisterShutdown(c *shutdown.Coordinator) {
	const fallback = 5 * time.Second
	if h.listener != nil {
		c.Register("heartbeat_listener", shutdown.PhaseIngress, func(ctx context.Context) error {
			err := h.listener.Stop(shutdown.Remaining(ctx, fallback))
			if err == heartbeat.ErrNotStarted {
				return nil
			}
			return err
		})
	}
	c.Register("heartbeat_sweep", shutdown.PhaseSweep, func(context.Context) error {
		if err := h.monitor.Stop(); err != nil && err != heartbeat.ErrNotStarted {
			return err
		}
		return nil
	})
	c.Register("router", shutdown.PhaseRouter, func(ctx context.Context) error {
		h.registry.Close()
		return h.router.Stop(shutdown.Remaining(ctx, fallback))
	})
	c.Register("storage", shutdown.PhaseStorage, func(context.Context) error {
		h.limiter.Close()
		h.index.Close()
		return h.closeOwned()
	})
}

// Stop runs the hub's stop sequence on its own.
func (h *Hub) Stop(ctx context.Context) error {
	c := shutdown.NewCoordinator(shutdown.Config{Logger: h.logger})
	h.RegisterShutdown(c)
	return c.Shutdown(ctx)
}

func (h *Hub) closeOwned() error {
	var first error
	if h.ownsBus && h.bus != nil {
		if err := h.bus.Close(); err != nil {
			first = err
		}
	}
	if h.ownsStore && h.store != nil {
		if err := h.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// resolve maps a component id to its endpoint for SendRequest.
func (h *Hub) resolve(id string) (string, error) {
	rec, err := h.registry.Get(id)
	if err != nil {
		return "", err
	}
	if rec.Status == registry.StatusUnregistered {
		return "", errors.ComponentNotFound(id)
	}
	if rec.Endpoint == "" {
		return "", errors.InvalidInput(fmt.Sprintf("component %q has no endpoint", id), errors.WithComponentID(id))
	}
	return rec.Endpoint, nil
}

func reserved(topic string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Accessors expose the parts for the API layer and tests.
func (h *Hub) Registry() *registry.Registry      { return h.registry }
func (h *Hub) Router() *router.Router            { return h.router }
func (h *Hub) Monitor() *heartbeat.Monitor       { return h.monitor }
func (h *Hub) Discovery() *discovery.Index       { return h.index }
func (h *Hub) Deliverers() *router.Mux           { return h.mux }
func (h *Hub) Limiter() *ratelimit.MemoryLimiter { return h.limiter }
func (h *Hub) Bus() bus.MessageBus               { return h.bus }
func (h *Hub) Config() config.Config             { return h.cfg }
func (h *Hub) Metrics() *metrics.Metrics         { return h.metrics }
