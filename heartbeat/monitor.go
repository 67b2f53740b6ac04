package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/metrics"
	"github.com/tekton/hermes/registry"
)

// Registry is the part of the registration manager the monitor drives.
type Registry interface {
	List(filter *registry.Filter) []registry.ComponentRecord
	Mutate(ctx context.Context, id string, fn func(rec *registry.ComponentRecord) (string, error)) (registry.ComponentRecord, error)
	Expire(ctx context.Context, id string, cond func(registry.ComponentRecord) bool) (bool, error)
	Purge(now time.Time) int
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	Registry Registry

	// Interval is the heartbeat interval components are expected to keep.
	// Default: 10 seconds
	Interval time.Duration

	// MissedThreshold is how many intervals may pass without a heartbeat
	// before a component is UNHEALTHY.
	// Default: 3
	MissedThreshold int

	// UnhealthyTimeout is the silence after which a component is expired.
	// Must exceed MissedThreshold*Interval.
	// Default: 5 x Interval
	UnhealthyTimeout time.Duration

	// SweepInterval is how often the sweep runs.
	// Default: Interval / 2
	SweepInterval time.Duration

	Thresholds Thresholds

	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         10 * time.Second,
		MissedThreshold:  3,
		UnhealthyTimeout: 50 * time.Second,
		SweepInterval:    5 * time.Second,
		Thresholds:       DefaultThresholds(),
	}
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Registry == nil {
		return ErrInvalidConfig
	}
	if c.Interval > 0 && c.MissedThreshold > 0 && c.UnhealthyTimeout > 0 &&
		c.UnhealthyTimeout <= time.Duration(c.MissedThreshold)*c.Interval {
		return fmt.Errorf("%w: unhealthy timeout must exceed the missed-heartbeat window", ErrInvalidConfig)
	}
	return nil
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Unhealthy int `json:"unhealthy"`
	Expired   int `json:"expired"`
	Purged    int `json:"purged"`
}

// Monitor applies heartbeats to registry records and sweeps for silent
// components.
type Monitor struct {
	reg        Registry
	interval   time.Duration
	missed     time.Duration
	timeout    time.Duration
	sweepEvery time.Duration
	thresholds Thresholds
	logger     *logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor. Zero durations take their defaults.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MissedThreshold <= 0 {
		cfg.MissedThreshold = def.MissedThreshold
	}
	if cfg.UnhealthyTimeout <= 0 {
		cfg.UnhealthyTimeout = 5 * cfg.Interval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Interval / 2
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Monitor{
		reg:        cfg.Registry,
		interval:   cfg.Interval,
		missed:     time.Duration(cfg.MissedThreshold) * cfg.Interval,
		timeout:    cfg.UnhealthyTimeout,
		sweepEvery: cfg.SweepInterval,
		thresholds: cfg.Thresholds,
		logger:     logging.OrNop(cfg.Logger).WithComponent("heartbeat"),
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

// Interval returns the heartbeat interval components should keep.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Heartbeat records a status report. It fails with NOT_FOUND for unknown
// or unregistered ids and UNAUTHORIZED for a bad token. An accepted
// heartbeat always leaves the component READY or DEGRADED.
func (m *Monitor) Heartbeat(ctx context.Context, id, token string, snap Snapshot) (Ack, error) {
	now := m.now()
	rec, err := m.reg.Mutate(ctx, id, func(rec *registry.ComponentRecord) (string, error) {
		if !rec.TokenMatches(token) {
			return "", errors.Unauthorized("invalid token", errors.WithComponentID(id))
		}
		if now.After(rec.LastHeartbeatAt) {
			rec.LastHeartbeatAt = now
		}
		rec.Metrics = snap.HealthMetrics
		status, reason := m.thresholds.Evaluate(snap)
		if status == registry.StatusReady && rec.Status != registry.StatusReady {
			reason = "heartbeat passed thresholds"
		}
		rec.Status = status
		return reason, nil
	})
	if err != nil {
		m.metrics.Heartbeat(resultLabel(err))
		return Ack{}, err
	}

	m.metrics.Heartbeat("accepted")
	return Ack{
		ComponentID: id,
		Status:      rec.Status,
		ReceivedAt:  now,
		IntervalMS:  m.interval.Milliseconds(),
	}, nil
}

// Sweep runs one pass over every record: silent components become
// UNHEALTHY, long-silent ones are expired, and stale audit records are
// purged.
func (m *Monitor) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	now := m.now()
	var res SweepResult

	for _, rec := range m.reg.List(nil) {
		if rec.Status == registry.StatusUnregistered {
			continue
		}
		res.Scanned++
		silence := now.Sub(rec.LastHeartbeatAt)

		if rec.Status != registry.StatusUnhealthy && silence > m.missed {
			if m.markUnhealthy(ctx, rec.ID, now) {
				res.Unhealthy++
			}
		}
		if silence > m.timeout {
			ok, err := m.reg.Expire(ctx, rec.ID, func(cur registry.ComponentRecord) bool {
				return cur.Status == registry.StatusUnhealthy && now.Sub(cur.LastHeartbeatAt) > m.timeout
			})
			if err != nil && !errors.IsNotFound(err) {
				m.logger.Warn("expire_failed", map[string]interface{}{"component_id": rec.ID, "error": err})
			}
			if ok {
				res.Expired++
			}
		}
	}
	res.Purged = m.reg.Purge(now)

	m.logger.SweepCompleted(res.Scanned, res.Unhealthy, res.Expired, res.Purged, time.Since(start))
	return res
}

// markUnhealthy rechecks silence under the record lock, since a heartbeat
// may have landed after the listing.
func (m *Monitor) markUnhealthy(ctx context.Context, id string, now time.Time) bool {
	changed := false
	_, err := m.reg.Mutate(ctx, id, func(rec *registry.ComponentRecord) (string, error) {
		silence := now.Sub(rec.LastHeartbeatAt)
		if rec.Status == registry.StatusUnhealthy || silence <= m.missed {
			return "", registry.ErrNoChange
		}
		rec.Status = registry.StatusUnhealthy
		changed = true
		return fmt.Sprintf("no heartbeat for %s", silence.Round(time.Millisecond)), nil
	})
	if err != nil && !errors.IsNotFound(err) {
		m.logger.Warn("mark_unhealthy_failed", map[string]interface{}{"component_id": id, "error": err})
		return false
	}
	return changed && err == nil
}

// Start runs the sweep every SweepInterval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx)
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Stop stops the sweep and waits for a running pass to finish.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}

func resultLabel(err error) string {
	switch errors.Code(err) {
	case errors.ErrCodeNotFound:
		return "not_found"
	case errors.ErrCodeUnauthorized:
		return "unauthorized"
	default:
		return "error"
	}
}
