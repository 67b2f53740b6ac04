// Package config loads the Hermes service configuration from TOML with
// environment overrides. The loaded value is treated as immutable.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// HERMES_HEARTBEAT_INTERVAL=5s.
const EnvPrefix = "HERMES"

// Config is the full service configuration.
type Config struct {
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Registry  RegistryConfig  `toml:"registry"`
	Retry     RetryConfig     `toml:"retry"`
	Router    RouterConfig    `toml:"router"`
	Store     StoreConfig     `toml:"store"`
	Bus       BusConfig       `toml:"bus"`
	API       APIConfig       `toml:"api"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type HeartbeatConfig struct {
	Interval         time.Duration `toml:"interval"`
	MissedThreshold  int           `toml:"missed_threshold"`
	UnhealthyTimeout time.Duration `toml:"unhealthy_timeout"`
	SweepInterval    time.Duration `toml:"sweep_interval"`

	// Degraded thresholds, as fractions in [0,1].
	MaxCPU       float64 `toml:"max_cpu"`
	MaxMemory    float64 `toml:"max_memory"`
	MaxErrorRate float64 `toml:"max_error_rate"`

	// BusIngress accepts heartbeats on tekton.heartbeat.<id> in addition
	// to the API.
	BusIngress bool `toml:"bus_ingress"`
}

type RegistryConfig struct {
	// AuditRetention keeps UNREGISTERED records readable before purge.
	AuditRetention time.Duration `toml:"audit_retention"`
}

type RetryConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	Multiplier  float64       `toml:"multiplier"`
	Jitter      float64       `toml:"jitter"`
}

type RouterConfig struct {
	Workers            int           `toml:"workers"`
	QueueSize          int           `toml:"queue_size"`
	DeliveryTimeout    time.Duration `toml:"delivery_timeout"`
	RequestTimeout     time.Duration `toml:"request_timeout"`
	DeadLetterCapacity int           `toml:"dead_letter_capacity"`

	// RateLimit caps publishes plus requests per component per
	// RateWindow. Zero disables the limit.
	RateLimit  int           `toml:"rate_limit"`
	RateWindow time.Duration `toml:"rate_window"`
}

type StoreConfig struct {
	// Backend is "memory", "sqlite" or "nats".
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	Bucket   string `toml:"bucket"`
	Replicas int    `toml:"replicas"`
}

type BusConfig struct {
	// Backend is "memory" or "nats".
	Backend  string `toml:"backend"`
	URL      string `toml:"url"`
	Name     string `toml:"name"`
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type APIConfig struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	ServiceName string  `toml:"service_name"`
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Default returns the built-in configuration.
func Default() Config {
	interval := 10 * time.Second
	return Config{
		Heartbeat: HeartbeatConfig{
			Interval:         interval,
			MissedThreshold:  3,
			UnhealthyTimeout: 5 * interval,
			SweepInterval:    interval / 2,
			MaxCPU:           0.90,
			MaxMemory:        0.90,
			MaxErrorRate:     0.05,
			BusIngress:       true,
		},
		Registry: RegistryConfig{AuditRetention: time.Minute},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Router: RouterConfig{
			Workers:            16,
			QueueSize:          1024,
			DeliveryTimeout:    5 * time.Second,
			RequestTimeout:     10 * time.Second,
			DeadLetterCapacity: 10000,
			RateLimit:          1000,
			RateWindow:         time.Second,
		},
		Store: StoreConfig{Backend: "memory", Path: "hermes.db", Bucket: "hermes-registry", Replicas: 1},
		Bus:   BusConfig{Backend: "memory", URL: "nats://127.0.0.1:4222", Name: "hermes"},
		API: APIConfig{
			Addr:            ":8101",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "hermes", Protocol: "grpc", SampleRatio: 1},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML content over the defaults without touching the
// environment.
func Parse(content string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects inconsistent values.
func (c Config) Validate() error {
	hb := c.Heartbeat
	if hb.Interval <= 0 {
		return fmt.Errorf("config: heartbeat.interval must be positive")
	}
	if hb.MissedThreshold < 1 {
		return fmt.Errorf("config: heartbeat.missed_threshold must be at least 1")
	}
	if hb.UnhealthyTimeout <= time.Duration(hb.MissedThreshold)*hb.Interval {
		return fmt.Errorf("config: heartbeat.unhealthy_timeout (%s) must exceed missed_threshold*interval (%s)",
			hb.UnhealthyTimeout, time.Duration(hb.MissedThreshold)*hb.Interval)
	}
	if hb.SweepInterval <= 0 {
		return fmt.Errorf("config: heartbeat.sweep_interval must be positive")
	}
	for name, v := range map[string]float64{"max_cpu": hb.MaxCPU, "max_memory": hb.MaxMemory, "max_error_rate": hb.MaxErrorRate} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("config: heartbeat.%s must be in (0,1]", name)
		}
	}
	if c.Registry.AuditRetention < 0 {
		return fmt.Errorf("config: registry.audit_retention must not be negative")
	}

	r := c.Retry
	if r.MaxAttempts < 1 || r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay || r.Multiplier < 1 || r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("config: invalid retry policy %+v", r)
	}

	rt := c.Router
	if rt.Workers < 1 || rt.QueueSize < 1 || rt.DeadLetterCapacity < 1 {
		return fmt.Errorf("config: router workers, queue_size and dead_letter_capacity must be positive")
	}
	if rt.DeliveryTimeout <= 0 || rt.RequestTimeout <= 0 {
		return fmt.Errorf("config: router timeouts must be positive")
	}
	if rt.RateLimit < 0 || (rt.RateLimit > 0 && rt.RateWindow <= 0) {
		return fmt.Errorf("config: router.rate_limit needs a positive rate_window")
	}

	switch c.Store.Backend {
	case "memory", "nats":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path required for sqlite")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case "memory":
	case "nats":
		if c.Bus.URL == "" {
			return fmt.Errorf("config: bus.url required for nats")
		}
	default:
		return fmt.Errorf("config: unknown bus.backend %q", c.Bus.Backend)
	}
	if c.Store.Backend == "nats" && c.Bus.Backend != "nats" {
		return fmt.Errorf("config: store.backend nats requires bus.backend nats")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return fmt.Errorf("config: telemetry.endpoint required when telemetry is enabled")
	}
	return nil
}

// ApplyEnv overlays variables named HERMES_<SECTION>_<KEY> on cfg. Keys
// are the toml tags, so HERMES_ROUTER_QUEUE_SIZE sets router.queue_size.
func ApplyEnv(cfg *Config) error {
	current := make(map[string]interface{})
	enc, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "toml", Result: &current})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := enc.Decode(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.MergeConfigMap(current); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	err = v.Unmarshal(cfg, viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
	}))
	if err != nil {
		return fmt.Errorf("config: %s environment: %w", EnvPrefix, err)
	}
	return nil
}
