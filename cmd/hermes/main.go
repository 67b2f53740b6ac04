// Command hermes runs the Hermes component registry and message router.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tekton/hermes/api"
	"github.com/tekton/hermes/config"
	"github.com/tekton/hermes/hub"
	"github.com/tekton/hermes/logging"
	"github.com/tekton/hermes/metrics"
	"github.com/tekton/hermes/shutdown"
	"github.com/tekton/hermes/telemetry"
)

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", os.Getenv("HERMES_CONFIG"), "Path to TOML configuration")
		addr       = flag.String("addr", "", "Listen address (overrides api.addr)")
		showVer    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("hermes", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hermes: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}

	logger := logging.NewWithConfig(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.Format(cfg.Logging.Format),
	})
	if err := run(cfg, logger); err != nil {
		logger.Error("hermes_failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: cfg.API.ShutdownTimeout + 20*time.Second, Logger: logger})

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		tracer = provider.Tracer()
		coord.Register("telemetry", shutdown.PhaseStorage, provider.Shutdown)
	}

	h, err := hub.New(ctx, cfg, hub.Options{Logger: logger, Metrics: m, Tracer: tracer})
	if err != nil {
		return err
	}
	h.RegisterShutdown(coord)
	if err := h.Start(ctx); err != nil {
		coord.Shutdown(ctx)
		return err
	}

	srv := api.New(api.Config{
		Addr:            cfg.API.Addr,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		Hub:             h,
		Logger:          logger,
	})
	srv.RegisterShutdown(coord)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	coord.HandleSignals()
	logger.Info("hermes_started", map[string]interface{}{
		"version": version,
		"addr":    cfg.API.Addr,
		"bus":     cfg.Bus.Backend,
		"store":   cfg.Store.Backend,
	})

	select {
	case err = <-serveErr:
		coord.Trigger()
		<-coord.Done()
	case <-coord.Done():
	}

	if res := coord.Result(); res != nil && res.Err != nil && err == nil {
		err = res.Err
	}
	return err
}
