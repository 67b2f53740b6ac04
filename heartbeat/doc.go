// Package heartbeat tracks component liveness.
//
// # Overview
//
// Components report a status snapshot at a fixed interval. The Monitor
// applies each report to the component's registry record and derives its
// health state from configured thresholds. A single sweep goroutine
// catches components that went silent:
//
//	missed N intervals   -> UNHEALTHY
//	silent past timeout  -> UNREGISTERED (expired)
//
// Unregistered records are purged by the same sweep once their audit
// retention has passed.
//
// # Transports
//
// Heartbeats reach the Monitor either through the API layer, which calls
// Monitor.Heartbeat directly, or over the message bus:
//
//	┌─────────────┐  tekton.heartbeat.<id>   ┌──────────┐     ┌─────────┐
//	│   Sender    │ ───── request ─────────> │ Listener │ ──> │ Monitor │
//	│ (component) │ <──── ack / error ────── │ (hermes) │     └─────────┘
//	└─────────────┘                          └──────────┘
//
// The Listener consumes tekton.heartbeat.> in a queue group, so several
// Hermes instances sharing a bus split the load.
//
// # Usage
//
// Component side:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:         msgBus,
//	    ComponentID: "svc-a",
//	    Token:       token,
//	    Interval:    10 * time.Second,
//	})
//	sender.SetMetrics(registry.HealthMetrics{CPU: 0.4, Memory: 0.6})
//	sender.Start(ctx)
package heartbeat
