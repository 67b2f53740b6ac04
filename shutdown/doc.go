// Package shutdown runs the service's stop sequence in phases.
//
// Handlers register under a phase; phases run in ascending order and the
// handlers of one phase run concurrently. Hermes uses:
//
//	PhaseAPI      stop accepting API calls and close WebSocket sessions
//	PhaseIngress  stop consuming heartbeats from the bus
//	PhaseSweep    stop the heartbeat sweep
//	PhaseRouter   reject publishes, cancel retries, drain in-flight deliveries
//	PhaseStorage  close the bus connection and the state store
//
// A single deadline covers the whole sequence. Handlers get the shared
// context and should return when it is done; a phase that starts after the
// deadline is skipped and reported.
//
//	c := shutdown.NewCoordinator(shutdown.Config{Logger: log})
//	c.Register("router", shutdown.PhaseRouter, func(ctx context.Context) error {
//		return rt.Stop(shutdown.Remaining(ctx, 5*time.Second))
//	})
//	c.HandleSignals()
//	<-c.Done()
package shutdown
