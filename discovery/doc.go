// Package discovery answers lookups of registered components.
//
// The Index is a read model of the registry: it is never written to
// directly, only fed the lifecycle events the registry publishes
// (tekton.registration.* and tekton.health.*). Attach subscribes it to a
// router. Every event carries the full record and its revision, so events
// that arrive late or twice are ignored, and removed ids keep a tombstone
// for a while so a delayed heartbeat event cannot bring them back.
//
// Readers work on an immutable snapshot and never block writers:
//
//	ix, _ := discovery.New(discovery.Config{})
//	ix.Attach(rt)
//	for _, rec := range ix.FindByCapability("memory") {
//		// READY before DEGRADED, freshest heartbeat first
//	}
//
// Search runs free-text queries (bleve query string syntax) over names,
// types, capabilities and metadata.
package discovery
