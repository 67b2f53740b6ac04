// Package registry is the registration manager: it owns ComponentRecords,
// issues and rotates component tokens, and serialises every mutation of a
// record behind a per-component lock.
//
// # Lifecycle
//
//	REGISTERED -> READY <-> DEGRADED -> UNHEALTHY -> UNREGISTERED
//
// Register creates or replaces a record and returns a fresh token. The
// heartbeat monitor drives the health states through Mutate and Expire.
// Unregister and Expire leave an UNREGISTERED audit record that Purge
// removes once the configured retention has passed.
//
// # Events
//
// Every committed change is announced through the configured Publisher,
// while the record lock is held, so events for one component leave the
// registry in commit order:
//
//	tekton.registration.completed  register or restore
//	tekton.registration.removed    unregister or expiry
//	tekton.health.ready            status became READY
//	tekton.health.degraded         status became DEGRADED
//	tekton.health.unhealthy        status became UNHEALTHY
//	tekton.health.heartbeat        heartbeat accepted, status unchanged
//
// Event payloads are JSON Event values. Records in events never carry
// the token.
//
// # Persistence
//
// With a state.Store configured, registrations are written under
// "components.<id>" and removed on unregister. Restore reloads them after
// a restart.
package registry
