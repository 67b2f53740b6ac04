// Package state persists registry state across restarts behind a small
// key-value contract.
//
// Backends:
//
//   - MemoryStore: process-local, for tests and ephemeral deployments.
//   - NATSStore: a JetStream KV bucket, shared by service replicas.
//   - SQLiteStore: a single-file database for standalone deployments.
//
// Keys are dot-separated tokens of [A-Za-z0-9_-=/]. Keys("components.*")
// lists every key under the "components." prefix.
//
//	store, _ := state.NewSQLiteStore(state.SQLiteConfig{Path: "hermes.db"})
//	_ = store.Put(ctx, "components.svc-a", record)
//	keys, _ := store.Keys(ctx, "components.*")
package state
