// Package server wires every sandboxd component together and serves the
// HTTP surface.
//
// # Components
//
// New builds, from one *config.Config:
//
//   - the workspace manager and health monitor
//   - the RPC client pool
//   - the instance supervisor, with the optional SQLite lifecycle ledger
//   - the events bus, terminal manager, relay and task facade
//   - the shutdown coordinator
//
// A stopped or replaced instance evicts its pooled client and closes its
// tenant's terminal sessions.
//
// # HTTP
//
//   - GET /health: liveness, always 200
//   - GET /health/ready: 200 with instance counts, 503 once shutdown began
//   - /ws: the relay's websocket endpoint
//
// # Shutdown
//
// Hooks are registered foundational first, so they run in this order:
// close the HTTP listener, disconnect relay subscribers, close terminals,
// stop the idle reaper, drop pooled clients, stop every instance, close the
// events bus, close the ledger.
package server
