// Package supervisor owns tenant instances: one bridge process and one worker
// process per (user, project) pair, sharing a workspace.
//
// # Resolve
//
// Resolve returns a healthy instance for a tenant, in one of three ways:
//
//   - reuse: an entry exists and its worker answers a health check; its
//     last-activity time is touched and it is returned as is
//   - replace: an entry exists but is unhealthy; it is stopped completely,
//     then a fresh pair is started under the same key
//   - start: ensure the workspace, allocate a port pair, create the data and
//     log directories, start the bridge and wait for it, then start the worker
//     pointed at the bridge and wait for it, then register the instance
//
// A failed start kills whatever it had already launched before the error is
// returned, and is retried with a fresh port pair up to Config.StartAttempts.
//
// # Locking
//
// Resolve and Stop hold a per-tenant-key lock, so concurrent first requests
// for one tenant spawn exactly one pair while different tenants start in
// parallel. A start is not cancelled by the caller's context; it runs to
// success or failure.
//
// # Stop
//
// The worker gets SIGTERM and 5s before SIGKILL, then the bridge gets SIGTERM
// and 2s. The table entry is removed no matter what, and OnStop listeners run
// so the RPC pool and terminal sessions can let go of the instance.
package supervisor
