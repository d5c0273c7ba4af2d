// Package ports hands out free loopback TCP ports for instance subprocesses.
//
// Allocation is best-effort: a port is free at the instant it is returned,
// but another process may bind it before the subprocess does. Callers treat
// a later bind failure as a transient startup error and retry with a new pair.
package ports
