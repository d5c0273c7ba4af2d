// Package workerstub is an in-process stand-in for the bridge and worker
// executables.
//
// It serves the gRPC health protocol plus the sandbox.v1 task, file, state and
// models services with simple in-memory behaviour: tasks are recorded and
// reported back, file search walks the working directory, state changes are
// fanned out to every SubscribeToState stream. In worker role the server stays
// NOT_SERVING until its bridge answers a health check.
//
// cmd/stub-worker wraps RunArgs, and tests re-exec their own binary into
// RunArgs to get real subprocesses without any external tooling.
package workerstub
