// Package tasks is the task-level facade over instances and RPC clients.
//
// CreateTask resolves (starting if needed) the tenant's instance, pushes the
// model provider configuration, then starts the task. The remaining
// operations only work against an instance that is already running and fail
// with InstanceNotFound otherwise.
//
// The provider API key comes from the request when given, else from
// configuration; with neither the call fails with a ValidationError before
// anything is started.
package tasks
