// Package rpc talks to instance workers over gRPC.
//
// # Surfaces
//
// A worker exposes four services under the sandbox.v1 package. Each one is
// bound to a connection by a concrete type implementing the closed Surface
// interface:
//
//   - TaskService: NewTask, ShowTaskWithId, CancelTask
//   - FileService: SearchFiles
//   - StateService: SubscribeToState (server stream)
//   - ModelsService: UpdateApiConfiguration
//
// Messages are protobuf well-known types (structpb.Struct, wrapperspb and
// emptypb), so no generated stubs are needed on either side.
//
// # Client and Pool
//
// Client wraps the four surfaces for one address and maps every failure
// through apperr.FromRPC, so callers only ever see *apperr.ClientError.
//
// Pool keeps at most one Client per address. Concurrent Get calls for an
// address that is not yet pooled share one dial through singleflight; a
// failed dial leaves nothing behind and returns an error matching
// apperr.ErrClientConnection.
package rpc
