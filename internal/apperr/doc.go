// Package apperr defines the error taxonomy shared by the orchestration core.
//
// Every failure that leaves a core component is one of:
//
//   - *InstanceError with KindNotFound (no instance for a tenant key) or
//     KindNotReady (a health wait exceeded its timeout)
//   - *ClientError (an RPC failed; carries the gRPC status code and the
//     instance address). Dial failures are ClientErrors that also match
//     ErrClientConnection.
//   - *ValidationError (bad input, path traversal, size limits)
//
// Callers branch with errors.Is against the sentinels or errors.As against
// the concrete types. HTTPStatus and Code translate any of them for the HTTP
// layer that sits outside this module.
package apperr
