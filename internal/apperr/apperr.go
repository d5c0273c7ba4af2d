// ABOUTME: Typed errors for instances, RPC clients and input validation
// ABOUTME: Maps gRPC transport failures and error kinds to HTTP statuses and codes

package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInstanceNotFound matches any InstanceError of KindNotFound.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrInstanceNotReady matches any InstanceError of KindNotReady.
	ErrInstanceNotReady = errors.New("instance not ready")
	// ErrClientConnection matches ClientErrors produced by a failed dial.
	ErrClientConnection = errors.New("client connection failed")
	// ErrValidation matches any ValidationError.
	ErrValidation = errors.New("validation failed")
)

// InstanceKind says what went wrong with an instance.
type InstanceKind int

const (
	KindNotFound InstanceKind = iota
	KindNotReady
)

func (k InstanceKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

// InstanceError reports a missing or unready instance.
// Key is the tenant key, or the address when only that is known.
type InstanceError struct {
	Key     string
	Kind    InstanceKind
	Message string
	Err     error
}

// NotFound returns an InstanceError for a tenant key with no instance.
func NotFound(key string) *InstanceError {
	return &InstanceError{Key: key, Kind: KindNotFound, Message: "instance not found: " + key}
}

// NotReady returns an InstanceError for a process that never became healthy.
func NotReady(key, msg string) *InstanceError {
	if msg == "" {
		msg = "instance is not ready"
	}
	return &InstanceError{Key: key, Kind: KindNotReady, Message: msg}
}

func (e *InstanceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InstanceError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *InstanceError) Is(target error) bool {
	switch target {
	case ErrInstanceNotFound:
		return e.Kind == KindNotFound
	case ErrInstanceNotReady:
		return e.Kind == KindNotReady
	}
	return false
}

// ClientError is an RPC failure against one instance address.
type ClientError struct {
	Address string
	Code    codes.Code
	Message string
	Err     error

	connection bool
}

// Connection returns a ClientError for a failed connection attempt.
func Connection(address string, err error) *ClientError {
	return &ClientError{
		Address:    address,
		Code:       codes.Unavailable,
		Message:    "failed to connect to " + address,
		Err:        err,
		connection: true,
	}
}

func (e *ClientError) Error() string {
	if e.Err != nil && e.connection {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Err }

func (e *ClientError) Is(target error) bool {
	return target == ErrClientConnection && e.connection
}

// FromRPC converts an error returned by a gRPC call into a *ClientError.
// A nil error stays nil; an existing ClientError is returned unchanged.
func FromRPC(err error, address string) error {
	if err == nil {
		return nil
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce
	}
	st, _ := status.FromError(err)
	code := st.Code()
	if code == codes.OK {
		code = codes.Internal
	}
	msg := st.Message()
	if msg == "" {
		msg = "rpc error"
	}
	return &ClientError{
		Address: address,
		Code:    code,
		Message: fmt.Sprintf("rpc %s at %s: %s", code, address, msg),
		Err:     err,
	}
}

// ValidationError reports bad caller input.
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

// Invalid returns a ValidationError with a formatted message.
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// HTTPStatus maps err to the HTTP status the API layer should answer with.
func HTTPStatus(err error) int {
	var ie *InstanceError
	var ce *ClientError
	var ve *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ie):
		if ie.Kind == KindNotFound {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	case errors.As(err, &ce):
		if ce.connection {
			return http.StatusServiceUnavailable
		}
		return statusForCode(ce.Code)
	default:
		return http.StatusInternalServerError
	}
}

func statusForCode(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted, codes.AlreadyExists:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Canceled:
		return 499
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code for err.
func Code(err error) string {
	var ie *InstanceError
	var ce *ClientError
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "VALIDATION_ERROR"
	case errors.As(err, &ie):
		if ie.Kind == KindNotFound {
			return "INSTANCE_NOT_FOUND"
		}
		return "INSTANCE_NOT_READY"
	case errors.As(err, &ce):
		if ce.connection {
			return "CLIENT_CONNECTION_ERROR"
		}
		return codeName(ce.Code)
	default:
		return "INTERNAL_ERROR"
	}
}

func codeName(c codes.Code) string {
	switch c {
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case codes.Unavailable:
		return "SERVICE_UNAVAILABLE"
	case codes.DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case codes.Internal:
		return "INTERNAL_ERROR"
	case codes.Unimplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "UNKNOWN_ERROR"
	}
}
