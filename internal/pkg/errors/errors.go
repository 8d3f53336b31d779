// Package errors defines the error taxonomy shared by every handler and
// background worker in the ingest/dispatch tier.
package errors

import "net/http"

// Kind classifies an Error for the purposes of HTTP status mapping and
// logging. Unauthorized, BadRequest, PendingRegistration and Internal are
// the public kinds a caller can receive in a response body. TransformError
// and HealthFailure never reach a client directly: they describe failures
// inside background work (batch transforms, module health probes) and are
// only ever logged.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindBadRequest          Kind = "bad_request"
	KindPendingRegistration Kind = "pending_registration"
	KindInternal            Kind = "internal"

	// Internal-only kinds. Never written to an HTTP response.
	KindTransformError Kind = "transform_error"
	KindHealthFailure  Kind = "health_failure"
)

// Error is the error type every component in this repository returns for
// anything that should be classified rather than wrapped opaquely.
type Error struct {
	Kind    Kind
	Message string
	// ServerID is set on PendingRegistration errors so the ingest/handshake
	// handlers can echo it back in the response body.
	ServerID string
	err      error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Message + ": " + e.err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// Wrap attaches an underlying cause without changing the Kind or Message
// exposed to the caller.
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, ServerID: e.ServerID, err: err}
}

func Unauthorized(message string) *Error {
	if message == "" {
		message = "unauthorized"
	}
	return &Error{Kind: KindUnauthorized, Message: message}
}

func BadRequest(message string) *Error {
	if message == "" {
		message = "bad request"
	}
	return &Error{Kind: KindBadRequest, Message: message}
}

// PendingRegistration is returned by the registration gate when a server
// record exists but has not completed the owner registration step.
func PendingRegistration(serverID string) *Error {
	return &Error{Kind: KindPendingRegistration, Message: "waiting_for_registration", ServerID: serverID}
}

func Internal(message string) *Error {
	if message == "" {
		message = "internal error"
	}
	return &Error{Kind: KindInternal, Message: message}
}

// TransformError wraps a failure inside a batch transform. Never surfaced
// to the originating HTTP request, since dispatch runs asynchronously.
func TransformError(message string) *Error {
	return &Error{Kind: KindTransformError, Message: message}
}

// HealthFailure wraps a module health probe failure. Logged by the health
// loop, never returned from an HTTP handler.
func HealthFailure(message string) *Error {
	return &Error{Kind: KindHealthFailure, Message: message}
}

// As converts err to *Error if possible.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// StatusCode maps a public Kind to the HTTP status the surface should send.
// Internal-only kinds fall back to 500, since they should never be handed
// to ResponseWriter in the first place.
func StatusCode(k Kind) int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindBadRequest:
		return http.StatusBadRequest
	case KindPendingRegistration:
		return http.StatusConflict
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
