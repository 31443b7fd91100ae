// Package syncerr defines the error taxonomy shared by the sync packages.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by sync operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, syncerr.ErrConflict) {
//	    // Reload, merge on the caller side, save again
//	}
var (
	// ErrNotFound is returned when a document or row is absent on the server.
	// Callers with a defined "absent" behavior see nil data instead.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when a conditional write was made
	// against a stale freshness token.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConflict is returned when a conditional write failed again after
	// the single refresh-and-retry cycle.
	ErrConflict = errors.New("write conflict")

	// ErrTransport is returned for network failures, unexpected statuses
	// and undecodable response bodies.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is returned when a server payload is well-formed on the
	// wire but violates the sync protocol (unparseable event, cursor moving
	// backwards).
	ErrProtocol = errors.New("protocol error")

	// ErrBadRequest is returned when the server (or a local pre-check)
	// rejects caller-supplied arguments.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized is returned when the proxy rejects the credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is a non-2xx HTTP response mapped onto the taxonomy.
type StatusError struct {
	// Status is the HTTP status code.
	Status int
	// Message is the server-provided error message, if any.
	Message string
	// Kind is one of the sentinel errors above.
	Kind error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: status %d: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%v: status %d", e.Kind, e.Status)
}

// Unwrap returns the sentinel kind so errors.Is works on StatusError.
func (e *StatusError) Unwrap() error {
	return e.Kind
}

// FromStatus maps an HTTP status code onto the taxonomy.
// Returns nil for 2xx statuses.
func FromStatus(status int, message string) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var kind error
	switch status {
	case http.StatusNotFound, http.StatusGone:
		kind = ErrNotFound
	case http.StatusPreconditionFailed:
		kind = ErrPreconditionFailed
	case http.StatusConflict:
		kind = ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrUnauthorized
	default:
		kind = ErrTransport
	}

	return &StatusError{Status: status, Message: message, Kind: kind}
}

// Transport wraps a low-level failure as ErrTransport.
func Transport(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Protocol wraps a payload violation as ErrProtocol.
func Protocol(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// BadRequest wraps a rejected argument as ErrBadRequest.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// IsRetryable returns true if the error is likely to succeed on retry.
// Only transient transport failures qualify; protocol and argument errors
// will fail the same way again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrTransport)
}

// IsNotFound returns true if the error reports an absent document or row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal returns true if retrying without caller intervention is pointless.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	// Bad arguments stay bad
	if errors.Is(err, ErrBadRequest) {
		return true
	}

	// Credentials need to be refreshed by the auth layer
	if errors.Is(err, ErrUnauthorized) {
		return true
	}

	return false
}
