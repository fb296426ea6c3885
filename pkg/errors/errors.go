package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure. Kinds are wire-visible strings: they
// appear verbatim in the "error" field of blocked/error response envelopes.
type Kind string

const (
	KindAccessDenied    Kind = "access_denied"
	KindServerBusy      Kind = "server_busy"
	KindRequestTimeout  Kind = "request_timeout"
	KindPromptBlocked   Kind = "prompt_blocked"
	KindResponseBlocked Kind = "response_blocked"
	KindUpstreamError   Kind = "upstream_error"
	KindScannerError    Kind = "scanner_error"
	KindBadRequest      Kind = "bad_request"
	KindInternal        Kind = "internal_error"
)

// GatewayError is the error type surfaced across component boundaries.
type GatewayError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a GatewayError with the given kind and message.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap creates a GatewayError that wraps a cause.
func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind from an error chain, defaulting to internal_error.
func KindOf(err error) Kind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// HTTPStatus maps an error kind to the HTTP status of its response envelope.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAccessDenied:
		return http.StatusForbidden
	case KindServerBusy:
		return http.StatusServiceUnavailable
	case KindRequestTimeout:
		return http.StatusGatewayTimeout
	case KindPromptBlocked, KindResponseBlocked, KindBadRequest:
		return http.StatusBadRequest
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindScannerError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
