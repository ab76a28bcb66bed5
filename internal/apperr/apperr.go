// Package apperr defines the failure taxonomy shared by the transcription
// pipeline, the live relay and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can apply the matching recovery.
type Kind string

const (
	KindAuth            Kind = "auth_failure"
	KindUpstreamConnect Kind = "upstream_connect_failure"
	KindProtocol        Kind = "protocol_failure"
	KindTranscode       Kind = "transcode_failure"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation_failure"
	KindTimeout         Kind = "timeout"
	KindInternal        Kind = "internal"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.NotFound) works for any wrapped NotFound failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	Auth            = &Error{Kind: KindAuth}
	UpstreamConnect = &Error{Kind: KindUpstreamConnect}
	Protocol        = &Error{Kind: KindProtocol}
	Transcode       = &Error{Kind: KindTranscode}
	NotFound        = &Error{Kind: KindNotFound}
	Validation      = &Error{Kind: KindValidation}
	Timeout         = &Error{Kind: KindTimeout}
)

// E wraps err with kind and op.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a failure to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindProtocol:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth, KindUpstreamConnect:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
