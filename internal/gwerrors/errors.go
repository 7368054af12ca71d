// Package gwerrors defines the closed taxonomy of gateway failure kinds
// (spec §7). Components return these sentinel-wrapped errors; only the
// router translates them to HTTP status codes.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind identifies a failure kind from the closed taxonomy. It is never
// matched by string; callers use errors.Is / errors.As against the sentinel
// errors below or Error.Kind.
type Kind string

const (
	// KindCacheMiss is an internal signal, never surfaced to a caller.
	KindCacheMiss Kind = "cache_miss"
	// KindQuotaExceeded is a policy decision: the monthly ceiling is spent.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindBreakerOpen is a policy decision: the upstream is being shed.
	KindBreakerOpen Kind = "breaker_open"
	// KindUpstreamTransientFailure covers transport errors, 5xx, 429,
	// timeouts, and malformed bodies from the upstream.
	KindUpstreamTransientFailure Kind = "upstream_transient_failure"
	// KindUpstreamClientError covers upstream 4xx other than 429.
	KindUpstreamClientError Kind = "upstream_client_error"
	// KindStoreUnavailable covers KV store transport/timeout failures.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindParameterValidation covers structural request validation failures.
	KindParameterValidation Kind = "parameter_validation"
)

// Error is a typed gateway error carrying its Kind, a human-readable
// Detail, and (for upstream client errors) the verbatim upstream status
// and body to pass through.
type Error struct {
	Kind           Kind
	Detail         string
	UpstreamStatus int    // non-zero when Kind == KindUpstreamClientError
	UpstreamBody   []byte // verbatim passthrough body, when applicable
	cause          error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error of the given kind, wrapping a lower-level cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

var (
	// ErrCacheMiss is returned by the cache on a miss or expired entry.
	ErrCacheMiss = New(KindCacheMiss, "no cache entry")
	// ErrQuotaExceeded is returned when the monthly ceiling is reached.
	ErrQuotaExceeded = New(KindQuotaExceeded, "monthly call quota exceeded")
	// ErrBreakerOpen is returned when the circuit breaker is shedding load.
	ErrBreakerOpen = New(KindBreakerOpen, "upstream circuit breaker is open")
)
