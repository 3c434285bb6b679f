// Package faults defines the closed set of failure kinds surfaced by the
// receiving pipeline. Every failure path maps to exactly one Kind; transports
// translate kinds to status codes without inspecting internals.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a failure class.
type Kind string

const (
	KindUnsupportedMime       Kind = "unsupported_mime"
	KindTooLarge              Kind = "too_large"
	KindDecodeFailed          Kind = "decode_failed"
	KindTooSmall              Kind = "too_small"
	KindLowQuality            Kind = "low_quality"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindOCRFailed             Kind = "ocr_failed"
	KindNormalisationFailed   Kind = "normalisation_failed"
	KindBudgetExhausted       Kind = "budget_exhausted"
	KindUnauthorised          Kind = "unauthorised"
	KindForbidden             Kind = "forbidden"
	KindSessionStateViolation Kind = "session_state_violation"
	KindAlreadyCommitted      Kind = "already_committed"
	KindInsufficientStock     Kind = "insufficient_stock"
	KindConflict              Kind = "conflict"
	KindQueueFull             Kind = "queue_full"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
)

// Fault is the error type carried across component boundaries.
type Fault struct {
	Kind   Kind
	Msg    string
	Fields map[string]any // structured context: sub-scores, retry_after, etc.
	Err    error          // wrapped cause, never surfaced to callers
}

func (f *Fault) Error() string {
	if f.Msg == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault of the given kind.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// Newf creates a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Fault.
func Wrap(kind Kind, msg string, err error) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// WithField returns f with a structured field attached.
func (f *Fault) WithField(key string, value any) *Fault {
	if f.Fields == nil {
		f.Fields = make(map[string]any)
	}
	f.Fields[key] = value
	return f
}

// RetryAfter reads the retry_after field set on quota faults.
func (f *Fault) RetryAfter() (time.Duration, bool) {
	v, ok := f.Fields["retry_after"]
	if !ok {
		return 0, false
	}
	d, ok := v.(time.Duration)
	return d, ok
}

// Internal wraps an unknown error with an opaque correlation id. The cause is
// retained for logs but the message never leaks internals.
func Internal(err error) *Fault {
	return (&Fault{
		Kind: KindInternal,
		Msg:  "internal error",
		Err:  err,
	}).WithField("correlation_id", uuid.New().String())
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status class a transport should use.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnsupportedMime, KindTooLarge, KindDecodeFailed, KindTooSmall, KindLowQuality:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUnauthorised:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindSessionStateViolation, KindAlreadyCommitted, KindInsufficientStock, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindQueueFull:
		return http.StatusServiceUnavailable
	case KindOCRFailed, KindBudgetExhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
