// Package apierr defines the error taxonomy shared by every layer that talks
// to the cloud device API.
//
// All failures surface as *Error with a machine-readable Kind and a Retryable
// flag. Per-kind details (RetryAfter for rate limiting and open circuits,
// DeviceID for device errors, HTTPStatus for upstream responses) are plain
// fields on the same struct.
//
// Use errors.Is with the sentinel values to test for a kind:
//
//	if errors.Is(err, apierr.ErrCircuitOpen) {
//	    // fail fast, do not retry
//	}
//
// token_expired matches ErrAuthentication and timeout matches ErrNetwork.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hearthlink/hearthlink/internal/util/sanitize"
)

// Kind classifies an error.
type Kind string

const (
	KindAuthentication  Kind = "authentication"
	KindTokenExpired    Kind = "token_expired"
	KindRateLimited     Kind = "rate_limited"
	KindDeviceOffline   Kind = "device_offline"
	KindDeviceNotFound  Kind = "device_not_found"
	KindCircuitOpen     Kind = "circuit_open"
	KindNetwork         Kind = "network"
	KindTimeout         Kind = "timeout"
	KindParse           Kind = "parse"
	KindInvalidResponse Kind = "invalid_response"
	KindConfig          Kind = "config"
	KindValidation      Kind = "validation"
	KindRealtime        Kind = "realtime"
)

// parent returns the kind this kind refines, if any.
func (k Kind) parent() Kind {
	switch k {
	case KindTokenExpired:
		return KindAuthentication
	case KindTimeout:
		return KindNetwork
	default:
		return ""
	}
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrTokenExpired    = &Error{Kind: KindTokenExpired}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrDeviceOffline   = &Error{Kind: KindDeviceOffline}
	ErrDeviceNotFound  = &Error{Kind: KindDeviceNotFound}
	ErrCircuitOpen     = &Error{Kind: KindCircuitOpen}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrParse           = &Error{Kind: KindParse}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
	ErrConfig          = &Error{Kind: KindConfig}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrRealtime        = &Error{Kind: KindRealtime}
)

// Error is the single error type of the cloud API layer.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "getDeviceStatus"
	Message    string
	HTTPStatus int // 0 when no response was received
	Retryable  bool
	Timestamp  time.Time

	// RetryAfter is the server-provided hint for rate_limited errors and the
	// remaining cool-down for circuit_open errors.
	RetryAfter time.Duration

	// DeviceID is set for device_offline, device_not_found and validation
	// errors about a specific device.
	DeviceID string

	Err error
}

// Error implements error. The message is redacted.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (status %d)", e.HTTPStatus)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter.Round(time.Millisecond))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return sanitize.Redact(b.String())
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, or of the kind
// this error refines.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind || (t.Kind != "" && t.Kind == e.Kind.parent())
}

// errorJSON is the serialized form handed to external collaborators.
type errorJSON struct {
	Code         Kind   `json:"code"`
	Message      string `json:"message"`
	Op           string `json:"op,omitempty"`
	Retryable    bool   `json:"isRetryable"`
	HTTPStatus   int    `json:"httpStatus,omitempty"`
	Timestamp    string `json:"timestamp"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
}

// MarshalJSON serializes the error with credentials redacted.
func (e *Error) MarshalJSON() ([]byte, error) {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return json.Marshal(errorJSON{
		Code:         e.Kind,
		Message:      sanitize.Redact(msg),
		Op:           e.Op,
		Retryable:    e.Retryable,
		HTTPStatus:   e.HTTPStatus,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		RetryAfterMs: e.RetryAfter.Milliseconds(),
		DeviceID:     e.DeviceID,
	})
}

// defaultRetryable is the retry classification used when a constructor is
// not given an explicit one.
func defaultRetryable(kind Kind, status int) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimited:
		return true
	case KindInvalidResponse, KindParse:
		return status >= 500
	default:
		return false
	}
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Retryable: defaultRetryable(kind, 0),
		Timestamp: time.Now(),
	}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Retryable: defaultRetryable(kind, 0),
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Validation creates a non-retryable input validation error.
func Validation(op, deviceID, format string, args ...any) *Error {
	e := New(KindValidation, op, fmt.Sprintf(format, args...))
	e.DeviceID = deviceID
	return e
}

// Config creates a non-retryable configuration error.
func Config(format string, args ...any) *Error {
	return New(KindConfig, "config", fmt.Sprintf(format, args...))
}

// RateLimited creates a retryable rate_limited error carrying a retry-after hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	e := New(KindRateLimited, op, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// CircuitOpen creates a circuit_open error carrying the remaining wait time.
func CircuitOpen(op string, remaining time.Duration) *Error {
	e := New(KindCircuitOpen, op, "circuit open")
	e.RetryAfter = remaining
	return e
}

// FromStatus maps an upstream HTTP status and body to an error.
// deviceID may be empty for account-level operations.
func FromStatus(op string, status int, body string, retryAfter time.Duration, deviceID string) *Error {
	lower := strings.ToLower(body)
	var kind Kind
	switch {
	case status == 401 || status == 403:
		kind = KindAuthentication
		if strings.Contains(lower, "expired") {
			kind = KindTokenExpired
		}
	case status == 404:
		kind = KindDeviceNotFound
		if deviceID == "" {
			kind = KindInvalidResponse
		}
	case status == 429:
		kind = KindRateLimited
	case (status == 409 || status == 423 || status == 503) && strings.Contains(lower, "offline"):
		kind = KindDeviceOffline
	default:
		kind = KindInvalidResponse
	}

	e := &Error{
		Kind:       kind,
		Op:         op,
		Message:    truncate(body, 256),
		HTTPStatus: status,
		Retryable:  defaultRetryable(kind, status),
		Timestamp:  time.Now(),
		RetryAfter: retryAfter,
		DeviceID:   deviceID,
	}
	return e
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is flagged retryable.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// IsAuth reports whether err is an authentication or token_expired error.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsInfrastructure reports whether err indicates the upstream service (or the
// path to it) is unhealthy: network failures, timeouts and 5xx responses.
// Only these count toward the circuit breaker threshold.
func IsInfrastructure(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindInvalidResponse, KindParse:
		return e.HTTPStatus >= 500
	default:
		return false
	}
}

// RetryAfterOf returns the retry-after hint carried by a rate_limited error.
func RetryAfterOf(err error) (time.Duration, bool) {
	e, ok := As(err)
	if !ok || e.Kind != KindRateLimited || e.RetryAfter <= 0 {
		return 0, false
	}
	return e.RetryAfter, true
}

// Classify converts a transport-level error into an *Error. Errors that are
// already *Error pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Wrap(KindTimeout, op, err)
	}
	var jsonErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &jsonErr) || errors.As(err, &typeErr) {
		return Wrap(KindParse, op, err)
	}
	return Wrap(KindNetwork, op, err)
}
