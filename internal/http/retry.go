package http

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/constants"
)

// Policy holds retry parameters for ExecuteWithRetry.
type Policy struct {
	// Name identifies the policy in logs ("default", "aggressive", "conservative").
	Name string
	// Op names the guarded operation in logs and RetryContext.
	Op string
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64
	// Jitter is the +/- fraction applied to each computed delay.
	Jitter float64
	// RetryableKinds lists the error kinds this policy retries. An error of a
	// listed kind is retried when it is flagged retryable, or when
	// RetryUnflagged is set and the error is not a 4xx response.
	RetryableKinds []apierr.Kind
	// RetryUnflagged retries listed kinds even when not flagged retryable.
	RetryUnflagged bool
	// OnRetry is an optional callback invoked before each retry sleep.
	OnRetry func(rc RetryContext)
}

// RetryContext describes a failed attempt that is about to be retried.
type RetryContext struct {
	Op      string
	Policy  string
	Attempt int // 1-based attempt that just failed
	Err     error
	Delay   time.Duration
}

// DefaultPolicy is used for reads.
func DefaultPolicy() Policy {
	return Policy{
		Name:        "default",
		MaxAttempts: constants.DefaultMaxAttempts,
		BaseDelay:   constants.DefaultRetryBaseDelay,
		MaxDelay:    constants.DefaultRetryMaxDelay,
		Multiplier:  constants.RetryBackoffMultiplier,
		Jitter:      constants.RetryJitterFraction,
		RetryableKinds: []apierr.Kind{
			apierr.KindNetwork, apierr.KindTimeout, apierr.KindRateLimited,
			apierr.KindInvalidResponse, apierr.KindParse,
		},
	}
}

// AggressivePolicy is used for idempotent writes. It also retries
// invalid_response errors that carry no HTTP status.
func AggressivePolicy() Policy {
	p := DefaultPolicy()
	p.Name = "aggressive"
	p.MaxAttempts = constants.AggressiveMaxAttempts
	p.BaseDelay = constants.AggressiveRetryBaseDelay
	p.MaxDelay = constants.AggressiveRetryMaxDelay
	p.RetryUnflagged = true
	return p
}

// ConservativePolicy is used for login: transport failures only.
func ConservativePolicy() Policy {
	return Policy{
		Name:           "conservative",
		MaxAttempts:    constants.ConservativeMaxAttempts,
		BaseDelay:      constants.ConservativeRetryBaseDelay,
		MaxDelay:       constants.ConservativeRetryMaxDelay,
		Multiplier:     constants.RetryBackoffMultiplier,
		Jitter:         constants.RetryJitterFraction,
		RetryableKinds: []apierr.Kind{apierr.KindNetwork, apierr.KindTimeout},
	}
}

// Named returns a copy of p bound to an operation name.
func (p Policy) Named(op string) Policy {
	p.Op = op
	return p
}

// jitterSource returns a value in [0, 1). Replaced in tests.
var jitterSource = rand.Float64

// CalculateBackoff returns the delay before attempt n+1 after attempt n failed:
//
//	min(base * multiplier^(n-1) * (1 +/- jitter), max)
func CalculateBackoff(p Policy, attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*jitterSource()-1)
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err is worth another attempt under p.
func ShouldRetry(ctx context.Context, p Policy, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	e, ok := apierr.As(err)
	if !ok {
		// Raw transport errors that never went through the taxonomy.
		retry, _ := retryablehttp.DefaultRetryPolicy(ctx, nil, err)
		return retry
	}

	switch e.Kind {
	case apierr.KindValidation, apierr.KindConfig, apierr.KindCircuitOpen:
		return false
	}
	if !p.retries(e.Kind) {
		return false
	}
	if e.Retryable {
		return true
	}
	return p.RetryUnflagged && (e.HTTPStatus == 0 || e.HTTPStatus >= 500)
}

func (p Policy) retries(kind apierr.Kind) bool {
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ExecuteWithRetry runs an operation with bounded retries.
//
// Retry strategy:
//   - Validation, config and circuit_open errors: return immediately
//   - Rate limited errors: wait for the server's Retry-After when given
//   - Other retryable errors: exponential backoff with jitter
//   - Context cancellation: return immediately, also during the sleep
//
// The operation is called at most p.MaxAttempts times with the 1-based
// attempt number. When every attempt fails the last error is returned wrapped.
func ExecuteWithRetry(ctx context.Context, p Policy, operation func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := operation(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxAttempts || !ShouldRetry(ctx, p, err) {
			break
		}

		delay := CalculateBackoff(p, attempt)
		if ra, ok := apierr.RetryAfterOf(err); ok {
			delay = ra
		}

		// Give up early when the deadline cannot accommodate the sleep.
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return err
		}

		if p.OnRetry != nil {
			p.OnRetry(RetryContext{Op: p.Op, Policy: p.Name, Attempt: attempt, Err: err, Delay: delay})
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}

	if maxAttempts > 1 && ShouldRetry(ctx, p, lastErr) {
		return fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
	}
	return lastErr
}

// ParseRetryAfter reads a Retry-After header value given either as delay
// seconds or as an HTTP date. Unparseable and past values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := nethttp.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
