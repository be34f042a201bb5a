// Package breaker implements a three-state circuit breaker that isolates the
// client from an unhealthy upstream.
//
// CLOSED counts consecutive infrastructure failures. At the threshold it moves
// to OPEN and every call fails fast with a circuit_open error carrying the
// remaining cool-down. Once the cool-down elapses exactly one caller is
// admitted as a probe (HALF_OPEN); its outcome closes the circuit or reopens
// it with a longer cool-down.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/logging"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; one request tests recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker. Zero values take the package defaults.
type Config struct {
	Name              string
	FailureThreshold  int
	ResetTimeout      time.Duration
	MaxResetTimeout   time.Duration
	BackoffMultiplier float64

	// IsFailure decides whether an error counts toward the threshold.
	// Defaults to apierr.IsInfrastructure.
	IsFailure func(error) bool

	Now    func() time.Time
	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "cloud"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = constants.BreakerFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = constants.BreakerResetTimeout
	}
	if c.MaxResetTimeout < c.ResetTimeout {
		c.MaxResetTimeout = constants.BreakerMaxResetTimeout
		if c.MaxResetTimeout < c.ResetTimeout {
			c.MaxResetTimeout = c.ResetTimeout
		}
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = constants.BreakerBackoffMultiplier
	}
	if c.IsFailure == nil {
		c.IsFailure = apierr.IsInfrastructure
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	Name          string        `json:"name"`
	State         string        `json:"state"`
	Failures      int           `json:"consecutiveFailures"`
	OpenedAt      time.Time     `json:"openedAt,omitempty"`
	ResetTimeout  time.Duration `json:"resetTimeout"`
	RemainingWait time.Duration `json:"remainingWait"`
	Trips         int64         `json:"trips"`
	Rejected      int64         `json:"rejected"`
}

type transition struct{ from, to State }

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	resetTimeout time.Duration
	listeners    []func(from, to State)

	probing  atomic.Bool
	trips    atomic.Int64
	rejected atomic.Int64
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	cfg.setDefaults()
	return &Breaker{
		cfg:          cfg,
		state:        StateClosed,
		resetTimeout: cfg.ResetTimeout,
	}
}

// Name returns the breaker label.
func (b *Breaker) Name() string { return b.cfg.Name }

// OnStateChange registers fn to be called after every transition.
// Callbacks run outside the breaker lock.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Execute runs fn if the breaker admits the call and records its outcome.
// When the breaker rejects, fn is not invoked and a circuit_open error is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.Record(probe, err)
	return err
}

// Allow reports whether a call may proceed. probe is true when the caller
// holds the single half-open probe slot and must report back via Record.
func (b *Breaker) Allow() (probe bool, err error) {
	b.mu.Lock()
	var pending []transition
	defer func() {
		b.mu.Unlock()
		b.notify(pending)
	}()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		now := b.cfg.Now()
		readyAt := b.openedAt.Add(b.resetTimeout)
		if now.Before(readyAt) {
			b.rejected.Add(1)
			return false, apierr.CircuitOpen(b.cfg.Name, readyAt.Sub(now))
		}
		pending = append(pending, b.setStateLocked(StateHalfOpen))
	}

	// Half-open: exactly one caller wins the claim.
	if b.probing.CompareAndSwap(false, true) {
		return true, nil
	}
	b.rejected.Add(1)
	return false, apierr.CircuitOpen(b.cfg.Name, 0)
}

// Record reports the outcome of an admitted call.
//
// Infrastructure failures count toward the threshold. Other errors are neutral
// in CLOSED; for a probe they prove the upstream answered and close the
// circuit. A probe cancelled by its own context only releases the probe slot.
func (b *Breaker) Record(probe bool, err error) {
	switch {
	case err == nil:
		b.RecordSuccess(probe)
	case b.cfg.IsFailure(err):
		b.RecordFailure(probe)
	case probe && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		b.probing.Store(false)
	case probe:
		b.RecordSuccess(probe)
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess(probe bool) {
	b.mu.Lock()
	var pending []transition
	defer func() {
		b.mu.Unlock()
		b.notify(pending)
	}()

	switch {
	case probe:
		if b.state != StateClosed {
			pending = append(pending, b.setStateLocked(StateClosed))
		}
		b.resetTimeout = b.cfg.ResetTimeout
		b.failures = 0
		b.probing.Store(false)
	case b.state == StateClosed:
		b.failures = 0
	}
	// Late results of calls admitted before the circuit opened do not resolve it.
}

// RecordFailure records an infrastructure failure.
func (b *Breaker) RecordFailure(probe bool) {
	b.mu.Lock()
	var pending []transition
	defer func() {
		b.mu.Unlock()
		b.notify(pending)
	}()

	now := b.cfg.Now()
	if probe {
		// Failed probe: reopen with a longer cool-down. The failure count is left as is.
		next := time.Duration(float64(b.resetTimeout) * b.cfg.BackoffMultiplier)
		if next > b.cfg.MaxResetTimeout {
			next = b.cfg.MaxResetTimeout
		}
		b.resetTimeout = next
		b.openedAt = now
		if b.state != StateOpen {
			pending = append(pending, b.setStateLocked(StateOpen))
		}
		b.probing.Store(false)
		return
	}

	if b.state != StateClosed {
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.openedAt = now
		pending = append(pending, b.setStateLocked(StateOpen))
	}
}

// setStateLocked changes state and returns the transition for notify.
func (b *Breaker) setStateLocked(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	switch to {
	case StateOpen:
		b.trips.Add(1)
		b.cfg.Logger.Warnf("Circuit %s opened after %d consecutive failures; retry in %s",
			b.cfg.Name, b.failures, b.resetTimeout)
	case StateHalfOpen:
		b.cfg.Logger.Infof("Circuit %s half-open; admitting one probe", b.cfg.Name)
	case StateClosed:
		b.cfg.Logger.Infof("Circuit %s closed", b.cfg.Name)
	}
	return t
}

func (b *Breaker) notify(pending []transition) {
	if len(pending) == 0 {
		return
	}
	b.mu.Lock()
	listeners := append([]func(from, to State){}, b.listeners...)
	b.mu.Unlock()
	for _, t := range pending {
		for _, fn := range listeners {
			fn(t.from, t.to)
		}
	}
}

// State returns the current state. An OPEN breaker whose cool-down elapsed
// still reports OPEN until the next call claims the probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot returns a copy of the breaker state for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:         b.cfg.Name,
		State:        b.state.String(),
		Failures:     b.failures,
		ResetTimeout: b.resetTimeout,
		Trips:        b.trips.Load(),
		Rejected:     b.rejected.Load(),
	}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
		if d := b.openedAt.Add(b.resetTimeout).Sub(b.cfg.Now()); d > 0 {
			s.RemainingWait = d
		}
	}
	return s
}

// Reset forces the breaker back to CLOSED with the base cool-down.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var pending []transition
	if b.state != StateClosed {
		pending = append(pending, b.setStateLocked(StateClosed))
	}
	b.failures = 0
	b.openedAt = time.Time{}
	b.resetTimeout = b.cfg.ResetTimeout
	b.probing.Store(false)
	b.mu.Unlock()
	b.notify(pending)
}
