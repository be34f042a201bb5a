// Package ratelimit provides admission control for cloud API calls using a
// sliding-window log.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/logging"
)

// RateLimiter admits at most limit acquisitions inside any trailing window.
//
// Acquisition timestamps are kept in ascending order and pruned lazily.
// Blocking callers are served strictly in arrival order: while anyone is
// queued in Wait, TryAcquire refuses so a late caller cannot overtake.
type RateLimiter struct {
	name   string
	limit  int
	window time.Duration

	mu            sync.Mutex
	stamps        []time.Time
	queue         *list.List    // of *waiter, front is served next
	changed       chan struct{} // closed and replaced on every state change
	cooldownUntil time.Time
	warnActive    bool // utilization warning hysteresis

	now    func() time.Time
	logger *logging.Logger
	warn   rate.Sometimes
}

type waiter struct{}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

// WithLogger sets the logger for wait and utilization warnings.
func WithLogger(l *logging.Logger) Option {
	return func(rl *RateLimiter) {
		if l != nil {
			rl.logger = l
		}
	}
}

// WithName labels log lines and metrics.
func WithName(name string) Option {
	return func(rl *RateLimiter) { rl.name = name }
}

// NewRateLimiter creates a limiter admitting limit operations per window.
func NewRateLimiter(limit int, window time.Duration, opts ...Option) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	rl := &RateLimiter{
		name:    "default",
		limit:   limit,
		window:  window,
		stamps:  make([]time.Time, 0, limit),
		queue:   list.New(),
		changed: make(chan struct{}),
		now:     time.Now,
		logger:  logging.Nop(),
		warn:    rate.Sometimes{Interval: constants.RateLimitWarningInterval},
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// NewWriteLimiter creates the limiter for device-control writes (300 per 60s).
func NewWriteLimiter(opts ...Option) *RateLimiter {
	return NewRateLimiter(constants.WriteRateLimit, constants.WriteRateWindow, append([]Option{WithName(string(ScopeWrite))}, opts...)...)
}

// Name returns the limiter label.
func (rl *RateLimiter) Name() string { return rl.name }

// TryAcquire records an acquisition if capacity is available.
// Otherwise it returns a rate_limited error whose RetryAfter is the time
// until the oldest counted acquisition leaves the window.
func (rl *RateLimiter) TryAcquire() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.queue.Len() == 0 && rl.admitLocked(now) {
		return nil
	}
	wait := rl.retryAfterLocked(now)
	if wait <= 0 {
		// Capacity exists but a blocked caller is ahead in line.
		wait = time.Millisecond
	}
	return apierr.RateLimited("ratelimit."+rl.name, wait)
}

// Wait blocks until an acquisition is recorded or ctx is done.
// Waiters are admitted in arrival order.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()

	rl.mu.Lock()
	now := rl.now()
	if rl.queue.Len() == 0 && rl.admitLocked(now) {
		rl.mu.Unlock()
		return nil
	}

	elem := rl.queue.PushBack(&waiter{})
	if wait := rl.retryAfterLocked(now); wait > constants.RateLimitWarningThreshold {
		rl.warn.Do(func() {
			rl.logger.Warnf("Rate limited (%s): waiting ~%.1fs for capacity, %d queued", rl.name, wait.Seconds(), rl.queue.Len())
		})
	}

	for {
		var wait time.Duration
		if rl.queue.Front() == elem {
			now = rl.now()
			if rl.admitLocked(now) {
				rl.queue.Remove(elem)
				rl.signalLocked()
				rl.mu.Unlock()
				if waited := time.Since(start); waited > constants.RateLimitLogThreshold {
					rl.logger.Infof("Rate limit wait (%s) completed after %.1fs", rl.name, waited.Seconds())
				}
				return nil
			}
			wait = rl.retryAfterLocked(now)
		}
		changed := rl.changed
		rl.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			rl.mu.Lock()
			rl.queue.Remove(elem)
			rl.signalLocked()
			rl.mu.Unlock()
			return ctx.Err()
		case <-changed:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}

		rl.mu.Lock()
	}
}

// admitLocked prunes the window and records an acquisition at now if allowed.
func (rl *RateLimiter) admitLocked(now time.Time) bool {
	if now.Before(rl.cooldownUntil) {
		return false
	}
	rl.pruneLocked(now)
	if len(rl.stamps) >= rl.limit {
		return false
	}
	rl.stamps = append(rl.stamps, now)
	rl.checkUtilizationLocked()
	return true
}

// pruneLocked drops timestamps that have left the trailing window.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.stamps) && !rl.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.stamps = append(rl.stamps[:0], rl.stamps[i:]...)
	}
}

// retryAfterLocked returns how long until one acquisition would be admitted.
func (rl *RateLimiter) retryAfterLocked(now time.Time) time.Duration {
	var wait time.Duration
	if now.Before(rl.cooldownUntil) {
		wait = rl.cooldownUntil.Sub(now)
	}
	rl.pruneLocked(now)
	if len(rl.stamps) >= rl.limit {
		// The slot frees when the oldest stamp that must leave exits the window.
		idx := len(rl.stamps) - rl.limit
		if d := rl.stamps[idx].Add(rl.window).Sub(now); d > wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

func (rl *RateLimiter) signalLocked() {
	close(rl.changed)
	rl.changed = make(chan struct{})
}

// checkUtilizationLocked logs once when utilization crosses the warn
// threshold and re-arms only after it falls below the suppress threshold.
func (rl *RateLimiter) checkUtilizationLocked() {
	util := float64(len(rl.stamps)) / float64(rl.limit)
	switch {
	case !rl.warnActive && util >= UtilizationWarnThreshold:
		rl.warnActive = true
		rl.logger.Warnf("Rate limiter %s at %.0f%% of %d per %s", rl.name, util*100, rl.limit, rl.window)
	case rl.warnActive && util < UtilizationSuppressThreshold:
		rl.warnActive = false
	}
}

// RetryAfter returns the time until the next acquisition would be admitted.
func (rl *RateLimiter) RetryAfter() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.retryAfterLocked(rl.now())
}

// Occupancy returns the acquisitions counted in the current window and the limit.
func (rl *RateLimiter) Occupancy() (used, limit int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(rl.now())
	return len(rl.stamps), rl.limit
}

// Queued returns the number of callers blocked in Wait.
func (rl *RateLimiter) Queued() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.queue.Len()
}

// Drain fills the current window so no acquisition is admitted until
// existing stamps age out. Used after the server answers 429.
func (rl *RateLimiter) Drain() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.pruneLocked(now)
	for len(rl.stamps) < rl.limit {
		rl.stamps = append(rl.stamps, now)
	}
	rl.signalLocked()
}

// SetCooldown blocks admissions for d. A shorter cooldown never shortens an
// active longer one.
func (rl *RateLimiter) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	until := rl.now().Add(d)
	if until.After(rl.cooldownUntil) {
		rl.cooldownUntil = until
	}
	rl.signalLocked()
}

// CooldownRemaining returns the time left on an active cooldown.
func (rl *RateLimiter) CooldownRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if d := rl.cooldownUntil.Sub(rl.now()); d > 0 {
		return d
	}
	return 0
}

// Reset clears all recorded acquisitions and any cooldown.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.stamps = rl.stamps[:0]
	rl.cooldownUntil = time.Time{}
	rl.warnActive = false
	rl.signalLocked()
}
