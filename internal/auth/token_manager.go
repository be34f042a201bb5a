// Package auth manages the bearer token used for every authenticated call.
package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/events"
	"github.com/hearthlink/hearthlink/internal/logging"
	"github.com/hearthlink/hearthlink/internal/models"
)

// Authenticator exchanges credentials for a token. The API client implements
// it with POST /v1/auth/login.
type Authenticator interface {
	Authenticate(ctx context.Context, creds models.Credentials) (models.Token, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds models.Credentials) (models.Token, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds models.Credentials) (models.Token, error) {
	return f(ctx, creds)
}

// Options configures a TokenManager. Zero values take defaults.
type Options struct {
	// Margin is the remaining lifetime below which a token is refreshed
	// proactively.
	Margin time.Duration

	// RefreshTimeout bounds one refresh, including the authenticator's own
	// retries.
	RefreshTimeout time.Duration

	Now    func() time.Time
	Logger *logging.Logger
	Events *events.EventBus
}

// refreshCall is the shared result of one in-flight refresh.
type refreshCall struct {
	done  chan struct{}
	token models.Token
	err   error
}

// TokenManager holds the current token and guarantees at most one refresh
// in flight. Concurrent callers that need a token while a refresh runs wait
// for it and observe the same token or error.
type TokenManager struct {
	auth    Authenticator
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger
	bus     *events.EventBus

	mu       sync.RWMutex
	creds    models.Credentials
	token    models.Token
	pending  *refreshCall
	onRotate []func(models.Token)

	refreshes atomic.Int64
	failures  atomic.Int64
}

// NewTokenManager creates a manager with no token.
func NewTokenManager(a Authenticator, creds models.Credentials, opts Options) *TokenManager {
	if opts.Margin <= 0 {
		opts.Margin = constants.TokenRefreshMargin
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 2 * constants.RequestTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &TokenManager{
		auth:    a,
		creds:   creds,
		margin:  opts.Margin,
		timeout: opts.RefreshTimeout,
		now:     opts.Now,
		logger:  opts.Logger,
		bus:     opts.Events,
	}
}

// Seed installs a previously persisted token. Tokens already inside the
// refresh margin are ignored. Reports whether the token was accepted.
func (m *TokenManager) Seed(t models.Token) bool {
	if !t.Valid(m.now(), m.margin) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.Value == "" {
		m.token = t
		return true
	}
	return false
}

// SetCredentials replaces the login credentials and discards the current token.
func (m *TokenManager) SetCredentials(creds models.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.token = models.Token{}
}

// OnRotate registers fn to run after every successful refresh.
func (m *TokenManager) OnRotate(fn func(models.Token)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = append(m.onRotate, fn)
}

// Token returns a token with more than the safety margin left, refreshing
// first when needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	// Fast path: read lock only
	m.mu.RLock()
	if m.token.Valid(m.now(), m.margin) {
		v := m.token.Value
		m.mu.RUnlock()
		return v, nil
	}
	m.mu.RUnlock()

	t, err := m.refresh(ctx, "")
	if err != nil {
		return "", err
	}
	return t.Value, nil
}

// Refresh forces a new login, joining one already in flight.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	t, err := m.refresh(ctx, "*")
	if err != nil {
		return "", err
	}
	return t.Value, nil
}

// Renew replaces a token the server rejected. If the current token already
// differs from stale, another caller renewed it and that token is returned
// without a new login.
func (m *TokenManager) Renew(ctx context.Context, stale string) (string, error) {
	t, err := m.refresh(ctx, stale)
	if err != nil {
		return "", err
	}
	return t.Value, nil
}

// refresh starts or joins a refresh. stale selects the trigger: "" refreshes
// only when the current token is not valid, "*" always refreshes, any other
// value refreshes only while that token is still current.
func (m *TokenManager) refresh(ctx context.Context, stale string) (models.Token, error) {
	m.mu.Lock()
	call := m.pending
	if call == nil {
		// Double-check: another goroutine may have refreshed while we waited
		switch {
		case stale == "" && m.token.Valid(m.now(), m.margin):
			t := m.token
			m.mu.Unlock()
			return t, nil
		case stale != "" && stale != "*" && m.token.Value != "" && m.token.Value != stale:
			t := m.token
			m.mu.Unlock()
			return t, nil
		}
		call = &refreshCall{done: make(chan struct{})}
		m.pending = call
		creds := m.creds
		// Detached so one caller's cancellation does not fail the others.
		go m.run(context.WithoutCancel(ctx), call, creds)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return models.Token{}, ctx.Err()
	case <-call.done:
		return call.token, call.err
	}
}

func (m *TokenManager) run(ctx context.Context, call *refreshCall, creds models.Credentials) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	t, err := m.auth.Authenticate(ctx, creds)
	if err == nil && t.Value == "" {
		err = apierr.New(apierr.KindInvalidResponse, "login", "login response carried no token")
	}
	if err == nil && t.ExpiresAt.IsZero() {
		t.ExpiresAt = m.now().Add(constants.DefaultTokenTTL)
	}

	m.mu.Lock()
	var hooks []func(models.Token)
	if err != nil {
		// A failed refresh discards the old token.
		m.token = models.Token{}
		err = asAuthFailure(err)
		m.failures.Add(1)
	} else {
		m.token = t
		hooks = append(hooks, m.onRotate...)
		m.refreshes.Add(1)
	}
	m.pending = nil
	call.token, call.err = t, err
	m.mu.Unlock()
	close(call.done)

	if err != nil {
		m.logger.Warnf("Token refresh failed: %v", err)
		return
	}
	m.logger.Debugf("Token refreshed, expires at %s", t.ExpiresAt.Format(time.RFC3339))
	if m.bus != nil {
		m.bus.Publish(&events.TokenRotatedEvent{
			BaseEvent: events.BaseEvent{EventType: events.EventTokenRotated, Time: m.now()},
			ExpiresAt: t.ExpiresAt,
		})
	}
	for _, fn := range hooks {
		fn(t)
	}
}

// asAuthFailure keeps transport failures as they are so the retry policy can
// act on them; everything else surfaces as an authentication error. A login
// that ran out of time is a timeout, not a rejection.
func asAuthFailure(err error) error {
	if apierr.IsAuth(err) || errors.Is(err, apierr.ErrNetwork) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Classify("login", err)
	}
	if e, ok := apierr.As(err); ok && e.Kind == apierr.KindConfig {
		return err
	}
	return apierr.Wrap(apierr.KindAuthentication, "login", err)
}

// Invalidate discards the current token. The next Token call logs in again.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = models.Token{}
}

// Current returns the current token without refreshing. ok is false when
// there is no token or it has expired. Used by the realtime channel.
func (m *TokenManager) Current() (token string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.token.Valid(m.now(), 0) {
		return "", false
	}
	return m.token.Value, true
}

// ExpiresAt returns the expiry of the current token, zero when none.
func (m *TokenManager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token.ExpiresAt
}

// Refreshing reports whether a refresh is in flight.
func (m *TokenManager) Refreshing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending != nil
}

// RefreshCount returns the number of successful refreshes.
func (m *TokenManager) RefreshCount() int64 {
	return m.refreshes.Load()
}

// FailureCount returns the number of failed refreshes.
func (m *TokenManager) FailureCount() int64 {
	return m.failures.Load()
}
