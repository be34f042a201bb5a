package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/auth"
	"github.com/hearthlink/hearthlink/internal/breaker"
	"github.com/hearthlink/hearthlink/internal/cache"
	"github.com/hearthlink/hearthlink/internal/config"
	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/dedupe"
	"github.com/hearthlink/hearthlink/internal/events"
	"github.com/hearthlink/hearthlink/internal/http"
	"github.com/hearthlink/hearthlink/internal/logging"
	"github.com/hearthlink/hearthlink/internal/metrics"
	"github.com/hearthlink/hearthlink/internal/models"
	"github.com/hearthlink/hearthlink/internal/ratelimit"
	"github.com/hearthlink/hearthlink/internal/realtime"
	"github.com/hearthlink/hearthlink/internal/state"
	"github.com/hearthlink/hearthlink/internal/version"
)

// maxResponseBody bounds how much of an upstream body is read.
const maxResponseBody = 1 << 20

// apiMetrics tracks API usage statistics
type apiMetrics struct {
	sync.Mutex
	totalCalls    int64
	callsByOp     map[string]int64
	windowStart   time.Time
	callsInWindow int64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEventBus publishes device updates and transitions on bus. Without
// it the client creates and owns its own bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithHTTPClient replaces the proxy-aware HTTP client.
func WithHTTPClient(hc *nethttp.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock sets the time source shared by every component.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics exports component state to Prometheus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStore persists device attributes. The store is loaded by NewClient.
func WithStore(s *state.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithTokenCache seeds the token from disk and saves every rotation.
func WithTokenCache(tc *state.TokenCache) Option {
	return func(c *Client) { c.tokenCache = tc }
}

// WithLimiterStore takes write limiters from a store shared with other
// clients of the same account instead of creating private ones.
func WithLimiterStore(s *ratelimit.LimiterStore) Option {
	return func(c *Client) { c.limiterStore = s }
}

// WithRetryPolicies overrides the read, write and login retry policies.
func WithRetryPolicies(read, write, login http.Policy) Option {
	return func(c *Client) {
		c.readPolicy, c.writePolicy, c.loginPolicy = read, write, login
	}
}

// Client talks to the cloud device API through the resilience layer:
// response cache, request deduplication, circuit breaker, retry, write
// rate limiting and token management.
type Client struct {
	cfg        *config.Config
	baseURL    string
	httpClient *nethttp.Client
	logger     *logging.Logger
	now        func() time.Time

	bus     *events.EventBus
	ownBus  bool
	metrics *metrics.Metrics

	tokens       *auth.TokenManager
	breaker      *breaker.Breaker
	cache        *cache.Cache
	dedupe       *dedupe.Deduplicator
	registry     *ratelimit.Registry
	limiters     map[ratelimit.Scope]*ratelimit.RateLimiter
	limiterStore *ratelimit.LimiterStore

	readPolicy  http.Policy
	writePolicy http.Policy
	loginPolicy http.Policy

	// writeEpoch is bumped by every successful write so a read that started
	// before the write does not repopulate the cache with pre-write state.
	writeEpoch atomic.Uint64

	store      *state.Store
	tokenCache *state.TokenCache

	usage *apiMetrics

	rtMu     sync.Mutex
	rt       *realtime.Channel
	pumpDone chan struct{}

	subMu   sync.RWMutex
	subs    map[int]func(models.DeviceUpdate)
	nextSub int

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewClient creates a client. It validates the configuration but does not
// contact the cloud; the first operation logs in.
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, apierr.Config("configuration is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apierr.Config("API base URL is empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		baseURL:     strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		logger:      logging.Nop(),
		now:         time.Now,
		readPolicy:  http.DefaultPolicy(),
		writePolicy: http.AggressivePolicy(),
		loginPolicy: http.ConservativePolicy(),
		usage:       &apiMetrics{callsByOp: make(map[string]int64)},
		subs:        make(map[int]func(models.DeviceUpdate)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.usage.windowStart = c.now()

	if c.bus == nil {
		c.bus = events.NewEventBus(0)
		c.ownBus = true
	}
	if c.httpClient == nil {
		hc, err := http.NewAPIClient(cfg, c.logger.Component("http"))
		if err != nil {
			return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
		}
		c.httpClient = hc
	}

	c.tokens = auth.NewTokenManager(
		auth.AuthenticatorFunc(c.authenticate),
		models.Credentials{Email: cfg.Email, Password: cfg.Password},
		auth.Options{
			RefreshTimeout: loginBudget(c.loginPolicy, cfg.RequestTimeout),
			Now:            c.now,
			Logger:         c.logger.Component("auth"),
			Events:         c.bus,
		},
	)
	c.tokens.OnRotate(func(models.Token) { c.metrics.TokenRefresh("ok") })

	c.breaker = breaker.New(breaker.Config{
		Name:             "cloud",
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		MaxResetTimeout:  cfg.MaxResetTimeout,
		Now:              c.now,
		Logger:           c.logger.Component("breaker"),
	})
	c.breaker.OnStateChange(func(from, to breaker.State) {
		c.metrics.SetBreakerState(c.breaker.Name(), int(to), to.String())
		c.bus.PublishBreakerState(c.breaker.Name(), from.String(), to.String(), c.breaker.Failures())
	})

	c.cache = cache.New(cache.Config{
		TTL:           cfg.CacheTTL,
		MaxSize:       cfg.CacheMaxSize,
		TouchOnAccess: cfg.CacheTouchOnAccess,
		Now:           c.now,
	})
	c.metrics.WatchCache(func() (int64, int64, int64, int) {
		s := c.cache.Stats()
		return s.Hits, s.Misses, s.Evictions, s.Size
	})

	c.dedupe = dedupe.New()
	c.registry = ratelimit.NewRegistry(cfg.WriteLimit, cfg.WriteWindow)
	limiterOpts := []ratelimit.Option{
		ratelimit.WithClock(c.now),
		ratelimit.WithLogger(c.logger.Component("ratelimit")),
	}
	if c.limiterStore != nil {
		c.limiters = c.limiterStore.GetLimiters(c.registry, c.baseURL, cfg.Email, limiterOpts...)
	} else {
		c.limiters = c.registry.NewLimiters(limiterOpts...)
	}

	if c.tokenCache != nil {
		c.seedToken()
	}
	if c.store != nil {
		if _, err := c.store.Load(); err != nil {
			c.logger.Warnf("Could not read device state: %v", err)
		}
	}
	return c, nil
}

func (c *Client) seedToken() {
	t, ok, err := c.tokenCache.Load()
	if err != nil {
		c.logger.Warnf("Could not read token cache: %v", err)
	}
	if ok && c.tokens.Seed(t) {
		c.logger.Debugf("Using cached token valid until %s", t.ExpiresAt.Format(time.RFC3339))
	}
	c.tokens.OnRotate(func(t models.Token) {
		if err := c.tokenCache.Save(t); err != nil {
			c.logger.Warnf("Could not save token cache: %v", err)
		}
	})
}

// GetConfig returns the configuration used by this client.
func (c *Client) GetConfig() *config.Config {
	return c.cfg
}

// Events returns the bus device updates and transitions are published on.
func (c *Client) Events() *events.EventBus {
	return c.bus
}

// Tokens returns the token manager.
func (c *Client) Tokens() *auth.TokenManager {
	return c.tokens
}

// loginBudget bounds a whole login: every attempt may use the full per-call
// timeout and each retry may wait up to the policy's largest backoff.
func loginBudget(p http.Policy, perCall time.Duration) time.Duration {
	if perCall <= 0 {
		perCall = constants.RequestTimeout
	}
	attempts := max(p.MaxAttempts, 1)
	return time.Duration(attempts)*perCall + time.Duration(attempts-1)*p.MaxDelay
}

// authenticate performs the login call. It is invoked only by the token
// manager, which guarantees a single login in flight.
func (c *Client) authenticate(ctx context.Context, creds models.Credentials) (models.Token, error) {
	if creds.Email == "" || creds.Password == "" {
		return models.Token{}, apierr.Config("email and password are required to log in")
	}
	var resp models.LoginResponse
	p := c.loginPolicy.Named("login")
	p.OnRetry = c.onRetry
	err := http.ExecuteWithRetry(ctx, p, func(ctx context.Context, _ int) error {
		return c.exchange(ctx, "login", nethttp.MethodPost, "/v1/auth/login", "", "", creds, &resp)
	})
	if err != nil {
		c.metrics.TokenRefresh("error")
		return models.Token{}, err
	}
	t := models.Token{Value: resp.Token}
	if resp.ExpiresIn > 0 {
		t.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return t, nil
}

// call performs one authenticated exchange. A rejected token is renewed once
// and the exchange repeated; a second rejection surfaces.
func (c *Client) call(ctx context.Context, op, method, path, deviceID string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = c.exchange(ctx, op, method, path, deviceID, token, body, out)
	if !apierr.IsAuth(err) {
		return err
	}
	c.logger.Debug().Str("op", op).Msg("Token rejected, renewing once")
	fresh, rerr := c.tokens.Renew(ctx, token)
	if rerr != nil {
		return rerr
	}
	return c.exchange(ctx, op, method, path, deviceID, fresh, body, out)
}

// exchange sends one HTTP request bounded by the per-call timeout and maps
// the outcome into the error taxonomy.
func (c *Client) exchange(ctx context.Context, op, method, path, deviceID, token string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return apierr.Wrap(apierr.KindValidation, op, fmt.Errorf("failed to marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := nethttp.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apierr.Wrap(apierr.KindConfig, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.recordUsage(op)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, reqCtx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return c.transportError(ctx, reqCtx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryAfter := http.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		e := apierr.FromStatus(op, resp.StatusCode, string(data), retryAfter, deviceID)
		if e.Kind == apierr.KindRateLimited {
			c.logger.Warn().Str("op", op).Dur("retry_after", retryAfter).Msg("Throttled by the cloud API")
		}
		return e
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &apierr.Error{
			Kind:       apierr.KindParse,
			Op:         op,
			Message:    "malformed response body",
			HTTPStatus: resp.StatusCode,
			Timestamp:  c.now(),
			DeviceID:   deviceID,
			Err:        err,
		}
	}
	return nil
}

// transportError distinguishes the caller giving up from the per-call
// timeout expiring. Only the latter is a retryable timeout.
func (c *Client) transportError(ctx, reqCtx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		e := apierr.Wrap(apierr.KindTimeout, op, err)
		e.Message = fmt.Sprintf("no response within %s", c.cfg.RequestTimeout)
		return e
	}
	return apierr.Classify(op, err)
}

// recordUsage counts a call and logs throughput every APIMetricsLogInterval.
func (c *Client) recordUsage(op string) {
	c.usage.Lock()
	defer c.usage.Unlock()

	c.usage.totalCalls++
	c.usage.callsByOp[op]++
	c.usage.callsInWindow++

	now := c.now()
	if elapsed := now.Sub(c.usage.windowStart); elapsed >= constants.APIMetricsLogInterval {
		reqPerSec := float64(c.usage.callsInWindow) / elapsed.Seconds()
		used, limit := 0, 0
		if l := c.limiters[ratelimit.ScopeWrite]; l != nil {
			used, limit = l.Occupancy()
		}
		c.logger.Infof("API usage: %.2f req/sec, %d total calls, write window %d/%d",
			reqPerSec, c.usage.totalCalls, used, limit)
		c.usage.callsInWindow = 0
		c.usage.windowStart = now
	}
}

func (c *Client) onRetry(rc http.RetryContext) {
	c.metrics.ObserveRetry(rc.Op, rc.Policy)
	c.logger.Debug().
		Str("op", rc.Op).
		Str("policy", rc.Policy).
		Int("attempt", rc.Attempt).
		Dur("delay", rc.Delay).
		Err(rc.Err).
		Msg("Retrying upstream call")
}

// guard runs fn under the retry policy. Every attempt passes the write
// limiter (when given) and the circuit breaker; a server 429 drains the
// limiter so local admissions back off with the server.
func (c *Client) guard(ctx context.Context, op, deviceID string, policy http.Policy, limiter *ratelimit.RateLimiter, fn func(ctx context.Context) error) error {
	start := c.now()
	p := policy.Named(op)
	p.OnRetry = c.onRetry

	err := http.ExecuteWithRetry(ctx, p, func(ctx context.Context, attempt int) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			c.metrics.SetLimiter(limiter.Occupancy())
		}

		probe, err := c.breaker.Allow()
		if err != nil {
			return err
		}
		err = fn(ctx)
		c.breaker.Record(probe, err)

		if apierr.KindOf(err) == apierr.KindRateLimited {
			c.metrics.RateLimited("server")
			if limiter != nil {
				limiter.Drain()
				if d, ok := apierr.RetryAfterOf(err); ok {
					limiter.SetCooldown(d)
				}
			}
		}
		return err
	})

	outcome := "ok"
	if err != nil {
		outcome = string(apierr.KindOf(err))
		if outcome == "" {
			outcome = "canceled"
		}
		c.bus.PublishError(op, deviceID, err, apierr.IsRetryable(err))
	}
	c.metrics.ObserveCall(op, outcome, c.now().Sub(start))
	return err
}
