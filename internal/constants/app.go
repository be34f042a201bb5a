package constants

import (
	"time"
)

// Write admission (device-control scope)
const (
	// WriteRateLimit - maximum write operations inside one window (300)
	// The vendor does not document its limit; 300/min was observed to be safe.
	WriteRateLimit = 300

	// WriteRateWindow - trailing window for the write limit (60 seconds)
	WriteRateWindow = 60 * time.Second
)

// Circuit breaker
const (
	// BreakerFailureThreshold - consecutive infrastructure failures before opening (5)
	BreakerFailureThreshold = 5

	// BreakerResetTimeout - cool-down before the half-open probe (30 seconds)
	BreakerResetTimeout = 30 * time.Second

	// BreakerMaxResetTimeout - cap for the cool-down after repeated failed probes (5 minutes)
	BreakerMaxResetTimeout = 5 * time.Minute

	// BreakerBackoffMultiplier - cool-down growth factor after a failed probe
	BreakerBackoffMultiplier = 2.0
)

// Response cache
const (
	// CacheTTL - read response lifetime (2 seconds)
	// Tuned to the polling cadence so repeated reads within one tick are free.
	CacheTTL = 2 * time.Second

	// CacheMaxSize - maximum cached responses before oldest-first eviction
	CacheMaxSize = 500
)

// Retry configuration
const (
	// DefaultMaxAttempts - attempts for the default policy (3)
	DefaultMaxAttempts = 3

	// DefaultRetryBaseDelay - first retry delay for the default policy (1 second)
	DefaultRetryBaseDelay = 1 * time.Second

	// DefaultRetryMaxDelay - delay cap for the default policy (10 seconds)
	DefaultRetryMaxDelay = 10 * time.Second

	// AggressiveMaxAttempts - attempts for the aggressive policy (5)
	AggressiveMaxAttempts = 5

	// AggressiveRetryBaseDelay - first retry delay for the aggressive policy (500ms)
	AggressiveRetryBaseDelay = 500 * time.Millisecond

	// AggressiveRetryMaxDelay - delay cap for the aggressive policy (8 seconds)
	AggressiveRetryMaxDelay = 8 * time.Second

	// ConservativeMaxAttempts - attempts for the conservative policy (2)
	ConservativeMaxAttempts = 2

	// ConservativeRetryBaseDelay - retry delay for the conservative policy (2 seconds)
	ConservativeRetryBaseDelay = 2 * time.Second

	// ConservativeRetryMaxDelay - delay cap for the conservative policy (5 seconds)
	ConservativeRetryMaxDelay = 5 * time.Second

	// RetryBackoffMultiplier - exponential growth factor between attempts
	RetryBackoffMultiplier = 2.0

	// RetryJitterFraction - +/- jitter applied to each computed delay (25%)
	RetryJitterFraction = 0.25
)

// Token lifecycle
const (
	// TokenRefreshMargin - refresh proactively when less than this remains (5 minutes)
	TokenRefreshMargin = 5 * time.Minute

	// DefaultTokenTTL - assumed lifetime when the login response omits expiresIn (1 hour)
	DefaultTokenTTL = 1 * time.Hour
)

// Realtime channel
const (
	// RealtimePingInterval - keepalive ping period while connected (30 seconds)
	RealtimePingInterval = 30 * time.Second

	// RealtimePongTimeout - how long to wait for a pong before treating the link as dead (10 seconds)
	RealtimePongTimeout = 10 * time.Second

	// RealtimeWriteTimeout - deadline for a single frame write (10 seconds)
	RealtimeWriteTimeout = 10 * time.Second

	// RealtimeHandshakeTimeout - websocket dial/handshake deadline (15 seconds)
	RealtimeHandshakeTimeout = 15 * time.Second

	// RealtimeInitialBackoff - first reconnect delay (1 second)
	RealtimeInitialBackoff = 1 * time.Second

	// RealtimeMaxBackoff - reconnect delay cap (60 seconds)
	RealtimeMaxBackoff = 60 * time.Second

	// RealtimeMaxAttempts - consecutive failed attempts before giving up (10)
	RealtimeMaxAttempts = 10

	// RealtimeStableGrace - connected time required before the attempt counter resets (60 seconds)
	RealtimeStableGrace = 60 * time.Second

	// RealtimeUpdateBuffer - buffered device updates before the oldest are dropped
	RealtimeUpdateBuffer = 256
)

// Persistence
const (
	// SnapshotStaleAfter - persisted device state older than this is not authoritative (24 hours)
	SnapshotStaleAfter = 24 * time.Hour

	// SnapshotFormatVersion - on-disk format version of the device snapshot file
	SnapshotFormatVersion = 1
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// API and Context Timeouts
const (
	// RequestTimeout - bound for a single upstream HTTP call (10 seconds)
	RequestTimeout = 10 * time.Second

	// APIMetricsLogInterval - how often API usage statistics are logged (30 seconds)
	APIMetricsLogInterval = 30 * time.Second

	// ShutdownTimeout - time allowed for flushing state and closing channels (5 seconds)
	ShutdownTimeout = 5 * time.Second
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (10 seconds)
	HTTPTLSHandshakeTimeout = 10 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (10 seconds)
	HTTPDialTimeout = 10 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second
)

// Rate Limiter Logging
const (
	// RateLimitWarningThreshold - delay threshold to show warning (2 seconds)
	RateLimitWarningThreshold = 2 * time.Second

	// RateLimitWarningInterval - minimum interval between warnings (10 seconds)
	RateLimitWarningInterval = 10 * time.Second

	// RateLimitLogThreshold - delay threshold for logging (5 seconds)
	RateLimitLogThreshold = 5 * time.Second
)

// Polling fallback (used by the watch command, not by the core)
const (
	// DefaultPollInterval - device status poll cadence when realtime is down (10 seconds)
	DefaultPollInterval = 10 * time.Second
)
