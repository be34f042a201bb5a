// Package realtime keeps a push connection to the cloud open and turns
// device-state messages into models.DeviceUpdate values.
//
// The channel is advisory. When it gives up, polling remains the source of
// truth, so failures here are reported through State and events rather than
// returned to API callers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/config"
	"github.com/hearthlink/hearthlink/internal/constants"
	"github.com/hearthlink/hearthlink/internal/events"
	"github.com/hearthlink/hearthlink/internal/logging"
	"github.com/hearthlink/hearthlink/internal/metrics"
	"github.com/hearthlink/hearthlink/internal/models"
	"github.com/hearthlink/hearthlink/internal/version"
)

// State is the connection state of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateGaveUp       State = "gave_up"
)

// Message types on the wire.
const (
	msgSubscribe   = "subscribe"
	msgSubscribed  = "subscribed"
	msgDeviceState = "device_state"
	msgError       = "error"
)

// TokenSource supplies the bearer token for the next dial. It is only
// peeked; the channel never triggers a refresh itself.
type TokenSource interface {
	Current() (token string, ok bool)
}

// Config controls a Channel. Zero durations take the package defaults.
type Config struct {
	URL       string
	Scope     string
	TokenMode string // config.TokenModeMessage, TokenModeQuery or TokenModeHeader

	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	StableGrace      time.Duration
	Buffer           int

	// Proxy is passed to the websocket dialer. Nil dials directly.
	Proxy func(*http.Request) (*url.URL, error)

	Events  *events.EventBus
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (c *Config) applyDefaults() {
	if c.TokenMode == "" {
		c.TokenMode = config.TokenModeMessage
	}
	if c.PingInterval <= 0 {
		c.PingInterval = constants.RealtimePingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = constants.RealtimePongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = constants.RealtimeWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = constants.RealtimeHandshakeTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = constants.RealtimeInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = constants.RealtimeMaxBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = constants.RealtimeMaxAttempts
	}
	if c.StableGrace <= 0 {
		c.StableGrace = constants.RealtimeStableGrace
	}
	if c.Buffer <= 0 {
		c.Buffer = constants.RealtimeUpdateBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Stats is a point-in-time view of a Channel.
type Stats struct {
	State          State
	Attempt        int
	Connects       int64
	Received       int64
	Unknown        int64 // updates for devices not in the known set
	Dropped        int64 // updates discarded because the buffer was full
	ConnectedSince time.Time
	LastMessage    time.Time
	LastError      string
}

type subscribeMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Scope string `json:"scope"`
	Token string `json:"token,omitempty"`
}

type inboundMessage struct {
	Type       string          `json:"type"`
	DeviceID   models.DeviceID `json:"deviceId"`
	Attributes map[string]any  `json:"attributes"`
	Message    string          `json:"message"`
}

// jitterSource is swapped in tests.
var jitterSource = rand.Float64

const backoffJitter = 0.2

// Channel is a self-healing push connection.
type Channel struct {
	cfg    Config
	tokens TokenSource
	logger *logging.Logger
	dialer *websocket.Dialer

	updates chan models.DeviceUpdate

	mu             sync.RWMutex
	state          State
	attempt        int
	known          map[string]struct{}
	connectedSince time.Time
	lastMessage    time.Time
	lastErr        error

	connects atomic.Int64
	received atomic.Int64
	unknown  atomic.Int64
	dropped  atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a channel. Nothing is dialled until Start.
func New(cfg Config, tokens TokenSource, logger *logging.Logger) *Channel {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Channel{
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: cfg.Proxy},
		updates: make(chan models.DeviceUpdate, cfg.Buffer),
		state:   StateDisconnected,
		done:    make(chan struct{}),
	}
}

// Updates returns the stream of matched device updates. It is closed by Close.
func (c *Channel) Updates() <-chan models.DeviceUpdate {
	return c.updates
}

// SetKnownDevices replaces the set of device ids whose updates are forwarded.
func (c *Channel) SetKnownDevices(ids []string) {
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if norm, err := models.NormalizeID(id); err == nil {
			known[norm] = struct{}{}
		}
	}
	c.mu.Lock()
	c.known = known
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns counters and the current state.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		State:          c.state,
		Attempt:        c.attempt,
		Connects:       c.connects.Load(),
		Received:       c.received.Load(),
		Unknown:        c.unknown.Load(),
		Dropped:        c.dropped.Load(),
		ConnectedSince: c.connectedSince,
		LastMessage:    c.lastMessage,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Start launches the connection loop. It returns immediately; a second call
// is an error.
func (c *Channel) Start(ctx context.Context) error {
	if c.cfg.URL == "" {
		return apierr.Config("realtime url is not configured")
	}
	if _, err := url.Parse(c.cfg.URL); err != nil {
		return apierr.Config("invalid realtime url: %v", err)
	}

	started := false
	c.startOnce.Do(func() {
		started = true
		runCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		go c.run(runCtx)
	})
	if !started {
		return apierr.New(apierr.KindRealtime, "realtime.Start", "channel already started")
	}
	return nil
}

// Close stops the loop and closes the Updates channel.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		// Claim startOnce so a Start after Close cannot launch the loop.
		c.startOnce.Do(func() {
			close(c.updates)
			close(c.done)
		})
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-c.done
	})
}

// Done is closed once the connection loop has exited, either through Close
// or after giving up.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		close(c.updates)
		close(c.done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected, attempt, nil)
			return
		}

		c.setState(StateConnecting, attempt, nil)
		conn, err := c.dial(ctx)
		if err == nil {
			connectedAt := c.cfg.Now()
			c.connects.Add(1)
			c.setConnected(connectedAt)

			err = c.serve(ctx, conn)

			c.clearConn()
			if c.cfg.Now().Sub(connectedAt) >= c.cfg.StableGrace {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected, attempt, nil)
			return
		}

		attempt++
		if attempt >= c.cfg.MaxAttempts {
			c.logger.Warn().Err(err).Int("attempts", attempt).Msg("Realtime channel giving up; polling remains authoritative")
			c.setState(StateGaveUp, attempt, err)
			return
		}

		delay := c.backoff(attempt)
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Realtime channel disconnected, reconnecting")
		c.setState(StateDisconnected, attempt, err)
		c.cfg.Metrics.RealtimeReconnect()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected, attempt, nil)
			return
		case <-timer.C:
		}
	}
}

// backoff returns the delay before reconnect attempt n (1-based):
// initial * 2^(n-1), capped, with +/-20% jitter.
func (c *Channel) backoff(attempt int) time.Duration {
	delay := c.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
			break
		}
	}
	delay = time.Duration(float64(delay) * (1 + backoffJitter*(2*jitterSource()-1)))
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	return delay
}

// dial connects and subscribes. The token is read fresh on every dial, so a
// rotation takes effect on the next connection.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, ok := "", false
	if c.tokens != nil {
		token, ok = c.tokens.Current()
	}
	if !ok {
		return nil, apierr.New(apierr.KindAuthentication, "realtime.dial", "no valid token")
	}

	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, apierr.Config("invalid realtime url: %v", err)
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	switch c.cfg.TokenMode {
	case config.TokenModeQuery:
		q := target.Query()
		q.Set("token", token)
		target.RawQuery = q.Encode()
	case config.TokenModeHeader:
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &apierr.Error{Kind: apierr.KindAuthentication, Op: "realtime.dial", Message: "handshake rejected", HTTPStatus: resp.StatusCode, Timestamp: c.cfg.Now()}
		}
		return nil, apierr.Wrap(apierr.KindRealtime, "realtime.dial", err)
	}

	sub := subscribeMessage{Type: msgSubscribe, ID: uuid.NewString(), Scope: c.cfg.Scope}
	if c.cfg.TokenMode == config.TokenModeMessage {
		sub.Token = token
	}
	_ = conn.SetWriteDeadline(c.cfg.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, apierr.Wrap(apierr.KindRealtime, "realtime.subscribe", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	c.logger.Debug().Str("subscription", sub.ID).Str("scope", c.cfg.Scope).Msg("Realtime subscribe sent")
	return conn, nil
}

// serve runs the keepalive and the read loop until the connection fails or
// ctx is cancelled. The read deadline is one ping interval plus the pong
// timeout and is pushed forward by every pong and every message.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	idle := c.cfg.PingInterval + c.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(idle))
			c.handleMessage(data)
		}
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			conn.Close()
			<-readErr
			return ctx.Err()

		case err := <-readErr:
			conn.Close()
			return classifyReadError(err)

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				conn.Close()
				<-readErr
				return apierr.Wrap(apierr.KindRealtime, "realtime.ping", err)
			}
		}
	}
}

func classifyReadError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierr.New(apierr.KindRealtime, "realtime.read", "heartbeat timeout")
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return apierr.Wrap(apierr.KindRealtime, "realtime.read", fmt.Errorf("server closed connection: %w", err))
	}
	return apierr.Wrap(apierr.KindRealtime, "realtime.read", err)
}

func (c *Channel) handleMessage(data []byte) {
	now := c.cfg.Now()
	c.mu.Lock()
	c.lastMessage = now
	c.mu.Unlock()

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("Ignoring malformed realtime message")
		return
	}

	switch msg.Type {
	case msgDeviceState:
		c.received.Add(1)
		id := msg.DeviceID.String()
		if id == "" || !c.isKnown(id) {
			c.unknown.Add(1)
			return
		}
		if msg.Attributes == nil {
			msg.Attributes = map[string]any{}
		}
		c.deliver(models.DeviceUpdate{DeviceID: id, Attributes: msg.Attributes, ReceivedAt: now})
	case msgSubscribed:
		c.logger.Debug().Msg("Realtime subscription confirmed")
	case msgError:
		c.logger.Warn().Str("message", msg.Message).Msg("Realtime server reported an error")
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Ignoring realtime message")
	}
}

func (c *Channel) isKnown(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[id]
	return ok
}

// deliver enqueues u, discarding the oldest buffered update when full.
// Only the read goroutine sends, so the loop terminates.
func (c *Channel) deliver(u models.DeviceUpdate) {
	for {
		select {
		case c.updates <- u:
			return
		default:
		}
		select {
		case <-c.updates:
			c.dropped.Add(1)
		default:
		}
	}
}

func (c *Channel) setConnected(at time.Time) {
	c.mu.Lock()
	c.connectedSince = at
	c.mu.Unlock()
	c.setState(StateConnected, 0, nil)
}

func (c *Channel) clearConn() {
	c.mu.Lock()
	c.connectedSince = time.Time{}
	c.mu.Unlock()
}

func (c *Channel) setState(to State, attempt int, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if to != StateConnected {
		c.attempt = attempt
	}
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	if from == to {
		return
	}
	c.cfg.Metrics.SetRealtimeConnected(to == StateConnected)
	if c.cfg.Events != nil {
		c.cfg.Events.PublishRealtimeState(string(from), string(to), attempt, err)
	}
}
