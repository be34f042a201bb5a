package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlink/hearthlink/internal/config"
	"github.com/hearthlink/hearthlink/internal/events"
	"github.com/hearthlink/hearthlink/internal/models"
)

type staticTokens struct {
	mu    sync.Mutex
	token string
}

func (s *staticTokens) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *staticTokens) set(t string) {
	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
}

// pushServer accepts websocket connections, records the handshake and the
// subscribe message, then hands the connection to handle.
type pushServer struct {
	srv    *httptest.Server
	conns  atomic.Int32
	handle func(n int32, conn *websocket.Conn)

	mu      sync.Mutex
	subs    []subscribeMessage
	queries []string
	auths   []string
}

func newPushServer(t *testing.T, handle func(n int32, conn *websocket.Conn)) *pushServer {
	t.Helper()
	ps := &pushServer{handle: handle}
	upgrader := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		ps.mu.Lock()
		ps.subs = append(ps.subs, sub)
		ps.queries = append(ps.queries, r.URL.Query().Get("token"))
		ps.auths = append(ps.auths, r.Header.Get("Authorization"))
		ps.mu.Unlock()

		n := ps.conns.Add(1)
		if ps.handle != nil {
			ps.handle(n, conn)
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func (ps *pushServer) subscriptions() []subscribeMessage {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]subscribeMessage(nil), ps.subs...)
}

// holdOpen keeps reading until the client goes away, so pings are answered.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func fastConfig(url string) Config {
	return Config{
		URL:            url,
		Scope:          "acct-1",
		PingInterval:   time.Second,
		PongTimeout:    time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		MaxAttempts:    10,
	}
}

func TestChannel_SubscribesAndForwardsKnownDevices(t *testing.T) {
	ps := newPushServer(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "subscribed"})
		// Numeric id on the wire, string id locally.
		_ = conn.WriteJSON(map[string]any{"type": "device_state", "deviceId": 42, "attributes": map[string]any{"power": "on"}})
		_ = conn.WriteJSON(map[string]any{"type": "device_state", "deviceId": "999", "attributes": map[string]any{"power": "off"}})
		_ = conn.WriteJSON(map[string]any{"type": "device_state", "deviceId": 42.0, "attributes": map[string]any{"brightness": 80}})
		holdOpen(conn)
	})

	ch := New(fastConfig(ps.url()), &staticTokens{token: "tok-1"}, nil)
	ch.SetKnownDevices([]string{"42"})
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	first := <-ch.Updates()
	assert.Equal(t, "42", first.DeviceID)
	assert.Equal(t, "on", first.Attributes["power"])

	second := <-ch.Updates()
	assert.Equal(t, "42", second.DeviceID)
	assert.EqualValues(t, 80, second.Attributes["brightness"])

	assert.Eventually(t, func() bool { return ch.Stats().Unknown == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, ch.State())

	subs := ps.subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "subscribe", subs[0].Type)
	assert.Equal(t, "acct-1", subs[0].Scope)
	assert.Equal(t, "tok-1", subs[0].Token)
	assert.NotEmpty(t, subs[0].ID)
}

func TestChannel_TokenModes(t *testing.T) {
	tests := []struct {
		mode      string
		wantQuery string
		wantAuth  string
		wantBody  string
	}{
		{config.TokenModeMessage, "", "", "tok"},
		{config.TokenModeQuery, "tok", "", ""},
		{config.TokenModeHeader, "", "Bearer tok", ""},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			ps := newPushServer(t, func(_ int32, conn *websocket.Conn) { holdOpen(conn) })
			cfg := fastConfig(ps.url())
			cfg.TokenMode = tt.mode
			ch := New(cfg, &staticTokens{token: "tok"}, nil)
			require.NoError(t, ch.Start(context.Background()))
			defer ch.Close()

			require.Eventually(t, func() bool { return len(ps.subscriptions()) == 1 }, 2*time.Second, 5*time.Millisecond)
			ps.mu.Lock()
			defer ps.mu.Unlock()
			assert.Equal(t, tt.wantQuery, ps.queries[0])
			assert.Equal(t, tt.wantAuth, ps.auths[0])
			assert.Equal(t, tt.wantBody, ps.subs[0].Token)
		})
	}
}

func TestChannel_ReconnectsWithRotatedToken(t *testing.T) {
	tokens := &staticTokens{token: "old"}
	ps := newPushServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			// Drop the first connection after the token rotates.
			tokens.set("new")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"), time.Now().Add(time.Second))
			return
		}
		holdOpen(conn)
	})

	ch := New(fastConfig(ps.url()), tokens, nil)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	require.Eventually(t, func() bool { return len(ps.subscriptions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	subs := ps.subscriptions()
	assert.Equal(t, "old", subs[0].Token)
	assert.Equal(t, "new", subs[1].Token)
	assert.Eventually(t, func() bool { return ch.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, ch.Stats().Connects)
}

func TestChannel_HeartbeatTimeoutReconnects(t *testing.T) {
	ps := newPushServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			// Never read, so pings are never answered.
			time.Sleep(500 * time.Millisecond)
			return
		}
		holdOpen(conn)
	})

	cfg := fastConfig(ps.url())
	cfg.PingInterval = 40 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	ch := New(cfg, &staticTokens{token: "tok"}, nil)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	assert.Eventually(t, func() bool { return ps.conns.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, ch.Stats().LastError, "heartbeat timeout")
}

func TestChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	ps := newPushServer(t, nil)
	url := ps.url()
	ps.srv.Close()

	bus := events.NewEventBus(100)
	defer bus.Close()
	sub := bus.Subscribe(events.EventRealtimeState)

	cfg := fastConfig(url)
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.Events = bus
	ch := New(cfg, &staticTokens{token: "tok"}, nil)
	require.NoError(t, ch.Start(context.Background()))

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not give up")
	}
	assert.Equal(t, StateGaveUp, ch.State())
	assert.Equal(t, 3, ch.Stats().Attempt)

	_, open := <-ch.Updates()
	assert.False(t, open)

	var last *events.RealtimeStateEvent
	for len(sub) > 0 {
		last = (<-sub).(*events.RealtimeStateEvent)
	}
	require.NotNil(t, last)
	assert.Equal(t, "gave_up", last.To)
	ch.Close()
}

func TestChannel_NoTokenCountsAsFailedAttempt(t *testing.T) {
	ps := newPushServer(t, nil)
	cfg := fastConfig(ps.url())
	cfg.MaxAttempts = 2
	ch := New(cfg, &staticTokens{}, nil)
	require.NoError(t, ch.Start(context.Background()))

	<-ch.Done()
	assert.Equal(t, StateGaveUp, ch.State())
	assert.Zero(t, ps.conns.Load())
	assert.Contains(t, ch.Stats().LastError, "no valid token")
}

func TestChannel_StartAndClose(t *testing.T) {
	ch := New(Config{}, &staticTokens{token: "t"}, nil)
	assert.Error(t, ch.Start(context.Background()), "missing url")

	ps := newPushServer(t, func(_ int32, conn *websocket.Conn) { holdOpen(conn) })
	ch = New(fastConfig(ps.url()), &staticTokens{token: "t"}, nil)
	require.NoError(t, ch.Start(context.Background()))
	assert.Error(t, ch.Start(context.Background()))

	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	ch.Close()
	ch.Close()
	assert.Equal(t, StateDisconnected, ch.State())

	idle := New(fastConfig(ps.url()), &staticTokens{token: "t"}, nil)
	idle.Close()
	assert.Error(t, idle.Start(context.Background()))
}

func TestChannel_DeliverDropsOldest(t *testing.T) {
	cfg := fastConfig("ws://unused")
	cfg.Buffer = 2
	ch := New(cfg, nil, nil)

	for i := 1; i <= 3; i++ {
		ch.deliver(models.DeviceUpdate{DeviceID: string(rune('0' + i))})
	}
	assert.Equal(t, "2", (<-ch.updates).DeviceID)
	assert.Equal(t, "3", (<-ch.updates).DeviceID)
	assert.EqualValues(t, 1, ch.Stats().Dropped)
}

func TestChannel_Backoff(t *testing.T) {
	orig := jitterSource
	defer func() { jitterSource = orig }()

	ch := New(Config{URL: "ws://unused"}, nil, nil)

	jitterSource = func() float64 { return 0.5 }
	assert.Equal(t, time.Second, ch.backoff(1))
	assert.Equal(t, 2*time.Second, ch.backoff(2))
	assert.Equal(t, 32*time.Second, ch.backoff(6))
	assert.Equal(t, 60*time.Second, ch.backoff(7))
	assert.Equal(t, 60*time.Second, ch.backoff(10))

	jitterSource = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, ch.backoff(1))

	jitterSource = func() float64 { return 1 }
	assert.Equal(t, 1200*time.Millisecond, ch.backoff(1))
	assert.Equal(t, 60*time.Second, ch.backoff(10), "jitter never exceeds the cap")
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestChannel_ShortConnectionsKeepCounting(t *testing.T) {
	// Every connection is accepted and then dropped at once.
	ps := newPushServer(t, func(int32, *websocket.Conn) {})
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}

	cfg := fastConfig(ps.url())
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.StableGrace = time.Minute
	cfg.Now = clock.Now
	ch := New(cfg, &staticTokens{token: "tok"}, nil)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not give up")
	}
	assert.Equal(t, StateGaveUp, ch.State())
	assert.Equal(t, 3, ch.Stats().Attempt)
	assert.EqualValues(t, 3, ps.conns.Load(), "connections that never outlived the grace period count toward the limit")
}

func TestChannel_StableConnectionResetsAttempts(t *testing.T) {
	const stable = 5
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	var current atomic.Pointer[Channel]

	ps := newPushServer(t, func(n int32, _ *websocket.Conn) {
		if n > stable {
			return
		}
		// Let the client record the connect time, then stay up past the grace period.
		for ch := current.Load(); ch == nil || ch.State() != StateConnected; ch = current.Load() {
			time.Sleep(time.Millisecond)
		}
		clock.Advance(2 * time.Minute)
	})

	cfg := fastConfig(ps.url())
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.StableGrace = time.Minute
	cfg.Now = clock.Now
	ch := New(cfg, &staticTokens{token: "tok"}, nil)
	current.Store(ch)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not give up")
	}
	assert.Equal(t, StateGaveUp, ch.State())
	// The drop after the last stable connection is attempt 1; the two short
	// connections that follow reach the limit of 3.
	assert.EqualValues(t, stable+2, ps.conns.Load())
	assert.EqualValues(t, stable+2, ch.Stats().Connects)
}
