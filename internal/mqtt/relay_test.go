package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlink/hearthlink/internal/events"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu           sync.Mutex
	connected    bool
	err          error
	messages     []published
	disconnected bool
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	f.messages = append(f.messages, published{topic, qos, retained, data})
	return &fakeToken{err: f.err}
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeBroker) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "home/devices/42/state", Topics{Prefix: "home/"}.DeviceState("42"))
	assert.Equal(t, "hearthlink/devices/a_b_c/state", Topics{}.DeviceState("a/b+c"))
	assert.Equal(t, "hearthlink/status", Topics{}.Status())
	assert.Equal(t, "x/realtime", Topics{Prefix: "x"}.Realtime())
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestPublishState(t *testing.T) {
	fb := &fakeBroker{connected: true}
	r := newRelay(fb, Config{TopicPrefix: "home", QoS: 1}, nil)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.PublishState("42", map[string]any{"power": "on"}, "realtime", at))

	msgs := fb.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "home/devices/42/state", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, byte(1), msgs[0].qos)

	var p StatePayload
	require.NoError(t, json.Unmarshal(msgs[0].payload, &p))
	assert.Equal(t, "42", p.DeviceID)
	assert.Equal(t, "on", p.Attributes["power"])
	assert.Equal(t, "realtime", p.Source)
	assert.True(t, p.UpdatedAt.Equal(at))
}

func TestPublishErrors(t *testing.T) {
	fb := &fakeBroker{}
	r := newRelay(fb, Config{}, nil)
	assert.ErrorIs(t, r.PublishState("1", nil, "poll", time.Now()), ErrNotConnected)

	fb.connected = true
	fb.err = errors.New("broker refused")
	assert.ErrorIs(t, r.PublishState("1", nil, "poll", time.Now()), ErrPublishFailed)

	published, failed := r.Counts()
	assert.Zero(t, published)
	assert.EqualValues(t, 2, failed)
}

func TestRunForwardsBusEvents(t *testing.T) {
	fb := &fakeBroker{connected: true}
	r := newRelay(fb, Config{TopicPrefix: "home"}, nil)
	bus := events.NewEventBus(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, bus)
		close(done)
	}()

	// Run subscribes asynchronously; publish until the relay has seen one.
	require.Eventually(t, func() bool {
		bus.PublishDeviceUpdate("7", map[string]any{"brightness": 30}, "poll")
		return len(fb.sent()) > 0
	}, time.Second, 10*time.Millisecond)

	bus.PublishRealtimeState("connecting", "connected", 0, nil)
	require.Eventually(t, func() bool {
		for _, m := range fb.sent() {
			if m.topic == "home/realtime" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, "home/devices/7/state", fb.sent()[0].topic)
}

func TestClosePublishesOffline(t *testing.T) {
	fb := &fakeBroker{connected: true}
	r := newRelay(fb, Config{ClientID: "hl", TopicPrefix: "home"}, nil)
	require.NoError(t, r.Close())

	msgs := fb.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "home/status", msgs[0].topic)
	assert.Contains(t, string(msgs[0].payload), `"graceful_shutdown"`)
	assert.True(t, fb.disconnected)
}

func TestConnectRejectsInvalidQoS(t *testing.T) {
	_, err := Connect(Config{Broker: "localhost:1883", QoS: 3}, nil)
	assert.ErrorIs(t, err, ErrInvalidQoS)
}
