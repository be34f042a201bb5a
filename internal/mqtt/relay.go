// Package mqtt republishes device updates from the event bus to an MQTT
// broker as retained state messages, so home-automation tools can follow
// cloud devices without talking to the cloud themselves.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hearthlink/hearthlink/internal/events"
	"github.com/hearthlink/hearthlink/internal/logging"
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrInvalidQoS       = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)

// brokerClient is the subset of pahomqtt.Client the relay uses.
type brokerClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// StatePayload is the JSON body of a device state message.
type StatePayload struct {
	DeviceID   string         `json:"deviceId"`
	Attributes map[string]any `json:"attributes"`
	Source     string         `json:"source"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type realtimePayload struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay publishes bus events to the broker.
type Relay struct {
	client brokerClient
	cfg    Config
	topics Topics
	logger *logging.Logger

	mu        sync.Mutex
	published int64
	failed    int64
}

// Connect dials the broker and publishes the online status. Paho keeps the
// connection alive and reconnects on its own afterwards.
func Connect(cfg Config, logger *logging.Logger) (*Relay, error) {
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Relay{cfg: cfg, topics: Topics{Prefix: cfg.TopicPrefix}, logger: logger}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		r.logger.Info().Str("broker", cfg.Broker).Msg("MQTT relay connected")
		c.Publish(r.topics.Status(), cfg.QoS, true, statusPayload(cfg.ClientID, "online", ""))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		r.logger.Warn().Err(err).Msg("MQTT relay lost connection, reconnecting")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	r.client = client
	return r, nil
}

func newRelay(client brokerClient, cfg Config, logger *logging.Logger) *Relay {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Relay{client: client, cfg: cfg, topics: Topics{Prefix: cfg.TopicPrefix}, logger: logger}
}

// Topics returns the relay's topic builder.
func (r *Relay) Topics() Topics { return r.topics }

// PublishState publishes one device's attributes as a retained message.
func (r *Relay) PublishState(deviceID string, attrs map[string]any, source string, at time.Time) error {
	payload, err := json.Marshal(StatePayload{
		DeviceID:   deviceID,
		Attributes: attrs,
		Source:     source,
		UpdatedAt:  at.UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return r.publish(r.topics.DeviceState(deviceID), payload, true)
}

func (r *Relay) publish(topic string, payload []byte, retained bool) error {
	if !r.client.IsConnected() {
		r.count(false)
		return ErrNotConnected
	}
	token := r.client.Publish(topic, r.cfg.QoS, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		r.count(false)
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		r.count(false)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	r.count(true)
	return nil
}

func (r *Relay) count(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.published++
	} else {
		r.failed++
	}
}

// Counts returns how many publishes succeeded and failed.
func (r *Relay) Counts() (published, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published, r.failed
}

// Run forwards device updates and realtime transitions from bus until ctx
// is done or the bus is closed. Publish failures are logged and skipped;
// the next update for a device supersedes the lost one.
func (r *Relay) Run(ctx context.Context, bus *events.EventBus) {
	updates := bus.Subscribe(events.EventDeviceUpdate)
	realtime := bus.Subscribe(events.EventRealtimeState)
	defer bus.Unsubscribe(events.EventDeviceUpdate, updates)
	defer bus.Unsubscribe(events.EventRealtimeState, realtime)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			u, isUpdate := ev.(*events.DeviceUpdateEvent)
			if !isUpdate {
				continue
			}
			if err := r.PublishState(u.DeviceID, u.Attributes, u.Source, u.Timestamp()); err != nil {
				r.logger.Debug().Err(err).Str("device", u.DeviceID).Msg("MQTT state publish failed")
			}
		case ev, ok := <-realtime:
			if !ok {
				return
			}
			s, isState := ev.(*events.RealtimeStateEvent)
			if !isState {
				continue
			}
			p := realtimePayload{From: s.From, To: s.To, Attempt: s.Attempt, Timestamp: s.Timestamp().UTC()}
			if s.Error != nil {
				p.Error = s.Error.Error()
			}
			data, _ := json.Marshal(p)
			if err := r.publish(r.topics.Realtime(), data, true); err != nil {
				r.logger.Debug().Err(err).Msg("MQTT realtime publish failed")
			}
		}
	}
}

// Close publishes a graceful offline status and disconnects.
func (r *Relay) Close() error {
	if r.client == nil {
		return nil
	}
	if r.client.IsConnected() {
		token := r.client.Publish(r.topics.Status(), r.cfg.QoS, true, statusPayload(r.cfg.ClientID, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	r.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}
