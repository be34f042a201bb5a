package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthlink/hearthlink/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventLog   EventType = "log"
	EventError EventType = "error"

	// Device state pushed by the realtime channel or observed by a read
	EventDeviceUpdate EventType = "device_update"

	// Resilience layer transitions
	EventBreakerState  EventType = "breaker_state"  // circuit breaker changed state
	EventRealtimeState EventType = "realtime_state" // realtime channel changed state
	EventTokenRotated  EventType = "token_rotated"  // a new credential was issued

	// Configuration change events
	EventConfigChanged EventType = "config_changed" // credentials or endpoint changed, caches should be invalidated
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level   LogLevel
	Message string
	Stage   string // component or operation that logged
	Error   error
}

// ErrorEvent represents a failed upstream operation
type ErrorEvent struct {
	BaseEvent
	Op        string
	DeviceID  string
	Error     error
	Retryable bool
}

// DeviceUpdateEvent carries a device attribute change.
type DeviceUpdateEvent struct {
	BaseEvent
	DeviceID   string
	Attributes map[string]any
	Source     string // "realtime" or "poll"
}

// BreakerStateEvent represents a circuit breaker transition
type BreakerStateEvent struct {
	BaseEvent
	Name     string
	From     string
	To       string
	Failures int
}

// RealtimeStateEvent represents a realtime channel transition
type RealtimeStateEvent struct {
	BaseEvent
	From    string
	To      string
	Attempt int
	Error   error
}

// TokenRotatedEvent is published after a successful login or refresh.
// The token itself is never carried.
type TokenRotatedEvent struct {
	BaseEvent
	ExpiresAt time.Time
}

// ConfigChangedEvent represents configuration changes.
// Subscribers should invalidate caches and re-authenticate.
type ConfigChangedEvent struct {
	BaseEvent
	Source string // "file", "env_var", "flag"
	Email  string // redacted account email
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking.
// Slow subscribers lose events; the loss is counted.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishLog is a convenience method for publishing log events
func (eb *EventBus) PublishLog(level LogLevel, message, stage string, err error) {
	eb.Publish(&LogEvent{
		BaseEvent: BaseEvent{EventType: EventLog, Time: time.Now()},
		Level:     level,
		Message:   message,
		Stage:     stage,
		Error:     err,
	})
}

// PublishDeviceUpdate is a convenience method for publishing device updates
func (eb *EventBus) PublishDeviceUpdate(deviceID string, attrs map[string]any, source string) {
	eb.Publish(&DeviceUpdateEvent{
		BaseEvent:  BaseEvent{EventType: EventDeviceUpdate, Time: time.Now()},
		DeviceID:   deviceID,
		Attributes: attrs,
		Source:     source,
	})
}

// PublishBreakerState is a convenience method for publishing breaker transitions
func (eb *EventBus) PublishBreakerState(name, from, to string, failures int) {
	eb.Publish(&BreakerStateEvent{
		BaseEvent: BaseEvent{EventType: EventBreakerState, Time: time.Now()},
		Name:      name,
		From:      from,
		To:        to,
		Failures:  failures,
	})
}

// PublishRealtimeState is a convenience method for publishing realtime transitions
func (eb *EventBus) PublishRealtimeState(from, to string, attempt int, err error) {
	eb.Publish(&RealtimeStateEvent{
		BaseEvent: BaseEvent{EventType: EventRealtimeState, Time: time.Now()},
		From:      from,
		To:        to,
		Attempt:   attempt,
		Error:     err,
	})
}

// PublishError is a convenience method for publishing operation failures
func (eb *EventBus) PublishError(op, deviceID string, err error, retryable bool) {
	eb.Publish(&ErrorEvent{
		BaseEvent: BaseEvent{EventType: EventError, Time: time.Now()},
		Op:        op,
		DeviceID:  deviceID,
		Error:     err,
		Retryable: retryable,
	})
}

// Unsubscribe removes a subscription channel from a specific event type
// This prevents memory leaks from abandoned subscriptions
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel from all event types
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}

// ResetDroppedEventCount resets the dropped event counter to zero
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.droppedEvents.Swap(0)
}
