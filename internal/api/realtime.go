package api

import (
	"context"
	"fmt"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/http"
	"github.com/hearthlink/hearthlink/internal/models"
	"github.com/hearthlink/hearthlink/internal/realtime"
)

// SubscribeToUpdates registers handler for device updates from the realtime
// channel, from reads that observed a change and from successful writes.
// Handlers run on the goroutine that produced the update and must not block.
// The returned func removes the handler.
func (c *Client) SubscribeToUpdates(handler func(models.DeviceUpdate)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = handler
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// StartRealtime logs in if needed, lists devices to learn the known ids and
// starts the push channel. It returns once the channel is started; the
// channel runs until ctx is done or Shutdown.
func (c *Client) StartRealtime(ctx context.Context) error {
	if !c.cfg.RealtimeEnabled {
		return apierr.Config("realtime is disabled in the configuration")
	}

	c.rtMu.Lock()
	started := c.rt != nil
	c.rtMu.Unlock()
	if started {
		return apierr.New(apierr.KindRealtime, "startRealtime", "realtime channel already started")
	}

	if _, err := c.tokens.Token(ctx); err != nil {
		return err
	}
	devices, err := c.GetDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices for realtime: %w", err)
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID.String())
	}

	ch := realtime.New(realtime.Config{
		URL:         c.cfg.RealtimeURL,
		Scope:       c.cfg.Scope(),
		TokenMode:   c.cfg.TokenMode,
		MaxAttempts: c.cfg.RealtimeMaxAttempts,
		Proxy:       http.ProxyFunc(c.cfg, c.logger),
		Events:      c.bus,
		Metrics:     c.metrics,
	}, c.tokens, c.logger.Component("realtime"))

	c.rtMu.Lock()
	if c.rt != nil {
		c.rtMu.Unlock()
		return apierr.New(apierr.KindRealtime, "startRealtime", "realtime channel already started")
	}
	c.rt = ch
	c.pumpDone = make(chan struct{})
	c.rtMu.Unlock()

	ch.SetKnownDevices(ids)
	if err := ch.Start(ctx); err != nil {
		c.rtMu.Lock()
		c.rt, c.pumpDone = nil, nil
		c.rtMu.Unlock()
		return err
	}
	go c.pump(ch, c.pumpDone)
	return nil
}

// pump forwards channel updates until the channel closes its stream.
func (c *Client) pump(ch *realtime.Channel, done chan struct{}) {
	defer close(done)
	for u := range ch.Updates() {
		c.observe(u.DeviceID, u.Attributes, "realtime")
		c.saveState()
	}
}

// RealtimeState returns the channel state, or disconnected when it was never started.
func (c *Client) RealtimeState() realtime.State {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	if c.rt == nil {
		return realtime.StateDisconnected
	}
	return c.rt.State()
}

func (c *Client) setKnownDevices(ids []string) {
	c.rtMu.Lock()
	ch := c.rt
	c.rtMu.Unlock()
	if ch != nil {
		ch.SetKnownDevices(ids)
	}
}

// observe records device attributes in the store and notifies subscribers.
// Reads notify only when something changed; pushes and writes always notify.
func (c *Client) observe(deviceID string, attrs map[string]any, source string) {
	if deviceID == "" {
		return
	}
	changed := true
	if c.store != nil {
		changed = c.store.Update(deviceID, attrs)
	}
	if !changed && source == "poll" {
		return
	}

	c.metrics.DeviceUpdate(source)
	c.bus.PublishDeviceUpdate(deviceID, attrs, source)

	update := models.DeviceUpdate{DeviceID: deviceID, Attributes: attrs, ReceivedAt: c.now()}
	c.subMu.RLock()
	handlers := make([]func(models.DeviceUpdate), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		c.dispatch(h, update)
	}
}

func (c *Client) dispatch(h func(models.DeviceUpdate), u models.DeviceUpdate) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("device", u.DeviceID).Msg("Update handler panic recovered")
		}
	}()
	h(u)
}
