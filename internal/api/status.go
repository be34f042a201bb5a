package api

import (
	"context"
	"time"

	"github.com/hearthlink/hearthlink/internal/breaker"
	"github.com/hearthlink/hearthlink/internal/cache"
	"github.com/hearthlink/hearthlink/internal/dedupe"
	"github.com/hearthlink/hearthlink/internal/ratelimit"
	"github.com/hearthlink/hearthlink/internal/realtime"
)

// ClientStatus is a point-in-time health view of the client.
type ClientStatus struct {
	Authenticated  bool             `json:"authenticated"`
	TokenExpiresAt time.Time        `json:"tokenExpiresAt,omitempty"`
	TokenRefreshes int64            `json:"tokenRefreshes"`
	TokenFailures  int64            `json:"tokenFailures"`
	Breaker        breaker.Snapshot `json:"breaker"`
	Cache          cache.Stats      `json:"cache"`
	Dedupe         dedupe.Stats     `json:"dedupe"`
	WriteLimiter   LimiterStatus    `json:"writeLimiter"`
	Realtime       *realtime.Stats  `json:"realtime,omitempty"`
	Usage          UsageStatus      `json:"usage"`
	StateDirty     bool             `json:"stateDirty"`
	KnownDevices   int              `json:"knownDevices"`
	DroppedEvents  int64            `json:"droppedEvents"`
}

// LimiterStatus describes write admission.
type LimiterStatus struct {
	Scope    string        `json:"scope"`
	Used     int           `json:"used"`
	Limit    int           `json:"limit"`
	Queued   int           `json:"queued"`
	Cooldown time.Duration `json:"cooldown"`
}

// UsageStatus counts upstream HTTP calls by operation.
type UsageStatus struct {
	TotalCalls int64            `json:"totalCalls"`
	ByOp       map[string]int64 `json:"byOp"`
}

// GetClientStatus reports the state of every resilience component.
func (c *Client) GetClientStatus() ClientStatus {
	_, authed := c.tokens.Current()
	s := ClientStatus{
		Authenticated:  authed,
		TokenExpiresAt: c.tokens.ExpiresAt(),
		TokenRefreshes: c.tokens.RefreshCount(),
		TokenFailures:  c.tokens.FailureCount(),
		Breaker:        c.breaker.Snapshot(),
		Cache:          c.cache.Stats(),
		Dedupe:         c.dedupe.Stats(),
		DroppedEvents:  c.bus.GetDroppedEventCount(),
	}

	if l := c.limiters[ratelimit.ScopeWrite]; l != nil {
		used, limit := l.Occupancy()
		s.WriteLimiter = LimiterStatus{
			Scope:    c.registry.ScopeDisplayString(ratelimit.ScopeWrite),
			Used:     used,
			Limit:    limit,
			Queued:   l.Queued(),
			Cooldown: l.CooldownRemaining(),
		}
	}

	c.rtMu.Lock()
	if c.rt != nil {
		rs := c.rt.Stats()
		s.Realtime = &rs
	}
	c.rtMu.Unlock()

	c.usage.Lock()
	s.Usage.TotalCalls = c.usage.totalCalls
	s.Usage.ByOp = make(map[string]int64, len(c.usage.callsByOp))
	for op, n := range c.usage.callsByOp {
		s.Usage.ByOp[op] = n
	}
	c.usage.Unlock()

	if c.store != nil {
		s.StateDirty = c.store.Dirty()
		s.KnownDevices = len(c.store.All())
	}
	return s
}

// Shutdown stops the realtime channel, flushes device state and closes the
// event bus if the client created it. It is safe to call more than once;
// later calls return the first result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			c.rtMu.Lock()
			ch, pumpDone := c.rt, c.pumpDone
			c.rtMu.Unlock()
			if ch != nil {
				ch.Close()
				<-pumpDone
			}

			var err error
			if c.store != nil {
				err = c.store.Save()
			}
			done <- err
		}()

		select {
		case c.shutdownErr = <-done:
		case <-ctx.Done():
			c.shutdownErr = ctx.Err()
			c.logger.Warnf("Shutdown interrupted before state was flushed: %v", ctx.Err())
		}
		if c.ownBus {
			c.bus.Close()
		}
	})
	return c.shutdownErr
}
