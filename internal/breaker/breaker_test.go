package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlink/hearthlink/internal/apierr"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker() (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Name: "test", Now: c.Now}), c
}

var netErr = apierr.Wrap(apierr.KindNetwork, "getDevices", errors.New("connection refused"))

func fail(ctx context.Context) error    { return netErr }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterThresholdAndProbesOnce(t *testing.T) {
	b, c := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, fail)
		require.ErrorIs(t, err, apierr.ErrNetwork)
	}
	require.Equal(t, StateOpen, b.State())

	// 6th call within 30s fails fast without invoking fn.
	c.Advance(10 * time.Second)
	var calls atomic.Int32
	err := b.Execute(ctx, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, apierr.ErrCircuitOpen)
	assert.Equal(t, int32(0), calls.Load())
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, e.RetryAfter)
	assert.False(t, e.Retryable)

	// After the reset timeout exactly one call goes through and closes the breaker.
	c.Advance(20 * time.Second)
	err = b.Execute(ctx, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestExactlyOneConcurrentProbe(t *testing.T) {
	b, c := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.Record(false, netErr)
	}
	c.Advance(30 * time.Second)

	release := make(chan struct{})
	var invoked atomic.Int32
	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(context.Background(), func(ctx context.Context) error {
				invoked.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, apierr.ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}

	// Wait until 19 callers were rejected; the 20th holds the probe.
	deadline := time.Now().Add(2 * time.Second)
	for rejected.Load() < 19 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, int32(19), rejected.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbeReopensWithLongerTimeout(t *testing.T) {
	b, c := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.Record(false, netErr)
	}
	c.Advance(30 * time.Second)

	require.ErrorIs(t, b.Execute(context.Background(), fail), apierr.ErrNetwork)
	require.Equal(t, StateOpen, b.State())

	snap := b.Snapshot()
	assert.Equal(t, 60*time.Second, snap.ResetTimeout)
	assert.Equal(t, 5, snap.Failures, "failure count unchanged by a failed probe")
	assert.Equal(t, 60*time.Second, snap.RemainingWait)

	// Still open at +59s, probe at +60s.
	c.Advance(59 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), succeed), apierr.ErrCircuitOpen)
	c.Advance(time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 30*time.Second, b.Snapshot().ResetTimeout)
}

func TestResetTimeoutIsCapped(t *testing.T) {
	c := &clock{t: time.Now()}
	b := New(Config{Now: c.Now, ResetTimeout: time.Minute, MaxResetTimeout: 3 * time.Minute})
	for i := 0; i < 5; i++ {
		b.Record(false, netErr)
	}
	for i := 0; i < 5; i++ {
		c.Advance(b.Snapshot().ResetTimeout)
		_ = b.Execute(context.Background(), fail)
	}
	assert.Equal(t, 3*time.Minute, b.Snapshot().ResetTimeout)
}

func TestClientErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker()
	notFound := apierr.FromStatus("getDeviceStatus", 404, "", 0, "d1")
	badReq := apierr.FromStatus("setBrightness", 400, "bad", 0, "d1")
	auth := apierr.FromStatus("getDevices", 401, "unauthorized", 0, "")

	for i := 0; i < 10; i++ {
		b.Record(false, notFound)
		b.Record(false, badReq)
		b.Record(false, auth)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestServerErrorsTrip(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.Record(false, apierr.FromStatus("getDevices", 503, "unavailable", 0, ""))
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 4; i++ {
		b.Record(false, netErr)
	}
	b.Record(false, nil)
	for i := 0; i < 4; i++ {
		b.Record(false, netErr)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 4, b.Failures())
}

func TestCancelledProbeReleasesSlot(t *testing.T) {
	b, c := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.Record(false, netErr)
	}
	c.Advance(30 * time.Second)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, b.State())

	// The next caller can probe.
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestOnStateChange(t *testing.T) {
	b, c := newTestBreaker()
	var mu sync.Mutex
	var seen []string
	b.OnStateChange(func(from, to State) {
		mu.Lock()
		seen = append(seen, from.String()+">"+to.String())
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Record(false, netErr)
	}
	c.Advance(30 * time.Second)
	_ = b.Execute(context.Background(), succeed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, seen)
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker()
	for i := 0; i < 5; i++ {
		b.Record(false, netErr)
	}
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, int64(1), b.Snapshot().Trips)
}
