package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func (c *clock) Set(d time.Duration) {
	c.mu.Lock()
	c.t = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	c := &clock{}
	c.Set(0)
	return c
}

func TestTTLBoundary(t *testing.T) {
	c := newClock()
	cache := New(Config{TTL: 2000 * time.Millisecond, Now: c.Now})

	var upstream atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		n := upstream.Add(1)
		return map[string]any{"power": "on", "call": n}, nil
	}
	ctx := context.Background()

	v0, err := cache.GetOrSet(ctx, "status:d1", fetch)
	require.NoError(t, err)

	c.Set(1500 * time.Millisecond)
	v1, err := cache.GetOrSet(ctx, "status:d1", fetch)
	require.NoError(t, err)
	assert.Equal(t, v0, v1)
	assert.Equal(t, int32(1), upstream.Load())

	c.Set(2100 * time.Millisecond)
	v2, err := cache.GetOrSet(ctx, "status:d1", fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), upstream.Load())
	assert.NotEqual(t, v0, v2)
}

func TestEntryPresentAtExactTTL(t *testing.T) {
	c := newClock()
	cache := New(Config{TTL: 2 * time.Second, Now: c.Now})
	cache.Set("k", 1)

	c.Set(2 * time.Second)
	_, ok := cache.Get("k")
	assert.True(t, ok, "entry is present while now - storedAt <= ttl")

	c.Set(2*time.Second + time.Millisecond)
	_, ok = cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len(), "expired entry evicted lazily on lookup")
	assert.Equal(t, int64(1), cache.Stats().Expirations)
}

func TestInsertionOrderEviction(t *testing.T) {
	cache := New(Config{MaxSize: 3})
	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("c", 3)

	// Reading "a" does not protect it without touch mode.
	_, _ = cache.Get("a")
	cache.Set("d", 4)

	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := cache.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestTouchOnAccessApproximatesLRU(t *testing.T) {
	cache := New(Config{MaxSize: 3, TouchOnAccess: true})
	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("c", 3)

	_, _ = cache.Get("a")
	cache.Set("d", 4)

	_, ok := cache.Get("a")
	assert.True(t, ok, "touched entry survives")
	_, ok = cache.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
}

func TestOverwriteMovesToNewest(t *testing.T) {
	cache := New(Config{MaxSize: 2})
	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("a", 10)
	cache.Set("c", 3)

	v, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = cache.Get("b")
	assert.False(t, ok)
}

func TestHitRatio(t *testing.T) {
	cache := New(Config{})
	assert.Equal(t, 0.0, cache.HitRatio())

	cache.Set("k", "v")
	cache.Get("k")
	cache.Get("k")
	cache.Get("k")
	cache.Get("missing")

	s := cache.Stats()
	assert.Equal(t, int64(3), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.75, s.HitRatio, 1e-9)
}

func TestGetOrSetConcurrentSingleLoad(t *testing.T) {
	cache := New(Config{TTL: time.Minute})
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := cache.GetOrSet(context.Background(), "devices", func(ctx context.Context) (any, error) {
				calls.Add(1)
				<-release
				return "list", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "list", v)
	}
}

func TestGetOrSetDoesNotCacheErrors(t *testing.T) {
	cache := New(Config{})
	boom := errors.New("boom")
	_, err := cache.GetOrSet(context.Background(), "k", func(ctx context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	_, ok := cache.Get("k")
	assert.False(t, ok)
}

func TestDeletePrefixAndClear(t *testing.T) {
	cache := New(Config{})
	cache.Set("status:d1", 1)
	cache.Set("status:d2", 2)
	cache.Set("devices", 3)

	assert.Equal(t, 2, cache.DeletePrefix("status:"))
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Delete("devices"))
	assert.False(t, cache.Delete("devices"))

	cache.Set("x", 1)
	cache.Get("x")
	cache.Clear()
	assert.Equal(t, Stats{}, cache.Stats())
}

func TestPeekLeavesStatsAndOrder(t *testing.T) {
	c := newClock()
	cache := New(Config{TTL: time.Second, MaxSize: 2, TouchOnAccess: true, Now: c.Now})
	cache.Set("a", 1)
	cache.Set("b", 2)

	v, ok := cache.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = cache.Peek("missing")
	assert.False(t, ok)

	s := cache.Stats()
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.Misses)

	// "a" was not touched, so it is still the oldest entry.
	cache.Set("c", 3)
	_, ok = cache.Peek("a")
	assert.False(t, ok)

	c.Set(1500 * time.Millisecond)
	_, ok = cache.Peek("c")
	assert.False(t, ok, "expired entries are not returned")
}

func TestPurge(t *testing.T) {
	c := newClock()
	cache := New(Config{TTL: time.Second, Now: c.Now})
	cache.Set("a", 1)
	c.Set(500 * time.Millisecond)
	cache.Set("b", 2)
	c.Set(1200 * time.Millisecond)

	assert.Equal(t, 1, cache.Purge())
	assert.Equal(t, 1, cache.Len())
}

func TestGetAs(t *testing.T) {
	cache := New(Config{})
	cache.Set("n", 42)
	n, ok := GetAs[int](cache, "n")
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = GetAs[string](cache, "n")
	assert.False(t, ok)
}
