// Package metrics exports client health as Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hearthlink"

// Metrics holds Prometheus metrics for the API client
type Metrics struct {
	registry *prometheus.Registry

	// Upstream calls
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	retriesTotal *prometheus.CounterVec

	// Admission
	limiterUsed     prometheus.Gauge
	limiterLimit    prometheus.Gauge
	rateLimitedHits *prometheus.CounterVec

	// Circuit breaker
	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec

	// Token lifecycle
	tokenRefreshes *prometheus.CounterVec

	// Realtime channel
	realtimeState      prometheus.Gauge
	realtimeReconnects prometheus.Counter
	deviceUpdates      *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry with the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates metrics registered on reg. Returns nil when reg is nil.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{registry: reg}

	m.callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_calls_total",
		Help:      "Upstream API calls by operation and outcome (ok or error kind)",
	}, []string{"op", "outcome"})

	m.callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_call_duration_seconds",
		Help:      "Duration of upstream API calls including retries",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	m.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Retry attempts by operation and policy",
	}, []string{"op", "policy"})

	m.limiterUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "write_limiter_used",
		Help:      "Write operations counted in the current window",
	})

	m.limiterLimit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "write_limiter_limit",
		Help:      "Write operations allowed per window",
	})

	m.rateLimitedHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Rate limit rejections by source (local or server)",
	}, []string{"source"})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	m.breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker transitions by target state",
	}, []string{"name", "to"})

	m.tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Token refreshes by outcome",
	}, []string{"outcome"})

	m.realtimeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_connected",
		Help:      "1 while the realtime channel is connected",
	})

	m.realtimeReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_reconnects_total",
		Help:      "Realtime reconnect attempts",
	})

	m.deviceUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_updates_total",
		Help:      "Device updates by source (realtime or poll)",
	}, []string{"source"})

	reg.MustRegister(
		m.callsTotal, m.callDuration, m.retriesTotal,
		m.limiterUsed, m.limiterLimit, m.rateLimitedHits,
		m.breakerState, m.breakerTrips,
		m.tokenRefreshes,
		m.realtimeState, m.realtimeReconnects, m.deviceUpdates,
	)
	return m
}

// CacheStatsFunc reports cumulative cache counters and the current size.
type CacheStatsFunc func() (hits, misses, evictions int64, size int)

// WatchCache exports cache counters read at scrape time.
func (m *Metrics) WatchCache(stats CacheStatsFunc) {
	if m == nil || stats == nil {
		return
	}
	counter := func(name, help string, pick func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, pick)
	}
	m.registry.MustRegister(
		counter("cache_hits_total", "Response cache hits", func() float64 { h, _, _, _ := stats(); return float64(h) }),
		counter("cache_misses_total", "Response cache misses", func() float64 { _, mi, _, _ := stats(); return float64(mi) }),
		counter("cache_evictions_total", "Response cache capacity evictions", func() float64 { _, _, e, _ := stats(); return float64(e) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "cache_entries", Help: "Response cache entries"},
			func() float64 { _, _, _, s := stats(); return float64(s) }),
	)
}

// ObserveCall records one guarded upstream operation.
func (m *Metrics) ObserveCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(op, outcome).Inc()
	m.callDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveRetry records a retry attempt.
func (m *Metrics) ObserveRetry(op, policy string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(op, policy).Inc()
}

// SetLimiter records write limiter occupancy.
func (m *Metrics) SetLimiter(used, limit int) {
	if m == nil {
		return
	}
	m.limiterUsed.Set(float64(used))
	m.limiterLimit.Set(float64(limit))
}

// RateLimited records a rejection; source is "local" or "server".
func (m *Metrics) RateLimited(source string) {
	if m == nil {
		return
	}
	m.rateLimitedHits.WithLabelValues(source).Inc()
}

// SetBreakerState records a breaker transition. state is the numeric state.
func (m *Metrics) SetBreakerState(name string, state int, to string) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
	m.breakerTrips.WithLabelValues(name, to).Inc()
}

// TokenRefresh records a refresh outcome ("ok" or "error").
func (m *Metrics) TokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// SetRealtimeConnected records the realtime connection state.
func (m *Metrics) SetRealtimeConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.realtimeState.Set(1)
	} else {
		m.realtimeState.Set(0)
	}
}

// RealtimeReconnect records a reconnect attempt.
func (m *Metrics) RealtimeReconnect() {
	if m == nil {
		return
	}
	m.realtimeReconnects.Inc()
}

// DeviceUpdate records an applied device update.
func (m *Metrics) DeviceUpdate(source string) {
	if m == nil {
		return
	}
	m.deviceUpdates.WithLabelValues(source).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
