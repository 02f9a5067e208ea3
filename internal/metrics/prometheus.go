package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	connectionsTimedOut *prometheus.CounterVec

	tlsHandshakesTotal     *prometheus.CounterVec
	tlsPassthroughFallback prometheus.Counter

	bytesRelayedTotal   *prometheus.CounterVec
	watermarkTripsTotal *prometheus.CounterVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheGCRunsTotal *prometheus.CounterVec
	cacheGCEvicted   *prometheus.CounterVec

	filterActionsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_connections_total",
			Help: "Total number of connections opened, by protocol.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sslproxyd_connections_active",
			Help: "Number of currently active connections, by protocol.",
		}, []string{"protocol"}),
		connectionsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_connections_timed_out_total",
			Help: "Total number of connections reaped for idling past their timeout.",
		}, []string{"protocol"}),

		tlsHandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_tls_handshakes_total",
			Help: "Total number of intercepted TLS handshakes, by result.",
		}, []string{"result"}),
		tlsPassthroughFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sslproxyd_tls_passthrough_fallback_total",
			Help: "Total number of connections that fell back to raw TCP passthrough after a forgery failure.",
		}),

		bytesRelayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_bytes_relayed_total",
			Help: "Total bytes relayed, by direction (client_to_origin, origin_to_client).",
		}, []string{"direction"}),
		watermarkTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_watermark_trips_total",
			Help: "Total number of times a paired read was disabled on hitting the high watermark, by side.",
		}, []string{"side"}),

		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_cache_hits_total",
			Help: "Total cache hits, by cache name.",
		}, []string{"cache"}),
		cacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_cache_misses_total",
			Help: "Total cache misses, by cache name.",
		}, []string{"cache"}),
		cacheGCRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_cache_gc_runs_total",
			Help: "Total cache GC sweeps run, by cache name.",
		}, []string{"cache"}),
		cacheGCEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_cache_gc_evicted_total",
			Help: "Total entries evicted by cache GC sweeps, by cache name.",
		}, []string{"cache"}),

		filterActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslproxyd_filter_actions_total",
			Help: "Total filter decisions, by action (pass, block, divert, split).",
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.connectionsTimedOut,
		c.tlsHandshakesTotal,
		c.tlsPassthroughFallback,
		c.bytesRelayedTotal,
		c.watermarkTripsTotal,
		c.cacheHitsTotal,
		c.cacheMissesTotal,
		c.cacheGCRunsTotal,
		c.cacheGCEvicted,
		c.filterActionsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge for protocol.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connections gauge for protocol.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// ConnectionTimedOut increments the idle-reap counter for protocol.
func (c *PrometheusCollector) ConnectionTimedOut(protocol string) {
	c.connectionsTimedOut.WithLabelValues(protocol).Inc()
}

// TLSHandshakeSucceeded increments the TLS handshake success counter.
func (c *PrometheusCollector) TLSHandshakeSucceeded() {
	c.tlsHandshakesTotal.WithLabelValues("success").Inc()
}

// TLSHandshakeFailed increments the TLS handshake failure counter.
func (c *PrometheusCollector) TLSHandshakeFailed() {
	c.tlsHandshakesTotal.WithLabelValues("failure").Inc()
}

// TLSPassthroughFallback increments the passthrough-fallback counter.
func (c *PrometheusCollector) TLSPassthroughFallback() {
	c.tlsPassthroughFallback.Inc()
}

// BytesRelayed adds n bytes to the relayed-bytes counter for direction.
func (c *PrometheusCollector) BytesRelayed(direction string, n int64) {
	c.bytesRelayedTotal.WithLabelValues(direction).Add(float64(n))
}

// WatermarkTripped increments the watermark-trip counter for side.
func (c *PrometheusCollector) WatermarkTripped(side string) {
	c.watermarkTripsTotal.WithLabelValues(side).Inc()
}

// CacheHit increments the hit counter for cacheName.
func (c *PrometheusCollector) CacheHit(cacheName string) {
	c.cacheHitsTotal.WithLabelValues(cacheName).Inc()
}

// CacheMiss increments the miss counter for cacheName.
func (c *PrometheusCollector) CacheMiss(cacheName string) {
	c.cacheMissesTotal.WithLabelValues(cacheName).Inc()
}

// CacheGCRun increments the GC-run counter and adds evicted entries for cacheName.
func (c *PrometheusCollector) CacheGCRun(cacheName string, evicted int) {
	c.cacheGCRunsTotal.WithLabelValues(cacheName).Inc()
	c.cacheGCEvicted.WithLabelValues(cacheName).Add(float64(evicted))
}

// FilterAction increments the filter-action counter.
func (c *PrometheusCollector) FilterAction(action string) {
	c.filterActionsTotal.WithLabelValues(action).Inc()
}

// PrometheusServer serves the default registry's metrics over HTTP at
// path, the Server implementation referenced by cmd/sslproxyd (and, in
// the teacher, cmd/pop3d/serve.go's `metrics.NewPrometheusServer(cfg.Metrics.Address,
// cfg.Metrics.Path)` call, which this package's retrieved snapshot
// declared but did not define — built here in the same call shape).
type PrometheusServer struct {
	srv *http.Server
}

// NewPrometheusServer builds a PrometheusServer listening on addr,
// exposing the default registry's metrics at path via promhttp.Handler.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &PrometheusServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start listens and serves until ctx is canceled, at which point it
// shuts the server down gracefully and returns ctx.Err(). Matches the
// call pattern `go func() { metricsServer.Start(ctx) }()`.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
