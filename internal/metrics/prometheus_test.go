package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollectorConnectionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.ConnectionOpened("pop3")
	c.ConnectionOpened("pop3")
	c.ConnectionClosed("pop3")
	c.ConnectionTimedOut("pop3")

	if got := testutil.ToFloat64(c.connectionsTotal.WithLabelValues("pop3")); got != 2 {
		t.Errorf("connectionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.connectionsActive.WithLabelValues("pop3")); got != 1 {
		t.Errorf("connectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connectionsTimedOut.WithLabelValues("pop3")); got != 1 {
		t.Errorf("connectionsTimedOut = %v, want 1", got)
	}
}

func TestPrometheusCollectorTLS(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.TLSHandshakeSucceeded()
	c.TLSHandshakeSucceeded()
	c.TLSHandshakeFailed()
	c.TLSPassthroughFallback()

	if got := testutil.ToFloat64(c.tlsHandshakesTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("tlsHandshakesTotal[success] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.tlsHandshakesTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("tlsHandshakesTotal[failure] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.tlsPassthroughFallback); got != 1 {
		t.Errorf("tlsPassthroughFallback = %v, want 1", got)
	}
}

func TestPrometheusCollectorRelay(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.BytesRelayed("client_to_origin", 100)
	c.BytesRelayed("client_to_origin", 50)
	c.WatermarkTripped("src")

	if got := testutil.ToFloat64(c.bytesRelayedTotal.WithLabelValues("client_to_origin")); got != 150 {
		t.Errorf("bytesRelayedTotal = %v, want 150", got)
	}
	if got := testutil.ToFloat64(c.watermarkTripsTotal.WithLabelValues("src")); got != 1 {
		t.Errorf("watermarkTripsTotal = %v, want 1", got)
	}
}

func TestPrometheusCollectorCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.CacheHit("fkcrt")
	c.CacheHit("fkcrt")
	c.CacheMiss("fkcrt")
	c.CacheGCRun("fkcrt", 3)

	if got := testutil.ToFloat64(c.cacheHitsTotal.WithLabelValues("fkcrt")); got != 2 {
		t.Errorf("cacheHitsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.cacheMissesTotal.WithLabelValues("fkcrt")); got != 1 {
		t.Errorf("cacheMissesTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.cacheGCRunsTotal.WithLabelValues("fkcrt")); got != 1 {
		t.Errorf("cacheGCRunsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.cacheGCEvicted.WithLabelValues("fkcrt")); got != 3 {
		t.Errorf("cacheGCEvicted = %v, want 3", got)
	}
}

func TestPrometheusCollectorFilter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.FilterAction("block")
	c.FilterAction("block")
	c.FilterAction("pass")

	if got := testutil.ToFloat64(c.filterActionsTotal.WithLabelValues("block")); got != 2 {
		t.Errorf("filterActionsTotal[block] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.filterActionsTotal.WithLabelValues("pass")); got != 1 {
		t.Errorf("filterActionsTotal[pass] = %v, want 1", got)
	}
}

func TestNoopCollectorSatisfiesInterface(t *testing.T) {
	var _ Collector = (&NoopCollector{})

	// All methods should be safe to call without panicking.
	c := &NoopCollector{}
	c.ConnectionOpened("tcp")
	c.ConnectionClosed("tcp")
	c.ConnectionTimedOut("tcp")
	c.TLSHandshakeSucceeded()
	c.TLSHandshakeFailed()
	c.TLSPassthroughFallback()
	c.BytesRelayed("client_to_origin", 1)
	c.WatermarkTripped("dst")
	c.CacheHit("ssess")
	c.CacheMiss("ssess")
	c.CacheGCRun("ssess", 0)
	c.FilterAction("pass")
}

// TestPrometheusServerServesAndShutsDown checks that Start exposes the
// default registry over HTTP and that canceling ctx shuts the server
// down gracefully rather than hanging.
func TestPrometheusServerServesAndShutsDown(t *testing.T) {
	srv := NewPrometheusServer("127.0.0.1:0", "/metrics")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

// TestPrometheusServerExposesMetrics verifies the /metrics endpoint
// actually serves a registry's exposition format via promhttp, the same
// handler NewPrometheusServer installs (against the default registry).
func TestPrometheusServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)
	c.FilterAction("pass")

	ts := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "sslproxyd_filter_actions_total") {
		t.Errorf("expected sslproxyd_filter_actions_total in body, got:\n%s", body)
	}
}
