// Package metrics provides interfaces and implementations for collecting
// connection-engine metrics. This package defines the Collector interface
// for recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording connection-engine metrics.
type Collector interface {
	// Connection lifecycle
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	ConnectionTimedOut(protocol string)

	// TLS interception
	TLSHandshakeSucceeded()
	TLSHandshakeFailed()
	TLSPassthroughFallback()

	// Relay throughput
	BytesRelayed(direction string, n int64)
	WatermarkTripped(side string)

	// Certificate/session cache (fkcrt, tgcrt, ssess, dsess)
	CacheHit(cacheName string)
	CacheMiss(cacheName string)
	CacheGCRun(cacheName string, evicted int)

	// Filter decisions (pass, block, divert, split)
	FilterAction(action string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
