package conn

import (
	"log/slog"

	"github.com/infodancer/sslproxyd/internal/certcache"
	"github.com/infodancer/sslproxyd/internal/filter"
	"github.com/infodancer/sslproxyd/internal/forge"
	"github.com/infodancer/sslproxyd/internal/logqueue"
	"github.com/infodancer/sslproxyd/internal/metrics"
)

// LogSinks bundles the five named loggers spec.md §6 routes connect/
// content/cert/masterkey/pcap records through.
type LogSinks struct {
	Connect   *logqueue.Logger
	Content   *logqueue.Logger
	Cert      *logqueue.Logger
	Masterkey *logqueue.Logger
	PCAP      *logqueue.Logger
}

// Engine bundles every collaborator a connection context needs beyond
// its own state: the certificate/session cache manager, the filter,
// the certificate forger, metrics, the five log sinks, and watermark
// tuning. One Engine is shared by every worker and every Context.
type Engine struct {
	Certs   *certcache.Manager
	Filter  filter.Filter
	Forger  forge.Forger
	Metrics metrics.Collector
	Logs    LogSinks
	Logger  *slog.Logger

	Hostname string

	HighWatermark int
	LowWatermark  int
}

func (e *Engine) highWatermark() int {
	if e != nil && e.HighWatermark > 0 {
		return e.HighWatermark
	}
	return DefaultHighWatermark
}

func (e *Engine) lowWatermark() int {
	if e != nil && e.LowWatermark > 0 {
		return e.LowWatermark
	}
	return DefaultLowWatermark
}

func (e *Engine) metrics() metrics.Collector {
	if e != nil && e.Metrics != nil {
		return e.Metrics
	}
	return &metrics.NoopCollector{}
}

func (e *Engine) logger() *slog.Logger {
	if e != nil && e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) filter() filter.Filter {
	if e != nil && e.Filter != nil {
		return e.Filter
	}
	return filter.AllowAll{}
}
