package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/sslproxyd/internal/certcache"
	"github.com/infodancer/sslproxyd/internal/conn"
	"github.com/infodancer/sslproxyd/internal/config"
	"github.com/infodancer/sslproxyd/internal/filter"
	"github.com/infodancer/sslproxyd/internal/forge"
	"github.com/infodancer/sslproxyd/internal/logging"
	"github.com/infodancer/sslproxyd/internal/logqueue"
	"github.com/infodancer/sslproxyd/internal/metrics"
	"github.com/infodancer/sslproxyd/internal/privsep"
	"github.com/infodancer/sslproxyd/internal/server"
	"github.com/infodancer/sslproxyd/internal/worker"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Logging.Level)

	forger, err := loadForger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading CA: %v\n", err)
		os.Exit(1)
	}

	ruleFilter, err := filter.LoadRuleFile(cfg.Filter.RuleFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading filter rules: %v\n", err)
		os.Exit(1)
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	logs, closeLogs := openLogSinks(cfg, logger)
	defer closeLogs()

	certs := certcache.NewManager()
	defer certs.Close()

	engine := &conn.Engine{
		Certs:    certs,
		Filter:   ruleFilter,
		Forger:   forger,
		Metrics:  collector,
		Logs:     logs,
		Logger:   logger,
		Hostname: cfg.Hostname,
	}

	var privsepClient *privsep.Client
	if cfg.Privsep.SocketPath != "" {
		privsepClient, err = privsep.Dial(cfg.Privsep.SocketPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error dialing privsep helper: %v\n", err)
			os.Exit(1)
		}
		defer privsepClient.Close()
	}

	workerCount := cfg.Worker.Count
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	pool := worker.NewPool(workerCount, worker.PoolConfig{
		Resolver:      worker.NewResolver(cfg.DNS.FallbackServers),
		QueueCapacity: cfg.Worker.QueueCapacity,
		IdleTimeout:   cfg.Worker.IdleTimeoutDuration(),
		SweepPeriod:   cfg.Worker.ExpiredCheckPeriodDuration(),
		StatsPeriod:   cfg.Worker.StatsPeriod,
		Metrics:       collector,
		Logger:        logger,
	})

	srv := &server.Server{
		Engine:    engine,
		Pool:      pool,
		Privsep:   privsepClient,
		Listeners: cfg.Listeners,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	installSignalHandlers(ctx, cancel, logger)

	pool.Start(ctx)

	go runCacheGC(ctx, certs, cfg.Cache.GCPeriodDuration())

	for _, l := range logs.all() {
		go l.Run(ctx, logWriter(l))
	}

	var metricsSrv metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsSrv.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
		logger.Info("metrics server started", slog.String("address", cfg.Metrics.Address))
	}

	logger.Info("starting sslproxyd", slog.String("hostname", cfg.Hostname), slog.Int("listeners", len(cfg.Listeners)), slog.Int("workers", workerCount))

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	pool.Stop()
	logger.Info("sslproxyd stopped")
}

func loadForger(cfg config.Config) (forge.Forger, error) {
	if cfg.CA.CertFile == "" || cfg.CA.KeyFile == "" {
		return nil, fmt.Errorf("ca.cert_file and ca.key_file are required")
	}
	certPEM, err := os.ReadFile(cfg.CA.CertFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.CA.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}
	return forge.LoadCA(certPEM, keyPEM)
}

// installSignalHandlers wires the signal disposition spec.md §4.8
// specifies: SIGTERM/SIGQUIT/SIGINT break the main loop; SIGHUP/SIGUSR1
// request a log reopen (logged only — the five log sinks are opaque
// queue consumers per spec.md §1, so there is no file handle here to
// reopen); SIGPIPE is drained and ignored with a one-time warning.
func installSignalHandlers(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)

	reopenChan := make(chan os.Signal, 1)
	signal.Notify(reopenChan, syscall.SIGHUP, syscall.SIGUSR1)

	pipeChan := make(chan os.Signal, 1)
	signal.Notify(pipeChan, syscall.SIGPIPE)

	go func() {
		sig := <-stopChan
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	go func() {
		warned := false
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-reopenChan:
				logger.Info("log reopen requested", slog.String("signal", sig.String()))
			case <-pipeChan:
				if !warned {
					logger.Warn("ignoring SIGPIPE")
					warned = true
				}
			}
		}
	}()
}

func runCacheGC(ctx context.Context, certs *certcache.Manager, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			certs.GC(ctx)
		}
	}
}

type logSinks struct {
	conn.LogSinks
}

func (l logSinks) all() []*logqueue.Logger {
	var out []*logqueue.Logger
	for _, lg := range []*logqueue.Logger{l.Connect, l.Content, l.Cert, l.Masterkey, l.PCAP} {
		if lg != nil {
			out = append(out, lg)
		}
	}
	return out
}

// openLogSinks builds the five named loggers (spec.md §6), one for each
// stream enabled in config. LoggerConfig.Path is not opened: every
// logger's records go to standard output through logWriter, so the
// returned closer has no files to close.
func openLogSinks(cfg config.Config, logger *slog.Logger) (conn.LogSinks, func()) {
	const queueCapacity = 4096

	var files []*os.File
	open := func(lc config.LoggerConfig, name string) *logqueue.Logger {
		if !lc.Enabled {
			return nil
		}
		return logqueue.New(name, queueCapacity, logger)
	}

	sinks := conn.LogSinks{
		Connect:   open(cfg.Logging.Connect, "connect"),
		Content:   open(cfg.Logging.Content, "content"),
		Cert:      open(cfg.Logging.Cert, "cert"),
		Masterkey: open(cfg.Logging.Masterkey, "masterkey"),
		PCAP:      open(cfg.Logging.Pcap, "pcap"),
	}

	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	return sinks, closeAll
}

// logWriter returns the per-record write function passed to a
// logqueue.Logger's Run consumer loop. Wire format and the actual sink
// (file, pcap writer) are external collaborators per spec.md §1; this
// engine only guarantees every submitted record reaches write exactly
// once during a clean shutdown.
func logWriter(l *logqueue.Logger) func(*logqueue.Record) error {
	return func(r *logqueue.Record) error {
		_, err := os.Stdout.Write(r.Bytes)
		return err
	}
}
