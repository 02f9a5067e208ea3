// Package worker implements the fixed-size connection-handling thread
// pool: one goroutine per worker owns a single-consumer job queue and
// an active-connection set, load-balanced by Pool.Assign across
// workers using each worker's current connection count.
package worker

import (
	"container/list"
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/sslproxyd/internal/metrics"
)

// Conn is the subset of a tracked connection's lifecycle a Worker
// needs in order to sweep for idle expiry. internal/conn's connection
// context satisfies this interface.
type Conn interface {
	ID() uint64
	LastActive() time.Time
	ExpireNow()
}

// Worker owns one job queue and the active-connection set of every
// connection assigned to it. Attach, Detach and the expiry sweep all
// run as jobs on the worker's own goroutine, so conns and order need
// no lock; load is additionally tracked as an atomic so Pool.Assign
// can read it from other goroutines without synchronizing with the
// worker loop.
type Worker struct {
	ID       int
	Resolver *Resolver

	load atomic.Int64

	jobs chan func()

	conns map[uint64]*list.Element
	order *list.List

	idleTimeout time.Duration
	sweepPeriod time.Duration
	statsPeriod int
	sweepTicks  int

	collector metrics.Collector
	logger    *slog.Logger

	statsMu sync.Mutex
	stats   Stats
}

func newWorker(id int, resolver *Resolver, idleTimeout, sweepPeriod time.Duration, queueCapacity, statsPeriod int, collector metrics.Collector, logger *slog.Logger) *Worker {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:          id,
		Resolver:    resolver,
		jobs:        make(chan func(), queueCapacity),
		conns:       make(map[uint64]*list.Element),
		order:       list.New(),
		idleTimeout: idleTimeout,
		sweepPeriod: sweepPeriod,
		statsPeriod: statsPeriod,
		collector:   collector,
		logger:      logger,
	}
}

// Load returns the worker's current connection count. Safe to call
// from any goroutine.
func (w *Worker) Load() int64 { return w.load.Load() }

// Submit posts job to the worker's queue, to be run on its own
// goroutine. It blocks until the job is accepted or ctx is done.
func (w *Worker) Submit(ctx context.Context, job func()) error {
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach adds c to this worker's active set and increments load. Must
// be called from within a job running on this worker's own goroutine.
func (w *Worker) Attach(c Conn) {
	if _, ok := w.conns[c.ID()]; ok {
		return
	}
	el := w.order.PushFront(c)
	w.conns[c.ID()] = el
	w.load.Add(1)
}

// Detach removes c from this worker's active set and decrements load.
// Must be called from within a job running on this worker's own
// goroutine.
func (w *Worker) Detach(c Conn) {
	el, ok := w.conns[c.ID()]
	if !ok {
		return
	}
	w.order.Remove(el)
	delete(w.conns, c.ID())
	w.load.Add(-1)
}

// Snapshot returns a copy of the worker's current stats.
func (w *Worker) Snapshot() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// RecordBytes accumulates bytes relayed in the given direction
// ("in" or "out") into this worker's stats.
func (w *Worker) RecordBytes(direction string, n int64) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if direction == "out" {
		w.stats.OutBytes += uint64(n)
	} else {
		w.stats.InBytes += uint64(n)
	}
}

// RecordWatermarkTrip counts a read-pause/resume event triggered by
// the high/low watermark gate: set is true for a pause at the high
// mark and false for a resume at the low mark.
func (w *Worker) RecordWatermarkTrip(set bool) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if set {
		w.stats.SetWatermarks++
	} else {
		w.stats.UnsetWatermarks++
	}
}

// RecordError counts a connection-handling error.
func (w *Worker) RecordError() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.Errors++
}

// run is the worker's event loop: a single goroutine ranging over
// jobs, the Go analogue of "migrate this connection's callbacks to
// this thread's event base." It also drives the recurring expiry
// sweep, replacing the libevent timer callback.
func (w *Worker) run(ctx context.Context) {
	period := w.sweepPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			job()
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep collects connections idle longer than idleTimeout and expires
// them directly, bypassing any graceful termination path, matching
// "expiry path does not flush output." It also refreshes the
// high-water load/goroutine-count stats.
func (w *Worker) sweep() {
	now := time.Now()

	var expired []Conn
	for el := w.order.Back(); el != nil; {
		prev := el.Prev()
		c := el.Value.(Conn)
		if now.Sub(c.LastActive()) > w.idleTimeout {
			expired = append(expired, c)
		}
		el = prev
	}

	for _, c := range expired {
		w.Detach(c)
		c.ExpireNow()
		w.statsMu.Lock()
		w.stats.TimedOutConns++
		w.statsMu.Unlock()
		w.collector.ConnectionTimedOut("")
	}

	load := w.load.Load()
	fd := runtime.NumGoroutine()

	w.statsMu.Lock()
	if load > w.stats.MaxLoad {
		w.stats.MaxLoad = load
	}
	if fd > w.stats.MaxFD {
		w.stats.MaxFD = fd
	}
	w.statsMu.Unlock()

	w.sweepTicks++
	if w.statsPeriod <= 0 || w.sweepTicks < w.statsPeriod {
		return
	}
	w.sweepTicks = 0

	w.statsMu.Lock()
	w.stats.StatsID++
	snapshot := w.stats
	w.stats.reset(load, fd)
	w.statsMu.Unlock()

	w.logger.Info("worker stats",
		slog.Int("worker_id", w.ID),
		slog.Uint64("stats_id", snapshot.StatsID),
		slog.Int64("max_load", snapshot.MaxLoad),
		slog.Int("max_fd", snapshot.MaxFD),
		slog.Uint64("in_bytes", snapshot.InBytes),
		slog.Uint64("out_bytes", snapshot.OutBytes),
		slog.Uint64("set_watermarks", snapshot.SetWatermarks),
		slog.Uint64("unset_watermarks", snapshot.UnsetWatermarks),
		slog.Uint64("timed_out_conns", snapshot.TimedOutConns),
		slog.Uint64("errors", snapshot.Errors),
	)
}
