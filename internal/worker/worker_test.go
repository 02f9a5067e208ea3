package worker

import (
	"testing"
	"time"

	"github.com/infodancer/sslproxyd/internal/metrics"
)

// TestWorkerSweepEmitsStatsEveryPeriod exercises spec.md §4.5 item 3:
// every StatsPeriod sweep ticks, the worker emits one stats record
// (StatsID increments) and resets its cumulative counters, rebasing
// MaxLoad/MaxFD to their current values rather than zero.
func TestWorkerSweepEmitsStatsEveryPeriod(t *testing.T) {
	w := newWorker(0, nil, time.Hour, time.Second, 4, 3, &metrics.NoopCollector{}, nil)

	c := &stubConn{id: 1}
	w.Attach(c)
	w.RecordBytes("in", 100)
	w.RecordWatermarkTrip(true)

	w.sweep()
	w.sweep()
	if got := w.Snapshot().StatsID; got != 0 {
		t.Fatalf("StatsID incremented before statsPeriod reached: got %d", got)
	}

	w.sweep()
	snap := w.Snapshot()
	if snap.StatsID != 1 {
		t.Fatalf("StatsID = %d, want 1 after statsPeriod ticks", snap.StatsID)
	}
	if snap.InBytes != 0 {
		t.Fatalf("InBytes = %d, want reset to 0 after emission", snap.InBytes)
	}
	if snap.SetWatermarks != 0 {
		t.Fatalf("SetWatermarks = %d, want reset to 0 after emission", snap.SetWatermarks)
	}
	if snap.MaxLoad != 1 {
		t.Fatalf("MaxLoad = %d, want rebased to current load 1", snap.MaxLoad)
	}

	// A second full period should emit StatsID 2 on fresh counters.
	w.RecordBytes("out", 50)
	w.sweep()
	w.sweep()
	w.sweep()
	snap = w.Snapshot()
	if snap.StatsID != 2 {
		t.Fatalf("StatsID = %d, want 2 after second statsPeriod", snap.StatsID)
	}
	if snap.OutBytes != 0 {
		t.Fatalf("OutBytes = %d, want reset to 0 after emission", snap.OutBytes)
	}
}

// TestWorkerSweepStatsDisabled confirms StatsPeriod <= 0 never emits
// (and never increments StatsID), matching PoolConfig's documented
// "<= 0 disables stats logging" contract.
func TestWorkerSweepStatsDisabled(t *testing.T) {
	w := newWorker(0, nil, time.Hour, time.Second, 4, 0, &metrics.NoopCollector{}, nil)
	for i := 0; i < 10; i++ {
		w.sweep()
	}
	if got := w.Snapshot().StatsID; got != 0 {
		t.Fatalf("StatsID = %d, want 0 with stats logging disabled", got)
	}
}
