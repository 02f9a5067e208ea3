// Package logqueue implements the engine's five-logger submit-buffer
// interface (spec.md §6): the connection engine submits opaque buffer
// descriptors to a bounded queue; a consumer goroutine drains it and
// writes to whatever sink each named logger (connect, content, cert,
// masterkey, pcap) is configured with. Wire-format and file/pcap
// writer details are external collaborators per spec.md §1 — Logger
// only owns the queue and the submit/consume contract.
package logqueue

import (
	"context"
	"log/slog"

	"github.com/infodancer/sslproxyd/internal/queue"
)

// Priority orders records within a single logger stream for a
// consumer that wants to prioritize, e.g., error records over routine
// ones. The engine itself always submits PriorityNormal; PriorityHigh
// exists for forward compatibility with a future protocol-error fast path.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Record is the opaque buffer descriptor spec.md §6 names: "priority,
// bytes, file-handle hint, control flags, next pointer". The queue
// itself provides the linked-list behavior (FIFO order), so Record
// carries no next pointer; Control carries caller-defined per-logger
// flags (e.g. "this record starts a new connection").
type Record struct {
	Priority Priority
	Bytes    []byte
	FileHint string
	Control  uint32
}

// Logger is one named logger instance (connect/content/cert/masterkey/
// pcap) backed by a bounded queue.Queue[*Record]. Name identifies it in
// diagnostic logging and metrics only.
type Logger struct {
	Name string

	q       *queue.Queue[*Record]
	logger  *slog.Logger
	dropped uint64
}

// New creates a Logger with the given queue capacity.
func New(name string, capacity int, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{Name: name, q: queue.New[*Record](capacity), logger: logger}
}

// Submit enqueues r without blocking the calling worker goroutine; if
// the queue is full the record is dropped and the drop is counted,
// since a stalled logger consumer must never back-pressure the
// connection engine's relay path.
func (l *Logger) Submit(r *Record) bool {
	if l.q.EnqueueNB(r) {
		return true
	}
	l.dropped++
	l.logger.Warn("log queue full, dropping record", slog.String("logger", l.Name), slog.Uint64("dropped_total", l.dropped))
	return false
}

// Dropped returns the count of records dropped by Submit due to a full queue.
func (l *Logger) Dropped() uint64 { return l.dropped }

// Run is the consumer side: it dequeues records and passes each to
// write until ctx is canceled. Canceling ctx calls UnblockDequeue,
// which (per queue.Queue's contract) still drains every record queued
// before the cancel — Dequeue only reports "empty and unblocked" once
// nothing remains — so a clean shutdown never silently drops a record
// that Submit already accepted.
func (l *Logger) Run(ctx context.Context, write func(*Record) error) {
	go func() {
		<-ctx.Done()
		l.q.UnblockDequeue()
	}()

	for {
		r, ok := l.q.Dequeue()
		if !ok {
			return
		}
		if err := write(r); err != nil {
			l.logger.Error("log write failed", slog.String("logger", l.Name), slog.String("error", err.Error()))
		}
	}
}
