package conn

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/sslproxyd/internal/filter"
)

// Role distinguishes a parent connection (one accepted directly on a
// configured listener) from a child spawned by a parent's child
// listener during TLS re-identification (spec.md §3).
type Role int

const (
	RoleParent Role = iota
	RoleChild
)

// Requestor identifies which side initiated a connection's close.
type Requestor int

const (
	RequestorServer Requestor = iota
	RequestorClient
)

// Endpoint names one of a connection's three descriptors, used to tell
// a protocol handler's callbacks which socket an event fired for —
// the Go replacement for the C trampoline's "which bev fired" switch.
type Endpoint int

const (
	EndpointSrc Endpoint = iota
	EndpointDst
	EndpointSrvDst
)

func (e Endpoint) String() string {
	switch e {
	case EndpointDst:
		return "dst"
	case EndpointSrvDst:
		return "srvdst"
	default:
		return "src"
	}
}

// EventKind is a non-data libevent-style event delivered to a protocol
// handler's OnEvent hook.
type EventKind int

const (
	EventConnected EventKind = iota
	EventEOF
	EventError
)

// ProtoHandler is the per-connection protocol vtable of spec.md §4.7:
// init/connect/read/event callbacks and a free hook, selected once per
// connection by proto.Select and never reassigned. There is no separate
// validation hook; a read callback reports a validation failure by
// returning an error. It lives in this package rather than internal/proto
// so that Context can hold one without an import cycle; internal/proto
// provides every concrete implementation.
type ProtoHandler interface {
	// Kind names the handler for logging and metrics.
	Kind() string

	// InitConn runs once, synchronously, before Connect.
	InitConn(ctx *Context) error

	// OnConnect runs once SrvDst (and, once set up, Dst) are known to
	// be connected, before Src read/write is enabled.
	OnConnect(ctx *Context) error

	// ReadSrc/ReadDst/ReadSrvDst transform bytes read from the named
	// descriptor before they are forwarded to its peer. Returning a
	// different slice rewrites the stream (e.g. the SSLproxy header
	// injection); returning an error aborts the connection as a
	// protocol validation failure.
	ReadSrc(ctx *Context, p []byte) ([]byte, error)
	ReadDst(ctx *Context, p []byte) ([]byte, error)
	ReadSrvDst(ctx *Context, p []byte) ([]byte, error)

	// OnEvent is called for non-data events on any descriptor.
	OnEvent(ctx *Context, which Endpoint, ev EventKind) error

	// Free releases any handler-private state held on ctx. Called
	// exactly once during teardown.
	Free(ctx *Context)
}

// Context is the per-connection state spec.md §3 describes: identity,
// the three descriptors, the protocol handler, lifecycle flags, timing
// stamps, byte counters, and address information.
type Context struct {
	id     uint64
	TaskID string
	Role   Role

	Src, Dst, SrvDst  *Desc
	SrvDstTransferred bool

	Handler ProtoHandler

	Connected atomic.Bool
	term      atomic.Bool
	TermRequestor Requestor
	ENOMem    bool
	Divert    bool
	Pass      bool

	LogConnect, LogMaster, LogCert, LogContent, LogPCAP bool
	Precedence     int
	DeferredAction filter.Action

	TimeAlloc                               time.Time
	DNSStart, DNSEnd                         time.Time
	ConnectStart, ConnectEnd                 time.Time
	SendStart, SendEnd                       time.Time
	ReceiveStart, ReceiveEnd                 time.Time
	TimeClose                                time.Time

	InBytes  atomic.Uint64
	OutBytes atomic.Uint64

	SrcAddr, DstAddr net.Addr

	ChildListenerFD int
	SSLProxyHeader  string

	SNI string

	engine *Engine

	attached  atomic.Bool
	sentProtoError atomic.Bool

	mu    sync.Mutex
	atime time.Time
	ctime time.Time

	children []*Context
	parent   *Context

	onTerminate func(*Context)

	srcDone, dstDone atomic.Bool

	srcGate, dstGate *readGate
}

// NewContext allocates a connection context for a freshly accepted
// source connection, stamping TimeAlloc/ctime as spec.md §3 describes.
func NewContext(id uint64, taskID string, engine *Engine, src net.Conn) *Context {
	now := time.Now()
	return &Context{
		id:        id,
		TaskID:    taskID,
		Role:      RoleParent,
		Src:       NewDesc(src),
		engine:    engine,
		TimeAlloc: now,
		atime:     now,
		ctime:     now,
	}
}

// NewChildContext allocates a child connection context, linked through
// parent's child list (spec.md §3: "Child connection context mirrors
// the parent... but has no srvdst and is linked through its parent's
// child list").
func NewChildContext(id uint64, engine *Engine, parent *Context, src net.Conn) *Context {
	now := time.Now()
	c := &Context{
		id:        id,
		TaskID:    parent.TaskID,
		Role:      RoleChild,
		Src:       NewDesc(src),
		engine:    engine,
		parent:    parent,
		TimeAlloc: now,
		atime:     now,
		ctime:     now,
	}
	parent.mu.Lock()
	parent.children = append(parent.children, c)
	parent.mu.Unlock()
	return c
}

// ID satisfies worker.Conn.
func (c *Context) ID() uint64 { return c.id }

// LastActive satisfies worker.Conn.
func (c *Context) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.atime
}

// touch updates the last-activity timestamp, called from every
// successful read or write per spec.md §4.6 ("every read/write call
// updates atime").
func (c *Context) touch() {
	c.mu.Lock()
	c.atime = time.Now()
	c.mu.Unlock()
}

// ExpireNow satisfies worker.Conn: the idle-sweep reaper frees the
// connection directly, bypassing the normal terminate-then-free path
// and without flushing output (spec.md §4.5/§4.6 "Expired" phase): the
// raw connections are closed first, so any bytes still queued on a
// watermark gate fail to write instead of being drained to the peer.
func (c *Context) ExpireNow() {
	for _, d := range []*Desc{c.Src, c.Dst, c.SrvDst} {
		if d != nil && d.Conn != nil {
			_ = d.Conn.Close()
		}
	}
	c.closeAll()
	c.finish()
}

// OnAttach is invoked by the worker when the context first attaches to
// its chosen worker's active set, guarding the double-attach spec.md
// §4.6 describes.
func (c *Context) OnAttach() bool {
	return c.attached.CompareAndSwap(false, true)
}

// SetTerminateHook installs the callback run once at teardown (used by
// the worker/listener wiring to detach the context and update stats);
// it replaces the intrusive-linked-list detach the C source performed
// inline.
func (c *Context) SetTerminateHook(f func(*Context)) { c.onTerminate = f }

// Engine returns the shared collaborators this context was built with.
func (c *Context) Engine() *Engine { return c.engine }

// Terminated reports whether Terminate has been requested.
func (c *Context) Terminated() bool { return c.term.Load() }

// Terminate tears the connection down. The first call records
// requestor, closes every descriptor and runs finish at once; the relay
// loops then see closed descriptors and exit. Later calls do nothing.
func (c *Context) Terminate(requestor Requestor) {
	if !c.term.CompareAndSwap(false, true) {
		return
	}
	c.TermRequestor = requestor
	c.closeAll()
	c.finish()
}

// closeAll closes every distinct descriptor exactly once. When
// TransferSrvDstToDst has run, Dst and SrvDst are the same *Desc, so
// closing each unique pointer once naturally honors
// SrvDstTransferred without a separate branch.
func (c *Context) closeAll() {
	seen := make(map[*Desc]bool, 3)
	for _, d := range []*Desc{c.Src, c.Dst, c.SrvDst} {
		if d == nil || seen[d] {
			continue
		}
		seen[d] = true
		_ = d.Close()
	}
}

// finish runs teardown exactly once: detach from the worker, free
// children, release the handler's private state, and stamp TimeClose.
func (c *Context) finish() {
	c.mu.Lock()
	if !c.TimeClose.IsZero() {
		c.mu.Unlock()
		return
	}
	c.TimeClose = time.Now()
	children := c.children
	c.children = nil
	c.mu.Unlock()

	for _, child := range children {
		child.Terminate(RequestorServer)
	}

	if c.Handler != nil {
		c.Handler.Free(c)
	}
	if c.onTerminate != nil {
		c.onTerminate(c)
	}
	c.engine.metrics().ConnectionClosed(c.protoName())
}

func (c *Context) protoName() string {
	if c.Handler == nil {
		return "unknown"
	}
	return c.Handler.Kind()
}

// Init installs h as the connection's protocol handler, reports the
// connection as opened, and runs h's InitConn hook. It does no DNS
// resolution; the caller stamps DNSStart/DNSEnd around its own lookup.
func (c *Context) Init(h ProtoHandler) error {
	c.Handler = h
	c.engine.metrics().ConnectionOpened(h.Kind())
	if err := h.InitConn(c); err != nil {
		return fmt.Errorf("init %s connection: %w", h.Kind(), err)
	}
	return nil
}

// ConnectDst dials addr for the Dst descriptor (divert mode, or the
// real origin once the filter has been consulted), stamping
// ConnectStart/ConnectEnd.
func (c *Context) ConnectDst(ctx context.Context, dialer *net.Dialer, addr string) error {
	c.ConnectStart = time.Now()
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	c.ConnectEnd = time.Now()
	if err != nil {
		return fmt.Errorf("connect dst %s: %w", addr, err)
	}
	c.Dst = NewDesc(nc)
	c.DstAddr = nc.RemoteAddr()
	return nil
}

// ConnectSrvDst dials the real origin address for the SrvDst
// descriptor, used during initial setup before the filter decision is
// known.
func (c *Context) ConnectSrvDst(ctx context.Context, dialer *net.Dialer, addr string) error {
	c.ConnectStart = time.Now()
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	c.ConnectEnd = time.Now()
	if err != nil {
		return fmt.Errorf("connect srvdst %s: %w", addr, err)
	}
	c.SrvDst = NewDesc(nc)
	c.DstAddr = nc.RemoteAddr()
	return nil
}

// TransferSrvDstToDst implements the split-mode open-question
// resolution (spec.md §9): rather than aliasing Dst := SrvDst with two
// live references, ownership transfers explicitly and
// SrvDstTransferred records it so Terminate only closes the descriptor
// once, through Dst.
func (c *Context) TransferSrvDstToDst() {
	c.Dst = c.SrvDst
	c.SrvDstTransferred = true
}

// ApplyFilterDecision applies d at server-first-connected time
// (spec.md §4.6), enforcing that precedence may only rise.
func (c *Context) ApplyFilterDecision(d filter.Decision) {
	if d.Precedence < c.Precedence {
		return
	}
	c.Precedence = d.Precedence
	c.LogConnect = c.LogConnect || d.LogConnect
	c.LogMaster = c.LogMaster || d.LogMaster
	c.LogCert = c.LogCert || d.LogCert
	c.LogContent = c.LogContent || d.LogContent
	c.LogPCAP = c.LogPCAP || d.LogPCAP

	switch d.Action {
	case filter.ActionBlock:
		c.DeferredAction = filter.ActionBlock
	case filter.ActionDivert:
		c.Divert = true
	case filter.ActionSplit:
		c.Divert = false
	case filter.ActionPass:
		c.Pass = true
	}
	c.engine.metrics().FilterAction(d.Action.String())
}

// wireRelay installs watermark gates on Src and Dst, pairing each
// one's congestion hook to the other's read gate (spec.md §4.6: a full
// output buffer on one side pauses reads on the other).
func (c *Context) wireRelay() (srcReadGate, dstReadGate *readGate) {
	srcReadGate = newReadGate()
	dstReadGate = newReadGate()

	high, low := c.engine.highWatermark(), c.engine.lowWatermark()

	c.Dst.out = NewWatermarkGate(rawWriter{c.Dst}, high, low,
		func() { srcReadGate.Pause(); c.engine.metrics().WatermarkTripped("src") },
		func() { srcReadGate.Resume() })

	c.Src.out = NewWatermarkGate(rawWriter{c.Src}, high, low,
		func() { dstReadGate.Pause(); c.engine.metrics().WatermarkTripped("dst") },
		func() { dstReadGate.Resume() })

	c.srcGate, c.dstGate = srcReadGate, dstReadGate
	return srcReadGate, dstReadGate
}

// PauseSrcReads and ResumeSrcReads suspend and resume the goroutine
// reading from Src, for a protocol handler performing an in-band TLS
// upgrade (STLS/STARTTLS) that must own Src's connection exclusively
// for the duration of a handshake. A no-op before Run has wired the
// relay gates.
func (c *Context) PauseSrcReads() {
	if c.srcGate != nil {
		c.srcGate.Pause()
	}
}

func (c *Context) ResumeSrcReads() {
	if c.srcGate != nil {
		c.srcGate.Resume()
	}
}

// PauseDstReads and ResumeDstReads are the Dst-side equivalents of
// PauseSrcReads/ResumeSrcReads.
func (c *Context) PauseDstReads() {
	if c.dstGate != nil {
		c.dstGate.Pause()
	}
}

func (c *Context) ResumeDstReads() {
	if c.dstGate != nil {
		c.dstGate.Resume()
	}
}

type rawWriter struct{ d *Desc }

func (w rawWriter) Write(p []byte) (int, error) { return w.d.rawWrite(p) }

// Run enables Src read/write and drives the steady-state relay between
// Src and Dst until both directions have seen EOF or an error, then
// tears the connection down. It must be called only after OnConnect
// has completed, per spec.md §4.6's ordering guarantee that the
// protocol handler sees the first bytes of a flow before the opposite
// direction relays anything.
func (c *Context) Run() {
	if c.Dst == nil {
		c.Terminate(RequestorServer)
		return
	}
	c.Connected.Store(true)

	srcGate, dstGate := c.wireRelay()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.relay(EndpointSrc, c.Src, c.Dst, srcGate, c.Handler.ReadSrc, &c.InBytes)
	}()
	go func() {
		defer wg.Done()
		c.relay(EndpointDst, c.Dst, c.Src, dstGate, c.Handler.ReadDst, &c.OutBytes)
	}()
	wg.Wait()

	c.Terminate(c.TermRequestor)
}

// relay pumps bytes read from `from` through transform and into `to`,
// pausing on gate whenever the peer's output has crossed its high
// watermark, until EOF, a read error, or a validation failure.
func (c *Context) relay(which Endpoint, from, to *Desc, gate *readGate, transform func(*Context, []byte) ([]byte, error), counter *atomic.Uint64) {
	buf := make([]byte, 32*1024)
	for {
		gate.Wait()

		n, rerr := from.ReadSource().Read(buf)
		if n > 0 {
			c.touch()
			out, terr := transform(c, buf[:n])
			if terr != nil {
				c.onProtocolError(which, terr)
				return
			}
			if len(out) > 0 {
				if _, werr := to.Write(out); werr != nil {
					c.onIOError(which, werr)
					return
				}
				counter.Add(uint64(len(out)))
				c.touch()
			}
		}
		if rerr != nil {
			c.onEOFOrError(which, rerr)
			return
		}
	}
}

func (c *Context) onProtocolError(which Endpoint, err error) {
	c.sentProtoError.Store(true)
	if c.Handler != nil {
		_ = c.Handler.OnEvent(c, which, EventError)
	}
	c.engine.logger().Warn("protocol validation failed", slog.Uint64("conn_id", c.ID()), slog.String("endpoint", which.String()), slog.String("error", err.Error()))
	c.TermRequestor = RequestorClient
}

func (c *Context) onIOError(which Endpoint, err error) {
	if c.Handler != nil {
		_ = c.Handler.OnEvent(c, which, EventError)
	}
	c.engine.logger().Debug("relay write failed", slog.Uint64("conn_id", c.ID()), slog.String("endpoint", which.String()), slog.String("error", err.Error()))
}

// onEOFOrError records EOF/error arrival on one descriptor. Per
// spec.md §4.6's half-close rule, a direction finishing does not
// itself terminate the connection — Run's WaitGroup only completes,
// and Terminate fires, once both relay goroutines have returned.
func (c *Context) onEOFOrError(which Endpoint, err error) {
	now := time.Now()
	switch which {
	case EndpointSrc:
		c.srcDone.Store(true)
		c.SendEnd = now
	case EndpointDst, EndpointSrvDst:
		c.dstDone.Store(true)
		c.ReceiveEnd = now
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		if c.Handler != nil {
			_ = c.Handler.OnEvent(c, which, EventEOF)
		}
		return
	}
	if c.Handler != nil {
		_ = c.Handler.OnEvent(c, which, EventError)
	}
}

// VerifyHandshakeCertificate consults the filter at TLS handshake
// completion (spec.md §6), updating SNI and applying the decision.
func (c *Context) VerifyHandshakeCertificate(cert *x509.Certificate, sni string) filter.Decision {
	c.SNI = sni
	d := c.engine.filter().OnHandshakeComplete(cert, sni)
	c.ApplyFilterDecision(d)
	return d
}
