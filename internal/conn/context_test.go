package conn

import (
	"net"
	"testing"
	"time"

	"github.com/infodancer/sslproxyd/internal/filter"
)

// echoHandler is the minimal ProtoHandler used to exercise Run's relay
// loop without pulling in a concrete protocol package (avoids an import
// cycle with internal/proto, which depends on internal/conn).
type echoHandler struct{}

func (echoHandler) Kind() string                                        { return "test" }
func (echoHandler) InitConn(ctx *Context) error                         { return nil }
func (echoHandler) OnConnect(ctx *Context) error                        { return nil }
func (echoHandler) ReadSrc(ctx *Context, p []byte) ([]byte, error)      { return p, nil }
func (echoHandler) ReadDst(ctx *Context, p []byte) ([]byte, error)      { return p, nil }
func (echoHandler) ReadSrvDst(ctx *Context, p []byte) ([]byte, error)   { return p, nil }
func (echoHandler) OnEvent(ctx *Context, which Endpoint, ev EventKind) error { return nil }
func (echoHandler) Free(ctx *Context)                                  {}

func newTestContext(t *testing.T, src, dst net.Conn) *Context {
	t.Helper()
	c := NewContext(1, "task-1", &Engine{}, src)
	c.Dst = NewDesc(dst)
	c.Handler = echoHandler{}
	return c
}

// TestRunRelaysBothDirections exercises the spec.md §4.6 steady-state
// relay: bytes written by each peer must arrive at the other, and byte
// counters must reflect exactly what crossed.
func TestRunRelaysBothDirections(t *testing.T) {
	srcClient, srcServer := net.Pipe()
	dstClient, dstServer := net.Pipe()

	c := newTestContext(t, srcServer, dstServer)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	go func() {
		srcClient.Write([]byte("PING\n"))
		buf := make([]byte, 16)
		n, _ := srcClient.Read(buf)
		if string(buf[:n]) != "PONG\n" {
			t.Errorf("client got %q, want PONG\\n", buf[:n])
		}
		srcClient.Close()
	}()

	buf := make([]byte, 16)
	n, err := dstClient.Read(buf)
	if err != nil || string(buf[:n]) != "PING\n" {
		t.Fatalf("origin got %q, err=%v", buf[:n], err)
	}
	dstClient.Write([]byte("PONG\n"))
	dstClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after both halves closed")
	}

	if c.InBytes.Load() != 5 {
		t.Errorf("InBytes = %d, want 5", c.InBytes.Load())
	}
	if c.OutBytes.Load() != 5 {
		t.Errorf("OutBytes = %d, want 5", c.OutBytes.Load())
	}
}

// TestTerminateIsIdempotent checks the "term transitions false→true
// exactly once" discipline: concurrent Terminate calls must not panic
// or double-run teardown.
func TestTerminateIsIdempotent(t *testing.T) {
	srcClient, srcServer := net.Pipe()
	defer srcClient.Close()
	dstClient, dstServer := net.Pipe()
	defer dstClient.Close()

	c := newTestContext(t, srcServer, dstServer)

	var finishCount int
	c.SetTerminateHook(func(*Context) { finishCount++ })

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			c.Terminate(RequestorClient)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if !c.Terminated() {
		t.Fatal("expected Terminated() true")
	}
	if finishCount != 1 {
		t.Errorf("terminate hook ran %d times, want 1", finishCount)
	}
	if !c.Src.Closed() || !c.Dst.Closed() {
		t.Error("expected both descriptors closed")
	}
}

// TestTransferSrvDstToDstClosesOnce verifies the split-mode open
// question resolution (spec.md §9): after transferring SrvDst into
// Dst, teardown must close the shared descriptor exactly once, never
// twice through two different context fields.
func TestTransferSrvDstToDstClosesOnce(t *testing.T) {
	_, srv := net.Pipe()
	c := &Context{Src: NewDesc(srv), SrvDst: NewDesc(srv)}
	c.engine = &Engine{}

	c.TransferSrvDstToDst()
	if c.Dst != c.SrvDst {
		t.Fatal("expected Dst to alias SrvDst after transfer")
	}
	if !c.SrvDstTransferred {
		t.Fatal("expected SrvDstTransferred to be set")
	}

	c.closeAll()
	if !c.Dst.Closed() {
		t.Error("expected Dst closed")
	}
}

// TestFilterPrecedenceMonotonic checks spec.md §3/§6: "filter
// precedence (monotonically non-decreasing)" — a lower-precedence
// decision arriving after a higher one must be ignored.
func TestFilterPrecedenceMonotonic(t *testing.T) {
	c := &Context{engine: &Engine{}}

	c.ApplyFilterDecision(filter.Decision{Action: filter.ActionDivert, Precedence: 5, LogContent: true})
	if c.Precedence != 5 || !c.Divert || !c.LogContent {
		t.Fatalf("first decision not applied: precedence=%d divert=%v logcontent=%v", c.Precedence, c.Divert, c.LogContent)
	}

	c.ApplyFilterDecision(filter.Decision{Action: filter.ActionPass, Precedence: 2})
	if c.Precedence != 5 || !c.Divert {
		t.Fatal("lower-precedence decision must not override a higher one")
	}

	c.ApplyFilterDecision(filter.Decision{Action: filter.ActionSplit, Precedence: 5})
	if c.Divert {
		t.Fatal("equal-precedence decision must still apply (non-decreasing, not strictly-increasing)")
	}
}

// TestExpireNowSkipsFlush verifies the "Expired" phase of spec.md §4.6:
// reaping closes descriptors directly without driving Run's relay loop
// or waiting on any output drain.
func TestExpireNowSkipsFlush(t *testing.T) {
	_, srcServer := net.Pipe()
	_, dstServer := net.Pipe()
	c := newTestContext(t, srcServer, dstServer)

	var finished bool
	c.SetTerminateHook(func(*Context) { finished = true })

	c.ExpireNow()

	if !c.Src.Closed() || !c.Dst.Closed() {
		t.Error("expected both descriptors closed on expiry")
	}
	if !finished {
		t.Error("expected terminate hook to run on expiry")
	}
	if c.TimeClose.IsZero() {
		t.Error("expected TimeClose stamped")
	}
}
