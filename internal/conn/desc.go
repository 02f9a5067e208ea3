// Package conn implements the paired connection state machine at the
// center of the engine (spec.md §4.6): the per-connection context with
// its src/dst/srvdst descriptors, watermark-gated relay, half-close
// and teardown handling.
package conn

import (
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
)

// Desc is one of a connection's three socket endpoints (src, dst,
// srvdst): a net.Conn, an optional TLS layer, a watermark-gated output
// path, and the once-only close semantics spec.md §3 requires
// ("closed transitions 0→1 exactly once").
type Desc struct {
	Conn net.Conn
	TLS  *tls.Conn // non-nil once TLS is active on this descriptor

	closed atomic.Bool

	out      *WatermarkGate
	readGate *readGate

	cleanup func()
}

// NewDesc wraps an already-connected net.Conn (or *tls.Conn, for which
// TLS should also be set) as a Desc. The watermark gate is installed
// separately by wireRelay once both sides of a pairing are known.
func NewDesc(c net.Conn) *Desc {
	return &Desc{Conn: c}
}

// ReadSource returns the io.Reader callers should read from: the TLS
// layer if active, otherwise the raw connection.
func (d *Desc) ReadSource() io.Reader {
	if d.TLS != nil {
		return d.TLS
	}
	return d.Conn
}

// rawWrite writes directly to the underlying connection (or its TLS
// layer), bypassing the watermark gate. Used by the gate's own drain
// goroutine, and by Write when no gate is installed.
func (d *Desc) rawWrite(p []byte) (int, error) {
	if d.TLS != nil {
		return d.TLS.Write(p)
	}
	return d.Conn.Write(p)
}

// Write enqueues p on the descriptor's watermark gate, if one has been
// installed by wireRelay, else writes directly (used before relay
// pairing, e.g. during the TLS handshake itself).
func (d *Desc) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, net.ErrClosed
	}
	if d.out != nil {
		return d.out.Write(p)
	}
	return d.rawWrite(p)
}

// Closed reports whether Close has completed on this descriptor.
func (d *Desc) Closed() bool { return d.closed.Load() }

// Close is idempotent: only the first caller actually tears the
// descriptor down, matching the "closed transitions 0→1 exactly once"
// invariant.
func (d *Desc) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.out != nil {
		_ = d.out.Close()
	}
	if d.cleanup != nil {
		d.cleanup()
	}
	if d.Conn != nil {
		return d.Conn.Close()
	}
	return nil
}
