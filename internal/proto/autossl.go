package proto

import "github.com/infodancer/sslproxyd/internal/conn"

// autosslHandler starts as a plain TCP relay and upgrades in place to
// the TLS handler the moment the first bytes from the client look like
// a TLS ClientHello (spec.md §4.7's "upgrade on STARTTLS" generalized
// to "upgrade on detected ClientHello" for the `upgrade` listener tag,
// since the original's autossl listeners auto-detect TLS vs. plaintext
// rather than waiting on an explicit STARTTLS verb).
type autosslHandler struct {
	tcpHandler

	tls      *tlsHandler
	detected bool
	upgraded bool
}

func (h *autosslHandler) Kind() string {
	if h.upgraded {
		return "tls"
	}
	return "tcp"
}

// ReadSrc inspects the connection's very first chunk only: a TLS
// record always opens with content type 0x16 (handshake) followed by a
// two-byte protocol version whose major byte is 0x03. Anything else is
// assumed plaintext for the rest of the connection's life, matching
// the original's one-shot detection.
//
// The first chunk has already been read out of the raw socket into p
// by the relay loop by the time this runs, so a TLS ClientHello
// upgrade cannot just re-Read the handshake from the conn — it would
// be reading past bytes that are already gone. beginUpgrade wraps
// ctx.Src.Conn in a prefixConn that replays p first, so tls.Server's
// own handshake read sees exactly the bytes the client sent.
func (h *autosslHandler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) {
	if h.detected {
		return p, nil
	}
	h.detected = true

	if !looksLikeClientHello(p) {
		return p, nil
	}
	if err := h.beginUpgrade(ctx, p); err != nil {
		return nil, err
	}
	// p's bytes now live in ctx.Src.Conn's replay prefix, consumed by
	// the handshake; nothing left to relay from this read.
	return nil, nil
}

func (h *autosslHandler) beginUpgrade(ctx *conn.Context, clientHelloPrefix []byte) error {
	ctx.PauseSrcReads()
	defer ctx.ResumeSrcReads()

	ctx.Src.Conn = newPrefixConn(ctx.Src.Conn, clientHelloPrefix)

	h.tls = newTLSHandler()
	if err := h.tls.OnConnect(ctx); err != nil {
		return err
	}
	h.upgraded = true
	return nil
}

func looksLikeClientHello(p []byte) bool {
	return len(p) >= 3 && p[0] == 0x16 && p[1] == 0x03
}
