package proto

import (
	"bytes"
	"fmt"

	"github.com/infodancer/sslproxyd/internal/conn"
)

// httpHandler classifies plaintext HTTP: it injects a single
// "SSLproxy: host:port" header ahead of the first client request line
// so a downstream child listener can reassociate the flow (spec.md
// §4.6), and feeds the first request line to the filter's HTTP-rule
// hook (§6). No HTTP/2 or WebSocket upgrade handling — both are
// Non-goals carried forward unchanged.
type httpHandler struct {
	tcpHandler

	headerSent bool
}

func (httpHandler) Kind() string { return "http" }

func (h *httpHandler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) {
	if h.headerSent {
		return p, nil
	}
	line, _, _ := bytes.Cut(p, []byte("\r\n"))
	if len(line) > 0 {
		if filt := ctx.Engine().Filter; filt != nil {
			d := filt.OnHTTPRequestLine(string(line))
			ctx.ApplyFilterDecision(d)
		}
	}
	h.headerSent = true
	if ctx.SSLProxyHeader == "" {
		return p, nil
	}
	header := fmt.Sprintf("SSLproxy: %s\r\n", ctx.SSLProxyHeader)
	return append([]byte(header), p...), nil
}

// httpsHandler is http with TLS interception layered underneath: the
// TLS handshake and cert forgery run first (tlsHandler.OnConnect),
// then the same header-injection/filter logic applies to the
// decrypted request stream.
type httpsHandler struct {
	*tlsHandler
	httpRead httpHandler
}

func (h *httpsHandler) Kind() string { return "https" }

func (h *httpsHandler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) {
	return h.httpRead.ReadSrc(ctx, p)
}
