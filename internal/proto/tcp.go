package proto

import "github.com/infodancer/sslproxyd/internal/conn"

// tcpHandler is the baseline passthrough relay: no protocol awareness,
// bytes pass through ReadSrc/ReadDst unmodified. Every other handler
// in this package embeds it and overrides only the hooks its protocol
// needs, the Go analogue of the original's "prototcp.c does TCP setup,
// everything else calls through to it first."
type tcpHandler struct{}

func (tcpHandler) Kind() string { return "tcp" }

func (tcpHandler) InitConn(ctx *conn.Context) error { return nil }

// OnConnect hands srvdst over to dst directly: a plain TCP listener
// never diverts or splits on its own, so the connection the engine
// already dialed as the server-first socket is the one relayed to.
func (tcpHandler) OnConnect(ctx *conn.Context) error {
	if ctx.Dst == nil && ctx.SrvDst != nil {
		ctx.TransferSrvDstToDst()
	}
	return nil
}

func (tcpHandler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) { return p, nil }
func (tcpHandler) ReadDst(ctx *conn.Context, p []byte) ([]byte, error) { return p, nil }
func (tcpHandler) ReadSrvDst(ctx *conn.Context, p []byte) ([]byte, error) {
	return p, nil
}

func (tcpHandler) OnEvent(ctx *conn.Context, which conn.Endpoint, ev conn.EventKind) error {
	return nil
}

func (tcpHandler) Free(ctx *conn.Context) {}
