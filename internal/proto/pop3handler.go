package proto

import (
	"strings"

	"github.com/infodancer/sslproxyd/internal/conn"
	"github.com/infodancer/sslproxyd/internal/proto/pop3"
)

// pop3Handler is the adapted teacher handler: the POP3 dialogue state
// machine in internal/proto/pop3 (AUTHORIZATION/TRANSACTION/UPDATE,
// STLS/TLS state, SASL PLAIN username extraction) is kept verbatim,
// but it never answers a command itself — it only classifies relayed
// bytes so the engine knows when to intercept an STLS upgrade and what
// identity to hand the content logger, while the teacher's POP3 server
// logic (msgstore lookups, mailbox state) is entirely gone.
type pop3Handler struct {
	tcpHandler

	observer *pop3.Observer
	tls      *tlsHandler

	lastClientCmd string
}

func newPOP3Handler(implicitTLS bool) *pop3Handler {
	return &pop3Handler{
		observer: pop3.NewObserver(implicitTLS),
		tls:      newTLSHandler(),
	}
}

func (h *pop3Handler) Kind() string {
	if h.observer.IsTLSActive() {
		return "pop3s"
	}
	return "pop3"
}

// ReadSrc classifies the client's command line for logging/filtering
// and records whether STLS is pending an upgrade; it never modifies
// the relayed bytes.
func (h *pop3Handler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) {
	line := firstLine(p)
	if line == "" {
		return p, nil
	}
	cmd, args, err := pop3.ParseCommand(line)
	if err != nil {
		return p, nil
	}
	if cmd == "AUTH" && len(args) == 2 && strings.EqualFold(args[0], "PLAIN") {
		if user, err := pop3.ExtractPlainUsername(args[1]); err == nil {
			ctx.SSLProxyHeader = user
		}
	}
	h.observer.ObserveClientLine(cmd, args)
	h.lastClientCmd = cmd
	return p, nil
}

// ReadDst watches the real server's reply line: once it confirms a
// pending STLS upgrade, the proxy relays this reply to the client
// itself and then performs both sides of the TLS handshake in place,
// exactly as spec.md §4.7 describes for STARTTLS-style protocols.
// ObserveServerLine expects the client command this reply answers, not
// a command parsed from the reply itself (a "+OK"/"-ERR" line has no
// command name of its own).
func (h *pop3Handler) ReadDst(ctx *conn.Context, p []byte) ([]byte, error) {
	line := firstLine(p)
	if line == "" {
		return p, nil
	}

	stlsConfirmed := h.observer.ObserveServerLine(h.lastClientCmd, line)
	if !stlsConfirmed {
		return p, nil
	}

	if _, err := ctx.Src.Write(p); err != nil {
		return nil, err
	}
	if err := h.upgrade(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

// upgrade runs the origin and client TLS handshakes in place, pausing
// Src reads so the src-direction relay goroutine does not race this
// (the dst-direction) goroutine's handshake I/O on the same socket.
func (h *pop3Handler) upgrade(ctx *conn.Context) error {
	ctx.PauseSrcReads()
	defer ctx.ResumeSrcReads()

	eng := ctx.Engine()
	originLeaf, err := h.tls.handshakeOrigin(ctx)
	if err != nil {
		return err
	}
	bundle, err := h.tls.forgedBundle(eng.Certs, eng.Forger, originLeaf)
	if err != nil {
		return err
	}
	defer bundle.Release()

	if err := h.tls.handshakeClient(ctx, bundle); err != nil {
		return err
	}
	h.observer.SetTLSActive()
	if eng.Metrics != nil {
		eng.Metrics.TLSHandshakeSucceeded()
	}
	return nil
}

func (h *pop3Handler) Free(ctx *conn.Context) {}

func firstLine(p []byte) string {
	for i, b := range p {
		if b == '\n' {
			return strings.TrimRight(string(p[:i]), "\r\n")
		}
	}
	return ""
}

// pop3sHandler is pop3 with TLS active from the first byte: the TLS
// handshake/cert forgery runs in OnConnect exactly like tlsHandler,
// then the same POP3 classification applies to the decrypted stream.
// Its two collaborators are named fields rather than embeds, since
// embedding both anonymously would make every promoted ProtoHandler
// method ambiguous (both back onto tcpHandler).
type pop3sHandler struct {
	tlsHandler  *tlsHandler
	pop3Handler *pop3Handler
}

func (h *pop3sHandler) Kind() string { return "pop3s" }

func (h *pop3sHandler) InitConn(ctx *conn.Context) error {
	return h.tlsHandler.InitConn(ctx)
}

func (h *pop3sHandler) OnConnect(ctx *conn.Context) error {
	return h.tlsHandler.OnConnect(ctx)
}

func (h *pop3sHandler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) {
	return h.pop3Handler.ReadSrc(ctx, p)
}

func (h *pop3sHandler) ReadDst(ctx *conn.Context, p []byte) ([]byte, error) {
	// TLS is already active from connect time; there is no further
	// STLS to observe, only the reply-state classification that also
	// drives AUTHORIZATION→TRANSACTION.
	line := firstLine(p)
	if line != "" {
		_ = h.pop3Handler.observer.ObserveServerLine(h.pop3Handler.lastClientCmd, line)
	}
	return p, nil
}

func (h *pop3sHandler) ReadSrvDst(ctx *conn.Context, p []byte) ([]byte, error) {
	return h.tlsHandler.ReadSrvDst(ctx, p)
}

func (h *pop3sHandler) OnEvent(ctx *conn.Context, which conn.Endpoint, ev conn.EventKind) error {
	return h.tlsHandler.OnEvent(ctx, which, ev)
}

func (h *pop3sHandler) Free(ctx *conn.Context) {}
