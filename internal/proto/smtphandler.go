package proto

import (
	"strings"

	"github.com/infodancer/sslproxyd/internal/conn"
)

// smtpState is the relay's believed SMTP dialogue phase, the SMTP
// analogue of pop3.State — grounded on the EHLO/MAIL FROM/RCPT TO/DATA/
// STARTTLS command shape the pack's infodancer-smtpd and
// evidentiq-smtprelay handlers use, but observed only, never answered:
// this engine relays SMTP, it does not terminate it.
type smtpState int

const (
	smtpStateInit smtpState = iota
	smtpStateGreeted
	smtpStateMail
)

// smtpHandler classifies plaintext SMTP traffic so the engine knows
// when a STARTTLS upgrade has been confirmed by the real server and
// can record EHLO/MAIL FROM identities for content logging.
type smtpHandler struct {
	tcpHandler

	tls   *tlsHandler
	tlsOn bool

	lastClientCmd string
	starttlsSeen  bool
	state         smtpState
}

func newSMTPHandler(implicitTLS bool) *smtpHandler {
	return &smtpHandler{tls: newTLSHandler(), tlsOn: implicitTLS}
}

func (h *smtpHandler) Kind() string {
	if h.tlsOn {
		return "smtps"
	}
	return "smtp"
}

func (h *smtpHandler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) {
	line := firstLine(p)
	if line == "" {
		return p, nil
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return p, nil
	}
	cmd := strings.ToUpper(fields[0])
	h.lastClientCmd = cmd

	switch cmd {
	case "STARTTLS":
		h.starttlsSeen = true
	case "MAIL":
		if len(fields) > 1 {
			ctx.SSLProxyHeader = strings.Join(fields[1:], " ")
		}
	}
	return p, nil
}

func (h *smtpHandler) ReadDst(ctx *conn.Context, p []byte) ([]byte, error) {
	line := firstLine(p)
	if line == "" {
		return p, nil
	}

	switch {
	case h.state == smtpStateInit && strings.HasPrefix(line, "220"):
		h.state = smtpStateGreeted
	case h.lastClientCmd == "MAIL" && strings.HasPrefix(line, "250"):
		h.state = smtpStateMail
	}

	if !h.starttlsSeen || !strings.HasPrefix(line, "220") {
		return p, nil
	}
	h.starttlsSeen = false

	if _, err := ctx.Src.Write(p); err != nil {
		return nil, err
	}
	if err := h.upgrade(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

// upgrade mirrors pop3Handler.upgrade: pause Src reads, complete the
// origin handshake then the client handshake in place, and mark TLS
// active so Kind reports smtps from here on.
func (h *smtpHandler) upgrade(ctx *conn.Context) error {
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
	h.tlsOn = true
	if eng.Metrics != nil {
		eng.Metrics.TLSHandshakeSucceeded()
	}
	return nil
}

func (h *smtpHandler) Free(ctx *conn.Context) {}

// smtpsHandler is smtp with TLS active from the first byte.
type smtpsHandler struct {
	tlsHandler  *tlsHandler
	smtpHandler *smtpHandler
}

func (h *smtpsHandler) Kind() string { return "smtps" }

func (h *smtpsHandler) InitConn(ctx *conn.Context) error {
	return h.tlsHandler.InitConn(ctx)
}

func (h *smtpsHandler) OnConnect(ctx *conn.Context) error {
	return h.tlsHandler.OnConnect(ctx)
}

func (h *smtpsHandler) ReadSrc(ctx *conn.Context, p []byte) ([]byte, error) {
	return h.smtpHandler.ReadSrc(ctx, p)
}

func (h *smtpsHandler) ReadDst(ctx *conn.Context, p []byte) ([]byte, error) {
	line := firstLine(p)
	if line != "" && h.smtpHandler.lastClientCmd == "MAIL" && strings.HasPrefix(line, "250") {
		h.smtpHandler.state = smtpStateMail
	}
	return p, nil
}

func (h *smtpsHandler) ReadSrvDst(ctx *conn.Context, p []byte) ([]byte, error) {
	return h.tlsHandler.ReadSrvDst(ctx, p)
}

func (h *smtpsHandler) OnEvent(ctx *conn.Context, which conn.Endpoint, ev conn.EventKind) error {
	return h.tlsHandler.OnEvent(ctx, which, ev)
}

func (h *smtpsHandler) Free(ctx *conn.Context) {}
