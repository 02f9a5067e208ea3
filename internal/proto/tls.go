package proto

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/infodancer/sslproxyd/internal/certbundle"
	"github.com/infodancer/sslproxyd/internal/certcache"
	"github.com/infodancer/sslproxyd/internal/conn"
	"github.com/infodancer/sslproxyd/internal/filter"
	"github.com/infodancer/sslproxyd/internal/forge"
)

// tlsHandler intercepts a connection from the first byte (spec.md
// §4.7's TLS-specific responsibilities): it completes the origin-facing
// handshake first to learn the real leaf certificate, forges (or
// reuses a cached forgery of) a matching leaf, and only then completes
// the client-facing handshake with that forged leaf.
//
// The original's sni_peek_retries bounded-retry loop (up to 64 peeks
// at the raw bytes before a ClientHello is fully buffered) has no
// counterpart here: crypto/tls's GetCertificate callback already
// receives a fully parsed *tls.ClientHelloInfo, SNI included, before
// the handshake proceeds, so there is nothing left to retry.
type tlsHandler struct {
	tcpHandler

	reconnected bool
}

func newTLSHandler() *tlsHandler { return &tlsHandler{} }

func (h *tlsHandler) Kind() string { return "tls" }

// OnConnect performs both handshakes in order (origin first, per
// spec.md §4.6's "server-first-connected" ordering) and leaves both
// Src and SrvDst wrapped in *tls.Conn, with SrvDst promoted to Dst.
func (h *tlsHandler) OnConnect(ctx *conn.Context) error {
	eng := ctx.Engine()
	if ctx.SrvDst == nil {
		return fmt.Errorf("tls: no srvdst connection to intercept")
	}

	originLeaf, err := h.handshakeOrigin(ctx)
	if err != nil {
		return err
	}

	bundle, err := h.forgedBundle(eng.Certs, eng.Forger, originLeaf)
	if err != nil {
		return err
	}
	defer bundle.Release()

	if err := h.handshakeClient(ctx, bundle); err != nil {
		return err
	}

	decision := ctx.VerifyHandshakeCertificate(originLeaf, ctx.SNI)
	if decision.Action == filter.ActionBlock {
		return fmt.Errorf("tls: connection blocked by filter after handshake")
	}

	if eng.Metrics != nil {
		eng.Metrics.TLSHandshakeSucceeded()
	}
	ctx.TransferSrvDstToDst()
	return nil
}

// handshakeOrigin negotiates TLS on SrvDst, returning the origin's
// leaf certificate. The first attempt sends the client's SNI as
// ServerName, or the origin address's host when no SNI is known yet;
// a failed attempt gets one hardened
// retry over a fresh dial to the same address (spec.md §4.7:
// "reconnect srvdst once with hardened options"), since a failed TLS
// handshake leaves the original socket's byte stream desynchronized
// and unusable for a second attempt.
func (h *tlsHandler) handshakeOrigin(ctx *conn.Context) (*x509.Certificate, error) {
	serverName := ctx.SNI
	if serverName == "" && ctx.DstAddr != nil {
		if host, _, err := net.SplitHostPort(ctx.DstAddr.String()); err == nil {
			serverName = host
		}
	}

	cert, err := h.dialOrigin(ctx, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	})
	if err == nil {
		return cert, nil
	}
	if h.reconnected || ctx.DstAddr == nil {
		return nil, err
	}

	h.reconnected = true
	fresh, dialErr := net.Dial("tcp", ctx.DstAddr.String())
	if dialErr != nil {
		return nil, fmt.Errorf("tls: hardened reconnect dial: %w", dialErr)
	}
	ctx.SrvDst.Conn = fresh
	return h.dialOrigin(ctx, &tls.Config{
		ServerName:         ctx.SNI,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
}

func (h *tlsHandler) dialOrigin(ctx *conn.Context, cfg *tls.Config) (*x509.Certificate, error) {
	tlsConn := tls.Client(ctx.SrvDst.Conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, fmt.Errorf("tls: origin handshake: %w", err)
	}
	ctx.SrvDst.TLS = tlsConn

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("tls: origin presented no certificate")
	}
	return state.PeerCertificates[0], nil
}

// forgedBundle looks up a cached forgery of origin by fingerprint,
// forging and caching a new one on a miss.
func (h *tlsHandler) forgedBundle(certs *certcache.Manager, forger forge.Forger, origin *x509.Certificate) (*certbundle.Bundle, error) {
	fp := certcache.Fingerprint(origin)
	if b, ok := certs.ForgedCert.Get(fp); ok {
		return b.Acquire(), nil
	}
	b, err := forger.Forge(origin)
	if err != nil {
		return nil, fmt.Errorf("tls: forging leaf for %s: %w", origin.Subject.CommonName, err)
	}
	certs.ForgedCert.Set(fp, b)
	return b.Acquire(), nil
}

// handshakeClient completes the client-facing handshake, serving
// bundle's forged leaf and capturing the SNI the client presented.
func (h *tlsHandler) handshakeClient(ctx *conn.Context, bundle *certbundle.Bundle) error {
	tlsConf := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			ctx.SNI = hello.ServerName
			cert := bundle.TLSCertificate()
			return &cert, nil
		},
	}
	tlsConn := tls.Server(ctx.Src.Conn, tlsConf)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		if ctx.Engine().Metrics != nil {
			ctx.Engine().Metrics.TLSHandshakeFailed()
		}
		return fmt.Errorf("tls: client handshake: %w", err)
	}
	ctx.Src.TLS = tlsConn
	return nil
}
