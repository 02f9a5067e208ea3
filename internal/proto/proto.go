// Package proto implements the per-connection protocol dispatch vtable
// (spec.md §4.7): Select picks a fresh conn.ProtoHandler for each newly
// accepted connection according to its listener's configured protocol
// tag, and every concrete handler in this package implements that
// interface by delegating to tcpHandler for the parts it doesn't
// override — Go embedding standing in for the original's "call the TCP
// setup first, then override specific slots" pattern.
package proto

import (
	"github.com/infodancer/sslproxyd/internal/config"
	"github.com/infodancer/sslproxyd/internal/conn"
)

// Select implements spec.md §4.7's exact listener-protocol dispatch
// table: upgrade⇒autossl, http⇒http/https, pop3⇒pop3/pop3s, smtp⇒
// smtp/smtps, ssl alone⇒tls, anything else⇒tcp. It returns a freshly
// constructed handler, since several variants (pop3, smtp) carry
// per-connection dialogue state that must not be shared across
// connections.
func Select(spec config.ListenerSpec) conn.ProtoHandler {
	switch spec.Protocol {
	case config.ProtocolUpgrade:
		return &autosslHandler{}
	case config.ProtocolHTTP:
		if spec.ImplicitTLS {
			return &httpsHandler{tlsHandler: newTLSHandler()}
		}
		return &httpHandler{}
	case config.ProtocolPOP3:
		if spec.ImplicitTLS {
			return &pop3sHandler{tlsHandler: newTLSHandler(), pop3Handler: newPOP3Handler(true)}
		}
		return newPOP3Handler(false)
	case config.ProtocolSMTP:
		if spec.ImplicitTLS {
			return &smtpsHandler{tlsHandler: newTLSHandler(), smtpHandler: newSMTPHandler(true)}
		}
		return newSMTPHandler(false)
	case config.ProtocolSSL:
		return newTLSHandler()
	default:
		return &tcpHandler{}
	}
}
