package proto

import (
	"testing"

	"github.com/infodancer/sslproxyd/internal/config"
)

// TestSelectDispatchTable pins down spec.md §4.7's exact dispatch rule:
// upgrade⇒autossl, http⇒http/https, pop3⇒pop3/pop3s, smtp⇒smtp/smtps,
// ssl alone⇒tls, else⇒tcp.
func TestSelectDispatchTable(t *testing.T) {
	cases := []struct {
		name string
		spec config.ListenerSpec
		kind string
	}{
		{"upgrade", config.ListenerSpec{Protocol: config.ProtocolUpgrade}, "tcp"},
		{"http plaintext", config.ListenerSpec{Protocol: config.ProtocolHTTP}, "http"},
		{"http implicit tls", config.ListenerSpec{Protocol: config.ProtocolHTTP, ImplicitTLS: true}, "https"},
		{"pop3 plaintext", config.ListenerSpec{Protocol: config.ProtocolPOP3}, "pop3"},
		{"pop3 implicit tls", config.ListenerSpec{Protocol: config.ProtocolPOP3, ImplicitTLS: true}, "pop3s"},
		{"smtp plaintext", config.ListenerSpec{Protocol: config.ProtocolSMTP}, "smtp"},
		{"smtp implicit tls", config.ListenerSpec{Protocol: config.ProtocolSMTP, ImplicitTLS: true}, "smtps"},
		{"ssl alone", config.ListenerSpec{Protocol: config.ProtocolSSL}, "tls"},
		{"tcp default", config.ListenerSpec{Protocol: config.ProtocolTCP}, "tcp"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Select(tc.spec)
			if h == nil {
				t.Fatal("Select returned nil handler")
			}
			if got := h.Kind(); got != tc.kind {
				t.Errorf("Kind() = %q, want %q", got, tc.kind)
			}
		})
	}
}

// TestSelectReturnsFreshHandlers checks that handlers carrying
// per-connection dialogue state (pop3, smtp) are not accidentally
// shared across connections.
func TestSelectReturnsFreshHandlers(t *testing.T) {
	spec := config.ListenerSpec{Protocol: config.ProtocolPOP3}
	a := Select(spec)
	b := Select(spec)
	if a == b {
		t.Fatal("Select must return a distinct handler instance per call")
	}
}
