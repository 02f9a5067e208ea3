package worker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DefaultFallbackServers are consulted when no nameservers are
// configured. Some hosts this engine runs on (notably mobile) expose
// no usable system resolver, so the fallback list is always present.
var DefaultFallbackServers = []string{"8.8.8.8:53", "114.114.114.114:53"}

// Resolver performs DNS A/AAAA lookups against an explicit list of
// nameservers in order, rather than deferring to the system resolver.
type Resolver struct {
	Servers []string
	client  *dns.Client
}

// NewResolver builds a Resolver over servers, falling back to
// DefaultFallbackServers when servers is empty.
func NewResolver(servers []string) *Resolver {
	if len(servers) == 0 {
		servers = DefaultFallbackServers
	}
	normalized := make([]string, len(servers))
	for i, s := range servers {
		normalized[i] = normalizeServer(s)
	}
	return &Resolver{
		Servers: normalized,
		client:  &dns.Client{Timeout: 5 * time.Second},
	}
}

func normalizeServer(s string) string {
	if _, _, err := net.SplitHostPort(s); err == nil {
		return s
	}
	return net.JoinHostPort(s, "53")
}

// LookupIPAddr resolves host to its IPv4 and IPv6 addresses, trying
// each configured nameserver in turn until one answers.
func (r *Resolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IPAddr{{IP: ip}}, nil
	}

	var addrs []net.IPAddr
	var lastErr error

	for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		for _, server := range r.Servers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			for _, rr := range resp.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					addrs = append(addrs, net.IPAddr{IP: rec.A})
				case *dns.AAAA:
					addrs = append(addrs, net.IPAddr{IP: rec.AAAA})
				}
			}
			break
		}
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
		}
		return nil, fmt.Errorf("resolve %s: no records found", host)
	}
	return addrs, nil
}
