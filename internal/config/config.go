// Package config provides configuration management for the TLS
// interception and forwarding engine.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// Protocol identifies the wire protocol a listener expects, selecting
// which protocol handler the dispatcher attaches to new connections.
type Protocol string

const (
	// ProtocolTCP is a plain passthrough TCP relay, no protocol awareness.
	ProtocolTCP Protocol = "tcp"
	// ProtocolSSL is a TLS connection intercepted from the first byte.
	ProtocolSSL Protocol = "ssl"
	// ProtocolHTTP is plaintext HTTP, parsed at the first request line.
	ProtocolHTTP Protocol = "http"
	// ProtocolUpgrade is autossl: plaintext that may upgrade to TLS
	// in-band, detected by checking the first client bytes for a TLS
	// ClientHello.
	ProtocolUpgrade Protocol = "upgrade"
	// ProtocolPOP3 is plaintext POP3 with optional STLS upgrade.
	ProtocolPOP3 Protocol = "pop3"
	// ProtocolSMTP is plaintext SMTP with optional STARTTLS upgrade.
	ProtocolSMTP Protocol = "smtp"
)

func isValidProtocol(p Protocol) bool {
	switch p {
	case ProtocolTCP, ProtocolSSL, ProtocolHTTP, ProtocolUpgrade, ProtocolPOP3, ProtocolSMTP:
		return true
	default:
		return false
	}
}

// ListenerSpec describes one listening socket the engine should open,
// per spec.md's external-interface listener specification: a protocol
// tag, a listen address, a connect target (or NAT-engine tag), an SNI
// lookahead port, and optional divert/return addresses.
type ListenerSpec struct {
	Protocol Protocol `toml:"protocol"`

	// Listen is the address:port the engine binds and accepts on.
	Listen string `toml:"listen"`

	// Connect is the static origin address:port dialed for this
	// listener. Empty when NATEngine is set.
	Connect string `toml:"connect"`

	// NATEngine names the NAT-lookup backend ("none", "pf", "iptables")
	// used to discover the original destination instead of a static
	// Connect address.
	NATEngine string `toml:"nat_engine"`

	// SNIPort is the port used for a TLS SNI lookahead dial, when the
	// origin's SNI-bearing ClientHello must be inspected before the
	// real connect target is known.
	SNIPort int `toml:"sni_port"`

	// Divert, if set, routes traffic through this address instead of
	// the real origin (full MITM divert mode).
	Divert string `toml:"divert"`

	// Return is the address traffic diverted through Divert is
	// expected to come back on.
	Return string `toml:"return"`

	// ImplicitTLS marks a pop3/http/smtp listener as the "s" variant
	// (pop3s/https/smtps): TLS is active from the first byte instead of
	// being negotiated in-band via STLS/STARTTLS.
	ImplicitTLS bool `toml:"implicit_tls"`
}

// CAConfig holds the certificate authority material used to sign
// forged leaf certificates.
type CAConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	// TargetCertDir holds pre-issued certificates loaded by common name
	// instead of forged on demand (the target-cert cache).
	TargetCertDir string `toml:"target_cert_dir"`
}

// CacheConfig tunes the certificate/session cache manager (§4.2/§4.3):
// entry capacities and the garbage-collection sweep period. Only the
// sweep period is applied; the capacities are loaded and merged but
// the caches have no size limit.
type CacheConfig struct {
	ForgedCertCapacity int    `toml:"forged_cert_capacity"`
	SessionCapacity    int    `toml:"session_capacity"`
	GCPeriod           string `toml:"gc_period"`
}

// GCPeriodDuration returns the cache GC sweep period, defaulting to 60s.
func (c *CacheConfig) GCPeriodDuration() time.Duration {
	if c.GCPeriod == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.GCPeriod)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// WorkerConfig tunes the worker pool (§4.5): thread count, idle-reap
// timeout, how often each worker sweeps for expired connections, and
// how many sweep ticks separate each per-thread stats log emission
// (StatsPeriod <= 0 disables stats logging).
type WorkerConfig struct {
	Count              int    `toml:"count"`
	IdleTimeout        string `toml:"idle_timeout"`
	ExpiredCheckPeriod string `toml:"expired_check_period"`
	QueueCapacity      int    `toml:"queue_capacity"`
	StatsPeriod        int    `toml:"stats_period"`
}

// IdleTimeoutDuration returns the per-connection idle timeout, default 5m.
func (w *WorkerConfig) IdleTimeoutDuration() time.Duration {
	if w.IdleTimeout == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(w.IdleTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// ExpiredCheckPeriodDuration returns how often a worker scans its
// active set for idle-expired connections, default 10s.
func (w *WorkerConfig) ExpiredCheckPeriodDuration() time.Duration {
	if w.ExpiredCheckPeriod == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(w.ExpiredCheckPeriod)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// LoggerConfig configures one of the five log streams (connect,
// content, cert, masterkey, pcap) that feed the bounded log queue.
type LoggerConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// LoggingConfig groups the five named logger streams plus the engine's
// own structured diagnostic log level.
type LoggingConfig struct {
	Level     string       `toml:"level"`
	Connect   LoggerConfig `toml:"connect"`
	Content   LoggerConfig `toml:"content"`
	Cert      LoggerConfig `toml:"cert"`
	Masterkey LoggerConfig `toml:"masterkey"`
	Pcap      LoggerConfig `toml:"pcap"`
}

// TLSConfig holds shared TLS version policy for the engine's own
// client-facing handshakes (forged-certificate interception).
type TLSConfig struct {
	MinVersion string `toml:"min_version"`
}

// MinTLSVersion returns the crypto/tls constant for the configured
// minimum TLS version, defaulting to TLS 1.2.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// PrivsepConfig configures the client socket used to ask a privileged
// helper process to bind low-numbered listener ports.
type PrivsepConfig struct {
	SocketPath string `toml:"socket_path"`
}

// FilterConfig points at the rule file consulted for BLOCK/PASS/
// DIVERT/SPLIT decisions.
type FilterConfig struct {
	RuleFile string `toml:"rule_file"`
}

// DNSConfig configures the resolver used for origin-address lookups.
// Fallback servers are appended after any system resolv.conf entries,
// since mobile hosts may expose no resolvers of their own.
type DNSConfig struct {
	FallbackServers []string `toml:"fallback_servers"`
}

// Config holds the full engine configuration.
type Config struct {
	Hostname  string         `toml:"hostname"`
	Listeners []ListenerSpec `toml:"listeners"`
	CA        CAConfig       `toml:"ca"`
	Cache     CacheConfig    `toml:"cache"`
	Worker    WorkerConfig   `toml:"worker"`
	Logging   LoggingConfig  `toml:"logging"`
	TLS       TLSConfig      `toml:"tls"`
	Metrics   MetricsConfig  `toml:"metrics"`
	Privsep   PrivsepConfig  `toml:"privsep"`
	Filter    FilterConfig   `toml:"filter"`
	DNS       DNSConfig      `toml:"dns"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		Listeners: []ListenerSpec{
			{Protocol: ProtocolTCP, Listen: ":8080", Connect: "127.0.0.1:80"},
		},
		CA: CAConfig{},
		Cache: CacheConfig{
			ForgedCertCapacity: 4096,
			SessionCapacity:    4096,
			GCPeriod:           "60s",
		},
		Worker: WorkerConfig{
			Count:              0, // 0 means "number of CPU cores"
			IdleTimeout:        "5m",
			ExpiredCheckPeriod: "10s",
			QueueCapacity:      1024,
			StatsPeriod:        6, // 6 * 10s expired-check sweeps == a stats record every ~60s
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
		DNS: DNSConfig{
			FallbackServers: []string{"8.8.8.8", "114.114.114.114"},
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Listen == "" {
			return fmt.Errorf("listener %d: listen address is required", i)
		}
		if !isValidProtocol(l.Protocol) {
			return fmt.Errorf("listener %d: invalid protocol %q", i, l.Protocol)
		}
		if l.Connect == "" && l.NATEngine == "" {
			return fmt.Errorf("listener %d: connect or nat_engine is required", i)
		}
	}

	if c.Worker.Count < 0 {
		return errors.New("worker.count must not be negative")
	}

	if c.Worker.QueueCapacity <= 0 {
		return errors.New("worker.queue_capacity must be positive")
	}

	if _, err := time.ParseDuration(c.defaultedWorkerIdleTimeout()); err != nil {
		return fmt.Errorf("invalid worker idle_timeout: %w", err)
	}

	if _, err := time.ParseDuration(c.defaultedWorkerExpiredCheckPeriod()); err != nil {
		return fmt.Errorf("invalid worker expired_check_period: %w", err)
	}

	if _, err := time.ParseDuration(c.defaultedCacheGCPeriod()); err != nil {
		return fmt.Errorf("invalid cache gc_period: %w", err)
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

func (c *Config) defaultedWorkerIdleTimeout() string {
	if c.Worker.IdleTimeout == "" {
		return "5m"
	}
	return c.Worker.IdleTimeout
}

func (c *Config) defaultedWorkerExpiredCheckPeriod() string {
	if c.Worker.ExpiredCheckPeriod == "" {
		return "10s"
	}
	return c.Worker.ExpiredCheckPeriod
}

func (c *Config) defaultedCacheGCPeriod() string {
	if c.Cache.GCPeriod == "" {
		return "60s"
	}
	return c.Cache.GCPeriod
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
