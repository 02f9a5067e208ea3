package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	Connect        string
	CACert         string
	CAKey          string
	WorkerCount    int
	FilterRuleFile string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./sslproxyd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Engine hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners with a single tcp listener)")
	flag.StringVar(&f.Connect, "connect", "", "Static connect address for the -listen override")
	flag.StringVar(&f.CACert, "ca-cert", "", "CA certificate file path, for signing forged leaf certs")
	flag.StringVar(&f.CAKey, "ca-key", "", "CA private key file path")
	flag.IntVar(&f.WorkerCount, "workers", 0, "Number of worker threads (0 = number of CPU cores)")
	flag.StringVar(&f.FilterRuleFile, "filter-rules", "", "Path to filter rule file")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig Config
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig), nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
	}

	if f.Listen != "" {
		// -listen replaces ALL listeners with a single tcp passthrough listener.
		cfg.Listeners = []ListenerSpec{
			{Protocol: ProtocolTCP, Listen: f.Listen, Connect: f.Connect},
		}
	}

	if f.CACert != "" {
		cfg.CA.CertFile = f.CACert
	}

	if f.CAKey != "" {
		cfg.CA.KeyFile = f.CAKey
	}

	if f.WorkerCount > 0 {
		cfg.Worker.Count = f.WorkerCount
	}

	if f.FilterRuleFile != "" {
		cfg.Filter.RuleFile = f.FilterRuleFile
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.CA.CertFile != "" {
		dst.CA.CertFile = src.CA.CertFile
	}
	if src.CA.KeyFile != "" {
		dst.CA.KeyFile = src.CA.KeyFile
	}
	if src.CA.TargetCertDir != "" {
		dst.CA.TargetCertDir = src.CA.TargetCertDir
	}

	if src.Cache.ForgedCertCapacity > 0 {
		dst.Cache.ForgedCertCapacity = src.Cache.ForgedCertCapacity
	}
	if src.Cache.SessionCapacity > 0 {
		dst.Cache.SessionCapacity = src.Cache.SessionCapacity
	}
	if src.Cache.GCPeriod != "" {
		dst.Cache.GCPeriod = src.Cache.GCPeriod
	}

	if src.Worker.Count > 0 {
		dst.Worker.Count = src.Worker.Count
	}
	if src.Worker.IdleTimeout != "" {
		dst.Worker.IdleTimeout = src.Worker.IdleTimeout
	}
	if src.Worker.ExpiredCheckPeriod != "" {
		dst.Worker.ExpiredCheckPeriod = src.Worker.ExpiredCheckPeriod
	}
	if src.Worker.QueueCapacity > 0 {
		dst.Worker.QueueCapacity = src.Worker.QueueCapacity
	}
	if src.Worker.StatsPeriod > 0 {
		dst.Worker.StatsPeriod = src.Worker.StatsPeriod
	}

	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	mergeLogger(&dst.Logging.Connect, src.Logging.Connect)
	mergeLogger(&dst.Logging.Content, src.Logging.Content)
	mergeLogger(&dst.Logging.Cert, src.Logging.Cert)
	mergeLogger(&dst.Logging.Masterkey, src.Logging.Masterkey)
	mergeLogger(&dst.Logging.Pcap, src.Logging.Pcap)

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	if src.Privsep.SocketPath != "" {
		dst.Privsep.SocketPath = src.Privsep.SocketPath
	}

	if src.Filter.RuleFile != "" {
		dst.Filter.RuleFile = src.Filter.RuleFile
	}

	if len(src.DNS.FallbackServers) > 0 {
		dst.DNS.FallbackServers = src.DNS.FallbackServers
	}

	return dst
}

func mergeLogger(dst *LoggerConfig, src LoggerConfig) {
	if src.Enabled {
		dst.Enabled = src.Enabled
	}
	if src.Path != "" {
		dst.Path = src.Path
	}
}
