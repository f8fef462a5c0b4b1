package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the monitor service.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string
	CORSOrigins string

	ExchangeHost string
	ExchangeWSPort  int
	ExchangeHTTPPort int
	MonitorUsername  string
	MonitorPassword  string
	DialUsername     string
	DialPassword     string
	InsecureTLS      bool

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	TLSCert    string
	TLSKey     string
	ACMEDomain string
	ACMEEmail  string
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultExchangeWSPort    = 8443
	defaultExchangeHTTPPort  = 8443
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectDelay    = 10 * time.Second
)

// envPrefix is the prefix for all environment variables read by this service.
const envPrefix = "UCMMON_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ucmmonitor", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call-log database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")

	fs.StringVar(&cfg.ExchangeHost, "exchange-host", "", "hostname or IP of the UCM exchange")
	fs.IntVar(&cfg.ExchangeWSPort, "exchange-ws-port", defaultExchangeWSPort, "exchange WebSocket port")
	fs.IntVar(&cfg.ExchangeHTTPPort, "exchange-http-port", defaultExchangeHTTPPort, "exchange click-to-dial HTTP port")
	fs.StringVar(&cfg.MonitorUsername, "monitor-username", "", "username for the exchange monitoring WebSocket session")
	fs.StringVar(&cfg.MonitorPassword, "monitor-password", "", "password for the exchange monitoring WebSocket session")
	fs.StringVar(&cfg.DialUsername, "dial-username", "", "username for the click-to-dial HTTP session")
	fs.StringVar(&cfg.DialPassword, "dial-password", "", "password for the click-to-dial HTTP session")
	fs.BoolVar(&cfg.InsecureTLS, "insecure-tls", true, "relaxed TLS toggle; not consulted: the exchange clients always skip TLS verification and use the legacy cipher list")

	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", defaultHeartbeatInterval, "interval between WebSocket heartbeats")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", defaultReconnectDelay, "delay before reconnecting after a transport failure")

	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file for the HTTP surface")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file for the HTTP surface")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":           envPrefix + "DATA_DIR",
		"http-port":          envPrefix + "HTTP_PORT",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
		"cors-origins":       envPrefix + "CORS_ORIGINS",
		"exchange-host":      envPrefix + "EXCHANGE_HOST",
		"exchange-ws-port":   envPrefix + "EXCHANGE_WS_PORT",
		"exchange-http-port": envPrefix + "EXCHANGE_HTTP_PORT",
		"monitor-username":   envPrefix + "MONITOR_USERNAME",
		"monitor-password":   envPrefix + "MONITOR_PASSWORD",
		"dial-username":      envPrefix + "DIAL_USERNAME",
		"dial-password":      envPrefix + "DIAL_PASSWORD",
		"insecure-tls":       envPrefix + "INSECURE_TLS",
		"heartbeat-interval": envPrefix + "HEARTBEAT_INTERVAL",
		"reconnect-delay":    envPrefix + "RECONNECT_DELAY",
		"tls-cert":           envPrefix + "TLS_CERT",
		"tls-key":            envPrefix + "TLS_KEY",
		"acme-domain":        envPrefix + "ACME_DOMAIN",
		"acme-email":         envPrefix + "ACME_EMAIL",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "exchange-host":
			cfg.ExchangeHost = val
		case "exchange-ws-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ExchangeWSPort = v
			}
		case "exchange-http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ExchangeHTTPPort = v
			}
		case "monitor-username":
			cfg.MonitorUsername = val
		case "monitor-password":
			cfg.MonitorPassword = val
		case "dial-username":
			cfg.DialUsername = val
		case "dial-password":
			cfg.DialPassword = val
		case "insecure-tls":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.InsecureTLS = v
			}
		case "heartbeat-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.HeartbeatInterval = v
			}
		case "reconnect-delay":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.ReconnectDelay = v
			}
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "acme-domain":
			cfg.ACMEDomain = val
		case "acme-email":
			cfg.ACMEEmail = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.ExchangeHost == "" {
		return fmt.Errorf("exchange-host is required")
	}
	if c.ExchangeWSPort < 1 || c.ExchangeWSPort > 65535 {
		return fmt.Errorf("exchange-ws-port must be between 1 and 65535, got %d", c.ExchangeWSPort)
	}
	if c.ExchangeHTTPPort < 1 || c.ExchangeHTTPPort > 65535 {
		return fmt.Errorf("exchange-http-port must be between 1 and 65535, got %d", c.ExchangeHTTPPort)
	}
	if c.MonitorUsername == "" || c.MonitorPassword == "" {
		return fmt.Errorf("monitor-username and monitor-password are required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat-interval must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect-delay must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}

	// Click-to-dial credentials default to the monitoring credentials when
	// not separately configured; the exchange commonly uses one account
	// for both surfaces.
	if c.DialUsername == "" {
		c.DialUsername = c.MonitorUsername
	}
	if c.DialPassword == "" {
		c.DialPassword = c.MonitorPassword
	}

	return nil
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME (Let's Encrypt) certificates are configured for the HTTP surface.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
