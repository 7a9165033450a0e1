package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"rwfrom/internal/rules"
)

// Transport modes.
const (
	ModeSMTP      = "smtp"
	ModeMilter    = "milter"
	ModeOpenSMTPD = "opensmtpd"
)

type Config struct {
	Mode      string
	RulesPath string

	// Local proxy server
	ListenAddr    string
	ProxyUsername string
	ProxyPassword string

	// Upstream SMTP server
	DestHost     string
	DestPort     int
	DestUsername string
	DestPassword string
	DestFrom     string // fixed envelope sender, empty keeps the client's

	// Milter listener
	MilterNetwork string
	MilterAddr    string

	// Optional
	ServerDomain   string
	MaxMessageSize int64
	MetricsAddr    string
	LogLevel       slog.Level
}

func Load() (*Config, error) {
	cfg := &Config{
		Mode:           envOrDefault("RWFROM_MODE", ModeSMTP),
		RulesPath:      envOrDefault("RWFROM_CONF", rules.DefaultPath),
		ListenAddr:     envOrDefault("SMTP_LISTEN_ADDR", ":2525"),
		ServerDomain:   envOrDefault("SMTP_SERVER_DOMAIN", "localhost"),
		ProxyUsername:  os.Getenv("SMTP_PROXY_USERNAME"),
		ProxyPassword:  os.Getenv("SMTP_PROXY_PASSWORD"),
		DestHost:       os.Getenv("SMTP_DEST_HOST"),
		DestUsername:   os.Getenv("SMTP_DEST_USERNAME"),
		DestPassword:   os.Getenv("SMTP_DEST_PASSWORD"),
		DestFrom:       os.Getenv("SMTP_DEST_FROM"),
		MetricsAddr:    os.Getenv("METRICS_LISTEN_ADDR"),
		MaxMessageSize: 25 * 1024 * 1024, // 25MB
		LogLevel:       slog.LevelInfo,
	}

	switch cfg.Mode {
	case ModeSMTP, ModeMilter, ModeOpenSMTPD:
	default:
		return nil, fmt.Errorf("invalid RWFROM_MODE: %s (must be %s, %s, or %s)", cfg.Mode, ModeSMTP, ModeMilter, ModeOpenSMTPD)
	}

	if cfg.Mode == ModeSMTP {
		if err := loadSMTP(cfg); err != nil {
			return nil, err
		}
	}

	milterAddr := envOrDefault("MILTER_LISTEN_ADDR", "tcp:127.0.0.1:8891")
	network, addr, err := ParseListenAddr(milterAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid MILTER_LISTEN_ADDR: %w", err)
	}
	cfg.MilterNetwork, cfg.MilterAddr = network, addr

	// Max message size
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 1 {
			return nil, fmt.Errorf("invalid SMTP_MAX_MESSAGE_SIZE: %s", v)
		}
		cfg.MaxMessageSize = size
	}

	// Log level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		switch v {
		case "debug":
			cfg.LogLevel = slog.LevelDebug
		case "info":
			cfg.LogLevel = slog.LevelInfo
		case "warn":
			cfg.LogLevel = slog.LevelWarn
		case "error":
			cfg.LogLevel = slog.LevelError
		default:
			return nil, fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", v)
		}
	}

	return cfg, nil
}

func loadSMTP(cfg *Config) error {
	if cfg.DestHost == "" {
		return fmt.Errorf("required environment variables not set: SMTP_DEST_HOST")
	}

	// Proxy credentials come as a pair; neither means no client auth.
	if (cfg.ProxyUsername == "") != (cfg.ProxyPassword == "") {
		return fmt.Errorf("SMTP_PROXY_USERNAME and SMTP_PROXY_PASSWORD must be set together")
	}

	portStr := envOrDefault("SMTP_DEST_PORT", "587")
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid SMTP_DEST_PORT: %s", portStr)
	}
	cfg.DestPort = port

	if cfg.DestFrom != "" && !strings.Contains(cfg.DestFrom, "@") {
		return fmt.Errorf("SMTP_DEST_FROM must be a valid email address: %s", cfg.DestFrom)
	}

	return nil
}

// AuthRequired reports whether proxy clients must authenticate.
func (c *Config) AuthRequired() bool {
	return c.ProxyUsername != ""
}

// ParseListenAddr splits "tcp:host:port" or "unix:/path" into a network and
// an address suitable for net.Listen.
func ParseListenAddr(s string) (network, addr string, err error) {
	network, addr, ok := strings.Cut(s, ":")
	if !ok || addr == "" {
		return "", "", fmt.Errorf("%q: expected network:address", s)
	}
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		return network, addr, nil
	default:
		return "", "", fmt.Errorf("%q: unsupported network %s", s, network)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
