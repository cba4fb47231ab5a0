package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	GATT      GATTConfig      `yaml:"gatt"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Relay     RelayConfig     `yaml:"relay"`
	OutputDir string          `yaml:"output_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// TransportConfig selects and tunes the radio stack.
type TransportConfig struct {
	Driver     string        `yaml:"driver"`      // "tinygo" or "goble"
	ScanWindow time.Duration `yaml:"scan_window"` // 0 scans until stopped
	AutoScan   bool          `yaml:"auto_scan"`   // scan whenever the adapter powers on
	QueueDepth int           `yaml:"queue_depth"`
}

// GATTConfig holds the session service and its characteristic UUIDs.
type GATTConfig struct {
	Service       string `yaml:"service"`
	Writable      string `yaml:"writable"`
	ReadableShort string `yaml:"readable_short"`
	ReadableLarge string `yaml:"readable_large"`
	Notifier      string `yaml:"notifier"`
}

// TransferConfig holds framing and flow-control settings.
type TransferConfig struct {
	MTU             int           `yaml:"mtu"`
	Sentinel        string        `yaml:"sentinel"`
	MaxWriteRetries int           `yaml:"max_write_retries"` // 0 = retry forever
	StallTimeout    time.Duration `yaml:"stall_timeout"`     // 0 = wait forever
	EventBuffer     int           `yaml:"event_buffer"`
}

// RelayConfig configures the optional NATS/Redis gateway bridge. The relay is
// off when NATSURL is empty.
type RelayConfig struct {
	GatewayID  string        `yaml:"gateway_id"`
	NATSURL    string        `yaml:"nats_url"`
	RedisURL   string        `yaml:"redis_url"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Enabled reports whether the relay should run.
func (r RelayConfig) Enabled() bool {
	return r.NATSURL != ""
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blexfer")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDriver returns the transport driver for goos. The tinygo driver has
// no acknowledged write on Linux, so Linux hosts default to goble.
func DefaultDriver(goos string) string {
	if goos == "linux" {
		return "goble"
	}
	return "tinygo"
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	return &Config{
		Transport: TransportConfig{
			Driver:     DefaultDriver(runtime.GOOS),
			ScanWindow: 10 * time.Second,
			AutoScan:   true,
			QueueDepth: 64,
		},
		GATT: GATTConfig{
			Service:       "f7065dcc-cebe-48fd-bd63-89426bc5f787",
			Writable:      "f7065dcc-aaaa-48fd-bd63-89426bc5f787",
			ReadableShort: "f7065dcc-bbbb-48fd-bd63-89426bc5f787",
			ReadableLarge: "f7065dcc-cccc-48fd-bd63-89426bc5f787",
			Notifier:      "f7065dcc-dddd-48fd-bd63-89426bc5f787",
		},
		Transfer: TransferConfig{
			MTU:         512,
			Sentinel:    "==EOM==",
			EventBuffer: 64,
		},
		Relay: RelayConfig{
			GatewayID:  hostname,
			SessionTTL: 5 * time.Minute,
		},
		OutputDir: filepath.Join(home, ".local", "share", "blexfer", "messages"),
		LogLevel:  "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in output_dir is expanded to the user's home
// directory and UUIDs are canonicalised.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.OutputDir = expandTilde(cfg.OutputDir)
	cfg.GATT.canonicalize()

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	content := "# blexfer configuration\n# Durations use Go syntax, e.g. 10s or 5m.\n\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport.Driver {
	case "tinygo", "goble":
	default:
		return fmt.Errorf("transport.driver must be \"tinygo\" or \"goble\", got %q", c.Transport.Driver)
	}
	if c.Transport.ScanWindow < 0 {
		return fmt.Errorf("transport.scan_window must be >= 0")
	}
	if c.Transport.QueueDepth <= 0 {
		return fmt.Errorf("transport.queue_depth must be > 0")
	}

	if err := c.GATT.validate(); err != nil {
		return err
	}

	if c.Transfer.MTU <= 0 {
		return fmt.Errorf("transfer.mtu must be > 0")
	}
	if c.Transfer.Sentinel == "" {
		return fmt.Errorf("transfer.sentinel must not be empty")
	}
	if len(c.Transfer.Sentinel) > c.Transfer.MTU {
		return fmt.Errorf("transfer.sentinel (%d bytes) must fit in one %d-byte chunk", len(c.Transfer.Sentinel), c.Transfer.MTU)
	}
	if c.Transfer.MaxWriteRetries < 0 {
		return fmt.Errorf("transfer.max_write_retries must be >= 0")
	}
	if c.Transfer.StallTimeout < 0 {
		return fmt.Errorf("transfer.stall_timeout must be >= 0")
	}
	if c.Transfer.EventBuffer <= 0 {
		return fmt.Errorf("transfer.event_buffer must be > 0")
	}

	if c.Relay.Enabled() {
		if c.Relay.GatewayID == "" {
			return fmt.Errorf("relay.gateway_id must not be empty when relay.nats_url is set")
		}
		if strings.ContainsAny(c.Relay.GatewayID, ".*> ") {
			return fmt.Errorf("relay.gateway_id must be a single NATS subject token, got %q", c.Relay.GatewayID)
		}
		if c.Relay.RedisURL != "" && c.Relay.SessionTTL <= 0 {
			return fmt.Errorf("relay.session_ttl must be > 0 when relay.redis_url is set")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

type gattField struct {
	name  string
	value *string
}

func (g *GATTConfig) fields() []gattField {
	return []gattField{
		{"gatt.service", &g.Service},
		{"gatt.writable", &g.Writable},
		{"gatt.readable_short", &g.ReadableShort},
		{"gatt.readable_large", &g.ReadableLarge},
		{"gatt.notifier", &g.Notifier},
	}
}

// canonicalize rewrites every parseable UUID in lowercase dashed form.
func (g *GATTConfig) canonicalize() {
	for _, f := range g.fields() {
		if u, err := uuid.Parse(*f.value); err == nil {
			*f.value = u.String()
		}
	}
}

func (g *GATTConfig) validate() error {
	seen := make(map[string]string)
	var errs []error
	for _, f := range g.fields() {
		u, err := uuid.Parse(*f.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid UUID %q: %w", f.name, *f.value, err))
			continue
		}
		if prev, ok := seen[u.String()]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates %s", f.name, prev))
		}
		seen[u.String()] = f.name
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
