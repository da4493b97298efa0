// Package config manages tlbridge daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete tlbridge configuration.
type Config struct {
	Central     CentralConfig     `koanf:"central"`
	Peripheral  PeripheralConfig  `koanf:"peripheral"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Log         LogConfig         `koanf:"log"`
}

// CentralConfig holds the outbound (treadmill-facing) session parameters.
type CentralConfig struct {
	// DeviceName is the advertised name the scan filters on.
	DeviceName string `koanf:"device_name"`

	// ScanTimeout bounds a single scan attempt.
	ScanTimeout time.Duration `koanf:"scan_timeout"`

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// ConnectRetries is the number of connect attempts before falling
	// back to a fresh scan.
	ConnectRetries int `koanf:"connect_retries"`

	// TelemetryWatchdog is the maximum silence before the link is
	// considered dead and torn down.
	TelemetryWatchdog time.Duration `koanf:"telemetry_watchdog"`

	// IdleDisconnect is how long the peripheral may stay disconnected
	// before the central link is torn down to save power.
	IdleDisconnect time.Duration `koanf:"idle_disconnect"`
}

// PeripheralConfig holds the inbound (FTMS-facing) server parameters.
type PeripheralConfig struct {
	// LocalName is the name advertised under the FTMS service UUID.
	LocalName string `koanf:"local_name"`

	// Manual enables the ManualOverride control surface in addition to
	// normal Control Point handling.
	Manual bool `koanf:"manual"`
}

// CoordinatorConfig holds the radio arbiter's polling parameters.
type CoordinatorConfig struct {
	// PollInterval is the adapter connection-table poll period.
	PollInterval time.Duration `koanf:"poll_interval"`

	// SecurityInterval is the pairable/discoverable re-assertion period.
	SecurityInterval time.Duration `koanf:"security_interval"`

	// AdapterPath is the BlueZ adapter D-Bus object path, e.g.
	// "/org/bluez/hci0". It is used only when the driver runs in
	// platform-Pi mode; otherwise a no-op adapter is wired in and this
	// path is ignored.
	AdapterPath string `koanf:"adapter_path"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the tunables named by
// SPEC_FULL.md §4.3/§4.6/§5.
func DefaultConfig() *Config {
	return &Config{
		Central: CentralConfig{
			DeviceName:        "I_TL",
			ScanTimeout:       10 * time.Second,
			ConnectTimeout:    10 * time.Second,
			ConnectRetries:    3,
			TelemetryWatchdog: 5 * time.Second,
			IdleDisconnect:    60 * time.Second,
		},
		Peripheral: PeripheralConfig{
			LocalName: "tlbridge",
			Manual:    false,
		},
		Coordinator: CoordinatorConfig{
			PollInterval:     3 * time.Second,
			SecurityInterval: 10 * time.Second,
			AdapterPath:      "/org/bluez/hci0",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tlbridge configuration.
// Variables are named TLBRIDGE_<section>_<key>, e.g., TLBRIDGE_CENTRAL_DEVICE_NAME.
const envPrefix = "TLBRIDGE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TLBRIDGE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips the
// file provider and returns defaults plus environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms TLBRIDGE_CENTRAL_DEVICE_NAME -> central.device_name.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"central.device_name":            defaults.Central.DeviceName,
		"central.scan_timeout":           defaults.Central.ScanTimeout.String(),
		"central.connect_timeout":        defaults.Central.ConnectTimeout.String(),
		"central.connect_retries":        defaults.Central.ConnectRetries,
		"central.telemetry_watchdog":     defaults.Central.TelemetryWatchdog.String(),
		"central.idle_disconnect":        defaults.Central.IdleDisconnect.String(),
		"peripheral.local_name":          defaults.Peripheral.LocalName,
		"peripheral.manual":              defaults.Peripheral.Manual,
		"coordinator.poll_interval":      defaults.Coordinator.PollInterval.String(),
		"coordinator.security_interval":  defaults.Coordinator.SecurityInterval.String(),
		"coordinator.adapter_path":       defaults.Coordinator.AdapterPath,
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDeviceName indicates the treadmill scan filter is empty.
	ErrEmptyDeviceName = errors.New("central.device_name must not be empty")

	// ErrInvalidConnectRetries indicates the connect retry count is zero.
	ErrInvalidConnectRetries = errors.New("central.connect_retries must be >= 1")

	// ErrInvalidScanTimeout indicates the scan timeout is non-positive.
	ErrInvalidScanTimeout = errors.New("central.scan_timeout must be > 0")

	// ErrInvalidConnectTimeout indicates the connect timeout is non-positive.
	ErrInvalidConnectTimeout = errors.New("central.connect_timeout must be > 0")

	// ErrEmptyLocalName indicates the advertised peripheral name is empty.
	ErrEmptyLocalName = errors.New("peripheral.local_name must not be empty")

	// ErrInvalidPollInterval indicates the coordinator poll interval is non-positive.
	ErrInvalidPollInterval = errors.New("coordinator.poll_interval must be > 0")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Central.DeviceName == "" {
		return ErrEmptyDeviceName
	}
	if cfg.Central.ConnectRetries < 1 {
		return ErrInvalidConnectRetries
	}
	if cfg.Central.ScanTimeout <= 0 {
		return ErrInvalidScanTimeout
	}
	if cfg.Central.ConnectTimeout <= 0 {
		return ErrInvalidConnectTimeout
	}
	if cfg.Peripheral.LocalName == "" {
		return ErrEmptyLocalName
	}
	if cfg.Coordinator.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
