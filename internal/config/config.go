// Package config manages teredod configuration using koanf/v2.
//
// Supports YAML files, environment variables, and in-code defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete teredod configuration.
type Config struct {
	GRPC    GRPCConfig    `koanf:"grpc"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Teredo  TeredoConfig  `koanf:"teredo"`
}

// GRPCConfig holds the ConnectRPC introspection server configuration.
type GRPCConfig struct {
	// Addr is the gRPC listen address (e.g., ":50080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9102").
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

// TeredoConfig holds the parameters that select and configure the engine's
// role.
type TeredoConfig struct {
	// Role is "client" or "relay".
	Role string `koanf:"role"`

	// LocalPort is the local UDP port the engine binds to.
	LocalPort uint16 `koanf:"local_port"`

	// ServerIPv4 is the Teredo server address (client mode only).
	ServerIPv4 string `koanf:"server_ipv4"`

	// Prefix is the 32-bit Teredo prefix as a dotted IPv6-prefix string,
	// e.g. "2001:0000::" (relay mode only).
	Prefix string `koanf:"prefix"`

	// Cone reports whether the relay's own NAT (if any) is a cone NAT
	// (relay mode only; clients discover this through qualification).
	Cone bool `koanf:"cone"`
}

// ServerAddr parses ServerIPv4 as a netip.Addr.
func (tc TeredoConfig) ServerAddr() (netip.Addr, error) {
	if tc.ServerIPv4 == "" {
		return netip.Addr{}, fmt.Errorf("teredo.server_ipv4: %w", ErrMissingServerIPv4)
	}
	addr, err := netip.ParseAddr(tc.ServerIPv4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse teredo.server_ipv4 %q: %w", tc.ServerIPv4, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("teredo.server_ipv4 %q: %w", tc.ServerIPv4, ErrServerIPv4NotV4)
	}
	return addr, nil
}

// PrefixValue parses Prefix as its 32-bit Teredo prefix value, reading the
// high 32 bits of the configured IPv6 prefix address.
func (tc TeredoConfig) PrefixValue() (uint32, error) {
	if tc.Prefix == "" {
		return 0, fmt.Errorf("teredo.prefix: %w", ErrMissingPrefix)
	}
	addr, err := netip.ParseAddr(tc.Prefix)
	if err != nil {
		return 0, fmt.Errorf("parse teredo.prefix %q: %w", tc.Prefix, err)
	}
	b := addr.As16()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// well-known Teredo service port (3544) is used as the local port default
// so a client or relay binds exactly as RFC 4380 expects unless overridden.
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			Addr: ":50080",
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Teredo: TeredoConfig{
			Role:      "client",
			LocalPort: 3544,
			Cone:      true,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for teredod configuration.
// Variables are named TEREDO_<section>_<key>, e.g., TEREDO_TEREDO_SERVER_IPV4.
const envPrefix = "TEREDO_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TEREDO_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	TEREDO_GRPC_ADDR           -> grpc.addr
//	TEREDO_METRICS_ADDR        -> metrics.addr
//	TEREDO_METRICS_PATH        -> metrics.path
//	TEREDO_LOG_LEVEL           -> log.level
//	TEREDO_LOG_FORMAT          -> log.format
//	TEREDO_TEREDO_ROLE         -> teredo.role
//	TEREDO_TEREDO_LOCAL_PORT   -> teredo.local_port
//	TEREDO_TEREDO_SERVER_IPV4  -> teredo.server_ipv4
//	TEREDO_TEREDO_PREFIX       -> teredo.prefix
//	TEREDO_TEREDO_CONE         -> teredo.cone
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
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

// envKeyMapper transforms TEREDO_TEREDO_SERVER_IPV4 -> teredo.server_ipv4.
// Strips the TEREDO_ prefix, lowercases, and replaces the first remaining
// underscore with a dot to split section from key.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"grpc.addr":          defaults.GRPC.Addr,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"teredo.role":        defaults.Teredo.Role,
		"teredo.local_port":  defaults.Teredo.LocalPort,
		"teredo.server_ipv4": defaults.Teredo.ServerIPv4,
		"teredo.prefix":      defaults.Teredo.Prefix,
		"teredo.cone":        defaults.Teredo.Cone,
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
	// ErrEmptyGRPCAddr indicates the gRPC listen address is empty.
	ErrEmptyGRPCAddr = errors.New("grpc.addr must not be empty")

	// ErrInvalidRole indicates teredo.role is neither "client" nor "relay".
	ErrInvalidRole = errors.New("teredo.role must be client or relay")

	// ErrMissingServerIPv4 indicates client mode is missing its server address.
	ErrMissingServerIPv4 = errors.New("teredo.server_ipv4 is required in client mode")

	// ErrServerIPv4NotV4 indicates teredo.server_ipv4 did not parse as IPv4.
	ErrServerIPv4NotV4 = errors.New("teredo.server_ipv4 must be an IPv4 address")

	// ErrMissingPrefix indicates relay mode is missing its Teredo prefix.
	ErrMissingPrefix = errors.New("teredo.prefix is required in relay mode")

	// ErrInvalidLocalPort indicates teredo.local_port is zero.
	ErrInvalidLocalPort = errors.New("teredo.local_port must be nonzero")
)

// ValidRoles lists the recognized role strings.
var ValidRoles = map[string]bool{
	"client": true,
	"relay":  true,
}

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

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}

	if !ValidRoles[cfg.Teredo.Role] {
		return fmt.Errorf("teredo.role %q: %w", cfg.Teredo.Role, ErrInvalidRole)
	}

	if cfg.Teredo.LocalPort == 0 {
		return ErrInvalidLocalPort
	}

	switch cfg.Teredo.Role {
	case "client":
		if _, err := cfg.Teredo.ServerAddr(); err != nil {
			return err
		}
	case "relay":
		if _, err := cfg.Teredo.PrefixValue(); err != nil {
			return err
		}
	}

	return nil
}
