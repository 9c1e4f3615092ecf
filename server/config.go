package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fityard/client"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config captures the console configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// BackendConfig points the gateway at the storefront REST backend.
type BackendConfig struct {
	BaseURL           string   `yaml:"base_url"`
	Timeout           string   `yaml:"timeout"`
	CSRFPath          string   `yaml:"csrf_path"`
	CSRFHeader        string   `yaml:"csrf_header"`
	CSRFRejectionCode string   `yaml:"csrf_rejection_code"`
	PasswordPaths     []string `yaml:"password_paths"`
	// JWKSURL enables signature checks on login tokens when set.
	JWKSURL     string   `yaml:"jwks_url"`
	Issuer      string   `yaml:"issuer"`
	SigningAlgs []string `yaml:"signing_algs"`
}

// SessionConfig tunes the session controller.
type SessionConfig struct {
	WatchInterval  string `yaml:"watch_interval"`
	WarningMinutes int    `yaml:"warning_minutes"`
}

// StoreConfig selects where the access token lives.
type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig is used when Store.Driver is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8090",
			DevListenAddr:   "127.0.0.1:8090",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Backend: BackendConfig{
			BaseURL:           "http://127.0.0.1:4000",
			Timeout:           client.DefaultTimeout.String(),
			CSRFPath:          client.DefaultCSRFPath,
			CSRFHeader:        client.DefaultCSRFHeader,
			CSRFRejectionCode: client.DefaultCSRFRejectionCode,
			PasswordPaths:     append([]string(nil), client.DefaultPasswordPaths...),
		},
		Session: SessionConfig{
			WatchInterval:  "60s",
			WarningMinutes: client.DefaultWarningMinutes,
		},
		Store: StoreConfig{
			Driver: StoreFile,
			Path:   client.DefaultTokenPath(),
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				Key:  "fityard:access_token",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"FITYARD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"FITYARD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"FITYARD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"FITYARD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"FITYARD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"FITYARD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"FITYARD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"FITYARD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"FITYARD_BACKEND_BASE_URL":         func(v string) { cfg.Backend.BaseURL = v },
		"FITYARD_BACKEND_TIMEOUT":          func(v string) { cfg.Backend.Timeout = v },
		"FITYARD_BACKEND_JWKS_URL":         func(v string) { cfg.Backend.JWKSURL = v },
		"FITYARD_BACKEND_ISSUER":           func(v string) { cfg.Backend.Issuer = v },
		"FITYARD_SESSION_WATCH_INTERVAL":   func(v string) { cfg.Session.WatchInterval = v },
		"FITYARD_SESSION_WARNING_MINUTES":  func(v string) { cfg.Session.WarningMinutes = parseInt(v, cfg.Session.WarningMinutes) },
		"FITYARD_STORE_DRIVER":             func(v string) { cfg.Store.Driver = v },
		"FITYARD_STORE_PATH":               func(v string) { cfg.Store.Path = v },
		"FITYARD_STORE_REDIS_ADDR":         func(v string) { cfg.Store.Redis.Addr = v },
		"FITYARD_STORE_REDIS_PASSWORD":     func(v string) { cfg.Store.Redis.Password = v },
		"FITYARD_STORE_REDIS_DB":           func(v string) { cfg.Store.Redis.DB = parseInt(v, cfg.Store.Redis.DB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// BackendTimeout is the parsed backend timeout.
func (c Config) BackendTimeout() time.Duration {
	return parseDuration(c.Backend.Timeout, client.DefaultTimeout)
}

// WatchInterval is the parsed expiry watch interval.
func (c Config) WatchInterval() time.Duration {
	return parseDuration(c.Session.WatchInterval, time.Minute)
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Backend.BaseURL == "" {
		slog.Error("Missing required configuration", "field", "backend.base_url")
		return errors.New("backend.base_url is required")
	}
	if !isHTTPURL(c.Backend.BaseURL) {
		slog.Error("Invalid configuration value", "field", "backend.base_url", "value", c.Backend.BaseURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("backend.base_url must start with http:// or https://, got: %s", c.Backend.BaseURL)
	}
	if c.Backend.Timeout != "" {
		if _, err := time.ParseDuration(c.Backend.Timeout); err != nil {
			slog.Error("Invalid backend timeout", "field", "backend.timeout", "value", c.Backend.Timeout, "error", err)
			return fmt.Errorf("backend.timeout: invalid duration '%s': %w", c.Backend.Timeout, err)
		}
	}
	if c.Backend.CSRFPath != "" && !strings.HasPrefix(c.Backend.CSRFPath, "/") {
		slog.Error("Invalid configuration value", "field", "backend.csrf_path", "value", c.Backend.CSRFPath, "reason", "must be an absolute path")
		return fmt.Errorf("backend.csrf_path must start with /, got: %s", c.Backend.CSRFPath)
	}
	if c.Backend.JWKSURL != "" && !isHTTPURL(c.Backend.JWKSURL) {
		slog.Error("Invalid configuration value", "field", "backend.jwks_url", "value", c.Backend.JWKSURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("backend.jwks_url must start with http:// or https://, got: %s", c.Backend.JWKSURL)
	}

	if c.Session.WatchInterval != "" {
		d, err := time.ParseDuration(c.Session.WatchInterval)
		if err != nil || d <= 0 {
			slog.Error("Invalid session watch interval", "field", "session.watch_interval", "value", c.Session.WatchInterval)
			return fmt.Errorf("session.watch_interval must be a positive duration, got: %s", c.Session.WatchInterval)
		}
	}
	if c.Session.WarningMinutes < 0 {
		slog.Error("Invalid configuration value", "field", "session.warning_minutes", "value", c.Session.WarningMinutes)
		return fmt.Errorf("session.warning_minutes must not be negative, got: %d", c.Session.WarningMinutes)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			slog.Error("Missing required configuration", "field", "store.path", "driver", c.Store.Driver)
			return errors.New("store.path is required for the file driver")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "store.redis.addr", "driver", c.Store.Driver)
			return errors.New("store.redis.addr is required for the redis driver")
		}
	default:
		slog.Error("Unknown token store driver", "field", "store.driver", "value", c.Store.Driver, "valid_values", []string{StoreMemory, StoreFile, StoreRedis})
		return fmt.Errorf("store.driver must be one of memory, file, redis; got: %q", c.Store.Driver)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
