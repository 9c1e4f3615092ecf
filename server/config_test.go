package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8090
  dev_mode: true
backend:
  base_url: http://localhost:4000
store:
  driver: memory
`)

	t.Setenv("FITYARD_BACKEND_BASE_URL", "https://api.fityard.example.com")
	t.Setenv("FITYARD_SESSION_WARNING_MINUTES", "5")
	t.Setenv("FITYARD_STORE_DRIVER", "redis")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Backend.BaseURL != "https://api.fityard.example.com" {
		t.Fatalf("BaseURL override mismatch, got %q", cfg.Backend.BaseURL)
	}
	if cfg.Session.WarningMinutes != 5 {
		t.Fatalf("WarningMinutes override mismatch, got %d", cfg.Session.WarningMinutes)
	}
	if cfg.Store.Driver != StoreRedis {
		t.Fatalf("store driver override mismatch, got %q", cfg.Store.Driver)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "# only comments\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Backend.CSRFHeader != "X-CSRF-Token" {
		t.Fatalf("expected default csrf header, got %q", cfg.Backend.CSRFHeader)
	}
	if cfg.WatchInterval() != time.Minute {
		t.Fatalf("expected default watch interval, got %s", cfg.WatchInterval())
	}
	if len(cfg.Backend.PasswordPaths) != 2 {
		t.Fatalf("expected default password paths, got %v", cfg.Backend.PasswordPaths)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8090
  unknown_field: value
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !containsAny(err.Error(), []string{"unknown_field", "not found", "field"}) {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationAndIntFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
	if parseInt("x", 7) != 7 {
		t.Fatalf("invalid int should return fallback")
	}
	if parseInt(" 12 ", 7) != 12 {
		t.Fatalf("parsed int mismatch")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"public url scheme", func(c *Config) { c.Server.PublicURL = "not-a-url" }, []string{"server.public_url"}},
		{"tls version", func(c *Config) { c.Server.TLS.MinVersion = "1.1" }, []string{"1.2", "1.3"}},
		{"prod without domains", func(c *Config) { c.Server.DevMode = false; c.Server.TLS.Domains = nil }, []string{"tls.domains"}},
		{"missing backend", func(c *Config) { c.Backend.BaseURL = "" }, []string{"backend.base_url"}},
		{"backend scheme", func(c *Config) { c.Backend.BaseURL = "localhost:4000" }, []string{"backend.base_url"}},
		{"backend timeout", func(c *Config) { c.Backend.Timeout = "soon" }, []string{"backend.timeout"}},
		{"relative csrf path", func(c *Config) { c.Backend.CSRFPath = "api/csrf-token" }, []string{"csrf_path"}},
		{"jwks scheme", func(c *Config) { c.Backend.JWKSURL = "keys.json" }, []string{"jwks_url"}},
		{"watch interval", func(c *Config) { c.Session.WatchInterval = "0s" }, []string{"watch_interval"}},
		{"negative warning", func(c *Config) { c.Session.WarningMinutes = -1 }, []string{"warning_minutes"}},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, []string{"store.driver"}},
		{"file without path", func(c *Config) { c.Store.Driver = StoreFile; c.Store.Path = "" }, []string{"store.path"}},
		{"redis without addr", func(c *Config) { c.Store.Driver = StoreRedis; c.Store.Redis.Addr = "" }, []string{"store.redis.addr"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !containsAny(err.Error(), tc.want) {
				t.Fatalf("error should mention %v, got: %v", tc.want, err)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if substr != "" && strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
