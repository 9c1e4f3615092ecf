package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fityard/server"
)

func TestRunHealthCheckSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/csrf-token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"csrfToken":"abc"}`))
		case "/api/user/profile":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()
	cfg.Backend.BaseURL = srv.URL

	if err := runHealthCheck(context.Background(), cfg, logger, nil); err != nil {
		t.Fatalf("runHealthCheck returned error: %v", err)
	}
}

func TestRunHealthCheckFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()
	cfg.Backend.BaseURL = srv.URL

	if err := runHealthCheck(context.Background(), cfg, logger, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunHealthCheckMissingBaseURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()
	cfg.Backend.BaseURL = ""

	if err := runHealthCheck(context.Background(), cfg, logger, nil); err == nil {
		t.Fatalf("expected error for missing base URL")
	}
}

func TestRunConfigInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"y",
		"127.0.0.1:9000",
		"http://shop.internal:4000/",
		"",
		"memory",
	}, "\n") + "\n"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConfigInit(path, strings.NewReader(answers), logger); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.DevListenAddr != "127.0.0.1:9000" || cfg.Server.PublicURL != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Backend.BaseURL != "http://shop.internal:4000" {
		t.Fatalf("expected trimmed backend URL, got %q", cfg.Backend.BaseURL)
	}
	if cfg.Store.Driver != server.StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store.Driver)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestRunConfigInitRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConfigInit(path, strings.NewReader(""), logger); err == nil {
		t.Fatalf("expected error for existing config")
	}
}

func TestRunConfigInitRequiresDomainInProduction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConfigInit(path, strings.NewReader("n\n"), logger); err == nil {
		t.Fatalf("expected error when no domain is given")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("config must not be written on error")
	}
}

func TestRunConfigValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  base_url: ftp://shop\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConfigValidate(path, logger); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), logger)
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected hint to run init, got %v", err)
	}
}

func TestTLSMinVersion(t *testing.T) {
	if tlsMinVersion("1.3") == tlsMinVersion("1.2") {
		t.Fatalf("expected distinct TLS versions")
	}
	if tlsMinVersion("") != tlsMinVersion("1.2") {
		t.Fatalf("expected TLS 1.2 by default")
	}
}

func TestNormalizeList(t *testing.T) {
	fallback := []string{"default"}
	if got := normalizeList("  ", fallback); len(got) != 1 || got[0] != "default" {
		t.Fatalf("expected fallback, got %v", got)
	}
	got := normalizeList(" a.example.com, ,b.example.com ", fallback)
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
