package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"fityard/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	configPath := flag.String("config", os.Getenv("FITYARD_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "healthcheck" {
		command = "healthcheck"
		args = args[1:]
	}

	configFile := *configPath
	if configFile == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "healthcheck" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runHealthCheck(ctx, cfg, logger, nil); err != nil {
			logger.Error("backend health check failed", "base_url", cfg.Backend.BaseURL, "error", err)
			os.Exit(1)
		}
		logger.Info("backend health check succeeded", "base_url", cfg.Backend.BaseURL)
		return
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(startupCtx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("close app", "error", err)
		}
	}()
	application.Start(ctx)

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("console listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "backend", cfg.Backend.BaseURL)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("console listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "backend", cfg.Backend.BaseURL)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runHealthCheck checks that the storefront backend answers its anti-forgery and
// profile endpoints. An anonymous 401 from the profile endpoint counts as
// reachable.
func runHealthCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	base := strings.TrimSuffix(cfg.Backend.BaseURL, "/")
	if base == "" {
		return errors.New("backend base URL required")
	}

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.BackendTimeout()}
	}

	checks := []struct {
		name string
		url  string
		ok   func(status int) bool
	}{
		{"csrf", base + cfg.Backend.CSRFPath, func(s int) bool { return s < 300 }},
		{"profile", base + "/api/user/profile", func(s int) bool { return s < 300 || s == http.StatusUnauthorized }},
	}

	for _, c := range checks {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return fmt.Errorf("create %s request: %w", c.name, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("call %s endpoint: %w", c.name, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		logger.Info("healthcheck.result", "check", c.name, "url", c.url, "status", resp.StatusCode)
		if !c.ok(resp.StatusCode) {
			return fmt.Errorf("%s endpoint returned %s", c.name, resp.Status)
		}
	}
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")

	csrfURL := strings.TrimSuffix(cfg.Backend.BaseURL, "/") + cfg.Backend.CSRFPath
	if err := validateURL(ctx, csrfURL); err != nil {
		logger.Error("backend URL validation failed", "url", csrfURL, "error", err)
	} else {
		logger.Info("backend URL is accessible", "url", csrfURL)
	}

	if cfg.Backend.JWKSURL != "" {
		if err := validateURL(ctx, cfg.Backend.JWKSURL); err != nil {
			logger.Error("jwks URL validation failed", "url", cfg.Backend.JWKSURL, "error", err)
		} else {
			logger.Info("jwks URL is accessible", "url", cfg.Backend.JWKSURL)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	csrfURL := strings.TrimSuffix(cfg.Backend.BaseURL, "/") + cfg.Backend.CSRFPath
	if err := validateURL(ctx, csrfURL); err != nil {
		logger.Warn("backend may not be accessible",
			"url", csrfURL,
			"error", err,
			"note", "console will continue but backend calls may fail")
	} else {
		logger.Debug("backend is accessible", "url", csrfURL)
	}

	if cfg.Backend.JWKSURL != "" {
		if err := validateURL(ctx, cfg.Backend.JWKSURL); err != nil {
			logger.Warn("jwks URL may not be accessible",
				"url", cfg.Backend.JWKSURL,
				"error", err,
				"note", "logins will fail until signing keys can be fetched")
		}
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}

	return nil
}

func runSetup(path string, in io.Reader, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for the fityard console. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, "Console dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = "http://" + cfg.Server.DevListenAddr
	} else {
		domains := normalizeList(askRequired(reader, "Public domains, comma separated (e.g. console.example.com)"), nil)
		if len(domains) == 0 {
			return server.Config{}, errors.New("at least one public domain is required in production")
		}
		cfg.Server.TLS.Domains = domains
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domains[0], "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.Backend.BaseURL = strings.TrimSuffix(ask(reader, "Storefront backend URL", cfg.Backend.BaseURL), "/")
	cfg.Backend.JWKSURL = ask(reader, "Backend JWKS URL for token signature checks (optional)", "")

	driver := strings.ToLower(ask(reader, "Token store (memory, file, redis)", cfg.Store.Driver))
	cfg.Store.Driver = driver
	switch driver {
	case server.StoreFile:
		cfg.Store.Path = ask(reader, "Token file path", cfg.Store.Path)
	case server.StoreRedis:
		cfg.Store.Redis.Addr = ask(reader, "Redis address", cfg.Store.Redis.Addr)
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
