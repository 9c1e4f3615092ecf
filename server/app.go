package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"fityard/client"
	"fityard/session"
)

// App bundles runtime dependencies for the console.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Inspector *client.Inspector
	Store     client.CredentialStore
	Gateway   *client.Gateway
	API       *client.API
	Session   *session.Controller
	Notices   *Notices
	Metrics   *prometheus.Registry

	httpMetrics *httpMetrics
	closers     []func() error

	mu      sync.Mutex
	pending pendingLogin
}

// pendingLogin remembers a login waiting for its one-time password.
type pendingLogin struct {
	Email string
	From  string
	Admin bool
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	inspector := client.NewInspector(nil)

	store, closeStore, err := BuildStore(cfg.Store, inspector)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gw, err := client.NewGateway(client.GatewayConfig{
		BaseURL:           cfg.Backend.BaseURL,
		Timeout:           cfg.BackendTimeout(),
		CSRFPath:          cfg.Backend.CSRFPath,
		CSRFHeader:        cfg.Backend.CSRFHeader,
		CSRFRejectionCode: cfg.Backend.CSRFRejectionCode,
		PasswordPaths:     cfg.Backend.PasswordPaths,
		Registerer:        reg,
	}, store, inspector, logger)
	if err != nil {
		return nil, fmt.Errorf("init gateway: %w", err)
	}
	api := client.NewAPI(gw)

	notices := &Notices{}
	opts := session.Options{
		WatchInterval:  cfg.WatchInterval(),
		WarningMinutes: cfg.Session.WarningMinutes,
		Notifier:       notices,
	}
	if cfg.Backend.JWKSURL != "" {
		verifier, err := client.NewSignatureVerifier(ctx, cfg.Backend.JWKSURL, cfg.Backend.Issuer, cfg.Backend.SigningAlgs...)
		if err != nil {
			return nil, fmt.Errorf("init signature verifier: %w", err)
		}
		opts.Verifier = verifier
		logger.Info("login token signatures will be verified", "jwks_url", cfg.Backend.JWKSURL)
	}

	ctrl := session.New(api, store, inspector, logger, opts)
	gw.OnUnauthorized(ctrl.HandleUnauthorized)

	app := &App{
		Config:      cfg,
		Logger:      logger,
		Inspector:   inspector,
		Store:       store,
		Gateway:     gw,
		API:         api,
		Session:     ctrl,
		Notices:     notices,
		Metrics:     reg,
		httpMetrics: newHTTPMetrics(reg),
	}
	if closeStore != nil {
		app.closers = append(app.closers, closeStore)
	}
	return app, nil
}

// BuildStore opens the token store selected by cfg. The returned closer may be nil.
func BuildStore(cfg StoreConfig, inspector *client.Inspector) (client.CredentialStore, func() error, error) {
	switch cfg.Driver {
	case StoreMemory:
		return client.NewMemoryStore(), nil, nil
	case StoreFile, "":
		path := cfg.Path
		if path == "" {
			path = client.DefaultTokenPath()
		}
		return client.NewFileStore(path, inspector), nil, nil
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return client.NewRedisStore(rdb, cfg.Redis.Key, inspector), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Start resolves the stored identity in the background. Guarded pages show
// the loading view until it finishes.
func (a *App) Start(ctx context.Context) {
	go a.Session.Initialize(ctx)
}

// Close stops the expiry watcher and releases the token store.
func (a *App) Close() error {
	a.Session.Close()
	var firstErr error
	for _, fn := range a.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *App) setPending(p pendingLogin) {
	a.mu.Lock()
	a.pending = p
	a.mu.Unlock()
}

func (a *App) pendingLogin() (pendingLogin, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending, a.pending.Email != ""
}

func (a *App) clearPending() {
	a.setPending(pendingLogin{})
}
