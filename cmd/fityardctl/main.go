// Command fityardctl signs in to the storefront backend from a terminal and
// keeps the access token on disk for later runs.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fityard/client"
	"fityard/server"
	"fityard/session"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand. It is filled in by the
// root command's PersistentPreRunE.
type cli struct {
	configPath string
	tokenFile  string
	logLevel   string

	cfg       server.Config
	logger    *slog.Logger
	inspector *client.Inspector
	store     *client.FileStore
	api       *client.API
	ctrl      *session.Controller
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "fityardctl",
		Short: "Storefront session client",
		Long: `fityardctl signs in to the storefront backend and keeps the access
token on disk so later commands reuse the session.

Examples:
  fityardctl login shopper@example.com
  fityardctl login --admin admin@example.com
  fityardctl otp 123456
  fityardctl whoami
  fityardctl token inspect
  fityardctl register --name Ana ana@example.com
  fityardctl password forgot ana@example.com
  fityardctl logout`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.ctrl != nil {
				c.ctrl.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("FITYARD_CONFIG"), "Path to YAML config")
	root.PersistentFlags().StringVar(&c.tokenFile, "token-file", "", "Override the token file location")
	root.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "warn", "Logging level (debug, info, warn, error)")

	root.AddCommand(
		c.loginCmd(),
		c.otpCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.tokenCmd(),
		c.registerCmd(),
		c.verifyEmailCmd(),
		c.passwordCmd(),
	)

	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	level, err := parseLevel(c.logLevel)
	if err != nil {
		return err
	}
	c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := server.LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg

	path := cfg.Store.Path
	if c.tokenFile != "" {
		path = c.tokenFile
	}
	if path == "" {
		path = client.DefaultTokenPath()
	}

	c.inspector = client.NewInspector(nil)
	c.store = client.NewFileStore(path, c.inspector)

	gw, err := client.NewGateway(client.GatewayConfig{
		BaseURL:           cfg.Backend.BaseURL,
		Timeout:           cfg.BackendTimeout(),
		CSRFPath:          cfg.Backend.CSRFPath,
		CSRFHeader:        cfg.Backend.CSRFHeader,
		CSRFRejectionCode: cfg.Backend.CSRFRejectionCode,
		PasswordPaths:     cfg.Backend.PasswordPaths,
	}, c.store, c.inspector, c.logger)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	c.api = client.NewAPI(gw)

	opts := session.Options{
		WatchInterval:  -1,
		WarningMinutes: cfg.Session.WarningMinutes,
		Notifier:       noticePrinter(cmd.ErrOrStderr()),
	}
	if cfg.Backend.JWKSURL != "" {
		verifier, err := client.NewSignatureVerifier(cmd.Context(), cfg.Backend.JWKSURL, cfg.Backend.Issuer, cfg.Backend.SigningAlgs...)
		if err != nil {
			return fmt.Errorf("init signature verifier: %w", err)
		}
		opts.Verifier = verifier
	}
	c.ctrl = session.New(c.api, c.store, c.inspector, c.logger, opts)
	gw.OnUnauthorized(c.ctrl.HandleUnauthorized)
	return nil
}

func noticePrinter(w io.Writer) session.Notifier {
	return session.NotifierFunc(func(level session.Level, message string) {
		fmt.Fprintf(w, "[%s] %s\n", level, message)
	})
}

func parseLevel(value string) (slog.Level, error) {
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
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}
