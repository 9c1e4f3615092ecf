// Package session owns the signed-in state of one storefront client: the
// initial identity check, login and OTP completion, logout, and the periodic
// token expiry watch.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fityard/client"
)

// Defaults for Options.
const (
	DefaultWatchInterval = 60 * time.Second
	DefaultLogoutTimeout = 5 * time.Second
)

const (
	msgLoginFailed     = "Login failed"
	msgOTPFailed       = "OTP verification failed"
	msgInvalidToken    = "Invalid authentication token received"
	msgUnknownUser     = "Login response did not identify the user"
	msgLoginSuperseded = "Login was cancelled by a logout"
	msgSessionExpired  = "Your session has expired. Please log in again."
	msgSessionEnded    = "Your session has ended. Please log in again."
)

// Backend is the set of storefront calls the controller depends on.
type Backend interface {
	WhoAmI(ctx context.Context) (*client.UserProfile, error)
	LoginUser(ctx context.Context, creds client.Credentials) (*client.LoginResponse, error)
	LoginAdmin(ctx context.Context, creds client.Credentials) (*client.LoginResponse, error)
	VerifyLoginOTP(ctx context.Context, email, otp string) (*client.LoginResponse, error)
	Logout(ctx context.Context) error
	LogoutAdmin(ctx context.Context) error
}

// TokenVerifier checks token signatures at login time.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// Options tunes a Controller. Zero values pick the defaults.
type Options struct {
	// WatchInterval between expiry checks. Negative disables the watcher.
	WatchInterval  time.Duration
	WarningMinutes int
	LogoutTimeout  time.Duration
	Verifier       TokenVerifier
	Notifier       Notifier
}

// Controller is the single owner of a client's session state.
type Controller struct {
	backend   Backend
	store     client.CredentialStore
	inspector *client.Inspector
	logger    *slog.Logger
	opts      Options

	// tokenMu serializes credential store access with generation changes.
	// It is taken before mu and never held by Snapshot.
	tokenMu sync.Mutex

	mu          sync.Mutex
	state       State
	generation  uint64
	initStarted bool
	watchStop   chan struct{}
}

// New constructs a Controller in the Unknown phase.
func New(backend Backend, store client.CredentialStore, inspector *client.Inspector, logger *slog.Logger, opts Options) *Controller {
	if opts.WatchInterval == 0 {
		opts.WatchInterval = DefaultWatchInterval
	}
	if opts.WarningMinutes <= 0 {
		opts.WarningMinutes = client.DefaultWarningMinutes
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = DefaultLogoutTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier(logger)
	}
	if inspector == nil {
		inspector = client.NewInspector(nil)
	}
	return &Controller{
		backend:   backend,
		store:     store,
		inspector: inspector,
		logger:    logger,
		opts:      opts,
		state:     State{Loading: true, Phase: PhaseUnknown},
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

// IsAuthenticated reports whether a user is signed in.
func (c *Controller) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.User != nil
}

// IsAdmin reports whether the signed-in user is an administrator.
func (c *Controller) IsAdmin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.User.IsAdmin()
}

// Initialize resolves the stored identity once per application instance.
// Later calls are no-ops. Loading is cleared exactly once.
func (c *Controller) Initialize(ctx context.Context) {
	c.mu.Lock()
	if c.initStarted {
		c.mu.Unlock()
		return
	}
	c.initStarted = true
	gen := c.generation
	c.mu.Unlock()

	user, discard := c.resolveIdentity(ctx)

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	stale := gen != c.currentGeneration()
	if stale {
		c.logger.Info("discarding stale identity check", "discard_token", discard)
	} else if discard {
		c.removeToken()
	}

	c.mu.Lock()
	if !stale {
		c.transitionLocked(user)
	}
	c.state.Loading = false
	c.mu.Unlock()
}

// resolveIdentity looks up the user behind the stored token. discard reports
// that the token is unusable; the caller removes it only if no newer session
// replaced it in the meantime.
func (c *Controller) resolveIdentity(ctx context.Context) (user *client.UserProfile, discard bool) {
	token, ok := c.store.Get()
	if !ok {
		return nil, false
	}
	if c.inspector.IsExpired(token) {
		c.logger.Info("stored token expired")
		return nil, true
	}

	user, err := c.backend.WhoAmI(ctx)
	if err != nil {
		c.logger.Warn("identity check failed", "error", err)
		return nil, true
	}
	return user, false
}

// Login authenticates against the shopper or admin endpoint.
func (c *Controller) Login(ctx context.Context, in LoginInput) LoginResult {
	gen := c.currentGeneration()

	creds := client.Credentials{Email: in.Email, Password: in.Password, CaptchaToken: in.CaptchaToken}
	call := c.backend.LoginUser
	if in.Admin {
		call = c.backend.LoginAdmin
	}

	resp, err := call(ctx, creds)
	if err != nil {
		c.logger.Warn("login request failed", "email", in.Email, "admin", in.Admin, "error", err)
		return c.fail(messageFrom(err, msgLoginFailed))
	}
	if !resp.Success {
		return c.fail(orDefault(resp.Message, msgLoginFailed))
	}
	if resp.RequiresOTP {
		email := orDefault(resp.Email, in.Email)
		c.notify(LevelInfo, orDefault(resp.Message, "A one-time password was sent to "+email))
		return LoginResult{Outcome: LoginPendingOTP, Email: email, Message: resp.Message}
	}
	return c.accept(ctx, gen, resp.Token, resp.User, msgLoginFailed)
}

// VerifyLoginOTP submits the one-time password for a pending login and signs
// the user in on success.
func (c *Controller) VerifyLoginOTP(ctx context.Context, email, otp string) LoginResult {
	gen := c.currentGeneration()

	resp, err := c.backend.VerifyLoginOTP(ctx, email, otp)
	if err != nil {
		c.logger.Warn("otp verification failed", "email", email, "error", err)
		return c.fail(messageFrom(err, msgOTPFailed))
	}
	if !resp.Success {
		return c.fail(orDefault(resp.Message, msgOTPFailed))
	}
	return c.accept(ctx, gen, resp.Token, resp.User, msgOTPFailed)
}

// CompleteLoginAfterOTP signs user in directly. The token, if any, was
// handled by the OTP round trip.
func (c *Controller) CompleteLoginAfterOTP(user *client.UserProfile) {
	if user == nil {
		return
	}
	c.tokenMu.Lock()
	c.mu.Lock()
	c.transitionLocked(user)
	c.mu.Unlock()
	c.tokenMu.Unlock()
	c.notify(LevelSuccess, "Login successful!")
}

// accept validates and stores token, then signs in. A result computed under
// an older generation is dropped so a logout in between wins.
func (c *Controller) accept(ctx context.Context, gen uint64, token string, user *client.UserProfile, fallback string) LoginResult {
	if token != "" {
		res := c.inspector.Validate(token)
		if !res.Valid {
			c.logger.Warn("rejecting login token", "errors", res.Errors)
			return c.fail(msgInvalidToken)
		}
		if c.opts.Verifier != nil {
			if err := c.opts.Verifier.Verify(ctx, token); err != nil {
				c.logger.Warn("rejecting login token", "error", err)
				return c.fail(msgInvalidToken)
			}
		}
	}

	c.tokenMu.Lock()
	if c.currentGeneration() != gen {
		c.tokenMu.Unlock()
		c.logger.Info("discarding login superseded by logout")
		return LoginResult{Outcome: LoginFailed, Message: msgLoginSuperseded}
	}

	stored := false
	if token != "" {
		if err := c.store.Store(token); err != nil {
			c.logger.Warn("continuing without persisted session", "error", err)
		} else {
			stored = true
		}
	}
	if user == nil && token != "" {
		user = c.inspector.ExtractUser(token)
	}
	if user == nil {
		if stored {
			c.removeToken()
		}
		c.tokenMu.Unlock()
		c.logger.Warn("login response without user", "fallback", fallback)
		return c.fail(msgUnknownUser)
	}
	c.mu.Lock()
	c.transitionLocked(user)
	c.mu.Unlock()
	c.tokenMu.Unlock()

	c.logger.Info("user signed in", "user_id", user.ID, "role", user.Role)
	c.notify(LevelSuccess, "Login successful!")
	u := *user
	return LoginResult{Outcome: LoginSucceeded, User: &u}
}

// Logout ends the session. The backend call is best effort; local state and
// the stored token are always cleared.
func (c *Controller) Logout(ctx context.Context) {
	c.endSession(ctx, LevelSuccess, "Logged out successfully")
}

func (c *Controller) endSession(ctx context.Context, level Level, message string) {
	c.tokenMu.Lock()
	_, hasToken := c.store.Get()
	c.mu.Lock()
	user := c.state.User
	c.transitionLocked(nil)
	gen := c.generation
	c.mu.Unlock()
	c.tokenMu.Unlock()

	c.finishLogout(ctx, gen, user, hasToken, level, message)
}

// finishLogout tells the backend about a logout that already happened
// locally, then drops the token it was sent with. The store still holds the
// token during the call so the gateway can authenticate it.
func (c *Controller) finishLogout(ctx context.Context, gen uint64, user *client.UserProfile, hasToken bool, level Level, message string) {
	if user != nil || hasToken {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.LogoutTimeout)
		var err error
		if user.IsAdmin() {
			err = c.backend.LogoutAdmin(callCtx)
		} else {
			err = c.backend.Logout(callCtx)
		}
		cancel()
		if err != nil {
			c.logger.Warn("backend logout failed", "error", err)
		}
	}

	c.tokenMu.Lock()
	// A login that finished during the backend call owns a newer token.
	if c.currentGeneration() == gen {
		c.removeToken()
	}
	c.tokenMu.Unlock()

	c.notify(level, message)
}

// HandleUnauthorized tears the session down after the backend rejected the
// credentials. It is registered as the gateway's 401 hook.
func (c *Controller) HandleUnauthorized() {
	c.tokenMu.Lock()
	c.removeToken()
	c.mu.Lock()
	wasSignedIn := c.state.User != nil
	c.transitionLocked(nil)
	c.mu.Unlock()
	c.tokenMu.Unlock()

	if wasSignedIn {
		c.notify(LevelWarning, msgSessionEnded)
	}
}

// CheckExpiry is one tick of the expiry watch: it logs out an expired session
// and warns once when the token is about to expire.
func (c *Controller) CheckExpiry(ctx context.Context) {
	c.tokenMu.Lock()
	if c.Snapshot().Phase != PhaseAuthenticated {
		c.tokenMu.Unlock()
		return
	}
	token, ok := c.store.Get()
	if !ok {
		c.tokenMu.Unlock()
		return
	}

	c.mu.Lock()
	if c.inspector.IsExpired(token) {
		c.logger.Info("session token expired")
		user := c.state.User
		c.state.Warning = WarningExpired
		c.transitionLocked(nil)
		gen := c.generation
		c.mu.Unlock()
		c.tokenMu.Unlock()
		c.finishLogout(ctx, gen, user, true, LevelWarning, msgSessionExpired)
		return
	}

	if c.state.Warning != WarningPending || !c.inspector.IsExpiringSoon(token, c.opts.WarningMinutes) {
		c.mu.Unlock()
		c.tokenMu.Unlock()
		return
	}
	c.state.Warning = WarningIssued
	minutes, _ := c.inspector.MinutesUntilExpiry(token)
	c.mu.Unlock()
	c.tokenMu.Unlock()

	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	c.notify(LevelWarning, fmt.Sprintf("Your session will expire in %d %s. Save your work to avoid losing data.", minutes, unit))
}

// Watching reports whether the expiry watcher is running.
func (c *Controller) Watching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchStop != nil
}

// Close stops the expiry watcher.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopWatchLocked()
	c.mu.Unlock()
}

// transitionLocked moves to Authenticated (user != nil) or Anonymous and
// starts a new generation. Callers hold tokenMu and mu.
func (c *Controller) transitionLocked(user *client.UserProfile) {
	c.generation++
	c.state.User = user
	if user != nil {
		c.state.Phase = PhaseAuthenticated
		c.state.Warning = WarningPending
		c.startWatchLocked()
		return
	}
	c.state.Phase = PhaseAnonymous
	if c.state.Warning != WarningExpired {
		c.state.Warning = WarningPending
	}
	c.stopWatchLocked()
}

func (c *Controller) startWatchLocked() {
	if c.watchStop != nil || c.opts.WatchInterval < 0 {
		return
	}
	stop := make(chan struct{})
	c.watchStop = stop
	go c.watch(stop)
}

func (c *Controller) stopWatchLocked() {
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
}

func (c *Controller) watch(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.CheckExpiry(context.Background())
		}
	}
}

func (c *Controller) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Controller) removeToken() {
	if err := c.store.Remove(); err != nil {
		c.logger.Error("remove access token", "error", err)
	}
}

func (c *Controller) fail(message string) LoginResult {
	c.notify(LevelError, message)
	return LoginResult{Outcome: LoginFailed, Message: message}
}

func (c *Controller) notify(level Level, message string) {
	c.opts.Notifier.Notify(level, message)
}

// messageFrom prefers the backend's own message over the fallback.
func messageFrom(err error, fallback string) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
