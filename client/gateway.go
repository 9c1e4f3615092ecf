package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
)

// Gateway defaults.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultCSRFPath          = "/api/csrf-token"
	DefaultCSRFHeader        = "X-CSRF-Token"
	DefaultCSRFRejectionCode = "EBADCSRFTOKEN"
)

// DefaultPasswordPaths answer 401 for a wrong current password; the gateway
// hands those responses back instead of ending the session.
var DefaultPasswordPaths = []string{"/api/user/update-password", "/api/user/change-password"}

const maxErrorBody = 64 << 10

// GatewayConfig configures the request gateway.
type GatewayConfig struct {
	BaseURL           string
	Timeout           time.Duration
	CSRFPath          string
	CSRFHeader        string
	CSRFRejectionCode string
	PasswordPaths     []string
	HTTPClient        *http.Client
	Registerer        prometheus.Registerer
}

// APIError is a non-2xx backend reply. Message is empty when the backend sent
// none.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, msg)
}

// StatusOf returns the HTTP status carried by an *APIError, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Gateway is the single HTTP entry point to the storefront backend. It attaches
// the bearer token and anti-forgery token, recovers once from anti-forgery
// rejections, and tears the session down on 401.
type Gateway struct {
	cfg       GatewayConfig
	baseURL   string
	client    *http.Client
	store     CredentialStore
	inspector *Inspector
	csrf      *csrfCache
	logger    *slog.Logger
	metrics   *gatewayMetrics

	mu             sync.RWMutex
	onUnauthorized func()
}

// NewGateway constructs a Gateway over store.
func NewGateway(cfg GatewayConfig, store CredentialStore, inspector *Inspector, logger *slog.Logger) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("backend base URL must start with http:// or https://, got: %s", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CSRFPath == "" {
		cfg.CSRFPath = DefaultCSRFPath
	}
	if cfg.CSRFHeader == "" {
		cfg.CSRFHeader = DefaultCSRFHeader
	}
	if cfg.CSRFRejectionCode == "" {
		cfg.CSRFRejectionCode = DefaultCSRFRejectionCode
	}
	if cfg.PasswordPaths == nil {
		cfg.PasswordPaths = DefaultPasswordPaths
	}
	if inspector == nil {
		inspector = NewInspector(nil)
	}

	client := cfg.HTTPClient
	if client == nil {
		// The backend binds its anti-forgery secret to a cookie.
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		client = &http.Client{Timeout: cfg.Timeout, Jar: jar}
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	return &Gateway{
		cfg:       cfg,
		baseURL:   base,
		client:    client,
		store:     store,
		inspector: inspector,
		csrf:      newCSRFCache(client, base+cfg.CSRFPath, cfg.Timeout),
		logger:    logger,
		metrics:   newGatewayMetrics(cfg.Registerer),
	}, nil
}

// OnUnauthorized registers the hook run after a 401 teardown. The owning
// application uses it to end its session and route to the login view.
func (g *Gateway) OnUnauthorized(fn func()) {
	g.mu.Lock()
	g.onUnauthorized = fn
	g.mu.Unlock()
}

// ClearCSRF drops the cached anti-forgery token.
func (g *Gateway) ClearCSRF() { g.csrf.Clear() }

// NewRequest builds a request for a backend path such as "/api/user/profile".
func (g *Gateway) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
}

// Do sends req through the gateway pipeline.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}
	g.attachBearer(req)
	if isMutating(req.Method) {
		g.attachCSRF(req, false)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}

	if g.isCSRFRejection(resp) {
		retried, ok := g.retryAfterRejection(req)
		if !ok {
			g.metrics.observe(req.Method, resp.StatusCode)
			return resp, nil
		}
		resp.Body.Close()
		resp, err = g.client.Do(retried)
		if err != nil {
			return nil, err
		}
		if g.isCSRFRejection(resp) {
			// Second rejection goes back to the caller as-is.
			g.metrics.observe(req.Method, resp.StatusCode)
			return resp, nil
		}
	}

	if resp.StatusCode == http.StatusUnauthorized && !g.isPasswordPath(req.URL.Path) {
		g.teardown(req)
	}

	g.metrics.observe(req.Method, resp.StatusCode)
	return resp, nil
}

// JSON sends in (if non-nil) as a JSON body and decodes the reply into out
// (if non-nil). Non-2xx replies become *APIError.
func (g *Gateway) JSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := g.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (g *Gateway) attachBearer(req *http.Request) {
	token, ok := g.store.Get()
	if !ok {
		return
	}
	res := g.inspector.Validate(token)
	if !res.Valid {
		g.logger.Warn("discarding unusable access token", "errors", res.Errors)
		if err := g.store.Remove(); err != nil {
			g.logger.Error("remove access token", "error", err)
		}
		req.Header.Del("Authorization")
		return
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
}

// attachCSRF sets the anti-forgery header. A failed fetch leaves the request
// without it and the backend decides.
func (g *Gateway) attachCSRF(req *http.Request, fresh bool) bool {
	fetch := g.csrf.Token
	if fresh {
		fetch = g.csrf.Refresh
	}
	tok, err := fetch(req.Context())
	if err != nil {
		g.metrics.csrfFailure()
		g.logger.Warn("csrf token unavailable", "error", err, "path", req.URL.Path)
		req.Header.Del(g.cfg.CSRFHeader)
		return false
	}
	req.Header.Set(g.cfg.CSRFHeader, tok)
	return true
}

func (g *Gateway) retryAfterRejection(req *http.Request) (*http.Request, bool) {
	retried := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			g.logger.Error("rewind request body", "error", err, "path", req.URL.Path)
			return nil, false
		}
		retried.Body = body
	}
	if !g.attachCSRF(retried, true) {
		return nil, false
	}
	g.metrics.csrfRetry()
	g.logger.Info("retrying after csrf rejection", "method", req.Method, "path", req.URL.Path)
	return retried, true
}

// isCSRFRejection reports a 403 carrying the rejection code. The body is
// restored so callers can still read it.
func (g *Gateway) isCSRFRejection(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return false
	}
	var body errorBody
	if json.Unmarshal(b, &body) != nil {
		return false
	}
	return body.Code == g.cfg.CSRFRejectionCode || body.Error == g.cfg.CSRFRejectionCode
}

func (g *Gateway) teardown(req *http.Request) {
	g.metrics.teardown()
	g.logger.Warn("backend rejected credentials", "method", req.Method, "path", req.URL.Path)
	g.csrf.Clear()
	if err := g.store.Remove(); err != nil {
		g.logger.Error("remove access token", "error", err)
	}

	g.mu.RLock()
	hook := g.onUnauthorized
	g.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (g *Gateway) isPasswordPath(path string) bool {
	for _, p := range g.cfg.PasswordPaths {
		if p != "" && strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// bufferBody makes the request body replayable for the single retry.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	return nil
}

type errorBody struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	if json.Unmarshal(b, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		} else if apiErr.Code == "" {
			apiErr.Code = body.Error
		}
	}
	return apiErr
}
