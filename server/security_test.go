package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestSecurityMalformedRequests checks that odd requests never crash the console.
func TestSecurityMalformedRequests(t *testing.T) {
	_, srv := newStorefront(t)
	app := newTestApp(t, srv.URL)
	h := app.Routes()

	tests := []struct {
		name        string
		method      string
		path        string
		headers     map[string]string
		body        string
		description string
	}{
		{
			name:        "extremely_long_header",
			method:      http.MethodGet,
			path:        "/",
			headers:     map[string]string{"X-Custom-Header": strings.Repeat("A", 100000)},
			description: "Header longer than 100KB should be handled gracefully",
		},
		{
			name:        "double_slash_in_path",
			method:      http.MethodGet,
			path:        "//account",
			description: "Double slash in path should not reach a handler unguarded",
		},
		{
			name:        "malformed_form_body",
			method:      http.MethodPost,
			path:        "/login",
			headers:     map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
			body:        "email=%zz&password=%",
			description: "Broken percent encoding in the login form",
		},
		{
			name:        "unexpected_content_type",
			method:      http.MethodPost,
			path:        "/login",
			headers:     map[string]string{"Content-Type": "text/plain"},
			body:        "email=a@example.com",
			description: "Non-form body on the login endpoint",
		},
		{
			name:        "method_override_attempt",
			method:      http.MethodPost,
			path:        "/account",
			headers:     map[string]string{"X-HTTP-Method-Override": "GET"},
			description: "Method override headers must not be honoured",
		},
		{
			name:        "special_chars_in_from",
			method:      http.MethodGet,
			path:        "/login?from=%3Cscript%3Ealert(1)%3C%2Fscript%3E",
			description: "Markup in the from parameter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code >= 500 {
				t.Errorf("%s: server error (5xx), got %d", tt.description, w.Code)
			}
			if strings.Contains(w.Body.String(), "<script>") {
				t.Errorf("%s: unescaped markup in response", tt.description)
			}
		})
	}
}

// TestSecurityFakeTokens checks that a stored token the backend does not
// accept never yields a session.
func TestSecurityFakeTokens(t *testing.T) {
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   "attacker",
		"role": "admin",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	forgedToken, err := forged.SignedString([]byte("not-the-backend-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"forged_signature", forgedToken},
		{"expired", signedToken(t, "u-1", "shopper@example.com", "admin", -time.Minute)},
		{"not_a_jwt", "not.a.jwt"},
		{"alg_none", "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJpZCI6ImF0dGFja2VyIiwicm9sZSI6ImFkbWluIn0."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf, srv := newStorefront(t)
			sf.handle("/api/user/profile", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid signature"})
			})

			cfg := DefaultConfig()
			cfg.Backend.BaseURL = srv.URL
			cfg.Session.WatchInterval = "-1s"
			cfg.Store.Driver = StoreMemory
			app, err := NewApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				t.Fatalf("NewApp returned error: %v", err)
			}
			t.Cleanup(func() { _ = app.Close() })

			if err := app.Store.Store(tt.token); err != nil {
				t.Fatalf("seed token: %v", err)
			}
			app.Session.Initialize(context.Background())

			if app.Session.IsAuthenticated() {
				t.Fatal("fake token produced a session")
			}
			if _, ok := app.Store.Get(); ok {
				t.Fatal("fake token should be removed from the store")
			}
			rec := doGet(t, app.Routes(), "/admin")
			if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "/admin/login") {
				t.Fatalf("expected login redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
			}
		})
	}
}

// TestSecurityOpenRedirect checks that post-login redirects stay on this host.
func TestSecurityOpenRedirect(t *testing.T) {
	targets := []string{
		"https://evil.example.com/",
		"//evil.example.com/",
		"/\\evil.example.com",
		"javascript:alert(1)",
		"http:evil.example.com",
	}

	for _, from := range targets {
		t.Run(from, func(t *testing.T) {
			sf, srv := newStorefront(t)
			app := newTestApp(t, srv.URL)
			sf.handle("/api/user/login", loginReply(t, "u-1", "shopper@example.com", "user"))

			rec := doForm(t, app.Routes(), "/login", url.Values{
				"email":    {"shopper@example.com"},
				"password": {"secret"},
				"from":     {from},
			})
			expectRedirect(t, rec, "/")
		})
	}
}

// TestSecurityReflectedInput checks that echoed form values are escaped.
func TestSecurityReflectedInput(t *testing.T) {
	sf, srv := newStorefront(t)
	app := newTestApp(t, srv.URL)
	sf.handle("/api/user/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "<img src=x onerror=alert(1)>"})
	})

	rec := doForm(t, app.Routes(), "/login", url.Values{
		"email":    {`"><script>alert(1)</script>`},
		"password": {"secret"},
	})

	body := rec.Body.String()
	if strings.Contains(body, "<script>alert(1)</script>") || strings.Contains(body, "<img src=x") {
		t.Fatalf("reflected input not escaped: %s", body)
	}
}

// TestSecurityInformationDisclosure checks that errors and tokens stay private
// outside dev mode.
func TestSecurityInformationDisclosure(t *testing.T) {
	sf, srv := newStorefront(t)
	app := newTestApp(t, srv.URL)
	app.Config.Server.DevMode = false
	h := app.Routes()
	signIn(t, app, h, sf, "user")

	if rec := doGet(t, h, "/debug/token"); rec.Code != http.StatusNotFound {
		t.Fatalf("token page exposed outside dev mode: %d", rec.Code)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	panicky := RecoveryMiddleware(logger, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("database password is hunter2")
	}))
	rec := doGet(t, panicky, "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatal("panic detail leaked outside dev mode")
	}
}

// TestSecurityHSTSOnTLS checks the HSTS header is only sent over TLS.
func TestSecurityHSTSOnTLS(t *testing.T) {
	h := SecurityHeadersMiddleware(600)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "https://console.example.com/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=600; includeSubDomains" {
		t.Fatalf("unexpected HSTS header %q", got)
	}

	h = SecurityHeadersMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("expected no HSTS when disabled, got %q", got)
	}
}
