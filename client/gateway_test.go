package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend counts hits per path and lets each test script the replies.
type fakeBackend struct {
	mu       sync.Mutex
	hits     map[string]int
	headers  map[string]http.Header
	bodies   map[string][]string
	csrfSeq  int
	handlers map[string]http.HandlerFunc
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{
		hits:     map[string]int{},
		headers:  map[string]http.Header{},
		bodies:   map[string][]string{},
		handlers: map[string]http.HandlerFunc{},
	}
	fb.handlers[DefaultCSRFPath] = func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		fb.csrfSeq++
		n := fb.csrfSeq
		fb.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"csrfToken": fmt.Sprintf("csrf-%d", n)})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(b))
		fb.mu.Lock()
		fb.hits[r.URL.Path]++
		fb.headers[r.URL.Path] = r.Header.Clone()
		fb.bodies[r.URL.Path] = append(fb.bodies[r.URL.Path], string(b))
		h := fb.handlers[r.URL.Path]
		fb.mu.Unlock()
		if h == nil {
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) handle(path string, h http.HandlerFunc) {
	fb.mu.Lock()
	fb.handlers[path] = h
	fb.mu.Unlock()
}

func (fb *fakeBackend) hitCount(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.hits[path]
}

func (fb *fakeBackend) lastHeader(path, key string) string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.headers[path].Get(key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestGateway(t *testing.T, url string, store CredentialStore, reg prometheus.Registerer) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := NewGateway(GatewayConfig{BaseURL: url, Registerer: reg}, store, testInspector(), logger)
	require.NoError(t, err)
	return gw
}

func TestNewGatewayValidatesBaseURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewGateway(GatewayConfig{}, NewMemoryStore(), nil, logger)
	assert.Error(t, err)
	_, err = NewGateway(GatewayConfig{BaseURL: "ftp://shop"}, NewMemoryStore(), nil, logger)
	assert.Error(t, err)
}

func TestGatewayAttachesBearerAndRequestID(t *testing.T) {
	fb, srv := newFakeBackend(t)
	store := NewMemoryStore()
	tok := tokenExpiringIn(t, time.Hour)
	require.NoError(t, store.Store(tok))
	gw := newTestGateway(t, srv.URL, store, nil)

	require.NoError(t, gw.JSON(context.Background(), http.MethodGet, "/api/user/profile", nil, nil))

	assert.Equal(t, "Bearer "+tok, fb.lastHeader("/api/user/profile", "Authorization"))
	assert.NotEmpty(t, fb.lastHeader("/api/user/profile", "X-Request-ID"))
	assert.Empty(t, fb.lastHeader("/api/user/profile", DefaultCSRFHeader))
	assert.Zero(t, fb.hitCount(DefaultCSRFPath))
}

func TestGatewayDiscardsUnusableToken(t *testing.T) {
	fb, srv := newFakeBackend(t)
	store := NewMemoryStore()
	require.NoError(t, store.Store(signHS256(t, jwt.MapClaims{"id": "u1"})))
	gw := newTestGateway(t, srv.URL, store, nil)

	require.NoError(t, gw.JSON(context.Background(), http.MethodGet, "/api/user/profile", nil, nil))

	assert.Empty(t, fb.lastHeader("/api/user/profile", "Authorization"))
	_, ok := store.Get()
	assert.False(t, ok)
}

func TestGatewayCachesCSRFToken(t *testing.T) {
	fb, srv := newFakeBackend(t)
	gw := newTestGateway(t, srv.URL, NewMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, gw.JSON(ctx, http.MethodPost, "/api/cart/add", map[string]int{"qty": 1}, nil))
	require.NoError(t, gw.JSON(ctx, http.MethodDelete, "/api/cart/add", nil, nil))

	assert.Equal(t, 1, fb.hitCount(DefaultCSRFPath))
	assert.Equal(t, "csrf-1", fb.lastHeader("/api/cart/add", DefaultCSRFHeader))

	gw.ClearCSRF()
	require.NoError(t, gw.JSON(ctx, http.MethodPut, "/api/cart/add", nil, nil))
	assert.Equal(t, "csrf-2", fb.lastHeader("/api/cart/add", DefaultCSRFHeader))
}

func TestCSRFFetchSurvivesCancelledCaller(t *testing.T) {
	fb, srv := newFakeBackend(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fb.handle(DefaultCSRFPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		writeJSON(w, http.StatusOK, map[string]string{"csrfToken": "csrf-shared"})
	})
	gw := newTestGateway(t, srv.URL, NewMemoryStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := gw.csrf.Token(ctx)
		firstErr <- err
	}()
	<-entered

	type result struct {
		tok string
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := gw.csrf.Token(context.Background())
		second <- result{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "csrf-shared", res.tok)
	assert.Equal(t, 1, fb.hitCount(DefaultCSRFPath))
}

func TestGatewayRetriesOnceAfterCSRFRejection(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.handle("/api/cart/add", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(DefaultCSRFHeader) == "csrf-1" {
			writeJSON(w, http.StatusForbidden, map[string]string{"code": DefaultCSRFRejectionCode})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "added"})
	})
	reg := prometheus.NewRegistry()
	gw := newTestGateway(t, srv.URL, NewMemoryStore(), reg)

	var out ActionResponse
	require.NoError(t, gw.JSON(context.Background(), http.MethodPost, "/api/cart/add", map[string]int{"qty": 2}, &out))

	assert.Equal(t, "added", out.Message)
	assert.Equal(t, 2, fb.hitCount("/api/cart/add"))
	assert.Equal(t, 2, fb.hitCount(DefaultCSRFPath))
	fb.mu.Lock()
	bodies := fb.bodies["/api/cart/add"]
	fb.mu.Unlock()
	assert.Equal(t, bodies[0], bodies[1], "retry must replay the body")

	gm := gw.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(gm.csrfRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(gm.requests.WithLabelValues(http.MethodPost, "200")))
}

func TestGatewaySurfacesSecondCSRFRejection(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.handle("/api/cart/add", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": DefaultCSRFRejectionCode, "message": "invalid csrf token"})
	})
	gw := newTestGateway(t, srv.URL, NewMemoryStore(), nil)

	err := gw.JSON(context.Background(), http.MethodPost, "/api/cart/add", nil, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, DefaultCSRFRejectionCode, apiErr.Code)
	assert.Equal(t, "invalid csrf token", apiErr.Message)
	assert.Equal(t, 2, fb.hitCount("/api/cart/add"))
}

func TestGatewayPlainForbiddenIsNotRetried(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.handle("/api/admin/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "admins only"})
	})
	gw := newTestGateway(t, srv.URL, NewMemoryStore(), nil)

	err := gw.JSON(context.Background(), http.MethodPost, "/api/admin/users", nil, nil)

	assert.Equal(t, http.StatusForbidden, StatusOf(err))
	assert.Equal(t, 1, fb.hitCount("/api/admin/users"))
}

func TestGatewayCSRFFetchFailureFailsOpen(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.handle(DefaultCSRFPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	reg := prometheus.NewRegistry()
	gw := newTestGateway(t, srv.URL, NewMemoryStore(), reg)

	require.NoError(t, gw.JSON(context.Background(), http.MethodPost, "/api/cart/add", nil, nil))

	assert.Equal(t, 1, fb.hitCount("/api/cart/add"))
	assert.Empty(t, fb.lastHeader("/api/cart/add", DefaultCSRFHeader))
	assert.Equal(t, 1.0, testutil.ToFloat64(gw.metrics.csrfFailures))
}

func TestGatewayUnauthorizedTearsDown(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.handle("/api/order/userorders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "jwt expired"})
	})
	store := NewMemoryStore()
	require.NoError(t, store.Store(tokenExpiringIn(t, time.Hour)))
	gw := newTestGateway(t, srv.URL, store, nil)
	hooked := 0
	gw.OnUnauthorized(func() { hooked++ })

	// Warm the anti-forgery cache so the teardown has something to clear.
	require.NoError(t, gw.JSON(context.Background(), http.MethodPost, "/api/cart/add", nil, nil))

	err := gw.JSON(context.Background(), http.MethodGet, "/api/order/userorders", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
	assert.Equal(t, 1, hooked)
	_, ok := store.Get()
	assert.False(t, ok)

	require.NoError(t, gw.JSON(context.Background(), http.MethodPost, "/api/cart/add", nil, nil))
	assert.Equal(t, 2, fb.hitCount(DefaultCSRFPath))
}

func TestGatewayPasswordPathKeepsSession(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.handle("/api/user/update-password", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Current password is incorrect"})
	})
	store := NewMemoryStore()
	require.NoError(t, store.Store(tokenExpiringIn(t, time.Hour)))
	gw := newTestGateway(t, srv.URL, store, nil)
	hooked := false
	gw.OnUnauthorized(func() { hooked = true })

	_, err := NewAPI(gw).UpdatePassword(context.Background(), "u1", "wrong", "next-secret")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Current password is incorrect", apiErr.Message)
	assert.False(t, hooked)
	_, ok := store.Get()
	assert.True(t, ok)
}
