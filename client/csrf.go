package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// csrfCache holds the anti-forgery token for one gateway. Concurrent callers
// share a single in-flight fetch.
type csrfCache struct {
	client  *http.Client
	url     string
	timeout time.Duration

	mu    sync.RWMutex
	token string
	group singleflight.Group
}

func newCSRFCache(client *http.Client, url string, timeout time.Duration) *csrfCache {
	return &csrfCache{client: client, url: url, timeout: timeout}
}

// Token returns the cached token, fetching one when the slot is empty.
func (c *csrfCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	if tok != "" {
		return tok, nil
	}

	// The shared fetch outlives any single caller; each caller stops waiting
	// when its own context ends.
	ch := c.group.DoChan("csrf", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		tok, err := c.fetch(fetchCtx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return tok, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Clear empties the slot.
func (c *csrfCache) Clear() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Refresh discards the cached token and fetches a fresh one.
func (c *csrfCache) Refresh(ctx context.Context) (string, error) {
	c.Clear()
	return c.Token(ctx)
}

func (c *csrfCache) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch csrf token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("fetch csrf token: %s", resp.Status)
	}
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode csrf token: %w", err)
	}
	if body.CSRFToken == "" {
		return "", errors.New("csrf token missing from response")
	}
	return body.CSRFToken, nil
}
