package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrEmptyToken is returned when asked to persist an empty token.
var ErrEmptyToken = errors.New("cannot store empty token")

// CredentialStore persists the access token between runs. It performs no
// validation; that is the Inspector's job.
type CredentialStore interface {
	// Store persists token. A non-nil error means the session continues
	// without being persisted.
	Store(token string) error
	// Get returns the last stored token.
	Get() (string, bool)
	// Remove clears the token. Removing an absent token is not an error.
	Remove() error
}

// MemoryStore keeps the token for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Store(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryStore) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *MemoryStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// FileStore writes the token to a file as an oauth2.Token document. Writes go
// through a temp file and rename so readers never see a partial document.
type FileStore struct {
	path      string
	inspector *Inspector
	mu        sync.Mutex
}

// NewFileStore returns a store backed by path. The inspector fills in the
// expiry recorded next to the token; it may be nil.
func NewFileStore(path string, inspector *Inspector) *FileStore {
	return &FileStore{path: path, inspector: inspector}
}

// DefaultTokenPath is the per-user location used when none is configured.
func DefaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "fityard", "token.json")
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Store(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	doc := oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	if s.inspector != nil {
		if claims, err := s.inspector.Decode(token); err == nil && claims.HasExpiry() {
			doc.Expiry = claims.ExpiresAt
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write token: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace token: %w", err)
	}
	return nil
}

func (s *FileStore) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", false
	}
	var doc oauth2.Token
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", false
	}
	return doc.AccessToken, doc.AccessToken != ""
}

// Expiry returns the expiry recorded alongside the token, if any.
func (s *FileStore) Expiry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return time.Time{}, false
	}
	var doc oauth2.Token
	if err := json.Unmarshal(b, &doc); err != nil || doc.Expiry.IsZero() {
		return time.Time{}, false
	}
	return doc.Expiry, true
}

func (s *FileStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}
