// Package session holds the operator's credentials for the lifetime of the
// process and persists them between runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/payflow/batchwatch/pkg/schema"
)

const lockTimeout = 5 * time.Second

// Credentials is the persisted form of a signed-in session.
type Credentials struct {
	Token    string    `yaml:"token"`
	Username string    `yaml:"username"`
	FullName string    `yaml:"full_name,omitempty"`
	SavedAt  time.Time `yaml:"saved_at,omitempty"`
}

// Session is the explicit auth state. It is created once at start-up from
// the persisted file and passed to whatever needs it; SignOut clears both.
type Session struct {
	path string

	mu    sync.RWMutex
	creds Credentials
}

// Load reads the session file at path. A missing file yields an anonymous
// session. An empty path keeps the session in memory only.
func Load(path string) (*Session, error) {
	s := &Session{path: path}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.creds); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	return s, nil
}

func (s *Session) Path() string { return s.path }

// Token implements restapi.TokenSource. It is empty when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Token
}

func (s *Session) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// DisplayName is the full name when known, otherwise the username.
func (s *Session) DisplayName() string {
	c := s.Credentials()
	if c.FullName != "" {
		return c.FullName
	}
	return c.Username
}

// SignIn records a successful login and persists it. The username is the
// server's value when it sends one, otherwise the one typed at the prompt.
func (s *Session) SignIn(resp schema.LoginResponse, typedUsername string) error {
	if resp.Token == "" {
		return errors.New("login response carries no token")
	}
	username := strings.TrimSpace(resp.User.Username)
	if username == "" {
		username = strings.TrimSpace(typedUsername)
	}
	creds := Credentials{
		Token:    resp.Token,
		Username: username,
		FullName: resp.User.DisplayName(),
		SavedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return s.save(creds)
}

// SignOut forgets the credentials and removes the session file.
func (s *Session) SignOut() error {
	s.mu.Lock()
	s.creds = Credentials{}
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	return withLock(s.path, "sign-out", lockTimeout, func() error {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session: %w", err)
		}
		return nil
	})
}

func (s *Session) save(creds Credentials) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	data, err := yaml.Marshal(&creds)
	if err != nil {
		return err
	}
	return withLock(s.path, "sign-in", lockTimeout, func() error {
		tmp := s.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write session: %w", err)
		}
		return os.Rename(tmp, s.path)
	})
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by NewContext, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}
