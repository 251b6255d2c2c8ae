// Package auth resolves the active account and its access token from the
// user document under the codesync root. One account is active at a time;
// delivery is a no-op without one.
package auth

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// User is the active account.
type User struct {
	Email       string `yaml:"email"`
	AccessToken string `yaml:"access_token"`
}

// Store reads and caches the user document. Reload picks up re-auth
// performed by another process without restarting the daemon.
type Store struct {
	path string

	mu   sync.Mutex
	user *User
}

// NewStore creates a Store for the given user document path. The document
// is not read until Reload or ActiveUser is called.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Reload re-reads the user document. A missing file means no active user
// and is not an error.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.user = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read user document: %w", err)
	}

	var u User
	if err := yaml.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("failed to parse user document: %w", err)
	}

	s.mu.Lock()
	if u.Email == "" || u.AccessToken == "" {
		s.user = nil
	} else {
		s.user = &u
	}
	s.mu.Unlock()
	return nil
}

// ActiveUser returns the active account, reading the document on first
// use. The second return is false when no account is signed in.
func (s *Store) ActiveUser() (User, bool) {
	s.mu.Lock()
	cached := s.user
	s.mu.Unlock()

	if cached == nil {
		if err := s.Reload(); err != nil {
			return User{}, false
		}
		s.mu.Lock()
		cached = s.user
		s.mu.Unlock()
	}
	if cached == nil {
		return User{}, false
	}
	return *cached, true
}

// Save writes the user document. Used by the connect flow after a
// successful authentication.
func (s *Store) Save(u User) error {
	data, err := yaml.Marshal(&u)
	if err != nil {
		return fmt.Errorf("failed to marshal user document: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write user document: %w", err)
	}

	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	return nil
}
