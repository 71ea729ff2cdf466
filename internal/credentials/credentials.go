// Package credentials holds the bearer token used for transfers and
// link discovery.
package credentials

import (
	"context"
	"sync"

	"github.com/earthdata-download/edd/internal/logger"
)

// TokenStore persists the singleton token row
type TokenStore interface {
	GetToken(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
}

// Manager caches the token read from the store. Listeners registered
// with OnChange are told whenever the token is replaced or cleared.
type Manager struct {
	store TokenStore
	log   *logger.Logger

	mu        sync.RWMutex
	token     string
	loaded    bool
	listeners []func(token string)
}

// NewManager creates a token manager over store
func NewManager(store TokenStore, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{store: store, log: log}
}

// Token returns the current token, empty when signed out
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.loaded {
		token := m.token
		m.mu.RUnlock()
		return token, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		token, err := m.store.GetToken(ctx)
		if err != nil {
			return "", err
		}
		m.token = token
		m.loaded = true
	}
	return m.token, nil
}

// SetToken persists token and notifies listeners. An empty token signs
// the user out.
func (m *Manager) SetToken(ctx context.Context, token string) error {
	if err := m.store.SetToken(ctx, token); err != nil {
		return err
	}

	m.mu.Lock()
	changed := !m.loaded || m.token != token
	m.token = token
	m.loaded = true
	listeners := append([]func(string){}, m.listeners...)
	m.mu.Unlock()

	if !changed {
		return nil
	}
	if token == "" {
		m.log.Info("bearer token cleared")
	} else {
		m.log.Info("bearer token updated")
	}
	for _, fn := range listeners {
		fn(token)
	}
	return nil
}

// Clear removes the stored token
func (m *Manager) Clear(ctx context.Context) error {
	return m.SetToken(ctx, "")
}

// SignedIn reports whether a non-empty token is stored
func (m *Manager) SignedIn(ctx context.Context) bool {
	token, err := m.Token(ctx)
	return err == nil && token != ""
}

// OnChange registers fn to run after every token change
func (m *Manager) OnChange(fn func(token string)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}
