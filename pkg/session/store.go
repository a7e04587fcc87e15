// Package session persists the access/refresh token pair and owns session teardown.
package session

import (
	"context"
	"sync"
)

// Fixed keys the token pair is persisted under.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
)

// Tokens is the persisted credential pair. An empty field means absent.
type Tokens struct {
	Access  string `json:"accessToken,omitempty"`
	Refresh string `json:"refreshToken,omitempty"`
}

// Complete reports whether both tokens are present.
func (t Tokens) Complete() bool {
	return t.Access != "" && t.Refresh != ""
}

// Store abstracts the persistence of the token pair.
type Store interface {
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, tokens Tokens) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Load(_ context.Context) (Tokens, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Tokens{Access: m.values[KeyAccessToken], Refresh: m.values[KeyRefreshToken]}, nil
}

func (m *MemoryStore) Save(_ context.Context, tokens Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	setOrDelete(m.values, KeyAccessToken, tokens.Access)
	setOrDelete(m.values, KeyRefreshToken, tokens.Refresh)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, KeyAccessToken)
	delete(m.values, KeyRefreshToken)
	return nil
}

// Has reports whether key currently holds a value.
func (m *MemoryStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok
}

func setOrDelete(values map[string]string, key, value string) {
	if value == "" {
		delete(values, key)
		return
	}
	values[key] = value
}
