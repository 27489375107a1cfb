package repository

import (
	"context"
	"sync"
)

// AuthTokenKey is the single key the session manager persists its token under.
const AuthTokenKey = "authToken"

// TokenStore is the durable key-value mirror of the session token, the
// server-side stand-in for browser local storage. GetItem reports a missing
// key with ok == false and a nil error.
type TokenStore interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

type memoryTokenStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryTokenStore keeps tokens in process memory; they don't survive a restart.
func NewMemoryTokenStore() TokenStore {
	return &memoryTokenStore{items: make(map[string]string)}
}

func (s *memoryTokenStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *memoryTokenStore) SetItem(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

func (s *memoryTokenStore) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}
