package store

import (
	"context"
	"sync"

	"idremap/internal/identity"
)

// MemoryBackend keeps the identity in process memory only.
type MemoryBackend struct {
	mu  sync.Mutex
	sub *identity.Substitute
}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (m *MemoryBackend) Load(context.Context) (*identity.Substitute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub, nil
}

func (m *MemoryBackend) Save(_ context.Context, s *identity.Substitute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sub = s
	return nil
}

func (m *MemoryBackend) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sub = nil
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
