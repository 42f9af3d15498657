// Package store persists the substitute identity of one install and serves
// lock-free reads of the current value.
//
// Reads go through an atomic pointer to an immutable identity.Substitute.
// Writes are serialized; the backend commits before the pointer swaps, so a
// reader observes either the previous identity or the new one, never a mix.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"idremap/internal/identity"
)

var (
	// ErrStorage wraps every backend read or write failure.
	ErrStorage = errors.New("store: storage failure")
	// ErrSealed means persisted values belong to a different install secret.
	ErrSealed = errors.New("store: sealed by another install")
	// ErrInvalidIdentity rejects a Save of an identity that fails validation.
	ErrInvalidIdentity = errors.New("store: invalid identity")
	ErrClosed          = errors.New("store: closed")
)

// Backend persists one substitute identity.
type Backend interface {
	// Load returns the persisted identity, or nil when none exists.
	Load(ctx context.Context) (*identity.Substitute, error)
	// Save replaces the persisted identity atomically.
	Save(ctx context.Context, s *identity.Substitute) error
	// Clear removes the persisted identity.
	Clear(ctx context.Context) error
	Close() error
}

// Store is the single owner of the persisted identity.
type Store struct {
	backend Backend
	secret  *Secret
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	current atomic.Pointer[identity.Substitute]
	onSwap  []func(*identity.Substitute)
}

// New wraps backend. secret may be nil for callers that only read.
func New(backend Backend, secret *Secret, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		secret:  secret,
		logger:  logger.With("component", "store"),
	}
}

// Secret returns the install secret the store was opened with.
func (s *Store) Secret() *Secret { return s.secret }

// OnSwap registers fn to run after every successful Save or Clear, with the
// store's write lock held.
func (s *Store) OnSwap(fn func(*identity.Substitute)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwap = append(s.onSwap, fn)
}

// Load reads the persisted identity. A valid one becomes current. An
// invalid one is returned for the caller to replace but is never published.
func (s *Store) Load(ctx context.Context) (*identity.Substitute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	sub, err := s.backend.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrSealed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load: %v", ErrStorage, err)
	}
	if sub == nil {
		return nil, nil
	}
	if err := sub.Validate(); err != nil {
		s.logger.WarnContext(ctx, "persisted identity failed validation", "error", err)
		return sub, nil
	}
	s.swap(sub)
	return sub, nil
}

// Save validates and persists sub, then publishes it.
func (s *Store) Save(ctx context.Context, sub *identity.Substitute) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cur := s.current.Load(); cur != nil && cur.Equal(sub) {
		return nil
	}
	if err := s.backend.Save(ctx, sub); err != nil {
		return fmt.Errorf("%w: save: %v", ErrStorage, err)
	}
	s.swap(sub)
	s.logger.DebugContext(ctx, "identity saved", "generation", sub.Generation(), "kinds", sub.Len())
	return nil
}

// Clear removes the persisted identity and unpublishes it.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStorage, err)
	}
	s.swap(nil)
	return nil
}

func (s *Store) swap(sub *identity.Substitute) {
	s.current.Store(sub)
	for _, fn := range s.onSwap {
		fn(sub)
	}
}

// Current returns the published identity, or nil. It never blocks.
func (s *Store) Current() *identity.Substitute {
	return s.current.Load()
}

// Get returns the published substitute value for k. It never blocks.
func (s *Store) Get(k identity.Kind) (string, bool) {
	return s.current.Load().Get(k)
}

// Close releases the backend and wipes the secret.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.secret.Wipe()
	return s.backend.Close()
}
