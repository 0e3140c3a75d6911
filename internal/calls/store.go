package calls

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound      = errors.New("calls: session not found")
	ErrSessionExists = errors.New("calls: session exists")
)

// Store holds live (non-terminal) sessions keyed by provider call id.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, providerCallID string) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, providerCallID string) error
}

// MemoryStore is a Store for tests and single-process runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]Session{}}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ProviderCallID]; ok {
		return ErrSessionExists
	}
	m.sessions[s.ProviderCallID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, providerCallID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[providerCallID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ProviderCallID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ProviderCallID] = s.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, providerCallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, providerCallID)
	return nil
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
