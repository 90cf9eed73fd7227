package memory

import (
	"context"
	"sync"

	"github.com/PabloGalante/threadchat/internal/domain"
)

type SettingsStore struct {
	mu       sync.RWMutex
	settings *domain.Settings
}

func NewSettingsStore() *SettingsStore {
	return &SettingsStore{}
}

func (s *SettingsStore) LoadSettings(_ context.Context) (*domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, nil
	}
	cp := *s.settings
	return &cp, nil
}

func (s *SettingsStore) SaveSettings(_ context.Context, settings *domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.settings = &cp
	return nil
}

// Store bundles both in-memory stores behind domain.Store.
type Store struct {
	*ThreadStore
	*SettingsStore
}

func NewStore() *Store {
	return &Store{
		ThreadStore:   NewThreadStore(),
		SettingsStore: NewSettingsStore(),
	}
}

func (s *Store) Close() error { return nil }
