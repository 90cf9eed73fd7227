package memory

import (
	"context"
	"sync"

	"github.com/PabloGalante/threadchat/internal/domain"
)

// ThreadStore keeps threads in a map. It is NOT persistent and is only
// suitable for development and tests.
type ThreadStore struct {
	mu      sync.RWMutex
	threads map[domain.ThreadID]*domain.Thread
}

func NewThreadStore() *ThreadStore {
	return &ThreadStore{
		threads: make(map[domain.ThreadID]*domain.Thread),
	}
}

func (s *ThreadStore) LoadThreads(_ context.Context) ([]*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th.Clone())
	}
	return out, nil
}

func (s *ThreadStore) SaveThread(_ context.Context, thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads[thread.ID] = thread.Clone()
	return nil
}

func (s *ThreadStore) DeleteThread(_ context.Context, id domain.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[id]; !exists {
		return domain.ErrThreadNotFound
	}
	delete(s.threads, id)
	return nil
}
