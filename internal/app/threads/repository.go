// Package threads holds the in-memory view of every conversation thread and
// writes each change through to a domain.ThreadStore.
package threads

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

type entry struct {
	mu     sync.Mutex
	thread *domain.Thread
}

// Repository is safe for concurrent use. Mutations of one thread are
// serialized by that thread's own lock; different threads never contend.
type Repository struct {
	store domain.ThreadStore

	mu      sync.RWMutex
	entries map[domain.ThreadID]*entry
}

func NewRepository(store domain.ThreadStore) *Repository {
	return &Repository{
		store:   store,
		entries: make(map[domain.ThreadID]*entry),
	}
}

// Load replaces the in-memory state with what the store holds.
func (r *Repository) Load(ctx context.Context) error {
	threads, err := r.store.LoadThreads(ctx)
	if err != nil {
		return fmt.Errorf("loading threads: %w", err)
	}

	entries := make(map[domain.ThreadID]*entry, len(threads))
	for _, th := range threads {
		entries[th.ID] = &entry{thread: th}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	observability.LoggerFromContext(ctx).Info("threads loaded", "thread_count", len(threads))
	return nil
}

// Create persists a new thread and starts tracking it.
func (r *Repository) Create(ctx context.Context, thread *domain.Thread) (*domain.Thread, error) {
	th := thread.Clone()

	r.mu.Lock()
	if _, exists := r.entries[th.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("thread %s already exists", th.ID)
	}
	e := &entry{thread: th}
	e.mu.Lock()
	r.entries[th.ID] = e
	r.mu.Unlock()
	defer e.mu.Unlock()

	if err := r.store.SaveThread(ctx, th); err != nil {
		e.thread = nil
		r.mu.Lock()
		delete(r.entries, th.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("saving new thread: %w", err)
	}

	return th.Clone(), nil
}

func (r *Repository) lookup(id domain.ThreadID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrThreadNotFound
	}
	return e, nil
}

// Get returns a copy of the thread.
func (r *Repository) Get(id domain.ThreadID) (*domain.Thread, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thread == nil {
		return nil, domain.ErrThreadNotFound
	}
	return e.thread.Clone(), nil
}

// List returns copies of all threads, most recently updated first.
func (r *Repository) List() []*domain.Thread {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*domain.Thread, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.thread != nil {
			out = append(out, e.thread.Clone())
		}
		e.mu.Unlock()
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out
}

// Update applies fn to the thread under its lock and persists the result.
// If fn or the store fails, the thread is left exactly as it was.
func (r *Repository) Update(ctx context.Context, id domain.ThreadID, fn func(*domain.Thread) error) (*domain.Thread, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thread == nil {
		return nil, domain.ErrThreadNotFound
	}

	next := e.thread.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	if err := r.store.SaveThread(ctx, next); err != nil {
		return nil, fmt.Errorf("saving thread %s: %w", id, err)
	}

	e.thread = next
	return next.Clone(), nil
}

// Delete removes the thread from the store and from memory.
func (r *Repository) Delete(ctx context.Context, id domain.ThreadID) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thread == nil {
		return domain.ErrThreadNotFound
	}

	if err := r.store.DeleteThread(ctx, id); err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}

	e.thread = nil
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return nil
}
