package workspace

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence abstraction for mirror records.
// Implementations can be in-memory or SQLite backed; the Service does not
// care which one it is given.
type Store interface {
	GetMirror(ctx context.Context, projectID string) (Mirror, bool, error)
	SetMirror(ctx context.Context, m Mirror) error
	ListMirrors(ctx context.Context) ([]Mirror, error)
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	mirrors map[string]Mirror
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mirrors: make(map[string]Mirror),
	}
}

// GetMirror implements Store.GetMirror.
func (s *InMemoryStore) GetMirror(_ context.Context, projectID string) (Mirror, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mirrors[projectID]
	return m, ok, nil
}

// SetMirror implements Store.SetMirror.
func (s *InMemoryStore) SetMirror(_ context.Context, m Mirror) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors[m.ProjectID] = m
	return nil
}

// ListMirrors implements Store.ListMirrors, ordered by project ID.
func (s *InMemoryStore) ListMirrors(_ context.Context) ([]Mirror, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Mirror, 0, len(s.mirrors))
	for _, m := range s.mirrors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}
