package catalog

import (
	"context"
	"sync"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

// MemoryStore keeps events in insertion order in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]quake.Event
	order []string
}

// NewMemoryStore creates a store holding events.
func NewMemoryStore(events ...quake.Event) *MemoryStore {
	s := &MemoryStore{byID: make(map[string]quake.Event)}
	for _, e := range events {
		s.Put(context.Background(), e) //nolint:errcheck // memory put never fails
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, id string) (quake.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return quake.Event{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]quake.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]quake.Event, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, event quake.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[event.ID]; !ok {
		s.order = append(s.order, event.ID)
	}
	s.byID[event.ID] = event
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return nil
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
