package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/badgehub/badgehub-core/pkg/badge"
)

// MemoryStore is an in-memory Store. It counts writes so callers can observe idempotence.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[badge.Ref]map[string][]byte
	writes int
}

// NewMemoryStore creates an empty in-memory extension store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[badge.Ref]map[string][]byte)}
}

// List returns the owner's extensions ordered by name.
func (s *MemoryStore) List(_ context.Context, owner badge.Ref) ([]Extension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.items[owner]))
	for name := range s.items[owner] {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Extension, 0, len(names))
	for _, name := range names {
		raw := s.items[owner][name]
		out = append(out, Extension{Owner: owner, Name: name, JSON: append([]byte(nil), raw...)})
	}
	return out, nil
}

// Create adds a new extension; the (owner, name) pair must be unused.
func (s *MemoryStore) Create(_ context.Context, ext Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items[ext.Owner] == nil {
		s.items[ext.Owner] = make(map[string][]byte)
	}
	if _, ok := s.items[ext.Owner][ext.Name]; ok {
		return fmt.Errorf("extension %s already exists on %s", ext.Name, ext.Owner)
	}
	s.items[ext.Owner][ext.Name] = append([]byte(nil), ext.JSON...)
	s.writes++
	return nil
}

// Update overwrites an existing extension.
func (s *MemoryStore) Update(_ context.Context, ext Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[ext.Owner][ext.Name]; !ok {
		return ErrNotFound
	}
	s.items[ext.Owner][ext.Name] = append([]byte(nil), ext.JSON...)
	s.writes++
	return nil
}

// Delete removes an extension.
func (s *MemoryStore) Delete(_ context.Context, owner badge.Ref, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[owner][name]; !ok {
		return ErrNotFound
	}
	delete(s.items[owner], name)
	s.writes++
	return nil
}

// Writes returns the number of mutating calls that succeeded.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
