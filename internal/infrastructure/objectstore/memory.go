package objectstore

import (
	"context"
	"sync"

	"ReportHarvester/internal/ports"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	Layout

	mu      sync.RWMutex
	objects map[string]Object
}

var _ ports.ObjectStorage = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store using layout.
func NewMemoryStore(layout Layout) *MemoryStore {
	return &MemoryStore{Layout: layout, objects: make(map[string]Object)}
}

func (s *MemoryStore) Write(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// Get returns the object at key.
func (s *MemoryStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
