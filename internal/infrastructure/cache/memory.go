// Package cache provides expiring key sets for discovery dedup and the
// pattern learner's negative cache.
package cache

import (
	"context"
	"sync"
	"time"

	"ReportHarvester/internal/ports"
)

// MemorySet is a process-local TTL set.
type MemorySet struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]time.Time
}

var _ ports.TTLSet = (*MemorySet)(nil)

// NewMemorySet creates an empty set; now defaults to time.Now.
func NewMemorySet(now func() time.Time) *MemorySet {
	if now == nil {
		now = time.Now
	}
	return &MemorySet{now: now, entries: make(map[string]time.Time)}
}

// Add inserts key unless it is already present and unexpired.
func (s *MemorySet) Add(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	if len(s.entries)%1024 == 0 {
		s.sweep(now)
	}
	return true, nil
}

// Contains reports whether key is present and unexpired.
func (s *MemorySet) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

// Len returns the number of stored keys, expired ones included.
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemorySet) sweep(now time.Time) {
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
		}
	}
}
