package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

// MemoryStore keeps every record in process memory. It backs local runs
// without a database and the use case tests.
type MemoryStore struct {
	mu         sync.RWMutex
	documents  map[string]domain.DocumentRecord
	tasks      map[string]domain.ManualFallbackTask
	statuses   map[string]domain.SourceStatus
	patterns   map[string][]domain.URLPattern
	candidates map[string]domain.CandidateReference
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:  make(map[string]domain.DocumentRecord),
		tasks:      make(map[string]domain.ManualFallbackTask),
		statuses:   make(map[string]domain.SourceStatus),
		patterns:   make(map[string][]domain.URLPattern),
		candidates: make(map[string]domain.CandidateReference),
	}
}

func documentKey(orgID, fingerprint string) string {
	return orgID + "|" + fingerprint
}

func (s *MemoryStore) PutDocument(_ context.Context, doc domain.DocumentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := documentKey(doc.OrgID, doc.Fingerprint)
	if _, ok := s.documents[key]; ok {
		return errors.Mark(errors.Newf("document %s already stored for %s", doc.Fingerprint, doc.OrgID), errors.ErrDuplicate)
	}
	s.documents[key] = doc
	return nil
}

func (s *MemoryStore) DocumentByFingerprint(_ context.Context, orgID, fingerprint string) (*domain.DocumentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[documentKey(orgID, fingerprint)]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *MemoryStore) HasDocument(_ context.Context, tuple domain.Tuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, doc := range s.documents {
		if doc.Tuple() == tuple {
			return true, nil
		}
	}
	return false, nil
}

// Documents returns every stored record ordered by acquisition time.
func (s *MemoryStore) Documents() []domain.DocumentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DocumentRecord, 0, len(s.documents))
	for _, doc := range s.documents {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

// PutManualTask rejects a second open task for a tuple with ErrDuplicate,
// like the partial unique index on manual_tasks.
func (s *MemoryStore) PutManualTask(_ context.Context, task domain.ManualFallbackTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.State == domain.TaskOpen {
		for id, other := range s.tasks {
			if id != task.ID && other.State == domain.TaskOpen && other.Tuple() == task.Tuple() {
				return errors.Mark(errors.Newf("open manual task for %s", task.Tuple()), errors.ErrDuplicate)
			}
		}
	}
	task.Attempts = append([]domain.TierFailure(nil), task.Attempts...)
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) OpenManualTask(_ context.Context, tuple domain.Tuple) (*domain.ManualFallbackTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, task := range s.tasks {
		if task.State == domain.TaskOpen && task.Tuple() == tuple {
			return &task, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ResolveManualTask(_ context.Context, id, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return errors.Mark(errors.Newf("manual task %s", id), errors.ErrNotFound)
	}
	if task.State == domain.TaskResolved {
		return nil
	}
	task.State = domain.TaskResolved
	task.ResolvedBy = resolvedBy
	task.ResolvedAt = at
	s.tasks[id] = task
	return nil
}

// ManualTasks returns every task ordered by creation time.
func (s *MemoryStore) ManualTasks() []domain.ManualFallbackTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ManualFallbackTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) PatchSourceStatus(_ context.Context, _ string, sourceID string, status domain.SourceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sourceID] = status
	return nil
}

func (s *MemoryStore) SourceStatuses(_ context.Context) (map[string]domain.SourceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.SourceStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Patterns(_ context.Context, orgID string) ([]domain.URLPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.URLPattern(nil), s.patterns[orgID]...), nil
}

func (s *MemoryStore) PutPatterns(_ context.Context, orgID string, patterns []domain.URLPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[orgID] = append([]domain.URLPattern(nil), patterns...)
	return nil
}

func (s *MemoryStore) PutCandidates(_ context.Context, candidates []domain.CandidateReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range candidates {
		if _, ok := s.candidates[c.ID]; ok {
			continue
		}
		if c.State == "" {
			c.State = domain.CandidatePending
		}
		s.candidates[c.ID] = c
	}
	return nil
}

// ClaimCandidates moves up to limit pending candidates, oldest first, to claimed.
func (s *MemoryStore) ClaimCandidates(_ context.Context, limit int) ([]domain.CandidateReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []domain.CandidateReference
	for _, c := range s.candidates {
		if c.State == domain.CandidatePending {
			pending = append(pending, c)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].DiscoveredAt.Equal(pending[j].DiscoveredAt) {
			return pending[i].DiscoveredAt.Before(pending[j].DiscoveredAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	for i := range pending {
		pending[i].State = domain.CandidateClaimed
		s.candidates[pending[i].ID] = pending[i]
	}
	return pending, nil
}

// CompleteCandidate sets the final state of a claimed candidate. Completing
// with CandidatePending releases the claim.
func (s *MemoryStore) CompleteCandidate(_ context.Context, id string, state domain.CandidateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[id]
	if !ok {
		return errors.Mark(errors.Newf("candidate %s", id), errors.ErrNotFound)
	}
	c.State = state
	s.candidates[id] = c
	return nil
}

func (s *MemoryStore) ExpireCandidates(_ context.Context, discoveredBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.candidates {
		if c.State == domain.CandidatePending && c.DiscoveredAt.Before(discoveredBefore) {
			c.State = domain.CandidateExpired
			s.candidates[id] = c
			n++
		}
	}
	return n, nil
}

// Candidates returns every candidate in discovery order.
func (s *MemoryStore) Candidates() []domain.CandidateReference {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CandidateReference, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveredAt.Before(out[j].DiscoveredAt) })
	return out
}
