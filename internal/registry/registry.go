// Package registry holds the organizations being tracked, their sources and
// the mutable health of each source.
package registry

import (
	"sort"
	"sync"
	"time"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

type entry struct {
	mu       sync.Mutex
	org      domain.Organization
	expected []domain.ExpectedReport
}

// Registry is the Source Registry. Structure changes (reload) take the
// registry lock; status and expectation updates lock only the organization.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

var _ ports.OrganizationLister = (*Registry)(nil)

// New builds a registry over orgs.
func New(orgs []domain.Organization) *Registry {
	r := &Registry{entries: make(map[string]*entry, len(orgs))}
	for _, org := range orgs {
		r.entries[org.ID] = &entry{org: cloneOrg(org)}
	}
	return r
}

// List returns a snapshot of all organizations ordered by ID.
func (r *Registry) List() []domain.Organization {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Organization, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, cloneOrg(e.org))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a snapshot of one organization.
func (r *Registry) Get(orgID string) (domain.Organization, bool) {
	e := r.lookup(orgID)
	if e == nil {
		return domain.Organization{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneOrg(e.org), true
}

// UpdateSourceStatus applies fn to the status of one source and returns the result.
func (r *Registry) UpdateSourceStatus(orgID, sourceID string, fn func(*domain.SourceStatus)) (domain.SourceStatus, error) {
	e := r.lookup(orgID)
	if e == nil {
		return domain.SourceStatus{}, errors.Wrapf(errors.ErrNotFound, "organization %s", orgID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.org.Sources {
		if e.org.Sources[i].ID == sourceID {
			fn(&e.org.Sources[i].Status)
			return e.org.Sources[i].Status, nil
		}
	}
	return domain.SourceStatus{}, errors.Wrapf(errors.ErrNotFound, "source %s of %s", sourceID, orgID)
}

// ApplyStatuses restores persisted statuses keyed by source ID.
func (r *Registry) ApplyStatuses(statuses map[string]domain.SourceStatus) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		e.mu.Lock()
		for i := range e.org.Sources {
			if st, ok := statuses[e.org.Sources[i].ID]; ok {
				e.org.Sources[i].Status = st
			}
		}
		e.mu.Unlock()
	}
}

// Replace swaps in a freshly loaded organization set. Source status and
// expected reports survive for organizations and sources that still exist.
func (r *Registry) Replace(orgs []domain.Organization) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*entry, len(orgs))
	for _, org := range orgs {
		org = cloneOrg(org)
		var expected []domain.ExpectedReport
		if prev, ok := r.entries[org.ID]; ok {
			prev.mu.Lock()
			statuses := make(map[string]domain.SourceStatus, len(prev.org.Sources))
			for _, s := range prev.org.Sources {
				statuses[s.ID] = s.Status
			}
			expected = prev.expected
			prev.mu.Unlock()
			for i := range org.Sources {
				if st, ok := statuses[org.Sources[i].ID]; ok {
					org.Sources[i].Status = st
				}
			}
		}
		next[org.ID] = &entry{org: org, expected: expected}
	}
	r.entries = next
}

// SetExpected replaces the calendar hints one source contributed to an
// organization; hints from its other sources are kept.
func (r *Registry) SetExpected(orgID, sourceID string, reports []domain.ExpectedReport) {
	e := r.lookup(orgID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := make([]domain.ExpectedReport, 0, len(e.expected)+len(reports))
	for _, exp := range e.expected {
		if exp.SourceID != sourceID {
			merged = append(merged, exp)
		}
	}
	for _, exp := range reports {
		exp.SourceID = sourceID
		merged = append(merged, exp)
	}
	e.expected = merged
}

// Expected returns the calendar hints of one organization.
func (r *Registry) Expected(orgID string) []domain.ExpectedReport {
	e := r.lookup(orgID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ExpectedReport(nil), e.expected...)
}

// Boosted lists organizations with an expected report within window of now.
func (r *Registry) Boosted(now time.Time, window time.Duration) []string {
	var ids []string
	for _, org := range r.List() {
		for _, exp := range r.Expected(org.ID) {
			if exp.Date.After(now.Add(-window)) && exp.Date.Before(now.Add(window)) {
				ids = append(ids, org.ID)
				break
			}
		}
	}
	return ids
}

// Due lists expected reports whose date lies in (now-lookback, now].
func (r *Registry) Due(now time.Time, lookback time.Duration) []domain.ExpectedReport {
	var due []domain.ExpectedReport
	for _, org := range r.List() {
		for _, exp := range r.Expected(org.ID) {
			if !exp.Date.After(now) && exp.Date.After(now.Add(-lookback)) {
				due = append(due, exp)
			}
		}
	}
	return due
}

func (r *Registry) lookup(orgID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[orgID]
}

func cloneOrg(org domain.Organization) domain.Organization {
	sources := make([]domain.Source, len(org.Sources))
	for i, s := range org.Sources {
		if s.Selectors != nil {
			sel := make(map[string]string, len(s.Selectors))
			for k, v := range s.Selectors {
				sel[k] = v
			}
			s.Selectors = sel
		}
		sources[i] = s
	}
	org.Sources = sources
	return org
}
