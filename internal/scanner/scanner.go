package scanner

import (
	"context"
	"time"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
)

// Request carries all parameters required to scan one source.
type Request struct {
	Org    domain.Organization
	Source domain.Source
	Now    time.Time
}

// Entry is a source item classified as a document reference.
type Entry struct {
	Type      domain.DocumentType
	Year      int
	URL       string
	Title     string
	Published time.Time
}

// Event is a financial calendar event classified as a report release.
type Event struct {
	Type  domain.DocumentType
	Year  int
	Date  time.Time
	Title string
	URL   string
}

// Result is everything a scan produced. Unclassifiable items are not included.
type Result struct {
	Entries []Entry
	Events  []Event
}

// Scanner captures a single discovery strategy (feed, calendar page, ...).
type Scanner interface {
	Kind() domain.SourceKind
	Scan(ctx context.Context, req Request) (Result, error)
}

// Registry keeps a mapping from source kinds to their implementations.
type Registry struct {
	scanners map[domain.SourceKind]Scanner
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: map[domain.SourceKind]Scanner{}}
}

// Register adds or replaces a scanner implementation.
func (r *Registry) Register(scanner Scanner) {
	if r.scanners == nil {
		r.scanners = map[domain.SourceKind]Scanner{}
	}
	r.scanners[scanner.Kind()] = scanner
}

// Resolve returns a scanner by kind or an error if it is absent.
func (r *Registry) Resolve(kind domain.SourceKind) (Scanner, error) {
	if scanner, ok := r.scanners[kind]; ok {
		return scanner, nil
	}
	return nil, errors.Mark(errors.Newf("scanner for %s sources is not registered", kind), errors.ErrMisconfigured)
}
