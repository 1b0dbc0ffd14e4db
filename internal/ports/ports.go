package ports

import (
	"context"
	"time"

	"ReportHarvester/internal/domain"
)

// OrganizationLister is the read accessor of the Source Registry.
type OrganizationLister interface {
	List() []domain.Organization
}

// DocumentStore persists Document Records. PutDocument returns an error
// marked errors.ErrDuplicate when (OrgID, Fingerprint) already exists.
// DocumentByFingerprint returns nil without error when nothing matches.
type DocumentStore interface {
	PutDocument(ctx context.Context, doc domain.DocumentRecord) error
	DocumentByFingerprint(ctx context.Context, orgID, fingerprint string) (*domain.DocumentRecord, error)
	HasDocument(ctx context.Context, tuple domain.Tuple) (bool, error)
}

// ManualTaskStore persists Manual Fallback Tasks. OpenManualTask returns nil
// without error when the tuple has no open task.
type ManualTaskStore interface {
	PutManualTask(ctx context.Context, task domain.ManualFallbackTask) error
	OpenManualTask(ctx context.Context, tuple domain.Tuple) (*domain.ManualFallbackTask, error)
	ResolveManualTask(ctx context.Context, id, resolvedBy string, at time.Time) error
}

// SourceStatusStore persists Source operational status.
type SourceStatusStore interface {
	PatchSourceStatus(ctx context.Context, orgID, sourceID string, status domain.SourceStatus) error
	SourceStatuses(ctx context.Context) (map[string]domain.SourceStatus, error)
}

// PatternStore persists learned URL patterns per organization.
type PatternStore interface {
	Patterns(ctx context.Context, orgID string) ([]domain.URLPattern, error)
	PutPatterns(ctx context.Context, orgID string, patterns []domain.URLPattern) error
}

// CandidateStore persists Candidate References until they are consumed or expire.
type CandidateStore interface {
	PutCandidates(ctx context.Context, candidates []domain.CandidateReference) error
	ClaimCandidates(ctx context.Context, limit int) ([]domain.CandidateReference, error)
	CompleteCandidate(ctx context.Context, id string, state domain.CandidateState) error
	ExpireCandidates(ctx context.Context, discoveredBefore time.Time) (int, error)
}

// Store is the full persistence collaborator.
type Store interface {
	DocumentStore
	ManualTaskStore
	SourceStatusStore
	PatternStore
	CandidateStore
}

// PathResolver maps a document to its canonical storage key.
type PathResolver interface {
	Resolve(org domain.Organization, docType domain.DocumentType, year int, fingerprint, ext string) string
}

// ObjectWriter writes document bytes at a resolved key.
type ObjectWriter interface {
	Write(ctx context.Context, path string, data []byte, contentType string) error
}

// ObjectStorage is the storage-path collaborator.
type ObjectStorage interface {
	PathResolver
	ObjectWriter
}

// Renderer returns the fully resolved HTML of a page that needs script execution.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Notifier receives manual fallback events. Callers never abort on its errors.
type Notifier interface {
	NotifyManualTask(ctx context.Context, task domain.ManualFallbackTask) error
}

// Alerter receives system-level alerts.
type Alerter interface {
	Alert(ctx context.Context, message string) error
}

// FetchResult is the body and metadata of a successful GET.
type FetchResult struct {
	URL         string
	Body        []byte
	ContentType string
	StatusCode  int
}

// Fetcher performs a single HTTP GET. Errors are marked transient or permanent.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// TTLSet is a set whose members expire. Add reports whether key was newly added.
type TTLSet interface {
	Add(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Contains(ctx context.Context, key string) (bool, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Job is a named recurring unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs registered jobs on their intervals without overlapping
// executions of the same job. Stop waits for running jobs to return.
type Scheduler interface {
	Register(job Job) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
