package usecase

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
	"ReportHarvester/internal/scanner"
)

const defaultDedupWindow = 7 * 24 * time.Hour

// SourceRegistry is the mutable part of the Source Registry the discoverer needs.
type SourceRegistry interface {
	UpdateSourceStatus(orgID, sourceID string, fn func(*domain.SourceStatus)) (domain.SourceStatus, error)
	SetExpected(orgID, sourceID string, reports []domain.ExpectedReport)
}

// DiscovererDeps wires the Candidate Discoverer.
type DiscovererDeps struct {
	Scanners    *scanner.Registry
	Registry    SourceRegistry
	Statuses    ports.SourceStatusStore
	Candidates  ports.CandidateStore
	Dedup       ports.TTLSet
	DedupWindow time.Duration
	Clock       ports.Clock
	Logger      *slog.Logger
}

// Discoverer turns source content into Candidate References.
type Discoverer struct {
	deps   DiscovererDeps
	logger *slog.Logger

	locks sync.Map
}

// NewDiscoverer applies defaults to deps.
func NewDiscoverer(deps DiscovererDeps) *Discoverer {
	if deps.DedupWindow <= 0 {
		deps.DedupWindow = defaultDedupWindow
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Discoverer{deps: deps, logger: logger}
}

// Discover scans one source and returns the candidates it had not emitted
// within the dedup window. Fetch and parse failures are returned marked and
// counted against the source; calendar events become expected-report hints.
// Discovery of one organization is serialized.
func (d *Discoverer) Discover(ctx context.Context, org domain.Organization, source domain.Source) ([]domain.CandidateReference, error) {
	sc, err := d.deps.Scanners.Resolve(source.Kind)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrMisconfigured)
	}

	mu := d.lock(org.ID)
	mu.Lock()
	defer mu.Unlock()

	now := d.deps.Clock.Now()
	result, scanErr := sc.Scan(ctx, scanner.Request{Org: org, Source: source, Now: now})
	if scanErr != nil && ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "discovery cancelled")
	}

	if err := d.updateStatus(ctx, org, source, now, scanErr); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, errors.Wrapf(scanErr, "discover %s", source.ID)
	}

	if source.Kind == domain.SourceCalendar && d.deps.Registry != nil {
		expected := make([]domain.ExpectedReport, 0, len(result.Events))
		for _, ev := range result.Events {
			expected = append(expected, domain.ExpectedReport{
				OrgID:    org.ID,
				SourceID: source.ID,
				Type:     ev.Type,
				Year:     ev.Year,
				Date:     ev.Date,
				Title:    ev.Title,
			})
		}
		d.deps.Registry.SetExpected(org.ID, source.ID, expected)
	}

	var (
		candidates []domain.CandidateReference
		keys       []string
	)
	for _, entry := range result.Entries {
		if entry.URL == "" || !entry.Type.Valid() {
			continue
		}
		key := dedupKey(source.ID, entry.URL)
		if d.emitted(ctx, key) {
			continue
		}
		keys = append(keys, key)
		candidates = append(candidates, domain.CandidateReference{
			ID:           uuid.NewString(),
			OrgID:        org.ID,
			Type:         entry.Type,
			Year:         entry.Year,
			PeriodLabel:  domain.PeriodLabel(entry.Type, entry.Year),
			URL:          entry.URL,
			Title:        entry.Title,
			SourceID:     source.ID,
			DiscoveredAt: now,
			State:        domain.CandidatePending,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if d.deps.Candidates != nil {
		if err := d.deps.Candidates.PutCandidates(ctx, candidates); err != nil {
			return nil, errors.Store(errors.Wrap(err, "put candidates"))
		}
	}
	for _, key := range keys {
		if d.deps.Dedup == nil {
			break
		}
		if _, err := d.deps.Dedup.Add(ctx, key, d.deps.DedupWindow); err != nil {
			d.logger.Warn("dedup window update failed", "key", key, "error", err)
		}
	}

	d.logger.Info("candidates discovered", "org", org.ID, "source", source.ID, "count", len(candidates))
	return candidates, nil
}

func (d *Discoverer) updateStatus(ctx context.Context, org domain.Organization, source domain.Source, now time.Time, scanErr error) error {
	if d.deps.Registry == nil {
		return nil
	}
	status, err := d.deps.Registry.UpdateSourceStatus(org.ID, source.ID, func(st *domain.SourceStatus) {
		if scanErr != nil {
			st.RecordFailure(now, errors.Class(scanErr)+": "+truncate(scanErr.Error(), 300))
			return
		}
		st.RecordSuccess(now)
	})
	if err != nil {
		d.logger.Warn("source status update skipped", "org", org.ID, "source", source.ID, "error", err)
		return nil
	}

	if scanErr != nil {
		level := slog.LevelInfo
		if status.Health != domain.HealthHealthy {
			level = slog.LevelWarn
		}
		d.logger.Log(ctx, level, "source scan failed",
			"org", org.ID, "source", source.ID, "health", status.Health, "failures", status.Failures, "error", scanErr)
	}

	if d.deps.Statuses == nil {
		return nil
	}
	if err := d.deps.Statuses.PatchSourceStatus(ctx, org.ID, source.ID, status); err != nil {
		return errors.Store(errors.Wrap(err, "patch source status"))
	}
	return nil
}

func (d *Discoverer) emitted(ctx context.Context, key string) bool {
	if d.deps.Dedup == nil {
		return false
	}
	ok, err := d.deps.Dedup.Contains(ctx, key)
	if err != nil {
		d.logger.Warn("dedup window lookup failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (d *Discoverer) lock(orgID string) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(orgID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func dedupKey(sourceID, rawURL string) string {
	return "disc|" + sourceID + "|" + NormalizeURL(rawURL)
}

// NormalizeURL lowercases scheme and host and drops the fragment, tracking
// parameters and a trailing slash.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
