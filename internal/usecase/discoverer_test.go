package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ReportHarvester/internal/clock"
	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/infrastructure/cache"
	"ReportHarvester/internal/infrastructure/storage"
	"ReportHarvester/internal/registry"
	"ReportHarvester/internal/scanner"
)

type scanResult struct {
	result scanner.Result
	err    error
}

type fakeScanner struct {
	kind domain.SourceKind

	mu      sync.Mutex
	results []scanResult
	calls   int
}

func (s *fakeScanner) Kind() domain.SourceKind { return s.kind }

// Scan replays queued results in order; the last one repeats.
func (s *fakeScanner) Scan(ctx context.Context, _ scanner.Request) (scanner.Result, error) {
	if err := ctx.Err(); err != nil {
		return scanner.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return scanner.Result{}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.result, r.err
}

type discovererHarness struct {
	feed     *fakeScanner
	calendar *fakeScanner
	registry *registry.Registry
	store    *storage.MemoryStore
	dedup    *cache.MemorySet
	clock    *clock.Manual
	disc     *Discoverer
}

func newDiscovererHarness(t *testing.T, orgs ...domain.Organization) *discovererHarness {
	t.Helper()
	if len(orgs) == 0 {
		orgs = []domain.Organization{acmeWithCalendar()}
	}
	h := &discovererHarness{
		feed:     &fakeScanner{kind: domain.SourceFeed},
		calendar: &fakeScanner{kind: domain.SourceCalendar},
		registry: registry.New(orgs),
		store:    storage.NewMemoryStore(),
		clock:    clock.NewManual(epoch),
	}
	h.dedup = cache.NewMemorySet(h.clock.Now)
	scanners := scanner.NewRegistry()
	scanners.Register(h.feed)
	scanners.Register(h.calendar)
	h.disc = NewDiscoverer(DiscovererDeps{
		Scanners:   scanners,
		Registry:   h.registry,
		Statuses:   h.store,
		Candidates: h.store,
		Dedup:      h.dedup,
		Clock:      h.clock,
	})
	return h
}

func acmeWithCalendar() domain.Organization {
	org := acme
	org.Sources = append(append([]domain.Source(nil), acme.Sources...),
		domain.Source{ID: "acme-cal", OrgID: "acme", Kind: domain.SourceCalendar, Priority: 1, URL: "https://acme.se/calendar"})
	return org
}

func feedEntries(urls ...string) scanResult {
	var r scanner.Result
	for _, u := range urls {
		r.Entries = append(r.Entries, scanner.Entry{Type: domain.TypeQ2, Year: 2025, URL: u, Title: "Delårsrapport Q2 2025"})
	}
	return scanResult{result: r}
}

func (h *discovererHarness) source(t *testing.T, id string) (domain.Organization, domain.Source) {
	t.Helper()
	org, ok := h.registry.Get("acme")
	require.True(t, ok)
	for _, s := range org.Sources {
		if s.ID == id {
			return org, s
		}
	}
	t.Fatalf("no source %s", id)
	return org, domain.Source{}
}

func TestDiscoverEmitsCandidates(t *testing.T) {
	t.Parallel()

	h := newDiscovererHarness(t)
	h.feed.results = []scanResult{feedEntries("https://acme.se/q2.pdf", "https://acme.se/q2-en.pdf")}
	org, src := h.source(t, "acme-feed")

	got, err := h.disc.Discover(context.Background(), org, src)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, domain.CandidatePending, c.State)
		assert.Equal(t, "Q2 2025", c.PeriodLabel)
		assert.Equal(t, "acme-feed", c.SourceID)
		assert.Equal(t, epoch, c.DiscoveredAt)
		assert.NotEmpty(t, c.ID)
	}
	assert.Len(t, h.store.Candidates(), 2)

	org, src = h.source(t, "acme-feed")
	assert.Equal(t, domain.HealthHealthy, src.Status.Health)
	assert.Equal(t, epoch, src.Status.LastSuccess)
}

func TestDiscoverDeduplicatesWithinWindow(t *testing.T) {
	t.Parallel()

	h := newDiscovererHarness(t)
	h.feed.results = []scanResult{feedEntries("https://acme.se/q2.pdf")}
	org, src := h.source(t, "acme-feed")
	ctx := context.Background()

	first, err := h.disc.Discover(ctx, org, src)
	require.NoError(t, err)
	require.Len(t, first, 1)

	h.feed.results = []scanResult{feedEntries("https://ACME.se/q2.pdf/?utm_source=rss#top")}
	again, err := h.disc.Discover(ctx, org, src)
	require.NoError(t, err)
	assert.Empty(t, again, "the same document is not emitted twice")
	assert.Len(t, h.store.Candidates(), 1)

	h.clock.Advance(8 * 24 * time.Hour)
	later, err := h.disc.Discover(ctx, org, src)
	require.NoError(t, err)
	assert.Len(t, later, 1, "the window has passed")
}

func TestDiscoverFailuresDegradeSource(t *testing.T) {
	t.Parallel()

	h := newDiscovererHarness(t)
	h.feed.results = []scanResult{{err: errors.Transient(errors.New("503"))}}
	ctx := context.Background()

	for i := 0; i < domain.DegradedAfter; i++ {
		org, src := h.source(t, "acme-feed")
		_, err := h.disc.Discover(ctx, org, src)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTransientFetch))
		h.clock.Advance(time.Hour)
	}

	_, src := h.source(t, "acme-feed")
	assert.Equal(t, domain.HealthDegraded, src.Status.Health)
	assert.Equal(t, domain.DegradedAfter, src.Status.Failures)
	assert.Contains(t, src.Status.LastError, "transient")

	persisted, err := h.store.SourceStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthDegraded, persisted["acme-feed"].Health)

	h.feed.results = []scanResult{feedEntries("https://acme.se/q2.pdf")}
	org, src := h.source(t, "acme-feed")
	_, err = h.disc.Discover(ctx, org, src)
	require.NoError(t, err)
	_, src = h.source(t, "acme-feed")
	assert.Equal(t, domain.HealthHealthy, src.Status.Health)
	assert.Zero(t, src.Status.Failures)
}

func TestDiscoverCancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	h := newDiscovererHarness(t)
	org, src := h.source(t, "acme-feed")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.disc.Discover(ctx, org, src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, src = h.source(t, "acme-feed")
	assert.Zero(t, src.Status.Failures)
	assert.Empty(t, h.store.Candidates())
}

func TestDiscoverCalendarSetsExpectedReports(t *testing.T) {
	t.Parallel()

	h := newDiscovererHarness(t)
	release := time.Date(2025, time.July, 20, 0, 0, 0, 0, time.UTC)
	h.calendar.results = []scanResult{{result: scanner.Result{
		Events: []scanner.Event{{Type: domain.TypeQ2, Year: 2025, Date: release, Title: "Delårsrapport januari-juni"}},
	}}}
	org, src := h.source(t, "acme-cal")

	got, err := h.disc.Discover(context.Background(), org, src)
	require.NoError(t, err)
	assert.Empty(t, got)

	expected := h.registry.Expected("acme")
	require.Len(t, expected, 1)
	assert.Equal(t, domain.TypeQ2, expected[0].Type)
	assert.Equal(t, "acme-cal", expected[0].SourceID)
	assert.Equal(t, release, expected[0].Date)
	assert.Equal(t, []string{"acme"}, h.registry.Boosted(h.clock.Now(), 48*time.Hour))
}

func TestDiscoverUnknownKind(t *testing.T) {
	t.Parallel()

	h := newDiscovererHarness(t)
	org, _ := h.source(t, "acme-feed")
	_, err := h.disc.Discover(context.Background(), org, domain.Source{ID: "x", Kind: domain.SourceRenderedScrape})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMisconfigured))
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Acme.SE/r/q2.pdf":               "https://acme.se/r/q2.pdf",
		"https://acme.se/r/q2.pdf#page=2":        "https://acme.se/r/q2.pdf",
		"https://acme.se/r/?utm_source=x&id=7":   "https://acme.se/r?id=7",
		" https://acme.se/r/q2.pdf/ ":            "https://acme.se/r/q2.pdf",
		"https://acme.se/":                       "https://acme.se/",
		"https://acme.se/r/q2.pdf?utm_medium=rs": "https://acme.se/r/q2.pdf",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}
