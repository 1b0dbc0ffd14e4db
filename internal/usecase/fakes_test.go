package usecase

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ReportHarvester/internal/clock"
	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/infrastructure/cache"
	"ReportHarvester/internal/infrastructure/objectstore"
	"ReportHarvester/internal/infrastructure/parser"
	"ReportHarvester/internal/infrastructure/storage"
	"ReportHarvester/internal/pattern"
	"ReportHarvester/internal/ports"
)

var epoch = time.Date(2025, time.July, 18, 8, 0, 0, 0, time.UTC)

var acme = domain.Organization{
	ID:       "acme",
	Name:     "Acme AB",
	Code:     "ACME",
	Language: "sv",
	Country:  "SE",
	Sources: []domain.Source{
		{ID: "acme-feed", OrgID: "acme", Kind: domain.SourceFeed, Priority: 1, URL: "https://acme.se/feed.xml", Format: "pdf"},
		{ID: "acme-ir", OrgID: "acme", Kind: domain.SourceRenderedScrape, Priority: 2, URL: "https://acme.se/investors", Format: "pdf"},
	},
}

// pdf returns a valid document body; distinct tags yield distinct fingerprints.
func pdf(tag string) []byte {
	body := "%PDF-1.7\n" + tag + "\n"
	return []byte(body + strings.Repeat("x", 2048))
}

type fetchResponse struct {
	body []byte
	err  error
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]fetchResponse
	calls     []string
	gate      chan struct{}
	entered   chan struct{}
	returned  atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string][]fetchResponse{}}
}

func (f *fakeFetcher) serve(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = append(f.responses[url], fetchResponse{body: body})
}

func (f *fakeFetcher) fail(url string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, err := range errs {
		f.responses[url] = append(f.responses[url], fetchResponse{err: err})
	}
}

// Fetch replays the queued responses of url in order; the last one repeats.
// Unknown URLs are 404s.
func (f *fakeFetcher) Fetch(ctx context.Context, url string) (ports.FetchResult, error) {
	defer f.returned.Add(1)

	f.mu.Lock()
	f.calls = append(f.calls, url)
	gate, entered := f.gate, f.entered
	queue := f.responses[url]
	var resp fetchResponse
	switch {
	case len(queue) == 0:
		resp.err = errors.Permanent(errors.Newf("GET %s: 404", url))
	case len(queue) == 1:
		resp = queue[0]
	default:
		resp = queue[0]
		f.responses[url] = queue[1:]
	}
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ports.FetchResult{}, ctx.Err()
		}
	}
	if resp.err != nil {
		return ports.FetchResult{}, resp.err
	}
	return ports.FetchResult{URL: url, Body: resp.body, StatusCode: 200}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRenderer struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
}

func (r *fakeRenderer) Render(_ context.Context, url string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	html, ok := r.pages[url]
	if !ok {
		return "", errors.Permanent(errors.Newf("render %s: 404", url))
	}
	return html, nil
}

func (r *fakeRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeNotifier struct {
	mu    sync.Mutex
	tasks []domain.ManualFallbackTask
	err   error
}

func (n *fakeNotifier) NotifyManualTask(_ context.Context, task domain.ManualFallbackTask) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task)
	return n.err
}

func (n *fakeNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tasks)
}

// failingStore is a memory store whose document writes fail.
type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) PutDocument(context.Context, domain.DocumentRecord) error {
	return errors.New("connection refused")
}

type harness struct {
	fetcher  *fakeFetcher
	renderer *fakeRenderer
	notifier *fakeNotifier
	store    *storage.MemoryStore
	objects  *objectstore.MemoryStore
	clock    *clock.Manual
	learner  *pattern.Learner
	orch     *Orchestrator
}

func newHarness(t *testing.T, mutate ...func(*OrchestratorDeps)) *harness {
	t.Helper()
	h := &harness{
		fetcher:  newFakeFetcher(),
		renderer: &fakeRenderer{pages: map[string]string{}},
		notifier: &fakeNotifier{},
		store:    storage.NewMemoryStore(),
		objects:  objectstore.NewMemoryStore(objectstore.Layout{}),
		clock:    clock.NewManual(epoch),
	}
	h.learner = pattern.NewLearner(h.store, cache.NewMemorySet(h.clock.Now), pattern.Options{Clock: h.clock})
	deps := OrchestratorDeps{
		Fetcher:   h.fetcher,
		Renderer:  h.renderer,
		Links:     parser.LinkFinder{},
		Learner:   h.learner,
		Documents: h.store,
		Tasks:     h.store,
		Objects:   h.objects,
		Notifier:  h.notifier,
		Clock:     h.clock,
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.orch = NewOrchestrator(deps)
	return h
}

func (h *harness) seedPattern(t *testing.T, template, lang string, confidence float64) {
	t.Helper()
	err := h.store.PutPatterns(context.Background(), acme.ID, []domain.URLPattern{{
		ID:         "seed-" + lang,
		OrgID:      acme.ID,
		Family:     "quarterly",
		Template:   template,
		Language:   lang,
		Confidence: confidence,
		Successes:  6,
	}})
	if err != nil {
		t.Fatalf("seed pattern: %v", err)
	}
}

// watchedContext closes watching the first time Done is called, which
// Acquire does only after it has joined or started a flight.
type watchedContext struct {
	context.Context
	once     sync.Once
	watching chan struct{}
}

func newWatchedContext(parent context.Context) *watchedContext {
	return &watchedContext{Context: parent, watching: make(chan struct{})}
}

func (c *watchedContext) Done() <-chan struct{} {
	c.once.Do(func() { close(c.watching) })
	return c.Context.Done()
}

// barrierTasks holds the first n open-task lookups until all n have been
// made, so every caller sees no open task before any of them writes one.
type barrierTasks struct {
	*storage.MemoryStore
	n       int32
	lookups atomic.Int32
	all     chan struct{}
}

func newBarrierTasks(store *storage.MemoryStore, n int32) *barrierTasks {
	return &barrierTasks{MemoryStore: store, n: n, all: make(chan struct{})}
}

func (b *barrierTasks) OpenManualTask(ctx context.Context, tuple domain.Tuple) (*domain.ManualFallbackTask, error) {
	open, err := b.MemoryStore.OpenManualTask(ctx, tuple)
	switch seq := b.lookups.Add(1); {
	case seq < b.n:
		<-b.all
	case seq == b.n:
		close(b.all)
	}
	return open, err
}
