package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/pattern"
	"ReportHarvester/internal/ports"
)

const (
	defaultMaxAttempts   = 3
	defaultBackoffBase   = time.Second
	defaultBackoffFactor = 2.0

	deadlineAfterExpected = 2 * 24 * time.Hour
	deadlineAfterCreated  = 3 * 24 * time.Hour
)

// Predictor is the Pattern Learner as seen by the orchestrator.
type Predictor interface {
	Predict(ctx context.Context, org domain.Organization, docType domain.DocumentType, year int) []pattern.Prediction
	Record(ctx context.Context, org domain.Organization, docType domain.DocumentType, year int, url string, success bool) error
}

// LinkFinder extracts the links for a tuple from a rendered page.
type LinkFinder interface {
	FindDocumentLinks(html string, source domain.Source, tuple domain.Tuple) []string
}

// RetryPolicy bounds retries of transient fetch failures for one URL.
type RetryPolicy struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
}

// Delay returns the wait before attempt n+1, n starting at 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	return time.Duration(float64(p.BackoffBase) * math.Pow(p.BackoffFactor, float64(n-1)))
}

// OrchestratorDeps wires the collaborators of the Download Orchestrator.
// Renderer, Links and Notifier are optional.
type OrchestratorDeps struct {
	Fetcher   ports.Fetcher
	Renderer  ports.Renderer
	Links     LinkFinder
	Learner   Predictor
	Documents ports.DocumentStore
	Tasks     ports.ManualTaskStore
	Objects   ports.ObjectStorage
	Notifier  ports.Notifier
	Clock     ports.Clock
	Retry     RetryPolicy
	Validator Validator
	Logger    *slog.Logger
}

// AcquireRequest names the tuple to acquire and the discovered URLs for it.
type AcquireRequest struct {
	Org          domain.Organization
	Type         domain.DocumentType
	Year         int
	Candidates   []string
	ExpectedDate time.Time
}

// Tuple returns the acquisition target.
func (r AcquireRequest) Tuple() domain.Tuple {
	return domain.Tuple{OrgID: r.Org.ID, Type: r.Type, Year: r.Year}
}

// Outcome is the terminal result of an acquisition: exactly one of Document
// and Task is set. Existing marks a record or task that was already stored.
type Outcome struct {
	Document *domain.DocumentRecord
	Task     *domain.ManualFallbackTask
	Existing bool
}

// Orchestrator acquires documents through strictly ordered tiers and falls
// back to a manual task when every tier is exhausted.
type Orchestrator struct {
	deps   OrchestratorDeps
	flight singleflight.Group
	logger *slog.Logger
}

// NewOrchestrator applies defaults to deps.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry.MaxAttempts = defaultMaxAttempts
	}
	if deps.Retry.BackoffBase <= 0 {
		deps.Retry.BackoffBase = defaultBackoffBase
	}
	if deps.Retry.BackoffFactor < 1 {
		deps.Retry.BackoffFactor = defaultBackoffFactor
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{deps: deps, logger: logger}
}

// Acquire runs one acquisition for the tuple. Concurrent calls with the same
// flight key share the in-flight attempt and its result. A caller that joined
// an attempt cancelled by its starter runs a fresh one while its own context
// is live. Per-URL failures never surface as errors; an error means the
// attempt did not complete (store failure or cancellation) and nothing partial
// was persisted.
func (o *Orchestrator) Acquire(ctx context.Context, req AcquireRequest) (Outcome, error) {
	key := flightKey(req)
	for {
		var started bool
		ch := o.flight.DoChan(key, func() (interface{}, error) {
			started = true
			return o.acquire(ctx, req)
		})

		select {
		case <-ctx.Done():
			return Outcome{}, errors.Wrapf(ctx.Err(), "acquire %s", key)
		case res := <-ch:
			if res.Err != nil {
				if !started && ctx.Err() == nil && errors.IsAny(res.Err, context.Canceled, context.DeadlineExceeded) {
					o.logger.Debug("shared attempt cancelled, retrying", "key", key)
					continue
				}
				return Outcome{}, res.Err
			}
			return res.Val.(Outcome), nil
		}
	}
}

type attempt struct {
	req       AcquireRequest
	tuple     domain.Tuple
	format    string
	tried     map[string]struct{}
	triedList []string
	failures  []domain.TierFailure
}

func (a *attempt) seen(url string) bool {
	_, ok := a.tried[url]
	return ok
}

func (a *attempt) mark(url string) {
	a.tried[url] = struct{}{}
	a.triedList = append(a.triedList, url)
}

func (a *attempt) fail(tier domain.Tier, url string, err error) {
	a.failures = append(a.failures, domain.TierFailure{
		Tier:   tier,
		URL:    url,
		Class:  errors.Class(err),
		Reason: err.Error(),
	})
}

func (o *Orchestrator) acquire(ctx context.Context, req AcquireRequest) (Outcome, error) {
	a := &attempt{
		req:    req,
		tuple:  req.Tuple(),
		format: documentFormat(req.Org),
		tried:  make(map[string]struct{}),
	}
	log := o.logger.With("tuple", a.tuple.String())

	// Tier 1: discovered candidates first, then predictions by confidence.
	var tier1 []directURL
	for _, u := range req.Candidates {
		tier1 = append(tier1, directURL{url: strings.TrimSpace(u), method: domain.MethodTier1Candidate})
	}
	if o.deps.Learner != nil {
		for _, p := range o.deps.Learner.Predict(ctx, req.Org, req.Type, req.Year) {
			tier1 = append(tier1, directURL{url: p.URL, method: domain.MethodTier1Pattern})
		}
	}
	if out, done, err := o.tryDirect(ctx, a, domain.TierDirect, tier1); done || err != nil {
		return out, err
	}

	// Tier 2 starts only once tier 1 is exhausted.
	if out, done, err := o.tryRendered(ctx, a); done || err != nil {
		return out, err
	}

	log.Info("all tiers exhausted", "attempted", len(a.triedList))
	return o.escalate(ctx, a)
}

type directURL struct {
	url    string
	method domain.Method
}

func (o *Orchestrator) tryDirect(ctx context.Context, a *attempt, tier domain.Tier, urls []directURL) (Outcome, bool, error) {
	for _, u := range urls {
		if u.url == "" || a.seen(u.url) {
			continue
		}
		a.mark(u.url)

		res, err := o.fetchWithRetry(ctx, u.url)
		if ctx.Err() != nil {
			return Outcome{}, false, errors.Wrap(ctx.Err(), "acquisition cancelled")
		}
		if err != nil {
			o.logger.Debug("fetch failed", "url", u.url, "class", errors.Class(err), "error", err)
			a.fail(tier, u.url, err)
			continue
		}

		out, err := o.finalize(ctx, a, u.url, u.method, res.Body)
		if errors.Is(err, errors.ErrValidation) {
			o.logger.Debug("validation failed", "url", u.url, "error", err)
			a.fail(tier, u.url, err)
			continue
		}
		if err != nil {
			return Outcome{}, false, err
		}
		return out, true, nil
	}
	return Outcome{}, false, nil
}

func (o *Orchestrator) tryRendered(ctx context.Context, a *attempt) (Outcome, bool, error) {
	if o.deps.Renderer == nil || o.deps.Links == nil {
		return Outcome{}, false, nil
	}
	for _, src := range a.req.Org.SourcesOf(domain.SourceRenderedScrape) {
		html, err := o.renderWithRetry(ctx, src.URL)
		if ctx.Err() != nil {
			return Outcome{}, false, errors.Wrap(ctx.Err(), "acquisition cancelled")
		}
		if err != nil {
			a.fail(domain.TierRendered, src.URL, err)
			continue
		}

		var urls []directURL
		for _, link := range o.deps.Links.FindDocumentLinks(html, src, a.tuple) {
			urls = append(urls, directURL{url: link, method: domain.MethodTier2Rendered})
		}
		if len(urls) == 0 {
			a.fail(domain.TierRendered, src.URL, errors.Permanent(errors.New("no document link for period on rendered page")))
			continue
		}
		if out, done, err := o.tryDirect(ctx, a, domain.TierRendered, urls); done || err != nil {
			return out, done, err
		}
	}
	return Outcome{}, false, nil
}

// finalize validates body, deduplicates by fingerprint, writes the object
// and persists the record. Validation errors are returned marked; anything
// else that fails is a store error.
func (o *Orchestrator) finalize(ctx context.Context, a *attempt, url string, method domain.Method, body []byte) (Outcome, error) {
	v, err := o.deps.Validator.Validate(body, a.req.Type, a.format)
	if err != nil {
		return Outcome{}, err
	}

	existing, err := o.deps.Documents.DocumentByFingerprint(ctx, a.tuple.OrgID, v.Fingerprint)
	if err != nil {
		return Outcome{}, errors.Store(errors.Wrap(err, "look up fingerprint"))
	}
	if existing != nil {
		o.logger.Info("identical document already stored", "tuple", a.tuple.String(), "document", existing.ID, "url", url)
		o.recordSuccess(ctx, a, url)
		return Outcome{Document: existing, Existing: true}, nil
	}

	key := o.deps.Objects.Resolve(a.req.Org, a.req.Type, a.req.Year, v.Fingerprint, v.Format)
	if err := ctx.Err(); err != nil {
		return Outcome{}, errors.Wrap(err, "acquisition cancelled")
	}
	if err := o.deps.Objects.Write(ctx, key, body, v.ContentType); err != nil {
		return Outcome{}, errors.Store(errors.Wrapf(err, "write %s", key))
	}

	record := domain.DocumentRecord{
		ID:          uuid.NewString(),
		OrgID:       a.tuple.OrgID,
		Type:        a.req.Type,
		Year:        a.req.Year,
		StoragePath: key,
		Fingerprint: v.Fingerprint,
		SourceURL:   url,
		Method:      method,
		SizeBytes:   int64(len(body)),
		AcquiredAt:  o.deps.Clock.Now(),
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, errors.Wrap(err, "acquisition cancelled")
	}
	if err := o.deps.Documents.PutDocument(ctx, record); err != nil {
		if !errors.Is(err, errors.ErrDuplicate) {
			return Outcome{}, errors.Store(errors.Wrap(err, "put document"))
		}
		existing, lookupErr := o.deps.Documents.DocumentByFingerprint(ctx, a.tuple.OrgID, v.Fingerprint)
		if lookupErr != nil || existing == nil {
			return Outcome{}, errors.Store(errors.Wrap(err, "resolve duplicate document"))
		}
		o.recordSuccess(ctx, a, url)
		return Outcome{Document: existing, Existing: true}, nil
	}

	o.logger.Info("document acquired",
		"tuple", a.tuple.String(), "method", method, "url", url, "bytes", record.SizeBytes, "path", key)
	o.recordSuccess(ctx, a, url)
	return Outcome{Document: &record}, nil
}

func (o *Orchestrator) recordSuccess(ctx context.Context, a *attempt, url string) {
	if o.deps.Learner == nil {
		return
	}
	if err := o.deps.Learner.Record(ctx, a.req.Org, a.req.Type, a.req.Year, url, true); err != nil {
		o.logger.Warn("pattern update failed", "tuple", a.tuple.String(), "error", err)
	}
}

// escalate records every attempted URL as failed and opens a manual task
// unless one is already open for the tuple.
func (o *Orchestrator) escalate(ctx context.Context, a *attempt) (Outcome, error) {
	if o.deps.Learner != nil {
		for _, u := range a.triedList {
			if err := o.deps.Learner.Record(ctx, a.req.Org, a.req.Type, a.req.Year, u, false); err != nil {
				o.logger.Warn("pattern update failed", "tuple", a.tuple.String(), "error", err)
			}
		}
	}

	open, err := o.deps.Tasks.OpenManualTask(ctx, a.tuple)
	if err != nil {
		return Outcome{}, errors.Store(errors.Wrap(err, "look up open manual task"))
	}
	if open != nil {
		return Outcome{Task: open, Existing: true}, nil
	}

	now := o.deps.Clock.Now()
	task := domain.ManualFallbackTask{
		ID:        uuid.NewString(),
		OrgID:     a.tuple.OrgID,
		Type:      a.req.Type,
		Year:      a.req.Year,
		Attempts:  a.failures,
		State:     domain.TaskOpen,
		Priority:  taskPriority(a.req.Type),
		Deadline:  taskDeadline(a.req.ExpectedDate, now),
		CreatedAt: now,
	}
	task.Instructions = instructions(a.req.Org, task)

	if err := ctx.Err(); err != nil {
		return Outcome{}, errors.Wrap(err, "acquisition cancelled")
	}
	if err := o.deps.Tasks.PutManualTask(ctx, task); err != nil {
		if !errors.Is(err, errors.ErrDuplicate) {
			return Outcome{}, errors.Store(errors.Wrap(err, "put manual task"))
		}
		// Another instance opened a task for the tuple first.
		open, lookupErr := o.deps.Tasks.OpenManualTask(ctx, a.tuple)
		if lookupErr != nil || open == nil {
			return Outcome{}, errors.Store(errors.Wrap(err, "resolve duplicate manual task"))
		}
		return Outcome{Task: open, Existing: true}, nil
	}
	o.logger.Warn("manual fallback task created", "tuple", a.tuple.String(), "task", task.ID, "attempts", len(task.Attempts))

	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.NotifyManualTask(ctx, task); err != nil {
			o.logger.Warn("manual task notification failed", "task", task.ID, "error", err)
		}
	}
	return Outcome{Task: &task}, nil
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, url string) (ports.FetchResult, error) {
	var lastErr error
	for n := 1; n <= o.deps.Retry.MaxAttempts; n++ {
		res, err := o.deps.Fetcher.Fetch(ctx, url)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || n == o.deps.Retry.MaxAttempts {
			break
		}
		if err := o.deps.Clock.Sleep(ctx, o.deps.Retry.Delay(n)); err != nil {
			return ports.FetchResult{}, err
		}
	}
	return ports.FetchResult{}, lastErr
}

func (o *Orchestrator) renderWithRetry(ctx context.Context, url string) (string, error) {
	var lastErr error
	for n := 1; n <= o.deps.Retry.MaxAttempts; n++ {
		html, err := o.deps.Renderer.Render(ctx, url)
		if err == nil {
			return html, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || n == o.deps.Retry.MaxAttempts {
			break
		}
		if err := o.deps.Clock.Sleep(ctx, o.deps.Retry.Delay(n)); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// flightKey is the tuple for period reports. Press releases and other
// documents share a tuple across many distinct documents, so their key also
// carries the first candidate URL; two such attempts may then escalate
// together, and the store keeps one open task per tuple.
func flightKey(req AcquireRequest) string {
	key := req.Tuple().String()
	if !req.Type.IsPeriodReport() && len(req.Candidates) > 0 {
		key += "|" + req.Candidates[0]
	}
	return key
}

// documentFormat is the format declared by the organization's sources, pdf
// when none declares one.
func documentFormat(org domain.Organization) string {
	for _, src := range org.Sources {
		if src.Format != "" && src.Kind != domain.SourceManualOnly {
			return src.Format
		}
	}
	return "pdf"
}

func taskPriority(t domain.DocumentType) string {
	if t.IsPeriodReport() {
		return "urgent"
	}
	return "medium"
}

func taskDeadline(expected, now time.Time) time.Time {
	if !expected.IsZero() {
		return expected.Add(deadlineAfterExpected)
	}
	return now.Add(deadlineAfterCreated)
}

func instructions(org domain.Organization, task domain.ManualFallbackTask) string {
	var b strings.Builder
	name := org.Name
	if name == "" {
		name = org.ID
	}
	fmt.Fprintf(&b, "Download the %s report for %s", domain.PeriodLabel(task.Type, task.Year), name)
	if org.Code != "" {
		fmt.Fprintf(&b, " (%s)", org.Code)
	}
	b.WriteString(" and upload it to the archive.\n")

	if urls := task.AttemptedURLs(); len(urls) > 0 {
		b.WriteString("Automated attempts failed for:\n")
		for _, u := range urls {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}

	var sources []string
	for _, src := range org.Sources {
		if src.URL != "" {
			sources = append(sources, src.URL)
		}
	}
	if len(sources) > 0 {
		b.WriteString("Investor relations sources:\n")
		for _, u := range sources {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}
	if org.ManualOnly() {
		b.WriteString("This organization publishes no machine-readable source; check its website directly.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
