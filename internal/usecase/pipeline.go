package usecase

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

const releaseTimeout = 5 * time.Second

// OrganizationDirectory is the read side of the Source Registry used by the
// scheduled passes.
type OrganizationDirectory interface {
	ports.OrganizationLister
	Get(orgID string) (domain.Organization, bool)
	Boosted(now time.Time, window time.Duration) []string
	Due(now time.Time, lookback time.Duration) []domain.ExpectedReport
}

// PipelineDeps wires the passes the scheduler runs.
type PipelineDeps struct {
	Directory    OrganizationDirectory
	Discoverer   *Discoverer
	Orchestrator *Orchestrator
	Candidates   ports.CandidateStore
	Documents    ports.DocumentStore
	Clock        ports.Clock
	Logger       *slog.Logger
	Parallelism  int
	DrainBatch   int
	CandidateTTL time.Duration
	BoostWindow  time.Duration
	DueLookback  time.Duration
}

// Pipeline implements the scheduled discovery and acquisition passes. Each
// pass absorbs per-source and per-URL failures; it returns an error only when
// the store failed or the context was cancelled.
type Pipeline struct {
	directory    OrganizationDirectory
	discoverer   *Discoverer
	orchestrator *Orchestrator
	candidates   ports.CandidateStore
	documents    ports.DocumentStore
	clock        ports.Clock
	logger       *slog.Logger
	parallelism  int
	drainBatch   int
	candidateTTL time.Duration
	boostWindow  time.Duration
	dueLookback  time.Duration
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		directory:    deps.Directory,
		discoverer:   deps.Discoverer,
		orchestrator: deps.Orchestrator,
		candidates:   deps.Candidates,
		documents:    deps.Documents,
		clock:        deps.Clock,
		logger:       deps.Logger,
		parallelism:  deps.Parallelism,
		drainBatch:   deps.DrainBatch,
		candidateTTL: deps.CandidateTTL,
		boostWindow:  deps.BoostWindow,
		dueLookback:  deps.DueLookback,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p.parallelism <= 0 {
		p.parallelism = 4
	}
	if p.drainBatch <= 0 {
		p.drainBatch = 20
	}
	if p.boostWindow <= 0 {
		p.boostWindow = 48 * time.Hour
	}
	if p.dueLookback <= 0 {
		p.dueLookback = 7 * 24 * time.Hour
	}
	return p
}

type target struct {
	org    domain.Organization
	source domain.Source
}

// DiscoverRank polls the feed sources of one priority rank. When last is
// set, every lower rank is included as well.
func (p *Pipeline) DiscoverRank(ctx context.Context, rank int, last bool) error {
	var targets []target
	for _, org := range p.directory.List() {
		for _, src := range org.SourcesOf(domain.SourceFeed) {
			if src.Priority == rank || (last && src.Priority > rank) {
				targets = append(targets, target{org: org, source: src})
			}
		}
	}
	return p.discoverAll(ctx, targets)
}

// RefreshCalendars re-reads every calendar page.
func (p *Pipeline) RefreshCalendars(ctx context.Context) error {
	var targets []target
	for _, org := range p.directory.List() {
		for _, src := range org.SourcesOf(domain.SourceCalendar) {
			targets = append(targets, target{org: org, source: src})
		}
	}
	return p.discoverAll(ctx, targets)
}

// DiscoverBoosted polls the feeds of organizations with a report expected
// around now.
func (p *Pipeline) DiscoverBoosted(ctx context.Context) error {
	var targets []target
	for _, id := range p.directory.Boosted(p.clock.Now(), p.boostWindow) {
		org, ok := p.directory.Get(id)
		if !ok {
			continue
		}
		for _, src := range org.SourcesOf(domain.SourceFeed) {
			targets = append(targets, target{org: org, source: src})
		}
	}
	if len(targets) > 0 {
		p.logger.Debug("boosted discovery", "sources", len(targets))
	}
	return p.discoverAll(ctx, targets)
}

func (p *Pipeline) discoverAll(ctx context.Context, targets []target) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			_, err := p.discoverer.Discover(gctx, t.org, t.source)
			if err == nil {
				return nil
			}
			if errors.Is(err, errors.ErrStore) || gctx.Err() != nil {
				return err
			}
			p.logger.Debug("discovery failed", "org", t.org.ID, "source", t.source.ID, "class", errors.Class(err))
			return nil
		})
	}
	return g.Wait()
}

// Drain expires stale candidates, then claims a batch and acquires it.
// Candidates for the same period report are acquired together; a failed
// acquisition releases its claim for the next pass.
func (p *Pipeline) Drain(ctx context.Context) error {
	now := p.clock.Now()
	if p.candidateTTL > 0 {
		n, err := p.candidates.ExpireCandidates(ctx, now.Add(-p.candidateTTL))
		if err != nil {
			return errors.Store(errors.Wrap(err, "expire candidates"))
		}
		if n > 0 {
			p.logger.Info("candidates expired", "count", n)
		}
	}

	batch, err := p.candidates.ClaimCandidates(ctx, p.drainBatch)
	if err != nil {
		return errors.Store(errors.Wrap(err, "claim candidates"))
	}
	if len(batch) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]domain.CandidateReference)
	for _, c := range batch {
		key := c.Tuple().String()
		if !c.Type.IsPeriodReport() {
			key += "|" + c.URL
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, key := range order {
		cands := groups[key]
		g.Go(func() error {
			return p.drainGroup(gctx, cands)
		})
	}
	return g.Wait()
}

func (p *Pipeline) drainGroup(ctx context.Context, cands []domain.CandidateReference) error {
	first := cands[0]
	tuple := first.Tuple()

	org, ok := p.directory.Get(first.OrgID)
	if !ok {
		return p.complete(ctx, cands, domain.CandidateExpired)
	}

	if first.Type.IsPeriodReport() {
		has, err := p.documents.HasDocument(ctx, tuple)
		if err != nil {
			p.release(ctx, cands)
			return errors.Store(errors.Wrap(err, "check existing document"))
		}
		if has {
			return p.complete(ctx, cands, domain.CandidateConsumed)
		}
	}

	urls := make([]string, 0, len(cands))
	for _, c := range cands {
		urls = append(urls, c.URL)
	}
	out, err := p.orchestrator.Acquire(ctx, AcquireRequest{Org: org, Type: first.Type, Year: first.Year, Candidates: urls})
	if err != nil {
		p.release(ctx, cands)
		return err
	}
	if out.Task != nil && !out.Existing {
		p.logger.Info("candidate escalated", "tuple", tuple.String(), "task", out.Task.ID)
	}
	return p.complete(ctx, cands, domain.CandidateConsumed)
}

func (p *Pipeline) complete(ctx context.Context, cands []domain.CandidateReference, state domain.CandidateState) error {
	for _, c := range cands {
		if err := p.candidates.CompleteCandidate(ctx, c.ID, state); err != nil {
			return errors.Store(errors.Wrapf(err, "complete candidate %s", c.ID))
		}
	}
	return nil
}

// release returns claimed candidates to pending, even during shutdown.
func (p *Pipeline) release(ctx context.Context, cands []domain.CandidateReference) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	for _, c := range cands {
		if err := p.candidates.CompleteCandidate(rctx, c.ID, domain.CandidatePending); err != nil {
			p.logger.Warn("release candidate failed", "candidate", c.ID, "error", err)
		}
	}
}

// SweepExpected acquires reports whose calendar date has passed without a
// document, using predictions only.
func (p *Pipeline) SweepExpected(ctx context.Context) error {
	due := p.directory.Due(p.clock.Now(), p.dueLookback)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, exp := range due {
		exp := exp
		g.Go(func() error {
			tuple := domain.Tuple{OrgID: exp.OrgID, Type: exp.Type, Year: exp.Year}
			has, err := p.documents.HasDocument(gctx, tuple)
			if err != nil {
				return errors.Store(errors.Wrap(err, "check existing document"))
			}
			if has {
				return nil
			}
			org, ok := p.directory.Get(exp.OrgID)
			if !ok {
				return nil
			}
			_, err = p.orchestrator.Acquire(gctx, AcquireRequest{Org: org, Type: exp.Type, Year: exp.Year, ExpectedDate: exp.Date})
			return err
		})
	}
	return g.Wait()
}
