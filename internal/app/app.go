package app

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"ReportHarvester/internal/clock"
	"ReportHarvester/internal/config"
	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/infrastructure/cache"
	"ReportHarvester/internal/infrastructure/httpfetch"
	"ReportHarvester/internal/infrastructure/objectstore"
	"ReportHarvester/internal/infrastructure/parser"
	"ReportHarvester/internal/infrastructure/render"
	"ReportHarvester/internal/infrastructure/scheduler"
	"ReportHarvester/internal/infrastructure/storage"
	"ReportHarvester/internal/infrastructure/telegram"
	"ReportHarvester/internal/logging"
	"ReportHarvester/internal/pattern"
	"ReportHarvester/internal/ports"
	"ReportHarvester/internal/registry"
	"ReportHarvester/internal/scanner"
	"ReportHarvester/internal/usecase"
)

const (
	redisKeyPrefix = "reportharvester:"
	stopTimeout    = 30 * time.Second
	dueLookback    = 7 * 24 * time.Hour
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	registry  *registry.Registry
	store     ports.Store
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
	closers   []func() error
}

// New connects the configured backends and builds the component graph.
// Postgres, Redis, object storage, rendering and Telegram are optional; an
// unset endpoint selects the in-memory or disabled variant.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	orgs, err := loadOrganizations(cfg)
	if err != nil {
		return nil, err
	}
	a.registry = registry.New(orgs)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	statuses, err := a.store.SourceStatuses(ctx)
	if err != nil {
		a.Close()
		return nil, errors.Store(errors.Wrap(err, "load source statuses"))
	}
	a.registry.ApplyStatuses(statuses)

	sets, err := a.openSets(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	objects, err := a.openObjects(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	clk := clock.System{}
	fetcher := httpfetch.New(httpfetch.Options{
		Timeout:           cfg.Fetch.Timeout.D(),
		UserAgent:         cfg.Fetch.UserAgent,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		Burst:             cfg.Fetch.Burst,
		MaxBytes:          cfg.Fetch.MaxDocumentBytes,
	})

	scanners := scanner.NewRegistry()
	scanners.Register(parser.NewFeedScanner(fetcher, cfg.Discovery.MaxEntryAge.D(), baseLogger.With("component", "scanner.feed")))
	scanners.Register(parser.NewCalendarScanner(fetcher, baseLogger.With("component", "scanner.calendar")))

	var renderer ports.Renderer
	if cfg.Render.Endpoint != "" {
		renderer = render.NewClient(cfg.Render.Endpoint, cfg.Render.APIKey, cfg.Render.Timeout.D())
	}

	var (
		notifier ports.Notifier
		alerter  ports.Alerter
	)
	if tg := cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		n := telegram.NewNotifier(tg.BotToken, tg.ChatID)
		notifier, alerter = n, n
	}

	learner := pattern.NewLearner(a.store, sets, pattern.Options{
		TopK:        cfg.Learner.TopK,
		Variations:  cfg.Learner.Variations,
		NegativeTTL: cfg.Learner.NegativeTTL.D(),
		Clock:       clk,
		Logger:      baseLogger.With("component", "learner"),
	})

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Fetcher:   fetcher,
		Renderer:  renderer,
		Links:     parser.LinkFinder{},
		Learner:   learner,
		Documents: a.store,
		Tasks:     a.store,
		Objects:   objects,
		Notifier:  notifier,
		Clock:     clk,
		Retry: usecase.RetryPolicy{
			MaxAttempts:   cfg.Fetch.MaxAttempts,
			BackoffBase:   cfg.Fetch.BackoffBase.D(),
			BackoffFactor: cfg.Fetch.BackoffFactor,
		},
		Validator: usecase.Validator{MinBytes: cfg.Fetch.MinDocumentBytes},
		Logger:    baseLogger.With("component", "orchestrator"),
	})

	discoverer := usecase.NewDiscoverer(usecase.DiscovererDeps{
		Scanners:    scanners,
		Registry:    a.registry,
		Statuses:    a.store,
		Candidates:  a.store,
		Dedup:       sets,
		DedupWindow: cfg.Discovery.DedupWindow.D(),
		Clock:       clk,
		Logger:      baseLogger.With("component", "discoverer"),
	})

	sc := cfg.Scheduler
	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Directory:    a.registry,
		Discoverer:   discoverer,
		Orchestrator: orchestrator,
		Candidates:   a.store,
		Documents:    a.store,
		Clock:        clk,
		Logger:       baseLogger.With("component", "pipeline"),
		Parallelism:  sc.Parallelism,
		DrainBatch:   sc.DrainBatch,
		CandidateTTL: sc.CandidateTTL.D(),
		BoostWindow:  sc.BoostWindow.D(),
		DueLookback:  dueLookback,
	})

	engine := scheduler.NewEngine(scheduler.Options{
		Clock:      clk,
		Workers:    sc.Workers,
		Tick:       sc.Tick.D(),
		Alerter:    alerter,
		AlertAfter: sc.AlertThreshold,
		Location:   sc.Location(),
		Logger:     baseLogger.With("component", "scheduler"),
	})
	a.scheduler = usecase.NewScheduler(engine, a.pipeline, cadence(sc))

	return a, nil
}

// Run starts the recurring passes and blocks until ctx is cancelled, then
// stops them gracefully.
func (a *Application) Run(ctx context.Context) error {
	defer a.Close()

	if path := a.cfg.Registry.Path; path != "" {
		if err := a.registry.Watch(ctx, path, a.logger.With("component", "registry")); err != nil {
			return err
		}
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	a.logger.Info("report harvester running",
		"organizations", len(a.registry.List()),
		"timezone", a.cfg.Scheduler.Location().String())

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := a.scheduler.Stop(stopCtx); err != nil {
		return errors.Wrap(err, "stop scheduler")
	}
	return nil
}

// Close releases backend connections.
func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *Application) openStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database configured, records are kept in memory")
		a.store = storage.NewMemoryStore()
		return nil
	}
	db, err := sql.Open("postgres", a.cfg.Database.DSN)
	if err != nil {
		return errors.Store(errors.Wrap(err, "open postgres"))
	}
	a.closers = append(a.closers, db.Close)

	repo := storage.NewPostgresRepository(db)
	if err := repo.Ping(ctx); err != nil {
		return errors.Store(err)
	}
	if err := repo.Migrate(ctx); err != nil {
		return errors.Store(err)
	}
	a.store = repo
	return nil
}

func (a *Application) openSets(ctx context.Context) (ports.TTLSet, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return cache.NewMemorySet(time.Now), nil
	}
	set := cache.NewRedisSet(rc.Addr, rc.Password, rc.DB, redisKeyPrefix)
	a.closers = append(a.closers, set.Close)
	if err := set.Ping(ctx); err != nil {
		return nil, err
	}
	return set, nil
}

func (a *Application) openObjects(ctx context.Context) (ports.ObjectStorage, error) {
	sc := a.cfg.Storage
	if sc.Endpoint == "" {
		a.logger.Warn("no object storage configured, documents are kept in memory")
		return objectstore.NewMemoryStore(objectstore.Layout{Prefix: sc.Prefix}), nil
	}
	store, err := objectstore.NewMinioStore(sc)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func loadOrganizations(cfg config.Config) ([]domain.Organization, error) {
	if cfg.Registry.Path != "" {
		return registry.LoadFile(cfg.Registry.Path)
	}
	return registry.FromConfig(cfg.Organizations)
}

func cadence(sc config.SchedulerConfig) usecase.Cadence {
	c := usecase.Cadence{
		Calendar: sc.CalendarInterval.D(),
		Boost:    sc.BoostInterval.D(),
		Drain:    sc.DrainInterval.D(),
		Expected: sc.ExpectedInterval.D(),
	}
	for _, d := range sc.DiscoveryIntervals {
		c.DiscoveryIntervals = append(c.DiscoveryIntervals, d.D())
	}
	return c
}
