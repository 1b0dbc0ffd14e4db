package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

const alertTimeout = 10 * time.Second

// Options configures the Engine.
type Options struct {
	Clock ports.Clock
	// Workers bounds how many jobs run at once.
	Workers int
	// Tick is the dispatch period of the internal loop. Zero disables the
	// loop; callers then drive dispatch with Tick.
	Tick time.Duration
	// Alerter receives one alert once a job has failed AlertAfter times in a
	// row because the store was unreachable.
	Alerter    ports.Alerter
	AlertAfter int
	Location   *time.Location
	Logger     *slog.Logger
}

type jobState struct {
	job           ports.Job
	nextRun       time.Time
	running       bool
	storeFailures int
	alerted       bool
}

// Engine runs registered jobs on fixed intervals with a bounded worker pool.
// A job never overlaps with itself; a slow run delays its next dispatch.
type Engine struct {
	opts Options

	mu      sync.Mutex
	jobs    []*jobState
	names   map[string]struct{}
	queue   chan *jobState
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ ports.Scheduler = (*Engine)(nil)

// NewEngine builds an idle engine.
func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.AlertAfter <= 0 {
		opts.AlertAfter = 3
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{opts: opts, names: map[string]struct{}{}}
}

// Register adds a job. Jobs must be registered before Start.
func (e *Engine) Register(job ports.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.started:
		return errors.Newf("register %s: scheduler already started", job.Name)
	case job.Name == "":
		return errors.Mark(errors.New("job name is empty"), errors.ErrValidation)
	case job.Interval <= 0:
		return errors.Mark(errors.Newf("job %s: interval must be positive", job.Name), errors.ErrValidation)
	case job.Run == nil:
		return errors.Mark(errors.Newf("job %s: run is nil", job.Name), errors.ErrValidation)
	}
	if _, dup := e.names[job.Name]; dup {
		return errors.Mark(errors.Newf("job %s already registered", job.Name), errors.ErrDuplicate)
	}
	e.names[job.Name] = struct{}{}
	e.jobs = append(e.jobs, &jobState{job: job})
	return nil
}

// Start launches the workers. Every job is due immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.queue = make(chan *jobState, len(e.jobs))
	now := e.opts.Clock.Now()
	for _, js := range e.jobs {
		js.nextRun = now
	}
	e.mu.Unlock()

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	if e.opts.Tick > 0 {
		e.wg.Add(1)
		go e.loop()
	}

	e.opts.Logger.Info("scheduler started", "jobs", len(e.jobs), "workers", e.opts.Workers)
	return nil
}

// Tick dispatches every job that is due at now and not already running. It
// returns the number of jobs dispatched.
func (e *Engine) Tick(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.runCtx.Err() != nil {
		return 0
	}

	dispatched := 0
	for _, js := range e.jobs {
		if js.running || now.Before(js.nextRun) {
			continue
		}
		js.running = true
		js.nextRun = now.Add(js.job.Interval)
		e.queue <- js
		dispatched++
	}
	return dispatched
}

// Stop cancels running jobs and waits for them to return, up to ctx's deadline.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.cancel == nil {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.opts.Logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "scheduler stop")
	}
}

// Running reports whether the named job is executing.
func (e *Engine) Running(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, js := range e.jobs {
		if js.job.Name == name {
			return js.running
		}
	}
	return false
}

// NextRun returns when the named job is due next.
func (e *Engine) NextRun(name string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, js := range e.jobs {
		if js.job.Name == name {
			return js.nextRun, true
		}
	}
	return time.Time{}, false
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()

	e.Tick(e.opts.Clock.Now())
	for {
		select {
		case <-ticker.C:
			e.Tick(e.opts.Clock.Now())
		case <-e.runCtx.Done():
			return
		}
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case js := <-e.queue:
			e.run(js)
		case <-e.runCtx.Done():
			return
		}
	}
}

func (e *Engine) run(js *jobState) {
	name := js.job.Name
	logger := e.opts.Logger.With("job", name)
	started := e.opts.Clock.Now()
	defer func() {
		e.mu.Lock()
		js.running = false
		e.mu.Unlock()
	}()

	err := e.invoke(js)

	e.mu.Lock()
	next := js.nextRun
	alert := false
	switch {
	case err == nil:
		js.storeFailures = 0
		js.alerted = false
	case errors.Is(err, errors.ErrStore):
		js.storeFailures++
		if js.storeFailures >= e.opts.AlertAfter && !js.alerted {
			js.alerted = true
			alert = true
		}
	}
	failures := js.storeFailures
	e.mu.Unlock()

	elapsed := e.opts.Clock.Now().Sub(started)
	switch {
	case err == nil:
		logger.Debug("job finished", "elapsed", elapsed, "next", next.In(e.opts.Location))
	case e.runCtx.Err() != nil && errors.IsAny(err, context.Canceled, context.DeadlineExceeded):
		logger.Debug("job cancelled")
	default:
		logger.Warn("job failed", "error", err, "class", errors.Class(err), "store_failures", failures)
	}

	if alert && e.opts.Alerter != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(e.runCtx), alertTimeout)
		defer cancel()
		msg := fmt.Sprintf("job %s failed %d times in a row: store unreachable: %v", name, failures, err)
		if aerr := e.opts.Alerter.Alert(actx, msg); aerr != nil {
			logger.Warn("alert failed", "error", aerr)
		}
	}
}

func (e *Engine) invoke(js *jobState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job %s panicked: %v", js.job.Name, r)
		}
	}()
	return js.job.Run(e.runCtx)
}
