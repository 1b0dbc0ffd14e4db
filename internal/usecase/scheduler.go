package usecase

import (
	"context"
	"fmt"
	"time"

	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

// Cadence holds the intervals of the recurring passes. DiscoveryIntervals
// has one entry per source priority rank, highest priority first.
type Cadence struct {
	DiscoveryIntervals []time.Duration
	Calendar           time.Duration
	Boost              time.Duration
	Drain              time.Duration
	Expected           time.Duration
}

// DefaultCadence polls rank 1 hourly, rank 2 every six hours and everything
// else daily.
func DefaultCadence() Cadence {
	return Cadence{
		DiscoveryIntervals: []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour},
		Calendar:           7 * 24 * time.Hour,
		Boost:              15 * time.Minute,
		Drain:              time.Minute,
		Expected:           time.Hour,
	}
}

// Scheduler wires the job driver with the pipeline passes.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	cadence  Cadence
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, cadence Cadence) *Scheduler {
	if len(cadence.DiscoveryIntervals) == 0 {
		cadence.DiscoveryIntervals = DefaultCadence().DiscoveryIntervals
	}
	return &Scheduler{driver: driver, pipeline: pipeline, cadence: cadence}
}

// Jobs lists the recurring passes. Passes with a zero interval are skipped.
func (s *Scheduler) Jobs() []ports.Job {
	var jobs []ports.Job
	last := len(s.cadence.DiscoveryIntervals) - 1
	for i, interval := range s.cadence.DiscoveryIntervals {
		rank, isLast := i+1, i == last
		jobs = append(jobs, ports.Job{
			Name:     fmt.Sprintf("discovery:p%d", rank),
			Interval: interval,
			Run: func(ctx context.Context) error {
				return s.pipeline.DiscoverRank(ctx, rank, isLast)
			},
		})
	}
	jobs = append(jobs,
		ports.Job{Name: "calendar-refresh", Interval: s.cadence.Calendar, Run: s.pipeline.RefreshCalendars},
		ports.Job{Name: "discovery-boost", Interval: s.cadence.Boost, Run: s.pipeline.DiscoverBoosted},
		ports.Job{Name: "download-drain", Interval: s.cadence.Drain, Run: s.pipeline.Drain},
		ports.Job{Name: "expected-reports", Interval: s.cadence.Expected, Run: s.pipeline.SweepExpected},
	)

	out := jobs[:0]
	for _, j := range jobs {
		if j.Interval > 0 {
			out = append(out, j)
		}
	}
	return out
}

// Start registers every pass with the driver and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}
	for _, job := range s.Jobs() {
		if err := s.driver.Register(job); err != nil {
			return errors.Wrapf(err, "register %s", job.Name)
		}
	}
	return s.driver.Start(ctx)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
