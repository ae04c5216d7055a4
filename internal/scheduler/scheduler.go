// Package scheduler wires the job runner onto cron schedules.
package scheduler

import (
	"context"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/config"
	"github.com/doitsu2014/crypto-pocket-butler/internal/jobs"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler manages background jobs.
type Scheduler struct {
	cron   *cron.Cron
	runner *jobs.Runner
	log    zerolog.Logger
}

// New creates a new scheduler. Schedules use standard five-field cron
// expressions evaluated in UTC, matching the documented job cadences.
func New(runner *jobs.Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		runner: runner,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// AddJob registers a job under its configured schedule. Disabled jobs stay
// registered with the runner for manual triggering but get no cron entry.
func (s *Scheduler) AddJob(cfg config.JobConfig, job jobs.Job) error {
	s.runner.Register(job)

	if !cfg.Enabled {
		s.log.Info().Str("job", job.Name()).Msg("Job disabled, manual trigger only")
		return nil
	}

	_, err := s.cron.AddFunc(cfg.Schedule, func() {
		// The runner's single-flight guard drops this tick when the
		// previous run of the same job is still going.
		if _, err := s.runner.Run(context.Background(), job); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Scheduled run failed")
		}
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", cfg.Schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running entries to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
