/**
 * @description
 * Cron scheduler setup for the settlement sweeps.
 */
package scheduler

import (
	"context"

	"github.com/commitpool/settlement-service/internal/config"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger zerolog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. A sweep still running when its next tick fires
// is skipped rather than overlapped.
func NewScheduler(jobs *Jobs, logger zerolog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(&logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of jobs that
// were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	for _, job := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "close expired pools", schedule: s.config.CloseSweepSchedule, run: s.jobs.CloseExpiredPools},
		{name: "settle ended pools", schedule: s.config.SettlementSweepSchedule, run: s.jobs.SettleEndedPools},
	} {
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error().Err(err).Str("job", job.name).Str("schedule", job.schedule).Msg("failed to schedule job")
			continue
		}
		s.logger.Info().Str("job", job.name).Str("schedule", job.schedule).Msg("scheduled job")
		scheduled++
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
