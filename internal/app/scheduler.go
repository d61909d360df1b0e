/**
 * @description
 * Cron scheduler setup for the background expiry sweep.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *slog.Logger
	spec    string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper *Sweeper, sweepSpec string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{cron: c, sweeper: sweeper, logger: logger, spec: sweepSpec}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.spec, s.sweeper.SweepExpired); err != nil {
		s.logger.Error("failed to schedule expiry sweep", "error", err)
	} else {
		s.logger.Info("scheduled expiry sweep", "schedule", s.spec)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
