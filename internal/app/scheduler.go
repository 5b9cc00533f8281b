/**
 * @description
 * Cron scheduler for the reconciliation sweep, scheduled retries and webhook retention.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron expressions for the background jobs.
type ScheduleConfig struct {
	ReconcileSchedule    string
	RetrySchedule        string
	WebhookPurgeSchedule string
	JobTimeout           time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	svc     *Service
	logger  *slog.Logger
	config  ScheduleConfig
}

// NewScheduler creates a new scheduler instance. A job still running when its next tick
// fires is skipped.
func NewScheduler(sweeper *Sweeper, svc *Service, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:    c,
		sweeper: sweeper,
		svc:     svc,
		logger:  logger,
		config:  cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.register("reconciliation sweep", s.config.ReconcileSchedule, s.runSweep)
	s.register("payment retry", s.config.RetrySchedule, s.runRetries)
	s.register("webhook retention purge", s.config.WebhookPurgeSchedule, s.runPurge)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) register(name, schedule string, job func()) {
	if schedule == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()
	if _, err := s.sweeper.RunOnce(ctx); err != nil {
		s.logger.Error("reconciliation sweep finished with errors", "error", err)
	}
}

func (s *Scheduler) runRetries() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()
	started, err := s.svc.RetryDue(ctx, 100)
	if err != nil {
		s.logger.Error("payment retry job failed", "error", err)
		return
	}
	if started > 0 {
		s.logger.Info("payment retries started", "count", started)
	}
}

func (s *Scheduler) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()
	purged, err := s.sweeper.PurgeWebhookEvents(ctx)
	if err != nil {
		s.logger.Error("webhook retention purge failed", "error", err)
		return
	}
	s.logger.Info("webhook events purged", "count", purged)
}
