package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/observability/metrics"
	"github.com/fakturenn/fakturenn/internal/observability/statsd"
)

// SchedulerConfig tunes the scheduler loop.
type SchedulerConfig struct {
	// Interval between due-automation checks.
	Interval time.Duration
}

// Sanitize applies defaults.
func (c *SchedulerConfig) Sanitize() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
}

// cronParser accepts standard 5-field cron expressions plus descriptors
// like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// SchedulerService triggers automations whose cron schedule has come due.
// The last_run_at watermark decides dueness, and TouchLastRun moves it
// before the trigger publish, so a crashed tick skips at most one firing
// rather than double-firing.
type SchedulerService struct {
	automations  core.AutomationRepository
	jobService   *JobService
	cfg          SchedulerConfig
	timeProvider data.TimeProvider
	sink         statsd.Sink
	logger       *slog.Logger
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Automations  core.AutomationRepository
	JobService   *JobService
	Config       SchedulerConfig
	TimeProvider data.TimeProvider
	Sink         statsd.Sink
	Logger       *slog.Logger
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	opts.Config.Sanitize()
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SchedulerService{
		automations:  opts.Automations,
		jobService:   opts.JobService,
		cfg:          opts.Config,
		timeProvider: opts.TimeProvider,
		sink:         opts.Sink,
		logger:       opts.Logger.With("component", "scheduler"),
	}
}

// Run checks for due automations at the configured interval until the
// context is cancelled. Returns nil on graceful shutdown.
func (s *SchedulerService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting scheduler", "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick triggers every due automation once and returns how many fired.
func (s *SchedulerService) Tick(ctx context.Context) (int, error) {
	scheduled, err := s.automations.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}

	now := s.timeProvider.Now()
	fired := 0
	for i := range scheduled {
		automation := &scheduled[i]
		due, err := s.isDue(automation, now)
		if err != nil {
			// Bad cron expression is a config error scoped to this
			// automation; it never blocks the others.
			s.logger.ErrorContext(ctx, "invalid schedule",
				"automation_id", automation.ID,
				"schedule", *automation.Schedule,
				"error", err)
			continue
		}
		if !due {
			continue
		}

		// Move the watermark first: if the trigger below fails we skip
		// this firing instead of firing twice.
		if err := s.automations.TouchLastRun(ctx, automation.ID, now); err != nil {
			s.logger.ErrorContext(ctx, "advance schedule watermark failed",
				"automation_id", automation.ID, "error", err)
			continue
		}

		job, err := s.jobService.Trigger(ctx, TriggerParams{AutomationID: automation.ID})
		if err != nil {
			s.logger.ErrorContext(ctx, "scheduled trigger failed",
				"automation_id", automation.ID, "error", err)
			continue
		}
		fired++
		metrics.EmitJobLifecycle(s.sink, metrics.JobMetric{
			Transition: "scheduled",
			Result:     metrics.ResultSuccess,
		})
		s.logger.InfoContext(ctx, "scheduled automation triggered",
			"automation_id", automation.ID, "job_id", job.ID)
	}
	return fired, nil
}

// isDue reports whether the automation's next firing after its watermark
// is in the past. Automations that never ran use created_at as the anchor.
func (s *SchedulerService) isDue(automation *model.Automation, now time.Time) (bool, error) {
	if automation.Schedule == nil || *automation.Schedule == "" {
		return false, nil
	}
	schedule, err := cronParser.Parse(*automation.Schedule)
	if err != nil {
		return false, err
	}
	anchor := automation.CreatedAt
	if automation.LastRunAt != nil {
		anchor = *automation.LastRunAt
	}
	next := schedule.Next(anchor)
	return !next.After(now), nil
}
