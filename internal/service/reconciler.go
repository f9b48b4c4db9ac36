package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/observability/metrics"
	"github.com/fakturenn/fakturenn/internal/observability/statsd"
)

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// Interval between reconciliation sweeps.
	Interval time.Duration
	// PendingGrace is how long a pending job may sit before its
	// job.started is re-announced.
	PendingGrace time.Duration
	// RunningCeiling is how long a running job may go before it is
	// forced to failed.
	RunningCeiling time.Duration
	// BatchSize caps rows handled per sweep.
	BatchSize int
}

// Sanitize applies defaults.
func (c *ReconcilerConfig) Sanitize() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 2 * time.Minute
	}
	if c.RunningCeiling <= 0 {
		c.RunningCeiling = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// ReconcilerService repairs the two crash windows the happy path leaves
// open: a trigger that died between the pending insert and the publish,
// and a job wedged in running past the ceiling. Safe under concurrent
// replicas: re-announcing pending jobs is idempotent downstream, and the
// non-terminal guard in Finalize makes the timeout transition exactly-once.
type ReconcilerService struct {
	jobs         core.JobRepository
	jobService   *JobService
	bus          bus.Bus
	cfg          ReconcilerConfig
	timeProvider data.TimeProvider
	sink         statsd.Sink
	logger       *slog.Logger
}

// ReconcilerServiceOptions holds the dependencies for creating a ReconcilerService.
type ReconcilerServiceOptions struct {
	Jobs         core.JobRepository
	JobService   *JobService
	Bus          bus.Bus
	Config       ReconcilerConfig
	TimeProvider data.TimeProvider
	Sink         statsd.Sink
	Logger       *slog.Logger
}

// NewReconcilerService creates a new ReconcilerService with the given dependencies.
func NewReconcilerService(opts ReconcilerServiceOptions) *ReconcilerService {
	opts.Config.Sanitize()
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ReconcilerService{
		jobs:         opts.Jobs,
		jobService:   opts.JobService,
		bus:          opts.Bus,
		cfg:          opts.Config,
		timeProvider: opts.TimeProvider,
		sink:         opts.Sink,
		logger:       opts.Logger.With("component", "reconciler"),
	}
}

// Run executes reconciliation sweeps at the configured interval until the
// context is cancelled. Returns nil on graceful shutdown.
func (s *ReconcilerService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reconciler", "interval", s.cfg.Interval)

	// Jitter spreads replica start times so sweeps do not align.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "initial reconcile sweep failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reconciler stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "reconcile sweep failed", "error", err)
			}
		}
	}
}

func (s *ReconcilerService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.cfg.Interval / 10)
	if maxJitter <= 0 {
		return
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// Sweep performs one reconciliation pass: re-announce stale pending jobs,
// then fail timed-out running jobs.
func (s *ReconcilerService) Sweep(ctx context.Context) error {
	var errs []error
	if err := s.reannounceStalePending(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.failTimedOut(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *ReconcilerService) reannounceStalePending(ctx context.Context) error {
	stale, err := s.jobs.ListStalePending(ctx, s.cfg.PendingGrace, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for i := range stale {
		job := &stale[i]
		if err := s.jobService.Announce(ctx, job); err != nil {
			s.logger.ErrorContext(ctx, "re-announce pending job failed",
				"job_id", job.ID, "error", err)
			continue
		}
		metrics.EmitJobLifecycle(s.sink, metrics.JobMetric{
			Transition: "reannounced",
			Result:     metrics.ResultSuccess,
		})
		s.logger.InfoContext(ctx, "re-announced stale pending job",
			"job_id", job.ID, "created_at", job.CreatedAt)
	}
	return nil
}

func (s *ReconcilerService) failTimedOut(ctx context.Context) error {
	timedOut, err := s.jobs.ListTimedOut(ctx, s.cfg.RunningCeiling, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for i := range timedOut {
		job := &timedOut[i]
		msg := "job timed out: no completion within " + s.cfg.RunningCeiling.String()
		won, err := s.jobs.Finalize(ctx, job.ID, model.JobStatusFailed, &msg, job.Stats)
		if err != nil {
			s.logger.ErrorContext(ctx, "fail timed-out job failed",
				"job_id", job.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		payload, err := event.Marshal(event.JobFailed{
			JobID:        job.ID,
			AutomationID: job.AutomationID,
			Stats:        job.Stats,
			Error:        msg,
			FailedAt:     s.timeProvider.Now(),
		})
		if err == nil {
			if pubErr := s.bus.Publish(ctx, event.SubjectJobFailed, payload); pubErr != nil {
				s.logger.ErrorContext(ctx, "publish job.failed for timeout failed",
					"job_id", job.ID, "error", pubErr)
			}
		}
		metrics.EmitJobLifecycle(s.sink, metrics.JobMetric{
			Transition: "timed_out",
			Result:     metrics.ResultError,
		})
		s.logger.WarnContext(ctx, "job forced to failed after timeout",
			"job_id", job.ID, "started_at", job.StartedAt)
	}
	return nil
}
