package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/dispatch"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/observability/metrics"
	"github.com/fakturenn/fakturenn/internal/observability/statsd"
)

// CoordinatorService owns the job state machine. It is stateless between
// events: every decision is derived from the persisted job row plus the
// export_history counts, so any replica in the coordinator group can
// process any event, including redelivered ones.
type CoordinatorService struct {
	automations  core.AutomationRepository
	jobs         core.JobRepository
	history      core.ExportHistoryRepository
	bus          bus.Bus
	timeProvider data.TimeProvider
	sink         statsd.Sink
	logger       *slog.Logger
}

// CoordinatorServiceOptions holds the dependencies for creating a CoordinatorService.
type CoordinatorServiceOptions struct {
	Automations  core.AutomationRepository
	Jobs         core.JobRepository
	History      core.ExportHistoryRepository
	Bus          bus.Bus
	TimeProvider data.TimeProvider
	Sink         statsd.Sink
	Logger       *slog.Logger
}

// NewCoordinatorService creates a new CoordinatorService with the given dependencies.
func NewCoordinatorService(opts CoordinatorServiceOptions) *CoordinatorService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CoordinatorService{
		automations:  opts.Automations,
		jobs:         opts.Jobs,
		history:      opts.History,
		bus:          opts.Bus,
		timeProvider: opts.TimeProvider,
		sink:         opts.Sink,
		logger:       opts.Logger.With("component", "coordinator"),
	}
}

// HandleJobStarted fans a newly announced job out into one source.execute
// per active source. Redelivery is tolerated end to end: the pending guard
// in MarkRunning makes the transition idempotent, and re-publishing
// source.execute is safe because export workers deduplicate.
func (s *CoordinatorService) HandleJobStarted(ctx context.Context, ev event.JobStarted) error {
	job, err := s.jobs.Find(ctx, ev.JobID)
	if errors.Is(err, data.ErrJobNotFound) {
		s.logger.WarnContext(ctx, "job.started for unknown job", "job_id", ev.JobID)
		return nil
	}
	if err != nil {
		return core.Transient(err)
	}
	if job.Status.Terminal() {
		return nil
	}

	sources, err := s.automations.ActiveSources(ctx, job.AutomationID)
	if err != nil {
		return core.Transient(err)
	}
	items := dispatch.SourceWork(job, sources)

	if len(items) == 0 {
		// Nothing to extract is a successful, empty run.
		s.logger.InfoContext(ctx, "job has no active sources, completing",
			"job_id", job.ID)
		return s.finalize(ctx, job, model.JobStats{}, data.StatusCounts{})
	}

	if _, err := s.jobs.MarkRunning(ctx, job.ID, len(items)); err != nil {
		return core.Transient(err)
	}

	for _, item := range items {
		payload, err := event.Marshal(item)
		if err != nil {
			return err
		}
		if err := s.bus.Publish(ctx, event.SubjectSourceExecute, payload); err != nil {
			// Unacked message redelivers and re-publishes the full fan-out.
			return core.Transient(err)
		}
	}

	metrics.EmitJobLifecycle(s.sink, metrics.JobMetric{
		Transition: "running",
		Result:     metrics.ResultSuccess,
	})
	s.logger.InfoContext(ctx, "job running",
		"job_id", job.ID, "sources_dispatched", len(items))
	return nil
}

// HandleSourceCompleted merges one source completion and finalizes the job
// if it was the last outstanding report.
func (s *CoordinatorService) HandleSourceCompleted(ctx context.Context, ev event.SourceCompleted) error {
	return s.mergeSource(ctx, ev.JobID, ev.SourceID, model.SourceProgress{
		InvoiceCount: ev.InvoiceCount,
		ExportCount:  ev.ExportCount,
	})
}

// HandleSourceFailed merges one source failure. A failed source contributes
// zero invoices and zero export work; it never aborts sibling sources.
func (s *CoordinatorService) HandleSourceFailed(ctx context.Context, ev event.SourceFailed) error {
	return s.mergeSource(ctx, ev.JobID, ev.SourceID, model.SourceProgress{
		Failed: true,
		Error:  ev.Error,
	})
}

func (s *CoordinatorService) mergeSource(ctx context.Context, jobID, sourceID string, p model.SourceProgress) error {
	job, merged, err := s.jobs.MergeSourceDone(ctx, jobID, sourceID, p)
	if errors.Is(err, data.ErrJobNotFound) {
		s.logger.WarnContext(ctx, "source event for unknown job",
			"job_id", jobID, "source_id", sourceID)
		return nil
	}
	if err != nil {
		return core.Transient(err)
	}
	if !merged {
		s.logger.DebugContext(ctx, "duplicate source event ignored",
			"job_id", jobID, "source_id", sourceID)
	}
	return s.maybeFinalize(ctx, job)
}

// HandleExportSettled reacts to export.completed and export.failed. The
// outcome itself is already durable in export_history (written by the
// export worker); the event only pokes finalization.
func (s *CoordinatorService) HandleExportSettled(ctx context.Context, jobID string) error {
	job, err := s.jobs.Find(ctx, jobID)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return core.Transient(err)
	}
	return s.maybeFinalize(ctx, job)
}

// maybeFinalize transitions the job to a terminal state once every
// dispatched source has reported and export_history covers every
// dispatched export item. Export counters are recomputed from the history
// rows, never incremented in memory, so redelivered events cannot skew them.
func (s *CoordinatorService) maybeFinalize(ctx context.Context, job *model.Job) error {
	if job == nil || job.Status.Terminal() {
		return nil
	}
	if !job.Stats.AllSourcesDone() {
		return nil
	}

	counts, err := s.history.CountByStatus(ctx, job.ID)
	if err != nil {
		return core.Transient(err)
	}
	if counts.Total() < job.Stats.ExportsDispatched {
		// Export outcomes still in flight; a later export event retries.
		return nil
	}
	return s.finalize(ctx, job, job.Stats, counts)
}

func (s *CoordinatorService) finalize(
	ctx context.Context,
	job *model.Job,
	stats model.JobStats,
	counts data.StatusCounts,
) error {
	stats.Exported = counts.Success
	stats.DuplicateSkipped = counts.DuplicateSkipped
	stats.ExportsFailed = counts.Failed

	status := model.JobStatusCompleted
	var errorMessage *string
	if stats.AllSourcesFailed() && counts.Success == 0 {
		status = model.JobStatusFailed
		msg := "all sources failed"
		errorMessage = &msg
	}

	won, err := s.jobs.Finalize(ctx, job.ID, status, errorMessage, stats)
	if err != nil {
		return core.Transient(err)
	}
	if !won {
		// Another replica finalized first; its publish stands.
		return nil
	}

	if err := s.publishTerminal(ctx, job, status, stats, errorMessage); err != nil {
		// The terminal row is durable; losing the notification event only
		// affects observers, so log rather than force redelivery.
		s.logger.ErrorContext(ctx, "publish terminal job event failed",
			"job_id", job.ID, "status", status, "error", err)
	}

	metrics.EmitJobLifecycle(s.sink, metrics.JobMetric{
		Transition: string(status),
		Result:     metrics.ResultSuccess,
	})
	s.logger.InfoContext(ctx, "job finalized",
		"job_id", job.ID,
		"status", status,
		"sources_succeeded", stats.SourcesSucceeded,
		"sources_failed", stats.SourcesFailed,
		"exported", stats.Exported,
		"duplicate_skipped", stats.DuplicateSkipped,
		"exports_failed", stats.ExportsFailed)
	return nil
}

func (s *CoordinatorService) publishTerminal(
	ctx context.Context,
	job *model.Job,
	status model.JobStatus,
	stats model.JobStats,
	errorMessage *string,
) error {
	now := s.timeProvider.Now()
	if status == model.JobStatusCompleted {
		payload, err := event.Marshal(event.JobCompleted{
			JobID:        job.ID,
			AutomationID: job.AutomationID,
			Stats:        stats,
			CompletedAt:  now,
		})
		if err != nil {
			return err
		}
		return s.bus.Publish(ctx, event.SubjectJobCompleted, payload)
	}

	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	payload, err := event.Marshal(event.JobFailed{
		JobID:        job.ID,
		AutomationID: job.AutomationID,
		Stats:        stats,
		Error:        msg,
		FailedAt:     now,
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, event.SubjectJobFailed, payload)
}
