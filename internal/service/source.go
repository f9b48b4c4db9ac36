package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/dispatch"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/observability/metrics"
	"github.com/fakturenn/fakturenn/internal/observability/statsd"
)

// DefaultExtractTimeout bounds one extractor call when no timeout is configured.
const DefaultExtractTimeout = 5 * time.Minute

// SourceService executes one source.execute work item: extract invoices,
// fan out delivery work, report exactly one completion or failure. It
// holds no dedup state of its own; redelivered work items re-dispatch the
// same invoices and the export workers suppress the duplicates.
type SourceService struct {
	automations    core.AutomationRepository
	extractors     core.ExtractorResolver
	bus            bus.Bus
	extractTimeout time.Duration
	sink           statsd.Sink
	logger         *slog.Logger
}

// SourceServiceOptions holds the dependencies for creating a SourceService.
type SourceServiceOptions struct {
	Automations    core.AutomationRepository
	Extractors     core.ExtractorResolver
	Bus            bus.Bus
	ExtractTimeout time.Duration
	Sink           statsd.Sink
	Logger         *slog.Logger
}

// NewSourceService creates a new SourceService with the given dependencies.
func NewSourceService(opts SourceServiceOptions) *SourceService {
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = DefaultExtractTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SourceService{
		automations:    opts.Automations,
		extractors:     opts.Extractors,
		bus:            opts.Bus,
		extractTimeout: opts.ExtractTimeout,
		sink:           opts.Sink,
		logger:         opts.Logger.With("component", "source_worker"),
	}
}

// HandleExecute processes one extraction work item. Infrastructure
// failures return a transient error so the message redelivers; extraction
// failures are reported as source.failed and the message is acked.
func (s *SourceService) HandleExecute(ctx context.Context, ev event.SourceExecute) error {
	logger := s.logger.With("job_id", ev.JobID, "source_id", ev.SourceID)

	source, err := s.automations.FindActiveSource(ctx, ev.SourceID)
	if errors.Is(err, data.ErrSourceNotFound) {
		// Deactivated or deleted between dispatch and execution.
		return s.reportFailure(ctx, ev, "source no longer active")
	}
	if err != nil {
		return core.Transient(err)
	}

	extractor, err := s.extractors.Resolve(source.Type)
	if err != nil {
		return s.reportFailure(ctx, ev, err.Error())
	}

	maxResults := source.MaxResults
	if ev.MaxResults != nil {
		maxResults = *ev.MaxResults
	}

	extractCtx, cancel := context.WithTimeout(ctx, s.extractTimeout)
	invoices, err := extractor.Extract(extractCtx, core.ExtractRequest{
		Source:     *source,
		FromDate:   ev.FromDate,
		MaxResults: maxResults,
	})
	cancel()
	if err != nil {
		extractErr := &core.ExtractionError{SourceID: ev.SourceID, Err: err}
		logger.ErrorContext(ctx, "extraction failed", "error", extractErr)
		metrics.EmitSourceOutcome(s.sink, string(source.Type), metrics.ResultError)
		return s.reportFailure(ctx, ev, extractErr.Error())
	}

	mappings, err := s.automations.MappingsForSource(ctx, ev.SourceID)
	if err != nil {
		return core.Transient(err)
	}

	exportCount := 0
	for _, invoice := range invoices {
		work, condErrs := dispatch.ExportWork(ev, invoice, mappings)
		for _, condErr := range condErrs {
			// Fatal config error scoped to one mapping: log against the
			// job, keep sibling mappings flowing.
			logger.ErrorContext(ctx, "mapping condition rejected",
				"mapping_id", condErr.MappingID, "error", condErr.Err)
		}
		for _, item := range work {
			payload, err := event.Marshal(item)
			if err != nil {
				return err
			}
			if err := s.bus.Publish(ctx, event.SubjectExportExecute, payload); err != nil {
				return core.Transient(err)
			}
			exportCount++
		}
	}

	payload, err := event.Marshal(event.SourceCompleted{
		JobID:        ev.JobID,
		SourceID:     ev.SourceID,
		InvoiceCount: len(invoices),
		ExportCount:  exportCount,
	})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, event.SubjectSourceCompleted, payload); err != nil {
		return core.Transient(err)
	}

	metrics.EmitSourceOutcome(s.sink, string(source.Type), metrics.ResultSuccess)
	logger.InfoContext(ctx, "source completed",
		"invoices", len(invoices), "exports_dispatched", exportCount)
	return nil
}

func (s *SourceService) reportFailure(ctx context.Context, ev event.SourceExecute, msg string) error {
	payload, err := event.Marshal(event.SourceFailed{
		JobID:    ev.JobID,
		SourceID: ev.SourceID,
		Error:    msg,
	})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, event.SubjectSourceFailed, payload); err != nil {
		return core.Transient(err)
	}
	return nil
}
