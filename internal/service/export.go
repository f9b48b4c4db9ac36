package service

import (
	"context"
	"encoding/json"
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

// DefaultDeliverTimeout bounds one delivery call when no timeout is configured.
const DefaultDeliverTimeout = 2 * time.Minute

// ExportService executes one export.execute work item. The protocol is
// duplicate key first, success lookup second, deliver third, record
// fourth: the conditional success insert is the atomic anchor, so two
// workers racing the same (invoice, export) pair settle with exactly one
// success row and the loser downgraded to duplicate_skipped.
//
// Every dispatched item ends in exactly one history row per attempt, which
// is what lets the coordinator finalize against row counts.
type ExportService struct {
	automations    core.AutomationRepository
	history        core.ExportHistoryRepository
	deliveries     core.DeliveryResolver
	bus            bus.Bus
	deliverTimeout time.Duration
	sink           statsd.Sink
	logger         *slog.Logger
}

// ExportServiceOptions holds the dependencies for creating an ExportService.
type ExportServiceOptions struct {
	Automations    core.AutomationRepository
	History        core.ExportHistoryRepository
	Deliveries     core.DeliveryResolver
	Bus            bus.Bus
	DeliverTimeout time.Duration
	Sink           statsd.Sink
	Logger         *slog.Logger
}

// NewExportService creates a new ExportService with the given dependencies.
func NewExportService(opts ExportServiceOptions) *ExportService {
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = DefaultDeliverTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ExportService{
		automations:    opts.Automations,
		history:        opts.History,
		deliveries:     opts.Deliveries,
		bus:            opts.Bus,
		deliverTimeout: opts.DeliverTimeout,
		sink:           opts.Sink,
		logger:         opts.Logger.With("component", "export_worker"),
	}
}

// HandleExecute processes one delivery work item. Failures are local to
// this (invoice, export) pair: they are recorded and acked, never
// redelivered, so sibling deliveries of the same invoice proceed.
func (s *ExportService) HandleExecute(ctx context.Context, ev event.ExportExecute) error {
	logger := s.logger.With("job_id", ev.JobID, "export_id", ev.ExportID,
		"invoice_id", ev.Invoice.InvoiceID)

	export, err := s.automations.FindActiveExport(ctx, ev.ExportID)
	if errors.Is(err, data.ErrExportNotFound) {
		return s.recordAndReportFailure(ctx, ev, failureRecord{
			message: "export no longer active",
		}, logger)
	}
	if err != nil {
		return core.Transient(err)
	}

	delivery, err := s.deliveries.Resolve(export.Type)
	if err != nil {
		return s.recordAndReportFailure(ctx, ev, failureRecord{
			exportType: export.Type,
			message:    err.Error(),
		}, logger)
	}

	// The key must resolve before any destination write: an unresolvable
	// path template fails here, fast, with no side effect.
	key, err := delivery.DuplicateKey(*export, ev.Invoice)
	if err != nil {
		cfgErr := &core.ConfigError{Scope: "export " + ev.ExportID, Err: err}
		return s.recordAndReportFailure(ctx, ev, failureRecord{
			exportType: export.Type,
			message:    cfgErr.Error(),
		}, logger)
	}

	if existing, err := s.history.FindSuccess(ctx, ev.ExportID, key); err != nil {
		return core.Transient(err)
	} else if existing != nil {
		return s.recordSkip(ctx, ev, *export, key, existing.ExternalReference, logger)
	}

	// Destinations with their own ledger catch duplicates that predate the
	// local history, e.g. entries created before this system existed.
	if ledger, ok := delivery.(core.LedgerLookup); ok {
		ref, found, err := ledger.FindExisting(ctx, *export, key)
		if err != nil {
			logger.WarnContext(ctx, "ledger duplicate lookup failed, delivering anyway",
				"error", err)
		} else if found {
			return s.recordSkip(ctx, ev, *export, key, ref, logger)
		}
	}

	deliverCtx, cancel := context.WithTimeout(ctx, s.deliverTimeout)
	result, err := delivery.Deliver(deliverCtx, core.DeliverRequest{
		Export:  *export,
		Invoice: ev.Invoice,
	})
	cancel()
	if err != nil {
		deliveryErr := &core.DeliveryError{ExportID: ev.ExportID, Err: err}
		logger.ErrorContext(ctx, "delivery failed", "error", deliveryErr)
		metrics.EmitExportOutcome(s.sink, string(export.Type), metrics.ResultError)
		return s.recordAndReportFailure(ctx, ev, failureRecord{
			exportType:   export.Type,
			duplicateKey: key,
			message:      deliveryErr.Error(),
		}, logger)
	}

	var externalRef *string
	if result != nil {
		externalRef = result.ExternalReference
	}

	_, err = s.history.RecordSuccess(ctx, data.RecordSuccessParams{
		JobID:             ev.JobID,
		ExportID:          ev.ExportID,
		ExportType:        export.Type,
		DuplicateKey:      key,
		Context:           s.invoiceContext(ev.Invoice),
		ExternalReference: externalRef,
	})
	if errors.Is(err, data.ErrDuplicateExport) {
		// Lost the conditional-insert race to a sibling worker.
		return s.recordSkip(ctx, ev, *export, key, nil, logger)
	}
	if err != nil {
		return core.Transient(err)
	}

	metrics.EmitExportOutcome(s.sink, string(export.Type), metrics.ResultSuccess)
	logger.InfoContext(ctx, "invoice exported", "duplicate_key", key)
	return s.publishCompleted(ctx, ev, externalRef, false)
}

func (s *ExportService) recordSkip(
	ctx context.Context,
	ev event.ExportExecute,
	export model.Export,
	key string,
	externalRef *string,
	logger *slog.Logger,
) error {
	if _, err := s.history.RecordDuplicate(ctx, ev.JobID, ev.ExportID, export.Type,
		key, s.invoiceContext(ev.Invoice)); err != nil {
		return core.Transient(err)
	}
	metrics.EmitExportOutcome(s.sink, string(export.Type), metrics.ResultNoop)
	logger.InfoContext(ctx, "duplicate invoice skipped", "duplicate_key", key)
	return s.publishCompleted(ctx, ev, externalRef, true)
}

// failureRecord carries what is known about a failed attempt; the type and
// key may be empty when the failure happened before they were resolved.
type failureRecord struct {
	exportType   model.ExportType
	duplicateKey string
	message      string
}

func (s *ExportService) recordAndReportFailure(
	ctx context.Context,
	ev event.ExportExecute,
	rec failureRecord,
	logger *slog.Logger,
) error {
	if rec.duplicateKey == "" {
		// A failed attempt that never resolved a key still needs a row so
		// the coordinator's coverage count includes it.
		rec.duplicateKey = "invoice:" + ev.Invoice.InvoiceID
	}
	if _, err := s.history.RecordFailure(ctx, ev.JobID, ev.ExportID, rec.exportType,
		rec.duplicateKey, rec.message, s.invoiceContext(ev.Invoice)); err != nil {
		return core.Transient(err)
	}
	logger.ErrorContext(ctx, "export failed", "error", rec.message)

	payload, err := event.Marshal(event.ExportFailed{
		JobID:    ev.JobID,
		ExportID: ev.ExportID,
		Error:    rec.message,
	})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, event.SubjectExportFailed, payload); err != nil {
		return core.Transient(err)
	}
	return nil
}

func (s *ExportService) publishCompleted(ctx context.Context, ev event.ExportExecute, externalRef *string, skipped bool) error {
	ref := ""
	if externalRef != nil {
		ref = *externalRef
	}
	payload, err := event.Marshal(event.ExportCompleted{
		JobID:             ev.JobID,
		ExportID:          ev.ExportID,
		ExternalReference: ref,
		Skipped:           skipped,
	})
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, event.SubjectExportCompleted, payload); err != nil {
		return core.Transient(err)
	}
	return nil
}

func (s *ExportService) invoiceContext(inv model.Invoice) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"invoice_id": inv.InvoiceID,
		"date":       inv.Date,
		"source":     inv.Source,
		"amount":     inv.AmountEUR,
	})
	if err != nil {
		return nil
	}
	return raw
}
