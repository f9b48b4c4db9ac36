package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// This file contains repository and collaborator interface definitions
// (ports in hexagonal architecture). Service implementations depend on
// these interfaces, not on the concrete data or adapter types.

// AutomationRepository defines read access to automation configuration.
type AutomationRepository interface {
	Find(ctx context.Context, id string) (*model.Automation, error)
	ListScheduled(ctx context.Context) ([]model.Automation, error)
	TouchLastRun(ctx context.Context, id string, at time.Time) error
	ActiveSources(ctx context.Context, automationID string) ([]model.Source, error)
	FindActiveSource(ctx context.Context, id string) (*model.Source, error)
	FindActiveExport(ctx context.Context, id string) (*model.Export, error)
	MappingsForSource(ctx context.Context, sourceID string) ([]model.Mapping, error)
}

// JobRepository defines the interface for job state operations.
type JobRepository interface {
	Create(ctx context.Context, p data.CreateJobParams) (*model.Job, error)
	Find(ctx context.Context, id string) (*model.Job, error)
	ListByAutomation(ctx context.Context, automationID string, limit int) ([]model.Job, error)
	MarkRunning(ctx context.Context, id string, sourcesDispatched int) (bool, error)
	MergeSourceDone(ctx context.Context, jobID, sourceID string, p model.SourceProgress) (*model.Job, bool, error)
	Finalize(ctx context.Context, id string, status model.JobStatus, errorMessage *string, stats model.JobStats) (bool, error)
	ListStalePending(ctx context.Context, grace time.Duration, limit int) ([]model.Job, error)
	ListTimedOut(ctx context.Context, ceiling time.Duration, limit int) ([]model.Job, error)
}

// ExportHistoryRepository defines the interface for delivery outcome rows.
type ExportHistoryRepository interface {
	RecordSuccess(ctx context.Context, p data.RecordSuccessParams) (*model.ExportHistory, error)
	RecordFailure(ctx context.Context, jobID, exportID string, exportType model.ExportType, duplicateKey, errorMessage string, contextJSON json.RawMessage) (*model.ExportHistory, error)
	RecordDuplicate(ctx context.Context, jobID, exportID string, exportType model.ExportType, duplicateKey string, contextJSON json.RawMessage) (*model.ExportHistory, error)
	FindSuccess(ctx context.Context, exportID, duplicateKey string) (*model.ExportHistory, error)
	CountByStatus(ctx context.Context, jobID string) (data.StatusCounts, error)
	ListByJob(ctx context.Context, jobID string) ([]model.ExportHistory, error)
}

// ExtractRequest bounds one extractor call.
type ExtractRequest struct {
	Source     model.Source
	FromDate   *time.Time
	MaxResults int
}

// Extractor pulls invoices out of one source. Implementations live in
// internal/adapters/extract; they receive credentials and sessions from
// their own configuration, never from the orchestration core.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) ([]model.Invoice, error)
}

// DeliverRequest carries one (invoice, export) delivery.
type DeliverRequest struct {
	Export  model.Export
	Invoice model.Invoice
}

// DeliverResult reports a completed delivery.
type DeliverResult struct {
	// ExternalReference identifies the created object at the destination,
	// e.g. an accounting transaction ID or a stored file path.
	ExternalReference *string
}

// Delivery writes one invoice to one export destination. DuplicateKey
// must be deterministic for a given (export, invoice) pair: the same
// invoice redelivered any number of times maps to the same key.
type Delivery interface {
	DuplicateKey(export model.Export, invoice model.Invoice) (string, error)
	Deliver(ctx context.Context, req DeliverRequest) (*DeliverResult, error)
}

// ExtractorResolver maps a source type to its extractor. Implementations
// switch exhaustively over model.SourceType so a new type fails loudly.
type ExtractorResolver interface {
	Resolve(t model.SourceType) (Extractor, error)
}

// DeliveryResolver maps an export type to its delivery implementation.
type DeliveryResolver interface {
	Resolve(t model.ExportType) (Delivery, error)
}

// LedgerLookup is an optional Delivery capability: destinations that keep
// their own ledger (accounting) can report an existing entry for a
// duplicate key, catching duplicates that predate the local history.
type LedgerLookup interface {
	FindExisting(ctx context.Context, export model.Export, duplicateKey string) (externalRef *string, found bool, err error)
}
