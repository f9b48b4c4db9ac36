// Package event defines the wire contract exchanged over the bus between
// the coordinator, source workers, and export workers. Payloads are
// immutable JSON snapshots; every consumer must tolerate duplicate delivery.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// Bus subjects. Per-subject ordering is preserved by the bus per publisher,
// but redelivery after a timeout can reorder, so handlers never rely on it.
const (
	SubjectJobStarted      = "job.started"
	SubjectJobCompleted    = "job.completed"
	SubjectJobFailed       = "job.failed"
	SubjectSourceExecute   = "source.execute"
	SubjectSourceCompleted = "source.completed"
	SubjectSourceFailed    = "source.failed"
	SubjectExportExecute   = "export.execute"
	SubjectExportCompleted = "export.completed"
	SubjectExportFailed    = "export.failed"
)

// Subjects returns every subject the orchestration core publishes or consumes.
func Subjects() []string {
	return []string{
		SubjectJobStarted,
		SubjectJobCompleted,
		SubjectJobFailed,
		SubjectSourceExecute,
		SubjectSourceCompleted,
		SubjectSourceFailed,
		SubjectExportExecute,
		SubjectExportCompleted,
		SubjectExportFailed,
	}
}

// JobStarted is published when a job is triggered (and re-published by the
// reconciler for pending jobs stuck past the grace period).
type JobStarted struct {
	JobID        string     `json:"job_id"`
	AutomationID string     `json:"automation_id"`
	TenantID     string     `json:"tenant_id"`
	FromDate     *time.Time `json:"from_date,omitempty"`
	MaxResults   *int       `json:"max_results,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
}

// SourceExecute is one extraction work item fanned out by the coordinator.
type SourceExecute struct {
	JobID        string     `json:"job_id"`
	AutomationID string     `json:"automation_id"`
	TenantID     string     `json:"tenant_id"`
	SourceID     string     `json:"source_id"`
	SourceType   string     `json:"source_type"`
	SourceName   string     `json:"source_name"`
	FromDate     *time.Time `json:"from_date,omitempty"`
	MaxResults   *int       `json:"max_results,omitempty"`
}

// SourceCompleted signals that a source finished extraction and dispatched
// its export work. ExportCount lets the coordinator know how many
// export_history rows to wait for before finalizing the job.
type SourceCompleted struct {
	JobID        string `json:"job_id"`
	SourceID     string `json:"source_id"`
	InvoiceCount int    `json:"invoice_count"`
	ExportCount  int    `json:"export_count"`
}

// SourceFailed signals an unrecoverable extraction error for one source.
// It never aborts sibling sources.
type SourceFailed struct {
	JobID    string `json:"job_id"`
	SourceID string `json:"source_id"`
	Error    string `json:"error"`
}

// ExportExecute is one delivery work item: a full invoice snapshot bound to
// a single export. Priority reflects the mapping order at publish time and
// is advisory only.
type ExportExecute struct {
	JobID      string        `json:"job_id"`
	TenantID   string        `json:"tenant_id"`
	SourceID   string        `json:"source_id"`
	ExportID   string        `json:"export_id"`
	Invoice    model.Invoice `json:"invoice"`
	Priority   int           `json:"priority"`
	SourceName string        `json:"source_name"`
}

// ExportCompleted signals one (invoice, export) delivery settled without a
// delivery error; Skipped marks duplicate suppression.
type ExportCompleted struct {
	JobID             string `json:"job_id"`
	ExportID          string `json:"export_id"`
	ExternalReference string `json:"external_reference,omitempty"`
	Skipped           bool   `json:"skipped"`
}

// ExportFailed signals one (invoice, export) delivery failure, local to that pair.
type ExportFailed struct {
	JobID    string `json:"job_id"`
	ExportID string `json:"export_id"`
	Error    string `json:"error"`
}

// JobCompleted is published by the coordinator when a job reaches completed.
type JobCompleted struct {
	JobID        string         `json:"job_id"`
	AutomationID string         `json:"automation_id"`
	Stats        model.JobStats `json:"stats"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// JobFailed is published by the coordinator when a job reaches failed.
type JobFailed struct {
	JobID        string         `json:"job_id"`
	AutomationID string         `json:"automation_id"`
	Stats        model.JobStats `json:"stats"`
	Error        string         `json:"error"`
	FailedAt     time.Time      `json:"failed_at"`
}

// Marshal encodes an event payload for publishing.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return raw, nil
}

// Unmarshal decodes an event payload received from the bus.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	return nil
}
