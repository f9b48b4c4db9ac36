package model

import (
	"errors"
	"time"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates a job has been triggered but not yet picked up.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job's sources are being executed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished; partial source failure still completes.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates every dispatched source failed, or the job timed out.
	JobStatusFailed JobStatus = "failed"
)

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo enforces the monotonic pending -> running -> {completed, failed}
// state machine. Terminal states admit nothing.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// ErrJobTerminal is returned when a transition is attempted out of a terminal state.
var ErrJobTerminal = errors.New("job is in a terminal state")

// SourceProgress tracks the completion of one dispatched source within a job.
type SourceProgress struct {
	Done         bool   `json:"done"`
	Failed       bool   `json:"failed"`
	InvoiceCount int    `json:"invoice_count"`
	ExportCount  int    `json:"export_count"`
	Error        string `json:"error,omitempty"`
}

// JobStats is the accumulating summary persisted on a job. Counters are only
// ever incremented; export counters mirror export_history row counts so that
// a terminal job's stats reconcile exactly against the audit trail.
type JobStats struct {
	SourcesDispatched int `json:"sources_dispatched"`
	SourcesSucceeded  int `json:"sources_succeeded"`
	SourcesFailed     int `json:"sources_failed"`
	InvoicesFound     int `json:"invoices_found"`
	ExportsDispatched int `json:"exports_dispatched"`
	Exported          int `json:"exported"`
	DuplicateSkipped  int `json:"duplicate_skipped"`
	ExportsFailed     int `json:"exports_failed"`

	// Sources maps source_id to its progress; the done flag makes duplicate
	// completion events a no-op.
	Sources map[string]SourceProgress `json:"sources,omitempty"`
}

// MarkSourceDone records a source completion idempotently. It returns false
// when the source was already marked done (duplicate delivery).
func (s *JobStats) MarkSourceDone(sourceID string, p SourceProgress) bool {
	if s.Sources == nil {
		s.Sources = make(map[string]SourceProgress)
	}
	if existing, ok := s.Sources[sourceID]; ok && existing.Done {
		return false
	}
	p.Done = true
	s.Sources[sourceID] = p
	if p.Failed {
		s.SourcesFailed++
	} else {
		s.SourcesSucceeded++
	}
	s.InvoicesFound += p.InvoiceCount
	s.ExportsDispatched += p.ExportCount
	return true
}

// AllSourcesDone reports whether every dispatched source has reported.
func (s *JobStats) AllSourcesDone() bool {
	if s.SourcesDispatched == 0 {
		return true
	}
	done := 0
	for _, p := range s.Sources {
		if p.Done {
			done++
		}
	}
	return done >= s.SourcesDispatched
}

// AllSourcesFailed reports whether every dispatched source reported failure.
func (s *JobStats) AllSourcesFailed() bool {
	if s.SourcesDispatched == 0 {
		return false
	}
	return s.SourcesFailed >= s.SourcesDispatched
}

// Job is one execution instance of an Automation. The from_date/max_results
// snapshot is copied at trigger time so later automation edits never affect
// an in-flight job. Jobs are never deleted; they form the audit trail.
type Job struct {
	ID           string     `json:"id"                      db:"id"`
	AutomationID string     `json:"automation_id"           db:"automation_id"`
	TenantID     string     `json:"tenant_id"               db:"tenant_id"`
	Status       JobStatus  `json:"status"                  db:"status"`
	FromDate     *time.Time `json:"from_date,omitempty"     db:"from_date"`
	MaxResults   *int       `json:"max_results,omitempty"   db:"max_results"`
	StartedAt    *time.Time `json:"started_at,omitempty"    db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"  db:"completed_at"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	Stats        JobStats   `json:"stats"                   db:"stats"`
	CreatedAt    time.Time  `json:"created_at"              db:"created_at"`
}
