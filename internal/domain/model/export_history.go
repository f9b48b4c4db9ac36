package model

import (
	"encoding/json"
	"time"
)

// ExportStatus is the outcome recorded for one attempted (invoice, export) delivery.
type ExportStatus string

const (
	// ExportStatusSuccess records a delivery that reached the destination.
	ExportStatusSuccess ExportStatus = "success"
	// ExportStatusFailed records a delivery rejected or unreachable.
	ExportStatusFailed ExportStatus = "failed"
	// ExportStatusDuplicateSkipped records a delivery suppressed because the
	// duplicate key already has a success row. Not an error.
	ExportStatusDuplicateSkipped ExportStatus = "duplicate_skipped"
)

// Valid returns true if the ExportStatus is valid.
func (s ExportStatus) Valid() bool {
	return s == ExportStatusSuccess || s == ExportStatusFailed || s == ExportStatusDuplicateSkipped
}

// ExportHistory is one row per attempted (invoice, export) delivery. The
// success rows under a (export_id, duplicate_key) pair are the source of
// truth for duplicate suppression, not worker memory.
type ExportHistory struct {
	ID                string          `json:"id"                           db:"id"`
	JobID             string          `json:"job_id"                       db:"job_id"`
	ExportID          *string         `json:"export_id,omitempty"          db:"export_id"`
	ExportType        ExportType      `json:"export_type"                  db:"export_type"`
	Status            ExportStatus    `json:"status"                       db:"status"`
	DuplicateKey      string          `json:"duplicate_key"                db:"duplicate_key"`
	ExportedAt        time.Time       `json:"exported_at"                  db:"exported_at"`
	ErrorMessage      *string         `json:"error_message,omitempty"      db:"error_message"`
	Context           json.RawMessage `json:"context,omitempty"            db:"context"`
	ExternalReference *string         `json:"external_reference,omitempty" db:"external_reference"`
}
