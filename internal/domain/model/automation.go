// Package model defines the core data types and structures used throughout the fakturenn orchestration system.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the kind of upstream a Source extracts invoices from.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type SourceType string

// ExportType identifies the kind of downstream an Export delivers invoices to.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ExportType string

const (
	// SourceTypeFreeInvoice extracts invoices from the Free subscriber portal.
	SourceTypeFreeInvoice SourceType = "FreeInvoice"
	// SourceTypeFreeMobileInvoice extracts invoices from the Free Mobile subscriber portal.
	SourceTypeFreeMobileInvoice SourceType = "FreeMobileInvoice"
	// SourceTypeGmail extracts invoices from a Gmail mailbox search.
	SourceTypeGmail SourceType = "Gmail"

	// ExportTypeAccounting delivers invoices as accounting transactions (Paheko-style API).
	ExportTypeAccounting ExportType = "Accounting"
	// ExportTypeLocalStorage delivers invoice documents into a local directory tree.
	ExportTypeLocalStorage ExportType = "LocalStorage"
	// ExportTypeCloudDrive delivers invoice documents into a cloud drive folder tree.
	ExportTypeCloudDrive ExportType = "CloudDrive"
)

// Valid returns true if the SourceType is one of the supported variants.
func (t SourceType) Valid() bool {
	return t == SourceTypeFreeInvoice || t == SourceTypeFreeMobileInvoice || t == SourceTypeGmail
}

// UnmarshalText implements encoding.TextUnmarshaler for SourceType.
func (t *SourceType) UnmarshalText(text []byte) error {
	v := SourceType(strings.TrimSpace(string(text)))
	if !v.Valid() {
		return fmt.Errorf("invalid SourceType: %q", string(text))
	}
	*t = v
	return nil
}

// Valid returns true if the ExportType is one of the supported variants.
func (t ExportType) Valid() bool {
	return t == ExportTypeAccounting || t == ExportTypeLocalStorage || t == ExportTypeCloudDrive
}

// UnmarshalText implements encoding.TextUnmarshaler for ExportType.
func (t *ExportType) UnmarshalText(text []byte) error {
	v := ExportType(strings.TrimSpace(string(text)))
	if !v.Valid() {
		return fmt.Errorf("invalid ExportType: %q", string(text))
	}
	*t = v
	return nil
}

// Automation binds a tenant's sources to exports and carries trigger policy.
// The orchestration core reads automations; only the CRUD layer mutates them.
type Automation struct {
	ID           string     `json:"id"                       db:"id"`
	TenantID     string     `json:"tenant_id"                db:"tenant_id"`
	Name         string     `json:"name"                     db:"name"`
	Description  *string    `json:"description,omitempty"    db:"description"`
	Schedule     *string    `json:"schedule,omitempty"       db:"schedule"` // cron expression
	FromDateRule *string    `json:"from_date_rule,omitempty" db:"from_date_rule"`
	Active       bool       `json:"active"                   db:"active"`
	CreatedAt    time.Time  `json:"created_at"               db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"               db:"updated_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"    db:"last_run_at"`
}

// Source is a typed origin of invoice documents owned by an Automation.
// ExtractionParams is opaque to the orchestration core and interpreted by
// the extractor for the given type.
type Source struct {
	ID               string          `json:"id"                               db:"id"`
	AutomationID     string          `json:"automation_id"                    db:"automation_id"`
	Name             string          `json:"name"                             db:"name"`
	Type             SourceType      `json:"type"                             db:"type"`
	EmailSenderFrom  *string         `json:"email_sender_from,omitempty"      db:"email_sender_from"`
	EmailSubjectLike *string         `json:"email_subject_contains,omitempty" db:"email_subject_contains"`
	ExtractionParams json.RawMessage `json:"extraction_params,omitempty"      db:"extraction_params"`
	MaxResults       int             `json:"max_results"                      db:"max_results"`
	Active           bool            `json:"active"                           db:"active"`
	CreatedAt        time.Time       `json:"created_at"                       db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"                       db:"updated_at"`
}

// Export is a typed destination for invoice documents owned by an Automation.
type Export struct {
	ID            string          `json:"id"            db:"id"`
	AutomationID  string          `json:"automation_id" db:"automation_id"`
	Name          string          `json:"name"          db:"name"`
	Type          ExportType      `json:"type"          db:"type"`
	Configuration json.RawMessage `json:"configuration" db:"configuration"`
	Active        bool            `json:"active"        db:"active"`
	CreatedAt     time.Time       `json:"created_at"    db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"    db:"updated_at"`
}

// Mapping is a prioritized, conditionally filtered edge from a Source to an
// Export. Lower priority values are dispatched first. Conditions is an
// optional JMESPath expression evaluated against the extracted invoice.
type Mapping struct {
	ID         string    `json:"id"                   db:"id"`
	SourceID   string    `json:"source_id"            db:"source_id"`
	ExportID   string    `json:"export_id"            db:"export_id"`
	Priority   int       `json:"priority"             db:"priority"`
	Conditions *string   `json:"conditions,omitempty" db:"conditions"`
	CreatedAt  time.Time `json:"created_at"           db:"created_at"`
}
