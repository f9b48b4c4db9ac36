package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrAutomationNotFound is returned when an automation does not exist.
	ErrAutomationNotFound = errors.New("automation not found")
	// ErrSourceNotFound is returned when a source does not exist or is inactive.
	ErrSourceNotFound = errors.New("source not found")
	// ErrExportNotFound is returned when an export does not exist or is inactive.
	ErrExportNotFound = errors.New("export not found")
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateExport is returned by the conditional success insert when
	// another delivery already holds the (export_id, duplicate_key) success row.
	ErrDuplicateExport = errors.New("export already recorded for duplicate key")
)
