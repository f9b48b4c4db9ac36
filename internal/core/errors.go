package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the orchestration core. Errors are recovered at the
// smallest scope they occur in (one source, one export, one mapping) and
// aggregated upward into job stats; only total failure escalates to a
// failed job.

// TransientError marks infrastructure failures (bus or store unreachable)
// that are resolved by message redelivery. Handlers return these without
// acking so the visibility window retries them.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retriable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried via redelivery.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ExtractionError scopes a failure to one source's extraction run. It is
// recorded as a failed source in the job stats and never aborts sibling
// sources.
type ExtractionError struct {
	SourceID string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for source %s: %v", e.SourceID, e.Err)
}
func (e *ExtractionError) Unwrap() error { return e.Err }

// DeliveryError scopes a failure to one (invoice, export) delivery. It is
// recorded as a failed export history row and never blocks sibling
// deliveries of the same invoice.
type DeliveryError struct {
	ExportID string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for export %s: %v", e.ExportID, e.Err)
}
func (e *DeliveryError) Unwrap() error { return e.Err }

// ConfigError marks a fatal configuration problem (malformed mapping
// condition, unresolvable path template) detected before any external
// side effect. The scope names the misconfigured object.
type ConfigError struct {
	Scope string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration (%s): %v", e.Scope, e.Err)
}
func (e *ConfigError) Unwrap() error { return e.Err }
