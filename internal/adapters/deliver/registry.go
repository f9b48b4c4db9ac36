// Package deliver implements the export destinations: accounting API,
// local filesystem, and cloud drive. Each delivery owns its duplicate key
// derivation; keys are deterministic per (export, invoice) so redelivered
// work items resolve to the same key every time.
package deliver

import (
	"fmt"

	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// Registry resolves export types to delivery implementations.
type Registry struct {
	accounting *AccountingDelivery
	storage    *LocalStorageDelivery
	drive      *DriveDelivery
}

// RegistryOptions holds the delivery implementations for a Registry.
type RegistryOptions struct {
	Accounting *AccountingDelivery
	Storage    *LocalStorageDelivery
	Drive      *DriveDelivery
}

// NewRegistry creates a new Registry with the given deliveries.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		accounting: opts.Accounting,
		storage:    opts.Storage,
		drive:      opts.Drive,
	}
}

var _ core.DeliveryResolver = (*Registry)(nil)

// Resolve returns the delivery for an export type. The switch is
// exhaustive over model.ExportType: adding a type without extending this
// registry fails every delivery for it with a clear error.
func (r *Registry) Resolve(t model.ExportType) (core.Delivery, error) {
	switch t {
	case model.ExportTypeAccounting:
		if r.accounting == nil {
			return nil, fmt.Errorf("accounting delivery not configured")
		}
		return r.accounting, nil
	case model.ExportTypeLocalStorage:
		if r.storage == nil {
			return nil, fmt.Errorf("local storage delivery not configured")
		}
		return r.storage, nil
	case model.ExportTypeCloudDrive:
		if r.drive == nil {
			return nil, fmt.Errorf("cloud drive delivery not configured")
		}
		return r.drive, nil
	default:
		return nil, fmt.Errorf("unknown export type: %s", t)
	}
}
