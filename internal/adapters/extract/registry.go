package extract

import (
	"fmt"

	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// Registry resolves source types to extractors.
type Registry struct {
	portal *PortalExtractor
	gmail  *GmailExtractor
}

// RegistryOptions holds the extractor implementations for a Registry.
type RegistryOptions struct {
	Portal *PortalExtractor
	Gmail  *GmailExtractor
}

// NewRegistry creates a new Registry with the given extractors.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{portal: opts.Portal, gmail: opts.Gmail}
}

var _ core.ExtractorResolver = (*Registry)(nil)

// Resolve returns the extractor for a source type. The switch is
// exhaustive over model.SourceType: an unhandled type fails the source
// with a clear error instead of silently extracting nothing.
func (r *Registry) Resolve(t model.SourceType) (core.Extractor, error) {
	switch t {
	case model.SourceTypeFreeInvoice, model.SourceTypeFreeMobileInvoice:
		if r.portal == nil {
			return nil, fmt.Errorf("portal extractor not configured")
		}
		return r.portal, nil
	case model.SourceTypeGmail:
		if r.gmail == nil {
			return nil, fmt.Errorf("gmail extractor not configured")
		}
		return r.gmail, nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", t)
	}
}
