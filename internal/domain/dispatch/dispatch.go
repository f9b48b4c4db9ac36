// Package dispatch contains the pure work-item mapping units: an
// automation's active sources become extraction work, and an extracted
// invoice plus a source's mappings become delivery work. No I/O happens
// here, which keeps the fan-out logic independently testable.
package dispatch

import (
	"fmt"
	"sort"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// SourceWork maps a job and its automation's active sources to the bounded
// set of extraction work items the coordinator fans out.
func SourceWork(job *model.Job, sources []model.Source) []event.SourceExecute {
	items := make([]event.SourceExecute, 0, len(sources))
	for _, src := range sources {
		if !src.Active {
			continue
		}
		maxResults := job.MaxResults
		if maxResults == nil && src.MaxResults > 0 {
			mr := src.MaxResults
			maxResults = &mr
		}
		items = append(items, event.SourceExecute{
			JobID:        job.ID,
			AutomationID: job.AutomationID,
			TenantID:     job.TenantID,
			SourceID:     src.ID,
			SourceType:   string(src.Type),
			SourceName:   src.Name,
			FromDate:     job.FromDate,
			MaxResults:   maxResults,
		})
	}
	return items
}

// ConditionError marks a mapping whose filter condition could not be
// evaluated. It is a fatal configuration error scoped to that one mapping.
type ConditionError struct {
	MappingID string
	Err       error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("mapping %s: evaluate condition: %v", e.MappingID, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// ExportWork maps one extracted invoice and the source's mappings to
// delivery work items. Each mapping's JMESPath condition is evaluated
// against the invoice's JSON form; only passing mappings produce work.
// Items are returned in ascending priority order, which fixes emission
// order only (completion order is up to the export workers).
//
// Mappings whose conditions fail to evaluate are skipped and reported via
// the returned ConditionErrors; they never block sibling mappings.
func ExportWork(
	item event.SourceExecute,
	invoice model.Invoice,
	mappings []model.Mapping,
) ([]event.ExportExecute, []*ConditionError) {
	sorted := make([]model.Mapping, len(mappings))
	copy(sorted, mappings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	var (
		work    []event.ExportExecute
		condErr []*ConditionError
	)
	for _, m := range sorted {
		pass, err := conditionPasses(m, invoice)
		if err != nil {
			condErr = append(condErr, &ConditionError{MappingID: m.ID, Err: err})
			continue
		}
		if !pass {
			continue
		}
		work = append(work, event.ExportExecute{
			JobID:      item.JobID,
			TenantID:   item.TenantID,
			SourceID:   item.SourceID,
			ExportID:   m.ExportID,
			Invoice:    invoice,
			Priority:   m.Priority,
			SourceName: item.SourceName,
		})
	}
	return work, condErr
}

func conditionPasses(m model.Mapping, invoice model.Invoice) (bool, error) {
	if m.Conditions == nil || *m.Conditions == "" {
		return true, nil
	}
	data, err := invoice.AsMap()
	if err != nil {
		return false, err
	}
	result, err := jmespath.Search(*m.Conditions, data)
	if err != nil {
		return false, err
	}
	pass, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", *m.Conditions)
	}
	return pass, nil
}
