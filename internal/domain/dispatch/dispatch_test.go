package dispatch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/domain/dispatch"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

func strPtr(s string) *string    { return &s }
func intPtr(v int) *int          { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestSourceWork(t *testing.T) {
	fromDate := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &model.Job{
		ID:           "job-1",
		AutomationID: "auto-1",
		TenantID:     "tenant-1",
		FromDate:     &fromDate,
	}
	sources := []model.Source{
		{ID: "src-1", Name: "Free", Type: model.SourceTypeFreeInvoice, Active: true, MaxResults: 10},
		{ID: "src-2", Name: "OVH", Type: model.SourceTypeGmail, Active: true},
		{ID: "src-3", Name: "Disabled", Type: model.SourceTypeGmail, Active: false},
	}

	items := dispatch.SourceWork(job, sources)

	require.Len(t, items, 2, "inactive sources produce no work")

	assert.Equal(t, "job-1", items[0].JobID)
	assert.Equal(t, "auto-1", items[0].AutomationID)
	assert.Equal(t, "tenant-1", items[0].TenantID)
	assert.Equal(t, "src-1", items[0].SourceID)
	assert.Equal(t, string(model.SourceTypeFreeInvoice), items[0].SourceType)
	assert.Equal(t, "Free", items[0].SourceName)
	require.NotNil(t, items[0].FromDate)
	assert.Equal(t, fromDate, *items[0].FromDate)
	require.NotNil(t, items[0].MaxResults, "source max_results used when job has none")
	assert.Equal(t, 10, *items[0].MaxResults)

	assert.Equal(t, "src-2", items[1].SourceID)
	assert.Nil(t, items[1].MaxResults)
}

func TestSourceWorkJobOverrideWins(t *testing.T) {
	job := &model.Job{ID: "job-1", AutomationID: "auto-1", TenantID: "t", MaxResults: intPtr(3)}
	sources := []model.Source{
		{ID: "src-1", Name: "Free", Type: model.SourceTypeFreeInvoice, Active: true, MaxResults: 10},
	}

	items := dispatch.SourceWork(job, sources)

	require.Len(t, items, 1)
	require.NotNil(t, items[0].MaxResults)
	assert.Equal(t, 3, *items[0].MaxResults)
}

func TestSourceWorkNoSources(t *testing.T) {
	items := dispatch.SourceWork(&model.Job{ID: "job-1"}, nil)
	assert.Empty(t, items)
}

func TestExportWork(t *testing.T) {
	item := event.SourceExecute{
		JobID:      "job-1",
		TenantID:   "tenant-1",
		SourceID:   "src-1",
		SourceName: "Free",
	}
	invoice := model.Invoice{
		Date:      "2025-06-01",
		InvoiceID: "INV-001",
		AmountEUR: floatPtr(29.99),
		Source:    "Free",
	}
	mappings := []model.Mapping{
		{ID: "map-2", SourceID: "src-1", ExportID: "exp-acct", Priority: 2},
		{ID: "map-1", SourceID: "src-1", ExportID: "exp-store", Priority: 1},
	}

	work, condErrs := dispatch.ExportWork(item, invoice, mappings)

	require.Empty(t, condErrs)
	require.Len(t, work, 2)
	assert.Equal(t, "exp-store", work[0].ExportID, "lower priority dispatches first")
	assert.Equal(t, "exp-acct", work[1].ExportID)
	assert.Equal(t, "job-1", work[0].JobID)
	assert.Equal(t, "tenant-1", work[0].TenantID)
	assert.Equal(t, "src-1", work[0].SourceID)
	assert.Equal(t, "Free", work[0].SourceName)
	assert.Equal(t, 1, work[0].Priority)
	assert.Equal(t, invoice, work[0].Invoice)
}

func TestExportWorkConditions(t *testing.T) {
	item := event.SourceExecute{JobID: "job-1", SourceID: "src-1"}

	tests := []struct {
		name      string
		invoice   model.Invoice
		condition string
		dispatched bool
	}{
		{
			name:       "amount present passes not null check",
			invoice:    model.Invoice{Date: "2025-06-01", InvoiceID: "A", AmountEUR: floatPtr(10)},
			condition:  "amount_eur != null",
			dispatched: true,
		},
		{
			name:       "amount absent fails not null check",
			invoice:    model.Invoice{Date: "2025-06-01", InvoiceID: "A"},
			condition:  "amount_eur != null",
			dispatched: false,
		},
		{
			name:       "source match",
			invoice:    model.Invoice{Date: "2025-06-01", InvoiceID: "A", Source: "Free"},
			condition:  "source == 'Free'",
			dispatched: true,
		},
		{
			name:       "source mismatch",
			invoice:    model.Invoice{Date: "2025-06-01", InvoiceID: "A", Source: "OVH"},
			condition:  "source == 'Free'",
			dispatched: false,
		},
		{
			name:       "numeric comparison",
			invoice:    model.Invoice{Date: "2025-06-01", InvoiceID: "A", AmountEUR: floatPtr(120)},
			condition:  "amount_eur > `100`",
			dispatched: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mappings := []model.Mapping{
				{ID: "map-1", ExportID: "exp-1", Priority: 1, Conditions: strPtr(tt.condition)},
			}
			work, condErrs := dispatch.ExportWork(item, tt.invoice, mappings)
			require.Empty(t, condErrs)
			if tt.dispatched {
				assert.Len(t, work, 1)
			} else {
				assert.Empty(t, work)
			}
		})
	}
}

func TestExportWorkNilOrEmptyConditionAlwaysPasses(t *testing.T) {
	item := event.SourceExecute{JobID: "job-1"}
	invoice := model.Invoice{Date: "2025-06-01", InvoiceID: "A"}
	mappings := []model.Mapping{
		{ID: "map-1", ExportID: "exp-1", Priority: 1},
		{ID: "map-2", ExportID: "exp-2", Priority: 2, Conditions: strPtr("")},
	}

	work, condErrs := dispatch.ExportWork(item, invoice, mappings)

	require.Empty(t, condErrs)
	assert.Len(t, work, 2)
}

func TestExportWorkConditionErrorSkipsOnlyThatMapping(t *testing.T) {
	item := event.SourceExecute{JobID: "job-1"}
	// amount_eur is omitted from the JSON form, so comparing it with a
	// number yields null instead of a boolean.
	invoice := model.Invoice{Date: "2025-06-01", InvoiceID: "A"}
	mappings := []model.Mapping{
		{ID: "map-bad", ExportID: "exp-1", Priority: 1, Conditions: strPtr("amount_eur > `0`")},
		{ID: "map-ok", ExportID: "exp-2", Priority: 2},
	}

	work, condErrs := dispatch.ExportWork(item, invoice, mappings)

	require.Len(t, condErrs, 1)
	assert.Equal(t, "map-bad", condErrs[0].MappingID)
	assert.Contains(t, condErrs[0].Error(), "did not evaluate to a boolean")
	require.Len(t, work, 1)
	assert.Equal(t, "exp-2", work[0].ExportID)
}

func TestExportWorkInvalidExpression(t *testing.T) {
	item := event.SourceExecute{JobID: "job-1"}
	invoice := model.Invoice{Date: "2025-06-01", InvoiceID: "A"}
	mappings := []model.Mapping{
		{ID: "map-1", ExportID: "exp-1", Priority: 1, Conditions: strPtr("((")},
	}

	work, condErrs := dispatch.ExportWork(item, invoice, mappings)

	assert.Empty(t, work)
	require.Len(t, condErrs, 1)
	assert.Equal(t, "map-1", condErrs[0].MappingID)
	assert.Error(t, condErrs[0].Unwrap())
}

func TestExportWorkDoesNotMutateInput(t *testing.T) {
	item := event.SourceExecute{JobID: "job-1"}
	invoice := model.Invoice{Date: "2025-06-01", InvoiceID: "A"}
	mappings := []model.Mapping{
		{ID: "map-2", ExportID: "exp-2", Priority: 2},
		{ID: "map-1", ExportID: "exp-1", Priority: 1},
	}

	_, _ = dispatch.ExportWork(item, invoice, mappings)

	assert.Equal(t, "map-2", mappings[0].ID, "caller slice order preserved")
}
