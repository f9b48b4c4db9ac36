package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// SeedAutomationParams controls SeedAutomation.
type SeedAutomationParams struct {
	TenantID     string
	Name         string
	Schedule     *string
	FromDateRule *string
	Active       bool
	LastRunAt    *time.Time
}

// SeedAutomation inserts an automation row and returns its ID.
func SeedAutomation(t TestingTB, db *sql.DB, p SeedAutomationParams) string {
	t.Helper()
	if p.TenantID == "" {
		p.TenantID = uuid.NewString()
	}
	if p.Name == "" {
		p.Name = "automation-" + uuid.NewString()[:8]
	}

	var id string
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO automations (tenant_id, name, schedule, from_date_rule, active, last_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.TenantID, p.Name, p.Schedule, p.FromDateRule, p.Active, p.LastRunAt,
	).Scan(&id)
	if err != nil {
		t.Fatal("Failed to seed automation:", err)
	}
	return id
}

// SeedSourceParams controls SeedSource.
type SeedSourceParams struct {
	AutomationID     string
	Name             string
	Type             model.SourceType
	ExtractionParams json.RawMessage
	MaxResults       int
	Active           bool
}

// SeedSource inserts a source row and returns its ID.
func SeedSource(t TestingTB, db *sql.DB, p SeedSourceParams) string {
	t.Helper()
	if p.Name == "" {
		p.Name = "source-" + uuid.NewString()[:8]
	}
	if p.Type == "" {
		p.Type = model.SourceTypeFreeInvoice
	}
	if p.MaxResults == 0 {
		p.MaxResults = 30
	}

	var id string
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO sources (automation_id, name, type, extraction_params, max_results, active)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.AutomationID, p.Name, p.Type, nullableRaw(p.ExtractionParams), p.MaxResults, p.Active,
	).Scan(&id)
	if err != nil {
		t.Fatal("Failed to seed source:", err)
	}
	return id
}

// SeedExportParams controls SeedExport.
type SeedExportParams struct {
	AutomationID  string
	Name          string
	Type          model.ExportType
	Configuration json.RawMessage
	Active        bool
}

// SeedExport inserts an export row and returns its ID.
func SeedExport(t TestingTB, db *sql.DB, p SeedExportParams) string {
	t.Helper()
	if p.Name == "" {
		p.Name = "export-" + uuid.NewString()[:8]
	}
	if p.Type == "" {
		p.Type = model.ExportTypeLocalStorage
	}
	if len(p.Configuration) == 0 {
		p.Configuration = json.RawMessage(`{}`)
	}

	var id string
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO exports (automation_id, name, type, configuration, active)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.AutomationID, p.Name, p.Type, []byte(p.Configuration), p.Active,
	).Scan(&id)
	if err != nil {
		t.Fatal("Failed to seed export:", err)
	}
	return id
}

// SeedMapping inserts a source-export mapping row and returns its ID.
func SeedMapping(t TestingTB, db *sql.DB, sourceID, exportID string, priority int, conditions *string) string {
	t.Helper()

	var id string
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO source_export_mappings (source_id, export_id, priority, conditions)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sourceID, exportID, priority, conditions,
	).Scan(&id)
	if err != nil {
		t.Fatal("Failed to seed mapping:", err)
	}
	return id
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// InvoiceBuilder provides a fluent interface for building invoices in tests.
type InvoiceBuilder struct {
	inv model.Invoice
}

// NewInvoice creates an InvoiceBuilder with sensible defaults.
func NewInvoice() *InvoiceBuilder {
	amount := 29.99
	return &InvoiceBuilder{inv: model.Invoice{
		Date:      "2025-06-01",
		InvoiceID: "INV-001",
		AmountEUR: &amount,
		Source:    "Free",
	}}
}

// WithDate sets the invoice date (YYYY-MM-DD).
func (b *InvoiceBuilder) WithDate(date string) *InvoiceBuilder {
	b.inv.Date = date
	return b
}

// WithID sets the invoice identifier.
func (b *InvoiceBuilder) WithID(id string) *InvoiceBuilder {
	b.inv.InvoiceID = id
	return b
}

// WithAmount sets the parsed amount.
func (b *InvoiceBuilder) WithAmount(amount float64) *InvoiceBuilder {
	b.inv.AmountEUR = &amount
	return b
}

// WithoutAmount clears the parsed amount.
func (b *InvoiceBuilder) WithoutAmount() *InvoiceBuilder {
	b.inv.AmountEUR = nil
	return b
}

// WithSource sets the logical source name.
func (b *InvoiceBuilder) WithSource(source string) *InvoiceBuilder {
	b.inv.Source = source
	return b
}

// WithDocument sets the downloaded document path.
func (b *InvoiceBuilder) WithDocument(path string) *InvoiceBuilder {
	b.inv.DocumentPath = path
	return b
}

// WithField sets one free-form extracted field.
func (b *InvoiceBuilder) WithField(key, value string) *InvoiceBuilder {
	if b.inv.Fields == nil {
		b.inv.Fields = make(map[string]string)
	}
	b.inv.Fields[key] = value
	return b
}

// Build returns the constructed invoice.
func (b *InvoiceBuilder) Build() model.Invoice {
	return b.inv
}
