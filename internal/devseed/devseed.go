// Package devseed seeds a development database with a demo automation
// covering every source and export type. Seeding is idempotent: rows are
// keyed by fixed UUIDs and re-running updates nothing.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Fixed IDs so repeated seeding never duplicates rows and demo commands
// can reference them directly.
const (
	TenantID     = "00000000-0000-0000-0000-000000000001"
	AutomationID = "11111111-1111-1111-1111-111111111111"

	FreeSourceID  = "22222222-2222-2222-2222-222222222201"
	GmailSourceID = "22222222-2222-2222-2222-222222222202"

	StorageExportID    = "33333333-3333-3333-3333-333333333301"
	AccountingExportID = "33333333-3333-3333-3333-333333333302"
)

// Seed inserts the demo automation, its sources, exports, and mappings.
func Seed(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	statements := []struct {
		desc string
		sql  string
		args []any
	}{
		{
			desc: "automation",
			sql: `INSERT INTO automations (id, tenant_id, name, description, schedule, from_date_rule, active)
			      VALUES ($1, $2, $3, $4, $5, $6, TRUE)
			      ON CONFLICT (id) DO NOTHING`,
			args: []any{
				AutomationID, TenantID, "Demo invoice automation",
				"Collects Free portal and Gmail invoices into local storage and accounting",
				"0 7 * * *", "current_year",
			},
		},
		{
			desc: "free source",
			sql: `INSERT INTO sources (id, automation_id, name, type, extraction_params, max_results, active)
			      VALUES ($1, $2, $3, 'FreeInvoice', $4::jsonb, 30, TRUE)
			      ON CONFLICT (id) DO NOTHING`,
			args: []any{
				FreeSourceID, AutomationID, "Free portal",
				`{
					"login_url": "https://subscribe.free.fr/login/do_login.pl",
					"list_url": "https://adsl.free.fr/liste-factures.pl",
					"row_pattern": "(?<row>no_facture=(?<invoice_id>\\d+)[^>]*>(?<date_label>[^<]+)</a>.*?(?<amount>[0-9]+,[0-9]{2})\\s*€)",
					"source_name": "Free"
				}`,
			},
		},
		{
			desc: "gmail source",
			sql: `INSERT INTO sources (id, automation_id, name, type, email_sender_from, email_subject_contains, extraction_params, max_results, active)
			      VALUES ($1, $2, $3, 'Gmail', $4, $5, $6::jsonb, 20, TRUE)
			      ON CONFLICT (id) DO NOTHING`,
			args: []any{
				GmailSourceID, AutomationID, "OVH invoices", "billing@ovh.com", "facture",
				`{
					"email_text": [
						"Facture\\s+(?<invoice_id>[A-Z0-9]+)",
						"montant\\s+de\\s+(?<amount>[0-9]+,[0-9]{2})\\s*€",
						"du\\s+(?<date_label>\\d{2}/\\d{2}/\\d{4})"
					],
					"source_name": "OVH"
				}`,
			},
		},
		{
			desc: "local storage export",
			sql: `INSERT INTO exports (id, automation_id, name, type, configuration, active)
			      VALUES ($1, $2, $3, 'LocalStorage', $4::jsonb, TRUE)
			      ON CONFLICT (id) DO NOTHING`,
			args: []any{
				StorageExportID, AutomationID, "Archive folder",
				`{"base_path": "factures", "path_template": "{year}/{month}/{source}_{invoice_id}.pdf"}`,
			},
		},
		{
			desc: "accounting export",
			sql: `INSERT INTO exports (id, automation_id, name, type, configuration, active)
			      VALUES ($1, $2, $3, 'Accounting', $4::jsonb, TRUE)
			      ON CONFLICT (id) DO NOTHING`,
			args: []any{
				AccountingExportID, AutomationID, "Paheko books",
				`{
					"base_url": "http://localhost:8080/api/",
					"username": "api",
					"password": "api",
					"transaction_type": "EXPENSE",
					"debit": "6004",
					"credit": "512",
					"label_template": "Facture {source} {invoice_id}"
				}`,
			},
		},
		{
			desc: "free to storage mapping",
			sql: `INSERT INTO source_export_mappings (source_id, export_id, priority)
			      VALUES ($1, $2, 1)
			      ON CONFLICT (source_id, export_id) DO NOTHING`,
			args: []any{FreeSourceID, StorageExportID},
		},
		{
			desc: "free to accounting mapping",
			sql: `INSERT INTO source_export_mappings (source_id, export_id, priority, conditions)
			      VALUES ($1, $2, 2, $3)
			      ON CONFLICT (source_id, export_id) DO NOTHING`,
			args: []any{FreeSourceID, AccountingExportID, "amount_eur != null"},
		},
		{
			desc: "gmail to storage mapping",
			sql: `INSERT INTO source_export_mappings (source_id, export_id, priority)
			      VALUES ($1, $2, 1)
			      ON CONFLICT (source_id, export_id) DO NOTHING`,
			args: []any{GmailSourceID, StorageExportID},
		},
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql, stmt.args...); err != nil {
			return fmt.Errorf("seed %s: %w", stmt.desc, err)
		}
	}

	logger.InfoContext(ctx, "development seed complete", "automation_id", AutomationID)
	return nil
}
