package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// AutomationRepo provides read access to automations, sources, exports and
// mappings. The orchestration core never mutates these beyond the
// last_run_at watermark used by the scheduler.
type AutomationRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewAutomationRepo creates a new AutomationRepo.
func NewAutomationRepo(db *sql.DB, cfg RepoConfig) *AutomationRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AutomationRepo{DB: db, logger: logger}
}

const automationColumns = `
  id, tenant_id, name, description, schedule, from_date_rule, active,
  created_at, updated_at, last_run_at`

func scanAutomation(row interface{ Scan(...any) error }) (*model.Automation, error) {
	var a model.Automation
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Description, &a.Schedule, &a.FromDateRule,
		&a.Active, &a.CreatedAt, &a.UpdatedAt, &a.LastRunAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Find returns the automation by ID.
func (r *AutomationRepo) Find(ctx context.Context, id string) (*model.Automation, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE id = $1`, id)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAutomationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find automation: %w", err)
	}
	return a, nil
}

// ListScheduled returns active automations that carry a cron schedule.
func (r *AutomationRepo) ListScheduled(ctx context.Context) ([]model.Automation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE active AND schedule IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled automations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Automation
	for rows.Next() {
		a, scanErr := scanAutomation(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan automation: %w", scanErr)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TouchLastRun records the scheduler's last-trigger watermark.
func (r *AutomationRepo) TouchLastRun(ctx context.Context, id string, at time.Time) error {
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE automations SET last_run_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch last_run_at: %w", err)
	}
	return nil
}

// ActiveSources returns the automation's active sources.
func (r *AutomationRepo) ActiveSources(ctx context.Context, automationID string) ([]model.Source, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, automation_id, name, type, email_sender_from, email_subject_contains,
		       extraction_params, max_results, active, created_at, updated_at
		FROM sources
		WHERE automation_id = $1 AND active`, automationID)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Source
	for rows.Next() {
		var s model.Source
		if scanErr := rows.Scan(
			&s.ID, &s.AutomationID, &s.Name, &s.Type, &s.EmailSenderFrom, &s.EmailSubjectLike,
			&s.ExtractionParams, &s.MaxResults, &s.Active, &s.CreatedAt, &s.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan source: %w", scanErr)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindActiveSource returns one active source by ID.
func (r *AutomationRepo) FindActiveSource(ctx context.Context, sourceID string) (*model.Source, error) {
	var s model.Source
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, automation_id, name, type, email_sender_from, email_subject_contains,
		       extraction_params, max_results, active, created_at, updated_at
		FROM sources
		WHERE id = $1 AND active`, sourceID).Scan(
		&s.ID, &s.AutomationID, &s.Name, &s.Type, &s.EmailSenderFrom, &s.EmailSubjectLike,
		&s.ExtractionParams, &s.MaxResults, &s.Active, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find source: %w", err)
	}
	return &s, nil
}

// FindActiveExport returns one active export by ID.
func (r *AutomationRepo) FindActiveExport(ctx context.Context, exportID string) (*model.Export, error) {
	var e model.Export
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, automation_id, name, type, configuration, active, created_at, updated_at
		FROM exports
		WHERE id = $1 AND active`, exportID).Scan(
		&e.ID, &e.AutomationID, &e.Name, &e.Type, &e.Configuration,
		&e.Active, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find export: %w", err)
	}
	return &e, nil
}

// MappingsForSource returns the source's mappings to active exports,
// ordered by ascending priority.
func (r *AutomationRepo) MappingsForSource(ctx context.Context, sourceID string) ([]model.Mapping, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT m.id, m.source_id, m.export_id, m.priority, m.conditions, m.created_at
		FROM source_export_mappings m
		JOIN exports e ON e.id = m.export_id AND e.active
		WHERE m.source_id = $1
		ORDER BY m.priority ASC, m.created_at ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Mapping
	for rows.Next() {
		var m model.Mapping
		if scanErr := rows.Scan(
			&m.ID, &m.SourceID, &m.ExportID, &m.Priority, &m.Conditions, &m.CreatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan mapping: %w", scanErr)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
