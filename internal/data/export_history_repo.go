package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fakturenn/fakturenn/internal/data/pgerr"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// ExportHistoryRepo persists delivery outcomes. Success rows double as the
// duplicate-suppression ledger via the partial unique index on
// (export_id, duplicate_key) WHERE status = 'success'.
type ExportHistoryRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewExportHistoryRepo creates a new ExportHistoryRepo instance.
func NewExportHistoryRepo(db *sql.DB, cfg RepoConfig) *ExportHistoryRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportHistoryRepo{DB: db, timeProvider: tp, logger: logger}
}

const exportHistoryColumns = `
  id, job_id, export_id, export_type, status, duplicate_key,
  exported_at, error_message, context, external_reference`

func scanExportHistory(row interface{ Scan(...any) error }) (*model.ExportHistory, error) {
	var (
		h      model.ExportHistory
		rawCtx []byte
	)
	err := row.Scan(
		&h.ID, &h.JobID, &h.ExportID, &h.ExportType, &h.Status, &h.DuplicateKey,
		&h.ExportedAt, &h.ErrorMessage, &rawCtx, &h.ExternalReference,
	)
	if err != nil {
		return nil, err
	}
	h.Context = json.RawMessage(rawCtx)
	return &h, nil
}

// RecordSuccessParams carries a successful delivery outcome.
type RecordSuccessParams struct {
	JobID             string
	ExportID          string
	ExportType        model.ExportType
	DuplicateKey      string
	Context           json.RawMessage
	ExternalReference *string
}

// RecordSuccess inserts the success row for a delivered invoice. The insert
// is conditional on the partial unique index: when another worker already
// holds the success row for this (export, duplicate key) pair, zero rows
// are affected and ErrDuplicateExport is returned. Callers treat that as a
// lost race, not a failure.
func (r *ExportHistoryRepo) RecordSuccess(ctx context.Context, p RecordSuccessParams) (*model.ExportHistory, error) {
	if p.DuplicateKey == "" {
		return nil, errors.New("duplicate key is required")
	}
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO export_history
			(job_id, export_id, export_type, status, duplicate_key, exported_at, context, external_reference)
		VALUES ($1, $2, $3, 'success', $4, $5, $6, $7)
		ON CONFLICT (export_id, duplicate_key) WHERE status = 'success' DO NOTHING
		RETURNING `+exportHistoryColumns,
		p.JobID, p.ExportID, p.ExportType, p.DuplicateKey, r.timeProvider.Now(), nullableJSON(p.Context), p.ExternalReference)
	h, err := scanExportHistory(row)
	if errors.Is(err, sql.ErrNoRows) || pgerr.IsUniqueViolation(err) {
		// A unique violation on the success index is the same lost race
		// as the conflict arm.
		return nil, ErrDuplicateExport
	}
	if pgerr.IsForeignKeyViolation(err) {
		return nil, fmt.Errorf("record export success: %w", ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("record export success: %w", err)
	}
	return h, nil
}

// RecordFailure inserts a failed delivery row. Failures never participate
// in duplicate suppression, so a later retry can still succeed.
func (r *ExportHistoryRepo) RecordFailure(
	ctx context.Context,
	jobID, exportID string,
	exportType model.ExportType,
	duplicateKey, errorMessage string,
	contextJSON json.RawMessage,
) (*model.ExportHistory, error) {
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO export_history
			(job_id, export_id, export_type, status, duplicate_key, exported_at, error_message, context)
		VALUES ($1, $2, $3, 'failed', $4, $5, $6, $7)
		RETURNING `+exportHistoryColumns,
		jobID, exportID, exportType, duplicateKey, r.timeProvider.Now(), errorMessage, nullableJSON(contextJSON))
	h, err := scanExportHistory(row)
	if err != nil {
		return nil, fmt.Errorf("record export failure: %w", err)
	}
	return h, nil
}

// RecordDuplicate inserts a duplicate_skipped row so the suppressed
// delivery still shows in the job's audit trail and counts.
func (r *ExportHistoryRepo) RecordDuplicate(
	ctx context.Context,
	jobID, exportID string,
	exportType model.ExportType,
	duplicateKey string,
	contextJSON json.RawMessage,
) (*model.ExportHistory, error) {
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO export_history
			(job_id, export_id, export_type, status, duplicate_key, exported_at, context)
		VALUES ($1, $2, $3, 'duplicate_skipped', $4, $5, $6)
		RETURNING `+exportHistoryColumns,
		jobID, exportID, exportType, duplicateKey, r.timeProvider.Now(), nullableJSON(contextJSON))
	h, err := scanExportHistory(row)
	if err != nil {
		return nil, fmt.Errorf("record export duplicate: %w", err)
	}
	return h, nil
}

// FindSuccess returns the success row for (exportID, duplicateKey), or nil
// when none exists. Export workers consult this before delivering.
func (r *ExportHistoryRepo) FindSuccess(ctx context.Context, exportID, duplicateKey string) (*model.ExportHistory, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+exportHistoryColumns+` FROM export_history
		 WHERE export_id = $1 AND duplicate_key = $2 AND status = 'success'`,
		exportID, duplicateKey)
	h, err := scanExportHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find export success: %w", err)
	}
	return h, nil
}

// StatusCounts is the per-status tally of a job's export history rows.
type StatusCounts struct {
	Success          int
	Failed           int
	DuplicateSkipped int
}

// Total returns the number of recorded outcomes across all statuses.
func (c StatusCounts) Total() int {
	return c.Success + c.Failed + c.DuplicateSkipped
}

// CountByStatus tallies a job's export history rows per status. The
// coordinator derives export counters from these rows rather than from
// in-memory increments, which keeps the numbers exact under redelivery.
func (r *ExportHistoryRepo) CountByStatus(ctx context.Context, jobID string) (StatusCounts, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM export_history WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count export history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out StatusCounts
	for rows.Next() {
		var (
			status model.ExportStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("scan export history count: %w", err)
		}
		switch status {
		case model.ExportStatusSuccess:
			out.Success = n
		case model.ExportStatusFailed:
			out.Failed = n
		case model.ExportStatusDuplicateSkipped:
			out.DuplicateSkipped = n
		}
	}
	return out, rows.Err()
}

// ListByJob returns a job's export history rows, oldest first.
func (r *ExportHistoryRepo) ListByJob(ctx context.Context, jobID string) ([]model.ExportHistory, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+exportHistoryColumns+` FROM export_history
		 WHERE job_id = $1 ORDER BY exported_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list export history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ExportHistory
	for rows.Next() {
		h, scanErr := scanExportHistory(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan export history: %w", scanErr)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// nullableJSON maps an empty raw message to NULL so the column stays NULL
// instead of storing an empty string that the jsonb cast would reject.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
