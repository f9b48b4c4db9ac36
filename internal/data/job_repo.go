package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fakturenn/fakturenn/internal/data/pgerr"
	"github.com/fakturenn/fakturenn/internal/data/pgxutil"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// RepoConfig holds shared configuration for data-layer repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides transactional persistence for jobs. Every status write
// carries a guard on the current status, which is what makes transitions
// monotonic and redelivered events harmless under concurrent coordinators.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{DB: db, timeProvider: tp, logger: logger}
}

const jobColumns = `
  id, automation_id, tenant_id, status, from_date, max_results,
  started_at, completed_at, error_message, stats, created_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j        model.Job
		rawStats []byte
	)
	err := row.Scan(
		&j.ID, &j.AutomationID, &j.TenantID, &j.Status, &j.FromDate, &j.MaxResults,
		&j.StartedAt, &j.CompletedAt, &j.ErrorMessage, &rawStats, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(rawStats) > 0 {
		if err := json.Unmarshal(rawStats, &j.Stats); err != nil {
			return nil, fmt.Errorf("decode job stats: %w", err)
		}
	}
	return &j, nil
}

// CreateJobParams carries the immutable snapshot for a new job.
type CreateJobParams struct {
	AutomationID string
	TenantID     string
	FromDate     *time.Time
	MaxResults   *int
}

// Create inserts a pending job with its from_date/max_results snapshot.
func (r *JobRepo) Create(ctx context.Context, p CreateJobParams) (*model.Job, error) {
	if p.AutomationID == "" {
		return nil, errors.New("automation id is required")
	}
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (automation_id, tenant_id, status, from_date, max_results, stats, created_at)
		VALUES ($1, $2, 'pending', $3, $4, '{}'::jsonb, $5)
		RETURNING `+jobColumns,
		p.AutomationID, p.TenantID, p.FromDate, p.MaxResults, r.timeProvider.Now())
	job, err := scanJob(row)
	if pgerr.IsForeignKeyViolation(err) {
		// The automation was deleted between lookup and insert.
		return nil, fmt.Errorf("create job: %w", ErrAutomationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Find returns the job by ID.
func (r *JobRepo) Find(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return job, nil
}

// ListByAutomation returns jobs for an automation, newest first.
func (r *JobRepo) ListByAutomation(ctx context.Context, automationID string, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE automation_id = $1 ORDER BY created_at DESC LIMIT $2`,
		automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// MarkRunning transitions pending -> running, records started_at and the
// number of dispatched sources. The pending guard makes a redelivered
// JobStarted event a no-op: it returns false when the job already left
// pending.
func (r *JobRepo) MarkRunning(ctx context.Context, id string, sourcesDispatched int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'running',
		    started_at = $2,
		    stats = stats || jsonb_build_object('sources_dispatched', $3::int)
		WHERE id = $1 AND status = 'pending'`,
		id, r.timeProvider.Now(), sourcesDispatched)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark job running rows: %w", err)
	}
	return n > 0, nil
}

// MergeSourceDone records a source completion into the job stats inside a
// row-locked transaction. Duplicate completions for the same source_id are
// detected against the persisted done marker and merge as a no-op.
// It returns the post-merge stats and whether the event was new.
func (r *JobRepo) MergeSourceDone(
	ctx context.Context,
	jobID, sourceID string,
	p model.SourceProgress,
) (*model.Job, bool, error) {
	var (
		job    *model.Job
		merged bool
	)
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
			j, err := scanJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("lock job: %w", err)
			}
			if j.Status.Terminal() {
				job = j
				return nil
			}

			merged = j.Stats.MarkSourceDone(sourceID, p)
			if !merged {
				job = j
				return nil
			}

			raw, err := json.Marshal(j.Stats)
			if err != nil {
				return fmt.Errorf("encode job stats: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET stats = $2 WHERE id = $1`, jobID, raw); err != nil {
				return fmt.Errorf("update job stats: %w", err)
			}
			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, false, txErr
	}
	return job, merged, nil
}

// Finalize transitions a job into a terminal state exactly once: the
// non-terminal guard means concurrent finalizers race and a single one
// wins. The final stats snapshot is persisted with the transition.
func (r *JobRepo) Finalize(
	ctx context.Context,
	id string,
	status model.JobStatus,
	errorMessage *string,
	stats model.JobStats,
) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalize requires a terminal status, got %q", status)
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("encode job stats: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = $3, error_message = $4, stats = $5
		WHERE id = $1 AND status IN ('pending', 'running')`,
		id, status, r.timeProvider.Now(), errorMessage, raw)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize job rows: %w", err)
	}
	return n > 0, nil
}

// ListStalePending returns pending jobs created before the grace cutoff.
// These are jobs whose trigger crashed between the row insert and the
// JobStarted publish; the reconciler re-publishes for them.
func (r *JobRepo) ListStalePending(ctx context.Context, grace time.Duration, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := r.timeProvider.Now().Add(-grace)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListTimedOut returns running jobs whose last activity predates the
// ceiling. The reconciler finalizes them as failed; the non-terminal guard
// in Finalize keeps that transition exactly-once.
func (r *JobRepo) ListTimedOut(ctx context.Context, ceiling time.Duration, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := r.timeProvider.Now().Add(-ceiling)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list timed out jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
