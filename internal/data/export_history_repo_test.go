package data_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/testutil"
)

type historyFixture struct {
	repo     *data.ExportHistoryRepo
	jobID    string
	exportID string
}

func newHistoryFixture(t *testing.T, db *sql.DB) historyFixture {
	t.Helper()
	automationID := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})
	exportID := testutil.SeedExport(t, db, testutil.SeedExportParams{
		AutomationID: automationID, Active: true,
	})
	jobs := data.NewJobRepo(db, data.RepoConfig{})
	job, err := jobs.Create(context.Background(), data.CreateJobParams{
		AutomationID: automationID, TenantID: uuid.NewString(),
	})
	require.NoError(t, err)
	return historyFixture{
		repo:     data.NewExportHistoryRepo(db, data.RepoConfig{}),
		jobID:    job.ID,
		exportID: exportID,
	}
}

func TestExportHistoryRecordSuccessSuppressesDuplicates(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		fx := newHistoryFixture(t, db)
		ref := "tx-42"

		h, err := fx.repo.RecordSuccess(context.Background(), data.RecordSuccessParams{
			JobID:             fx.jobID,
			ExportID:          fx.exportID,
			ExportType:        model.ExportTypeLocalStorage,
			DuplicateKey:      "free/2025-06/INV-001",
			Context:           json.RawMessage(`{"invoice_id":"INV-001"}`),
			ExternalReference: &ref,
		})
		require.NoError(t, err)
		assert.Equal(t, model.ExportStatusSuccess, h.Status)
		require.NotNil(t, h.ExternalReference)
		assert.Equal(t, "tx-42", *h.ExternalReference)

		// A second worker racing on the same key loses the conditional insert.
		_, err = fx.repo.RecordSuccess(context.Background(), data.RecordSuccessParams{
			JobID:        fx.jobID,
			ExportID:     fx.exportID,
			ExportType:   model.ExportTypeLocalStorage,
			DuplicateKey: "free/2025-06/INV-001",
		})
		require.ErrorIs(t, err, data.ErrDuplicateExport)

		found, err := fx.repo.FindSuccess(context.Background(), fx.exportID, "free/2025-06/INV-001")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, h.ID, found.ID)

		missing, err := fx.repo.FindSuccess(context.Background(), fx.exportID, "free/2025-06/INV-999")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestExportHistoryRecordSuccessValidation(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		fx := newHistoryFixture(t, db)

		_, err := fx.repo.RecordSuccess(context.Background(), data.RecordSuccessParams{
			JobID:    fx.jobID,
			ExportID: fx.exportID,
		})
		require.ErrorContains(t, err, "duplicate key is required")

		_, err = fx.repo.RecordSuccess(context.Background(), data.RecordSuccessParams{
			JobID:        "00000000-0000-0000-0000-000000000000",
			ExportID:     fx.exportID,
			ExportType:   model.ExportTypeLocalStorage,
			DuplicateKey: "free/2025-06/INV-002",
		})
		require.ErrorIs(t, err, data.ErrJobNotFound)
	})
}

func TestExportHistoryFailuresDoNotSuppress(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		fx := newHistoryFixture(t, db)
		key := "free/2025-06/INV-003"

		_, err := fx.repo.RecordFailure(context.Background(), fx.jobID, fx.exportID,
			model.ExportTypeAccounting, key, "accounting api: status 503", nil)
		require.NoError(t, err)

		// A failed row for the key never blocks the eventual success.
		h, err := fx.repo.RecordSuccess(context.Background(), data.RecordSuccessParams{
			JobID:        fx.jobID,
			ExportID:     fx.exportID,
			ExportType:   model.ExportTypeAccounting,
			DuplicateKey: key,
		})
		require.NoError(t, err)
		assert.Equal(t, model.ExportStatusSuccess, h.Status)
	})
}

func TestExportHistoryCountByStatus(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		fx := newHistoryFixture(t, db)

		_, err := fx.repo.RecordSuccess(context.Background(), data.RecordSuccessParams{
			JobID: fx.jobID, ExportID: fx.exportID,
			ExportType: model.ExportTypeLocalStorage, DuplicateKey: "k-1",
		})
		require.NoError(t, err)
		_, err = fx.repo.RecordSuccess(context.Background(), data.RecordSuccessParams{
			JobID: fx.jobID, ExportID: fx.exportID,
			ExportType: model.ExportTypeLocalStorage, DuplicateKey: "k-2",
		})
		require.NoError(t, err)
		_, err = fx.repo.RecordFailure(context.Background(), fx.jobID, fx.exportID,
			model.ExportTypeLocalStorage, "k-3", "disk full", nil)
		require.NoError(t, err)
		_, err = fx.repo.RecordDuplicate(context.Background(), fx.jobID, fx.exportID,
			model.ExportTypeLocalStorage, "k-1", nil)
		require.NoError(t, err)

		counts, err := fx.repo.CountByStatus(context.Background(), fx.jobID)
		require.NoError(t, err)
		assert.Equal(t, 2, counts.Success)
		assert.Equal(t, 1, counts.Failed)
		assert.Equal(t, 1, counts.DuplicateSkipped)
		assert.Equal(t, 4, counts.Total())

		rows, err := fx.repo.ListByJob(context.Background(), fx.jobID)
		require.NoError(t, err)
		assert.Len(t, rows, 4)
	})
}
