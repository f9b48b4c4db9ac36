package data_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/testutil"
)

func TestAutomationRepoFind(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		rule := "current_year"
		id := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{
			Name:         "monthly-invoices",
			FromDateRule: &rule,
			Active:       true,
		})

		a, err := repo.Find(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "monthly-invoices", a.Name)
		require.NotNil(t, a.FromDateRule)
		assert.Equal(t, "current_year", *a.FromDateRule)
		assert.True(t, a.Active)

		_, err = repo.Find(context.Background(), "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, data.ErrAutomationNotFound)
	})
}

func TestAutomationRepoListScheduled(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		cron := "0 7 * * *"

		scheduled := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{
			Schedule: &cron, Active: true,
		})
		testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})
		testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{
			Schedule: &cron, Active: false,
		})

		out, err := repo.ListScheduled(context.Background())
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, scheduled, out[0].ID)
	})
}

func TestAutomationRepoTouchLastRun(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		id := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})

		at := testutil.TestTime()
		require.NoError(t, repo.TouchLastRun(context.Background(), id, at))

		a, err := repo.Find(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, a.LastRunAt)
		assert.True(t, at.Equal(*a.LastRunAt))
	})
}

func TestAutomationRepoSourceLookups(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		automationID := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})

		active := testutil.SeedSource(t, db, testutil.SeedSourceParams{
			AutomationID: automationID,
			Type:         model.SourceTypeFreeInvoice,
			MaxResults:   12,
			Active:       true,
		})
		testutil.SeedSource(t, db, testutil.SeedSourceParams{
			AutomationID: automationID,
			Active:       false,
		})

		sources, err := repo.ActiveSources(context.Background(), automationID)
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.Equal(t, active, sources[0].ID)
		assert.Equal(t, 12, sources[0].MaxResults)

		src, err := repo.FindActiveSource(context.Background(), active)
		require.NoError(t, err)
		assert.Equal(t, model.SourceTypeFreeInvoice, src.Type)
	})
}

func TestAutomationRepoFindActiveSourceDeactivated(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		automationID := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})
		id := testutil.SeedSource(t, db, testutil.SeedSourceParams{
			AutomationID: automationID, Active: false,
		})

		_, err := repo.FindActiveSource(context.Background(), id)
		require.ErrorIs(t, err, data.ErrSourceNotFound)
	})
}

func TestAutomationRepoExportLookups(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		automationID := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})
		id := testutil.SeedExport(t, db, testutil.SeedExportParams{
			AutomationID:  automationID,
			Type:          model.ExportTypeAccounting,
			Configuration: []byte(`{"base_url":"http://paheko.test"}`),
			Active:        true,
		})

		e, err := repo.FindActiveExport(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.ExportTypeAccounting, e.Type)
		assert.JSONEq(t, `{"base_url":"http://paheko.test"}`, string(e.Configuration))

		inactive := testutil.SeedExport(t, db, testutil.SeedExportParams{
			AutomationID: automationID, Active: false,
		})
		_, err = repo.FindActiveExport(context.Background(), inactive)
		require.ErrorIs(t, err, data.ErrExportNotFound)
	})
}

func TestAutomationRepoMappingsForSource(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		automationID := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})
		sourceID := testutil.SeedSource(t, db, testutil.SeedSourceParams{
			AutomationID: automationID, Active: true,
		})

		second := testutil.SeedExport(t, db, testutil.SeedExportParams{
			AutomationID: automationID, Active: true,
		})
		first := testutil.SeedExport(t, db, testutil.SeedExportParams{
			AutomationID: automationID, Active: true,
		})
		retired := testutil.SeedExport(t, db, testutil.SeedExportParams{
			AutomationID: automationID, Active: false,
		})

		cond := "amount_eur != null"
		testutil.SeedMapping(t, db, sourceID, second, 20, nil)
		testutil.SeedMapping(t, db, sourceID, first, 10, &cond)
		testutil.SeedMapping(t, db, sourceID, retired, 1, nil)

		mappings, err := repo.MappingsForSource(context.Background(), sourceID)
		require.NoError(t, err)
		require.Len(t, mappings, 2)

		// Ascending priority, mappings to inactive exports dropped.
		assert.Equal(t, first, mappings[0].ExportID)
		require.NotNil(t, mappings[0].Conditions)
		assert.Equal(t, "amount_eur != null", *mappings[0].Conditions)
		assert.Equal(t, second, mappings[1].ExportID)
	})
}

// Guard against clock skew between the test process and the database:
// seeded timestamps come from Postgres defaults while the repositories
// write through their own time provider.
func TestAutomationRepoTimestampsAreSane(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := data.NewAutomationRepo(db, data.RepoConfig{})
		id := testutil.SeedAutomation(t, db, testutil.SeedAutomationParams{Active: true})

		a, err := repo.Find(context.Background(), id)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), a.CreatedAt, time.Hour)
	})
}
