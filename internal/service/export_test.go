package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/service"
)

type exportFixture struct {
	svc         *service.ExportService
	automations *stubAutomations
	history     *stubHistory
	delivery    *stubDelivery
	resolver    *stubDeliveryResolver
	bus         *recordingBus
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	f := &exportFixture{
		automations: newStubAutomations(),
		history:     newStubHistory(),
		delivery:    &stubDelivery{key: "free/2025-06/INV-001"},
		bus:         newRecordingBus(),
	}
	f.resolver = &stubDeliveryResolver{delivery: f.delivery}
	f.automations.exports["exp-1"] = &model.Export{
		ID: "exp-1", Name: "storage", Type: model.ExportTypeLocalStorage, Active: true,
	}
	f.svc = service.NewExportService(service.ExportServiceOptions{
		Automations: f.automations,
		History:     f.history,
		Deliveries:  f.resolver,
		Bus:         f.bus,
	})
	return f
}

func exportItem() event.ExportExecute {
	return event.ExportExecute{
		JobID:    "job-a",
		TenantID: "tenant-1",
		SourceID: "src-1",
		ExportID: "exp-1",
		Invoice: model.Invoice{
			Date:      "2025-06-01",
			InvoiceID: "INV-001",
			AmountEUR: floatPtr(29.99),
			Source:    "Free",
		},
	}
}

func TestExportHandleExecuteDelivers(t *testing.T) {
	f := newExportFixture(t)
	ref := "tx-42"
	f.delivery.result = &core.DeliverResult{ExternalReference: &ref}

	err := f.svc.HandleExecute(context.Background(), exportItem())
	require.NoError(t, err)

	require.Len(t, f.delivery.delivered, 1)
	assert.Equal(t, "INV-001", f.delivery.delivered[0].Invoice.InvoiceID)

	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusSuccess, rows[0].Status)
	assert.Equal(t, "free/2025-06/INV-001", rows[0].DuplicateKey)
	require.NotNil(t, rows[0].ExternalReference)
	assert.Equal(t, "tx-42", *rows[0].ExternalReference)

	require.Equal(t, 1, f.bus.count(event.SubjectExportCompleted))
	var done event.ExportCompleted
	require.NoError(t, f.bus.decode(event.SubjectExportCompleted, 0, &done))
	assert.Equal(t, "tx-42", done.ExternalReference)
	assert.False(t, done.Skipped)
}

func TestExportHandleExecuteSkipsExistingSuccess(t *testing.T) {
	f := newExportFixture(t)
	_, err := f.history.RecordSuccess(context.Background(), data.RecordSuccessParams{
		JobID: "job-old", ExportID: "exp-1", ExportType: model.ExportTypeLocalStorage,
		DuplicateKey: "free/2025-06/INV-001",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleExecute(context.Background(), exportItem()))

	assert.Empty(t, f.delivery.delivered, "no destination write on a known duplicate")

	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusDuplicateSkipped, rows[0].Status)

	var done event.ExportCompleted
	require.NoError(t, f.bus.decode(event.SubjectExportCompleted, 0, &done))
	assert.True(t, done.Skipped)
}

func TestExportHandleExecuteLostInsertRaceDowngrades(t *testing.T) {
	f := newExportFixture(t)
	// FindSuccess sees nothing, then the conditional insert loses the race.
	f.history.successErr = data.ErrDuplicateExport

	require.NoError(t, f.svc.HandleExecute(context.Background(), exportItem()))

	require.Len(t, f.delivery.delivered, 1, "the race is only detectable after delivery")
	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusDuplicateSkipped, rows[0].Status)

	var done event.ExportCompleted
	require.NoError(t, f.bus.decode(event.SubjectExportCompleted, 0, &done))
	assert.True(t, done.Skipped)
}

func TestExportHandleExecuteDeliveryFailureRecordsAndAcks(t *testing.T) {
	f := newExportFixture(t)
	f.delivery.deliverErr = errors.New("disk full")

	err := f.svc.HandleExecute(context.Background(), exportItem())
	require.NoError(t, err, "delivery failure is recorded, not redelivered")

	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "disk full")

	require.Equal(t, 1, f.bus.count(event.SubjectExportFailed))
	var failed event.ExportFailed
	require.NoError(t, f.bus.decode(event.SubjectExportFailed, 0, &failed))
	assert.Equal(t, "exp-1", failed.ExportID)
}

func TestExportHandleExecuteMissingExportRecordsFailure(t *testing.T) {
	f := newExportFixture(t)
	item := exportItem()
	item.ExportID = "exp-gone"

	require.NoError(t, f.svc.HandleExecute(context.Background(), item))

	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "export no longer active")
	assert.Equal(t, "invoice:INV-001", rows[0].DuplicateKey,
		"failures without a resolved key still count toward coverage")
	assert.Equal(t, 1, f.bus.count(event.SubjectExportFailed))
}

func TestExportHandleExecuteBadKeyFailsBeforeDelivery(t *testing.T) {
	f := newExportFixture(t)
	f.delivery.keyErr = errors.New("unresolved placeholder: amount")

	require.NoError(t, f.svc.HandleExecute(context.Background(), exportItem()))

	assert.Empty(t, f.delivery.delivered, "no destination write on a config error")
	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusFailed, rows[0].Status)
	assert.Contains(t, *rows[0].ErrorMessage, "invalid configuration")
}

func TestExportHandleExecuteLedgerDuplicate(t *testing.T) {
	f := newExportFixture(t)
	ref := "tx-existing"
	ledger := &stubLedgerDelivery{
		stubDelivery: stubDelivery{key: "free/2025-06/INV-001"},
		ledgerRef:    &ref,
		ledgerFound:  true,
	}
	f.resolver.delivery = ledger

	require.NoError(t, f.svc.HandleExecute(context.Background(), exportItem()))

	assert.Empty(t, ledger.delivered, "ledger hit suppresses the delivery")
	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusDuplicateSkipped, rows[0].Status)

	var done event.ExportCompleted
	require.NoError(t, f.bus.decode(event.SubjectExportCompleted, 0, &done))
	assert.True(t, done.Skipped)
	assert.Equal(t, "tx-existing", done.ExternalReference)
}

func TestExportHandleExecuteLedgerErrorDeliversAnyway(t *testing.T) {
	f := newExportFixture(t)
	ledger := &stubLedgerDelivery{
		stubDelivery: stubDelivery{key: "free/2025-06/INV-001"},
		ledgerErr:    errors.New("accounting api timeout"),
	}
	f.resolver.delivery = ledger

	require.NoError(t, f.svc.HandleExecute(context.Background(), exportItem()))

	require.Len(t, ledger.delivered, 1, "a failed ledger lookup never blocks delivery")
	rows, _ := f.history.ListByJob(context.Background(), "job-a")
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExportStatusSuccess, rows[0].Status)
}

func TestExportHandleExecuteStoreErrorIsTransient(t *testing.T) {
	f := newExportFixture(t)
	f.history.successErr = errors.New("connection refused")

	err := f.svc.HandleExecute(context.Background(), exportItem())

	require.Error(t, err)
	assert.True(t, core.IsTransient(err), "store failure must redeliver")
}
