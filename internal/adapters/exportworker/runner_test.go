package exportworker_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/adapters/exportworker"
	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

type stubAutomations struct {
	exports map[string]*model.Export
}

func (s *stubAutomations) Find(context.Context, string) (*model.Automation, error) {
	return nil, data.ErrAutomationNotFound
}
func (s *stubAutomations) ListScheduled(context.Context) ([]model.Automation, error) {
	return nil, nil
}
func (s *stubAutomations) TouchLastRun(context.Context, string, time.Time) error { return nil }
func (s *stubAutomations) ActiveSources(context.Context, string) ([]model.Source, error) {
	return nil, nil
}
func (s *stubAutomations) FindActiveSource(context.Context, string) (*model.Source, error) {
	return nil, data.ErrSourceNotFound
}

func (s *stubAutomations) FindActiveExport(_ context.Context, id string) (*model.Export, error) {
	exp, ok := s.exports[id]
	if !ok {
		return nil, data.ErrExportNotFound
	}
	return exp, nil
}

func (s *stubAutomations) MappingsForSource(context.Context, string) ([]model.Mapping, error) {
	return nil, nil
}

// stubHistory keeps success rows in memory with the conditional insert
// semantics of the real repository.
type stubHistory struct {
	mu   sync.Mutex
	seq  int
	rows []model.ExportHistory
}

func (s *stubHistory) RecordSuccess(_ context.Context, p data.RecordSuccessParams) (*model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.Status == model.ExportStatusSuccess && r.ExportID != nil &&
			*r.ExportID == p.ExportID && r.DuplicateKey == p.DuplicateKey {
			return nil, data.ErrDuplicateExport
		}
	}
	return s.append(p.JobID, p.ExportID, p.ExportType, model.ExportStatusSuccess, p.DuplicateKey), nil
}

func (s *stubHistory) RecordFailure(_ context.Context, jobID, exportID string, exportType model.ExportType, duplicateKey, _ string, _ json.RawMessage) (*model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(jobID, exportID, exportType, model.ExportStatusFailed, duplicateKey), nil
}

func (s *stubHistory) RecordDuplicate(_ context.Context, jobID, exportID string, exportType model.ExportType, duplicateKey string, _ json.RawMessage) (*model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(jobID, exportID, exportType, model.ExportStatusDuplicateSkipped, duplicateKey), nil
}

func (s *stubHistory) append(jobID, exportID string, exportType model.ExportType, status model.ExportStatus, key string) *model.ExportHistory {
	s.seq++
	eid := exportID
	row := model.ExportHistory{
		ID: "hist-" + strconv.Itoa(s.seq), JobID: jobID, ExportID: &eid,
		ExportType: exportType, Status: status, DuplicateKey: key,
	}
	s.rows = append(s.rows, row)
	return &s.rows[len(s.rows)-1]
}

func (s *stubHistory) FindSuccess(_ context.Context, exportID, duplicateKey string) (*model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		r := &s.rows[i]
		if r.Status == model.ExportStatusSuccess && r.ExportID != nil &&
			*r.ExportID == exportID && r.DuplicateKey == duplicateKey {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubHistory) CountByStatus(context.Context, string) (data.StatusCounts, error) {
	return data.StatusCounts{}, nil
}

func (s *stubHistory) ListByJob(context.Context, string) ([]model.ExportHistory, error) {
	return nil, nil
}

func (s *stubHistory) statuses() []model.ExportStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExportStatus, len(s.rows))
	for i, r := range s.rows {
		out[i] = r.Status
	}
	return out
}

type stubDelivery struct {
	mu        sync.Mutex
	delivered int
}

func (d *stubDelivery) DuplicateKey(_ model.Export, inv model.Invoice) (string, error) {
	return "key-" + inv.InvoiceID, nil
}

func (d *stubDelivery) Deliver(context.Context, core.DeliverRequest) (*core.DeliverResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered++
	return &core.DeliverResult{}, nil
}

func (d *stubDelivery) deliveredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

type stubResolver struct{ delivery core.Delivery }

func (r stubResolver) Resolve(model.ExportType) (core.Delivery, error) {
	return r.delivery, nil
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := exportworker.NewRunner(exportworker.RunnerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus is required")

	_, err = exportworker.NewRunner(exportworker.RunnerOptions{Bus: bus.NewMemoryBus()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery resolver is required")

	_, err = exportworker.NewRunner(exportworker.RunnerOptions{
		Bus:        bus.NewMemoryBus(),
		Deliveries: stubResolver{delivery: &stubDelivery{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either DB or all repositories")
}

func exportFixture() (*stubAutomations, *stubHistory, *stubDelivery) {
	automations := &stubAutomations{exports: map[string]*model.Export{
		"exp-1": {ID: "exp-1", Name: "storage", Type: model.ExportTypeLocalStorage, Active: true},
	}}
	return automations, &stubHistory{}, &stubDelivery{}
}

func TestRunnerDeliversAndSuppressesRedeliveredDuplicate(t *testing.T) {
	b := bus.NewMemoryBus()
	b.RegisterGroup(event.SubjectExportExecute, exportworker.Group)
	b.RegisterGroup(event.SubjectExportCompleted, "coordinator")

	automations, history, delivery := exportFixture()
	r, err := exportworker.NewRunner(exportworker.RunnerOptions{
		Bus:         b,
		Deliveries:  stubResolver{delivery: delivery},
		Automations: automations,
		History:     history,
		Concurrency: 2,
	})
	require.NoError(t, err)

	item, err := json.Marshal(event.ExportExecute{
		JobID:    "job-a",
		ExportID: "exp-1",
		Invoice:  model.Invoice{Date: "2025-06-01", InvoiceID: "INV-1"},
	})
	require.NoError(t, err)
	// The same work item twice, as a redelivery would look.
	require.NoError(t, b.Publish(context.Background(), event.SubjectExportExecute, item))
	require.NoError(t, b.Publish(context.Background(), event.SubjectExportExecute, item))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.Pending(event.SubjectExportCompleted, "coordinator") == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.LessOrEqual(t, delivery.deliveredCount(), 2)
	statuses := history.statuses()
	require.Len(t, statuses, 2)
	assert.Contains(t, statuses, model.ExportStatusSuccess)
	assert.Contains(t, statuses, model.ExportStatusDuplicateSkipped,
		"one delivery lands, the redelivery downgrades to a skip")
}

func TestRunnerAcksMalformedWorkItem(t *testing.T) {
	b := bus.NewMemoryBus()
	b.RegisterGroup(event.SubjectExportExecute, exportworker.Group)

	automations, history, delivery := exportFixture()
	r, err := exportworker.NewRunner(exportworker.RunnerOptions{
		Bus:         b,
		Deliveries:  stubResolver{delivery: delivery},
		Automations: automations,
		History:     history,
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), event.SubjectExportExecute, []byte("not json")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.Pending(event.SubjectExportExecute, exportworker.Group) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, delivery.deliveredCount())
}
