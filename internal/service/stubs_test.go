package service_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

func strPtr(s string) *string     { return &s }
func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// recordingBus captures published messages for assertions.
type recordingBus struct {
	mu         sync.Mutex
	published  map[string][][]byte
	publishErr error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published[subject] = append(b.published[subject], append([]byte(nil), data...))
	return nil
}

func (b *recordingBus) Consume(context.Context, string, string, string, bus.Handler) error {
	panic("not used")
}

func (b *recordingBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[subject])
}

func (b *recordingBus) decode(subject string, i int, out any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return event.Unmarshal(b.published[subject][i], out)
}

type stubAutomations struct {
	automations map[string]*model.Automation
	sources     map[string][]model.Source  // by automation ID
	activeByID  map[string]*model.Source   // by source ID
	exports     map[string]*model.Export   // by export ID
	mappings    map[string][]model.Mapping // by source ID
	touched     []string
	scheduled   []model.Automation

	findErr  error
	listErr  error
	touchErr error
}

func newStubAutomations() *stubAutomations {
	return &stubAutomations{
		automations: make(map[string]*model.Automation),
		sources:     make(map[string][]model.Source),
		activeByID:  make(map[string]*model.Source),
		exports:     make(map[string]*model.Export),
		mappings:    make(map[string][]model.Mapping),
	}
}

func (s *stubAutomations) Find(_ context.Context, id string) (*model.Automation, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	a, ok := s.automations[id]
	if !ok {
		return nil, data.ErrAutomationNotFound
	}
	return a, nil
}

func (s *stubAutomations) ListScheduled(_ context.Context) ([]model.Automation, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.scheduled, nil
}

func (s *stubAutomations) TouchLastRun(_ context.Context, id string, at time.Time) error {
	if s.touchErr != nil {
		return s.touchErr
	}
	s.touched = append(s.touched, id)
	if a, ok := s.automations[id]; ok {
		t := at
		a.LastRunAt = &t
	}
	return nil
}

func (s *stubAutomations) ActiveSources(_ context.Context, automationID string) ([]model.Source, error) {
	return s.sources[automationID], nil
}

func (s *stubAutomations) FindActiveSource(_ context.Context, id string) (*model.Source, error) {
	src, ok := s.activeByID[id]
	if !ok {
		return nil, data.ErrSourceNotFound
	}
	return src, nil
}

func (s *stubAutomations) FindActiveExport(_ context.Context, id string) (*model.Export, error) {
	exp, ok := s.exports[id]
	if !ok {
		return nil, data.ErrExportNotFound
	}
	return exp, nil
}

func (s *stubAutomations) MappingsForSource(_ context.Context, sourceID string) ([]model.Mapping, error) {
	return s.mappings[sourceID], nil
}

// stubJobs is an in-memory JobRepository honoring the same status guards
// as the SQL implementation.
type stubJobs struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*model.Job
	now  func() time.Time

	createErr   error
	findErr     error
	finalizeErr error
}

func newStubJobs(now func() time.Time) *stubJobs {
	return &stubJobs{jobs: make(map[string]*model.Job), now: now}
}

func (s *stubJobs) add(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *stubJobs) get(id string) *model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *stubJobs) Create(_ context.Context, p data.CreateJobParams) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.seq++
	job := &model.Job{
		ID:           "job-" + strconv.Itoa(s.seq),
		AutomationID: p.AutomationID,
		TenantID:     p.TenantID,
		Status:       model.JobStatusPending,
		FromDate:     p.FromDate,
		MaxResults:   p.MaxResults,
		CreatedAt:    s.now(),
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *stubJobs) Find(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *stubJobs) ListByAutomation(_ context.Context, automationID string, _ int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if j.AutomationID == automationID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *stubJobs) MarkRunning(_ context.Context, id string, sourcesDispatched int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, data.ErrJobNotFound
	}
	if job.Status != model.JobStatusPending {
		return false, nil
	}
	now := s.now()
	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	job.Stats.SourcesDispatched = sourcesDispatched
	return true, nil
}

func (s *stubJobs) MergeSourceDone(_ context.Context, jobID, sourceID string, p model.SourceProgress) (*model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, data.ErrJobNotFound
	}
	merged := job.Stats.MarkSourceDone(sourceID, p)
	cp := *job
	return &cp, merged, nil
}

func (s *stubJobs) Finalize(_ context.Context, id string, status model.JobStatus, errorMessage *string, stats model.JobStats) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizeErr != nil {
		return false, s.finalizeErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return false, data.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	now := s.now()
	job.Status = status
	job.CompletedAt = &now
	job.ErrorMessage = errorMessage
	job.Stats = stats
	return true, nil
}

func (s *stubJobs) ListStalePending(_ context.Context, grace time.Duration, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-grace)
	var out []model.Job
	for _, j := range s.jobs {
		if j.Status == model.JobStatusPending && j.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *stubJobs) ListTimedOut(_ context.Context, ceiling time.Duration, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-ceiling)
	var out []model.Job
	for _, j := range s.jobs {
		if j.Status == model.JobStatusRunning && j.StartedAt != nil &&
			j.StartedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

// stubHistory is an in-memory ExportHistoryRepository with the same
// conditional success insert semantics as the SQL implementation.
type stubHistory struct {
	mu   sync.Mutex
	seq  int
	rows []model.ExportHistory

	countErr   error
	successErr error
}

func newStubHistory() *stubHistory { return &stubHistory{} }

func (s *stubHistory) RecordSuccess(_ context.Context, p data.RecordSuccessParams) (*model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.successErr != nil {
		return nil, s.successErr
	}
	for _, r := range s.rows {
		if r.Status == model.ExportStatusSuccess && r.ExportID != nil &&
			*r.ExportID == p.ExportID && r.DuplicateKey == p.DuplicateKey {
			return nil, data.ErrDuplicateExport
		}
	}
	row := s.append(p.JobID, p.ExportID, p.ExportType, model.ExportStatusSuccess, p.DuplicateKey, nil, p.Context)
	row.ExternalReference = p.ExternalReference
	return row, nil
}

func (s *stubHistory) RecordFailure(_ context.Context, jobID, exportID string, exportType model.ExportType, duplicateKey, errorMessage string, contextJSON json.RawMessage) (*model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(jobID, exportID, exportType, model.ExportStatusFailed, duplicateKey, &errorMessage, contextJSON), nil
}

func (s *stubHistory) RecordDuplicate(_ context.Context, jobID, exportID string, exportType model.ExportType, duplicateKey string, contextJSON json.RawMessage) (*model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(jobID, exportID, exportType, model.ExportStatusDuplicateSkipped, duplicateKey, nil, contextJSON), nil
}

func (s *stubHistory) append(jobID, exportID string, exportType model.ExportType, status model.ExportStatus, key string, errMsg *string, ctxJSON json.RawMessage) *model.ExportHistory {
	s.seq++
	eid := exportID
	row := model.ExportHistory{
		ID:           "hist-" + strconv.Itoa(s.seq),
		JobID:        jobID,
		ExportID:     &eid,
		ExportType:   exportType,
		Status:       status,
		DuplicateKey: key,
		ErrorMessage: errMsg,
		Context:      ctxJSON,
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

func (s *stubHistory) CountByStatus(_ context.Context, jobID string) (data.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return data.StatusCounts{}, s.countErr
	}
	var out data.StatusCounts
	for _, r := range s.rows {
		if r.JobID != jobID {
			continue
		}
		switch r.Status {
		case model.ExportStatusSuccess:
			out.Success++
		case model.ExportStatusFailed:
			out.Failed++
		case model.ExportStatusDuplicateSkipped:
			out.DuplicateSkipped++
		}
	}
	return out, nil
}

func (s *stubHistory) ListByJob(_ context.Context, jobID string) ([]model.ExportHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExportHistory
	for _, r := range s.rows {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

// stubExtractor returns canned invoices or an error.
type stubExtractor struct {
	invoices []model.Invoice
	err      error
	requests []core.ExtractRequest
}

func (e *stubExtractor) Extract(_ context.Context, req core.ExtractRequest) ([]model.Invoice, error) {
	e.requests = append(e.requests, req)
	if e.err != nil {
		return nil, e.err
	}
	return e.invoices, nil
}

type stubExtractorResolver struct {
	extractor core.Extractor
	err       error
}

func (r *stubExtractorResolver) Resolve(model.SourceType) (core.Extractor, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.extractor, nil
}

// stubDelivery implements core.Delivery with configurable outcomes.
type stubDelivery struct {
	key        string
	keyErr     error
	result     *core.DeliverResult
	deliverErr error
	delivered  []core.DeliverRequest
}

func (d *stubDelivery) DuplicateKey(model.Export, model.Invoice) (string, error) {
	if d.keyErr != nil {
		return "", d.keyErr
	}
	return d.key, nil
}

func (d *stubDelivery) Deliver(_ context.Context, req core.DeliverRequest) (*core.DeliverResult, error) {
	d.delivered = append(d.delivered, req)
	if d.deliverErr != nil {
		return nil, d.deliverErr
	}
	return d.result, nil
}

// stubLedgerDelivery adds the LedgerLookup capability.
type stubLedgerDelivery struct {
	stubDelivery
	ledgerRef   *string
	ledgerFound bool
	ledgerErr   error
}

func (d *stubLedgerDelivery) FindExisting(_ context.Context, _ model.Export, _ string) (*string, bool, error) {
	return d.ledgerRef, d.ledgerFound, d.ledgerErr
}

type stubDeliveryResolver struct {
	delivery core.Delivery
	err      error
}

func (r *stubDeliveryResolver) Resolve(model.ExportType) (core.Delivery, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.delivery, nil
}
