// Package service implements the orchestration core: job triggering, the
// coordinator state machine, source and export execution, scheduling, and
// reconciliation. Services depend on the interfaces in internal/core and
// publish/consume through internal/bus.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// From-date rules supported on automations. The rule is resolved once at
// trigger time into the job's immutable from_date snapshot.
const (
	FromDateRuleAll          = "all"
	FromDateRuleCurrentYear  = "current_year"
	FromDateRuleCurrentMonth = "current_month"
	fromDateRuleLastNDays    = "last_n_days:"
)

// ResolveFromDate maps an automation's from-date rule to a concrete lower
// bound. A nil or "all" rule means no bound. Unknown rules are a
// configuration error raised before any job row is created.
func ResolveFromDate(rule *string, now time.Time) (*time.Time, error) {
	if rule == nil || *rule == "" || *rule == FromDateRuleAll {
		return nil, nil
	}
	switch {
	case *rule == FromDateRuleCurrentYear:
		d := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
		return &d, nil
	case *rule == FromDateRuleCurrentMonth:
		d := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return &d, nil
	case strings.HasPrefix(*rule, fromDateRuleLastNDays):
		n, err := strconv.Atoi(strings.TrimPrefix(*rule, fromDateRuleLastNDays))
		if err != nil || n <= 0 {
			return nil, &core.ConfigError{
				Scope: "from_date_rule",
				Err:   fmt.Errorf("invalid day count in %q", *rule),
			}
		}
		d := now.AddDate(0, 0, -n)
		return &d, nil
	default:
		return nil, &core.ConfigError{
			Scope: "from_date_rule",
			Err:   fmt.Errorf("unknown rule %q", *rule),
		}
	}
}

// ErrAutomationInactive is returned when triggering an inactive automation.
var ErrAutomationInactive = errors.New("automation is inactive")

// JobService creates jobs and announces them on the bus. The pending row
// is written before the publish so a crash in between leaves a stale
// pending job the reconciler can re-announce.
type JobService struct {
	automations  core.AutomationRepository
	jobs         core.JobRepository
	bus          bus.Bus
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// JobServiceOptions holds the dependencies for creating a JobService.
type JobServiceOptions struct {
	Automations  core.AutomationRepository
	Jobs         core.JobRepository
	Bus          bus.Bus
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewJobService creates a new JobService with the given dependencies.
func NewJobService(opts JobServiceOptions) *JobService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &JobService{
		automations:  opts.Automations,
		jobs:         opts.Jobs,
		bus:          opts.Bus,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "job_service"),
	}
}

// TriggerParams describes one manual or scheduled trigger.
type TriggerParams struct {
	AutomationID string
	// MaxResults overrides the per-source extraction bound for this job.
	MaxResults *int
}

// Trigger creates a pending job for the automation and publishes
// job.started. The from-date rule and max-results override are resolved
// into the job row now; later automation edits never affect this job.
func (s *JobService) Trigger(ctx context.Context, p TriggerParams) (*model.Job, error) {
	automation, err := s.automations.Find(ctx, p.AutomationID)
	if err != nil {
		return nil, err
	}
	if !automation.Active {
		return nil, ErrAutomationInactive
	}

	fromDate, err := ResolveFromDate(automation.FromDateRule, s.timeProvider.Now())
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, data.CreateJobParams{
		AutomationID: automation.ID,
		TenantID:     automation.TenantID,
		FromDate:     fromDate,
		MaxResults:   p.MaxResults,
	})
	if err != nil {
		return nil, err
	}

	if err := s.announce(ctx, job); err != nil {
		// The pending row is already durable; the reconciler re-announces
		// it after the grace period, so the trigger still counts.
		s.logger.ErrorContext(ctx, "publish job.started failed, reconciler will retry",
			"job_id", job.ID, "error", err)
		return job, nil
	}

	s.logger.InfoContext(ctx, "job triggered",
		"job_id", job.ID, "automation_id", automation.ID)
	return job, nil
}

// Announce publishes job.started for an existing pending job. The
// reconciler uses it to re-announce stale pending jobs.
func (s *JobService) Announce(ctx context.Context, job *model.Job) error {
	return s.announce(ctx, job)
}

func (s *JobService) announce(ctx context.Context, job *model.Job) error {
	payload, err := event.Marshal(event.JobStarted{
		JobID:        job.ID,
		AutomationID: job.AutomationID,
		TenantID:     job.TenantID,
		FromDate:     job.FromDate,
		MaxResults:   job.MaxResults,
		StartedAt:    s.timeProvider.Now(),
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, event.SubjectJobStarted, payload)
}

// Find returns a job by ID.
func (s *JobService) Find(ctx context.Context, id string) (*model.Job, error) {
	return s.jobs.Find(ctx, id)
}

// List returns recent jobs for an automation.
func (s *JobService) List(ctx context.Context, automationID string, limit int) ([]model.Job, error) {
	return s.jobs.ListByAutomation(ctx, automationID, limit)
}
