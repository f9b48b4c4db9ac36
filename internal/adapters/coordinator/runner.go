// Package coordinator provides the adapter that runs the job coordinator
// consume loops. It wires repositories to the coordinator service and
// subscribes it to every subject the orchestration state machine reacts to.
package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/observability/statsd"
	"github.com/fakturenn/fakturenn/internal/service"
)

// Group is the durable consumer group the coordinator joins. All
// coordinator instances share it, so every event is processed once per
// deployment rather than once per instance.
const Group = "coordinator"

// Runner subscribes the coordinator service to its bus subjects and runs
// until the context is cancelled.
type Runner struct {
	svc      *service.CoordinatorService
	bus      bus.Bus
	consumer string
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Bus      bus.Bus
	Consumer string
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Optional dependency injection for testing/decoupling
	Automations core.AutomationRepository
	Jobs        core.JobRepository
	History     core.ExportHistoryRepository
}

// NewRunner creates a new coordinator runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc := service.NewCoordinatorService(service.CoordinatorServiceOptions{
		Automations: opts.Automations,
		Jobs:        opts.Jobs,
		History:     opts.History,
		Bus:         opts.Bus,
		Sink:        opts.Metrics,
		Logger:      opts.Logger,
	})

	return &Runner{
		svc:      svc,
		bus:      opts.Bus,
		consumer: opts.Consumer,
		logger:   opts.Logger.With("component", "coordinator_runner"),
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Bus == nil {
		return errors.New("bus is required")
	}
	if opts.DB == nil && (opts.Automations == nil || opts.Jobs == nil || opts.History == nil) {
		return errors.New("either DB or all repositories must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Consumer == "" {
		opts.Consumer = DefaultConsumerName("coordinator")
	}
	cfg := data.RepoConfig{Logger: opts.Logger}
	if opts.Automations == nil {
		opts.Automations = data.NewAutomationRepo(opts.DB, cfg)
	}
	if opts.Jobs == nil {
		opts.Jobs = data.NewJobRepo(opts.DB, cfg)
	}
	if opts.History == nil {
		opts.History = data.NewExportHistoryRepo(opts.DB, cfg)
	}
	return nil
}

// DefaultConsumerName builds a consumer name unique enough for a consumer
// group: hostname plus a short random suffix, so replacement instances on
// the same host do not collide with a crashed predecessor's pending entries.
func DefaultConsumerName(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", role, host, uuid.NewString()[:8])
}

// Run subscribes to every coordinator subject and processes events until
// the context is cancelled. The first consume loop to fail with a real
// error tears the rest down.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting coordinator runner", "group", Group, "consumer", r.consumer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(r.consume(ctx, event.SubjectJobStarted, r.onJobStarted))
	g.Go(r.consume(ctx, event.SubjectSourceCompleted, r.onSourceCompleted))
	g.Go(r.consume(ctx, event.SubjectSourceFailed, r.onSourceFailed))
	g.Go(r.consume(ctx, event.SubjectExportCompleted, r.onExportCompleted))
	g.Go(r.consume(ctx, event.SubjectExportFailed, r.onExportFailed))
	return g.Wait()
}

func (r *Runner) consume(ctx context.Context, subject string, h bus.Handler) func() error {
	return func() error {
		err := r.bus.Consume(ctx, subject, Group, r.consumer, h)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consume %s: %w", subject, err)
		}
		return nil
	}
}

// decode unmarshals an event payload. A payload that cannot be decoded is
// a poison message: redelivering it can never succeed, so the handler acks
// it after logging.
func decode[T any](m bus.Msg, out *T) error {
	return json.Unmarshal(m.Data, out)
}

func (r *Runner) onJobStarted(ctx context.Context, m bus.Msg) error {
	var ev event.JobStarted
	if err := decode(m, &ev); err != nil {
		r.logger.ErrorContext(ctx, "discarding malformed event", "subject", m.Subject, "msg_id", m.ID, "error", err)
		return nil
	}
	return r.svc.HandleJobStarted(ctx, ev)
}

func (r *Runner) onSourceCompleted(ctx context.Context, m bus.Msg) error {
	var ev event.SourceCompleted
	if err := decode(m, &ev); err != nil {
		r.logger.ErrorContext(ctx, "discarding malformed event", "subject", m.Subject, "msg_id", m.ID, "error", err)
		return nil
	}
	return r.svc.HandleSourceCompleted(ctx, ev)
}

func (r *Runner) onSourceFailed(ctx context.Context, m bus.Msg) error {
	var ev event.SourceFailed
	if err := decode(m, &ev); err != nil {
		r.logger.ErrorContext(ctx, "discarding malformed event", "subject", m.Subject, "msg_id", m.ID, "error", err)
		return nil
	}
	return r.svc.HandleSourceFailed(ctx, ev)
}

func (r *Runner) onExportCompleted(ctx context.Context, m bus.Msg) error {
	var ev event.ExportCompleted
	if err := decode(m, &ev); err != nil {
		r.logger.ErrorContext(ctx, "discarding malformed event", "subject", m.Subject, "msg_id", m.ID, "error", err)
		return nil
	}
	return r.svc.HandleExportSettled(ctx, ev.JobID)
}

func (r *Runner) onExportFailed(ctx context.Context, m bus.Msg) error {
	var ev event.ExportFailed
	if err := decode(m, &ev); err != nil {
		r.logger.ErrorContext(ctx, "discarding malformed event", "subject", m.Subject, "msg_id", m.ID, "error", err)
		return nil
	}
	return r.svc.HandleExportSettled(ctx, ev.JobID)
}
