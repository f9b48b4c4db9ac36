// Package exportworker provides the adapter that runs delivery workers.
package exportworker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fakturenn/fakturenn/internal/adapters/coordinator"
	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/event"
	"github.com/fakturenn/fakturenn/internal/observability/statsd"
	"github.com/fakturenn/fakturenn/internal/service"
)

// Group is the durable consumer group shared by all export workers.
const Group = "export-workers"

// Runner consumes export.execute work items and runs deliveries.
type Runner struct {
	svc      *service.ExportService
	bus      bus.Bus
	workers  int
	consumer string
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB         *sql.DB
	Bus        bus.Bus
	Deliveries core.DeliveryResolver

	Concurrency    int           // worker goroutines; defaults to 1
	DeliverTimeout time.Duration // per-delivery budget
	Consumer       string
	Logger         *slog.Logger
	Metrics        statsd.Sink

	// Optional dependency injection for testing/decoupling
	Automations core.AutomationRepository
	History     core.ExportHistoryRepository
}

// NewRunner creates a new export worker runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc := service.NewExportService(service.ExportServiceOptions{
		Automations:    opts.Automations,
		History:        opts.History,
		Deliveries:     opts.Deliveries,
		Bus:            opts.Bus,
		DeliverTimeout: opts.DeliverTimeout,
		Sink:           opts.Metrics,
		Logger:         opts.Logger,
	})

	return &Runner{
		svc:      svc,
		bus:      opts.Bus,
		workers:  opts.Concurrency,
		consumer: opts.Consumer,
		logger:   opts.Logger.With("component", "export_worker_runner"),
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Bus == nil {
		return errors.New("bus is required")
	}
	if opts.Deliveries == nil {
		return errors.New("delivery resolver is required")
	}
	if opts.DB == nil && (opts.Automations == nil || opts.History == nil) {
		return errors.New("either DB or all repositories must be provided")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Consumer == "" {
		opts.Consumer = coordinator.DefaultConsumerName("export")
	}
	cfg := data.RepoConfig{Logger: opts.Logger}
	if opts.Automations == nil {
		opts.Automations = data.NewAutomationRepo(opts.DB, cfg)
	}
	if opts.History == nil {
		opts.History = data.NewExportHistoryRepo(opts.DB, cfg)
	}
	return nil
}

// Run starts the worker consumers and processes delivery work until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting export workers", "group", Group, "workers", r.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		name := fmt.Sprintf("%s-%d", r.consumer, i)
		g.Go(func() error {
			err := r.bus.Consume(ctx, event.SubjectExportExecute, Group, name, r.handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consume %s: %w", event.SubjectExportExecute, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) handle(ctx context.Context, m bus.Msg) error {
	var ev event.ExportExecute
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		r.logger.ErrorContext(ctx, "discarding malformed event", "subject", m.Subject, "msg_id", m.ID, "error", err)
		return nil
	}
	return r.svc.HandleExecute(ctx, ev)
}
