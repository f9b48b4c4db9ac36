// Package sourceworker provides the adapter that runs extraction workers.
// Each worker is an independent consumer in the shared durable group, so
// concurrency is worker count times instance count.
package sourceworker

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

// Group is the durable consumer group shared by all source workers.
const Group = "source-workers"

// Runner consumes source.execute work items and runs extractions.
type Runner struct {
	svc      *service.SourceService
	bus      bus.Bus
	workers  int
	consumer string
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB         *sql.DB
	Bus        bus.Bus
	Extractors core.ExtractorResolver

	Concurrency    int           // worker goroutines; defaults to 1
	ExtractTimeout time.Duration // per-source extraction budget
	Consumer       string
	Logger         *slog.Logger
	Metrics        statsd.Sink

	// Optional dependency injection for testing/decoupling
	Automations core.AutomationRepository
}

// NewRunner creates a new source worker runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc := service.NewSourceService(service.SourceServiceOptions{
		Automations:    opts.Automations,
		Extractors:     opts.Extractors,
		Bus:            opts.Bus,
		ExtractTimeout: opts.ExtractTimeout,
		Sink:           opts.Metrics,
		Logger:         opts.Logger,
	})

	return &Runner{
		svc:      svc,
		bus:      opts.Bus,
		workers:  opts.Concurrency,
		consumer: opts.Consumer,
		logger:   opts.Logger.With("component", "source_worker_runner"),
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Bus == nil {
		return errors.New("bus is required")
	}
	if opts.Extractors == nil {
		return errors.New("extractor resolver is required")
	}
	if opts.DB == nil && opts.Automations == nil {
		return errors.New("either DB or Automations must be provided")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Consumer == "" {
		opts.Consumer = coordinator.DefaultConsumerName("source")
	}
	if opts.Automations == nil {
		opts.Automations = data.NewAutomationRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	return nil
}

// Run starts the worker consumers and processes extraction work until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting source workers", "group", Group, "workers", r.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		name := fmt.Sprintf("%s-%d", r.consumer, i)
		g.Go(func() error {
			err := r.bus.Consume(ctx, event.SubjectSourceExecute, Group, name, r.handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consume %s: %w", event.SubjectSourceExecute, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) handle(ctx context.Context, m bus.Msg) error {
	var ev event.SourceExecute
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		r.logger.ErrorContext(ctx, "discarding malformed event", "subject", m.Subject, "msg_id", m.ID, "error", err)
		return nil
	}
	return r.svc.HandleExecute(ctx, ev)
}
