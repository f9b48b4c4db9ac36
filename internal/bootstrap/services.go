package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/fakturenn/fakturenn/config"
	"github.com/fakturenn/fakturenn/internal/adapters/coordinator"
	"github.com/fakturenn/fakturenn/internal/adapters/deliver"
	"github.com/fakturenn/fakturenn/internal/adapters/exportworker"
	"github.com/fakturenn/fakturenn/internal/adapters/extract"
	"github.com/fakturenn/fakturenn/internal/adapters/sourceworker"
	"github.com/fakturenn/fakturenn/internal/bus"
	"github.com/fakturenn/fakturenn/internal/data"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/observability/statsd"
	"github.com/fakturenn/fakturenn/internal/service"
)

const shutdownWaitTimeout = 30 * time.Second

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// ServiceContainer holds the shared runtime pieces every service mode
// builds on.
type ServiceContainer struct {
	Bus        *bus.StreamBus
	Jobs       *service.JobService
	Extractors *extract.Registry
	Deliveries *deliver.Registry

	Observability ObservabilityContainer

	repos serviceRepositories
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Automations *data.AutomationRepo
	Jobs        *data.JobRepo
	History     *data.ExportHistoryRepo
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.StatsdPrefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, logger *slog.Logger) serviceRepositories {
	cfg := data.RepoConfig{Logger: logger}
	return serviceRepositories{
		Automations: data.NewAutomationRepo(db, cfg),
		Jobs:        data.NewJobRepo(db, cfg),
		History:     data.NewExportHistoryRepo(db, cfg),
	}
}

// googleTokenSource builds a token source from the configured refresh
// token. Returns nil when Google integration is not configured.
//
//nolint:ireturn // oauth2.TokenSource is the contract both Google adapters consume.
func googleTokenSource(ctx context.Context, cfg config.GoogleConfig) oauth2.TokenSource {
	if !cfg.Enabled() {
		return nil
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope, drive.DriveFileScope},
	}
	return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

// buildExtractors wires the extractor registry from configured credentials.
func buildExtractors(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) *extract.Registry {
	creds := make(map[model.SourceType]extract.PortalCredentials)
	if cfg.Free.Enabled() {
		creds[model.SourceTypeFreeInvoice] = extract.PortalCredentials{
			Login:    cfg.Free.Login,
			Password: cfg.Free.Password,
		}
	}
	if cfg.FreeMobile.Enabled() {
		creds[model.SourceTypeFreeMobileInvoice] = extract.PortalCredentials{
			Login:    cfg.FreeMobile.Login,
			Password: cfg.FreeMobile.Password,
		}
	}

	portal := extract.NewPortalExtractor(extract.PortalExtractorOptions{
		Credentials: creds,
		WorkDir:     cfg.WorkDir,
		Logger:      logger,
	})

	var gmailExtractor *extract.GmailExtractor
	if tokens := googleTokenSource(ctx, cfg.Google); tokens != nil {
		gmailExtractor = extract.NewGmailExtractor(extract.GmailExtractorOptions{
			Tokens:  tokens,
			WorkDir: cfg.WorkDir,
			Logger:  logger,
		})
	} else {
		logger.Info("google oauth not configured; gmail sources disabled")
	}

	return extract.NewRegistry(extract.RegistryOptions{
		Portal: portal,
		Gmail:  gmailExtractor,
	})
}

// buildDeliveries wires the delivery registry.
func buildDeliveries(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) *deliver.Registry {
	accounting := deliver.NewAccountingDelivery(&http.Client{Timeout: 30 * time.Second}, logger)
	storage := deliver.NewLocalStorageDelivery(logger)

	var driveDelivery *deliver.DriveDelivery
	if tokens := googleTokenSource(ctx, cfg.Google); tokens != nil {
		driveDelivery = deliver.NewDriveDelivery(tokens, logger)
	} else {
		logger.Info("google oauth not configured; cloud drive exports disabled")
	}

	return deliver.NewRegistry(deliver.RegistryOptions{
		Accounting: accounting,
		Storage:    storage,
		Drive:      driveDelivery,
	})
}

// NewServices wires the shared runtime container.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx := context.Background()

	streamBus, err := bus.NewStreamBus(deps.RedisClient, bus.StreamConfig{
		KeyPrefix:     deps.Config.Bus.KeyPrefix,
		Visibility:    deps.Config.Bus.Visibility,
		Block:         deps.Config.Bus.Block,
		ClaimInterval: deps.Config.Bus.ClaimInterval,
		BatchSize:     deps.Config.Bus.BatchSize,
		MaxLen:        deps.Config.Bus.MaxLen,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build stream bus: %w", err)
	}

	repos := buildRepositories(deps.DB, logger)

	jobs := service.NewJobService(service.JobServiceOptions{
		Automations: repos.Automations,
		Jobs:        repos.Jobs,
		Bus:         streamBus,
		Logger:      logger,
	})

	return &ServiceContainer{
		Bus:           streamBus,
		Jobs:          jobs,
		Extractors:    buildExtractors(ctx, deps.Config, logger),
		Deliveries:    buildDeliveries(ctx, deps.Config, logger),
		Observability: buildObservability(logger, deps.Config.Observability),
		repos:         repos,
	}, nil
}

// ServiceOrchestrationConfig groups everything needed to run the enabled
// service modes.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    *ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceStartupDeps carries shared state into service launchers.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{name: svc.name, done: done})
	}

	return handles
}

func newCoordinatorBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeCoordinator,
		name: "coordinator",
		start: func(ctx context.Context) error {
			runner, err := coordinator.NewRunner(coordinator.RunnerOptions{
				DB:      deps.cfg.DB,
				Bus:     deps.cfg.Services.Bus,
				Logger:  deps.logger,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newSourceWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSourceWorker,
		name: "source worker",
		start: func(ctx context.Context) error {
			runner, err := sourceworker.NewRunner(sourceworker.RunnerOptions{
				DB:             deps.cfg.DB,
				Bus:            deps.cfg.Services.Bus,
				Extractors:     deps.cfg.Services.Extractors,
				Concurrency:    deps.cfg.Config.SourceWorker.Concurrency,
				ExtractTimeout: deps.cfg.Config.SourceWorker.ExtractTimeout,
				Logger:         deps.logger,
				Metrics:        deps.cfg.Services.Observability.MetricsSink,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newExportWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeExportWorker,
		name: "export worker",
		start: func(ctx context.Context) error {
			runner, err := exportworker.NewRunner(exportworker.RunnerOptions{
				DB:             deps.cfg.DB,
				Bus:            deps.cfg.Services.Bus,
				Deliveries:     deps.cfg.Services.Deliveries,
				Concurrency:    deps.cfg.Config.ExportWorker.Concurrency,
				DeliverTimeout: deps.cfg.Config.ExportWorker.DeliverTimeout,
				Logger:         deps.logger,
				Metrics:        deps.cfg.Services.Observability.MetricsSink,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			svc := service.NewSchedulerService(service.SchedulerServiceOptions{
				Automations: deps.cfg.Services.repos.Automations,
				JobService:  deps.cfg.Services.Jobs,
				Config: service.SchedulerConfig{
					Interval: deps.cfg.Config.Scheduler.Interval,
				},
				Sink:   deps.cfg.Services.Observability.MetricsSink,
				Logger: deps.logger,
			})
			return svc.Run(ctx)
		},
	}
}

func newReconcilerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReconciler,
		name: "reconciler",
		start: func(ctx context.Context) error {
			svc := service.NewReconcilerService(service.ReconcilerServiceOptions{
				Jobs:       deps.cfg.Services.repos.Jobs,
				JobService: deps.cfg.Services.Jobs,
				Bus:        deps.cfg.Services.Bus,
				Config: service.ReconcilerConfig{
					Interval:       deps.cfg.Config.Reconciler.Interval,
					PendingGrace:   deps.cfg.Config.Reconciler.PendingGrace,
					RunningCeiling: deps.cfg.Config.Reconciler.RunningCeiling,
					BatchSize:      deps.cfg.Config.Reconciler.BatchSize,
				},
				Sink:   deps.cfg.Services.Observability.MetricsSink,
				Logger: deps.logger,
			})
			return svc.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newCoordinatorBackgroundService(deps),
		newSourceWorkerBackgroundService(deps),
		newExportWorkerBackgroundService(deps),
		newSchedulerBackgroundService(deps),
		newReconcilerBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config missing AppConfig or services")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(enabledServices)+1)

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		metrics:     cfg.Services.Observability.MetricsSink,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	metrics     *statsd.Client
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to drain and closes shared sinks.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	if cfg.metrics != nil {
		if err := cfg.metrics.Close(); err != nil {
			cfg.logger.Warn("close metrics sink failed", "error", err)
		}
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
