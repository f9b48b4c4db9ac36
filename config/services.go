package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeCoordinator runs the job coordinator consume loops.
	ServiceModeCoordinator ServiceMode = "coordinator"
	// ServiceModeSourceWorker runs extraction workers.
	ServiceModeSourceWorker ServiceMode = "source-worker"
	// ServiceModeExportWorker runs delivery workers.
	ServiceModeExportWorker ServiceMode = "export-worker"
	// ServiceModeScheduler runs the cron scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReconciler runs the stuck-job reconciler.
	ServiceModeReconciler ServiceMode = "reconciler"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeCoordinator,
		ServiceModeSourceWorker,
		ServiceModeExportWorker,
		ServiceModeScheduler,
		ServiceModeReconciler,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeCoordinator,
			ServiceModeSourceWorker,
			ServiceModeExportWorker,
			ServiceModeScheduler,
			ServiceModeReconciler:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: coordinator, source-worker, export-worker, scheduler, reconciler)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// BusConfig contains Redis Streams bus configuration.
type BusConfig struct {
	// KeyPrefix namespaces the event streams in Redis.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"fakturenn:events"`

	// Visibility is how long a delivered message may stay unacknowledged
	// before another consumer in the group may claim it.
	Visibility time.Duration `env:"VISIBILITY" envDefault:"30s"`

	// Block bounds each blocking stream read.
	Block time.Duration `env:"BLOCK" envDefault:"5s"`

	// ClaimInterval is how often pending messages are scanned for redelivery.
	ClaimInterval time.Duration `env:"CLAIM_INTERVAL" envDefault:"30s"`

	// BatchSize caps messages fetched per read.
	BatchSize int `env:"BATCH_SIZE" envDefault:"16"`

	// MaxLen approximately bounds each stream's length (0 disables trimming).
	MaxLen int64 `env:"MAX_LEN" envDefault:"100000"`
}

// Sanitize applies guardrails to bus configuration values.
func (b *BusConfig) Sanitize() {
	if b.KeyPrefix = strings.TrimSpace(b.KeyPrefix); b.KeyPrefix == "" {
		b.KeyPrefix = "fakturenn:events"
	}
	if b.Visibility < 5*time.Second {
		b.Visibility = 5 * time.Second
	}
	if b.Block <= 0 {
		b.Block = 5 * time.Second
	}
	if b.ClaimInterval <= 0 {
		b.ClaimInterval = b.Visibility
	}
	if b.BatchSize < 1 {
		b.BatchSize = 1
	}
	if b.MaxLen < 0 {
		b.MaxLen = 0
	}
}

// SourceWorkerConfig contains extraction worker configuration.
type SourceWorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`

	// ExtractTimeout bounds a single source extraction. Portal walks and
	// mailbox scans with attachment downloads can be slow, so the floor
	// is generous.
	ExtractTimeout time.Duration `env:"EXTRACT_TIMEOUT" envDefault:"5m"`
}

// Sanitize applies guardrails to source worker configuration values.
func (s *SourceWorkerConfig) Sanitize() {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.ExtractTimeout < 30*time.Second {
		s.ExtractTimeout = 30 * time.Second
	}
}

// ExportWorkerConfig contains delivery worker configuration.
type ExportWorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"CONCURRENCY" envDefault:"4"`

	// DeliverTimeout bounds a single delivery attempt.
	DeliverTimeout time.Duration `env:"DELIVER_TIMEOUT" envDefault:"2m"`
}

// Sanitize applies guardrails to export worker configuration values.
func (e *ExportWorkerConfig) Sanitize() {
	if e.Concurrency < 1 {
		e.Concurrency = 1
	}
	if e.DeliverTimeout < 10*time.Second {
		e.DeliverTimeout = 10 * time.Second
	}
}

// SchedulerConfig contains cron scheduler configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval. Dueness is evaluated
	// against each automation's cron expression, so the tick only bounds
	// firing latency.
	Interval time.Duration `env:"INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
}

// ReconcilerConfig contains stuck-job reconciler configuration.
type ReconcilerConfig struct {
	// Interval is the sweep interval.
	Interval time.Duration `env:"INTERVAL" envDefault:"1m"`

	// PendingGrace is how long a job may stay pending before its start
	// event is re-announced.
	PendingGrace time.Duration `env:"PENDING_GRACE" envDefault:"2m"`

	// RunningCeiling is how long a job may stay running before it is
	// failed as timed out.
	RunningCeiling time.Duration `env:"RUNNING_CEILING" envDefault:"30m"`

	// BatchSize caps jobs processed per sweep.
	BatchSize int `env:"BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reconciler configuration values.
func (r *ReconcilerConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.PendingGrace < 30*time.Second {
		r.PendingGrace = 30 * time.Second
	}
	if r.RunningCeiling < time.Minute {
		r.RunningCeiling = time.Minute
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
