package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and Redis configuration
//   - services.go: Service mode and worker configuration
//   - google.go: Google OAuth configuration (Gmail, Drive)
//   - observability.go: Metrics configuration
type AppConfig struct {
	// IsDev controls development mode behavior (seeding, relaxed defaults).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Bus configuration (Redis Streams)
	Bus BusConfig `envPrefix:"BUS_"`

	// Services is a comma-delimited list of enabled services.
	Services string `env:"SERVICES" envDefault:"coordinator,source-worker,export-worker,scheduler,reconciler"`

	// Worker and loop configuration
	SourceWorker SourceWorkerConfig `envPrefix:"SOURCE_WORKER_"`
	ExportWorker ExportWorkerConfig `envPrefix:"EXPORT_WORKER_"`
	Scheduler    SchedulerConfig    `envPrefix:"SCHEDULER_"`
	Reconciler   ReconcilerConfig   `envPrefix:"RECONCILER_"`

	// Extraction credentials
	Free       PortalAccountConfig `envPrefix:"FREE_"`
	FreeMobile PortalAccountConfig `envPrefix:"FREE_MOBILE_"`
	Google     GoogleConfig        `envPrefix:"GOOGLE_"`

	// WorkDir receives downloaded invoice documents before delivery.
	WorkDir string `env:"WORK_DIR" envDefault:"factures"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Bus.Sanitize()
	c.SourceWorker.Sanitize()
	c.ExportWorker.Sanitize()
	c.Scheduler.Sanitize()
	c.Reconciler.Sanitize()
	c.Observability.Sanitize()

	if c.WorkDir = strings.TrimSpace(c.WorkDir); c.WorkDir == "" {
		c.WorkDir = "factures"
	}

	c.detectDevMode()
}

// detectDevMode checks both DEV and APP_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}
