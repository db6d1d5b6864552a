package extension

import (
	"github.com/xraph/billing"
	"github.com/xraph/billing/scheduler"
)

// Config holds the billing extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.billing" or "billing" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableScheduler keeps the renewal and sweep jobs from running
	// inside the application. Use it when an external cron drives
	// `billingd renew` instead.
	DisableScheduler bool `json:"disable_scheduler" mapstructure:"disable_scheduler" yaml:"disable_scheduler"`

	// Engine tunes the billing engine. Zero fields use billing.DefaultConfig.
	Engine billing.Config `json:"engine" mapstructure:"engine" yaml:"engine"`

	// Scheduler holds the cron expressions of the background jobs.
	Scheduler scheduler.Config `json:"scheduler" mapstructure:"scheduler" yaml:"scheduler"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Engine:    billing.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}
