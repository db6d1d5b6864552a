package extension

import (
	"github.com/xraph/billing"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/store"
)

// Option configures the billing Forge extension.
type Option func(*Extension)

// WithStore sets the store for the billing engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a billing.Option through to the underlying engine.
func WithEngineOption(opt billing.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a billing plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithPlugin(p))
	}
}

// WithProcessor sets the payment processor collaborator.
func WithProcessor(p processor.Processor) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithProcessor(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableScheduler keeps the background jobs from running.
func WithDisableScheduler() Option {
	return func(e *Extension) { e.config.DisableScheduler = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}
