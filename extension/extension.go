// Package extension provides the Forge extension adapter for the billing
// engine.
//
// It implements the forge.Extension interface to integrate billing
// into a Forge application with DI registration and lifecycle management,
// and runs the renewal scheduler alongside the application.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.billing" or "billing" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/billing"
	"github.com/xraph/billing/scheduler"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "billing"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription billing engine with a double-entry ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the billing engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *billing.Engine
	store      store.Store
	scheduler  *scheduler.Scheduler
	engineOpts []billing.Option
}

// New creates a new billing Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *billing.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the billing engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = billing.New(e.store, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*billing.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension]. DisableMigrate skips migrations and
// the creation of the broker and processor organizations.
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("billing: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	if !e.config.DisableScheduler {
		s, err := scheduler.New(e.engine, e.config.Scheduler)
		if err != nil {
			return err
		}
		s.Start()
		e.scheduler = s
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	defer e.MarkStopped()

	if e.scheduler != nil {
		if err := e.scheduler.Stop(ctx); err != nil {
			e.Logger().Warn("billing: scheduler did not stop cleanly", forge.F("error", err.Error()))
		}
	}
	if e.engine != nil {
		return e.engine.Stop()
	}
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("billing: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs billing.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []billing.Option {
	opts := make([]billing.Option, 0, len(e.engineOpts)+1)
	opts = append(opts, billing.WithConfig(e.config.Engine))

	// Append any pass-through engine options.
	return append(opts, e.engineOpts...)
}

// --- Config loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("billing: configuration is required but not found in config files; " +
				"ensure 'extensions.billing' or 'billing' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("billing: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_scheduler", e.config.DisableScheduler),
		forge.F("broker_slug", e.config.Engine.BrokerSlug),
		forge.F("processor_timeout", e.config.Engine.ProcessorTimeout),
		forge.F("renewal_schedule", e.config.Scheduler.RenewalSchedule),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.billing", "billing"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("billing: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("billing: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Scheduler.RenewalSchedule == "" {
		cfg.Scheduler.RenewalSchedule = defaults.Scheduler.RenewalSchedule
	}
	if cfg.Scheduler.SweepSchedule == "" {
		cfg.Scheduler.SweepSchedule = defaults.Scheduler.SweepSchedule
	}
	if cfg.Scheduler.RunTimeout == 0 {
		cfg.Scheduler.RunTimeout = defaults.Scheduler.RunTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableScheduler {
		yamlConfig.DisableScheduler = true
	}

	y, p := &yamlConfig.Engine, programmaticConfig.Engine
	if y.BrokerSlug == "" {
		y.BrokerSlug = p.BrokerSlug
	}
	if y.ProcessorSlug == "" {
		y.ProcessorSlug = p.ProcessorSlug
	}
	if y.DefaultCurrency == "" {
		y.DefaultCurrency = p.DefaultCurrency
	}
	if y.ProcessorTimeout == 0 {
		y.ProcessorTimeout = p.ProcessorTimeout
	}
	if len(y.NoticeDays) == 0 {
		y.NoticeDays = p.NoticeDays
	}
	if p.DiscountAllPeriods {
		y.DiscountAllPeriods = true
	}

	if yamlConfig.Scheduler.RenewalSchedule == "" {
		yamlConfig.Scheduler.RenewalSchedule = programmaticConfig.Scheduler.RenewalSchedule
	}
	if yamlConfig.Scheduler.SweepSchedule == "" {
		yamlConfig.Scheduler.SweepSchedule = programmaticConfig.Scheduler.SweepSchedule
	}

	return mergeWithDefaults(yamlConfig)
}
