package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/lock"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/pricing"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/types"
)

// Engine is the billing engine. It owns the ledger and every operation
// that posts to it.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	pricing *pricing.Calculator
	locker  lock.Locker
	clock   func() time.Time
	config  Config

	processor processor.Processor
	guard     *processor.Guard
	guardCfg  *processor.GuardConfig
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
		locker:  lock.NewLocal(),
		clock:   time.Now,
		config:  DefaultConfig(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.plugins.WithTimeout(e.config.HookTimeout)
	e.pricing = pricing.New(pricing.WithDiscountOnAllPeriods(e.config.DiscountAllPeriods))
	if e.processor != nil {
		cfg := processor.DefaultGuardConfig()
		if e.guardCfg != nil {
			cfg = *e.guardCfg
		}
		cfg.Timeout = e.config.ProcessorTimeout
		e.guard = processor.NewGuard(e.processor, cfg, e.logger)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithProcessor sets the payment processor. Calls go through a guard that
// applies Config.ProcessorTimeout and a circuit breaker.
func WithProcessor(p processor.Processor) Option {
	return func(e *Engine) {
		e.processor = p
	}
}

// WithGuardConfig tunes the circuit breaker around the processor.
// Config.ProcessorTimeout still takes precedence for the call timeout.
func WithGuardConfig(cfg processor.GuardConfig) Option {
	return func(e *Engine) {
		e.guardCfg = &cfg
	}
}

// WithClock replaces time.Now. Tests use it to drive renewals.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLocker sets the Locker used to serialize renewals and charges.
// Use lock.NewRedis when more than one process runs the scheduler.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithConfig replaces the configuration. Zero fields fall back to defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg.withDefaults()
	}
}

// Start migrates the store, creates the broker and processor organizations
// when missing and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	if err := e.ensureSystemOrganizations(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	processorName := "none"
	if e.guard != nil {
		processorName = e.guard.Name()
	}
	e.logger.Info("billing engine started",
		"processor", processorName,
		"plugins", e.plugins.Count(),
		"notice_days", e.config.NoticeDays,
	)

	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Pricing returns the calculator used for orders and renewals.
func (e *Engine) Pricing() *pricing.Calculator { return e.pricing }

// PaymentContext returns what a front-end needs to tokenize a card for org.
func (e *Engine) PaymentContext(ctx context.Context, orgID id.ID) (map[string]string, error) {
	if e.guard == nil {
		return nil, ErrNoProcessor
	}
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return e.guard.PaymentContext(ctx, org)
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

func (e *Engine) ensureSystemOrganizations(ctx context.Context) error {
	for _, o := range []struct {
		slug string
		name string
	}{
		{e.config.BrokerSlug, "Broker"},
		{e.config.ProcessorSlug, "Payment processor"},
	} {
		_, err := e.store.GetOrganizationBySlug(ctx, o.slug)
		if err == nil {
			continue
		}
		if !IsNotFound(err) {
			return fmt.Errorf("look up %s organization: %w", o.slug, err)
		}
		now := e.now()
		org := &organization.Organization{
			Entity:          types.NewEntity(now),
			ID:              id.NewOrganizationID(),
			Slug:            o.slug,
			DisplayName:     o.name,
			IsProvider:      o.slug == e.config.BrokerSlug,
			IsActive:        true,
			DefaultCurrency: e.config.DefaultCurrency,
		}
		if err := e.store.CreateOrganization(ctx, org); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("create %s organization: %w", o.slug, err)
		}
		e.logger.Info("created system organization", "slug", o.slug, "organization_id", org.ID.String())
	}
	return nil
}

// Broker returns the organization that hosts the platform.
func (e *Engine) Broker(ctx context.Context) (*organization.Organization, error) {
	org, err := e.store.GetOrganizationBySlug(ctx, e.config.BrokerSlug)
	if err != nil {
		return nil, fmt.Errorf("broker organization %q: %w", e.config.BrokerSlug, err)
	}
	return org, nil
}

func (e *Engine) processorOrganization(ctx context.Context) (*organization.Organization, error) {
	org, err := e.store.GetOrganizationBySlug(ctx, e.config.ProcessorSlug)
	if err != nil {
		return nil, fmt.Errorf("processor organization %q: %w", e.config.ProcessorSlug, err)
	}
	return org, nil
}

// emit fills in the organization and timestamp and delivers sig to plugins.
func (e *Engine) emit(ctx context.Context, orgID id.ID, sig plugin.Signal) {
	if sig.Organization == nil {
		org, err := e.store.GetOrganization(ctx, orgID)
		if err != nil {
			e.logger.Warn("signal dropped: organization lookup failed",
				"signal", string(sig.Name),
				"organization_id", orgID.String(),
				"error", err,
			)
			return
		}
		sig.Organization = org
	}
	if sig.At.IsZero() {
		sig.At = e.now()
	}
	e.plugins.Emit(ctx, sig)
}

// withLock runs fn while holding key. Unlock failures are logged; the
// lock expires on its own.
func (e *Engine) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, key, e.config.LockTTL)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}()
	return fn()
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func money(m types.Money) *types.Money { return &m }
