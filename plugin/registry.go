package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry holds registered plugins with their hook interfaces cached by
// type, so dispatch does not repeat type assertions.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onSignal               []OnSignal
	onOrderPlaced          []OnOrderPlaced
	onChargeSucceeded      []OnChargeSucceeded
	onChargeFailed         []OnChargeFailed
	onRefundIssued         []OnRefundIssued
	onSubscriptionExpiring []OnSubscriptionExpiring
	onSubscriptionCanceled []OnSubscriptionCanceled
	onPaymentMethod        []OnPaymentMethod
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnSignal); ok {
		r.onSignal = append(r.onSignal, v)
		hooks = append(hooks, "OnSignal")
	}
	if v, ok := p.(OnOrderPlaced); ok {
		r.onOrderPlaced = append(r.onOrderPlaced, v)
		hooks = append(hooks, "OnOrderPlaced")
	}
	if v, ok := p.(OnChargeSucceeded); ok {
		r.onChargeSucceeded = append(r.onChargeSucceeded, v)
		hooks = append(hooks, "OnChargeSucceeded")
	}
	if v, ok := p.(OnChargeFailed); ok {
		r.onChargeFailed = append(r.onChargeFailed, v)
		hooks = append(hooks, "OnChargeFailed")
	}
	if v, ok := p.(OnRefundIssued); ok {
		r.onRefundIssued = append(r.onRefundIssued, v)
		hooks = append(hooks, "OnRefundIssued")
	}
	if v, ok := p.(OnSubscriptionExpiring); ok {
		r.onSubscriptionExpiring = append(r.onSubscriptionExpiring, v)
		hooks = append(hooks, "OnSubscriptionExpiring")
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
		hooks = append(hooks, "OnSubscriptionCanceled")
	}
	if v, ok := p.(OnPaymentMethod); ok {
		r.onPaymentMethod = append(r.onPaymentMethod, v)
		hooks = append(hooks, "OnPaymentMethod")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", hooks,
	)
	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnInit", func() error { return p.OnInit(ctx, engine) })
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, p.Name(), "OnShutdown", func() error { return p.OnShutdown(ctx) })
	}
}

// Emit delivers sig to the typed hook for its name and to every OnSignal
// plugin. Hook failures are logged and never reach the caller.
func (r *Registry) Emit(ctx context.Context, sig Signal) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch sig.Name {
	case SignalOrderPlaced:
		for _, p := range r.onOrderPlaced {
			r.dispatch(ctx, p.Name(), "OnOrderPlaced", func() error { return p.OnOrderPlaced(ctx, sig) })
		}
	case SignalChargeSucceeded:
		for _, p := range r.onChargeSucceeded {
			r.dispatch(ctx, p.Name(), "OnChargeSucceeded", func() error { return p.OnChargeSucceeded(ctx, sig) })
		}
	case SignalChargeFailed:
		for _, p := range r.onChargeFailed {
			r.dispatch(ctx, p.Name(), "OnChargeFailed", func() error { return p.OnChargeFailed(ctx, sig) })
		}
	case SignalRefundIssued:
		for _, p := range r.onRefundIssued {
			r.dispatch(ctx, p.Name(), "OnRefundIssued", func() error { return p.OnRefundIssued(ctx, sig) })
		}
	case SignalSubscriptionExpiring:
		for _, p := range r.onSubscriptionExpiring {
			r.dispatch(ctx, p.Name(), "OnSubscriptionExpiring", func() error { return p.OnSubscriptionExpiring(ctx, sig) })
		}
	case SignalSubscriptionCanceled:
		for _, p := range r.onSubscriptionCanceled {
			r.dispatch(ctx, p.Name(), "OnSubscriptionCanceled", func() error { return p.OnSubscriptionCanceled(ctx, sig) })
		}
	case SignalPaymentMethodNeeded, SignalPaymentMethodExpiring:
		for _, p := range r.onPaymentMethod {
			r.dispatch(ctx, p.Name(), "OnPaymentMethod", func() error { return p.OnPaymentMethod(ctx, sig) })
		}
	}

	for _, p := range r.onSignal {
		r.dispatch(ctx, p.Name(), "OnSignal", func() error { return p.OnSignal(ctx, sig) })
	}
}

func (r *Registry) dispatch(ctx context.Context, pluginName, hook string, fn func() error) {
	if err := r.callWithTimeout(ctx, pluginName, fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", pluginName,
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
