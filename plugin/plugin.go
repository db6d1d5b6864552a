// Package plugin lets callers observe billing events. The engine emits a
// Signal after each business event commits; plugins implement one or more
// hook interfaces to receive them. Delivery (e-mail, queues, audit) is
// owned by the plugins, never by the engine.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

type SignalName string

const (
	SignalOrderPlaced           SignalName = "order.placed"
	SignalUsageBilled           SignalName = "usage.billed"
	SignalSubscriptionExtended  SignalName = "subscription.extended"
	SignalSubscriptionExpiring  SignalName = "subscription.expiring"
	SignalSubscriptionCanceled  SignalName = "subscription.canceled"
	SignalChargeSucceeded       SignalName = "charge.succeeded"
	SignalChargeFailed          SignalName = "charge.failed"
	SignalChargeDisputed        SignalName = "charge.disputed"
	SignalChargeUnreconciled    SignalName = "charge.unreconciled"
	SignalRefundIssued          SignalName = "refund.issued"
	SignalPaymentMethodNeeded   SignalName = "payment_method.needed"
	SignalPaymentMethodExpiring SignalName = "payment_method.expiring"
)

// Signal is the payload delivered to plugins. Organization is always set;
// the other records are set when the event concerns them.
type Signal struct {
	Name          SignalName                 `json:"name"`
	At            time.Time                  `json:"at"`
	Organization  *organization.Organization `json:"organization"`
	Subscription  *subscription.Subscription `json:"subscription,omitempty"`
	Charge        *charge.Charge             `json:"charge,omitempty"`
	Plan          *plan.Plan                 `json:"plan,omitempty"`
	Amount        *types.Money               `json:"amount,omitempty"`
	DaysRemaining int                        `json:"days_remaining,omitempty"`
	Reason        string                     `json:"reason,omitempty"`
}

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// OnSignal receives every signal.
type OnSignal interface {
	Plugin
	OnSignal(ctx context.Context, sig Signal) error
}

type OnOrderPlaced interface {
	Plugin
	OnOrderPlaced(ctx context.Context, sig Signal) error
}

type OnChargeSucceeded interface {
	Plugin
	OnChargeSucceeded(ctx context.Context, sig Signal) error
}

type OnChargeFailed interface {
	Plugin
	OnChargeFailed(ctx context.Context, sig Signal) error
}

type OnRefundIssued interface {
	Plugin
	OnRefundIssued(ctx context.Context, sig Signal) error
}

// OnSubscriptionExpiring carries DaysRemaining.
type OnSubscriptionExpiring interface {
	Plugin
	OnSubscriptionExpiring(ctx context.Context, sig Signal) error
}

type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sig Signal) error
}

// OnPaymentMethod receives both payment_method.needed and
// payment_method.expiring; sig.Name tells them apart.
type OnPaymentMethod interface {
	Plugin
	OnPaymentMethod(ctx context.Context, sig Signal) error
}

// Observer adapts a function to OnSignal.
type Observer struct {
	name string
	fn   func(ctx context.Context, sig Signal) error
}

// Observe returns a plugin calling fn for every signal.
func Observe(name string, fn func(ctx context.Context, sig Signal) error) *Observer {
	return &Observer{name: name, fn: fn}
}

func (o *Observer) Name() string { return o.name }

func (o *Observer) OnSignal(ctx context.Context, sig Signal) error { return o.fn(ctx, sig) }
