// Package audithook bridges billing signals to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/billing/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnSignal               = (*Extension)(nil)
	_ plugin.OnOrderPlaced          = (*Extension)(nil)
	_ plugin.OnChargeSucceeded      = (*Extension)(nil)
	_ plugin.OnChargeFailed         = (*Extension)(nil)
	_ plugin.OnRefundIssued         = (*Extension)(nil)
	_ plugin.OnSubscriptionExpiring = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnPaymentMethod        = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges billing signals to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Order and subscription hooks
// ──────────────────────────────────────────────────

// OnOrderPlaced implements plugin.OnOrderPlaced.
func (e *Extension) OnOrderPlaced(ctx context.Context, sig plugin.Signal) error {
	return e.record(ctx, ActionOrderPlaced, SeverityInfo, OutcomeSuccess,
		ResourceOrder, subscriptionID(sig), CategoryBilling, nil,
		withAmount(sig, "organization", slug(sig), "reason", sig.Reason)...,
	)
}

// OnSubscriptionExpiring implements plugin.OnSubscriptionExpiring.
func (e *Extension) OnSubscriptionExpiring(ctx context.Context, sig plugin.Signal) error {
	return e.record(ctx, ActionSubscriptionExpiring, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, subscriptionID(sig), CategoryNotice, nil,
		"organization", slug(sig),
		"days_remaining", sig.DaysRemaining,
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled. Lockouts
// for nonpayment are recorded as a warning of their own.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sig plugin.Signal) error {
	action, severity := ActionSubscriptionCanceled, SeverityInfo
	if sig.Reason == "nonpayment" {
		action, severity = ActionSubscriptionLocked, SeverityWarning
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceSubscription, subscriptionID(sig), CategorySubscription, nil,
		"organization", slug(sig),
		"reason", sig.Reason,
	)
}

// ──────────────────────────────────────────────────
// Charge hooks
// ──────────────────────────────────────────────────

// OnChargeSucceeded implements plugin.OnChargeSucceeded.
func (e *Extension) OnChargeSucceeded(ctx context.Context, sig plugin.Signal) error {
	return e.record(ctx, ActionChargeSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceCharge, chargeID(sig), CategoryPayment, nil,
		withAmount(sig, "organization", slug(sig))...,
	)
}

// OnChargeFailed implements plugin.OnChargeFailed.
func (e *Extension) OnChargeFailed(ctx context.Context, sig plugin.Signal) error {
	var err error
	if sig.Charge != nil && sig.Charge.FailureMessage != "" {
		err = fmt.Errorf("%s: %s", sig.Charge.FailureCode, sig.Charge.FailureMessage)
	}
	return e.record(ctx, ActionChargeFailed, SeverityCritical, OutcomeFailure,
		ResourceCharge, chargeID(sig), CategoryPayment, err,
		withAmount(sig, "organization", slug(sig))...,
	)
}

// OnRefundIssued implements plugin.OnRefundIssued.
func (e *Extension) OnRefundIssued(ctx context.Context, sig plugin.Signal) error {
	return e.record(ctx, ActionRefundIssued, SeverityWarning, OutcomeSuccess,
		ResourceCharge, chargeID(sig), CategoryPayment, nil,
		withAmount(sig, "organization", slug(sig), "reason", sig.Reason)...,
	)
}

// OnPaymentMethod implements plugin.OnPaymentMethod.
func (e *Extension) OnPaymentMethod(ctx context.Context, sig plugin.Signal) error {
	action := ActionPaymentMethodNeeded
	if sig.Name == plugin.SignalPaymentMethodExpiring {
		action = ActionPaymentMethodExpiring
	}
	return e.record(ctx, action, SeverityWarning, OutcomeSuccess,
		ResourcePaymentMethod, orgID(sig), CategoryNotice, nil,
		"organization", slug(sig),
		"subscription_id", subscriptionID(sig),
	)
}

// OnSignal implements plugin.OnSignal for the signals that have no typed
// hook. Everything else is recorded by the hooks above.
func (e *Extension) OnSignal(ctx context.Context, sig plugin.Signal) error {
	switch sig.Name {
	case plugin.SignalSubscriptionExtended:
		return e.record(ctx, ActionSubscriptionExtended, SeverityInfo, OutcomeSuccess,
			ResourceSubscription, subscriptionID(sig), CategorySubscription, nil,
			withAmount(sig, "organization", slug(sig))...,
		)
	case plugin.SignalUsageBilled:
		return e.record(ctx, ActionUsageBilled, SeverityInfo, OutcomeSuccess,
			ResourceSubscription, subscriptionID(sig), CategoryBilling, nil,
			withAmount(sig, "organization", slug(sig), "plan", planSlug(sig))...,
		)
	case plugin.SignalChargeUnreconciled:
		return e.record(ctx, ActionChargeUnreconciled, SeverityCritical, OutcomeFailure,
			ResourceCharge, chargeID(sig), CategoryPayment, fmt.Errorf("processor collected charge recorded as %s", sig.Reason),
			withAmount(sig, "organization", slug(sig), "processor_charge_id", processorChargeID(sig))...,
		)
	case plugin.SignalChargeDisputed:
		return e.record(ctx, ActionChargeDisputed, SeverityCritical, OutcomePartial,
			ResourceCharge, chargeID(sig), CategoryPayment, nil,
			withAmount(sig, "organization", slug(sig))...,
		)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

func withAmount(sig plugin.Signal, kv ...any) []any {
	if sig.Amount != nil {
		kv = append(kv, "amount", sig.Amount.Amount, "currency", sig.Amount.Currency)
	}
	return kv
}

func slug(sig plugin.Signal) string {
	if sig.Organization == nil {
		return ""
	}
	return sig.Organization.Slug
}

func planSlug(sig plugin.Signal) string {
	if sig.Plan == nil {
		return ""
	}
	return sig.Plan.Slug
}

func processorChargeID(sig plugin.Signal) string {
	if sig.Charge == nil {
		return ""
	}
	return sig.Charge.ProcessorChargeID
}

func orgID(sig plugin.Signal) string {
	if sig.Organization == nil {
		return ""
	}
	return sig.Organization.ID.String()
}

func subscriptionID(sig plugin.Signal) string {
	if sig.Subscription == nil {
		return ""
	}
	return sig.Subscription.ID.String()
}

func chargeID(sig plugin.Signal) string {
	if sig.Charge == nil {
		return ""
	}
	return sig.Charge.ID.String()
}
