// Package observability provides a metrics plugin for the billing engine
// that counts signals via a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/billing/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin   = (*MetricsExtension)(nil)
	_ plugin.OnInit   = (*MetricsExtension)(nil)
	_ plugin.OnSignal = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records billing metrics.
// Register it as a plugin to track orders, charges and notices.
type MetricsExtension struct {
	factory MetricFactory

	// Order metrics
	OrdersPlaced Counter
	UsageBilled  Counter
	OrderAmount  Histogram

	// Subscription metrics
	SubscriptionsExtended Counter
	SubscriptionsCanceled Counter
	SubscriptionsLocked   Counter

	// Charge metrics
	ChargesSucceeded    Counter
	ChargesFailed       Counter
	ChargesDisputed     Counter
	ChargesUnreconciled Counter
	ChargeAmount        Histogram
	RefundsIssued       Counter
	RefundAmount        Histogram

	// Notice metrics
	ExpirationNotices    Counter
	PaymentMethodNotices Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory elsewhere.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		OrdersPlaced: factory.Counter("billing.order.placed"),
		UsageBilled:  factory.Counter("billing.usage.billed"),
		OrderAmount:  factory.Histogram("billing.order.amount"),

		SubscriptionsExtended: factory.Counter("billing.subscription.extended"),
		SubscriptionsCanceled: factory.Counter("billing.subscription.canceled"),
		SubscriptionsLocked:   factory.Counter("billing.subscription.locked_out"),

		ChargesSucceeded:    factory.Counter("billing.charge.succeeded"),
		ChargesFailed:       factory.Counter("billing.charge.failed"),
		ChargesDisputed:     factory.Counter("billing.charge.disputed"),
		ChargesUnreconciled: factory.Counter("billing.charge.unreconciled"),
		ChargeAmount:        factory.Histogram("billing.charge.amount"),
		RefundsIssued:       factory.Counter("billing.refund.issued"),
		RefundAmount:        factory.Histogram("billing.refund.amount"),

		ExpirationNotices:    factory.Counter("billing.notice.expiring"),
		PaymentMethodNotices: factory.Counter("billing.notice.payment_method"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// OnSignal implements plugin.OnSignal. Amounts are observed in minor units.
func (m *MetricsExtension) OnSignal(_ context.Context, sig plugin.Signal) error {
	switch sig.Name {
	case plugin.SignalOrderPlaced:
		m.OrdersPlaced.Inc()
		m.observe(m.OrderAmount, sig)
	case plugin.SignalUsageBilled:
		m.UsageBilled.Inc()
	case plugin.SignalSubscriptionExtended:
		m.SubscriptionsExtended.Inc()
	case plugin.SignalSubscriptionCanceled:
		if sig.Reason == "nonpayment" {
			m.SubscriptionsLocked.Inc()
		} else {
			m.SubscriptionsCanceled.Inc()
		}
	case plugin.SignalChargeSucceeded:
		m.ChargesSucceeded.Inc()
		m.observe(m.ChargeAmount, sig)
	case plugin.SignalChargeFailed:
		m.ChargesFailed.Inc()
	case plugin.SignalChargeDisputed:
		m.ChargesDisputed.Inc()
	case plugin.SignalChargeUnreconciled:
		m.ChargesUnreconciled.Inc()
	case plugin.SignalRefundIssued:
		m.RefundsIssued.Inc()
		m.observe(m.RefundAmount, sig)
	case plugin.SignalSubscriptionExpiring:
		m.ExpirationNotices.Inc()
	case plugin.SignalPaymentMethodNeeded, plugin.SignalPaymentMethodExpiring:
		m.PaymentMethodNotices.Inc()
	}
	return nil
}

func (m *MetricsExtension) observe(h Histogram, sig plugin.Signal) {
	if sig.Amount != nil {
		h.Observe(float64(sig.Amount.Amount))
	}
}
