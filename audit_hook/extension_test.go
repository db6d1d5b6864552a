package audithook

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/types"
)

type memRecorder struct {
	events []*AuditEvent
	err    error
}

func (r *memRecorder) Record(_ context.Context, ev *AuditEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestExtensionThroughRegistry(t *testing.T) {
	rec := &memRecorder{}
	reg := plugin.NewRegistry()
	if err := reg.Register(New(rec)); err != nil {
		t.Fatal(err)
	}

	org := &organization.Organization{ID: id.NewOrganizationID(), Slug: "acme"}
	sub := &subscription.Subscription{ID: id.NewSubscriptionID()}
	ch := &charge.Charge{ID: id.NewChargeID(), FailureCode: "card_declined", FailureMessage: "do not honor"}
	amount := types.USD(2900)

	ctx := context.Background()
	reg.Emit(ctx, plugin.Signal{Name: plugin.SignalOrderPlaced, Organization: org, Subscription: sub, Amount: &amount})
	reg.Emit(ctx, plugin.Signal{Name: plugin.SignalChargeFailed, Organization: org, Charge: ch})
	reg.Emit(ctx, plugin.Signal{Name: plugin.SignalSubscriptionCanceled, Organization: org, Subscription: sub, Reason: "nonpayment"})
	reg.Emit(ctx, plugin.Signal{Name: plugin.SignalSubscriptionExtended, Organization: org, Subscription: sub})
	reg.Emit(ctx, plugin.Signal{Name: plugin.SignalUsageBilled, Organization: org, Subscription: sub, Plan: &plan.Plan{Slug: "pro"}, Amount: &amount})

	want := []string{ActionOrderPlaced, ActionChargeFailed, ActionSubscriptionLocked, ActionSubscriptionExtended, ActionUsageBilled}
	if len(rec.events) != len(want) {
		t.Fatalf("recorded %d events, want %d", len(rec.events), len(want))
	}
	for i, action := range want {
		if rec.events[i].Action != action {
			t.Errorf("event %d: got %s, want %s", i, rec.events[i].Action, action)
		}
	}

	order := rec.events[0]
	if order.ResourceID != sub.ID.String() || order.Metadata["amount"] != int64(2900) {
		t.Errorf("order event: %+v", order)
	}
	usage := rec.events[4]
	if usage.Category != CategoryBilling || usage.Metadata["plan"] != "pro" {
		t.Errorf("usage event: %+v", usage)
	}
	failed := rec.events[1]
	if failed.Severity != SeverityCritical || failed.Reason != "card_declined: do not honor" {
		t.Errorf("failed event: %+v", failed)
	}
}

func TestExtensionDisabledActions(t *testing.T) {
	rec := &memRecorder{}
	ext := New(rec, WithDisabledActions(ActionOrderPlaced))
	ctx := context.Background()

	if err := ext.OnOrderPlaced(ctx, plugin.Signal{Name: plugin.SignalOrderPlaced}); err != nil {
		t.Fatal(err)
	}
	if err := ext.OnRefundIssued(ctx, plugin.Signal{Name: plugin.SignalRefundIssued}); err != nil {
		t.Fatal(err)
	}
	if len(rec.events) != 1 || rec.events[0].Action != ActionRefundIssued {
		t.Errorf("events: %+v", rec.events)
	}
}

func TestExtensionSwallowsRecorderErrors(t *testing.T) {
	rec := &memRecorder{err: errors.New("backend down")}
	ext := New(rec)

	err := ext.OnPaymentMethod(context.Background(), plugin.Signal{Name: plugin.SignalPaymentMethodExpiring})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if rec.events[0].Action != ActionPaymentMethodExpiring {
		t.Errorf("action: got %s", rec.events[0].Action)
	}
}
