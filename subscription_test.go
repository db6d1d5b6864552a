package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/pricing"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
)

func TestRecordUseChargeBillsOverQuota(t *testing.T) {
	f := newFixture(t)
	uc := &plan.UseCharge{PlanID: f.plan.ID, Slug: "api", Title: "API calls", UseAmount: 2, Quota: 100}
	require.NoError(t, f.engine.CreateUseCharge(f.ctx, uc))
	o := f.order(t, f.plan, 2)
	subID := o.Subscription.ID

	billed, err := f.engine.RecordUseCharge(f.ctx, subID, uc.ID, 60)
	require.NoError(t, err)
	assert.True(t, billed.IsZero())

	// 120 used, 20 over the quota.
	billed, err = f.engine.RecordUseCharge(f.ctx, subID, uc.ID, 60)
	require.NoError(t, err)
	assert.EqualValues(t, 40, billed.Amount)

	billed, err = f.engine.RecordUseCharge(f.ctx, subID, uc.ID, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 20, billed.Amount)

	assert.EqualValues(t, o.Amount().Amount+60, f.balance(t, f.customer.ID, transaction.Payable))
	assert.Len(t, f.signals.named(plugin.SignalOrderPlaced), 1)
	usage := f.signals.named(plugin.SignalUsageBilled)
	require.Len(t, usage, 2)
	assert.EqualValues(t, 40, usage[0].Amount.Amount)
	require.NotNil(t, usage[0].Plan)
	assert.Equal(t, f.plan.ID, usage[0].Plan.ID)

	// The counter starts over in the next period.
	f.clock.Set(epoch.AddDate(0, 1, 0).Add(time.Hour))
	billed, err = f.engine.RecordUseCharge(f.ctx, subID, uc.ID, 100)
	require.NoError(t, err)
	assert.True(t, billed.IsZero())
	requireBalanced(t, f)
}

func TestRecordUseChargeRejects(t *testing.T) {
	f := newFixture(t)
	uc := &plan.UseCharge{PlanID: f.plan.ID, Slug: "api", Title: "API calls", UseAmount: 2, Quota: 100}
	require.NoError(t, f.engine.CreateUseCharge(f.ctx, uc))
	other := f.createPlan(t, &plan.Plan{Slug: "lite", Title: "Lite", PeriodType: plan.Monthly, PeriodAmount: 900})
	otherUC := &plan.UseCharge{PlanID: other.ID, Slug: "sms", Title: "SMS", UseAmount: 5}
	require.NoError(t, f.engine.CreateUseCharge(f.ctx, otherUC))
	o := f.order(t, f.plan, 1)

	_, err := f.engine.RecordUseCharge(f.ctx, o.Subscription.ID, uc.ID, 0)
	assert.ErrorIs(t, err, pricing.ErrInvalidUnits)

	_, err = f.engine.RecordUseCharge(f.ctx, o.Subscription.ID, otherUC.ID, 1)
	assert.True(t, billing.IsValidation(err))

	f.clock.Set(o.Subscription.EndsAt)
	_, err = f.engine.RecordUseCharge(f.ctx, o.Subscription.ID, uc.ID, 1)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotActive)
}

func TestOptinRequestFlow(t *testing.T) {
	f := newFixture(t)
	p := f.createPlan(t, &plan.Plan{
		Slug: "members", Title: "Members", PeriodType: plan.Monthly, PeriodAmount: 5000, OptinOnRequest: true,
	})

	_, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{SubscriberID: f.customer.ID, PlanID: p.ID, NbPeriods: 1})
	require.ErrorIs(t, err, billing.ErrOptinRequired)

	req, err := f.engine.RequestOptin(f.ctx, f.customer.ID, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, req.RequestKey)
	assert.Equal(t, subscription.StatePendingOptin, req.State(f.clock.Now()))

	again, err := f.engine.RequestOptin(f.ctx, f.customer.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID)
	assert.Equal(t, req.RequestKey, again.RequestKey)

	// A pending request does not unlock ordering.
	_, err = f.engine.CreateOrder(f.ctx, billing.OrderRequest{SubscriberID: f.customer.ID, PlanID: p.ID, NbPeriods: 1})
	require.ErrorIs(t, err, billing.ErrOptinRequired)

	_, err = f.engine.AcceptRequest(f.ctx, "not-a-key")
	require.ErrorIs(t, err, billing.ErrInvalidOptinKey)
	_, err = f.engine.AcceptGrant(f.ctx, req.RequestKey)
	require.ErrorIs(t, err, billing.ErrInvalidOptinKey, "a request key does not accept a grant")

	accepted, err := f.engine.AcceptRequest(f.ctx, req.RequestKey)
	require.NoError(t, err)
	assert.Empty(t, accepted.RequestKey)

	o := f.order(t, p, 1)
	assert.Equal(t, req.ID, o.Subscription.ID, "the placeholder becomes the subscription")
	assert.True(t, o.Subscription.IsActive(f.clock.Now()))
	assert.EqualValues(t, 5000, o.Amount().Amount)
}

func TestOptinGrantFlow(t *testing.T) {
	f := newFixture(t)
	p := f.createPlan(t, &plan.Plan{
		Slug: "members", Title: "Members", PeriodType: plan.Monthly, PeriodAmount: 5000, OptinOnRequest: true,
	})

	grant, err := f.engine.GrantSubscription(f.ctx, f.customer.ID, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, grant.GrantKey)

	_, err = f.engine.AcceptGrant(f.ctx, grant.GrantKey)
	require.NoError(t, err)
	_, err = f.engine.AcceptGrant(f.ctx, grant.GrantKey)
	require.ErrorIs(t, err, billing.ErrInvalidOptinKey, "keys are single use")

	o := f.order(t, p, 1)
	assert.Equal(t, grant.ID, o.Subscription.ID)
}

func TestOptinExemptions(t *testing.T) {
	f := newFixture(t)
	p := f.createPlan(t, &plan.Plan{
		Slug: "members", Title: "Members", PeriodType: plan.Monthly, PeriodAmount: 5000, OptinOnRequest: true,
	})

	_, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{SubscriberID: f.provider.ID, PlanID: p.ID, NbPeriods: 1})
	require.NoError(t, err, "providers subscribe to their own plans")

	broker := f.systemOrg(t, "broker")
	_, err = f.engine.CreateOrder(f.ctx, billing.OrderRequest{SubscriberID: broker.ID, PlanID: p.ID, NbPeriods: 1})
	require.NoError(t, err, "the broker is always accepted")
}

func TestCancelAtEndOfPeriod(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.plan, 3)

	sub, err := f.engine.CancelSubscription(f.ctx, o.Subscription.ID, billing.EffectiveEndOfPeriod)
	require.NoError(t, err)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, o.Subscription.EndsAt, sub.EndsAt)
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.IsActive(f.clock.Now()))

	// Nothing is refunded by a cancellation.
	assert.EqualValues(t, o.Amount().Amount, f.balance(t, f.customer.ID, transaction.Payable))

	canceled := f.signals.named(plugin.SignalSubscriptionCanceled)
	require.Len(t, canceled, 1)
	assert.Equal(t, string(billing.EffectiveEndOfPeriod), canceled[0].Reason)
}

func TestCancelNow(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.plan, 3)
	f.clock.Advance(24 * time.Hour)

	sub, err := f.engine.CancelSubscription(f.ctx, o.Subscription.ID, billing.EffectiveNow)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), sub.EndsAt)
	assert.Equal(t, subscription.StateCanceled, sub.State(f.clock.Now()))

	stored, err := f.engine.GetSubscription(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.EndsAt, stored.EndsAt)

	_, err = f.engine.CancelSubscription(f.ctx, sub.ID, "someday")
	assert.True(t, billing.IsValidation(err))
}

func TestCancelNowBeforeStart(t *testing.T) {
	f := newFixture(t)
	starts := epoch.AddDate(0, 0, 10)
	o, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{
		SubscriberID: f.customer.ID,
		PlanID:       f.plan.ID,
		NbPeriods:    1,
		StartsAt:     starts,
	})
	require.NoError(t, err)

	_, err = f.engine.CancelSubscription(f.ctx, o.Subscription.ID, billing.EffectiveNow)
	require.ErrorIs(t, err, billing.ErrSubscriptionNotStarted)
	assert.True(t, billing.IsValidation(err))
	stored, err := f.engine.GetSubscription(f.ctx, o.Subscription.ID)
	require.NoError(t, err)
	assert.True(t, stored.EndsAt.After(stored.StartsAt))
	assert.True(t, stored.AutoRenew)

	sub, err := f.engine.CancelSubscription(f.ctx, o.Subscription.ID, billing.EffectiveEndOfPeriod)
	require.NoError(t, err)
	assert.False(t, sub.AutoRenew)
	assert.True(t, sub.StartsAt.Equal(starts))
}

func TestNonpaymentBeforeStartLeavesNoAccess(t *testing.T) {
	f := newFixture(t)
	o, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{
		SubscriberID: f.customer.ID,
		PlanID:       f.plan.ID,
		NbPeriods:    1,
		StartsAt:     epoch.AddDate(0, 0, 10),
	})
	require.NoError(t, err)

	sub, err := f.engine.FailSubscriptionForNonpayment(f.ctx, o.Subscription.ID)
	require.NoError(t, err)
	assert.True(t, sub.StartsAt.Equal(sub.EndsAt))
	assert.False(t, sub.IsActive(f.clock.Now()))
	assert.False(t, sub.IsActive(epoch.AddDate(0, 0, 15)))
}
