package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/transaction"
)

func TestCreateOrderAdvanceDiscount(t *testing.T) {
	f := newFixture(t)

	o := f.order(t, f.plan, 3)

	// 3 x 29.00 with 20% off the two periods paid in advance.
	assert.EqualValues(t, 7540, o.Amount().Amount)
	assert.EqualValues(t, 8700, o.Quote.Subtotal.Amount)
	assert.EqualValues(t, 1160, o.Quote.Discount.Amount)

	sub := o.Subscription
	assert.Equal(t, epoch, sub.StartsAt)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), sub.EndsAt)
	assert.True(t, sub.AutoRenew)

	require.Len(t, o.Transactions, 1)
	txn := o.Transactions[0]
	assert.Equal(t, "order:"+o.ID, txn.EventID)
	assert.Equal(t, sub.ID, txn.SubscriptionID)

	assert.EqualValues(t, 7540, f.balance(t, f.customer.ID, transaction.Payable))
	assert.EqualValues(t, -7540, f.balance(t, f.provider.ID, transaction.Backlog))
	requireBalanced(t, f)

	placed := f.signals.named(plugin.SignalOrderPlaced)
	require.Len(t, placed, 1)
	assert.EqualValues(t, 7540, placed[0].Amount.Amount)
	assert.Equal(t, f.customer.ID, placed[0].Organization.ID)
}

func TestCreateOrderDiscountOnAllPeriods(t *testing.T) {
	f := newFixture(t, billing.Config{DiscountAllPeriods: true})

	o := f.order(t, f.plan, 3)
	assert.EqualValues(t, 6960, o.Amount().Amount)

	single := f.order(t, f.createPlan(t, &plan.Plan{
		Slug: "solo", Title: "Solo", PeriodType: plan.Monthly, PeriodAmount: 1000, AdvanceDiscount: 50,
	}), 1)
	assert.EqualValues(t, 1000, single.Amount().Amount, "a single period is never discounted")
}

func TestCreateOrderSetupFeeOnFirstInvoiceOnly(t *testing.T) {
	f := newFixture(t)
	p := f.createPlan(t, &plan.Plan{
		Slug:         "desk",
		Title:        "Desk",
		PeriodType:   plan.Monthly,
		PeriodAmount: 2900,
		SetupAmount:  1000,
		RenewalType:  plan.Repeat,
	})

	first := f.order(t, p, 1)
	assert.EqualValues(t, 3900, first.Amount().Amount)
	assert.False(t, first.Subscription.AutoRenew, "repeat plans never auto-renew")

	second := f.order(t, p, 1)
	assert.EqualValues(t, 2900, second.Amount().Amount)
	assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), second.Subscription.EndsAt)

	assert.EqualValues(t, 6800, f.balance(t, f.customer.ID, transaction.Payable))
}

func TestCreateOrderStartsAtAndAutoRenew(t *testing.T) {
	f := newFixture(t)
	start := epoch.AddDate(0, 0, 10)
	off := false

	o, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{
		SubscriberID: f.customer.ID,
		PlanID:       f.plan.ID,
		NbPeriods:    1,
		StartsAt:     start,
		AutoRenew:    &off,
	})
	require.NoError(t, err)
	assert.Equal(t, start, o.Subscription.StartsAt)
	assert.Equal(t, start.AddDate(0, 1, 0), o.Subscription.EndsAt)
	assert.False(t, o.Subscription.AutoRenew)
}

func TestCreateOrderCoupons(t *testing.T) {
	tests := []struct {
		name      string
		coupon    coupon.Coupon
		nbPeriods int
		want      int64
	}{
		{
			name:      "percentage",
			coupon:    coupon.Coupon{DiscountType: coupon.Percentage, DiscountValue: 50},
			nbPeriods: 1,
			want:      1450,
		},
		{
			name:      "currency",
			coupon:    coupon.Coupon{DiscountType: coupon.Currency, DiscountValue: 500},
			nbPeriods: 1,
			want:      2400,
		},
		{
			name:      "free period",
			coupon:    coupon.Coupon{DiscountType: coupon.Period, DiscountValue: 1},
			nbPeriods: 2,
			want:      2320,
		},
		{
			name:      "never below zero",
			coupon:    coupon.Coupon{DiscountType: coupon.Currency, DiscountValue: 10000},
			nbPeriods: 1,
			want:      0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := tt.coupon
			c.Code = "SAVE"
			c.ProviderID = f.provider.ID
			require.NoError(t, f.engine.CreateCoupon(f.ctx, &c))

			o, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{
				SubscriberID: f.customer.ID,
				PlanID:       f.plan.ID,
				NbPeriods:    tt.nbPeriods,
				CouponCode:   "SAVE",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.Amount().Amount)
			assert.Contains(t, o.Transactions[0].Description, "with coupon SAVE")

			redeemed, err := f.store.GetCoupon(f.ctx, "SAVE")
			require.NoError(t, err)
			assert.EqualValues(t, 1, redeemed.Uses)
		})
	}
}

func TestCreateOrderRejectsUnusableCoupons(t *testing.T) {
	f := newFixture(t)
	other := f.org(t, "rival", true)
	expired := epoch.Add(-time.Hour)

	require.NoError(t, f.engine.CreateCoupon(f.ctx, &coupon.Coupon{
		Code: "RIVAL", ProviderID: other.ID, DiscountType: coupon.Percentage, DiscountValue: 10,
	}))
	require.NoError(t, f.engine.CreateCoupon(f.ctx, &coupon.Coupon{
		Code: "OLD", ProviderID: f.provider.ID, DiscountType: coupon.Percentage, DiscountValue: 10, ExpiresAt: &expired,
	}))

	order := func(code string) error {
		_, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{
			SubscriberID: f.customer.ID,
			PlanID:       f.plan.ID,
			NbPeriods:    1,
			CouponCode:   code,
		})
		return err
	}

	assert.ErrorIs(t, order("RIVAL"), billing.ErrCouponNotApplicable)
	assert.ErrorIs(t, order("OLD"), billing.ErrCouponExpired)
	assert.ErrorIs(t, order("NOPE"), billing.ErrCouponNotFound)

	// Nothing was posted or subscribed by the rejected orders.
	assert.Empty(t, f.transactions(t))
	subs, err := f.engine.ListSubscriptions(f.ctx, f.customer.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{SubscriberID: f.customer.ID, PlanID: f.plan.ID})
	assert.True(t, billing.IsValidation(err))

	require.NoError(t, f.engine.DeactivatePlan(f.ctx, f.plan.ID))
	_, err = f.engine.CreateOrder(f.ctx, billing.OrderRequest{SubscriberID: f.customer.ID, PlanID: f.plan.ID, NbPeriods: 1})
	assert.ErrorIs(t, err, billing.ErrPlanInactive)
}

func TestOrderPaymentRequest(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.plan, 1)

	req := o.PaymentRequest("order-1")
	assert.Equal(t, f.customer.ID, req.OrganizationID)
	assert.Equal(t, o.Amount(), req.Amount)
	assert.Equal(t, "order-1", req.IdempotencyKey)
	require.Len(t, req.TransactionIDs, 1)
	assert.Equal(t, o.Transactions[0].ID, req.TransactionIDs[0])
}
