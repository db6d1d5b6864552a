// Package storetest is a conformance suite run against every store.Store
// backend. Each check uses fresh identifiers, so backends may share one
// database across the whole run.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// Base is the reference instant used by every check.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against s, which must already be migrated.
func Run(t *testing.T, s store.Store) {
	t.Helper()

	t.Run("Organizations", func(t *testing.T) { testOrganizations(t, s) })
	t.Run("Plans", func(t *testing.T) { testPlans(t, s) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, s) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, s) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, s) })
	t.Run("Balances", func(t *testing.T) { testBalances(t, s) })
	t.Run("Charges", func(t *testing.T) { testCharges(t, s) })
	t.Run("Coupons", func(t *testing.T) { testCoupons(t, s) })
	t.Run("Notices", func(t *testing.T) { testNotices(t, s) })
	t.Run("Atomic", func(t *testing.T) { testAtomic(t, s) })
}

// NewOrganization stores an active organization with a unique slug.
func NewOrganization(t *testing.T, s store.Store, provider bool) *organization.Organization {
	t.Helper()
	o := &organization.Organization{
		Entity:          types.NewEntity(Base),
		ID:              id.NewOrganizationID(),
		IsProvider:      provider,
		IsActive:        true,
		DefaultCurrency: "usd",
	}
	o.Slug = "org-" + o.ID.String()
	o.DisplayName = o.Slug
	require.NoError(t, s.CreateOrganization(context.Background(), o))
	return o
}

// NewPlan stores a monthly auto-renewing plan of provider.
func NewPlan(t *testing.T, s store.Store, providerID id.ID) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Entity:       types.NewEntity(Base),
		ID:           id.NewPlanID(),
		ProviderID:   providerID,
		Title:        "Pro",
		PeriodType:   plan.Monthly,
		PeriodLength: 1,
		PeriodAmount: 1000,
		Currency:     "usd",
		RenewalType:  plan.AutoRenew,
		IsActive:     true,
	}
	p.Slug = "plan-" + p.ID.String()
	require.NoError(t, s.CreatePlan(context.Background(), p))
	return p
}

func newSubscription(t *testing.T, s store.Store, subscriberID, planID id.ID, endsAt time.Time) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		Entity:       types.NewEntity(Base),
		ID:           id.NewSubscriptionID(),
		SubscriberID: subscriberID,
		PlanID:       planID,
		StartsAt:     Base,
		EndsAt:       endsAt,
		AutoRenew:    true,
	}
	require.NoError(t, s.CreateSubscription(context.Background(), sub))
	return sub
}

func testOrganizations(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := NewOrganization(t, s, true)

	got, err := s.GetOrganization(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Slug, got.Slug)
	assert.True(t, got.IsProvider)
	assert.True(t, got.CreatedAt.Equal(Base))

	got, err = s.GetOrganizationBySlug(ctx, o.Slug)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	dup := *o
	dup.ID = id.NewOrganizationID()
	assert.ErrorIs(t, s.CreateOrganization(ctx, &dup), billing.ErrAlreadyExists, "duplicate slug")

	_, err = s.GetOrganization(ctx, id.NewOrganizationID())
	assert.ErrorIs(t, err, billing.ErrOrganizationNotFound)

	expires := Base.AddDate(1, 0, 0)
	o.PaymentMethodToken = "tok_visa"
	o.PaymentMethodExpiresAt = &expires
	o.Metadata = map[string]string{"tier": "gold"}
	require.NoError(t, s.UpdateOrganization(ctx, o))

	got, err = s.GetOrganization(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok_visa", got.PaymentMethodToken)
	require.NotNil(t, got.PaymentMethodExpiresAt)
	assert.True(t, got.PaymentMethodExpiresAt.Equal(expires))
	assert.Equal(t, "gold", got.Metadata["tier"])

	missing := &organization.Organization{ID: id.NewOrganizationID(), Slug: "missing-" + o.ID.String()}
	assert.ErrorIs(t, s.UpdateOrganization(ctx, missing), billing.ErrOrganizationNotFound)

	withToken, err := s.ListOrganizations(ctx, organization.ListOpts{WithPaymentToken: true})
	require.NoError(t, err)
	assert.True(t, containsOrg(withToken, o.ID))
	for _, org := range withToken {
		assert.NotEmpty(t, org.PaymentMethodToken)
	}
}

func containsOrg(orgs []*organization.Organization, orgID id.ID) bool {
	for _, o := range orgs {
		if o.ID == orgID {
			return true
		}
	}
	return false
}

func testPlans(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := NewOrganization(t, s, true)
	p := NewPlan(t, s, provider.ID)
	inactive := NewPlan(t, s, provider.ID)
	inactive.IsActive = false
	require.NoError(t, s.UpdatePlan(ctx, inactive))

	got, err := s.GetPlanBySlug(ctx, provider.ID, p.Slug)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, plan.Monthly, got.PeriodType)
	assert.Equal(t, int64(1000), got.PeriodAmount)

	dup := *p
	dup.ID = id.NewPlanID()
	assert.ErrorIs(t, s.CreatePlan(ctx, &dup), billing.ErrAlreadyExists)

	all, err := s.ListPlans(ctx, provider.ID, plan.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListPlans(ctx, provider.ID, plan.ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].ID)

	_, err = s.GetPlan(ctx, id.NewPlanID())
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)

	uc := &plan.UseCharge{
		Entity:    types.NewEntity(Base),
		ID:        id.NewUseChargeID(),
		PlanID:    p.ID,
		Slug:      "api-calls",
		UseAmount: 5,
		Quota:     100,
	}
	require.NoError(t, s.CreateUseCharge(ctx, uc))

	orphan := *uc
	orphan.ID = id.NewUseChargeID()
	orphan.PlanID = id.NewPlanID()
	assert.ErrorIs(t, s.CreateUseCharge(ctx, &orphan), billing.ErrPlanNotFound)

	gotUC, err := s.GetUseCharge(ctx, uc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), gotUC.Quota)

	ucs, err := s.ListUseCharges(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, ucs, 1)
}

func testSubscriptions(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := NewOrganization(t, s, true)
	subscriber := NewOrganization(t, s, false)
	p := NewPlan(t, s, provider.ID)

	early := newSubscription(t, s, subscriber.ID, p.ID, Base.AddDate(0, 1, 0))
	late := newSubscription(t, s, subscriber.ID, p.ID, Base.AddDate(0, 2, 0))

	active, err := s.GetActiveSubscription(ctx, subscriber.ID, p.ID, Base)
	require.NoError(t, err)
	assert.Equal(t, late.ID, active.ID, "latest ends_at wins")

	_, err = s.GetActiveSubscription(ctx, subscriber.ID, p.ID, Base.AddDate(0, 3, 0))
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	window, err := s.ListSubscriptions(ctx, subscription.ListOpts{
		SubscriberID: subscriber.ID,
		EndsAfter:    Base.AddDate(0, 1, 0),
		EndsBefore:   Base.AddDate(0, 2, 0),
	})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, early.ID, window[0].ID)

	ordered, err := s.ListSubscriptions(ctx, subscription.ListOpts{SubscriberID: subscriber.ID})
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, early.ID, ordered[0].ID)

	off := false
	none, err := s.ListSubscriptions(ctx, subscription.ListOpts{SubscriberID: subscriber.ID, AutoRenew: &off})
	require.NoError(t, err)
	assert.Empty(t, none)

	stale := *early
	early.AutoRenew = false
	early.GrantKey = "grant-" + early.ID.String()
	require.NoError(t, s.UpdateSubscription(ctx, early))
	assert.Equal(t, int64(1), early.Version)

	stale.EndsAt = Base.AddDate(1, 0, 0)
	assert.ErrorIs(t, s.UpdateSubscription(ctx, &stale), billing.ErrConcurrentUpdate)

	byKey, err := s.GetSubscriptionByKey(ctx, early.GrantKey)
	require.NoError(t, err)
	assert.Equal(t, early.ID, byKey.ID)
	assert.False(t, byKey.AutoRenew)
	assert.True(t, byKey.EndsAt.Equal(Base.AddDate(0, 1, 0)))

	_, err = s.GetSubscriptionByKey(ctx, "")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	missing := &subscription.Subscription{ID: id.NewSubscriptionID()}
	assert.ErrorIs(t, s.UpdateSubscription(ctx, missing), billing.ErrSubscriptionNotFound)
}

func testUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := NewOrganization(t, s, true)
	subscriber := NewOrganization(t, s, false)
	p := NewPlan(t, s, provider.ID)
	uc := &plan.UseCharge{Entity: types.NewEntity(Base), ID: id.NewUseChargeID(), PlanID: p.ID, Slug: "seats", UseAmount: 1}
	require.NoError(t, s.CreateUseCharge(ctx, uc))
	sub := newSubscription(t, s, subscriber.ID, p.ID, Base.AddDate(0, 1, 0))

	key := subscription.UsageKey{SubscriptionID: sub.ID, UseChargeID: uc.ID, PeriodStart: Base}
	units, err := s.GetUsage(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, units)

	total, err := s.AddUsage(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	total, err = s.AddUsage(ctx, key, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)

	next := key
	next.PeriodStart = Base.AddDate(0, 1, 0)
	units, err = s.GetUsage(ctx, next)
	require.NoError(t, err)
	assert.Zero(t, units, "counters are per period")
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := NewOrganization(t, s, true)
	subscriber := NewOrganization(t, s, false)
	event := "order-" + subscriber.ID.String()

	var txns []*transaction.Transaction
	for i := range 3 {
		d := transaction.Transfer(subscriber.ID, transaction.Payable, provider.ID, transaction.Income, int64(100*(i+1)), "usd", "period")
		txns = append(txns, d.WithEvent(event).Post(Base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.AppendTransactions(ctx, txns))
	assert.Less(t, txns[0].Seq, txns[1].Seq)
	assert.Less(t, txns[1].Seq, txns[2].Seq)

	got, err := s.GetTransaction(ctx, txns[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.DestAmount)
	assert.Equal(t, transaction.Income, got.DestAccount)
	assert.True(t, got.SubscriptionID.IsNil())

	_, err = s.GetTransaction(ctx, id.NewTransactionID())
	assert.ErrorIs(t, err, billing.ErrTransactionNotFound)

	has, err := s.HasEventTransactions(ctx, event)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasEventTransactions(ctx, "unknown-"+event)
	require.NoError(t, err)
	assert.False(t, has)

	first, err := s.ListTransactions(ctx, transaction.ListOpts{OrganizationID: provider.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	rest, err := s.ListTransactions(ctx, transaction.ListOpts{OrganizationID: provider.ID, After: transaction.Of(first[1])})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, txns[2].ID, rest[0].ID)

	asOf, err := s.ListTransactions(ctx, transaction.ListOpts{OrganizationID: subscriber.ID, AsOf: Base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, asOf, 2, "as-of is inclusive")

	byEvent, err := s.ListTransactions(ctx, transaction.ListOpts{EventID: event})
	require.NoError(t, err)
	assert.Len(t, byEvent, 3)
}

func testBalances(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := NewOrganization(t, s, true)
	subscriber := NewOrganization(t, s, false)

	require.NoError(t, s.AppendTransactions(ctx, []*transaction.Transaction{
		transaction.Transfer(subscriber.ID, transaction.Payable, provider.ID, transaction.Income, 500, "usd", "order").Post(Base),
		transaction.Transfer(subscriber.ID, transaction.Funds, subscriber.ID, transaction.Payable, 200, "usd", "paid").Post(Base.Add(time.Hour)),
	}))

	payable, err := s.SumBalance(ctx, subscriber.ID, transaction.Payable, "usd", Base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(-300), payable)

	before, err := s.SumBalance(ctx, subscriber.ID, transaction.Payable, "usd", Base)
	require.NoError(t, err)
	assert.Equal(t, int64(-500), before, "as-of excludes later entries")

	other, err := s.SumBalance(ctx, subscriber.ID, transaction.Payable, "eur", Base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, other)

	balances, err := s.ListBalances(ctx, transaction.Payable, Base.Add(2*time.Hour))
	require.NoError(t, err)
	var found bool
	for _, b := range balances {
		assert.NotZero(t, b.Amount)
		if b.OrganizationID == subscriber.ID {
			found = true
			assert.Equal(t, int64(-300), b.Amount)
			assert.Equal(t, "usd", b.Unit)
			assert.Equal(t, transaction.Payable, b.Account)
		}
	}
	assert.True(t, found)
}

func testCharges(t *testing.T, s store.Store) {
	ctx := context.Background()
	subscriber := NewOrganization(t, s, false)
	processing := Base.Add(-time.Hour)

	c := &charge.Charge{
		Entity:         types.NewEntity(Base),
		ID:             id.NewChargeID(),
		OrganizationID: subscriber.ID,
		Amount:         1500,
		Currency:       "usd",
		State:          charge.StateProcessing,
		IdempotencyKey: "idem-" + subscriber.ID.String(),
		ProcessingAt:   &processing,
		LineItems: []charge.LineItem{
			{TransactionID: id.NewTransactionID(), SubscriptionID: id.NewSubscriptionID(), ProviderID: id.NewOrganizationID(), Amount: 1500, BrokerFee: 30},
		},
	}
	require.NoError(t, s.CreateCharge(ctx, c))

	dup := *c
	dup.ID = id.NewChargeID()
	assert.ErrorIs(t, s.CreateCharge(ctx, &dup), billing.ErrAlreadyExists, "idempotency key is unique")

	keyless := *c
	keyless.ID = id.NewChargeID()
	keyless.IdempotencyKey = ""
	keyless.ProcessingAt = nil
	keyless.State = charge.StateCreated
	require.NoError(t, s.CreateCharge(ctx, &keyless))

	got, err := s.GetChargeByIdempotencyKey(ctx, c.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, int64(30), got.LineItems[0].BrokerFee)
	assert.Equal(t, c.LineItems[0].SubscriptionID, got.LineItems[0].SubscriptionID)

	stuck, err := s.ListCharges(ctx, charge.ListOpts{OrganizationID: subscriber.ID, State: charge.StateProcessing, ProcessingBefore: Base})
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, c.ID, stuck[0].ID)

	stale := *got
	got.State = charge.StateSucceeded
	got.ProcessorChargeID = "ch_" + c.ID.String()
	require.NoError(t, s.UpdateCharge(ctx, got))
	assert.Equal(t, int64(1), got.Version)
	assert.ErrorIs(t, s.UpdateCharge(ctx, &stale), billing.ErrConcurrentUpdate)

	byProcessor, err := s.GetChargeByProcessorID(ctx, got.ProcessorChargeID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateSucceeded, byProcessor.State)

	_, err = s.GetChargeByProcessorID(ctx, "")
	assert.ErrorIs(t, err, billing.ErrChargeNotFound)
	_, err = s.GetCharge(ctx, id.NewChargeID())
	assert.ErrorIs(t, err, billing.ErrChargeNotFound)

	all, err := s.ListCharges(ctx, charge.ListOpts{OrganizationID: subscriber.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testCoupons(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := NewOrganization(t, s, true)
	p := NewPlan(t, s, provider.ID)

	c := &coupon.Coupon{
		Entity:        types.NewEntity(Base),
		ID:            id.NewCouponID(),
		Code:          "SAVE-" + provider.ID.String(),
		ProviderID:    provider.ID,
		DiscountType:  coupon.Percentage,
		DiscountValue: 20,
		PlanID:        p.ID,
		MaxUses:       2,
	}
	require.NoError(t, s.CreateCoupon(ctx, c))

	dup := *c
	dup.ID = id.NewCouponID()
	assert.ErrorIs(t, s.CreateCoupon(ctx, &dup), billing.ErrAlreadyExists)

	require.NoError(t, s.RedeemCoupon(ctx, c.ID))
	require.NoError(t, s.RedeemCoupon(ctx, c.ID))
	assert.ErrorIs(t, s.RedeemCoupon(ctx, c.ID), billing.ErrCouponExhausted)
	assert.ErrorIs(t, s.RedeemCoupon(ctx, id.NewCouponID()), billing.ErrCouponNotFound)

	got, err := s.GetCoupon(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Uses)
	assert.Equal(t, p.ID, got.PlanID)

	open := &coupon.Coupon{
		Entity:       types.NewEntity(Base),
		ID:           id.NewCouponID(),
		Code:         "OPEN-" + provider.ID.String(),
		ProviderID:   provider.ID,
		DiscountType: coupon.Currency,
	}
	require.NoError(t, s.CreateCoupon(ctx, open))
	gotOpen, err := s.GetCouponByID(ctx, open.ID)
	require.NoError(t, err)
	assert.True(t, gotOpen.PlanID.IsNil())
	assert.Nil(t, gotOpen.ExpiresAt)

	all, err := s.ListCoupons(ctx, provider.ID, coupon.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	forPlan, err := s.ListCoupons(ctx, provider.ID, coupon.ListOpts{PlanID: p.ID})
	require.NoError(t, err)
	assert.Len(t, forPlan, 1)
}

func testNotices(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := "expiring:" + id.NewSubscriptionID().String() + ":7"

	fresh, err := s.RecordNotice(ctx, key, Base)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.RecordNotice(ctx, key, Base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, fresh)
}

func testAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	var rolledBack *organization.Organization
	err := s.Atomic(ctx, func(ctx context.Context) error {
		rolledBack = &organization.Organization{Entity: types.NewEntity(Base), ID: id.NewOrganizationID(), IsActive: true}
		rolledBack.Slug = "rollback-" + rolledBack.ID.String()
		if err := s.CreateOrganization(ctx, rolledBack); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.GetOrganization(ctx, rolledBack.ID)
	assert.ErrorIs(t, err, billing.ErrOrganizationNotFound)

	var committed *organization.Organization
	err = s.Atomic(ctx, func(ctx context.Context) error {
		return s.Atomic(ctx, func(ctx context.Context) error {
			committed = &organization.Organization{Entity: types.NewEntity(Base), ID: id.NewOrganizationID(), IsActive: true}
			committed.Slug = "commit-" + committed.ID.String()
			return s.CreateOrganization(ctx, committed)
		})
	})
	require.NoError(t, err)
	_, err = s.GetOrganization(ctx, committed.ID)
	assert.NoError(t, err)

	// A conflict inside a unit must not poison the rest of it.
	err = s.Atomic(ctx, func(ctx context.Context) error {
		dup := *committed
		if err := s.CreateOrganization(ctx, &dup); !errors.Is(err, billing.ErrAlreadyExists) {
			return err
		}
		_, err := s.GetOrganization(ctx, committed.ID)
		return err
	})
	assert.NoError(t, err)
}
