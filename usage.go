package billing

import (
	"context"
	"fmt"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/pricing"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// RecordUseCharge records units consumed on an active subscription and
// bills whatever exceeds the use charge's quota for the current period.
// Counters reset at each period boundary of the subscription. It returns
// the amount billed, which is zero while usage stays within quota.
func (e *Engine) RecordUseCharge(ctx context.Context, subID, useChargeID id.ID, units int64) (types.Money, error) {
	if units <= 0 {
		return types.Money{}, fmt.Errorf("%w: got %d", pricing.ErrInvalidUnits, units)
	}

	now := e.now()
	var (
		billed types.Money
		sub    *subscription.Subscription
		p      *plan.Plan
	)
	err := e.store.Atomic(ctx, func(ctx context.Context) error {
		var err error
		if sub, err = e.store.GetSubscription(ctx, subID); err != nil {
			return err
		}
		if !sub.IsActive(now) {
			return fmt.Errorf("%w: %s is %s", ErrSubscriptionNotActive, sub.ID, sub.State(now))
		}
		uc, err := e.store.GetUseCharge(ctx, useChargeID)
		if err != nil {
			return err
		}
		if uc.PlanID != sub.PlanID {
			return ValidationError{Field: "use_charge_id", Message: uc.Slug + " does not belong to the subscribed plan"}
		}
		if p, err = e.store.GetPlan(ctx, sub.PlanID); err != nil {
			return err
		}

		start, _ := p.PeriodContaining(sub.StartsAt, now)
		key := subscription.UsageKey{SubscriptionID: sub.ID, UseChargeID: uc.ID, PeriodStart: start}
		total, err := e.store.AddUsage(ctx, key, units)
		if err != nil {
			return fmt.Errorf("add usage: %w", err)
		}

		if billed, err = e.pricing.PriceForUseCharge(uc, p.Currency, units, total-units); err != nil {
			return err
		}
		if billed.IsZero() {
			return nil
		}

		desc := fmt.Sprintf("%d %s over quota for %s", pricing.BillableUnits(uc, units, total-units), uc.Title, p.Title)
		_, err = e.Post(ctx, []transaction.Draft{
			transaction.Transfer(
				p.ProviderID, transaction.Backlog,
				sub.SubscriberID, transaction.Payable,
				billed.Amount, p.Currency, desc,
			).For(sub.ID),
		})
		return err
	})
	if err != nil {
		return types.Money{}, err
	}

	if billed.IsPositive() {
		e.emit(ctx, sub.SubscriberID, plugin.Signal{
			Name:         plugin.SignalUsageBilled,
			Subscription: sub,
			Plan:         p,
			Amount:       money(billed),
		})
	}
	return billed, nil
}
