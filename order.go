package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/pricing"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// OrderRequest asks for NbPeriods prepaid periods of a plan.
type OrderRequest struct {
	SubscriberID id.ID
	PlanID       id.ID
	NbPeriods    int
	// StartsAt defaults to now. It is ignored when the subscriber already
	// has an active subscription, which is extended from its EndsAt.
	StartsAt   time.Time
	CouponCode string
	// AutoRenew defaults to true for auto-renew plans. It is always false
	// for other plans.
	AutoRenew *bool
}

// Order is the outcome of CreateOrder: the subscription it created or
// extended and the ledger entry recording what is owed.
type Order struct {
	ID           string
	Subscription *subscription.Subscription
	Plan         *plan.Plan
	Quote        pricing.Quote
	Transactions []*transaction.Transaction
}

// Amount is the total owed for the order.
func (o *Order) Amount() types.Money { return o.Quote.Total }

// PaymentRequest returns the request that collects exactly this order.
func (o *Order) PaymentRequest(idempotencyKey string) PaymentRequest {
	ids := make([]id.ID, 0, len(o.Transactions))
	for _, t := range o.Transactions {
		ids = append(ids, t.ID)
	}
	return PaymentRequest{
		OrganizationID: o.Subscription.SubscriberID,
		Amount:         o.Quote.Total,
		IdempotencyKey: idempotencyKey,
		TransactionIDs: ids,
		Description:    "Order " + o.ID,
	}
}

// CreateOrder prices an order, records what the subscriber owes and creates
// or extends the subscription, all in one unit of work. The setup fee is
// only charged on the first invoice of a subscription.
func (e *Engine) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.NbPeriods < 1 {
		return nil, ValidationError{Field: "nb_periods", Message: "must be at least 1"}
	}

	p, err := e.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, p.Slug)
	}
	subscriber, err := e.store.GetOrganization(ctx, req.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("create order: subscriber: %w", err)
	}
	if !subscriber.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrOrganizationInactive, subscriber.Slug)
	}

	var cp *coupon.Coupon
	if req.CouponCode != "" {
		if cp, err = e.store.GetCoupon(ctx, req.CouponCode); err != nil {
			return nil, fmt.Errorf("create order: coupon %q: %w", req.CouponCode, err)
		}
		if cp.ProviderID != p.ProviderID {
			return nil, fmt.Errorf("%w: %s is not issued by the plan provider", ErrCouponNotApplicable, cp.Code)
		}
	}

	now := e.now()
	order := &Order{ID: uuid.NewString(), Plan: p}

	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		sub, first, err := e.subscriptionForOrder(ctx, subscriber, p, now)
		if err != nil {
			return err
		}

		start := sub.EndsAt
		if first {
			start = req.StartsAt
			if start.IsZero() {
				start = now
			}
			start = start.UTC()
		}

		quote, err := e.pricing.Quote(pricing.QuoteRequest{
			Plan:         p,
			StartsAt:     start,
			NbPeriods:    req.NbPeriods,
			FirstInvoice: first,
			Coupon:       cp,
			At:           now,
		})
		if err != nil {
			return err
		}
		if cp != nil {
			if err := e.store.RedeemCoupon(ctx, cp.ID); err != nil {
				return fmt.Errorf("redeem coupon %s: %w", cp.Code, err)
			}
		}

		if first {
			sub.StartsAt = start
			sub.AutoRenew = p.AllowsAutoRenew()
			if req.AutoRenew != nil {
				sub.AutoRenew = *req.AutoRenew && p.AllowsAutoRenew()
			}
		}
		sub.EndsAt = quote.EndsAt
		sub.Touch(now)

		if sub.ID.IsNil() {
			sub.ID = id.NewSubscriptionID()
			if err := e.store.CreateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("create subscription: %w", err)
			}
		} else if err := e.store.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("update subscription %s: %w", sub.ID, err)
		}

		txns, err := e.Post(ctx, []transaction.Draft{
			transaction.Transfer(
				p.ProviderID, transaction.Backlog,
				subscriber.ID, transaction.Payable,
				quote.Total.Amount, p.Currency,
				orderDescription(p, req.NbPeriods, quote, cp),
			).WithEvent("order:" + order.ID).For(sub.ID),
		})
		if err != nil {
			return err
		}

		order.Subscription = sub
		order.Quote = quote
		order.Transactions = txns
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order placed",
		"order_id", order.ID,
		"subscription_id", order.Subscription.ID.String(),
		"plan", p.Slug,
		"amount", order.Quote.Total.String(),
	)
	e.emit(ctx, subscriber.ID, plugin.Signal{
		Name:         plugin.SignalOrderPlaced,
		Organization: subscriber,
		Subscription: order.Subscription,
		Plan:         p,
		Amount:       money(order.Quote.Total),
	})
	return order, nil
}

// subscriptionForOrder returns the subscription an order applies to and
// whether the order is its first invoice. A new subscription is returned
// with a nil ID.
func (e *Engine) subscriptionForOrder(ctx context.Context, subscriber *organization.Organization, p *plan.Plan, now time.Time) (*subscription.Subscription, bool, error) {
	active, err := e.store.GetActiveSubscription(ctx, subscriber.ID, p.ID, now)
	switch {
	case err == nil && active.State(now) == subscription.StateActive:
		return active, false, nil
	case err != nil && !IsNotFound(err):
		return nil, false, err
	}

	history, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{SubscriberID: subscriber.ID, PlanID: p.ID})
	if err != nil {
		return nil, false, err
	}

	var eligible, placeholder *subscription.Subscription
	for _, sub := range history {
		if sub.State(now) == subscription.StatePendingOptin {
			continue
		}
		eligible = sub
		if isPlaceholder(sub) {
			placeholder = sub
		}
	}

	if p.OptinOnRequest && eligible == nil && !e.exemptFromOptin(subscriber, p) {
		return nil, false, fmt.Errorf("%w: %s on %s", ErrOptinRequired, subscriber.Slug, p.Slug)
	}
	if placeholder != nil {
		return placeholder, true, nil
	}

	return &subscription.Subscription{
		Entity:       types.NewEntity(now),
		SubscriberID: subscriber.ID,
		PlanID:       p.ID,
	}, true, nil
}

// exemptFromOptin reports whether subscriber may order an opt-in plan
// without an accepted request: the provider itself and the broker.
func (e *Engine) exemptFromOptin(subscriber *organization.Organization, p *plan.Plan) bool {
	return subscriber.ID == p.ProviderID || subscriber.Slug == e.config.BrokerSlug
}

func orderDescription(p *plan.Plan, nbPeriods int, q pricing.Quote, cp *coupon.Coupon) string {
	desc := fmt.Sprintf("Subscription to %s until %s", p.Title, q.EndsAt.Format("2006/01/02"))
	if nbPeriods > 1 {
		desc += fmt.Sprintf(" (%d periods)", nbPeriods)
	}
	if cp != nil {
		desc += " with coupon " + cp.Code
	}
	return desc
}
