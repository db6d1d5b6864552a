package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/subscription"
)

// Effective selects when a cancellation takes effect.
type Effective string

const (
	// EffectiveNow revokes access immediately.
	EffectiveNow Effective = "now"
	// EffectiveEndOfPeriod keeps access until EndsAt and stops renewals.
	EffectiveEndOfPeriod Effective = "end_of_period"
)

// GetSubscription retrieves a subscription by ID.
func (e *Engine) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// ListSubscriptions returns every subscription of subscriberID, pending
// opt-ins included.
func (e *Engine) ListSubscriptions(ctx context.Context, subscriberID id.ID) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, subscription.ListOpts{SubscriberID: subscriberID})
}

// CancelSubscription stops a subscription from renewing and, with
// EffectiveNow, ends it at the current time. Nothing is posted to the
// ledger: prepaid periods are not refunded here. A subscription that has
// not started cannot be ended now; it fails with ErrSubscriptionNotStarted.
func (e *Engine) CancelSubscription(ctx context.Context, subID id.ID, when Effective) (*subscription.Subscription, error) {
	switch when {
	case EffectiveNow, EffectiveEndOfPeriod:
	default:
		return nil, ValidationError{Field: "effective", Message: fmt.Sprintf("unknown value %q", when)}
	}
	return e.endSubscription(ctx, subID, when == EffectiveNow, true, string(when))
}

// FailSubscriptionForNonpayment revokes access right away after a declined
// renewal charge instead of waiting for the period to run out. A
// subscription that has not started is left with StartsAt == EndsAt, the
// one record allowed to have no length; it never grants access.
func (e *Engine) FailSubscriptionForNonpayment(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	return e.endSubscription(ctx, subID, true, false, "nonpayment")
}

func (e *Engine) endSubscription(ctx context.Context, subID id.ID, immediately, canceled bool, reason string) (*subscription.Subscription, error) {
	var sub *subscription.Subscription
	err := e.withLock(ctx, subscriptionLockKey(subID), func() error {
		var err error
		if sub, err = e.store.GetSubscription(ctx, subID); err != nil {
			return err
		}

		now := e.now()
		if immediately && canceled && sub.StartsAt.After(now) {
			return fmt.Errorf("%w: starts at %s, cancel at end of period instead",
				ErrSubscriptionNotStarted, sub.StartsAt.Format(time.RFC3339))
		}
		endSubscriptionAt(sub, now, immediately)
		if canceled {
			sub.CanceledAt = &now
		}
		sub.Touch(now)
		return e.store.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, fmt.Errorf("end subscription %s: %w", subID, err)
	}

	e.logger.Info("subscription ended",
		"subscription_id", sub.ID.String(),
		"reason", reason,
		"ends_at", sub.EndsAt,
	)
	e.emit(ctx, sub.SubscriberID, plugin.Signal{
		Name:         plugin.SignalSubscriptionCanceled,
		Subscription: sub,
		Reason:       reason,
	})
	return sub, nil
}

func endSubscriptionAt(sub *subscription.Subscription, now time.Time, immediately bool) {
	sub.AutoRenew = false
	if !immediately || !sub.EndsAt.After(now) {
		return
	}
	sub.EndsAt = now
	if sub.StartsAt.After(now) {
		sub.StartsAt = now
	}
}

func subscriptionLockKey(subID id.ID) string { return "subscription:" + subID.String() }
