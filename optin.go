package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/types"
)

// A plan with OptinOnRequest only sells to subscribers the provider has
// accepted. Either side starts the handshake:
//
//	RequestOptin -> AcceptRequest   subscriber asks, provider accepts
//	GrantSubscription -> AcceptGrant   provider offers, subscriber accepts
//
// Both create a placeholder subscription with EndsAt == StartsAt that
// carries the outstanding key. Once accepted, the placeholder is the record
// the first CreateOrder fills in.

// RequestOptin records a subscriber's request to subscribe to planID.
// Calling it again returns the outstanding request.
func (e *Engine) RequestOptin(ctx context.Context, subscriberID, planID id.ID) (*subscription.Subscription, error) {
	return e.openOptin(ctx, subscriberID, planID, func(s *subscription.Subscription) *string { return &s.RequestKey })
}

// AcceptRequest is called by the provider with the request key.
func (e *Engine) AcceptRequest(ctx context.Context, key string) (*subscription.Subscription, error) {
	return e.acceptOptin(ctx, key, func(s *subscription.Subscription) *string { return &s.RequestKey })
}

// GrantSubscription offers planID to subscriberID on behalf of the plan's
// provider.
func (e *Engine) GrantSubscription(ctx context.Context, subscriberID, planID id.ID) (*subscription.Subscription, error) {
	return e.openOptin(ctx, subscriberID, planID, func(s *subscription.Subscription) *string { return &s.GrantKey })
}

// AcceptGrant is called by the subscriber with the grant key.
func (e *Engine) AcceptGrant(ctx context.Context, key string) (*subscription.Subscription, error) {
	return e.acceptOptin(ctx, key, func(s *subscription.Subscription) *string { return &s.GrantKey })
}

func (e *Engine) openOptin(ctx context.Context, subscriberID, planID id.ID, field func(*subscription.Subscription) *string) (*subscription.Subscription, error) {
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, p.Slug)
	}
	if _, err := e.store.GetOrganization(ctx, subscriberID); err != nil {
		return nil, err
	}

	var out *subscription.Subscription
	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		existing, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{SubscriberID: subscriberID, PlanID: planID})
		if err != nil {
			return err
		}
		for _, sub := range existing {
			if *field(sub) != "" {
				out = sub
				return nil
			}
		}

		now := e.now()
		sub := &subscription.Subscription{
			Entity:       types.NewEntity(now),
			ID:           id.NewSubscriptionID(),
			SubscriberID: subscriberID,
			PlanID:       planID,
			StartsAt:     now,
			EndsAt:       now,
		}
		*field(sub) = uuid.NewString()
		if err := e.store.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) acceptOptin(ctx context.Context, key string, field func(*subscription.Subscription) *string) (*subscription.Subscription, error) {
	if key == "" {
		return nil, ErrInvalidOptinKey
	}
	sub, err := e.store.GetSubscriptionByKey(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrInvalidOptinKey
		}
		return nil, err
	}
	if *field(sub) != key {
		return nil, ErrInvalidOptinKey
	}

	*field(sub) = ""
	sub.Touch(e.now())
	if err := e.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	e.logger.Info("opt-in accepted",
		"subscription_id", sub.ID.String(),
		"subscriber_id", sub.SubscriberID.String(),
	)
	return sub, nil
}

// isPlaceholder reports whether sub was created by the opt-in handshake
// and has not been ordered yet.
func isPlaceholder(sub *subscription.Subscription) bool {
	return sub.GrantKey == "" && sub.RequestKey == "" && sub.CanceledAt == nil && !sub.EndsAt.After(sub.StartsAt)
}
