package subscription

import (
	"context"
	"time"

	"github.com/xraph/billing/id"
)

// Store persists subscriptions. UpdateSubscription succeeds only when the
// stored Version equals s.Version and then increments it.
type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, subID id.ID) (*Subscription, error)
	GetSubscriptionByKey(ctx context.Context, key string) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, subscriberID, planID id.ID, at time.Time) (*Subscription, error)
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
}

// UsageStore tracks per-period unit counters for use charges.
type UsageStore interface {
	GetUsage(ctx context.Context, key UsageKey) (int64, error)
	AddUsage(ctx context.Context, key UsageKey, units int64) (int64, error)
}

type ListOpts struct {
	SubscriberID id.ID
	PlanID       id.ID
	// EndsAfter and EndsBefore bound EndsAt as [EndsAfter, EndsBefore).
	EndsAfter  time.Time
	EndsBefore time.Time
	AutoRenew  *bool
	Limit      int
	Offset     int
}

// UsageKey identifies a usage counter for one period of one subscription.
type UsageKey struct {
	SubscriptionID id.ID
	UseChargeID    id.ID
	PeriodStart    time.Time
}
