package subscription

import (
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

// State is derived from timestamps and opt-in keys; it is never stored.
type State string

const (
	StatePendingOptin State = "pending_optin"
	StateActive       State = "active"
	StateExpired      State = "expired"
	StateCanceled     State = "canceled"
)

type Subscription struct {
	types.Entity
	ID           id.ID             `json:"id"`
	SubscriberID id.ID             `json:"subscriber_id"`
	PlanID       id.ID             `json:"plan_id"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       time.Time         `json:"ends_at"`
	AutoRenew    bool              `json:"auto_renew"`
	GrantKey     string            `json:"grant_key,omitempty"`
	RequestKey   string            `json:"request_key,omitempty"`
	CanceledAt   *time.Time        `json:"canceled_at,omitempty"`
	Version      int64             `json:"version"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// State returns the lifecycle state at t.
func (s *Subscription) State(t time.Time) State {
	switch {
	case s.GrantKey != "" || s.RequestKey != "":
		return StatePendingOptin
	case s.EndsAt.After(t):
		return StateActive
	case s.CanceledAt != nil:
		return StateCanceled
	default:
		return StateExpired
	}
}

// IsActive reports whether the subscription grants access at t.
func (s *Subscription) IsActive(t time.Time) bool {
	return s.State(t) == StateActive
}

// DaysRemaining returns the number of whole days from t until EndsAt.
func (s *Subscription) DaysRemaining(t time.Time) int {
	if !s.EndsAt.After(t) {
		return 0
	}
	return int(s.EndsAt.Sub(t).Hours() / 24)
}
