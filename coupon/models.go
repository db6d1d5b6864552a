package coupon

import (
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

type DiscountType string

const (
	Percentage DiscountType = "percentage"
	Currency   DiscountType = "currency"
	// Period waives DiscountValue whole periods of the plan.
	Period DiscountType = "period"
)

type Coupon struct {
	types.Entity
	ID            id.ID        `json:"id"`
	Code          string       `json:"code"`
	ProviderID    id.ID        `json:"provider_id"`
	Description   string       `json:"description,omitempty"`
	DiscountType  DiscountType `json:"discount_type"`
	DiscountValue int64        `json:"discount_value"`
	PlanID        id.ID        `json:"plan_id,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	MaxUses       int64        `json:"max_uses"`
	Uses          int64        `json:"uses"`
}

// Expired reports whether the coupon can no longer be redeemed at t.
func (c *Coupon) Expired(t time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(t)
}

// Exhausted reports whether the use-count limit has been reached.
// MaxUses of zero means unlimited.
func (c *Coupon) Exhausted() bool {
	return c.MaxUses > 0 && c.Uses >= c.MaxUses
}

// AppliesTo reports whether the coupon may be used for planID.
func (c *Coupon) AppliesTo(planID id.ID) bool {
	return c.PlanID.IsNil() || c.PlanID == planID
}
