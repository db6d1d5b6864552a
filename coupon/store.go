package coupon

import (
	"context"

	"github.com/xraph/billing/id"
)

type Store interface {
	CreateCoupon(ctx context.Context, c *Coupon) error
	GetCoupon(ctx context.Context, code string) (*Coupon, error)
	GetCouponByID(ctx context.Context, couponID id.ID) (*Coupon, error)
	ListCoupons(ctx context.Context, providerID id.ID, opts ListOpts) ([]*Coupon, error)
	// RedeemCoupon increments Uses, failing when MaxUses is reached.
	RedeemCoupon(ctx context.Context, couponID id.ID) error
}

type ListOpts struct {
	PlanID id.ID
	Limit  int
	Offset int
}
