package plan

import (
	"context"

	"github.com/xraph/billing/id"
)

type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, planID id.ID) (*Plan, error)
	GetPlanBySlug(ctx context.Context, providerID id.ID, slug string) (*Plan, error)
	ListPlans(ctx context.Context, providerID id.ID, opts ListOpts) ([]*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error

	CreateUseCharge(ctx context.Context, uc *UseCharge) error
	GetUseCharge(ctx context.Context, ucID id.ID) (*UseCharge, error)
	ListUseCharges(ctx context.Context, planID id.ID) ([]*UseCharge, error)
}

type ListOpts struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
