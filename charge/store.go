package charge

import (
	"context"
	"time"

	"github.com/xraph/billing/id"
)

// Store persists charges. IdempotencyKey is unique; UpdateCharge is
// version-checked like subscriptions.
type Store interface {
	CreateCharge(ctx context.Context, c *Charge) error
	GetCharge(ctx context.Context, chargeID id.ID) (*Charge, error)
	GetChargeByIdempotencyKey(ctx context.Context, key string) (*Charge, error)
	GetChargeByProcessorID(ctx context.Context, processorChargeID string) (*Charge, error)
	ListCharges(ctx context.Context, opts ListOpts) ([]*Charge, error)
	UpdateCharge(ctx context.Context, c *Charge) error
}

type ListOpts struct {
	OrganizationID id.ID
	State          State
	// ProcessingBefore matches charges that entered PROCESSING before it.
	ProcessingBefore time.Time
	Limit            int
	Offset           int
}
