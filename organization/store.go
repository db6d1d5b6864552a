package organization

import (
	"context"

	"github.com/xraph/billing/id"
)

// Store persists organizations. There is no delete: organizations with
// ledger history are deactivated instead.
type Store interface {
	CreateOrganization(ctx context.Context, o *Organization) error
	GetOrganization(ctx context.Context, orgID id.ID) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)
	ListOrganizations(ctx context.Context, opts ListOpts) ([]*Organization, error)
	UpdateOrganization(ctx context.Context, o *Organization) error
}

type ListOpts struct {
	ActiveOnly       bool
	WithPaymentToken bool
	Limit            int
	Offset           int
}
