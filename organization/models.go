// Package organization models billing profiles: subscribers, providers,
// the broker that hosts the platform and the processor account itself.
package organization

import (
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

type Organization struct {
	types.Entity
	ID                     id.ID             `json:"id"`
	Slug                   string            `json:"slug"`
	DisplayName            string            `json:"display_name"`
	ParentID               id.ID             `json:"parent_id,omitempty"`
	IsProvider             bool              `json:"is_provider"`
	IsActive               bool              `json:"is_active"`
	DefaultCurrency        string            `json:"default_currency"`
	Timezone               string            `json:"timezone,omitempty"`
	PaymentMethodToken     string            `json:"-"`
	PaymentMethodExpiresAt *time.Time        `json:"payment_method_expires_at,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// HasPaymentMethod reports whether a processor token is on file.
func (o *Organization) HasPaymentMethod() bool {
	return o.PaymentMethodToken != ""
}

// PaymentMethodValidUntil reports whether the card on file is still
// usable at t. A token without an expiry never expires.
func (o *Organization) PaymentMethodValidUntil(t time.Time) bool {
	if !o.HasPaymentMethod() {
		return false
	}
	if o.PaymentMethodExpiresAt == nil {
		return true
	}
	return o.PaymentMethodExpiresAt.After(t)
}

// Profile is the capability a deployment's own organization model must
// provide to take part in billing. *Organization satisfies it.
type Profile interface {
	ProfileID() id.ID
	ProfileSlug() string
	IsProviderProfile() bool
	ParentProfileID() id.ID
}

func (o *Organization) ProfileID() id.ID        { return o.ID }
func (o *Organization) ProfileSlug() string     { return o.Slug }
func (o *Organization) IsProviderProfile() bool { return o.IsProvider }
func (o *Organization) ParentProfileID() id.ID  { return o.ParentID }

// FromProfile builds an Organization record from any Profile so adapters
// can register externally managed models.
func FromProfile(p Profile, currency string, now time.Time) *Organization {
	return &Organization{
		Entity:          types.NewEntity(now),
		ID:              p.ProfileID(),
		Slug:            p.ProfileSlug(),
		ParentID:        p.ParentProfileID(),
		IsProvider:      p.IsProviderProfile(),
		IsActive:        true,
		DefaultCurrency: types.NormalizeCurrency(currency),
	}
}
