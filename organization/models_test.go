package organization

import (
	"testing"
	"time"

	"github.com/xraph/billing/id"
)

func TestPaymentMethodValidUntil(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	soon := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name  string
		org   Organization
		valid bool
	}{
		{"no token", Organization{}, false},
		{"token without expiry", Organization{PaymentMethodToken: "tok"}, true},
		{"token valid", Organization{PaymentMethodToken: "tok", PaymentMethodExpiresAt: &soon}, true},
		{"token expired", Organization{PaymentMethodToken: "tok", PaymentMethodExpiresAt: &past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.org.PaymentMethodValidUntil(now); got != tt.valid {
				t.Errorf("PaymentMethodValidUntil: got %v, want %v", got, tt.valid)
			}
		})
	}
}

var externalID = id.NewOrganizationID()

type externalProfile struct{ slug string }

func (p externalProfile) ProfileID() id.ID        { return externalID }
func (p externalProfile) ProfileSlug() string     { return p.slug }
func (p externalProfile) IsProviderProfile() bool { return true }
func (p externalProfile) ParentProfileID() id.ID  { return id.Nil }

func TestFromProfile(t *testing.T) {
	org := FromProfile(externalProfile{slug: "acme"}, "USD", time.Now())

	if org.Slug != "acme" || !org.IsProvider || !org.IsActive {
		t.Errorf("unexpected organization %+v", org)
	}
	if org.ID != externalID {
		t.Errorf("id: got %s, want %s", org.ID, externalID)
	}
	if org.DefaultCurrency != "usd" {
		t.Errorf("currency: got %q, want usd", org.DefaultCurrency)
	}

	var _ Profile = org
}
