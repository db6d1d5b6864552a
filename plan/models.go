package plan

import (
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

type PeriodType string

const (
	Hourly  PeriodType = "hourly"
	Daily   PeriodType = "daily"
	Weekly  PeriodType = "weekly"
	Monthly PeriodType = "monthly"
	Yearly  PeriodType = "yearly"
)

// Valid reports whether p is a known period unit.
func (p PeriodType) Valid() bool {
	switch p {
	case Hourly, Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

type RenewalType string

const (
	OneTime   RenewalType = "one_time"
	Repeat    RenewalType = "repeat"
	AutoRenew RenewalType = "auto_renew"
)

type Plan struct {
	types.Entity
	ID                  id.ID             `json:"id"`
	ProviderID          id.ID             `json:"provider_id"`
	Slug                string            `json:"slug"`
	Title               string            `json:"title"`
	PeriodType          PeriodType        `json:"period_type"`
	PeriodLength        int               `json:"period_length"`
	PeriodAmount        int64             `json:"period_amount"`
	SetupAmount         int64             `json:"setup_amount"`
	Currency            string            `json:"currency"`
	AdvanceDiscount     int64             `json:"advance_discount"`
	RenewalType         RenewalType       `json:"renewal_type"`
	BrokerFeePercentage int64             `json:"broker_fee_percentage"`
	IsActive            bool              `json:"is_active"`
	OptinOnRequest      bool              `json:"optin_on_request"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// AllowsAutoRenew reports whether subscriptions to this plan may carry
// auto_renew=true. One-time and repeat plans never auto-renew.
func (p *Plan) AllowsAutoRenew() bool {
	return p.RenewalType == AutoRenew
}

// Length returns the period multiplier, defaulting to 1.
func (p *Plan) Length() int {
	if p.PeriodLength < 1 {
		return 1
	}
	return p.PeriodLength
}

// PeriodPrice returns the price of a single period.
func (p *Plan) PeriodPrice() types.Money {
	return types.New(p.PeriodAmount, p.Currency)
}

// UseCharge is a metered add-on tied to a plan. Quota units per period
// are included; every unit beyond the quota costs UseAmount.
type UseCharge struct {
	types.Entity
	ID        id.ID  `json:"id"`
	PlanID    id.ID  `json:"plan_id"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	UseAmount int64  `json:"use_amount"`
	Quota     int64  `json:"quota"`
}
