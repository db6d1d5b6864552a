package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/types"
)

// ──────────────────────────────────────────────────
// Organizations
// ──────────────────────────────────────────────────

// CreateOrganization registers a new active organization.
func (e *Engine) CreateOrganization(ctx context.Context, o *organization.Organization) error {
	if strings.TrimSpace(o.Slug) == "" {
		return ValidationError{Field: "slug", Message: "is required"}
	}
	if o.ID.IsNil() {
		o.ID = id.NewOrganizationID()
	}
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = e.config.DefaultCurrency
	}
	o.DefaultCurrency = types.NormalizeCurrency(o.DefaultCurrency)
	o.Entity = types.NewEntity(e.now())
	o.IsActive = true

	return e.store.CreateOrganization(ctx, o)
}

// RegisterProfile creates the organization record for an externally
// managed profile.
func (e *Engine) RegisterProfile(ctx context.Context, p organization.Profile, currency string) (*organization.Organization, error) {
	if currency == "" {
		currency = e.config.DefaultCurrency
	}
	o := organization.FromProfile(p, currency, e.now())
	if err := e.CreateOrganization(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrganization retrieves an organization by ID.
func (e *Engine) GetOrganization(ctx context.Context, orgID id.ID) (*organization.Organization, error) {
	return e.store.GetOrganization(ctx, orgID)
}

// GetOrganizationBySlug retrieves an organization by slug.
func (e *Engine) GetOrganizationBySlug(ctx context.Context, slug string) (*organization.Organization, error) {
	return e.store.GetOrganizationBySlug(ctx, slug)
}

// UpdatePaymentMethod stores the processor token of the card on file.
// An empty token removes the payment method.
func (e *Engine) UpdatePaymentMethod(ctx context.Context, orgID id.ID, token string, expiresAt *time.Time) error {
	o, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	o.PaymentMethodToken = token
	o.PaymentMethodExpiresAt = nil
	if token != "" && expiresAt != nil {
		at := expiresAt.UTC()
		o.PaymentMethodExpiresAt = &at
	}
	o.Touch(e.now())
	return e.store.UpdateOrganization(ctx, o)
}

// DeactivateOrganization stops an organization from ordering and turns off
// auto-renew on its subscriptions. Its ledger history is kept.
func (e *Engine) DeactivateOrganization(ctx context.Context, orgID id.ID) error {
	return e.store.Atomic(ctx, func(ctx context.Context) error {
		o, err := e.store.GetOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		now := e.now()
		o.IsActive = false
		o.Touch(now)
		if err := e.store.UpdateOrganization(ctx, o); err != nil {
			return err
		}

		renewing := true
		subs, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{SubscriberID: orgID, AutoRenew: &renewing})
		if err != nil {
			return err
		}
		for _, sub := range subs {
			sub.AutoRenew = false
			sub.Touch(now)
			if err := e.store.UpdateSubscription(ctx, sub); err != nil {
				return fmt.Errorf("disable auto-renew on %s: %w", sub.ID, err)
			}
		}
		return nil
	})
}

// ──────────────────────────────────────────────────
// Plans
// ──────────────────────────────────────────────────

// CreatePlan creates a new billing plan owned by a provider.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if err := validatePlan(p); err != nil {
		return err
	}
	provider, err := e.store.GetOrganization(ctx, p.ProviderID)
	if err != nil {
		return fmt.Errorf("plan provider: %w", err)
	}
	if !provider.IsProvider {
		return ValidationError{Field: "provider_id", Message: provider.Slug + " is not a provider"}
	}

	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	if p.Currency == "" {
		p.Currency = provider.DefaultCurrency
	}
	p.Currency = types.NormalizeCurrency(p.Currency)
	if p.RenewalType == "" {
		p.RenewalType = plan.AutoRenew
	}
	p.Entity = types.NewEntity(e.now())

	return e.store.CreatePlan(ctx, p)
}

func validatePlan(p *plan.Plan) error {
	var errs MultiError
	if strings.TrimSpace(p.Slug) == "" {
		errs.Add(ValidationError{Field: "slug", Message: "is required"})
	}
	if !p.PeriodType.Valid() {
		errs.Add(ValidationError{Field: "period_type", Message: fmt.Sprintf("unknown period type %q", p.PeriodType)})
	}
	if p.PeriodLength < 0 {
		errs.Add(ValidationError{Field: "period_length", Message: "must not be negative"})
	}
	if p.PeriodAmount < 0 || p.SetupAmount < 0 {
		errs.Add(ValidationError{Field: "period_amount", Message: "amounts must not be negative"})
	}
	if p.AdvanceDiscount < 0 || p.AdvanceDiscount > 100 {
		errs.Add(ValidationError{Field: "advance_discount", Message: "must be between 0 and 100"})
	}
	if p.BrokerFeePercentage < 0 || p.BrokerFeePercentage > 100 {
		errs.Add(ValidationError{Field: "broker_fee_percentage", Message: "must be between 0 and 100"})
	}
	switch p.RenewalType {
	case "", plan.OneTime, plan.Repeat, plan.AutoRenew:
	default:
		errs.Add(ValidationError{Field: "renewal_type", Message: fmt.Sprintf("unknown renewal type %q", p.RenewalType)})
	}
	return errs.ErrOrNil()
}

// GetPlan retrieves a plan by ID.
func (e *Engine) GetPlan(ctx context.Context, planID id.ID) (*plan.Plan, error) {
	return e.store.GetPlan(ctx, planID)
}

// GetPlanBySlug retrieves a provider's plan by slug.
func (e *Engine) GetPlanBySlug(ctx context.Context, providerID id.ID, slug string) (*plan.Plan, error) {
	return e.store.GetPlanBySlug(ctx, providerID, slug)
}

// DeactivatePlan stops new orders for a plan. Existing subscriptions keep
// renewing.
func (e *Engine) DeactivatePlan(ctx context.Context, planID id.ID) error {
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	p.IsActive = false
	p.Touch(e.now())
	return e.store.UpdatePlan(ctx, p)
}

// CreateUseCharge attaches a metered add-on to a plan.
func (e *Engine) CreateUseCharge(ctx context.Context, uc *plan.UseCharge) error {
	if _, err := e.store.GetPlan(ctx, uc.PlanID); err != nil {
		return fmt.Errorf("use charge plan: %w", err)
	}
	if uc.UseAmount < 0 || uc.Quota < 0 {
		return ValidationError{Field: "use_amount", Message: "amount and quota must not be negative"}
	}
	if uc.ID.IsNil() {
		uc.ID = id.NewUseChargeID()
	}
	uc.Entity = types.NewEntity(e.now())
	return e.store.CreateUseCharge(ctx, uc)
}

// ──────────────────────────────────────────────────
// Coupons
// ──────────────────────────────────────────────────

// CreateCoupon creates a discount code for a provider's plans.
func (e *Engine) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	if strings.TrimSpace(c.Code) == "" {
		return ValidationError{Field: "code", Message: "is required"}
	}
	switch c.DiscountType {
	case coupon.Percentage:
		if c.DiscountValue < 0 || c.DiscountValue > 100 {
			return ValidationError{Field: "discount_value", Message: "percentage must be between 0 and 100"}
		}
	case coupon.Currency, coupon.Period:
		if c.DiscountValue < 0 {
			return ValidationError{Field: "discount_value", Message: "must not be negative"}
		}
	default:
		return ValidationError{Field: "discount_type", Message: fmt.Sprintf("unknown discount type %q", c.DiscountType)}
	}
	if c.ID.IsNil() {
		c.ID = id.NewCouponID()
	}
	c.Entity = types.NewEntity(e.now())
	return e.store.CreateCoupon(ctx, c)
}

// GenerateBulkCoupons creates count single-use coupons waiving the full
// price of planID. Providers sell them in bulk to organizations that hand
// them out to their members.
func (e *Engine) GenerateBulkCoupons(ctx context.Context, planID id.ID, count int) ([]*coupon.Coupon, error) {
	if count < 1 {
		return nil, ValidationError{Field: "count", Message: "must be at least 1"}
	}
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	out := make([]*coupon.Coupon, 0, count)
	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		for range count {
			c := &coupon.Coupon{
				ProviderID:    p.ProviderID,
				PlanID:        p.ID,
				Description:   "Bulk purchase of " + p.Title,
				DiscountType:  coupon.Percentage,
				DiscountValue: 100,
				MaxUses:       1,
			}
			for attempt := 0; ; attempt++ {
				c.Code = bulkCode()
				err := e.CreateCoupon(ctx, c)
				if err == nil {
					break
				}
				if !errors.Is(err, ErrAlreadyExists) || attempt >= 3 {
					return err
				}
				c.ID = id.Nil
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func bulkCode() string {
	return "BULK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
