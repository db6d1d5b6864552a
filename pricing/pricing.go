// Package pricing computes amounts owed for plans, metered use and coupons.
//
// Every computation chain runs in exact decimal arithmetic and is rounded
// exactly once, half-up at the minor unit, when it leaves the package.
// Nothing here touches the ledger.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/types"
)

var (
	ErrCouponExpired       = errors.New("pricing: coupon expired")
	ErrCouponExhausted     = errors.New("pricing: coupon use limit reached")
	ErrCouponNotApplicable = errors.New("pricing: coupon does not apply to plan")
	ErrInvalidPeriods      = errors.New("pricing: number of periods must be at least 1")
	ErrInvalidUnits        = errors.New("pricing: units must not be negative")
)

var hundred = decimal.NewFromInt(100)

// Calculator prices plans. The zero value applies the advance discount
// to every period beyond the first.
type Calculator struct {
	discountAllPeriods bool
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithDiscountOnAllPeriods applies the advance discount to every prepaid
// period, the first one included, whenever more than one period is bought.
func WithDiscountOnAllPeriods(enabled bool) Option {
	return func(c *Calculator) { c.discountAllPeriods = enabled }
}

// New returns a Calculator.
func New(opts ...Option) *Calculator {
	c := &Calculator{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PriceForPeriod returns the price of nbPeriods consecutive periods of p
// starting at start. The setup fee is added when firstInvoice is true.
func (c *Calculator) PriceForPeriod(p *plan.Plan, start time.Time, nbPeriods int, firstInvoice bool) (types.Money, error) {
	d, err := c.periodDecimal(p, nbPeriods, firstInvoice)
	if err != nil {
		return types.Money{}, err
	}
	return round(d, p.Currency), nil
}

// PriceForUseCharge bills only the units of this call that cross the
// quota boundary, given the units already used this period.
func (c *Calculator) PriceForUseCharge(uc *plan.UseCharge, currency string, consumed, alreadyUsed int64) (types.Money, error) {
	if consumed < 0 || alreadyUsed < 0 {
		return types.Money{}, ErrInvalidUnits
	}
	billable := BillableUnits(uc, consumed, alreadyUsed)
	return round(decimal.NewFromInt(billable).Mul(decimal.NewFromInt(uc.UseAmount)), currency), nil
}

// BillableUnits returns how many of consumed units exceed the quota.
func BillableUnits(uc *plan.UseCharge, consumed, alreadyUsed int64) int64 {
	return overQuota(alreadyUsed+consumed, uc.Quota) - overQuota(alreadyUsed, uc.Quota)
}

// ApplyCoupon discounts amount with cp, redeemed at t for plan p.
func (c *Calculator) ApplyCoupon(amount types.Money, cp *coupon.Coupon, p *plan.Plan, at time.Time) (types.Money, error) {
	d, err := c.couponDecimal(decimal.NewFromInt(amount.Amount), cp, p, at)
	if err != nil {
		return types.Money{}, err
	}
	return round(d, amount.Currency), nil
}

// QuoteRequest describes an order to price.
type QuoteRequest struct {
	Plan         *plan.Plan
	StartsAt     time.Time
	NbPeriods    int
	FirstInvoice bool
	Coupon       *coupon.Coupon
	At           time.Time
}

// Quote is a priced order.
type Quote struct {
	Subtotal types.Money
	Discount types.Money
	Total    types.Money
	StartsAt time.Time
	EndsAt   time.Time
}

// Quote prices a full order, period price then coupon, with one rounding
// step for the total.
func (c *Calculator) Quote(req QuoteRequest) (Quote, error) {
	if req.Plan == nil {
		return Quote{}, errors.New("pricing: plan is required")
	}

	subtotal, err := c.periodDecimal(req.Plan, req.NbPeriods, req.FirstInvoice)
	if err != nil {
		return Quote{}, err
	}

	total := subtotal
	if req.Coupon != nil {
		if total, err = c.couponDecimal(subtotal, req.Coupon, req.Plan, req.At); err != nil {
			return Quote{}, err
		}
	}

	q := Quote{
		Subtotal: round(subtotal, req.Plan.Currency),
		Total:    round(total, req.Plan.Currency),
		StartsAt: req.StartsAt,
		EndsAt:   req.Plan.AddPeriods(req.StartsAt, req.NbPeriods),
	}
	q.Discount = q.Subtotal.Subtract(q.Total)
	return q, nil
}

func (c *Calculator) periodDecimal(p *plan.Plan, nbPeriods int, firstInvoice bool) (decimal.Decimal, error) {
	if nbPeriods < 1 {
		return decimal.Zero, fmt.Errorf("%w: got %d", ErrInvalidPeriods, nbPeriods)
	}

	period := decimal.NewFromInt(p.PeriodAmount)
	n := decimal.NewFromInt(int64(nbPeriods))
	total := period.Mul(n)

	if nbPeriods > 1 && p.AdvanceDiscount > 0 {
		rate := decimal.NewFromInt(clampPercent(p.AdvanceDiscount)).Div(hundred)
		discounted := n.Sub(decimal.NewFromInt(1))
		if c.discountAllPeriods {
			discounted = n
		}
		total = total.Sub(period.Mul(discounted).Mul(rate))
	}

	if firstInvoice && p.SetupAmount > 0 {
		total = total.Add(decimal.NewFromInt(p.SetupAmount))
	}
	return total, nil
}

func (c *Calculator) couponDecimal(amount decimal.Decimal, cp *coupon.Coupon, p *plan.Plan, at time.Time) (decimal.Decimal, error) {
	switch {
	case cp.Expired(at):
		return decimal.Zero, fmt.Errorf("%w: %s", ErrCouponExpired, cp.Code)
	case cp.Exhausted():
		return decimal.Zero, fmt.Errorf("%w: %s", ErrCouponExhausted, cp.Code)
	case p != nil && !cp.AppliesTo(p.ID):
		return decimal.Zero, fmt.Errorf("%w: %s", ErrCouponNotApplicable, cp.Code)
	}

	value := decimal.NewFromInt(cp.DiscountValue)
	var out decimal.Decimal
	switch cp.DiscountType {
	case coupon.Percentage:
		keep := hundred.Sub(decimal.NewFromInt(clampPercent(cp.DiscountValue))).Div(hundred)
		out = amount.Mul(keep)
	case coupon.Currency:
		out = amount.Sub(value)
	case coupon.Period:
		if p == nil {
			return decimal.Zero, fmt.Errorf("%w: %s requires a plan", ErrCouponNotApplicable, cp.Code)
		}
		out = amount.Sub(value.Mul(decimal.NewFromInt(p.PeriodAmount)))
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown discount type %q", ErrCouponNotApplicable, cp.DiscountType)
	}

	if out.IsNegative() {
		out = decimal.Zero
	}
	return out, nil
}

// BrokerFee returns pct percent of amount, rounded half away from zero.
func BrokerFee(amount, pct int64) int64 {
	if amount <= 0 || pct <= 0 {
		return 0
	}
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(clampPercent(pct))).
		Div(decimal.NewFromInt(100))
	return fee.Round(0).IntPart()
}

func round(d decimal.Decimal, currency string) types.Money {
	if d.IsNegative() {
		d = decimal.Zero
	}
	return types.New(d.Round(0).IntPart(), currency)
}

func overQuota(units, quota int64) int64 {
	if units > quota {
		return units - quota
	}
	return 0
}

func clampPercent(v int64) int64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
