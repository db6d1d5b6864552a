// Package sqlite implements store.Store on SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. Timestamps are stored as UTC Unix
// nanoseconds so range comparisons stay numeric.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xraph/billing"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	billingstore "github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a store on an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the database at path with foreign keys enforced. SQLite allows
// a single writer, so the pool holds one connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("billing/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(db), nil
}

// DB returns the underlying handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

type txKey struct{}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Atomic runs fn in a database transaction. Nested calls join it.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", billing.ErrTransactionFailed, err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", billing.ErrTransactionFailed, err)
	}
	return nil
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := migrate(ctx, s.db); err != nil {
		return fmt.Errorf("%w: %w", billing.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Organization Store ====================

const orgColumns = `id, slug, display_name, parent_id, is_provider, is_active, default_currency,
	timezone, payment_method_token, payment_method_expires_at, metadata, created_at, updated_at`

func scanOrganization(row scanner) (*organization.Organization, error) {
	o := new(organization.Organization)
	var expires sql.NullInt64
	var created, updated int64
	err := row.Scan(&o.ID, &o.Slug, &o.DisplayName, &o.ParentID, &o.IsProvider, &o.IsActive,
		&o.DefaultCurrency, &o.Timezone, &o.PaymentMethodToken, &expires,
		jsonColumn[map[string]string]{&o.Metadata}, &created, &updated)
	if err != nil {
		return nil, err
	}
	o.PaymentMethodExpiresAt = fromNullNanos(expires)
	o.CreatedAt, o.UpdatedAt = fromNanos(created), fromNanos(updated)
	return o, nil
}

func (s *Store) CreateOrganization(ctx context.Context, o *organization.Organization) error {
	res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_organizations (`+orgColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		o.ID, o.Slug, o.DisplayName, o.ParentID, o.IsProvider, o.IsActive, o.DefaultCurrency,
		o.Timezone, o.PaymentMethodToken, nullNanos(o.PaymentMethodExpiresAt),
		jsonColumn[map[string]string]{&o.Metadata}, toNanos(o.CreatedAt), toNanos(o.UpdatedAt))
	return inserted(res, err)
}

func (s *Store) GetOrganization(ctx context.Context, orgID id.ID) (*organization.Organization, error) {
	o, err := scanOrganization(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM billing_organizations WHERE id = ?`, orgID))
	return o, notFound(err, billing.ErrOrganizationNotFound)
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*organization.Organization, error) {
	o, err := scanOrganization(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM billing_organizations WHERE slug = ?`, slug))
	return o, notFound(err, billing.ErrOrganizationNotFound)
}

func (s *Store) ListOrganizations(ctx context.Context, opts organization.ListOpts) ([]*organization.Organization, error) {
	var w where
	if opts.ActiveOnly {
		w.add("is_active = 1")
	}
	if opts.WithPaymentToken {
		w.add("payment_method_token <> ''")
	}
	q := `SELECT ` + orgColumns + ` FROM billing_organizations` + w.String() + ` ORDER BY slug` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.conn(ctx), q, w.args, scanOrganization)
}

func (s *Store) UpdateOrganization(ctx context.Context, o *organization.Organization) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE billing_organizations SET
		slug = ?, display_name = ?, parent_id = ?, is_provider = ?, is_active = ?,
		default_currency = ?, timezone = ?, payment_method_token = ?,
		payment_method_expires_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		o.Slug, o.DisplayName, o.ParentID, o.IsProvider, o.IsActive, o.DefaultCurrency, o.Timezone,
		o.PaymentMethodToken, nullNanos(o.PaymentMethodExpiresAt), jsonColumn[map[string]string]{&o.Metadata},
		toNanos(o.UpdatedAt), o.ID)
	return updated(res, err, billing.ErrOrganizationNotFound)
}

// ==================== Plan Store ====================

const planColumns = `id, provider_id, slug, title, period_type, period_length, period_amount,
	setup_amount, currency, advance_discount, renewal_type, broker_fee_percentage, is_active,
	optin_on_request, metadata, created_at, updated_at`

func scanPlan(row scanner) (*plan.Plan, error) {
	p := new(plan.Plan)
	var created, updated int64
	err := row.Scan(&p.ID, &p.ProviderID, &p.Slug, &p.Title, &p.PeriodType, &p.PeriodLength,
		&p.PeriodAmount, &p.SetupAmount, &p.Currency, &p.AdvanceDiscount, &p.RenewalType,
		&p.BrokerFeePercentage, &p.IsActive, &p.OptinOnRequest, jsonColumn[map[string]string]{&p.Metadata},
		&created, &updated)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	return p, nil
}

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		p.ID, p.ProviderID, p.Slug, p.Title, p.PeriodType, p.PeriodLength, p.PeriodAmount,
		p.SetupAmount, p.Currency, p.AdvanceDiscount, p.RenewalType, p.BrokerFeePercentage,
		p.IsActive, p.OptinOnRequest, jsonColumn[map[string]string]{&p.Metadata},
		toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	return inserted(res, err)
}

func (s *Store) GetPlan(ctx context.Context, planID id.ID) (*plan.Plan, error) {
	p, err := scanPlan(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM billing_plans WHERE id = ?`, planID))
	return p, notFound(err, billing.ErrPlanNotFound)
}

func (s *Store) GetPlanBySlug(ctx context.Context, providerID id.ID, slug string) (*plan.Plan, error) {
	p, err := scanPlan(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM billing_plans WHERE provider_id = ? AND slug = ?`, providerID, slug))
	return p, notFound(err, billing.ErrPlanNotFound)
}

func (s *Store) ListPlans(ctx context.Context, providerID id.ID, opts plan.ListOpts) ([]*plan.Plan, error) {
	var w where
	if !providerID.IsNil() {
		w.add("provider_id = ?", providerID)
	}
	if opts.ActiveOnly {
		w.add("is_active = 1")
	}
	q := `SELECT ` + planColumns + ` FROM billing_plans` + w.String() + ` ORDER BY slug` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.conn(ctx), q, w.args, scanPlan)
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE billing_plans SET
		slug = ?, title = ?, period_type = ?, period_length = ?, period_amount = ?,
		setup_amount = ?, currency = ?, advance_discount = ?, renewal_type = ?,
		broker_fee_percentage = ?, is_active = ?, optin_on_request = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		p.Slug, p.Title, p.PeriodType, p.PeriodLength, p.PeriodAmount, p.SetupAmount, p.Currency,
		p.AdvanceDiscount, p.RenewalType, p.BrokerFeePercentage, p.IsActive, p.OptinOnRequest,
		jsonColumn[map[string]string]{&p.Metadata}, toNanos(p.UpdatedAt), p.ID)
	return updated(res, err, billing.ErrPlanNotFound)
}

const useChargeColumns = `id, plan_id, slug, title, use_amount, quota, created_at, updated_at`

func scanUseCharge(row scanner) (*plan.UseCharge, error) {
	uc := new(plan.UseCharge)
	var created, updated int64
	if err := row.Scan(&uc.ID, &uc.PlanID, &uc.Slug, &uc.Title, &uc.UseAmount, &uc.Quota, &created, &updated); err != nil {
		return nil, err
	}
	uc.CreatedAt, uc.UpdatedAt = fromNanos(created), fromNanos(updated)
	return uc, nil
}

func (s *Store) CreateUseCharge(ctx context.Context, uc *plan.UseCharge) error {
	if _, err := s.GetPlan(ctx, uc.PlanID); err != nil {
		return err
	}
	res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_use_charges (`+useChargeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		uc.ID, uc.PlanID, uc.Slug, uc.Title, uc.UseAmount, uc.Quota, toNanos(uc.CreatedAt), toNanos(uc.UpdatedAt))
	return inserted(res, err)
}

func (s *Store) GetUseCharge(ctx context.Context, ucID id.ID) (*plan.UseCharge, error) {
	uc, err := scanUseCharge(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+useChargeColumns+` FROM billing_use_charges WHERE id = ?`, ucID))
	return uc, notFound(err, billing.ErrUseChargeNotFound)
}

func (s *Store) ListUseCharges(ctx context.Context, planID id.ID) ([]*plan.UseCharge, error) {
	return queryAll(ctx, s.conn(ctx),
		`SELECT `+useChargeColumns+` FROM billing_use_charges WHERE plan_id = ? ORDER BY slug`,
		[]any{planID}, scanUseCharge)
}

// ==================== Subscription Store ====================

const subscriptionColumns = `id, subscriber_id, plan_id, starts_at, ends_at, auto_renew, grant_key,
	request_key, canceled_at, version, metadata, created_at, updated_at`

func scanSubscription(row scanner) (*subscription.Subscription, error) {
	sub := new(subscription.Subscription)
	var starts, ends, created, updated int64
	var canceled sql.NullInt64
	err := row.Scan(&sub.ID, &sub.SubscriberID, &sub.PlanID, &starts, &ends, &sub.AutoRenew,
		&sub.GrantKey, &sub.RequestKey, &canceled, &sub.Version, jsonColumn[map[string]string]{&sub.Metadata},
		&created, &updated)
	if err != nil {
		return nil, err
	}
	sub.StartsAt, sub.EndsAt = fromNanos(starts), fromNanos(ends)
	sub.CanceledAt = fromNullNanos(canceled)
	sub.CreatedAt, sub.UpdatedAt = fromNanos(created), fromNanos(updated)
	return sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		sub.ID, sub.SubscriberID, sub.PlanID, toNanos(sub.StartsAt), toNanos(sub.EndsAt), sub.AutoRenew,
		sub.GrantKey, sub.RequestKey, nullNanos(sub.CanceledAt), sub.Version,
		jsonColumn[map[string]string]{&sub.Metadata}, toNanos(sub.CreatedAt), toNanos(sub.UpdatedAt))
	return inserted(res, err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE id = ?`, subID))
	return sub, notFound(err, billing.ErrSubscriptionNotFound)
}

func (s *Store) GetSubscriptionByKey(ctx context.Context, key string) (*subscription.Subscription, error) {
	if key == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	sub, err := scanSubscription(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE grant_key = ? OR request_key = ?`, key, key))
	return sub, notFound(err, billing.ErrSubscriptionNotFound)
}

func (s *Store) GetActiveSubscription(ctx context.Context, subscriberID, planID id.ID, at time.Time) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions
		WHERE subscriber_id = ? AND plan_id = ? AND ends_at > ?
		ORDER BY ends_at DESC LIMIT 1`, subscriberID, planID, toNanos(at)))
	return sub, notFound(err, billing.ErrSubscriptionNotFound)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var w where
	if !opts.SubscriberID.IsNil() {
		w.add("subscriber_id = ?", opts.SubscriberID)
	}
	if !opts.PlanID.IsNil() {
		w.add("plan_id = ?", opts.PlanID)
	}
	if !opts.EndsAfter.IsZero() {
		w.add("ends_at >= ?", toNanos(opts.EndsAfter))
	}
	if !opts.EndsBefore.IsZero() {
		w.add("ends_at < ?", toNanos(opts.EndsBefore))
	}
	if opts.AutoRenew != nil {
		w.add("auto_renew = ?", *opts.AutoRenew)
	}
	q := `SELECT ` + subscriptionColumns + ` FROM billing_subscriptions` + w.String() +
		` ORDER BY ends_at, id` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.conn(ctx), q, w.args, scanSubscription)
}

// UpdateSubscription writes sub if its Version is current and bumps it.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE billing_subscriptions SET
		starts_at = ?, ends_at = ?, auto_renew = ?, grant_key = ?, request_key = ?,
		canceled_at = ?, metadata = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		toNanos(sub.StartsAt), toNanos(sub.EndsAt), sub.AutoRenew, sub.GrantKey, sub.RequestKey,
		nullNanos(sub.CanceledAt), jsonColumn[map[string]string]{&sub.Metadata}, toNanos(sub.UpdatedAt),
		sub.ID, sub.Version)
	if err := updated(res, err, billing.ErrConcurrentUpdate); err != nil {
		if errors.Is(err, billing.ErrConcurrentUpdate) {
			if _, gerr := s.GetSubscription(ctx, sub.ID); gerr != nil {
				return gerr
			}
		}
		return err
	}
	sub.Version++
	return nil
}

func (s *Store) GetUsage(ctx context.Context, key subscription.UsageKey) (int64, error) {
	var units int64
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT units FROM billing_usage
		WHERE subscription_id = ? AND use_charge_id = ? AND period_start = ?`,
		key.SubscriptionID, key.UseChargeID, toNanos(key.PeriodStart)).Scan(&units)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return units, err
}

func (s *Store) AddUsage(ctx context.Context, key subscription.UsageKey, units int64) (int64, error) {
	var total int64
	err := s.conn(ctx).QueryRowContext(ctx, `INSERT INTO billing_usage (subscription_id, use_charge_id, period_start, units)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subscription_id, use_charge_id, period_start)
		DO UPDATE SET units = units + excluded.units
		RETURNING units`,
		key.SubscriptionID, key.UseChargeID, toNanos(key.PeriodStart), units).Scan(&total)
	return total, err
}

// ==================== Coupon Store ====================

const couponColumns = `id, code, provider_id, description, discount_type, discount_value, plan_id,
	expires_at, max_uses, uses, created_at, updated_at`

func scanCoupon(row scanner) (*coupon.Coupon, error) {
	c := new(coupon.Coupon)
	var expires sql.NullInt64
	var created, updated int64
	err := row.Scan(&c.ID, &c.Code, &c.ProviderID, &c.Description, &c.DiscountType, &c.DiscountValue,
		&c.PlanID, &expires, &c.MaxUses, &c.Uses, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = fromNullNanos(expires)
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
	return c, nil
}

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_coupons (`+couponColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		c.ID, c.Code, c.ProviderID, c.Description, c.DiscountType, c.DiscountValue, c.PlanID,
		nullNanos(c.ExpiresAt), c.MaxUses, c.Uses, toNanos(c.CreatedAt), toNanos(c.UpdatedAt))
	return inserted(res, err)
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	c, err := scanCoupon(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM billing_coupons WHERE code = ?`, code))
	return c, notFound(err, billing.ErrCouponNotFound)
}

func (s *Store) GetCouponByID(ctx context.Context, couponID id.ID) (*coupon.Coupon, error) {
	c, err := scanCoupon(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM billing_coupons WHERE id = ?`, couponID))
	return c, notFound(err, billing.ErrCouponNotFound)
}

func (s *Store) ListCoupons(ctx context.Context, providerID id.ID, opts coupon.ListOpts) ([]*coupon.Coupon, error) {
	var w where
	w.add("provider_id = ?", providerID)
	if !opts.PlanID.IsNil() {
		w.add("plan_id = ?", opts.PlanID)
	}
	q := `SELECT ` + couponColumns + ` FROM billing_coupons` + w.String() + ` ORDER BY code` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.conn(ctx), q, w.args, scanCoupon)
}

func (s *Store) RedeemCoupon(ctx context.Context, couponID id.ID) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE billing_coupons SET uses = uses + 1, updated_at = ?
		WHERE id = ? AND (max_uses = 0 OR uses < max_uses)`, toNanos(time.Now()), couponID)
	if err := updated(res, err, billing.ErrCouponExhausted); err != nil {
		if errors.Is(err, billing.ErrCouponExhausted) {
			if _, gerr := s.GetCouponByID(ctx, couponID); gerr != nil {
				return gerr
			}
		}
		return err
	}
	return nil
}

func (s *Store) RecordNotice(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_notices (key, sent_at) VALUES (?, ?)
		ON CONFLICT (key) DO NOTHING`, key, toNanos(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
