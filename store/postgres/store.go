// Package postgres implements store.Store on PostgreSQL through pgx.
//
// Units of work started by Atomic travel in the context: every method
// called with that context runs inside the same database transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("billing/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("billing/postgres: ping: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

type txKey struct{}

// executor abstracts pgxpool.Pool and pgx.Tx for shared query execution.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// db returns the transaction carried by ctx, or the pool.
func (s *Store) db(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// Atomic runs fn in a database transaction. Nested calls join it.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", billing.ErrTransactionFailed, err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", billing.ErrTransactionFailed, err)
	}
	return nil
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := migrate(ctx, s.pool); err != nil {
		return fmt.Errorf("%w: %w", billing.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Organization Store ====================

const orgColumns = `id, slug, display_name, parent_id, is_provider, is_active, default_currency,
	timezone, payment_method_token, payment_method_expires_at, metadata, created_at, updated_at`

func scanOrganization(row pgx.Row) (*organization.Organization, error) {
	o := new(organization.Organization)
	err := row.Scan(&o.ID, &o.Slug, &o.DisplayName, &o.ParentID, &o.IsProvider, &o.IsActive,
		&o.DefaultCurrency, &o.Timezone, &o.PaymentMethodToken, &o.PaymentMethodExpiresAt,
		&o.Metadata, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.PaymentMethodExpiresAt = utcPtr(o.PaymentMethodExpiresAt)
	o.CreatedAt, o.UpdatedAt = o.CreatedAt.UTC(), o.UpdatedAt.UTC()
	return o, nil
}

func (s *Store) CreateOrganization(ctx context.Context, o *organization.Organization) error {
	tag, err := s.db(ctx).Exec(ctx, `INSERT INTO billing_organizations (`+orgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		o.ID, o.Slug, o.DisplayName, o.ParentID, o.IsProvider, o.IsActive, o.DefaultCurrency,
		o.Timezone, o.PaymentMethodToken, o.PaymentMethodExpiresAt, jsonMap(o.Metadata), o.CreatedAt, o.UpdatedAt)
	return inserted(tag, err)
}

func (s *Store) GetOrganization(ctx context.Context, orgID id.ID) (*organization.Organization, error) {
	o, err := scanOrganization(s.db(ctx).QueryRow(ctx,
		`SELECT `+orgColumns+` FROM billing_organizations WHERE id = $1`, orgID))
	return o, notFound(err, billing.ErrOrganizationNotFound)
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*organization.Organization, error) {
	o, err := scanOrganization(s.db(ctx).QueryRow(ctx,
		`SELECT `+orgColumns+` FROM billing_organizations WHERE slug = $1`, slug))
	return o, notFound(err, billing.ErrOrganizationNotFound)
}

func (s *Store) ListOrganizations(ctx context.Context, opts organization.ListOpts) ([]*organization.Organization, error) {
	var w where
	if opts.ActiveOnly {
		w.add("is_active")
	}
	if opts.WithPaymentToken {
		w.add("payment_method_token <> ''")
	}
	q := `SELECT ` + orgColumns + ` FROM billing_organizations` + w.String() + ` ORDER BY slug` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.db(ctx), q, w.args, scanOrganization)
}

func (s *Store) UpdateOrganization(ctx context.Context, o *organization.Organization) error {
	tag, err := s.db(ctx).Exec(ctx, `UPDATE billing_organizations SET
		slug = $2, display_name = $3, parent_id = $4, is_provider = $5, is_active = $6,
		default_currency = $7, timezone = $8, payment_method_token = $9,
		payment_method_expires_at = $10, metadata = $11, updated_at = $12
		WHERE id = $1`,
		o.ID, o.Slug, o.DisplayName, o.ParentID, o.IsProvider, o.IsActive, o.DefaultCurrency,
		o.Timezone, o.PaymentMethodToken, o.PaymentMethodExpiresAt, jsonMap(o.Metadata), o.UpdatedAt)
	return updated(tag, err, billing.ErrOrganizationNotFound)
}

// ==================== Plan Store ====================

const planColumns = `id, provider_id, slug, title, period_type, period_length, period_amount,
	setup_amount, currency, advance_discount, renewal_type, broker_fee_percentage, is_active,
	optin_on_request, metadata, created_at, updated_at`

func scanPlan(row pgx.Row) (*plan.Plan, error) {
	p := new(plan.Plan)
	err := row.Scan(&p.ID, &p.ProviderID, &p.Slug, &p.Title, &p.PeriodType, &p.PeriodLength,
		&p.PeriodAmount, &p.SetupAmount, &p.Currency, &p.AdvanceDiscount, &p.RenewalType,
		&p.BrokerFeePercentage, &p.IsActive, &p.OptinOnRequest, &p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	tag, err := s.db(ctx).Exec(ctx, `INSERT INTO billing_plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING`,
		p.ID, p.ProviderID, p.Slug, p.Title, p.PeriodType, p.PeriodLength, p.PeriodAmount,
		p.SetupAmount, p.Currency, p.AdvanceDiscount, p.RenewalType, p.BrokerFeePercentage,
		p.IsActive, p.OptinOnRequest, jsonMap(p.Metadata), p.CreatedAt, p.UpdatedAt)
	return inserted(tag, err)
}

func (s *Store) GetPlan(ctx context.Context, planID id.ID) (*plan.Plan, error) {
	p, err := scanPlan(s.db(ctx).QueryRow(ctx,
		`SELECT `+planColumns+` FROM billing_plans WHERE id = $1`, planID))
	return p, notFound(err, billing.ErrPlanNotFound)
}

func (s *Store) GetPlanBySlug(ctx context.Context, providerID id.ID, slug string) (*plan.Plan, error) {
	p, err := scanPlan(s.db(ctx).QueryRow(ctx,
		`SELECT `+planColumns+` FROM billing_plans WHERE provider_id = $1 AND slug = $2`, providerID, slug))
	return p, notFound(err, billing.ErrPlanNotFound)
}

func (s *Store) ListPlans(ctx context.Context, providerID id.ID, opts plan.ListOpts) ([]*plan.Plan, error) {
	var w where
	if !providerID.IsNil() {
		w.add("provider_id = ?", providerID)
	}
	if opts.ActiveOnly {
		w.add("is_active")
	}
	q := `SELECT ` + planColumns + ` FROM billing_plans` + w.String() + ` ORDER BY slug` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.db(ctx), q, w.args, scanPlan)
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	tag, err := s.db(ctx).Exec(ctx, `UPDATE billing_plans SET
		slug = $2, title = $3, period_type = $4, period_length = $5, period_amount = $6,
		setup_amount = $7, currency = $8, advance_discount = $9, renewal_type = $10,
		broker_fee_percentage = $11, is_active = $12, optin_on_request = $13, metadata = $14,
		updated_at = $15
		WHERE id = $1`,
		p.ID, p.Slug, p.Title, p.PeriodType, p.PeriodLength, p.PeriodAmount, p.SetupAmount,
		p.Currency, p.AdvanceDiscount, p.RenewalType, p.BrokerFeePercentage, p.IsActive,
		p.OptinOnRequest, jsonMap(p.Metadata), p.UpdatedAt)
	return updated(tag, err, billing.ErrPlanNotFound)
}

const useChargeColumns = `id, plan_id, slug, title, use_amount, quota, created_at, updated_at`

func scanUseCharge(row pgx.Row) (*plan.UseCharge, error) {
	uc := new(plan.UseCharge)
	if err := row.Scan(&uc.ID, &uc.PlanID, &uc.Slug, &uc.Title, &uc.UseAmount, &uc.Quota, &uc.CreatedAt, &uc.UpdatedAt); err != nil {
		return nil, err
	}
	uc.CreatedAt, uc.UpdatedAt = uc.CreatedAt.UTC(), uc.UpdatedAt.UTC()
	return uc, nil
}

func (s *Store) CreateUseCharge(ctx context.Context, uc *plan.UseCharge) error {
	tag, err := s.db(ctx).Exec(ctx, `INSERT INTO billing_use_charges (`+useChargeColumns+`)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE EXISTS (SELECT 1 FROM billing_plans WHERE id = $2)
		ON CONFLICT DO NOTHING`,
		uc.ID, uc.PlanID, uc.Slug, uc.Title, uc.UseAmount, uc.Quota, uc.CreatedAt, uc.UpdatedAt)
	if err == nil && tag.RowsAffected() == 0 {
		if _, gerr := s.GetPlan(ctx, uc.PlanID); gerr != nil {
			return gerr
		}
	}
	return inserted(tag, err)
}

func (s *Store) GetUseCharge(ctx context.Context, ucID id.ID) (*plan.UseCharge, error) {
	uc, err := scanUseCharge(s.db(ctx).QueryRow(ctx,
		`SELECT `+useChargeColumns+` FROM billing_use_charges WHERE id = $1`, ucID))
	return uc, notFound(err, billing.ErrUseChargeNotFound)
}

func (s *Store) ListUseCharges(ctx context.Context, planID id.ID) ([]*plan.UseCharge, error) {
	return queryAll(ctx, s.db(ctx),
		`SELECT `+useChargeColumns+` FROM billing_use_charges WHERE plan_id = $1 ORDER BY slug`,
		[]any{planID}, scanUseCharge)
}

// ==================== Subscription Store ====================

const subscriptionColumns = `id, subscriber_id, plan_id, starts_at, ends_at, auto_renew, grant_key,
	request_key, canceled_at, version, metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	sub := new(subscription.Subscription)
	err := row.Scan(&sub.ID, &sub.SubscriberID, &sub.PlanID, &sub.StartsAt, &sub.EndsAt, &sub.AutoRenew,
		&sub.GrantKey, &sub.RequestKey, &sub.CanceledAt, &sub.Version, &sub.Metadata, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.StartsAt, sub.EndsAt = sub.StartsAt.UTC(), sub.EndsAt.UTC()
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.CreatedAt, sub.UpdatedAt = sub.CreatedAt.UTC(), sub.UpdatedAt.UTC()
	return sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	tag, err := s.db(ctx).Exec(ctx, `INSERT INTO billing_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING`,
		sub.ID, sub.SubscriberID, sub.PlanID, sub.StartsAt, sub.EndsAt, sub.AutoRenew, sub.GrantKey,
		sub.RequestKey, sub.CanceledAt, sub.Version, jsonMap(sub.Metadata), sub.CreatedAt, sub.UpdatedAt)
	return inserted(tag, err)
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.db(ctx).QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE id = $1`, subID))
	return sub, notFound(err, billing.ErrSubscriptionNotFound)
}

func (s *Store) GetSubscriptionByKey(ctx context.Context, key string) (*subscription.Subscription, error) {
	if key == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	sub, err := scanSubscription(s.db(ctx).QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions WHERE grant_key = $1 OR request_key = $1`, key))
	return sub, notFound(err, billing.ErrSubscriptionNotFound)
}

func (s *Store) GetActiveSubscription(ctx context.Context, subscriberID, planID id.ID, at time.Time) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.db(ctx).QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM billing_subscriptions
		WHERE subscriber_id = $1 AND plan_id = $2 AND ends_at > $3
		ORDER BY ends_at DESC LIMIT 1`, subscriberID, planID, at))
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
		w.add("ends_at >= ?", opts.EndsAfter)
	}
	if !opts.EndsBefore.IsZero() {
		w.add("ends_at < ?", opts.EndsBefore)
	}
	if opts.AutoRenew != nil {
		w.add("auto_renew = ?", *opts.AutoRenew)
	}
	q := `SELECT ` + subscriptionColumns + ` FROM billing_subscriptions` + w.String() +
		` ORDER BY ends_at, id` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.db(ctx), q, w.args, scanSubscription)
}

// UpdateSubscription writes sub if its Version is current and bumps it.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	tag, err := s.db(ctx).Exec(ctx, `UPDATE billing_subscriptions SET
		starts_at = $3, ends_at = $4, auto_renew = $5, grant_key = $6, request_key = $7,
		canceled_at = $8, metadata = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2`,
		sub.ID, sub.Version, sub.StartsAt, sub.EndsAt, sub.AutoRenew, sub.GrantKey, sub.RequestKey,
		sub.CanceledAt, jsonMap(sub.Metadata), sub.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetSubscription(ctx, sub.ID); gerr != nil {
			return gerr
		}
		return billing.ErrConcurrentUpdate
	}
	sub.Version++
	return nil
}

func (s *Store) GetUsage(ctx context.Context, key subscription.UsageKey) (int64, error) {
	var units int64
	err := s.db(ctx).QueryRow(ctx, `SELECT units FROM billing_usage
		WHERE subscription_id = $1 AND use_charge_id = $2 AND period_start = $3`,
		key.SubscriptionID, key.UseChargeID, key.PeriodStart.UTC()).Scan(&units)
	if isNoRows(err) {
		return 0, nil
	}
	return units, err
}

func (s *Store) AddUsage(ctx context.Context, key subscription.UsageKey, units int64) (int64, error) {
	var total int64
	err := s.db(ctx).QueryRow(ctx, `INSERT INTO billing_usage (subscription_id, use_charge_id, period_start, units)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id, use_charge_id, period_start)
		DO UPDATE SET units = billing_usage.units + EXCLUDED.units
		RETURNING units`,
		key.SubscriptionID, key.UseChargeID, key.PeriodStart.UTC(), units).Scan(&total)
	return total, err
}

// ==================== Coupon Store ====================

const couponColumns = `id, code, provider_id, description, discount_type, discount_value, plan_id,
	expires_at, max_uses, uses, created_at, updated_at`

func scanCoupon(row pgx.Row) (*coupon.Coupon, error) {
	c := new(coupon.Coupon)
	err := row.Scan(&c.ID, &c.Code, &c.ProviderID, &c.Description, &c.DiscountType, &c.DiscountValue,
		&c.PlanID, &c.ExpiresAt, &c.MaxUses, &c.Uses, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = utcPtr(c.ExpiresAt)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	tag, err := s.db(ctx).Exec(ctx, `INSERT INTO billing_coupons (`+couponColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`,
		c.ID, c.Code, c.ProviderID, c.Description, c.DiscountType, c.DiscountValue, c.PlanID,
		c.ExpiresAt, c.MaxUses, c.Uses, c.CreatedAt, c.UpdatedAt)
	return inserted(tag, err)
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	c, err := scanCoupon(s.db(ctx).QueryRow(ctx,
		`SELECT `+couponColumns+` FROM billing_coupons WHERE code = $1`, code))
	return c, notFound(err, billing.ErrCouponNotFound)
}

func (s *Store) GetCouponByID(ctx context.Context, couponID id.ID) (*coupon.Coupon, error) {
	c, err := scanCoupon(s.db(ctx).QueryRow(ctx,
		`SELECT `+couponColumns+` FROM billing_coupons WHERE id = $1`, couponID))
	return c, notFound(err, billing.ErrCouponNotFound)
}

func (s *Store) ListCoupons(ctx context.Context, providerID id.ID, opts coupon.ListOpts) ([]*coupon.Coupon, error) {
	var w where
	w.add("provider_id = ?", providerID)
	if !opts.PlanID.IsNil() {
		w.add("plan_id = ?", opts.PlanID)
	}
	q := `SELECT ` + couponColumns + ` FROM billing_coupons` + w.String() + ` ORDER BY code` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.db(ctx), q, w.args, scanCoupon)
}

// RedeemCoupon increments Uses in a single conditional update, so two
// concurrent redemptions cannot both take the last use.
func (s *Store) RedeemCoupon(ctx context.Context, couponID id.ID) error {
	tag, err := s.db(ctx).Exec(ctx, `UPDATE billing_coupons SET uses = uses + 1, updated_at = NOW()
		WHERE id = $1 AND (max_uses = 0 OR uses < max_uses)`, couponID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetCouponByID(ctx, couponID); gerr != nil {
			return gerr
		}
		return billing.ErrCouponExhausted
	}
	return nil
}

func (s *Store) RecordNotice(ctx context.Context, key string, at time.Time) (bool, error) {
	tag, err := s.db(ctx).Exec(ctx, `INSERT INTO billing_notices (key, sent_at) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
