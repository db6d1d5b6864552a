// Package mongo implements store.Store on MongoDB. Atomic uses multi-document
// transactions, so the deployment must be a replica set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/billing"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	billingstore "github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
)

// Collection name constants.
const (
	colOrganizations = "billing_organizations"
	colPlans         = "billing_plans"
	colUseCharges    = "billing_use_charges"
	colSubscriptions = "billing_subscriptions"
	colUsage         = "billing_usage"
	colTransactions  = "billing_transactions"
	colCharges       = "billing_charges"
	colCoupons       = "billing_coupons"
	colNotices       = "billing_notices"
	colCounters      = "billing_counters"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a store on database name of client.
func New(client *mongo.Client, name string) *Store {
	return &Store{client: client, db: client.Database(name)}
}

// Open connects to uri and uses database name.
func Open(ctx context.Context, uri, name string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("billing/mongo: ping: %w", err)
	}
	return New(client, name), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// Atomic runs fn in a multi-document transaction. Nested calls join it.
// The driver may retry fn on transient transaction errors.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", billing.ErrTransactionFailed, err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	var fnErr error
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		fnErr = fn(ctx)
		return nil, fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", billing.ErrTransactionFailed, err)
	}
	return nil
}

// Migrate creates indexes for all billing collections and seeds the
// transaction sequence counter.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: %s indexes: %w", billing.ErrMigrationFailed, col, err)
		}
	}
	_, err := s.col(colCounters).UpdateOne(ctx,
		bson.M{"_id": colTransactions},
		bson.M{"$setOnInsert": bson.M{"seq": int64(0)}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: seed counter: %w", billing.ErrMigrationFailed, err)
	}
	// Notices are written inside transactions, which cannot create collections
	// on older servers.
	if err := s.db.CreateCollection(ctx, colNotices); err != nil && !isNamespaceExists(err) {
		return fmt.Errorf("%w: create %s: %w", billing.ErrMigrationFailed, colNotices, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== Organization Store ====================

func (s *Store) CreateOrganization(ctx context.Context, o *organization.Organization) error {
	return insert(ctx, s.col(colOrganizations), toOrganizationModel(o))
}

func (s *Store) GetOrganization(ctx context.Context, orgID id.ID) (*organization.Organization, error) {
	return findOne(ctx, s.col(colOrganizations), bson.M{"_id": orgID.String()}, billing.ErrOrganizationNotFound, fromOrganizationModel)
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*organization.Organization, error) {
	return findOne(ctx, s.col(colOrganizations), bson.M{"slug": slug}, billing.ErrOrganizationNotFound, fromOrganizationModel)
}

func (s *Store) ListOrganizations(ctx context.Context, opts organization.ListOpts) ([]*organization.Organization, error) {
	filter := bson.M{}
	if opts.ActiveOnly {
		filter["is_active"] = true
	}
	if opts.WithPaymentToken {
		filter["payment_method_token"] = bson.M{"$gt": ""}
	}
	return findAll(ctx, s.col(colOrganizations), filter, findOpts(bson.D{{Key: "slug", Value: 1}}, opts.Limit, opts.Offset), fromOrganizationModel)
}

func (s *Store) UpdateOrganization(ctx context.Context, o *organization.Organization) error {
	return replace(ctx, s.col(colOrganizations), bson.M{"_id": o.ID.String()}, toOrganizationModel(o), billing.ErrOrganizationNotFound)
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	return insert(ctx, s.col(colPlans), toPlanModel(p))
}

func (s *Store) GetPlan(ctx context.Context, planID id.ID) (*plan.Plan, error) {
	return findOne(ctx, s.col(colPlans), bson.M{"_id": planID.String()}, billing.ErrPlanNotFound, fromPlanModel)
}

func (s *Store) GetPlanBySlug(ctx context.Context, providerID id.ID, slug string) (*plan.Plan, error) {
	return findOne(ctx, s.col(colPlans), bson.M{"provider_id": providerID.String(), "slug": slug}, billing.ErrPlanNotFound, fromPlanModel)
}

func (s *Store) ListPlans(ctx context.Context, providerID id.ID, opts plan.ListOpts) ([]*plan.Plan, error) {
	filter := bson.M{}
	if !providerID.IsNil() {
		filter["provider_id"] = providerID.String()
	}
	if opts.ActiveOnly {
		filter["is_active"] = true
	}
	return findAll(ctx, s.col(colPlans), filter, findOpts(bson.D{{Key: "slug", Value: 1}}, opts.Limit, opts.Offset), fromPlanModel)
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	return replace(ctx, s.col(colPlans), bson.M{"_id": p.ID.String()}, toPlanModel(p), billing.ErrPlanNotFound)
}

func (s *Store) CreateUseCharge(ctx context.Context, uc *plan.UseCharge) error {
	if _, err := s.GetPlan(ctx, uc.PlanID); err != nil {
		return err
	}
	return insert(ctx, s.col(colUseCharges), toUseChargeModel(uc))
}

func (s *Store) GetUseCharge(ctx context.Context, ucID id.ID) (*plan.UseCharge, error) {
	return findOne(ctx, s.col(colUseCharges), bson.M{"_id": ucID.String()}, billing.ErrUseChargeNotFound, fromUseChargeModel)
}

func (s *Store) ListUseCharges(ctx context.Context, planID id.ID) ([]*plan.UseCharge, error) {
	return findAll(ctx, s.col(colUseCharges), bson.M{"plan_id": planID.String()},
		findOpts(bson.D{{Key: "slug", Value: 1}}, 0, 0), fromUseChargeModel)
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return insert(ctx, s.col(colSubscriptions), toSubscriptionModel(sub))
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	return findOne(ctx, s.col(colSubscriptions), bson.M{"_id": subID.String()}, billing.ErrSubscriptionNotFound, fromSubscriptionModel)
}

func (s *Store) GetSubscriptionByKey(ctx context.Context, key string) (*subscription.Subscription, error) {
	if key == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	filter := bson.M{"$or": bson.A{bson.M{"grant_key": key}, bson.M{"request_key": key}}}
	return findOne(ctx, s.col(colSubscriptions), filter, billing.ErrSubscriptionNotFound, fromSubscriptionModel)
}

func (s *Store) GetActiveSubscription(ctx context.Context, subscriberID, planID id.ID, at time.Time) (*subscription.Subscription, error) {
	filter := bson.M{
		"subscriber_id": subscriberID.String(),
		"plan_id":       planID.String(),
		"ends_at":       bson.M{"$gt": at},
	}
	return findOne(ctx, s.col(colSubscriptions), filter, billing.ErrSubscriptionNotFound, fromSubscriptionModel,
		options.FindOne().SetSort(bson.D{{Key: "ends_at", Value: -1}}))
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	filter := bson.M{}
	if !opts.SubscriberID.IsNil() {
		filter["subscriber_id"] = opts.SubscriberID.String()
	}
	if !opts.PlanID.IsNil() {
		filter["plan_id"] = opts.PlanID.String()
	}
	ends := bson.M{}
	if !opts.EndsAfter.IsZero() {
		ends["$gte"] = opts.EndsAfter
	}
	if !opts.EndsBefore.IsZero() {
		ends["$lt"] = opts.EndsBefore
	}
	if len(ends) > 0 {
		filter["ends_at"] = ends
	}
	if opts.AutoRenew != nil {
		filter["auto_renew"] = *opts.AutoRenew
	}
	sort := bson.D{{Key: "ends_at", Value: 1}, {Key: "_id", Value: 1}}
	return findAll(ctx, s.col(colSubscriptions), filter, findOpts(sort, opts.Limit, opts.Offset), fromSubscriptionModel)
}

// UpdateSubscription writes sub if its Version is current and bumps it.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.Version++
	err := replace(ctx, s.col(colSubscriptions), bson.M{"_id": m.ID, "version": sub.Version}, m, billing.ErrConcurrentUpdate)
	if errors.Is(err, billing.ErrConcurrentUpdate) {
		if _, gerr := s.GetSubscription(ctx, sub.ID); gerr != nil {
			return gerr
		}
	}
	if err != nil {
		return err
	}
	sub.Version = m.Version
	return nil
}

func usageFilter(key subscription.UsageKey) bson.M {
	return bson.M{
		"subscription_id": key.SubscriptionID.String(),
		"use_charge_id":   key.UseChargeID.String(),
		"period_start":    key.PeriodStart.UTC(),
	}
}

func (s *Store) GetUsage(ctx context.Context, key subscription.UsageKey) (int64, error) {
	var m usageModel
	err := s.col(colUsage).FindOne(ctx, usageFilter(key)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	return m.Units, err
}

func (s *Store) AddUsage(ctx context.Context, key subscription.UsageKey, units int64) (int64, error) {
	var m usageModel
	err := s.col(colUsage).FindOneAndUpdate(ctx, usageFilter(key),
		bson.M{"$inc": bson.M{"units": units}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&m)
	return m.Units, err
}

// ==================== Coupon Store ====================

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	return insert(ctx, s.col(colCoupons), toCouponModel(c))
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	return findOne(ctx, s.col(colCoupons), bson.M{"code": code}, billing.ErrCouponNotFound, fromCouponModel)
}

func (s *Store) GetCouponByID(ctx context.Context, couponID id.ID) (*coupon.Coupon, error) {
	return findOne(ctx, s.col(colCoupons), bson.M{"_id": couponID.String()}, billing.ErrCouponNotFound, fromCouponModel)
}

func (s *Store) ListCoupons(ctx context.Context, providerID id.ID, opts coupon.ListOpts) ([]*coupon.Coupon, error) {
	filter := bson.M{"provider_id": providerID.String()}
	if !opts.PlanID.IsNil() {
		filter["plan_id"] = opts.PlanID.String()
	}
	return findAll(ctx, s.col(colCoupons), filter, findOpts(bson.D{{Key: "code", Value: 1}}, opts.Limit, opts.Offset), fromCouponModel)
}

// RedeemCoupon increments Uses in one conditional update.
func (s *Store) RedeemCoupon(ctx context.Context, couponID id.ID) error {
	filter := bson.M{
		"_id": couponID.String(),
		"$or": bson.A{
			bson.M{"max_uses": 0},
			bson.M{"$expr": bson.M{"$lt": bson.A{"$uses", "$max_uses"}}},
		},
	}
	res, err := s.col(colCoupons).UpdateOne(ctx, filter, bson.M{
		"$inc": bson.M{"uses": 1},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, gerr := s.GetCouponByID(ctx, couponID); gerr != nil {
			return gerr
		}
		return billing.ErrCouponExhausted
	}
	return nil
}

func (s *Store) RecordNotice(ctx context.Context, key string, at time.Time) (bool, error) {
	_, err := s.col(colNotices).InsertOne(ctx, bson.M{"_id": key, "sent_at": at.UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return err == nil, err
}
