// Package memory is an in-process Store for tests and local development.
// Records are held by value; every read returns a copy.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
)

var _ store.Store = (*Store)(nil)

type state struct {
	orgs          map[id.ID]organization.Organization
	plans         map[id.ID]plan.Plan
	useCharges    map[id.ID]plan.UseCharge
	subscriptions map[id.ID]subscription.Subscription
	usage         map[subscription.UsageKey]int64
	transactions  []transaction.Transaction
	events        map[string]bool
	seq           int64
	charges       map[id.ID]charge.Charge
	chargeKeys    map[string]id.ID
	coupons       map[id.ID]coupon.Coupon
	notices       map[string]time.Time
}

type Store struct {
	mu sync.RWMutex
	// txMu serializes Atomic units.
	txMu   sync.Mutex
	data   state
	closed bool
}

func New() *Store {
	return &Store{data: state{
		orgs:          make(map[id.ID]organization.Organization),
		plans:         make(map[id.ID]plan.Plan),
		useCharges:    make(map[id.ID]plan.UseCharge),
		subscriptions: make(map[id.ID]subscription.Subscription),
		usage:         make(map[subscription.UsageKey]int64),
		events:        make(map[string]bool),
		charges:       make(map[id.ID]charge.Charge),
		chargeKeys:    make(map[string]id.ID),
		coupons:       make(map[id.ID]coupon.Coupon),
		notices:       make(map[string]time.Time),
	}}
}

type txKey struct{}

// undoLog holds the steps that revert the writes of one Atomic unit,
// oldest first.
type undoLog struct {
	steps []func(d *state)
}

// Atomic runs fn and, if it fails, reverts the writes fn made. Writes
// committed by other callers in the meantime are kept.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*undoLog); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	log := &undoLog{}
	if err := fn(context.WithValue(ctx, txKey{}, log)); err != nil {
		s.mu.Lock()
		for i := len(log.steps) - 1; i >= 0; i-- {
			log.steps[i](&s.data)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// onRollback records step when ctx is inside an Atomic unit. The caller
// holds mu.
func onRollback(ctx context.Context, step func(d *state)) {
	if log, ok := ctx.Value(txKey{}).(*undoLog); ok {
		log.steps = append(log.steps, step)
	}
}

// keep records the current value of key in the map pick selects, so a
// rollback puts it back or deletes it.
func keep[K comparable, V any](ctx context.Context, d *state, pick func(d *state) map[K]V, key K) {
	if _, ok := ctx.Value(txKey{}).(*undoLog); !ok {
		return
	}
	prev, existed := pick(d)[key]
	onRollback(ctx, func(d *state) {
		if existed {
			pick(d)[key] = prev
		} else {
			delete(pick(d), key)
		}
	})
}

func orgs(d *state) map[id.ID]organization.Organization         { return d.orgs }
func plans(d *state) map[id.ID]plan.Plan                         { return d.plans }
func useCharges(d *state) map[id.ID]plan.UseCharge               { return d.useCharges }
func subscriptions(d *state) map[id.ID]subscription.Subscription { return d.subscriptions }
func usage(d *state) map[subscription.UsageKey]int64             { return d.usage }
func charges(d *state) map[id.ID]charge.Charge                   { return d.charges }
func chargeKeys(d *state) map[string]id.ID                       { return d.chargeKeys }
func coupons(d *state) map[id.ID]coupon.Coupon                   { return d.coupons }
func notices(d *state) map[string]time.Time                      { return d.notices }

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return billing.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Organization Store implementation

func (s *Store) CreateOrganization(ctx context.Context, o *organization.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.orgs[o.ID]; exists {
		return billing.ErrAlreadyExists
	}
	for _, existing := range s.data.orgs {
		if existing.Slug == o.Slug {
			return billing.ErrAlreadyExists
		}
	}
	keep(ctx, &s.data, orgs, o.ID)
	s.data.orgs[o.ID] = *o
	return nil
}

func (s *Store) GetOrganization(_ context.Context, orgID id.ID) (*organization.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.data.orgs[orgID]; ok {
		return &o, nil
	}
	return nil, billing.ErrOrganizationNotFound
}

func (s *Store) GetOrganizationBySlug(_ context.Context, slug string) (*organization.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.data.orgs {
		if o.Slug == slug {
			return &o, nil
		}
	}
	return nil, billing.ErrOrganizationNotFound
}

func (s *Store) ListOrganizations(_ context.Context, opts organization.ListOpts) ([]*organization.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*organization.Organization
	for _, o := range s.data.orgs {
		if opts.ActiveOnly && !o.IsActive {
			continue
		}
		if opts.WithPaymentToken && !o.HasPaymentMethod() {
			continue
		}
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateOrganization(ctx context.Context, o *organization.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.orgs[o.ID]; !ok {
		return billing.ErrOrganizationNotFound
	}
	keep(ctx, &s.data, orgs, o.ID)
	s.data.orgs[o.ID] = *o
	return nil
}

// Plan Store implementation

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.plans[p.ID]; exists {
		return billing.ErrAlreadyExists
	}
	for _, existing := range s.data.plans {
		if existing.ProviderID == p.ProviderID && existing.Slug == p.Slug {
			return billing.ErrAlreadyExists
		}
	}
	keep(ctx, &s.data, plans, p.ID)
	s.data.plans[p.ID] = *p
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.ID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.data.plans[planID]; ok {
		return &p, nil
	}
	return nil, billing.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, providerID id.ID, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.data.plans {
		if p.ProviderID == providerID && p.Slug == slug {
			return &p, nil
		}
	}
	return nil, billing.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context, providerID id.ID, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*plan.Plan
	for _, p := range s.data.plans {
		if !providerID.IsNil() && p.ProviderID != providerID {
			continue
		}
		if opts.ActiveOnly && !p.IsActive {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.plans[p.ID]; !ok {
		return billing.ErrPlanNotFound
	}
	keep(ctx, &s.data, plans, p.ID)
	s.data.plans[p.ID] = *p
	return nil
}

func (s *Store) CreateUseCharge(ctx context.Context, uc *plan.UseCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.plans[uc.PlanID]; !ok {
		return billing.ErrPlanNotFound
	}
	if _, exists := s.data.useCharges[uc.ID]; exists {
		return billing.ErrAlreadyExists
	}
	keep(ctx, &s.data, useCharges, uc.ID)
	s.data.useCharges[uc.ID] = *uc
	return nil
}

func (s *Store) GetUseCharge(_ context.Context, ucID id.ID) (*plan.UseCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if uc, ok := s.data.useCharges[ucID]; ok {
		return &uc, nil
	}
	return nil, billing.ErrUseChargeNotFound
}

func (s *Store) ListUseCharges(_ context.Context, planID id.ID) ([]*plan.UseCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*plan.UseCharge
	for _, uc := range s.data.useCharges {
		if uc.PlanID == planID {
			out = append(out, &uc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Subscription Store implementation

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.subscriptions[sub.ID]; exists {
		return billing.ErrAlreadyExists
	}
	for _, existing := range s.data.subscriptions {
		if (sub.GrantKey != "" && existing.GrantKey == sub.GrantKey) ||
			(sub.RequestKey != "" && existing.RequestKey == sub.RequestKey) {
			return billing.ErrAlreadyExists
		}
	}
	keep(ctx, &s.data, subscriptions, sub.ID)
	s.data.subscriptions[sub.ID] = *sub
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.ID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.data.subscriptions[subID]; ok {
		return &sub, nil
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByKey(_ context.Context, key string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key == "" {
		return nil, billing.ErrSubscriptionNotFound
	}
	for _, sub := range s.data.subscriptions {
		if sub.GrantKey == key || sub.RequestKey == key {
			return &sub, nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (s *Store) GetActiveSubscription(_ context.Context, subscriberID, planID id.ID, at time.Time) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *subscription.Subscription
	for _, sub := range s.data.subscriptions {
		if sub.SubscriberID != subscriberID || sub.PlanID != planID || !sub.EndsAt.After(at) {
			continue
		}
		if found == nil || sub.EndsAt.After(found.EndsAt) {
			found = &sub
		}
	}
	if found == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return found, nil
}

func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Subscription
	for _, sub := range s.data.subscriptions {
		switch {
		case !opts.SubscriberID.IsNil() && sub.SubscriberID != opts.SubscriberID,
			!opts.PlanID.IsNil() && sub.PlanID != opts.PlanID,
			!opts.EndsAfter.IsZero() && sub.EndsAt.Before(opts.EndsAfter),
			!opts.EndsBefore.IsZero() && !sub.EndsAt.Before(opts.EndsBefore),
			opts.AutoRenew != nil && sub.AutoRenew != *opts.AutoRenew:
			continue
		}
		out = append(out, &sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndsAt.Equal(out[j].EndsAt) {
			return out[i].EndsAt.Before(out[j].EndsAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.subscriptions[sub.ID]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	if current.Version != sub.Version {
		return billing.ErrConcurrentUpdate
	}
	keep(ctx, &s.data, subscriptions, sub.ID)
	sub.Version++
	s.data.subscriptions[sub.ID] = *sub
	return nil
}

func (s *Store) GetUsage(_ context.Context, key subscription.UsageKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.usage[normalizeUsageKey(key)], nil
}

func (s *Store) AddUsage(ctx context.Context, key subscription.UsageKey, units int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = normalizeUsageKey(key)
	keep(ctx, &s.data, usage, key)
	s.data.usage[key] += units
	return s.data.usage[key], nil
}

func normalizeUsageKey(key subscription.UsageKey) subscription.UsageKey {
	key.PeriodStart = key.PeriodStart.UTC()
	return key
}

// Transaction Store implementation

func (s *Store) AppendTransactions(ctx context.Context, txns []*transaction.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appended := make(map[id.ID]bool, len(txns))
	var newEvents []string
	for _, t := range txns {
		s.data.seq++
		t.Seq = s.data.seq
		s.data.transactions = append(s.data.transactions, *t)
		appended[t.ID] = true
		if t.EventID != "" && !s.data.events[t.EventID] {
			s.data.events[t.EventID] = true
			newEvents = append(newEvents, t.EventID)
		}
	}
	onRollback(ctx, func(d *state) {
		d.transactions = slices.DeleteFunc(d.transactions, func(t transaction.Transaction) bool {
			return appended[t.ID]
		})
		for _, ev := range newEvents {
			delete(d.events, ev)
		}
	})
	return nil
}

func (s *Store) GetTransaction(_ context.Context, txnID id.ID) (*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.data.transactions {
		if t.ID == txnID {
			return &t, nil
		}
	}
	return nil, billing.ErrTransactionNotFound
}

func (s *Store) HasEventTransactions(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.events[eventID], nil
}

func (s *Store) ListTransactions(_ context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*transaction.Transaction
	for _, t := range s.data.transactions {
		switch {
		case !opts.OrganizationID.IsNil() && t.OrigOrganizationID != opts.OrganizationID && t.DestOrganizationID != opts.OrganizationID,
			opts.EventID != "" && t.EventID != opts.EventID,
			!opts.AsOf.IsZero() && t.CreatedAt.After(opts.AsOf),
			!opts.After.IsZero() && !opts.After.Before(&t):
			continue
		}
		out = append(out, &t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return paginate(out, 0, opts.Limit), nil
}

func (s *Store) SumBalance(_ context.Context, orgID id.ID, account transaction.Account, unit string, asOf time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, t := range s.data.transactions {
		if !asOf.IsZero() && t.CreatedAt.After(asOf) {
			continue
		}
		total += t.Delta(orgID, account, unit)
	}
	return total, nil
}

func (s *Store) ListBalances(_ context.Context, account transaction.Account, asOf time.Time) ([]transaction.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		org  id.ID
		unit string
	}
	totals := map[key]int64{}
	for _, t := range s.data.transactions {
		if !asOf.IsZero() && t.CreatedAt.After(asOf) {
			continue
		}
		if t.DestAccount == account {
			totals[key{t.DestOrganizationID, t.DestUnit}] += t.DestAmount
		}
		if t.OrigAccount == account {
			totals[key{t.OrigOrganizationID, t.OrigUnit}] -= t.OrigAmount
		}
	}

	var out []transaction.Balance
	for k, amount := range totals {
		if amount != 0 {
			out = append(out, transaction.Balance{OrganizationID: k.org, Account: account, Unit: k.unit, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrganizationID != out[j].OrganizationID {
			return out[i].OrganizationID.String() < out[j].OrganizationID.String()
		}
		return out[i].Unit < out[j].Unit
	})
	return out, nil
}

// Charge Store implementation

func (s *Store) CreateCharge(ctx context.Context, c *charge.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.charges[c.ID]; exists {
		return billing.ErrAlreadyExists
	}
	if c.IdempotencyKey != "" {
		if _, exists := s.data.chargeKeys[c.IdempotencyKey]; exists {
			return billing.ErrAlreadyExists
		}
		keep(ctx, &s.data, chargeKeys, c.IdempotencyKey)
		s.data.chargeKeys[c.IdempotencyKey] = c.ID
	}
	keep(ctx, &s.data, charges, c.ID)
	s.data.charges[c.ID] = cloneCharge(*c)
	return nil
}

func (s *Store) GetCharge(_ context.Context, chargeID id.ID) (*charge.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.data.charges[chargeID]; ok {
		c = cloneCharge(c)
		return &c, nil
	}
	return nil, billing.ErrChargeNotFound
}

func (s *Store) GetChargeByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error) {
	s.mu.RLock()
	chargeID, ok := s.data.chargeKeys[key]
	s.mu.RUnlock()

	if !ok {
		return nil, billing.ErrChargeNotFound
	}
	return s.GetCharge(ctx, chargeID)
}

func (s *Store) GetChargeByProcessorID(_ context.Context, processorChargeID string) (*charge.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.data.charges {
		if processorChargeID != "" && c.ProcessorChargeID == processorChargeID {
			c = cloneCharge(c)
			return &c, nil
		}
	}
	return nil, billing.ErrChargeNotFound
}

func (s *Store) ListCharges(_ context.Context, opts charge.ListOpts) ([]*charge.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*charge.Charge
	for _, c := range s.data.charges {
		switch {
		case !opts.OrganizationID.IsNil() && c.OrganizationID != opts.OrganizationID,
			opts.State != "" && c.State != opts.State,
			!opts.ProcessingBefore.IsZero() && (c.ProcessingAt == nil || !c.ProcessingAt.Before(opts.ProcessingBefore)):
			continue
		}
		c = cloneCharge(c)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateCharge(ctx context.Context, c *charge.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.charges[c.ID]
	if !ok {
		return billing.ErrChargeNotFound
	}
	if current.Version != c.Version {
		return billing.ErrConcurrentUpdate
	}
	keep(ctx, &s.data, charges, c.ID)
	c.Version++
	s.data.charges[c.ID] = cloneCharge(*c)
	return nil
}

func cloneCharge(c charge.Charge) charge.Charge {
	c.LineItems = slices.Clone(c.LineItems)
	return c
}

// Coupon Store implementation

func (s *Store) CreateCoupon(ctx context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.coupons[c.ID]; exists {
		return billing.ErrAlreadyExists
	}
	for _, existing := range s.data.coupons {
		if existing.Code == c.Code {
			return billing.ErrAlreadyExists
		}
	}
	keep(ctx, &s.data, coupons, c.ID)
	s.data.coupons[c.ID] = *c
	return nil
}

func (s *Store) GetCoupon(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.data.coupons {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, billing.ErrCouponNotFound
}

func (s *Store) GetCouponByID(_ context.Context, couponID id.ID) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.data.coupons[couponID]; ok {
		return &c, nil
	}
	return nil, billing.ErrCouponNotFound
}

func (s *Store) ListCoupons(_ context.Context, providerID id.ID, opts coupon.ListOpts) ([]*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*coupon.Coupon
	for _, c := range s.data.coupons {
		if c.ProviderID != providerID || (!opts.PlanID.IsNil() && c.PlanID != opts.PlanID) {
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *Store) RedeemCoupon(ctx context.Context, couponID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data.coupons[couponID]
	if !ok {
		return billing.ErrCouponNotFound
	}
	if c.Exhausted() {
		return billing.ErrCouponExhausted
	}
	keep(ctx, &s.data, coupons, couponID)
	c.Uses++
	s.data.coupons[couponID] = c
	return nil
}

func (s *Store) RecordNotice(ctx context.Context, key string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, sent := s.data.notices[key]; sent {
		return false, nil
	}
	keep(ctx, &s.data, notices, key)
	s.data.notices[key] = at
	return true, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
