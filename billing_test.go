package billing_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/processor/sandbox"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/store/memory"
	"github.com/xraph/billing/transaction"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type signals struct {
	mu  sync.Mutex
	got []plugin.Signal
}

func (s *signals) Name() string { return "signals" }

func (s *signals) OnSignal(_ context.Context, sig plugin.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sig)
	return nil
}

func (s *signals) named(name plugin.SignalName) []plugin.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []plugin.Signal
	for _, sig := range s.got {
		if sig.Name == name {
			out = append(out, sig)
		}
	}
	return out
}

type fixture struct {
	ctx      context.Context
	engine   *billing.Engine
	store    store.Store
	proc     *sandbox.Processor
	clock    *clock
	signals  *signals
	provider *organization.Organization
	customer *organization.Organization
	plan     *plan.Plan
}

// newFixture starts an engine on a memory store with the sandbox
// processor, a provider selling "pro" at 29.00 a month with a 20% advance
// discount and a 10% broker fee, and a customer with a card on file.
func newFixture(t *testing.T, cfg ...billing.Config) *fixture {
	t.Helper()
	return newFixtureOn(t, memory.New(), cfg...)
}

// newFixtureOn is newFixture on a given store.
func newFixtureOn(t *testing.T, s store.Store, cfg ...billing.Config) *fixture {
	t.Helper()
	f := &fixture{
		ctx:     context.Background(),
		store:   s,
		proc:    sandbox.New(),
		clock:   &clock{now: epoch},
		signals: &signals{},
	}

	opts := []billing.Option{
		billing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		billing.WithProcessor(f.proc),
		billing.WithClock(f.clock.Now),
		billing.WithPlugin(f.signals),
	}
	if len(cfg) > 0 {
		opts = append(opts, billing.WithConfig(cfg[0]))
	}
	f.engine = billing.New(f.store, opts...)
	require.NoError(t, f.engine.Start(f.ctx))

	f.provider = f.org(t, "cowork", true)
	f.customer = f.org(t, "acme", false)
	require.NoError(t, f.engine.UpdatePaymentMethod(f.ctx, f.customer.ID, sandbox.TokenVisa, nil))
	f.customer = f.reloadOrg(t, f.customer.ID)

	f.plan = f.createPlan(t, &plan.Plan{
		Slug:                "pro",
		Title:               "Pro",
		PeriodType:          plan.Monthly,
		PeriodAmount:        2900,
		AdvanceDiscount:     20,
		BrokerFeePercentage: 10,
		RenewalType:         plan.AutoRenew,
	})
	return f
}

func (f *fixture) org(t *testing.T, slug string, provider bool) *organization.Organization {
	t.Helper()
	o := &organization.Organization{Slug: slug, DisplayName: slug, IsProvider: provider}
	require.NoError(t, f.engine.CreateOrganization(f.ctx, o))
	return o
}

func (f *fixture) reloadOrg(t *testing.T, orgID id.ID) *organization.Organization {
	t.Helper()
	o, err := f.engine.GetOrganization(f.ctx, orgID)
	require.NoError(t, err)
	return o
}

func (f *fixture) createPlan(t *testing.T, p *plan.Plan) *plan.Plan {
	t.Helper()
	p.ProviderID = f.provider.ID
	p.IsActive = true
	require.NoError(t, f.engine.CreatePlan(f.ctx, p))
	return p
}

func (f *fixture) order(t *testing.T, p *plan.Plan, nbPeriods int) *billing.Order {
	t.Helper()
	o, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{
		SubscriberID: f.customer.ID,
		PlanID:       p.ID,
		NbPeriods:    nbPeriods,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) balance(t *testing.T, orgID id.ID, account transaction.Account) int64 {
	t.Helper()
	m, err := f.engine.Balance(f.ctx, orgID, account, time.Time{})
	require.NoError(t, err)
	return m.Amount
}

func (f *fixture) systemOrg(t *testing.T, slug string) *organization.Organization {
	t.Helper()
	o, err := f.engine.GetOrganizationBySlug(f.ctx, slug)
	require.NoError(t, err)
	return o
}

func (f *fixture) transactions(t *testing.T) []*transaction.Transaction {
	t.Helper()
	txns, err := f.store.ListTransactions(f.ctx, transaction.ListOpts{})
	require.NoError(t, err)
	return txns
}

// requireBalanced checks that every unit sums to zero across all accounts
// of all organizations.
func requireBalanced(t *testing.T, f *fixture) {
	t.Helper()
	totals := map[string]int64{}
	for _, account := range []transaction.Account{
		transaction.Funds, transaction.Income, transaction.Expenses, transaction.Payable,
		transaction.Refund, transaction.Refunded, transaction.Withdraw, transaction.Writeoff,
		transaction.Backlog, transaction.Chargeback, transaction.Liability,
	} {
		balances, err := f.store.ListBalances(f.ctx, account, time.Time{})
		require.NoError(t, err)
		for _, b := range balances {
			totals[b.Unit] += b.Amount
		}
	}
	for unit, total := range totals {
		assert.Zero(t, total, "ledger does not balance in %s", unit)
	}
}

func TestStartCreatesSystemOrganizations(t *testing.T) {
	f := newFixture(t)

	broker := f.systemOrg(t, "broker")
	assert.True(t, broker.IsProvider)
	proc := f.systemOrg(t, "processor")
	assert.False(t, proc.IsProvider)

	// Starting again reuses them.
	require.NoError(t, f.engine.Start(f.ctx))
	again, err := f.engine.Broker(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, broker.ID, again.ID)
}

func TestConfigDefaults(t *testing.T) {
	e := billing.New(memory.New(), billing.WithConfig(billing.Config{ChargebackFee: 0, NoticeDays: []int{7}}))
	cfg := e.Config()

	assert.Equal(t, "broker", cfg.BrokerSlug)
	assert.Equal(t, 30*time.Second, cfg.ProcessorTimeout)
	assert.Equal(t, []int{7}, cfg.NoticeDays)
	assert.Zero(t, cfg.ChargebackFee)
	assert.Equal(t, []int{90, 60, 30, 15, 1}, billing.DefaultConfig().NoticeDays)
}

func TestPaymentContext(t *testing.T) {
	f := newFixture(t)

	got, err := f.engine.PaymentContext(f.ctx, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, "sandbox", got["processor"])

	_, err = billing.New(memory.New()).PaymentContext(f.ctx, f.customer.ID)
	assert.ErrorIs(t, err, billing.ErrNoProcessor)
}

func TestDeactivateOrganization(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.plan, 1)

	require.NoError(t, f.engine.DeactivateOrganization(f.ctx, f.customer.ID))

	sub, err := f.store.GetSubscription(f.ctx, o.Subscription.ID)
	require.NoError(t, err)
	assert.False(t, sub.AutoRenew)

	_, err = f.engine.CreateOrder(f.ctx, billing.OrderRequest{SubscriberID: f.customer.ID, PlanID: f.plan.ID, NbPeriods: 1})
	assert.ErrorIs(t, err, billing.ErrOrganizationInactive)
}

func TestCreatePlanValidation(t *testing.T) {
	f := newFixture(t)

	err := f.engine.CreatePlan(f.ctx, &plan.Plan{
		ProviderID:      f.provider.ID,
		PeriodType:      "fortnightly",
		AdvanceDiscount: 150,
	})
	require.Error(t, err)
	assert.True(t, billing.IsValidation(err))

	var multi billing.MultiError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 3)

	err = f.engine.CreatePlan(f.ctx, &plan.Plan{
		ProviderID: f.customer.ID,
		Slug:       "basic",
		PeriodType: plan.Monthly,
	})
	assert.True(t, billing.IsValidation(err))
}

func TestGenerateBulkCoupons(t *testing.T) {
	f := newFixture(t)

	coupons, err := f.engine.GenerateBulkCoupons(f.ctx, f.plan.ID, 3)
	require.NoError(t, err)
	require.Len(t, coupons, 3)

	codes := map[string]bool{}
	for _, c := range coupons {
		assert.Regexp(t, `^BULK-[0-9A-F]{12}$`, c.Code)
		assert.EqualValues(t, 1, c.MaxUses)
		codes[c.Code] = true
	}
	assert.Len(t, codes, 3)

	o, err := f.engine.CreateOrder(f.ctx, billing.OrderRequest{
		SubscriberID: f.customer.ID,
		PlanID:       f.plan.ID,
		NbPeriods:    1,
		CouponCode:   coupons[0].Code,
	})
	require.NoError(t, err)
	assert.Zero(t, o.Amount().Amount)

	_, err = f.engine.CreateOrder(f.ctx, billing.OrderRequest{
		SubscriberID: f.customer.ID,
		PlanID:       f.plan.ID,
		NbPeriods:    1,
		CouponCode:   coupons[0].Code,
	})
	assert.ErrorIs(t, err, billing.ErrCouponExhausted)
}
