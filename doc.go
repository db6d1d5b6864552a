// Package billing is a subscription billing engine for multi-tenant SaaS
// platforms, built on a double-entry ledger.
//
// Billing is designed as a library, not a service. Import it into your Go
// application and drive renewals from your own scheduler, or run the
// billingd command. It provides:
//
//   - An append-only ledger where every business event posts balanced
//     transfers between organization accounts
//   - Plan pricing with prepaid periods, advance discounts, setup fees,
//     coupons and metered use charges with a per-period quota
//   - Subscription lifecycle: orders, opt-in handshakes, renewals and
//     cancellation
//   - Idempotent payment collection through a pluggable processor, with
//     refunds, chargebacks and disputes
//   - A renewal scheduler that extends, charges and notifies, safe to run
//     more than once for the same day
//
// # Quick Start
//
//	store := memory.New()
//	engine := billing.New(store,
//	    billing.WithLogger(slog.Default()),
//	    billing.WithProcessor(sandbox.New()),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	provider := &organization.Organization{Slug: "acme", IsProvider: true}
//	_ = engine.CreateOrganization(ctx, provider)
//
//	pro := &plan.Plan{
//	    ProviderID:      provider.ID,
//	    Slug:            "pro",
//	    Title:           "Pro",
//	    PeriodType:      plan.Monthly,
//	    PeriodAmount:    2900,
//	    Currency:        "usd",
//	    AdvanceDiscount: 20,
//	}
//	_ = engine.CreatePlan(ctx, pro)
//
//	order, err := engine.CreateOrder(ctx, billing.OrderRequest{
//	    SubscriberID: customer.ID,
//	    PlanID:       pro.ID,
//	    NbPeriods:    12,
//	})
//	charge, err := engine.CreatePayment(ctx, order.PaymentRequest("order-"+order.ID))
//
// # Ledger
//
// Money never changes hands without a transaction. An order posts what
// the subscriber owes into its Payable account; a successful charge moves
// it to the processor's Funds and on to each provider, net of the broker
// fee. Balances are always derived from the transactions; nothing else
// stores them.
//
// # Scheduling
//
// RunRenewals is meant to be called at least daily:
//
//	report, err := engine.RunRenewals(ctx, time.Now())
//
// It extends auto-renewing subscriptions, charges every outstanding
// balance and emits expiration notices. SweepStuckCharges resolves charges
// left PROCESSING by a crash or a lost processor response.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	org_01h2xcejqtf2nbrexx3vqjhp41   // Organization ID
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	txn_01h455vb4pex5vsknk084sn02q   // Transaction ID
package billing
