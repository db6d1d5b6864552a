package billing_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/xraph/billing"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/processor/sandbox"
	"github.com/xraph/billing/store/memory"
	"github.com/xraph/billing/transaction"
)

func Example() {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	engine := billing.New(memory.New(),
		billing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		billing.WithProcessor(sandbox.New()),
		billing.WithClock(func() time.Time { return now }),
	)
	if err := engine.Start(ctx); err != nil {
		panic(err)
	}
	defer engine.Stop() //nolint:errcheck // example

	cowork := &organization.Organization{Slug: "cowork", IsProvider: true}
	acme := &organization.Organization{Slug: "acme"}
	for _, o := range []*organization.Organization{cowork, acme} {
		if err := engine.CreateOrganization(ctx, o); err != nil {
			panic(err)
		}
	}
	if err := engine.UpdatePaymentMethod(ctx, acme.ID, sandbox.TokenVisa, nil); err != nil {
		panic(err)
	}

	desk := &plan.Plan{
		ProviderID:          cowork.ID,
		Slug:                "desk",
		Title:               "Hot desk",
		PeriodType:          plan.Monthly,
		PeriodAmount:        2900,
		AdvanceDiscount:     20,
		BrokerFeePercentage: 10,
		IsActive:            true,
	}
	if err := engine.CreatePlan(ctx, desk); err != nil {
		panic(err)
	}

	order, err := engine.CreateOrder(ctx, billing.OrderRequest{SubscriberID: acme.ID, PlanID: desk.ID, NbPeriods: 3})
	if err != nil {
		panic(err)
	}
	fmt.Println("owed:", order.Amount())
	fmt.Println("until:", order.Subscription.EndsAt.Format("2006-01-02"))

	c, err := engine.CreatePayment(ctx, order.PaymentRequest("order-"+order.ID))
	if err != nil {
		panic(err)
	}
	fmt.Println("charge:", c.State)

	funds, _ := engine.Balance(ctx, cowork.ID, transaction.Funds, time.Time{})
	fmt.Println("provider funds:", funds)

	// Output:
	// owed: $75.40
	// until: 2026-04-01
	// charge: succeeded
	// provider funds: $67.86
}

func ExampleEngine_WriteLedger() {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	engine := billing.New(memory.New(),
		billing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		billing.WithClock(func() time.Time { return now }),
	)
	if err := engine.Start(ctx); err != nil {
		panic(err)
	}

	cowork := &organization.Organization{Slug: "cowork", IsProvider: true}
	acme := &organization.Organization{Slug: "acme"}
	for _, o := range []*organization.Organization{cowork, acme} {
		if err := engine.CreateOrganization(ctx, o); err != nil {
			panic(err)
		}
	}
	_, err := engine.Post(ctx, []transaction.Draft{
		transaction.Transfer(cowork.ID, transaction.Backlog, acme.ID, transaction.Payable, 1250, "usd", "Room booking"),
	})
	if err != nil {
		panic(err)
	}

	if _, err := engine.WriteLedger(ctx, os.Stdout, acme.ID, time.Time{}); err != nil {
		panic(err)
	}

	// Output:
	// 2026/01/01 Room booking
	//     acme:Payable                                    12.50 usd
	//     cowork:Backlog                                 -12.50 usd
}
