package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/processor/sandbox"
	"github.com/xraph/billing/transaction"
)

func TestSweepSettlesStuckCharges(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenPending)
	o := f.order(t, f.plan, 1)
	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.NoError(t, err)
	require.Equal(t, charge.StateProcessing, c.State)

	// Still inside the grace period.
	report, err := f.engine.SweepStuckCharges(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)

	f.clock.Advance(20 * time.Minute)
	report, err = f.engine.SweepStuckCharges(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Pending, "the processor has not decided yet")

	f.proc.Settle(c.ProcessorChargeID, processor.StatusSucceeded)
	report, err = f.engine.SweepStuckCharges(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	stored, err := f.engine.GetCharge(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateSucceeded, stored.State)
	assert.Zero(t, f.balance(t, f.customer.ID, transaction.Payable))
	assert.EqualValues(t, 2610, f.balance(t, f.provider.ID, transaction.Funds))
	requireBalanced(t, f)
}

func TestSweepFailsChargesTheProcessorNeverSaw(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenHang)
	o := f.order(t, f.plan, 1)

	ctx, cancel := context.WithCancel(f.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	c, err := f.engine.CreatePayment(ctx, o.PaymentRequest("order-1"))
	require.Error(t, err)
	require.Equal(t, charge.StateProcessing, c.State)

	f.clock.Advance(time.Hour)
	report, err := f.engine.SweepStuckCharges(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	stored, err := f.engine.GetCharge(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateFailed, stored.State)
	assert.Equal(t, billing.FailureNotFound, stored.FailureCode)
	assert.EqualValues(t, 2900, f.balance(t, f.customer.ID, transaction.Payable))
}

func TestSweepRequiresProcessor(t *testing.T) {
	f := newFixture(t)
	_, err := billing.New(f.store).SweepStuckCharges(f.ctx, epoch)
	assert.ErrorIs(t, err, billing.ErrNoProcessor)
}

func TestWriteOff(t *testing.T) {
	f := newFixture(t)
	f.order(t, f.plan, 1)

	txn, err := f.engine.WriteOff(f.ctx, f.customer.ID, "customer went bankrupt")
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.EqualValues(t, 2900, txn.DestAmount)
	assert.Equal(t, transaction.Writeoff, txn.DestAccount)
	assert.Contains(t, txn.Description, "bankrupt")

	assert.Zero(t, f.balance(t, f.customer.ID, transaction.Payable))
	assert.EqualValues(t, 2900, f.balance(t, f.customer.ID, transaction.Writeoff))

	// Nothing left to write off or to collect.
	again, err := f.engine.WriteOff(f.ctx, f.customer.ID, "")
	require.NoError(t, err)
	assert.Nil(t, again)
	report, err := f.engine.CreateChargesForBalance(f.ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Charged)

	// Later orders are collected without the written-off entry.
	f.clock.Advance(time.Minute)
	o := f.order(t, f.plan, 1)
	c, err := f.engine.CreatePayment(f.ctx, billing.PaymentRequest{
		OrganizationID: f.customer.ID,
		Amount:         o.Amount(),
		IdempotencyKey: "after-writeoff",
	})
	require.NoError(t, err)
	require.Len(t, c.LineItems, 1)
	assert.Equal(t, o.Transactions[0].ID, c.LineItems[0].TransactionID)
	requireBalanced(t, f)
}

func TestWriteOffWaitsForChargesInFlight(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenPending)
	o := f.order(t, f.plan, 1)
	_, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.NoError(t, err)

	_, err = f.engine.WriteOff(f.ctx, f.customer.ID, "")
	assert.ErrorIs(t, err, billing.ErrInvalidChargeState)
}
