package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/processor/sandbox"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

func TestPartialRefunds(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	c, err := f.engine.Refund(f.ctx, c.ID, types.USD(1000), billing.RefundRequested)
	require.NoError(t, err)
	assert.Equal(t, charge.StateRefunded, c.State)
	assert.EqualValues(t, 1000, c.RefundedAmount)
	assert.EqualValues(t, 1000, f.balance(t, f.customer.ID, transaction.Refunded))
	assert.EqualValues(t, 1610, f.balance(t, f.provider.ID, transaction.Funds))

	c, err = f.engine.Refund(f.ctx, c.ID, types.USD(1900), billing.RefundRequested)
	require.NoError(t, err)
	assert.EqualValues(t, 2900, c.RefundedAmount)
	assert.Zero(t, c.Refundable())

	_, err = f.engine.Refund(f.ctx, c.ID, types.USD(1), billing.RefundRequested)
	assert.ErrorIs(t, err, billing.ErrRefundExceedsCharge, "a fully refunded charge accepts nothing more")

	issued := f.signals.named(plugin.SignalRefundIssued)
	require.Len(t, issued, 2)
	assert.EqualValues(t, 1900, issued[1].Amount.Amount)
	requireBalanced(t, f)
}

func TestRefundRejectsOverRefund(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	_, err := f.engine.Refund(f.ctx, c.ID, types.USD(3000), billing.RefundRequested)
	require.ErrorIs(t, err, billing.ErrRefundExceedsCharge)

	_, err = f.engine.Refund(f.ctx, c.ID, types.EUR(100), billing.RefundRequested)
	require.ErrorIs(t, err, billing.ErrCurrencyMismatch)

	_, err = f.engine.Refund(f.ctx, c.ID, types.USD(0), billing.RefundRequested)
	assert.True(t, billing.IsValidation(err))

	stored, err := f.engine.GetCharge(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateSucceeded, stored.State)
	assert.Zero(t, f.balance(t, f.customer.ID, transaction.Refunded))
}

func TestRefundOfFailedCharge(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenDecline)
	o := f.order(t, f.plan, 1)
	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.Error(t, err)

	_, err = f.engine.Refund(f.ctx, c.ID, types.USD(100), billing.RefundRequested)
	assert.ErrorIs(t, err, billing.ErrInvalidChargeState)
}

func TestChargebackRefundChargesFee(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	_, err := f.engine.Refund(f.ctx, c.ID, types.USD(2900), billing.RefundChargeback)
	require.NoError(t, err)

	proc := f.systemOrg(t, "processor")
	assert.EqualValues(t, 2610-2900-1500, f.balance(t, f.provider.ID, transaction.Funds))
	assert.EqualValues(t, 1500, f.balance(t, proc.ID, transaction.Chargeback))
	requireBalanced(t, f)
}

func TestRefundEventAppliedOnce(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	ev := processor.Event{
		ID:                "evt_refund",
		Type:              processor.EventChargeRefunded,
		ProcessorChargeID: c.ProcessorChargeID,
		Amount:            500,
	}
	got, err := f.engine.HandleProcessorEvent(f.ctx, ev)
	require.NoError(t, err)
	assert.EqualValues(t, 500, got.RefundedAmount)

	got, err = f.engine.HandleProcessorEvent(f.ctx, ev)
	require.NoError(t, err)
	stored, err := f.engine.GetCharge(f.ctx, got.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500, stored.RefundedAmount)
	assert.EqualValues(t, 500, f.balance(t, f.customer.ID, transaction.Refunded))
}

func TestRefundWebhookAfterEngineRefundPostsOnce(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	c, err := f.engine.Refund(f.ctx, c.ID, types.USD(500), billing.RefundRequested)
	require.NoError(t, err)
	refunds := f.proc.Refunds(c.ProcessorChargeID)
	require.Len(t, refunds, 1)

	got, err := f.engine.HandleProcessorEvent(f.ctx, processor.Event{
		ID:                "evt_re_1",
		Type:              processor.EventChargeRefunded,
		ProcessorChargeID: c.ProcessorChargeID,
		RefundID:          refunds[0],
		Amount:            500,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 500, got.RefundedAmount)
	assert.EqualValues(t, 500, f.balance(t, f.customer.ID, transaction.Refunded))
	assert.Len(t, f.signals.named(plugin.SignalRefundIssued), 1)

	// A refund made at the processor directly has its own id and is posted.
	got, err = f.engine.HandleProcessorEvent(f.ctx, processor.Event{
		ID:                "evt_re_2",
		Type:              processor.EventChargeRefunded,
		ProcessorChargeID: c.ProcessorChargeID,
		RefundID:          "re_dashboard",
		Amount:            300,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 800, got.RefundedAmount)
	assert.EqualValues(t, 800, f.balance(t, f.customer.ID, transaction.Refunded))
	requireBalanced(t, f)
}

func TestDisputeWon(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	c, err := f.engine.OpenDispute(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateDisputed, c.State)

	_, err = f.engine.Refund(f.ctx, c.ID, types.USD(100), billing.RefundRequested)
	assert.ErrorIs(t, err, billing.ErrInvalidChargeState, "disputed charges are not refunded directly")

	c, err = f.engine.ResolveDispute(f.ctx, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, charge.StateDisputeWon, c.State)
	assert.EqualValues(t, 2610, f.balance(t, f.provider.ID, transaction.Funds))

	disputes := f.signals.named(plugin.SignalChargeDisputed)
	require.Len(t, disputes, 2)
	assert.Equal(t, "opened", disputes[0].Reason)
	assert.Equal(t, "won", disputes[1].Reason)
}

func TestDisputeLost(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	_, err := f.engine.Refund(f.ctx, c.ID, types.USD(900), billing.RefundRequested)
	require.NoError(t, err)

	_, err = f.engine.HandleProcessorEvent(f.ctx, processor.Event{
		ID: "evt_dispute", Type: processor.EventDisputeOpened, ProcessorChargeID: c.ProcessorChargeID,
	})
	assert.ErrorIs(t, err, billing.ErrInvalidChargeState, "only a succeeded charge can be disputed")

	f2 := newFixture(t)
	c2 := f2.pay(t, "order-1")
	for range 2 {
		_, err = f2.engine.HandleProcessorEvent(f2.ctx, processor.Event{
			ID: "evt_dispute", Type: processor.EventDisputeOpened, ProcessorChargeID: c2.ProcessorChargeID,
		})
		require.NoError(t, err)
	}
	lost, err := f2.engine.HandleProcessorEvent(f2.ctx, processor.Event{
		ID: "evt_lost", Type: processor.EventDisputeLost, ProcessorChargeID: c2.ProcessorChargeID,
	})
	require.NoError(t, err)
	assert.Equal(t, charge.StateDisputeLost, lost.State)
	assert.EqualValues(t, 2900, lost.RefundedAmount)

	proc := f2.systemOrg(t, "processor")
	assert.EqualValues(t, 2900, f2.balance(t, f2.customer.ID, transaction.Refunded))
	assert.EqualValues(t, 2610-2900-1500, f2.balance(t, f2.provider.ID, transaction.Funds))
	assert.EqualValues(t, 1500, f2.balance(t, proc.ID, transaction.Chargeback))
	requireBalanced(t, f2)

	_, err = f2.engine.ResolveDispute(f2.ctx, c2.ID, true)
	assert.ErrorIs(t, err, billing.ErrInvalidChargeState)
}
