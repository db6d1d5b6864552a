package billing_test

import (
	"context"
	"testing"
	"time"

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

// pay places a one-period order and collects it.
func (f *fixture) pay(t *testing.T, key string) *charge.Charge {
	t.Helper()
	o := f.order(t, f.plan, 1)
	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest(key))
	require.NoError(t, err)
	require.Equal(t, charge.StateSucceeded, c.State)
	return c
}

func (f *fixture) useCard(t *testing.T, token string) {
	t.Helper()
	require.NoError(t, f.engine.UpdatePaymentMethod(f.ctx, f.customer.ID, token, nil))
}

func TestCreatePaymentSettlesAndDistributes(t *testing.T) {
	f := newFixture(t)

	c := f.pay(t, "order-1")

	assert.EqualValues(t, 2900, c.Amount)
	assert.NotEmpty(t, c.ProcessorChargeID)
	assert.Equal(t, "sandbox", c.ProcessorName)
	require.Len(t, c.LineItems, 1)
	assert.EqualValues(t, 290, c.LineItems[0].BrokerFee)

	broker := f.systemOrg(t, "broker")
	proc := f.systemOrg(t, "processor")
	assert.Zero(t, f.balance(t, f.customer.ID, transaction.Payable))
	assert.Zero(t, f.balance(t, proc.ID, transaction.Funds))
	assert.EqualValues(t, 2610, f.balance(t, f.provider.ID, transaction.Funds))
	assert.EqualValues(t, 290, f.balance(t, broker.ID, transaction.Income))
	requireBalanced(t, f)

	succeeded := f.signals.named(plugin.SignalChargeSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, c.ID, succeeded[0].Charge.ID)

	stored, err := f.engine.GetCharge(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateSucceeded, stored.State)
}

func TestCreatePaymentReplay(t *testing.T) {
	f := newFixture(t)
	c := f.pay(t, "order-1")

	again, err := f.engine.CreatePayment(f.ctx, billing.PaymentRequest{
		OrganizationID: f.customer.ID,
		Amount:         types.USD(2900),
		IdempotencyKey: "order-1",
	})
	require.ErrorIs(t, err, billing.ErrDuplicateCharge)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, 1, f.proc.Calls())
	assert.Zero(t, f.balance(t, f.customer.ID, transaction.Payable))
	requireBalanced(t, f)
}

func TestCreatePaymentDeclined(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenDecline)
	o := f.order(t, f.plan, 1)

	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.Error(t, err)
	assert.True(t, billing.IsDeclined(err))
	assert.False(t, billing.IsRetryable(err))
	assert.Equal(t, charge.StateFailed, c.State)
	assert.Equal(t, billing.FailureDeclined, c.FailureCode)

	// Nothing moved.
	assert.EqualValues(t, 2900, f.balance(t, f.customer.ID, transaction.Payable))
	assert.Zero(t, f.balance(t, f.provider.ID, transaction.Funds))
	require.Len(t, f.signals.named(plugin.SignalChargeFailed), 1)

	// Replaying the failed key returns the recorded charge without a new call.
	replay, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.NoError(t, err)
	assert.Equal(t, c.ID, replay.ID)
	assert.Equal(t, 1, f.proc.Calls())

	// A failed charge does not hold on to the payables.
	f.useCard(t, sandbox.TokenVisa)
	retry, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1-retry"))
	require.NoError(t, err)
	assert.Equal(t, charge.StateSucceeded, retry.State)
	requireBalanced(t, f)
}

func TestCreatePaymentProcessorUnavailable(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenUnavailable)
	o := f.order(t, f.plan, 1)

	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.ErrorIs(t, err, billing.ErrProcessorUnavailable)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, charge.StateFailed, c.State)
	assert.Equal(t, billing.FailureUnavailable, c.FailureCode)
	assert.EqualValues(t, 2900, f.balance(t, f.customer.ID, transaction.Payable))
}

func TestCreatePaymentTimeout(t *testing.T) {
	f := newFixture(t, billing.Config{ProcessorTimeout: 20 * time.Millisecond})
	f.useCard(t, sandbox.TokenHang)
	o := f.order(t, f.plan, 1)

	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.ErrorIs(t, err, billing.ErrProcessorTimeout)
	assert.Equal(t, charge.StateFailed, c.State)
	assert.Equal(t, billing.FailureTimeout, c.FailureCode)
	requireBalanced(t, f)
}

func TestLateSuccessAfterTimeoutIsReported(t *testing.T) {
	f := newFixture(t, billing.Config{ProcessorTimeout: 20 * time.Millisecond})
	f.useCard(t, sandbox.TokenHang)
	o := f.order(t, f.plan, 1)

	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.ErrorIs(t, err, billing.ErrProcessorTimeout)
	require.Empty(t, c.ProcessorChargeID)

	// The processor collected anyway and reports it against the intent.
	ev := processor.Event{
		ID:                "evt_late",
		Type:              processor.EventChargeSucceeded,
		ProcessorChargeID: "py_late",
		IntentKey:         c.IntentKey,
	}
	_, err = f.engine.HandleProcessorEvent(f.ctx, ev)
	require.ErrorIs(t, err, billing.ErrInvalidChargeState)

	late := f.signals.named(plugin.SignalChargeUnreconciled)
	require.Len(t, late, 1)
	assert.Equal(t, c.ID, late[0].Charge.ID)
	assert.Equal(t, "py_late", late[0].Charge.ProcessorChargeID)
	assert.Equal(t, billing.FailureTimeout, late[0].Reason)
	assert.EqualValues(t, 2900, late[0].Amount.Amount)

	stored, err := f.engine.GetCharge(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateFailed, stored.State)
	assert.Equal(t, "py_late", stored.ProcessorChargeID)

	// Nothing is posted; the payables stay open for an operator to resolve.
	assert.EqualValues(t, 2900, f.balance(t, f.customer.ID, transaction.Payable))
	assert.Empty(t, f.signals.named(plugin.SignalChargeSucceeded))

	// Redelivery now matches on the processor id and is reported again.
	ev.IntentKey = ""
	_, err = f.engine.HandleProcessorEvent(f.ctx, ev)
	require.ErrorIs(t, err, billing.ErrInvalidChargeState)
	assert.Len(t, f.signals.named(plugin.SignalChargeUnreconciled), 2)
	requireBalanced(t, f)
}

func TestCreatePaymentLostResponseRetriesSameIntent(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.plan, 1)
	f.proc.Lost = true

	first, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.Error(t, err)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, charge.StateFailed, first.State)

	req := o.PaymentRequest("order-1:2")
	req.IntentKey = "order-1"
	second, err := f.engine.CreatePayment(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, charge.StateSucceeded, second.State)
	assert.Equal(t, 1, f.proc.Payments(), "the processor collected once")
	requireBalanced(t, f)
}

func TestCreatePaymentPendingSettledByEvent(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenPending)
	o := f.order(t, f.plan, 1)

	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.NoError(t, err)
	assert.Equal(t, charge.StateProcessing, c.State)
	require.NotEmpty(t, c.ProcessorChargeID)
	assert.EqualValues(t, 2900, f.balance(t, f.customer.ID, transaction.Payable))

	// The reserved payables cannot be charged twice meanwhile.
	_, err = f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1-again"))
	assert.True(t, billing.IsValidation(err))

	ev := processor.Event{ID: "evt_1", Type: processor.EventChargeSucceeded, ProcessorChargeID: c.ProcessorChargeID}
	settled, err := f.engine.HandleProcessorEvent(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, charge.StateSucceeded, settled.State)
	assert.Zero(t, f.balance(t, f.customer.ID, transaction.Payable))

	// Redelivery is a no-op.
	_, err = f.engine.HandleProcessorEvent(f.ctx, ev)
	require.NoError(t, err)
	assert.Len(t, f.signals.named(plugin.SignalChargeSucceeded), 1)
	requireBalanced(t, f)
}

func TestProcessorEventFailsPendingCharge(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenPending)
	o := f.order(t, f.plan, 1)
	c, err := f.engine.CreatePayment(f.ctx, o.PaymentRequest("order-1"))
	require.NoError(t, err)

	failed, err := f.engine.HandleProcessorEvent(f.ctx, processor.Event{
		ID:                "evt_1",
		Type:              processor.EventChargeFailed,
		ProcessorChargeID: c.ProcessorChargeID,
		FailureCode:       "insufficient_funds",
	})
	require.NoError(t, err)
	assert.Equal(t, charge.StateFailed, failed.State)
	assert.Equal(t, "insufficient_funds", failed.FailureCode)

	// A success arriving after the failure conflicts with the recorded state.
	_, err = f.engine.HandleProcessorEvent(f.ctx, processor.Event{
		ID: "evt_2", Type: processor.EventChargeSucceeded, ProcessorChargeID: c.ProcessorChargeID,
	})
	assert.ErrorIs(t, err, billing.ErrInvalidChargeState)
	assert.True(t, billing.IsConsistency(err))

	_, err = f.engine.HandleProcessorEvent(f.ctx, processor.Event{ID: "evt_3", Type: "charge.mystery", ProcessorChargeID: c.ProcessorChargeID})
	assert.True(t, billing.IsValidation(err))
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, f.plan, 1)

	req := o.PaymentRequest("")
	_, err := f.engine.CreatePayment(f.ctx, req)
	assert.True(t, billing.IsValidation(err), "idempotency key is required")

	req = o.PaymentRequest("order-1")
	req.Amount = types.USD(1000)
	_, err = f.engine.CreatePayment(f.ctx, req)
	assert.True(t, billing.IsValidation(err), "amount must match the payables")

	broke := f.org(t, "broke", false)
	_, err = f.engine.CreatePayment(f.ctx, billing.PaymentRequest{
		OrganizationID: broke.ID,
		Amount:         types.USD(100),
		IdempotencyKey: "broke-1",
	})
	assert.ErrorIs(t, err, billing.ErrNoPaymentMethod)

	_, err = billing.New(f.store).CreatePayment(f.ctx, req)
	assert.ErrorIs(t, err, billing.ErrNoProcessor)
	assert.Zero(t, f.proc.Calls())
}

func TestCreatePaymentLeavesChargeProcessingWhenCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.useCard(t, sandbox.TokenHang)
	o := f.order(t, f.plan, 1)

	ctx, cancel := context.WithCancel(f.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	c, err := f.engine.CreatePayment(ctx, o.PaymentRequest("order-1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, charge.StateProcessing, c.State)

	stored, err := f.engine.GetCharge(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, charge.StateProcessing, stored.State)
}
