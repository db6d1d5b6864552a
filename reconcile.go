package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/pricing"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// openPayables is what an organization owes and what is already being
// collected.
type openPayables struct {
	items    []charge.LineItem
	reserved int64
}

func (o openPayables) total() int64 {
	var total int64
	for _, li := range o.items {
		total += li.Amount
	}
	return total
}

// openItems returns the payable entries of orgID in currency that no live
// charge covers. Entries covered by a charge that is still in flight count
// as reserved. Entries posted before the last write-off are closed.
func (e *Engine) openItems(ctx context.Context, orgID id.ID, currency string) (openPayables, error) {
	var out openPayables

	txns, err := e.store.ListTransactions(ctx, transaction.ListOpts{OrganizationID: orgID})
	if err != nil {
		return out, fmt.Errorf("open payables of %s: %w", orgID, err)
	}
	charges, err := e.store.ListCharges(ctx, charge.ListOpts{OrganizationID: orgID})
	if err != nil {
		return out, fmt.Errorf("open payables of %s: %w", orgID, err)
	}

	covered := map[id.ID]bool{}
	inFlight := map[id.ID]bool{}
	for _, c := range charges {
		if c.State == charge.StateFailed {
			continue
		}
		for _, li := range c.LineItems {
			covered[li.TransactionID] = true
			if !c.State.IsSettled() {
				inFlight[li.TransactionID] = true
			}
		}
	}

	var writtenOff transaction.Cursor
	for _, t := range txns {
		if t.OrigOrganizationID == orgID && t.OrigAccount == transaction.Payable &&
			t.DestAccount == transaction.Writeoff && t.OrigUnit == currency {
			writtenOff = transaction.Of(t)
		}
	}

	broker, err := e.Broker(ctx)
	if err != nil {
		return out, err
	}
	fees := feeSchedule{engine: e, brokerID: broker.ID, plans: map[id.ID]*plan.Plan{}}

	for _, t := range txns {
		if t.DestOrganizationID != orgID || t.DestAccount != transaction.Payable ||
			t.OrigAccount != transaction.Backlog || t.DestUnit != currency || t.DestAmount <= 0 {
			continue
		}
		if !writtenOff.IsZero() && !writtenOff.Before(t) {
			continue
		}
		if covered[t.ID] {
			if inFlight[t.ID] {
				out.reserved += t.DestAmount
			}
			continue
		}
		fee, err := fees.brokerFee(ctx, t)
		if err != nil {
			return out, err
		}
		out.items = append(out.items, charge.LineItem{
			TransactionID:  t.ID,
			SubscriptionID: t.SubscriptionID,
			ProviderID:     t.OrigOrganizationID,
			Amount:         t.DestAmount,
			BrokerFee:      fee,
		})
	}
	return out, nil
}

type feeSchedule struct {
	engine   *Engine
	brokerID id.ID
	plans    map[id.ID]*plan.Plan
}

// brokerFee is the broker's cut of a payable entry, from the fee
// percentage of the plan the entry was posted for.
func (f feeSchedule) brokerFee(ctx context.Context, t *transaction.Transaction) (int64, error) {
	if t.SubscriptionID.IsNil() || t.OrigOrganizationID == f.brokerID {
		return 0, nil
	}
	p, ok := f.plans[t.SubscriptionID]
	if !ok {
		sub, err := f.engine.store.GetSubscription(ctx, t.SubscriptionID)
		if err != nil {
			return 0, fmt.Errorf("broker fee for %s: %w", t.ID, err)
		}
		if p, err = f.engine.store.GetPlan(ctx, sub.PlanID); err != nil {
			return 0, fmt.Errorf("broker fee for %s: %w", t.ID, err)
		}
		f.plans[t.SubscriptionID] = p
	}
	return pricing.BrokerFee(t.DestAmount, p.BrokerFeePercentage), nil
}

// ──────────────────────────────────────────────────
// Processor events
// ──────────────────────────────────────────────────

// HandleProcessorEvent applies a webhook or confirmation from the
// processor. Events that were already applied are ignored, so the
// processor may deliver them more than once.
func (e *Engine) HandleProcessorEvent(ctx context.Context, ev processor.Event) (*charge.Charge, error) {
	if ev.ProcessorChargeID == "" {
		return nil, ValidationError{Field: "processor_charge_id", Message: "is required"}
	}
	c, err := e.chargeForEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("processor event %s: %w", ev.ID, err)
	}

	switch ev.Type {
	case processor.EventChargeSucceeded:
		switch {
		case c.State == charge.StateProcessing:
			return c, e.settleCharge(ctx, c, ev.ProcessorChargeID)
		case c.State.IsSettled():
			return c, nil
		case c.State == charge.StateFailed:
			return c, e.unreconciledCharge(ctx, c, ev)
		}

	case processor.EventChargeFailed:
		switch c.State {
		case charge.StateProcessing:
			code := ev.FailureCode
			if code == "" {
				code = FailureDeclined
			}
			return c, e.failCharge(ctx, c, code, ev.FailureMessage)
		case charge.StateFailed:
			return c, nil
		}

	case processor.EventChargeRefunded:
		eventID := refundEventID(c, ev.RefundID)
		if eventID == "" {
			eventID = "processor:" + ev.ID
		}
		applied, err := e.store.HasEventTransactions(ctx, eventID)
		if err != nil {
			return c, err
		}
		if applied {
			return c, nil
		}
		amount := types.New(ev.Amount, c.Currency)
		if err := checkRefund(c, amount); err != nil {
			return c, err
		}
		return c, e.recordRefund(ctx, c, amount.Amount, RefundRequested, eventID)

	case processor.EventDisputeOpened:
		if c.State == charge.StateDisputed {
			return c, nil
		}
		_, err := e.OpenDispute(ctx, c.ID)
		return e.reload(ctx, c, err)

	case processor.EventDisputeWon, processor.EventDisputeLost:
		won := ev.Type == processor.EventDisputeWon
		if (won && c.State == charge.StateDisputeWon) || (!won && c.State == charge.StateDisputeLost) {
			return c, nil
		}
		_, err := e.ResolveDispute(ctx, c.ID, won)
		return e.reload(ctx, c, err)

	default:
		return c, ValidationError{Field: "type", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
	}

	e.logger.Error("processor event conflicts with charge state",
		"event_id", ev.ID,
		"event_type", string(ev.Type),
		"charge_id", c.ID.String(),
		"state", string(c.State),
	)
	return c, fmt.Errorf("%w: %s event for %s charge %s", ErrInvalidChargeState, ev.Type, c.State, c.ID)
}

// chargeForEvent finds the charge an event is about. Charges that failed
// before the processor answered have no processor id and are found by the
// intent key instead.
func (e *Engine) chargeForEvent(ctx context.Context, ev processor.Event) (*charge.Charge, error) {
	c, err := e.store.GetChargeByProcessorID(ctx, ev.ProcessorChargeID)
	if err == nil || ev.IntentKey == "" || !IsNotFound(err) {
		return c, err
	}
	return e.store.GetChargeByIdempotencyKey(ctx, ev.IntentKey)
}

// unreconciledCharge reports money the processor collected on a charge the
// engine already failed, typically after a timeout. Nothing is posted: the
// payables stay open and an operator refunds or settles by hand.
func (e *Engine) unreconciledCharge(ctx context.Context, c *charge.Charge, ev processor.Event) error {
	if c.ProcessorChargeID == "" {
		c.ProcessorChargeID = ev.ProcessorChargeID
		c.Touch(e.now())
		if err := e.store.UpdateCharge(ctx, c); err != nil {
			return fmt.Errorf("charge %s: %w", c.ID, err)
		}
	}
	e.logger.Error("processor collected a charge recorded as failed",
		"event_id", ev.ID,
		"charge_id", c.ID.String(),
		"processor_charge_id", ev.ProcessorChargeID,
		"failure_code", c.FailureCode,
		"amount", c.Amount,
		"currency", c.Currency,
	)
	e.emit(ctx, c.OrganizationID, plugin.Signal{
		Name:   plugin.SignalChargeUnreconciled,
		Charge: c,
		Amount: money(c.Price()),
		Reason: c.FailureCode,
	})
	return fmt.Errorf("%w: processor collected failed charge %s (%s)", ErrInvalidChargeState, c.ID, ev.ProcessorChargeID)
}

func (e *Engine) reload(ctx context.Context, c *charge.Charge, err error) (*charge.Charge, error) {
	if err != nil {
		return c, err
	}
	return e.store.GetCharge(ctx, c.ID)
}

// ──────────────────────────────────────────────────
// Stuck charges
// ──────────────────────────────────────────────────

// SweepReport summarizes a SweepStuckCharges run.
type SweepReport struct {
	Checked int
	Settled int
	Failed  int
	Pending int
}

// SweepStuckCharges resolves charges that have been PROCESSING for longer
// than the grace period by asking the processor what happened to them.
// A charge the processor cannot answer for stays PROCESSING.
func (e *Engine) SweepStuckCharges(ctx context.Context, at time.Time) (*SweepReport, error) {
	if e.guard == nil {
		return nil, ErrNoProcessor
	}
	report := &SweepReport{}
	stuck, err := e.store.ListCharges(ctx, charge.ListOpts{
		State:            charge.StateProcessing,
		ProcessingBefore: at.Add(-e.config.ProcessingGracePeriod),
	})
	if err != nil {
		return report, fmt.Errorf("list stuck charges: %w", err)
	}

	var errs MultiError
	for _, c := range stuck {
		report.Checked++
		res, err := e.guard.PaymentStatus(ctx, processor.Lookup{
			ProcessorChargeID: c.ProcessorChargeID,
			IdempotencyKey:    c.IntentKey,
		})
		switch {
		case errors.Is(err, processor.ErrUnknownPayment):
			err = e.failCharge(ctx, c, FailureNotFound, "processor has no record of the payment")
			if err == nil {
				report.Failed++
			}
		case err != nil:
			report.Pending++
		case res.Status == processor.StatusSucceeded:
			err = e.settleCharge(ctx, c, res.ProcessorChargeID)
			if err == nil {
				report.Settled++
			}
		case res.Status == processor.StatusFailed:
			err = e.failCharge(ctx, c, orDefault(res.FailureCode, FailureDeclined), res.FailureMessage)
			if err == nil {
				report.Failed++
			}
		default:
			report.Pending++
			if res.ProcessorChargeID != "" && c.ProcessorChargeID == "" {
				c.ProcessorChargeID = res.ProcessorChargeID
				err = e.store.UpdateCharge(ctx, c)
			}
		}
		if err != nil {
			errs.Add(fmt.Errorf("sweep charge %s: %w", c.ID, err))
		}
	}

	if report.Checked > 0 {
		e.logger.Info("swept stuck charges",
			"checked", report.Checked,
			"settled", report.Settled,
			"failed", report.Failed,
			"pending", report.Pending,
		)
	}
	return report, errs.ErrOrNil()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ──────────────────────────────────────────────────
// Write-offs
// ──────────────────────────────────────────────────

// WriteOff closes the outstanding payable balance of orgID in its default
// currency as uncollectable. Entries written off are never charged again.
// It returns nil when nothing is outstanding.
func (e *Engine) WriteOff(ctx context.Context, orgID id.ID, reason string) (*transaction.Transaction, error) {
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var posted *transaction.Transaction
	err = e.withLock(ctx, chargeLockKey(orgID), func() error {
		open, err := e.openItems(ctx, orgID, org.DefaultCurrency)
		if err != nil {
			return err
		}
		if open.reserved > 0 {
			return fmt.Errorf("%w: a charge is still collecting from %s", ErrInvalidChargeState, org.Slug)
		}
		balance, err := e.store.SumBalance(ctx, orgID, transaction.Payable, org.DefaultCurrency, e.now())
		if err != nil {
			return err
		}
		if balance <= 0 {
			return nil
		}
		desc := "Write-off of uncollectable balance"
		if reason != "" {
			desc += ": " + reason
		}
		txns, err := e.Post(ctx, []transaction.Draft{
			transaction.Transfer(orgID, transaction.Payable, orgID, transaction.Writeoff, balance, org.DefaultCurrency, desc),
		})
		if err != nil {
			return err
		}
		posted = txns[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write off %s: %w", org.Slug, err)
	}
	if posted != nil {
		e.logger.Warn("payable balance written off",
			"organization_id", orgID.String(),
			"amount", types.New(posted.DestAmount, posted.DestUnit).String(),
			"reason", reason,
		)
	}
	return posted, nil
}

// lockOut revokes access to the active subscriptions a failed charge was
// collecting for.
func (e *Engine) lockOut(ctx context.Context, c *charge.Charge) (int, error) {
	var errs MultiError
	n := 0
	now := e.now()
	for _, subID := range c.SubscriptionIDs() {
		sub, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			errs.Add(err)
			continue
		}
		if sub.State(now) != subscription.StateActive {
			continue
		}
		if _, err := e.FailSubscriptionForNonpayment(ctx, subID); err != nil {
			errs.Add(err)
			continue
		}
		n++
	}
	return n, errs.ErrOrNil()
}
