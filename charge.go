package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// Refund reasons. RefundChargeback also charges the provider the
// configured chargeback fee.
const (
	RefundRequested  = "requested_by_customer"
	RefundDuplicate  = "duplicate"
	RefundFraudulent = "fraudulent"
	RefundChargeback = "chargeback"
)

// Failure codes recorded on charges the engine fails itself.
const (
	FailureDeclined    = "card_declined"
	FailureTimeout     = "processor_timeout"
	FailureUnavailable = "processor_unavailable"
	FailureError       = "processor_error"
	FailureNotFound    = "payment_not_found"
)

// PaymentRequest asks the engine to collect outstanding payables.
type PaymentRequest struct {
	OrganizationID id.ID
	// Amount must equal the sum of the payables being collected.
	Amount types.Money
	// Token defaults to the organization's payment method.
	Token string
	// IdempotencyKey identifies this attempt. Replaying it never charges
	// twice.
	IdempotencyKey string
	// IntentKey is sent to the processor and defaults to IdempotencyKey.
	// Retries of the same intent share it.
	IntentKey string
	// TransactionIDs restricts the charge to these payable entries. Empty
	// means every outstanding entry of the organization.
	TransactionIDs []id.ID
	Description    string
}

// CreatePayment collects outstanding payables through the processor.
//
// The charge is recorded before the processor is called. On success the
// collected amount is posted to the ledger and distributed to providers
// and the broker. On a decline or processor failure the charge fails and
// nothing is posted; the returned error tells the causes apart. A pending
// answer leaves the charge PROCESSING until a processor event or the sweep
// resolves it.
//
// Replaying a key whose charge succeeded returns that charge together with
// ErrDuplicateCharge. Replaying any other key returns the recorded charge
// without calling the processor again.
func (e *Engine) CreatePayment(ctx context.Context, req PaymentRequest) (*charge.Charge, error) {
	if e.guard == nil {
		return nil, ErrNoProcessor
	}
	if req.IdempotencyKey == "" {
		return nil, ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if !req.Amount.IsPositive() {
		return nil, ValidationError{Field: "amount", Message: "must be positive"}
	}
	if req.IntentKey == "" {
		req.IntentKey = req.IdempotencyKey
	}

	if existing, err := e.store.GetChargeByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return replayCharge(existing)
	} else if !IsNotFound(err) {
		return nil, err
	}

	org, err := e.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	token := req.Token
	if token == "" {
		token = org.PaymentMethodToken
	}
	if token == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoPaymentMethod, org.Slug)
	}

	var c *charge.Charge
	err = e.withLock(ctx, chargeLockKey(org.ID), func() error {
		var err error
		c, err = e.recordCharge(ctx, req, types.NormalizeCurrency(req.Amount.Currency))
		return err
	})
	if err != nil {
		var dup *replayedCharge
		if errors.As(err, &dup) {
			return replayCharge(dup.charge)
		}
		return nil, err
	}

	res, callErr := e.guard.CreatePayment(ctx, processor.PaymentRequest{
		Amount:         c.Price(),
		Token:          token,
		IdempotencyKey: c.IntentKey,
		Description:    c.Description,
	})
	return e.resolvePayment(ctx, c, res, callErr)
}

type replayedCharge struct{ charge *charge.Charge }

func (r *replayedCharge) Error() string { return "charge already recorded for " + r.charge.IdempotencyKey }

func replayCharge(c *charge.Charge) (*charge.Charge, error) {
	if c.State.IsSettled() {
		return c, fmt.Errorf("%w: %s (charge %s)", ErrDuplicateCharge, c.IdempotencyKey, c.ID)
	}
	return c, nil
}

// recordCharge reserves the open payables for a new charge and moves it to
// PROCESSING. It runs under the organization's charge lock so two charges
// never reserve the same entry.
func (e *Engine) recordCharge(ctx context.Context, req PaymentRequest, currency string) (*charge.Charge, error) {
	if existing, err := e.store.GetChargeByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return nil, &replayedCharge{charge: existing}
	}

	open, err := e.openItems(ctx, req.OrganizationID, currency)
	if err != nil {
		return nil, err
	}
	items, err := selectItems(open.items, req.TransactionIDs)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, li := range items {
		total += li.Amount
	}
	if total != req.Amount.Amount {
		return nil, ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("%s does not match %s outstanding", req.Amount, types.New(total, currency)),
		}
	}

	now := e.now()
	c := &charge.Charge{
		Entity:         types.NewEntity(now),
		ID:             id.NewChargeID(),
		OrganizationID: req.OrganizationID,
		Amount:         total,
		Currency:       currency,
		State:          charge.StateCreated,
		IdempotencyKey: req.IdempotencyKey,
		IntentKey:      req.IntentKey,
		ProcessorName:  e.guard.Name(),
		Description:    req.Description,
		LineItems:      items,
	}
	if err := e.store.CreateCharge(ctx, c); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			if existing, gerr := e.store.GetChargeByIdempotencyKey(ctx, req.IdempotencyKey); gerr == nil {
				return nil, &replayedCharge{charge: existing}
			}
		}
		return nil, fmt.Errorf("record charge: %w", err)
	}

	if err := c.Transition(charge.StateProcessing, now); err != nil {
		return nil, err
	}
	if err := e.store.UpdateCharge(ctx, c); err != nil {
		return nil, fmt.Errorf("record charge %s: %w", c.ID, err)
	}
	return c, nil
}

func selectItems(open []charge.LineItem, only []id.ID) ([]charge.LineItem, error) {
	if len(only) == 0 {
		return open, nil
	}
	byID := make(map[id.ID]charge.LineItem, len(open))
	for _, li := range open {
		byID[li.TransactionID] = li
	}
	out := make([]charge.LineItem, 0, len(only))
	for _, txnID := range only {
		li, ok := byID[txnID]
		if !ok {
			return nil, ValidationError{Field: "transaction_ids", Message: txnID.String() + " is not outstanding"}
		}
		out = append(out, li)
	}
	return out, nil
}

// resolvePayment applies the processor's answer to a PROCESSING charge.
func (e *Engine) resolvePayment(ctx context.Context, c *charge.Charge, res processor.Result, callErr error) (*charge.Charge, error) {
	// The processor may have moved money; persist its answer even if the
	// caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case callErr == nil && res.Status == processor.StatusSucceeded:
		return c, e.settleCharge(persistCtx, c, res.ProcessorChargeID)

	case callErr == nil && res.Status == processor.StatusPending:
		c.ProcessorChargeID = res.ProcessorChargeID
		c.Touch(e.now())
		if err := e.store.UpdateCharge(persistCtx, c); err != nil {
			return c, fmt.Errorf("charge %s: %w", c.ID, err)
		}
		e.logger.Info("charge pending at processor", "charge_id", c.ID.String(), "processor_charge_id", c.ProcessorChargeID)
		return c, nil

	case callErr == nil:
		code := res.FailureCode
		if code == "" {
			code = FailureDeclined
		}
		if err := e.failCharge(persistCtx, c, code, res.FailureMessage); err != nil {
			return c, err
		}
		return c, fmt.Errorf("charge %s: %w: %s", c.ID, processor.ErrCardDeclined, res.FailureMessage)

	case ctx.Err() != nil && !processor.IsTransient(callErr):
		e.logger.Warn("charge left in processing after cancellation",
			"charge_id", c.ID.String(),
			"error", callErr,
		)
		return c, callErr

	default:
		code, msg := failureOf(callErr)
		if err := e.failCharge(persistCtx, c, code, msg); err != nil {
			return c, err
		}
		return c, fmt.Errorf("charge %s: %w", c.ID, callErr)
	}
}

// failureOf maps a processor error to the failure code recorded on the
// charge. Transient errors always map to the codes the scheduler retries,
// whatever code the processor reported.
func failureOf(err error) (code, message string) {
	message = err.Error()
	var perr *processor.Error
	if errors.As(err, &perr) && perr.Message != "" {
		message = perr.Message
	}
	switch {
	case errors.Is(err, processor.ErrProcessorTimeout):
		return FailureTimeout, message
	case errors.Is(err, processor.ErrProcessorUnavailable):
		return FailureUnavailable, message
	case perr != nil && perr.Code != "":
		return perr.Code, message
	case errors.Is(err, processor.ErrCardDeclined):
		return FailureDeclined, message
	}
	return FailureError, message
}

// settleCharge posts the collection and distribution entries and marks the
// charge SUCCEEDED in one unit. If that fails the charge stays PROCESSING
// and the sweep settles it from the processor's records.
func (e *Engine) settleCharge(ctx context.Context, c *charge.Charge, processorChargeID string) error {
	proc, err := e.processorOrganization(ctx)
	if err != nil {
		return err
	}
	broker, err := e.Broker(ctx)
	if err != nil {
		return err
	}

	settled := *c
	settled.LineItems = append([]charge.LineItem(nil), c.LineItems...)
	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		if _, err := e.Post(ctx, settlementDrafts(&settled, proc.ID, broker.ID)); err != nil {
			return err
		}
		settled.ProcessorChargeID = processorChargeID
		if err := settled.Transition(charge.StateSucceeded, e.now()); err != nil {
			return err
		}
		return e.store.UpdateCharge(ctx, &settled)
	})
	if err != nil {
		e.logger.Error("charge collected but not settled",
			"charge_id", c.ID.String(),
			"processor_charge_id", processorChargeID,
			"error", err,
		)
		return fmt.Errorf("settle charge %s: %w", c.ID, err)
	}
	*c = settled

	e.logger.Info("charge succeeded",
		"charge_id", c.ID.String(),
		"organization_id", c.OrganizationID.String(),
		"amount", c.Price().String(),
	)
	e.emit(ctx, c.OrganizationID, plugin.Signal{
		Name:   plugin.SignalChargeSucceeded,
		Charge: c,
		Amount: money(c.Price()),
	})
	return nil
}

// settlementDrafts moves the collected amount from the subscriber's payable
// into the processor's funds, then on to each provider net of the broker
// fee.
func settlementDrafts(c *charge.Charge, processorID, brokerID id.ID) []transaction.Draft {
	event := "charge:" + c.ID.String()
	drafts := []transaction.Draft{
		transaction.Transfer(
			c.OrganizationID, transaction.Payable,
			processorID, transaction.Funds,
			c.Amount, c.Currency, "Charge "+c.ID.String(),
		).WithEvent(event),
	}
	for _, li := range c.LineItems {
		if net := li.Amount - li.BrokerFee; net > 0 {
			drafts = append(drafts, transaction.Transfer(
				processorID, transaction.Funds,
				li.ProviderID, transaction.Funds,
				net, c.Currency, "Distribution of charge "+c.ID.String(),
			).WithEvent(event).For(li.SubscriptionID))
		}
		if li.BrokerFee > 0 {
			drafts = append(drafts, transaction.Transfer(
				processorID, transaction.Funds,
				brokerID, transaction.Income,
				li.BrokerFee, c.Currency, "Broker fee on charge "+c.ID.String(),
			).WithEvent(event).For(li.SubscriptionID))
		}
	}
	return drafts
}

func (e *Engine) failCharge(ctx context.Context, c *charge.Charge, code, message string) error {
	if err := c.Transition(charge.StateFailed, e.now()); err != nil {
		return err
	}
	c.FailureCode = code
	c.FailureMessage = message
	if err := e.store.UpdateCharge(ctx, c); err != nil {
		return fmt.Errorf("fail charge %s: %w", c.ID, err)
	}

	e.logger.Warn("charge failed",
		"charge_id", c.ID.String(),
		"organization_id", c.OrganizationID.String(),
		"failure_code", code,
	)
	e.emit(ctx, c.OrganizationID, plugin.Signal{
		Name:   plugin.SignalChargeFailed,
		Charge: c,
		Amount: money(c.Price()),
		Reason: code,
	})
	return nil
}

// GetCharge retrieves a charge by ID.
func (e *Engine) GetCharge(ctx context.Context, chargeID id.ID) (*charge.Charge, error) {
	return e.store.GetCharge(ctx, chargeID)
}

// ──────────────────────────────────────────────────
// Refunds and disputes
// ──────────────────────────────────────────────────

// Refund returns amount of a succeeded charge to the subscriber. The total
// refunded never exceeds the charge amount; a request that would exceed it
// is rejected before anything is posted.
func (e *Engine) Refund(ctx context.Context, chargeID id.ID, amount types.Money, reason string) (*charge.Charge, error) {
	if e.guard == nil {
		return nil, ErrNoProcessor
	}
	c, err := e.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if err := checkRefund(c, amount); err != nil {
		return c, err
	}

	res, err := e.guard.RefundPayment(ctx, c.ProcessorChargeID, amount)
	if err != nil {
		return c, fmt.Errorf("refund charge %s: %w", c.ID, err)
	}
	event := refundEventID(c, res.RefundID)
	if event == "" {
		event = fmt.Sprintf("charge:%s:refund:%d", c.ID, c.RefundedAmount+amount.Amount)
	}
	if err := e.recordRefund(context.WithoutCancel(ctx), c, amount.Amount, reason, event); err != nil {
		return c, err
	}
	return c, nil
}

func checkRefund(c *charge.Charge, amount types.Money) error {
	if c.State != charge.StateSucceeded && c.State != charge.StateRefunded {
		return fmt.Errorf("%w: cannot refund a %s charge", ErrInvalidChargeState, c.State)
	}
	if types.NormalizeCurrency(amount.Currency) != c.Currency {
		return fmt.Errorf("%w: refund in %s of a %s charge", ErrCurrencyMismatch, amount.Currency, c.Currency)
	}
	if !amount.IsPositive() {
		return ValidationError{Field: "amount", Message: "must be positive"}
	}
	if amount.Amount > c.Refundable() {
		return fmt.Errorf("%w: %s requested, %s refundable",
			ErrRefundExceedsCharge, amount, types.New(c.Refundable(), c.Currency))
	}
	return nil
}

// refundEventID keys the ledger entries of one processor refund, so the
// call that made the refund and the webhook reporting it post it once.
func refundEventID(c *charge.Charge, processorRefundID string) string {
	if processorRefundID == "" {
		return ""
	}
	return fmt.Sprintf("charge:%s:refund:%s", c.ID, processorRefundID)
}

// recordRefund posts a refund the processor has already made and moves the
// charge to REFUNDED. A refund whose eventID is already in the ledger is
// not posted again; c is reloaded instead.
func (e *Engine) recordRefund(ctx context.Context, c *charge.Charge, amount int64, reason, eventID string) error {
	proc, err := e.processorOrganization(ctx)
	if err != nil {
		return err
	}

	updated := *c
	updated.LineItems = append([]charge.LineItem(nil), c.LineItems...)
	drafts, err := e.refundDrafts(&updated, amount, reason, proc.ID)
	if err != nil {
		return err
	}
	for i := range drafts {
		drafts[i] = drafts[i].WithEvent(eventID)
	}

	var applied bool
	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		if applied, err = e.store.HasEventTransactions(ctx, eventID); err != nil || applied {
			return err
		}
		if _, err := e.Post(ctx, drafts); err != nil {
			return err
		}
		updated.RefundedAmount += amount
		if err := updated.Transition(charge.StateRefunded, e.now()); err != nil {
			return err
		}
		return e.store.UpdateCharge(ctx, &updated)
	})
	if err != nil {
		return fmt.Errorf("record refund of charge %s: %w", c.ID, err)
	}
	if applied {
		current, err := e.store.GetCharge(ctx, c.ID)
		if err != nil {
			return err
		}
		*c = *current
		return nil
	}
	*c = updated

	refunded := types.New(amount, c.Currency)
	e.logger.Info("refund issued",
		"charge_id", c.ID.String(),
		"amount", refunded.String(),
		"reason", reason,
	)
	e.emit(ctx, c.OrganizationID, plugin.Signal{
		Name:   plugin.SignalRefundIssued,
		Charge: c,
		Amount: money(refunded),
		Reason: reason,
	})
	return nil
}

// refundDrafts takes amount back from the providers of c, oldest line item
// first, and adds the chargeback fee for chargebacks. It updates the
// refunded amount of each line item it draws from.
func (e *Engine) refundDrafts(c *charge.Charge, amount int64, reason string, processorID id.ID) ([]transaction.Draft, error) {
	desc := "Refund of charge " + c.ID.String()
	if reason != "" {
		desc += " (" + reason + ")"
	}

	var drafts []transaction.Draft
	remaining := amount
	for i := range c.LineItems {
		li := &c.LineItems[i]
		take := min(li.Amount-li.RefundedAmount, remaining)
		if take <= 0 {
			continue
		}
		drafts = append(drafts, transaction.Transfer(
			li.ProviderID, transaction.Funds,
			c.OrganizationID, transaction.Refunded,
			take, c.Currency, desc,
		).For(li.SubscriptionID))
		li.RefundedAmount += take
		remaining -= take
		if remaining == 0 {
			break
		}
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: %d left unallocated on charge %s", ErrRefundExceedsCharge, remaining, c.ID)
	}

	if reason == RefundChargeback && e.config.ChargebackFee > 0 && len(c.LineItems) > 0 {
		drafts = append(drafts, transaction.Transfer(
			c.LineItems[0].ProviderID, transaction.Funds,
			processorID, transaction.Chargeback,
			e.config.ChargebackFee, c.Currency, "Chargeback fee on charge "+c.ID.String(),
		))
	}
	return drafts, nil
}

// OpenDispute records that the subscriber disputed a succeeded charge.
func (e *Engine) OpenDispute(ctx context.Context, chargeID id.ID) (*charge.Charge, error) {
	c, err := e.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if err := e.transitionCharge(ctx, c, charge.StateDisputed); err != nil {
		return c, err
	}
	e.emit(ctx, c.OrganizationID, plugin.Signal{
		Name:   plugin.SignalChargeDisputed,
		Charge: c,
		Amount: money(c.Price()),
		Reason: "opened",
	})
	return c, nil
}

// ResolveDispute closes a dispute. A lost dispute returns what is left of
// the charge to the subscriber and charges the chargeback fee.
func (e *Engine) ResolveDispute(ctx context.Context, chargeID id.ID, won bool) (*charge.Charge, error) {
	c, err := e.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if c.State != charge.StateDisputed {
		return c, fmt.Errorf("%w: no open dispute on %s charge", ErrInvalidChargeState, c.State)
	}

	if won {
		if err := e.transitionCharge(ctx, c, charge.StateDisputeWon); err != nil {
			return c, err
		}
	} else if err := e.loseDispute(ctx, c); err != nil {
		return c, err
	}

	outcome := "lost"
	if won {
		outcome = "won"
	}
	e.emit(ctx, c.OrganizationID, plugin.Signal{
		Name:   plugin.SignalChargeDisputed,
		Charge: c,
		Amount: money(c.Price()),
		Reason: outcome,
	})
	return c, nil
}

func (e *Engine) loseDispute(ctx context.Context, c *charge.Charge) error {
	proc, err := e.processorOrganization(ctx)
	if err != nil {
		return err
	}

	updated := *c
	updated.LineItems = append([]charge.LineItem(nil), c.LineItems...)
	amount := c.Amount - c.RefundedAmount
	var drafts []transaction.Draft
	if amount > 0 {
		if drafts, err = e.refundDrafts(&updated, amount, RefundChargeback, proc.ID); err != nil {
			return err
		}
	}

	err = e.store.Atomic(ctx, func(ctx context.Context) error {
		if len(drafts) > 0 {
			event := "charge:" + c.ID.String() + ":dispute"
			for i := range drafts {
				drafts[i] = drafts[i].WithEvent(event)
			}
			if _, err := e.Post(ctx, drafts); err != nil {
				return err
			}
		}
		updated.RefundedAmount = updated.Amount
		if err := updated.Transition(charge.StateDisputeLost, e.now()); err != nil {
			return err
		}
		return e.store.UpdateCharge(ctx, &updated)
	})
	if err != nil {
		return fmt.Errorf("lose dispute on charge %s: %w", c.ID, err)
	}
	*c = updated
	return nil
}

func (e *Engine) transitionCharge(ctx context.Context, c *charge.Charge, to charge.State) error {
	if err := c.Transition(to, e.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChargeState, err)
	}
	if err := e.store.UpdateCharge(ctx, c); err != nil {
		return fmt.Errorf("charge %s: %w", c.ID, err)
	}
	return nil
}

func chargeLockKey(orgID id.ID) string { return "charges:" + orgID.String() }
