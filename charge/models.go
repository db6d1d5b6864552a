// Package charge models attempts to collect money through a processor and
// the state machine they move through.
package charge

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

type State string

const (
	StateCreated     State = "created"
	StateProcessing  State = "processing"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateDisputed    State = "disputed"
	StateDisputeLost State = "dispute_lost"
	StateDisputeWon  State = "dispute_won"
	StateRefunded    State = "refunded"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("charge: invalid state transition")

var transitions = map[State][]State{
	StateCreated:    {StateProcessing, StateFailed},
	StateProcessing: {StateSucceeded, StateFailed},
	StateSucceeded:  {StateDisputed, StateRefunded},
	StateDisputed:   {StateDisputeLost, StateDisputeWon},
	// Partial refunds may repeat until the charge is fully refunded.
	StateRefunded: {StateRefunded},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsSettled reports whether money moved for a charge in state s.
func (s State) IsSettled() bool {
	switch s {
	case StateSucceeded, StateRefunded, StateDisputed, StateDisputeLost, StateDisputeWon:
		return true
	}
	return false
}

type Charge struct {
	types.Entity
	ID                id.ID      `json:"id"`
	OrganizationID    id.ID      `json:"organization_id"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	State             State      `json:"state"`
	IdempotencyKey    string     `json:"idempotency_key"`
	ProcessorName     string     `json:"processor_name"`
	IntentKey         string     `json:"intent_key"`
	ProcessorChargeID string     `json:"processor_charge_id,omitempty"`
	RefundedAmount    int64      `json:"refunded_amount"`
	FailureCode       string     `json:"failure_code,omitempty"`
	FailureMessage    string     `json:"failure_message,omitempty"`
	Description       string     `json:"description"`
	LineItems         []LineItem `json:"line_items,omitempty"`
	ProcessingAt      *time.Time `json:"processing_at,omitempty"`
	Version           int64      `json:"version"`
}

// LineItem ties part of a charge to the ledger entry it settles.
type LineItem struct {
	TransactionID  id.ID `json:"transaction_id"`
	SubscriptionID id.ID `json:"subscription_id,omitempty"`
	ProviderID     id.ID `json:"provider_id"`
	Amount         int64 `json:"amount"`
	BrokerFee      int64 `json:"broker_fee"`
	RefundedAmount int64 `json:"refunded_amount"`
}

// SubscriptionIDs returns the distinct subscriptions the charge pays for.
func (c *Charge) SubscriptionIDs() []id.ID {
	seen := map[id.ID]bool{}
	var out []id.ID
	for _, li := range c.LineItems {
		if li.SubscriptionID.IsNil() || seen[li.SubscriptionID] {
			continue
		}
		seen[li.SubscriptionID] = true
		out = append(out, li.SubscriptionID)
	}
	return out
}

// Price returns the charged amount as Money.
func (c *Charge) Price() types.Money {
	return types.New(c.Amount, c.Currency)
}

// Refundable returns the amount that can still be refunded.
func (c *Charge) Refundable() int64 {
	if c.State != StateSucceeded && c.State != StateRefunded {
		return 0
	}
	return c.Amount - c.RefundedAmount
}

// IsFinal reports whether the charge accepts no further transitions. A
// fully refunded charge is final even though partial refunds repeat.
func (c *Charge) IsFinal() bool {
	if c.State == StateRefunded {
		return c.RefundedAmount >= c.Amount
	}
	return c.State.IsTerminal()
}

// Transition moves the charge to state to, stamping now.
func (c *Charge) Transition(to State, now time.Time) error {
	if c.IsFinal() || !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	if to == StateProcessing {
		at := now.UTC()
		c.ProcessingAt = &at
	}
	c.Touch(now)
	return nil
}
