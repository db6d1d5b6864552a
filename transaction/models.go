// Package transaction defines immutable double-entry ledger entries.
//
// Every Transaction moves OrigAmount out of (OrigOrganizationID, OrigAccount)
// and DestAmount into (DestOrganizationID, DestAccount). The balance of an
// account is the sum of its inflows minus the sum of its outflows.
package transaction

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/billing/id"
)

type Account string

const (
	Funds      Account = "Funds"
	Income     Account = "Income"
	Expenses   Account = "Expenses"
	Payable    Account = "Payable"
	Refund     Account = "Refund"
	Refunded   Account = "Refunded"
	Withdraw   Account = "Withdraw"
	Writeoff   Account = "Writeoff"
	Backlog    Account = "Backlog"
	Chargeback Account = "Chargeback"
	Liability  Account = "Liability"
)

var accounts = map[Account]bool{
	Funds: true, Income: true, Expenses: true, Payable: true, Refund: true,
	Refunded: true, Withdraw: true, Writeoff: true, Backlog: true,
	Chargeback: true, Liability: true,
}

// Valid reports whether a is a known account.
func (a Account) Valid() bool { return accounts[a] }

type Transaction struct {
	ID                 id.ID     `json:"id"`
	Seq                int64     `json:"seq"`
	CreatedAt          time.Time `json:"created_at"`
	OrigAccount        Account   `json:"orig_account"`
	OrigOrganizationID id.ID     `json:"orig_organization_id"`
	OrigAmount         int64     `json:"orig_amount"`
	OrigUnit           string    `json:"orig_unit"`
	DestAccount        Account   `json:"dest_account"`
	DestOrganizationID id.ID     `json:"dest_organization_id"`
	DestAmount         int64     `json:"dest_amount"`
	DestUnit           string    `json:"dest_unit"`
	Description        string    `json:"description"`
	EventID            string    `json:"event_id,omitempty"`
	SubscriptionID     id.ID     `json:"subscription_id,omitempty"`
}

// Draft is a Transaction that has not been posted yet.
type Draft struct {
	OrigAccount        Account
	OrigOrganizationID id.ID
	OrigAmount         int64
	OrigUnit           string
	DestAccount        Account
	DestOrganizationID id.ID
	DestAmount         int64
	DestUnit           string
	Description        string
	EventID            string
	SubscriptionID     id.ID
}

// Transfer builds a same-unit draft moving amount from one account to another.
func Transfer(fromOrg id.ID, from Account, toOrg id.ID, to Account, amount int64, unit, description string) Draft {
	return Draft{
		OrigAccount:        from,
		OrigOrganizationID: fromOrg,
		OrigAmount:         amount,
		OrigUnit:           unit,
		DestAccount:        to,
		DestOrganizationID: toOrg,
		DestAmount:         amount,
		DestUnit:           unit,
		Description:        description,
	}
}

// WithEvent returns a copy of the draft linked to eventID.
func (d Draft) WithEvent(eventID string) Draft {
	d.EventID = eventID
	return d
}

// For returns a copy of the draft linked to a subscription.
func (d Draft) For(subID id.ID) Draft {
	d.SubscriptionID = subID
	return d
}

// Validate checks a single draft for structural problems.
func (d Draft) Validate() error {
	switch {
	case !d.OrigAccount.Valid():
		return fmt.Errorf("unknown orig account %q", d.OrigAccount)
	case !d.DestAccount.Valid():
		return fmt.Errorf("unknown dest account %q", d.DestAccount)
	case d.OrigOrganizationID.IsNil() || d.DestOrganizationID.IsNil():
		return errors.New("orig and dest organizations are required")
	case d.OrigAmount < 0 || d.DestAmount < 0:
		return errors.New("amounts must not be negative")
	case d.OrigUnit == "" || d.DestUnit == "":
		return errors.New("units are required")
	}
	return nil
}

// Post turns a validated draft into a Transaction stamped at now.
func (d Draft) Post(now time.Time) *Transaction {
	return &Transaction{
		ID:                 id.NewTransactionID(),
		CreatedAt:          now.UTC(),
		OrigAccount:        d.OrigAccount,
		OrigOrganizationID: d.OrigOrganizationID,
		OrigAmount:         d.OrigAmount,
		OrigUnit:           d.OrigUnit,
		DestAccount:        d.DestAccount,
		DestOrganizationID: d.DestOrganizationID,
		DestAmount:         d.DestAmount,
		DestUnit:           d.DestUnit,
		Description:        d.Description,
		EventID:            d.EventID,
		SubscriptionID:     d.SubscriptionID,
	}
}

// Imbalance reports a unit whose outflows and inflows differ within a group.
type Imbalance struct {
	Unit string
	Orig int64
	Dest int64
}

func (i Imbalance) String() string {
	return fmt.Sprintf("%s: orig %d != dest %d", i.Unit, i.Orig, i.Dest)
}

// CheckBalance sums orig and dest amounts per unit and returns every unit
// that does not balance, sorted by unit.
func CheckBalance(drafts []Draft) []Imbalance {
	orig := map[string]int64{}
	dest := map[string]int64{}
	for _, d := range drafts {
		orig[d.OrigUnit] += d.OrigAmount
		dest[d.DestUnit] += d.DestAmount
	}

	var out []Imbalance
	seen := map[string]bool{}
	for _, m := range []map[string]int64{orig, dest} {
		for unit := range m {
			if seen[unit] {
				continue
			}
			seen[unit] = true
			if orig[unit] != dest[unit] {
				out = append(out, Imbalance{Unit: unit, Orig: orig[unit], Dest: dest[unit]})
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Unit < out[b].Unit })
	return out
}

// Delta returns the signed effect of t on (orgID, account) in unit.
func (t *Transaction) Delta(orgID id.ID, account Account, unit string) int64 {
	var delta int64
	if t.DestOrganizationID == orgID && t.DestAccount == account && t.DestUnit == unit {
		delta += t.DestAmount
	}
	if t.OrigOrganizationID == orgID && t.OrigAccount == account && t.OrigUnit == unit {
		delta -= t.OrigAmount
	}
	return delta
}
