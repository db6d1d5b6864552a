package transaction

import (
	"context"
	"time"

	"github.com/xraph/billing/id"
)

// Store is append-only: entries are never updated or deleted.
type Store interface {
	// AppendTransactions stores entries in order, assigning each a Seq.
	AppendTransactions(ctx context.Context, txns []*Transaction) error
	GetTransaction(ctx context.Context, txnID id.ID) (*Transaction, error)
	HasEventTransactions(ctx context.Context, eventID string) (bool, error)
	ListTransactions(ctx context.Context, opts ListOpts) ([]*Transaction, error)
	SumBalance(ctx context.Context, orgID id.ID, account Account, unit string, asOf time.Time) (int64, error)
	ListBalances(ctx context.Context, account Account, asOf time.Time) ([]Balance, error)
}

// Cursor marks a position in the (CreatedAt, Seq) ordering.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

// IsZero reports whether the cursor points before the first entry.
func (c Cursor) IsZero() bool { return c.Seq == 0 && c.CreatedAt.IsZero() }

// Before reports whether t sorts after the cursor position.
func (c Cursor) Before(t *Transaction) bool {
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.Seq > c.Seq
	}
	return t.CreatedAt.After(c.CreatedAt)
}

// Of returns the cursor positioned at t.
func Of(t *Transaction) Cursor { return Cursor{CreatedAt: t.CreatedAt, Seq: t.Seq} }

type ListOpts struct {
	// OrganizationID matches either side of the entry.
	OrganizationID id.ID
	EventID        string
	// AsOf includes entries created at or before AsOf.
	AsOf  time.Time
	After Cursor
	Limit int
}

// Balance is the running balance of one account of one organization.
type Balance struct {
	OrganizationID id.ID
	Account        Account
	Unit           string
	Amount         int64
}
