package billing

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/xraph/billing/export"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

type postOptions struct {
	skipBalanceCheck bool
}

// PostOption configures Post.
type PostOption func(*postOptions)

// WithoutBalanceCheck posts entries whose orig and dest sums differ per
// unit. Only conversions between units need it.
func WithoutBalanceCheck() PostOption {
	return func(o *postOptions) { o.skipBalanceCheck = true }
}

// Post validates drafts and appends them to the ledger as one unit. Either
// every draft is recorded or none is.
func (e *Engine) Post(ctx context.Context, drafts []transaction.Draft, opts ...PostOption) ([]*transaction.Transaction, error) {
	var o postOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(drafts) == 0 {
		return nil, ValidationError{Field: "drafts", Message: "at least one entry is required"}
	}
	for i, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, ValidationError{Field: fmt.Sprintf("drafts[%d]", i), Message: err.Error()}
		}
	}
	if !o.skipBalanceCheck {
		if imbalances := transaction.CheckBalance(drafts); len(imbalances) > 0 {
			e.logger.Error("refusing to post unbalanced entries",
				"entries", len(drafts),
				"imbalance", fmt.Sprint(imbalances),
			)
			return nil, fmt.Errorf("%w: %v", ErrLedgerImbalance, imbalances)
		}
	}

	now := e.now()
	txns := make([]*transaction.Transaction, len(drafts))
	for i, d := range drafts {
		txns[i] = d.Post(now)
	}

	err := e.store.Atomic(ctx, func(ctx context.Context) error {
		return e.store.AppendTransactions(ctx, txns)
	})
	if err != nil {
		return nil, fmt.Errorf("post %d entries: %w", len(txns), err)
	}
	return txns, nil
}

// Balance returns the balance of one account of an organization in its
// default currency: inflows minus outflows up to and including asOf. A
// zero asOf means now.
func (e *Engine) Balance(ctx context.Context, orgID id.ID, account transaction.Account, asOf time.Time) (types.Money, error) {
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return types.Money{}, err
	}
	return e.BalanceIn(ctx, orgID, account, org.DefaultCurrency, asOf)
}

// BalanceIn is Balance for an explicit unit.
func (e *Engine) BalanceIn(ctx context.Context, orgID id.ID, account transaction.Account, unit string, asOf time.Time) (types.Money, error) {
	if !account.Valid() {
		return types.Money{}, ValidationError{Field: "account", Message: fmt.Sprintf("unknown account %q", account)}
	}
	if asOf.IsZero() {
		asOf = e.now()
	}
	unit = types.NormalizeCurrency(unit)
	amount, err := e.store.SumBalance(ctx, orgID, account, unit, asOf)
	if err != nil {
		return types.Money{}, fmt.Errorf("balance of %s:%s: %w", orgID, account, err)
	}
	return types.New(amount, unit), nil
}

// Export yields every entry touching orgID created at or before asOf, in
// (CreatedAt, Seq) order, starting after from. Entries are fetched lazily
// in pages, so a caller can stop early and resume from the last entry's
// cursor.
func (e *Engine) Export(ctx context.Context, orgID id.ID, asOf time.Time, from transaction.Cursor) iter.Seq2[*transaction.Transaction, error] {
	if asOf.IsZero() {
		asOf = e.now()
	}
	return func(yield func(*transaction.Transaction, error) bool) {
		cursor := from
		for {
			page, err := e.store.ListTransactions(ctx, transaction.ListOpts{
				OrganizationID: orgID,
				AsOf:           asOf,
				After:          cursor,
				Limit:          e.config.PageSize,
			})
			if err != nil {
				yield(nil, fmt.Errorf("export %s: %w", orgID, err))
				return
			}
			for _, t := range page {
				cursor = transaction.Of(t)
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < e.config.PageSize {
				return
			}
		}
	}
}

// WriteLedger renders the export of orgID as plain-text double entry.
func (e *Engine) WriteLedger(ctx context.Context, w io.Writer, orgID id.ID, asOf time.Time) (int, error) {
	return export.NewWriter(w, e).WriteAll(ctx, e.Export(ctx, orgID, asOf, transaction.Cursor{}))
}

// OrganizationSlug resolves account names for export.Writer.
func (e *Engine) OrganizationSlug(ctx context.Context, orgID id.ID) (string, error) {
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", err
	}
	return org.Slug, nil
}
