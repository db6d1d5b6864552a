package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
)

// ==================== Transaction Store ====================

const transactionColumns = `id, seq, created_at, orig_account, orig_organization_id, orig_amount,
	orig_unit, dest_account, dest_organization_id, dest_amount, dest_unit, description,
	event_id, subscription_id`

func scanTransaction(row scanner) (*transaction.Transaction, error) {
	t := new(transaction.Transaction)
	var created int64
	err := row.Scan(&t.ID, &t.Seq, &created, &t.OrigAccount, &t.OrigOrganizationID, &t.OrigAmount,
		&t.OrigUnit, &t.DestAccount, &t.DestOrganizationID, &t.DestAmount, &t.DestUnit, &t.Description,
		&t.EventID, &t.SubscriptionID)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = fromNanos(created)
	return t, nil
}

// AppendTransactions inserts entries in order; Seq is the rowid SQLite
// assigns, so it follows insertion order.
func (s *Store) AppendTransactions(ctx context.Context, txns []*transaction.Transaction) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		for _, t := range txns {
			res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_transactions (
				id, created_at, orig_account, orig_organization_id, orig_amount, orig_unit,
				dest_account, dest_organization_id, dest_amount, dest_unit, description,
				event_id, subscription_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING`,
				t.ID, toNanos(t.CreatedAt), t.OrigAccount, t.OrigOrganizationID, t.OrigAmount, t.OrigUnit,
				t.DestAccount, t.DestOrganizationID, t.DestAmount, t.DestUnit, t.Description,
				t.EventID, t.SubscriptionID)
			if err := inserted(res, err); err != nil {
				return err
			}
			if t.Seq, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetTransaction(ctx context.Context, txnID id.ID) (*transaction.Transaction, error) {
	t, err := scanTransaction(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM billing_transactions WHERE id = ?`, txnID))
	return t, notFound(err, billing.ErrTransactionNotFound)
}

func (s *Store) HasEventTransactions(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_transactions WHERE event_id = ?)`, eventID).Scan(&exists)
	return exists, err
}

func (s *Store) ListTransactions(ctx context.Context, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var w where
	if !opts.OrganizationID.IsNil() {
		w.add("(orig_organization_id = ? OR dest_organization_id = ?)", opts.OrganizationID, opts.OrganizationID)
	}
	if opts.EventID != "" {
		w.add("event_id = ?", opts.EventID)
	}
	if !opts.AsOf.IsZero() {
		w.add("created_at <= ?", toNanos(opts.AsOf))
	}
	if !opts.After.IsZero() {
		at := toNanos(opts.After.CreatedAt)
		w.add("(created_at > ? OR (created_at = ? AND seq > ?))", at, at, opts.After.Seq)
	}
	q := `SELECT ` + transactionColumns + ` FROM billing_transactions` + w.String() +
		` ORDER BY created_at, seq` + page(&w, opts.Limit, 0)
	return queryAll(ctx, s.conn(ctx), q, w.args, scanTransaction)
}

// SumBalance is inflow minus outflow of one account up to asOf.
func (s *Store) SumBalance(ctx context.Context, orgID id.ID, account transaction.Account, unit string, asOf time.Time) (int64, error) {
	limit := asOfNanos(asOf)
	var total int64
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT
		(SELECT COALESCE(SUM(dest_amount), 0) FROM billing_transactions
			WHERE dest_organization_id = ? AND dest_account = ? AND dest_unit = ? AND created_at <= ?)
		- (SELECT COALESCE(SUM(orig_amount), 0) FROM billing_transactions
			WHERE orig_organization_id = ? AND orig_account = ? AND orig_unit = ? AND created_at <= ?)`,
		orgID, account, unit, limit, orgID, account, unit, limit).Scan(&total)
	return total, err
}

// ListBalances returns every non-zero balance held in account.
func (s *Store) ListBalances(ctx context.Context, account transaction.Account, asOf time.Time) ([]transaction.Balance, error) {
	limit := asOfNanos(asOf)
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT organization_id, unit, SUM(amount) FROM (
			SELECT dest_organization_id AS organization_id, dest_unit AS unit, dest_amount AS amount
			FROM billing_transactions WHERE dest_account = ? AND created_at <= ?
			UNION ALL
			SELECT orig_organization_id, orig_unit, -orig_amount
			FROM billing_transactions WHERE orig_account = ? AND created_at <= ?
		)
		GROUP BY organization_id, unit
		HAVING SUM(amount) <> 0
		ORDER BY organization_id, unit`, account, limit, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transaction.Balance
	for rows.Next() {
		b := transaction.Balance{Account: account}
		if err := rows.Scan(&b.OrganizationID, &b.Unit, &b.Amount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ==================== Charge Store ====================

const chargeColumns = `id, organization_id, amount, currency, state, idempotency_key, processor_name,
	intent_key, processor_charge_id, refunded_amount, failure_code, failure_message, description,
	line_items, processing_at, version, created_at, updated_at`

// chargeSelect reads a NULL idempotency key back as the empty string.
const chargeSelect = `id, organization_id, amount, currency, state, COALESCE(idempotency_key, ''),
	processor_name, intent_key, processor_charge_id, refunded_amount, failure_code, failure_message,
	description, line_items, processing_at, version, created_at, updated_at`

func scanCharge(row scanner) (*charge.Charge, error) {
	c := new(charge.Charge)
	var processing sql.NullInt64
	var created, updated int64
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Amount, &c.Currency, &c.State, &c.IdempotencyKey,
		&c.ProcessorName, &c.IntentKey, &c.ProcessorChargeID, &c.RefundedAmount, &c.FailureCode,
		&c.FailureMessage, &c.Description, jsonColumn[[]charge.LineItem]{&c.LineItems}, &processing,
		&c.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.ProcessingAt = fromNullNanos(processing)
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
	return c, nil
}

func (s *Store) CreateCharge(ctx context.Context, c *charge.Charge) error {
	res, err := s.conn(ctx).ExecContext(ctx, `INSERT INTO billing_charges (`+chargeColumns+`)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		c.ID, c.OrganizationID, c.Amount, c.Currency, c.State, c.IdempotencyKey, c.ProcessorName,
		c.IntentKey, c.ProcessorChargeID, c.RefundedAmount, c.FailureCode, c.FailureMessage,
		c.Description, jsonColumn[[]charge.LineItem]{&c.LineItems}, nullNanos(c.ProcessingAt), c.Version,
		toNanos(c.CreatedAt), toNanos(c.UpdatedAt))
	return inserted(res, err)
}

func (s *Store) GetCharge(ctx context.Context, chargeID id.ID) (*charge.Charge, error) {
	c, err := scanCharge(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+chargeSelect+` FROM billing_charges WHERE id = ?`, chargeID))
	return c, notFound(err, billing.ErrChargeNotFound)
}

func (s *Store) GetChargeByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error) {
	c, err := scanCharge(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+chargeSelect+` FROM billing_charges WHERE idempotency_key = ?`, key))
	return c, notFound(err, billing.ErrChargeNotFound)
}

func (s *Store) GetChargeByProcessorID(ctx context.Context, processorChargeID string) (*charge.Charge, error) {
	if processorChargeID == "" {
		return nil, billing.ErrChargeNotFound
	}
	c, err := scanCharge(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+chargeSelect+` FROM billing_charges WHERE processor_charge_id = ?`, processorChargeID))
	return c, notFound(err, billing.ErrChargeNotFound)
}

func (s *Store) ListCharges(ctx context.Context, opts charge.ListOpts) ([]*charge.Charge, error) {
	var w where
	if !opts.OrganizationID.IsNil() {
		w.add("organization_id = ?", opts.OrganizationID)
	}
	if opts.State != "" {
		w.add("state = ?", opts.State)
	}
	if !opts.ProcessingBefore.IsZero() {
		w.add("processing_at < ?", toNanos(opts.ProcessingBefore))
	}
	q := `SELECT ` + chargeSelect + ` FROM billing_charges` + w.String() +
		` ORDER BY created_at, id` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.conn(ctx), q, w.args, scanCharge)
}

// UpdateCharge writes c if its Version is current and bumps it.
func (s *Store) UpdateCharge(ctx context.Context, c *charge.Charge) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE billing_charges SET
		state = ?, processor_name = ?, intent_key = ?, processor_charge_id = ?,
		refunded_amount = ?, failure_code = ?, failure_message = ?, description = ?,
		line_items = ?, processing_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.State, c.ProcessorName, c.IntentKey, c.ProcessorChargeID, c.RefundedAmount, c.FailureCode,
		c.FailureMessage, c.Description, jsonColumn[[]charge.LineItem]{&c.LineItems},
		nullNanos(c.ProcessingAt), toNanos(c.UpdatedAt), c.ID, c.Version)
	if err := updated(res, err, billing.ErrConcurrentUpdate); err != nil {
		if errors.Is(err, billing.ErrConcurrentUpdate) {
			if _, gerr := s.GetCharge(ctx, c.ID); gerr != nil {
				return gerr
			}
		}
		return err
	}
	c.Version++
	return nil
}
