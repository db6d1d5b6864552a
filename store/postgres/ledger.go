package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
)

// ==================== Transaction Store ====================

const transactionColumns = `id, seq, created_at, orig_account, orig_organization_id, orig_amount,
	orig_unit, dest_account, dest_organization_id, dest_amount, dest_unit, description,
	event_id, subscription_id`

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	t := new(transaction.Transaction)
	err := row.Scan(&t.ID, &t.Seq, &t.CreatedAt, &t.OrigAccount, &t.OrigOrganizationID, &t.OrigAmount,
		&t.OrigUnit, &t.DestAccount, &t.DestOrganizationID, &t.DestAmount, &t.DestUnit, &t.Description,
		&t.EventID, &t.SubscriptionID)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// AppendTransactions inserts entries in order. Seq comes from the table's
// identity column, so it follows insertion order.
func (s *Store) AppendTransactions(ctx context.Context, txns []*transaction.Transaction) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		for _, t := range txns {
			err := s.db(ctx).QueryRow(ctx, `INSERT INTO billing_transactions (
				id, created_at, orig_account, orig_organization_id, orig_amount, orig_unit,
				dest_account, dest_organization_id, dest_amount, dest_unit, description,
				event_id, subscription_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				RETURNING seq`,
				t.ID, t.CreatedAt, t.OrigAccount, t.OrigOrganizationID, t.OrigAmount, t.OrigUnit,
				t.DestAccount, t.DestOrganizationID, t.DestAmount, t.DestUnit, t.Description,
				t.EventID, t.SubscriptionID).Scan(&t.Seq)
			if err != nil {
				if isUniqueViolation(err) {
					return billing.ErrAlreadyExists
				}
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetTransaction(ctx context.Context, txnID id.ID) (*transaction.Transaction, error) {
	t, err := scanTransaction(s.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM billing_transactions WHERE id = $1`, txnID))
	return t, notFound(err, billing.ErrTransactionNotFound)
}

func (s *Store) HasEventTransactions(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_transactions WHERE event_id = $1)`, eventID).Scan(&exists)
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
		w.add("created_at <= ?", opts.AsOf)
	}
	if !opts.After.IsZero() {
		w.add("(created_at > ? OR (created_at = ? AND seq > ?))",
			opts.After.CreatedAt, opts.After.CreatedAt, opts.After.Seq)
	}
	q := `SELECT ` + transactionColumns + ` FROM billing_transactions` + w.String() +
		` ORDER BY created_at, seq` + page(&w, opts.Limit, 0)
	return queryAll(ctx, s.db(ctx), q, w.args, scanTransaction)
}

// SumBalance is inflow minus outflow of one account up to asOf.
func (s *Store) SumBalance(ctx context.Context, orgID id.ID, account transaction.Account, unit string, asOf time.Time) (int64, error) {
	var total int64
	err := s.db(ctx).QueryRow(ctx, `SELECT
		(SELECT COALESCE(SUM(dest_amount), 0) FROM billing_transactions
			WHERE dest_organization_id = $1 AND dest_account = $2 AND dest_unit = $3
			AND ($4::timestamptz IS NULL OR created_at <= $4))
		- (SELECT COALESCE(SUM(orig_amount), 0) FROM billing_transactions
			WHERE orig_organization_id = $1 AND orig_account = $2 AND orig_unit = $3
			AND ($4::timestamptz IS NULL OR created_at <= $4))`,
		orgID, account, unit, asOfArg(asOf)).Scan(&total)
	return total, err
}

// ListBalances returns every non-zero balance held in account.
func (s *Store) ListBalances(ctx context.Context, account transaction.Account, asOf time.Time) ([]transaction.Balance, error) {
	rows, err := s.db(ctx).Query(ctx, `SELECT organization_id, unit, SUM(amount)::BIGINT FROM (
			SELECT dest_organization_id AS organization_id, dest_unit AS unit, dest_amount AS amount
			FROM billing_transactions
			WHERE dest_account = $1 AND ($2::timestamptz IS NULL OR created_at <= $2)
			UNION ALL
			SELECT orig_organization_id, orig_unit, -orig_amount
			FROM billing_transactions
			WHERE orig_account = $1 AND ($2::timestamptz IS NULL OR created_at <= $2)
		) AS entries
		GROUP BY organization_id, unit
		HAVING SUM(amount) <> 0
		ORDER BY organization_id, unit`, account, asOfArg(asOf))
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

func scanCharge(row pgx.Row) (*charge.Charge, error) {
	c := new(charge.Charge)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Amount, &c.Currency, &c.State, &c.IdempotencyKey,
		&c.ProcessorName, &c.IntentKey, &c.ProcessorChargeID, &c.RefundedAmount, &c.FailureCode,
		&c.FailureMessage, &c.Description, &c.LineItems, &c.ProcessingAt, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ProcessingAt = utcPtr(c.ProcessingAt)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return c, nil
}

func (s *Store) CreateCharge(ctx context.Context, c *charge.Charge) error {
	tag, err := s.db(ctx).Exec(ctx, `INSERT INTO billing_charges (`+chargeColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT DO NOTHING`,
		c.ID, c.OrganizationID, c.Amount, c.Currency, c.State, c.IdempotencyKey, c.ProcessorName,
		c.IntentKey, c.ProcessorChargeID, c.RefundedAmount, c.FailureCode, c.FailureMessage,
		c.Description, lineItems(c.LineItems), c.ProcessingAt, c.Version, c.CreatedAt, c.UpdatedAt)
	return inserted(tag, err)
}

func (s *Store) GetCharge(ctx context.Context, chargeID id.ID) (*charge.Charge, error) {
	c, err := scanCharge(s.db(ctx).QueryRow(ctx,
		`SELECT `+chargeSelect+` FROM billing_charges WHERE id = $1`, chargeID))
	return c, notFound(err, billing.ErrChargeNotFound)
}

func (s *Store) GetChargeByIdempotencyKey(ctx context.Context, key string) (*charge.Charge, error) {
	c, err := scanCharge(s.db(ctx).QueryRow(ctx,
		`SELECT `+chargeSelect+` FROM billing_charges WHERE idempotency_key = $1`, key))
	return c, notFound(err, billing.ErrChargeNotFound)
}

func (s *Store) GetChargeByProcessorID(ctx context.Context, processorChargeID string) (*charge.Charge, error) {
	if processorChargeID == "" {
		return nil, billing.ErrChargeNotFound
	}
	c, err := scanCharge(s.db(ctx).QueryRow(ctx,
		`SELECT `+chargeSelect+` FROM billing_charges WHERE processor_charge_id = $1`, processorChargeID))
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
		w.add("processing_at < ?", opts.ProcessingBefore)
	}
	q := `SELECT ` + chargeSelect + ` FROM billing_charges` + w.String() +
		` ORDER BY created_at, id` + page(&w, opts.Limit, opts.Offset)
	return queryAll(ctx, s.db(ctx), q, w.args, scanCharge)
}

// UpdateCharge writes c if its Version is current and bumps it. The
// idempotency key is immutable.
func (s *Store) UpdateCharge(ctx context.Context, c *charge.Charge) error {
	tag, err := s.db(ctx).Exec(ctx, `UPDATE billing_charges SET
		state = $3, processor_name = $4, intent_key = $5, processor_charge_id = $6,
		refunded_amount = $7, failure_code = $8, failure_message = $9, description = $10,
		line_items = $11, processing_at = $12, updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $2`,
		c.ID, c.Version, c.State, c.ProcessorName, c.IntentKey, c.ProcessorChargeID,
		c.RefundedAmount, c.FailureCode, c.FailureMessage, c.Description, lineItems(c.LineItems),
		c.ProcessingAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetCharge(ctx, c.ID); gerr != nil {
			return gerr
		}
		return billing.ErrConcurrentUpdate
	}
	c.Version++
	return nil
}

// chargeSelect reads a NULL idempotency key back as the empty string.
const chargeSelect = `id, organization_id, amount, currency, state, COALESCE(idempotency_key, ''),
	processor_name, intent_key, processor_charge_id, refunded_amount, failure_code, failure_message,
	description, line_items, processing_at, version, created_at, updated_at`
