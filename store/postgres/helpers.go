package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/billing"
	"github.com/xraph/billing/charge"
)

// isNoRows checks if an error is a "no rows" error from either pgx or database/sql.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// notFound maps a missing row to sentinel.
func notFound(err, sentinel error) error {
	if isNoRows(err) {
		return sentinel
	}
	return err
}

// inserted maps an INSERT .. ON CONFLICT DO NOTHING that wrote nothing to
// ErrAlreadyExists. Conflicts never abort the surrounding transaction.
func inserted(tag pgconn.CommandTag, err error) error {
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrAlreadyExists
	}
	return nil
}

func updated(tag pgconn.CommandTag, err, missing error) error {
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return missing
	}
	return nil
}

func queryAll[T any](ctx context.Context, db executor, q string, args []any, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// where accumulates AND-ed conditions written with ? placeholders and
// numbers them as $n.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		cond = strings.Replace(cond, "?", "$"+strconv.Itoa(len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func page(w *where, limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(w.args)))
	}
	if offset > 0 {
		w.args = append(w.args, offset)
		b.WriteString(" OFFSET $" + strconv.Itoa(len(w.args)))
	}
	return b.String()
}

func asOfArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func jsonMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func lineItems(items []charge.LineItem) []charge.LineItem {
	if items == nil {
		return []charge.LineItem{}
	}
	return items
}
