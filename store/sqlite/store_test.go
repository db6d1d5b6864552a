package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/store/storetest"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, setupStore(t))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var applied int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM billing_migrations`).Scan(&applied))
	assert.Equal(t, len(Migrations), applied)
}

func TestTransactionsAreAppendOnly(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	provider := storetest.NewOrganization(t, s, true)
	subscriber := storetest.NewOrganization(t, s, false)

	txn := transaction.Transfer(subscriber.ID, transaction.Payable, provider.ID, transaction.Income, 100, "usd", "order").Post(storetest.Base)
	require.NoError(t, s.AppendTransactions(ctx, []*transaction.Transaction{txn}))

	_, err := s.DB().Exec(`UPDATE billing_transactions SET dest_amount = 1 WHERE id = ?`, txn.ID)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.DB().Exec(`DELETE FROM billing_transactions WHERE id = ?`, txn.ID)
	assert.ErrorContains(t, err, "append-only")
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO billing_organizations").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.Atomic(context.Background(), func(ctx context.Context) error {
		o := &organization.Organization{Entity: types.NewEntity(storetest.Base), ID: id.NewOrganizationID(), Slug: "acme"}
		if err := s.CreateOrganization(ctx, o); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	err := s.Atomic(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, billing.ErrTransactionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicNestedJoinsOuter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := s.Atomic(context.Background(), func(ctx context.Context) error {
		return s.Atomic(ctx, func(context.Context) error { return nil })
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConflictMapsToAlreadyExists(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO billing_coupons").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateCoupon(context.Background(), sampleCoupon())
	assert.ErrorIs(t, err, billing.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPageWithoutLimit(t *testing.T) {
	var w where
	assert.Equal(t, " LIMIT ? OFFSET ?", page(&w, 0, 5))
	assert.Equal(t, []any{-1, 5}, w.args)
}

func sampleCoupon() *coupon.Coupon {
	return &coupon.Coupon{
		Entity:       types.NewEntity(storetest.Base),
		ID:           id.NewCouponID(),
		Code:         "WELCOME",
		ProviderID:   id.NewOrganizationID(),
		DiscountType: coupon.Percentage,
	}
}
