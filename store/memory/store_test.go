package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/store/storetest"
	"github.com/xraph/billing/transaction"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, New())
}

func TestClosedStoreFailsPing(t *testing.T) {
	s := New()
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), billing.ErrStoreClosed)
}

func TestRollbackKeepsConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	provider := storetest.NewOrganization(t, s, true)
	subscriber := storetest.NewOrganization(t, s, false)

	boom := errors.New("boom")
	inside := make(chan struct{})
	release := make(chan struct{})
	var rolledBack *transaction.Transaction
	done := make(chan error, 1)
	go func() {
		done <- s.Atomic(ctx, func(ctx context.Context) error {
			rolledBack = transaction.Transfer(provider.ID, transaction.Backlog, subscriber.ID, transaction.Payable,
				100, "usd", "rolled back").WithEvent("evt-rolled-back").Post(storetest.Base)
			if err := s.AppendTransactions(ctx, []*transaction.Transaction{rolledBack}); err != nil {
				return err
			}
			close(inside)
			<-release
			return boom
		})
	}()

	<-inside
	other := storetest.NewOrganization(t, s, false)
	kept := transaction.Transfer(provider.ID, transaction.Backlog, other.ID, transaction.Payable,
		250, "usd", "committed").WithEvent("evt-committed").Post(storetest.Base)
	require.NoError(t, s.AppendTransactions(ctx, []*transaction.Transaction{kept}))
	close(release)
	require.ErrorIs(t, <-done, boom)

	_, err := s.GetOrganization(ctx, other.ID)
	assert.NoError(t, err, "organization created outside the unit survives its rollback")
	_, err = s.GetTransaction(ctx, kept.ID)
	assert.NoError(t, err)
	has, err := s.HasEventTransactions(ctx, "evt-committed")
	require.NoError(t, err)
	assert.True(t, has)

	_, err = s.GetTransaction(ctx, rolledBack.ID)
	assert.ErrorIs(t, err, billing.ErrTransactionNotFound)
	has, err = s.HasEventTransactions(ctx, "evt-rolled-back")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRollbackRestoresUpdatedRecords(t *testing.T) {
	ctx := context.Background()
	s := New()
	o := storetest.NewOrganization(t, s, false)

	err := s.Atomic(ctx, func(ctx context.Context) error {
		changed := *o
		changed.DisplayName = "renamed"
		if err := s.UpdateOrganization(ctx, &changed); err != nil {
			return err
		}
		fresh, err := s.RecordNotice(ctx, "notice-"+o.ID.String(), storetest.Base)
		if err != nil || !fresh {
			return errors.Join(err, errors.New("notice not recorded"))
		}
		return errors.New("boom")
	})
	require.Error(t, err)

	got, err := s.GetOrganization(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.DisplayName, got.DisplayName)
	fresh, err := s.RecordNotice(ctx, "notice-"+o.ID.String(), storetest.Base)
	require.NoError(t, err)
	assert.True(t, fresh, "notice recorded inside the failed unit is forgotten")
}
