package billing_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/store/sqlite"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
)

func sqliteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// periodEntries counts the renewal entries posted for subID.
func (f *fixture) periodEntries(t *testing.T, subID id.ID) int {
	t.Helper()
	var n int
	for _, txn := range f.transactions(t) {
		if txn.SubscriptionID == subID && strings.Contains(txn.EventID, ":period:") {
			n++
		}
	}
	return n
}

// extendConcurrently runs ExtendSubscriptions from several goroutines at
// once, the way overlapping scheduler runs would.
func extendConcurrently(t *testing.T, f *fixture, at time.Time, runs int) (extended int) {
	t.Helper()
	var (
		wg    sync.WaitGroup
		total atomic.Int64
		start = make(chan struct{})
		errs  = make(chan error, runs)
	)
	for range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			report, err := f.engine.ExtendSubscriptions(f.ctx, at)
			if err != nil {
				errs <- err
				return
			}
			total.Add(int64(report.Extended))
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	return int(total.Load())
}

func TestConcurrentExtendSubscriptionsPostOnce(t *testing.T) {
	stores := map[string]func(t *testing.T) *fixture{
		"memory": func(t *testing.T) *fixture { return newFixture(t) },
		"sqlite": func(t *testing.T) *fixture { return newFixtureOn(t, sqliteStore(t)) },
	}
	for name, setup := range stores {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			o := f.order(t, f.plan, 1)
			f.clock.Set(renewalDay)

			assert.Equal(t, 1, extendConcurrently(t, f, renewalDay, 8))

			sub, err := f.engine.GetSubscription(f.ctx, o.Subscription.ID)
			require.NoError(t, err)
			assert.True(t, sub.EndsAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)), "ends at %s", sub.EndsAt)
			assert.Equal(t, 1, f.periodEntries(t, sub.ID))
			assert.EqualValues(t, 5800, f.balance(t, f.customer.ID, transaction.Payable))
			requireBalanced(t, f)
		})
	}
}

// interleavedStore updates a subscription behind the caller's back right
// after handing it out, once armed. The caller then holds a stale version.
type interleavedStore struct {
	*sqlite.Store
	armed atomic.Bool
	once  sync.Once
}

func (s *interleavedStore) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	sub, err := s.Store.GetSubscription(ctx, subID)
	if err != nil || !s.armed.Load() {
		return sub, err
	}
	s.once.Do(func() {
		other := *sub
		err = s.Store.UpdateSubscription(ctx, &other)
	})
	return sub, err
}

func TestExtendSubscriptionsRejectsStaleVersion(t *testing.T) {
	s := &interleavedStore{Store: sqliteStore(t)}
	f := newFixtureOn(t, s)
	o := f.order(t, f.plan, 1)
	f.clock.Set(renewalDay)

	s.armed.Store(true)
	report, err := f.engine.ExtendSubscriptions(f.ctx, renewalDay)
	require.ErrorIs(t, err, billing.ErrConcurrentUpdate)
	assert.True(t, billing.IsRetryable(err))
	assert.Zero(t, report.Extended)
	assert.Zero(t, f.periodEntries(t, o.Subscription.ID), "the losing run posts nothing")

	sub, err := f.engine.GetSubscription(f.ctx, o.Subscription.ID)
	require.NoError(t, err)
	assert.True(t, sub.EndsAt.Equal(o.Subscription.EndsAt), "ends at %s", sub.EndsAt)

	// The next run sees the current version and extends once.
	report, err = f.engine.ExtendSubscriptions(f.ctx, renewalDay)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Extended)
	assert.Equal(t, 1, f.periodEntries(t, o.Subscription.ID))
	requireBalanced(t, f)
}
