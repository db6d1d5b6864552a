package processor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/processor/sandbox"
	"github.com/xraph/billing/types"
)

func TestGuardTimesOut(t *testing.T) {
	g := processor.NewGuard(sandbox.New(), processor.GuardConfig{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := g.CreatePayment(context.Background(), processor.PaymentRequest{
		Amount: types.USD(100),
		Token:  sandbox.TokenHang,
	})

	require.ErrorIs(t, err, processor.ErrProcessorTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuardPassesDeclines(t *testing.T) {
	g := processor.NewGuard(sandbox.New(), processor.DefaultGuardConfig(), nil)

	_, err := g.CreatePayment(context.Background(), processor.PaymentRequest{
		Amount: types.USD(100),
		Token:  sandbox.TokenDecline,
	})

	require.ErrorIs(t, err, processor.ErrCardDeclined)
	var perr *processor.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "card_declined", perr.Code)
	assert.NotEmpty(t, perr.Raw)
}

func TestGuardOpensAfterTransientFailures(t *testing.T) {
	sb := sandbox.New()
	g := processor.NewGuard(sb, processor.GuardConfig{
		Timeout:          time.Second,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}, nil)

	req := processor.PaymentRequest{Amount: types.USD(100), Token: sandbox.TokenUnavailable}
	for range 2 {
		_, err := g.CreatePayment(context.Background(), req)
		require.ErrorIs(t, err, processor.ErrProcessorUnavailable)
	}
	calls := sb.Calls()

	req.Token = sandbox.TokenVisa
	_, err := g.CreatePayment(context.Background(), req)
	require.ErrorIs(t, err, processor.ErrProcessorUnavailable)
	assert.Equal(t, calls, sb.Calls(), "open breaker must not reach the processor")
}

func TestGuardDeclinesDoNotTrip(t *testing.T) {
	g := processor.NewGuard(sandbox.New(), processor.GuardConfig{Timeout: time.Second, FailureThreshold: 1}, nil)

	for range 3 {
		_, err := g.CreatePayment(context.Background(), processor.PaymentRequest{Amount: types.USD(1), Token: sandbox.TokenDecline})
		require.ErrorIs(t, err, processor.ErrCardDeclined)
	}

	res, err := g.CreatePayment(context.Background(), processor.PaymentRequest{Amount: types.USD(1), Token: sandbox.TokenVisa})
	require.NoError(t, err)
	assert.Equal(t, processor.StatusSucceeded, res.Status)
}
