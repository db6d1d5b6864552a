package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
)

type fakeRunner struct {
	mu       sync.Mutex
	renewals []time.Time
	sweeps   int
	sweepErr error
}

func (f *fakeRunner) RunRenewals(_ context.Context, at time.Time) (*billing.RenewalReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals = append(f.renewals, at)
	return &billing.RenewalReport{At: at, Extended: 1}, nil
}

func (f *fakeRunner) SweepStuckCharges(_ context.Context, _ time.Time) (*billing.SweepReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return &billing.SweepReport{}, f.sweepErr
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New(&fakeRunner{}, Config{RenewalSchedule: "every day"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renewal schedule")
}

func TestRenewUsesClock(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 5, 0, 0, time.UTC)
	r := &fakeRunner{}
	s, err := New(r, DefaultConfig(), WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	require.NoError(t, s.Renew(context.Background()))
	require.Len(t, r.renewals, 1)
	assert.Equal(t, at, r.renewals[0])
}

func TestSweepWithoutProcessorIsNoop(t *testing.T) {
	r := &fakeRunner{sweepErr: billing.ErrNoProcessor}
	s, err := New(r, Config{})
	require.NoError(t, err)

	assert.NoError(t, s.Sweep(context.Background()))

	r.sweepErr = errors.New("boom")
	assert.Error(t, s.Sweep(context.Background()))
	assert.Equal(t, 2, r.sweeps)
}

func TestRunJobSkipsOverlappingRuns(t *testing.T) {
	s, err := New(&fakeRunner{}, Config{})
	require.NoError(t, err)

	var mu sync.Mutex
	mu.Lock()
	ran := false
	s.runJob(&mu, "renewals", func(context.Context) error { ran = true; return nil })
	assert.False(t, ran, "job ran while a previous run held the lock")
	mu.Unlock()

	s.runJob(&mu, "renewals", func(context.Context) error { ran = true; return nil })
	assert.True(t, ran)
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakeRunner{}, DefaultConfig())
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
