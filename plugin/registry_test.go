package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	name     string
	orders   int
	payments []SignalName
	all      []SignalName
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnOrderPlaced(_ context.Context, _ Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders++
	return nil
}

func (r *recorder) OnPaymentMethod(_ context.Context, sig Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, sig.Name)
	return nil
}

func (r *recorder) OnSignal(_ context.Context, sig Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, sig.Name)
	return nil
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{name: "rec"}
	require.NoError(t, reg.Register(rec))

	ctx := context.Background()
	reg.Emit(ctx, Signal{Name: SignalOrderPlaced})
	reg.Emit(ctx, Signal{Name: SignalPaymentMethodNeeded})
	reg.Emit(ctx, Signal{Name: SignalPaymentMethodExpiring})
	reg.Emit(ctx, Signal{Name: SignalChargeSucceeded})

	assert.Equal(t, 1, rec.orders)
	assert.Equal(t, []SignalName{SignalPaymentMethodNeeded, SignalPaymentMethodExpiring}, rec.payments)
	assert.Len(t, rec.all, 4)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&recorder{name: "a"}))
	require.Error(t, reg.Register(&recorder{name: "a"}))
	assert.Equal(t, 1, reg.Count())
	assert.NotNil(t, reg.Get("a"))
	assert.Nil(t, reg.Get("missing"))
}

func TestRegistrySwallowsFailures(t *testing.T) {
	reg := NewRegistry().WithTimeout(20 * time.Millisecond)

	var delivered []string
	require.NoError(t, reg.Register(Observe("broken", func(context.Context, Signal) error {
		return errors.New("boom")
	})))
	require.NoError(t, reg.Register(Observe("slow", func(ctx context.Context, _ Signal) error {
		<-ctx.Done()
		return nil
	})))
	require.NoError(t, reg.Register(Observe("ok", func(_ context.Context, sig Signal) error {
		delivered = append(delivered, string(sig.Name))
		return nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	reg.Emit(ctx, Signal{Name: SignalChargeFailed})

	assert.Equal(t, []string{"charge.failed"}, delivered)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
