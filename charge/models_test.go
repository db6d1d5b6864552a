package charge

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateCreated, StateProcessing, true},
		{StateProcessing, StateSucceeded, true},
		{StateProcessing, StateFailed, true},
		{StateSucceeded, StateDisputed, true},
		{StateSucceeded, StateRefunded, true},
		{StateRefunded, StateRefunded, true},
		{StateDisputed, StateDisputeLost, true},
		{StateDisputed, StateDisputeWon, true},
		{StateCreated, StateSucceeded, false},
		{StateFailed, StateProcessing, false},
		{StateSucceeded, StateFailed, false},
		{StateDisputeWon, StateRefunded, false},
		{StateDisputeLost, StateDisputed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition: got %v, want %v", got, tt.allowed)
			}
		})
	}
}

func TestTransitionRejectsFinalStates(t *testing.T) {
	now := time.Now()

	for _, c := range []*Charge{
		{State: StateFailed, Amount: 100},
		{State: StateDisputeLost, Amount: 100},
		{State: StateRefunded, Amount: 100, RefundedAmount: 100},
	} {
		if err := c.Transition(StateRefunded, now); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s: expected ErrInvalidTransition, got %v", c.State, err)
		}
	}
}

func TestTransitionStampsProcessing(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	c := &Charge{State: StateCreated, Amount: 100}

	if err := c.Transition(StateProcessing, now); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if c.ProcessingAt == nil || !c.ProcessingAt.Equal(now) {
		t.Errorf("ProcessingAt: got %v, want %v", c.ProcessingAt, now)
	}
}

func TestRefundable(t *testing.T) {
	tests := []struct {
		name     string
		charge   Charge
		expected int64
	}{
		{"succeeded", Charge{State: StateSucceeded, Amount: 1000}, 1000},
		{"partially refunded", Charge{State: StateRefunded, Amount: 1000, RefundedAmount: 300}, 700},
		{"failed", Charge{State: StateFailed, Amount: 1000}, 0},
		{"disputed", Charge{State: StateDisputed, Amount: 1000}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.charge.Refundable(); got != tt.expected {
				t.Errorf("Refundable: got %d, want %d", got, tt.expected)
			}
		})
	}
}
