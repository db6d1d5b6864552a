// Package processor defines the collaborator the engine calls to move money
// through an external payment provider, and a guard that bounds every call
// with a timeout and a circuit breaker.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/types"
)

var (
	// ErrCardDeclined is a business decline. It is not retried.
	ErrCardDeclined = errors.New("processor: card declined")
	// ErrProcessorUnavailable is transient; the next scheduler run retries.
	ErrProcessorUnavailable = errors.New("processor: unavailable")
	// ErrProcessorTimeout is returned when a call exceeds its deadline.
	ErrProcessorTimeout = errors.New("processor: timeout")
	// ErrUnknownPayment means the processor has no record of the payment.
	ErrUnknownPayment = errors.New("processor: unknown payment")
)

// Error carries the provider's raw error payload. It wraps one of the
// sentinel errors above when the provider's code maps onto one.
type Error struct {
	Code    string
	Message string
	Raw     []byte
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor: %s: %s", e.Code, e.Message)
	}
	return "processor: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Result is the processor's answer about a single payment.
type Result struct {
	ProcessorChargeID string
	// RefundID identifies the refund a RefundPayment call created.
	RefundID          string
	Status            Status
	FailureCode       string
	FailureMessage    string
}

// PaymentRequest asks the processor to collect Amount with Token.
// IdempotencyKey identifies the payment intent; retries of the same intent
// reuse it so the processor never collects twice.
type PaymentRequest struct {
	Amount         types.Money
	Token          string
	IdempotencyKey string
	Description    string
}

// Lookup identifies a payment by processor id or, when the id was never
// received, by the idempotency key sent with the request.
type Lookup struct {
	ProcessorChargeID string
	IdempotencyKey    string
}

// Processor is implemented once per payment provider.
type Processor interface {
	Name() string
	// PaymentContext returns what a front-end needs to tokenize a card.
	PaymentContext(ctx context.Context, org *organization.Organization) (map[string]string, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (Result, error)
	RefundPayment(ctx context.Context, processorChargeID string, amount types.Money) (Result, error)
	PaymentStatus(ctx context.Context, lookup Lookup) (Result, error)
}

type EventType string

const (
	EventChargeSucceeded EventType = "charge.succeeded"
	EventChargeFailed    EventType = "charge.failed"
	EventChargeRefunded  EventType = "charge.refunded"
	EventDisputeOpened   EventType = "charge.dispute.created"
	EventDisputeWon      EventType = "charge.dispute.won"
	EventDisputeLost     EventType = "charge.dispute.lost"
)

// Event is a webhook or confirmation delivered by the processor. RefundID
// is set on refund events and matches Result.RefundID of the call that
// created the refund. IntentKey echoes PaymentRequest.IdempotencyKey, so an
// event for a payment whose response never arrived still finds its charge.
type Event struct {
	ID                string
	Type              EventType
	ProcessorChargeID string
	IntentKey         string
	RefundID          string
	Amount            int64
	FailureCode       string
	FailureMessage    string
}

// IsDeclined reports whether err is a business decline.
func IsDeclined(err error) bool {
	return errors.Is(err, ErrCardDeclined)
}

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable) || errors.Is(err, ErrProcessorTimeout)
}
