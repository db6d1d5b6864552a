// Package sandbox is an in-memory payment processor for tests, local
// development and dry runs. Card tokens select the outcome:
//
//	tok_decline      card declined
//	tok_unavailable  processor unavailable
//	tok_hang         blocks until the context is done
//	tok_pending      accepted, settles later via Settle
//
// Any other non-empty token succeeds.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/types"
)

const (
	TokenDecline     = "tok_decline"
	TokenUnavailable = "tok_unavailable"
	TokenHang        = "tok_hang"
	TokenPending     = "tok_pending"
	TokenVisa        = "tok_visa"
)

type payment struct {
	id       string
	key      string
	amount   types.Money
	refunded int64
	refunds  []string
	status   processor.Status
}

// Processor is safe for concurrent use.
type Processor struct {
	mu       sync.Mutex
	payments map[string]*payment
	byKey    map[string]string
	calls    int
	// Lost drops the response of the next CreatePayment after recording
	// the payment, as if the connection broke mid-call.
	Lost bool
}

var _ processor.Processor = (*Processor)(nil)

func New() *Processor {
	return &Processor{
		payments: make(map[string]*payment),
		byKey:    make(map[string]string),
	}
}

func (p *Processor) Name() string { return "sandbox" }

func (p *Processor) PaymentContext(_ context.Context, org *organization.Organization) (map[string]string, error) {
	return map[string]string{
		"processor":     p.Name(),
		"public_key":    "pk_sandbox",
		"client_secret": "cs_sandbox_" + org.Slug,
	}, nil
}

func (p *Processor) CreatePayment(ctx context.Context, req processor.PaymentRequest) (processor.Result, error) {
	p.mu.Lock()
	p.calls++
	if existing, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		pay := p.payments[existing]
		p.mu.Unlock()
		return processor.Result{ProcessorChargeID: pay.id, Status: pay.status}, nil
	}
	p.mu.Unlock()

	switch req.Token {
	case "":
		return processor.Result{}, &processor.Error{Code: "missing_payment_method", Message: "no payment method", Err: processor.ErrCardDeclined}
	case TokenDecline:
		return processor.Result{Status: processor.StatusFailed, FailureCode: "card_declined"},
			&processor.Error{Code: "card_declined", Message: "your card was declined", Raw: []byte(`{"code":"card_declined"}`), Err: processor.ErrCardDeclined}
	case TokenUnavailable:
		return processor.Result{}, &processor.Error{Code: "service_unavailable", Message: "try again later", Err: processor.ErrProcessorUnavailable}
	case TokenHang:
		<-ctx.Done()
		return processor.Result{}, ctx.Err()
	}

	status := processor.StatusSucceeded
	if req.Token == TokenPending {
		status = processor.StatusPending
	}

	pay := &payment{
		id:     "py_" + uuid.NewString(),
		key:    req.IdempotencyKey,
		amount: req.Amount,
		status: status,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[pay.id] = pay
	if pay.key != "" {
		p.byKey[pay.key] = pay.id
	}
	if p.Lost {
		p.Lost = false
		return processor.Result{}, &processor.Error{Code: "connection_reset", Message: "connection reset", Err: processor.ErrProcessorUnavailable}
	}
	return processor.Result{ProcessorChargeID: pay.id, Status: status}, nil
}

func (p *Processor) RefundPayment(_ context.Context, processorChargeID string, amount types.Money) (processor.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pay, ok := p.payments[processorChargeID]
	if !ok {
		return processor.Result{}, fmt.Errorf("%w: %s", processor.ErrUnknownPayment, processorChargeID)
	}
	if pay.refunded+amount.Amount > pay.amount.Amount {
		return processor.Result{}, &processor.Error{Code: "amount_too_large", Message: "refund exceeds payment"}
	}
	pay.refunded += amount.Amount
	refundID := "re_" + uuid.NewString()
	pay.refunds = append(pay.refunds, refundID)
	return processor.Result{ProcessorChargeID: pay.id, RefundID: refundID, Status: processor.StatusSucceeded}, nil
}

func (p *Processor) PaymentStatus(_ context.Context, lookup processor.Lookup) (processor.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	chargeID := lookup.ProcessorChargeID
	if chargeID == "" {
		chargeID = p.byKey[lookup.IdempotencyKey]
	}
	pay, ok := p.payments[chargeID]
	if !ok {
		return processor.Result{}, processor.ErrUnknownPayment
	}
	return processor.Result{ProcessorChargeID: pay.id, Status: pay.status}, nil
}

// Settle moves a pending payment to status.
func (p *Processor) Settle(processorChargeID string, status processor.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pay, ok := p.payments[processorChargeID]; ok {
		pay.status = status
	}
}

// Refunds returns the ids of the refunds made on a payment, oldest first.
func (p *Processor) Refunds(processorChargeID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pay, ok := p.payments[processorChargeID]; ok {
		return append([]string(nil), pay.refunds...)
	}
	return nil
}

// Calls returns the number of CreatePayment calls received.
func (p *Processor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Payments returns the number of distinct payments recorded.
func (p *Processor) Payments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payments)
}
