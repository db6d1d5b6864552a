package billing

import (
	"errors"
	"fmt"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/lock"
	"github.com/xraph/billing/pricing"
	"github.com/xraph/billing/processor"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound         = errors.New("billing: not found")
	ErrAlreadyExists    = errors.New("billing: already exists")
	ErrInvalidInput     = errors.New("billing: invalid input")
	ErrConcurrentUpdate = errors.New("billing: record changed concurrently")

	// Lookup errors
	ErrOrganizationNotFound = errors.New("billing: organization not found")
	ErrPlanNotFound         = errors.New("billing: plan not found")
	ErrUseChargeNotFound    = errors.New("billing: use charge not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrTransactionNotFound  = errors.New("billing: transaction not found")
	ErrChargeNotFound       = errors.New("billing: charge not found")
	ErrCouponNotFound       = errors.New("billing: coupon not found")

	// Lifecycle errors
	ErrPlanInactive           = errors.New("billing: plan is not active")
	ErrOptinRequired          = errors.New("billing: opt-in required")
	ErrInvalidOptinKey        = errors.New("billing: invalid opt-in key")
	ErrOrganizationInactive   = errors.New("billing: organization is deactivated")
	ErrSubscriptionNotActive  = errors.New("billing: subscription is not active")
	ErrSubscriptionNotStarted = errors.New("billing: subscription has not started")
	ErrCurrencyMismatch       = errors.New("billing: currency mismatch")

	// Consistency errors
	ErrLedgerImbalance    = errors.New("billing: ledger imbalance")
	ErrInvalidChargeState = errors.New("billing: invalid charge state")

	// Charge errors
	ErrDuplicateCharge     = errors.New("billing: charge already succeeded for idempotency key")
	ErrRefundExceedsCharge = errors.New("billing: refund exceeds refundable amount")
	ErrNoPaymentMethod     = errors.New("billing: no payment method on file")
	ErrNoProcessor         = errors.New("billing: no payment processor configured")

	// Coupon errors
	ErrCouponExpired       = pricing.ErrCouponExpired
	ErrCouponExhausted     = pricing.ErrCouponExhausted
	ErrCouponNotApplicable = pricing.ErrCouponNotApplicable

	// Processor errors
	ErrCardDeclined         = processor.ErrCardDeclined
	ErrProcessorUnavailable = processor.ErrProcessorUnavailable
	ErrProcessorTimeout     = processor.ErrProcessorTimeout

	// Store errors
	ErrStoreClosed       = errors.New("billing: store is closed")
	ErrTransactionFailed = errors.New("billing: transaction failed")
	ErrMigrationFailed   = errors.New("billing: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("billing: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError collects per-item failures from batch operations.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "billing: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("billing: %d errors occurred; first: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns e when it holds errors and nil otherwise.
func (e *MultiError) ErrOrNil() error {
	if e == nil || !e.HasErrors() {
		return nil
	}
	return *e
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrUseChargeNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrChargeNotFound) ||
		errors.Is(err, ErrCouponNotFound)
}

// IsValidation returns true for bad input rejected before any mutation.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPlanInactive) ||
		errors.Is(err, ErrOptinRequired) ||
		errors.Is(err, ErrSubscriptionNotStarted) ||
		errors.Is(err, ErrCouponExpired) ||
		errors.Is(err, ErrCouponExhausted) ||
		errors.Is(err, ErrCouponNotApplicable) ||
		errors.Is(err, ErrRefundExceedsCharge)
}

// IsConsistency returns true for errors that indicate a programming or
// data bug. They are never corrected silently.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrLedgerImbalance) ||
		errors.Is(err, ErrInvalidChargeState) ||
		errors.Is(err, charge.ErrInvalidTransition)
}

// IsRetryable returns true if the next scheduler run may succeed.
func IsRetryable(err error) bool {
	return processor.IsTransient(err) ||
		errors.Is(err, ErrConcurrentUpdate) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, lock.ErrLocked)
}

// IsDeclined returns true for business declines, which are not retried.
func IsDeclined(err error) bool {
	return processor.IsDeclined(err)
}
