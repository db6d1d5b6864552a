package audithook

// Action constants for audit events.
const (
	// Order actions
	ActionOrderPlaced = "order.placed"
	ActionUsageBilled = "usage.billed"

	// Subscription actions
	ActionSubscriptionExtended = "subscription.extended"
	ActionSubscriptionExpiring = "subscription.expiring"
	ActionSubscriptionCanceled = "subscription.canceled"
	ActionSubscriptionLocked   = "subscription.locked_out"

	// Charge actions
	ActionChargeSucceeded    = "charge.succeeded"
	ActionChargeFailed       = "charge.failed"
	ActionChargeDisputed     = "charge.disputed"
	ActionChargeUnreconciled = "charge.unreconciled"
	ActionRefundIssued       = "refund.issued"

	// Payment method actions
	ActionPaymentMethodNeeded   = "payment_method.needed"
	ActionPaymentMethodExpiring = "payment_method.expiring"
)

// Resource constants for audit events.
const (
	ResourceOrder         = "order"
	ResourceSubscription  = "subscription"
	ResourceCharge        = "charge"
	ResourceOrganization  = "organization"
	ResourcePaymentMethod = "payment_method"
)

// Category constants for audit events.
const (
	CategoryBilling      = "billing"
	CategorySubscription = "subscription"
	CategoryPayment      = "payment"
	CategoryNotice       = "notice"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
