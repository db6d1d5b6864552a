package billing

import "time"

// Config holds the tunables of an Engine. The zero value of a field means
// "use the default" when passed through WithConfig.
type Config struct {
	// BrokerSlug names the organization that hosts the platform and
	// collects broker fees.
	BrokerSlug string `json:"broker_slug" yaml:"broker_slug" mapstructure:"broker_slug"`

	// ProcessorSlug names the organization whose Funds account receives
	// collected payments before they are distributed.
	ProcessorSlug string `json:"processor_slug" yaml:"processor_slug" mapstructure:"processor_slug"`

	// DefaultCurrency is used for organizations created without one.
	DefaultCurrency string `json:"default_currency" yaml:"default_currency" mapstructure:"default_currency"`

	// ProcessorTimeout bounds every call to the payment processor.
	ProcessorTimeout time.Duration `json:"processor_timeout" yaml:"processor_timeout" mapstructure:"processor_timeout"`

	// ProcessingGracePeriod is how long a charge may stay in PROCESSING
	// before the sweep queries the processor about it.
	ProcessingGracePeriod time.Duration `json:"processing_grace_period" yaml:"processing_grace_period" mapstructure:"processing_grace_period"`

	// RenewalLookahead extends the renewal window past the end of the
	// calendar day of the run.
	RenewalLookahead time.Duration `json:"renewal_lookahead" yaml:"renewal_lookahead" mapstructure:"renewal_lookahead"`

	// NoticeDays lists the days before EndsAt at which expiration
	// notices are emitted.
	NoticeDays []int `json:"notice_days" yaml:"notice_days" mapstructure:"notice_days"`

	// DiscountAllPeriods applies the advance discount to every prepaid
	// period instead of every period but the first.
	DiscountAllPeriods bool `json:"discount_all_periods" yaml:"discount_all_periods" mapstructure:"discount_all_periods"`

	// ChargebackFee is charged to the provider, in minor units of the
	// charge currency, when a refund is caused by a chargeback.
	ChargebackFee int64 `json:"chargeback_fee" yaml:"chargeback_fee" mapstructure:"chargeback_fee"`

	// MaxChargeAttempts caps how many times the scheduler retries the same
	// outstanding balance after transient processor failures.
	MaxChargeAttempts int `json:"max_charge_attempts" yaml:"max_charge_attempts" mapstructure:"max_charge_attempts"`

	// LockTTL is the lifetime of per-subscription and per-organization locks.
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl" mapstructure:"lock_ttl"`

	// PageSize is the batch size used by Export.
	PageSize int `json:"page_size" yaml:"page_size" mapstructure:"page_size"`

	// HookTimeout bounds a single plugin hook call.
	HookTimeout time.Duration `json:"hook_timeout" yaml:"hook_timeout" mapstructure:"hook_timeout"`
}

// DefaultNoticeDays are the expiration notice offsets used when none are
// configured.
var DefaultNoticeDays = []int{90, 60, 30, 15, 1}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BrokerSlug:            "broker",
		ProcessorSlug:         "processor",
		DefaultCurrency:       "usd",
		ProcessorTimeout:      30 * time.Second,
		ProcessingGracePeriod: 15 * time.Minute,
		NoticeDays:            append([]int(nil), DefaultNoticeDays...),
		ChargebackFee:         1500,
		MaxChargeAttempts:     3,
		LockTTL:               time.Minute,
		PageSize:              500,
		HookTimeout:           5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BrokerSlug == "" {
		c.BrokerSlug = def.BrokerSlug
	}
	if c.ProcessorSlug == "" {
		c.ProcessorSlug = def.ProcessorSlug
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = def.DefaultCurrency
	}
	if c.ProcessorTimeout <= 0 {
		c.ProcessorTimeout = def.ProcessorTimeout
	}
	if c.ProcessingGracePeriod <= 0 {
		c.ProcessingGracePeriod = def.ProcessingGracePeriod
	}
	if len(c.NoticeDays) == 0 {
		c.NoticeDays = def.NoticeDays
	}
	if c.MaxChargeAttempts <= 0 {
		c.MaxChargeAttempts = def.MaxChargeAttempts
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = def.HookTimeout
	}
	return c
}
