package mongo

import (
	"time"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// ==================== Organization models ====================

type organizationModel struct {
	ID                     string            `bson:"_id"`
	Slug                   string            `bson:"slug"`
	DisplayName            string            `bson:"display_name"`
	ParentID               string            `bson:"parent_id,omitempty"`
	IsProvider             bool              `bson:"is_provider"`
	IsActive               bool              `bson:"is_active"`
	DefaultCurrency        string            `bson:"default_currency"`
	Timezone               string            `bson:"timezone"`
	PaymentMethodToken     string            `bson:"payment_method_token"`
	PaymentMethodExpiresAt *time.Time        `bson:"payment_method_expires_at,omitempty"`
	Metadata               map[string]string `bson:"metadata,omitempty"`
	CreatedAt              time.Time         `bson:"created_at"`
	UpdatedAt              time.Time         `bson:"updated_at"`
}

func toOrganizationModel(o *organization.Organization) *organizationModel {
	return &organizationModel{
		ID:                     o.ID.String(),
		Slug:                   o.Slug,
		DisplayName:            o.DisplayName,
		ParentID:               o.ParentID.String(),
		IsProvider:             o.IsProvider,
		IsActive:               o.IsActive,
		DefaultCurrency:        o.DefaultCurrency,
		Timezone:               o.Timezone,
		PaymentMethodToken:     o.PaymentMethodToken,
		PaymentMethodExpiresAt: o.PaymentMethodExpiresAt,
		Metadata:               o.Metadata,
		CreatedAt:              o.CreatedAt,
		UpdatedAt:              o.UpdatedAt,
	}
}

func fromOrganizationModel(m *organizationModel) (*organization.Organization, error) {
	var p idParser
	o := &organization.Organization{
		Entity:                 entity(m.CreatedAt, m.UpdatedAt),
		ID:                     p.parse(m.ID),
		Slug:                   m.Slug,
		DisplayName:            m.DisplayName,
		ParentID:               p.parse(m.ParentID),
		IsProvider:             m.IsProvider,
		IsActive:               m.IsActive,
		DefaultCurrency:        m.DefaultCurrency,
		Timezone:               m.Timezone,
		PaymentMethodToken:     m.PaymentMethodToken,
		PaymentMethodExpiresAt: utcPtr(m.PaymentMethodExpiresAt),
		Metadata:               m.Metadata,
	}
	return o, p.err
}

// ==================== Plan models ====================

type planModel struct {
	ID                  string            `bson:"_id"`
	ProviderID          string            `bson:"provider_id"`
	Slug                string            `bson:"slug"`
	Title               string            `bson:"title"`
	PeriodType          string            `bson:"period_type"`
	PeriodLength        int               `bson:"period_length"`
	PeriodAmount        int64             `bson:"period_amount"`
	SetupAmount         int64             `bson:"setup_amount"`
	Currency            string            `bson:"currency"`
	AdvanceDiscount     int64             `bson:"advance_discount"`
	RenewalType         string            `bson:"renewal_type"`
	BrokerFeePercentage int64             `bson:"broker_fee_percentage"`
	IsActive            bool              `bson:"is_active"`
	OptinOnRequest      bool              `bson:"optin_on_request"`
	Metadata            map[string]string `bson:"metadata,omitempty"`
	CreatedAt           time.Time         `bson:"created_at"`
	UpdatedAt           time.Time         `bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:                  p.ID.String(),
		ProviderID:          p.ProviderID.String(),
		Slug:                p.Slug,
		Title:               p.Title,
		PeriodType:          string(p.PeriodType),
		PeriodLength:        p.PeriodLength,
		PeriodAmount:        p.PeriodAmount,
		SetupAmount:         p.SetupAmount,
		Currency:            p.Currency,
		AdvanceDiscount:     p.AdvanceDiscount,
		RenewalType:         string(p.RenewalType),
		BrokerFeePercentage: p.BrokerFeePercentage,
		IsActive:            p.IsActive,
		OptinOnRequest:      p.OptinOnRequest,
		Metadata:            p.Metadata,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	var p idParser
	out := &plan.Plan{
		Entity:              entity(m.CreatedAt, m.UpdatedAt),
		ID:                  p.parse(m.ID),
		ProviderID:          p.parse(m.ProviderID),
		Slug:                m.Slug,
		Title:               m.Title,
		PeriodType:          plan.PeriodType(m.PeriodType),
		PeriodLength:        m.PeriodLength,
		PeriodAmount:        m.PeriodAmount,
		SetupAmount:         m.SetupAmount,
		Currency:            m.Currency,
		AdvanceDiscount:     m.AdvanceDiscount,
		RenewalType:         plan.RenewalType(m.RenewalType),
		BrokerFeePercentage: m.BrokerFeePercentage,
		IsActive:            m.IsActive,
		OptinOnRequest:      m.OptinOnRequest,
		Metadata:            m.Metadata,
	}
	return out, p.err
}

type useChargeModel struct {
	ID        string    `bson:"_id"`
	PlanID    string    `bson:"plan_id"`
	Slug      string    `bson:"slug"`
	Title     string    `bson:"title"`
	UseAmount int64     `bson:"use_amount"`
	Quota     int64     `bson:"quota"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toUseChargeModel(uc *plan.UseCharge) *useChargeModel {
	return &useChargeModel{
		ID:        uc.ID.String(),
		PlanID:    uc.PlanID.String(),
		Slug:      uc.Slug,
		Title:     uc.Title,
		UseAmount: uc.UseAmount,
		Quota:     uc.Quota,
		CreatedAt: uc.CreatedAt,
		UpdatedAt: uc.UpdatedAt,
	}
}

func fromUseChargeModel(m *useChargeModel) (*plan.UseCharge, error) {
	var p idParser
	uc := &plan.UseCharge{
		Entity:    entity(m.CreatedAt, m.UpdatedAt),
		ID:        p.parse(m.ID),
		PlanID:    p.parse(m.PlanID),
		Slug:      m.Slug,
		Title:     m.Title,
		UseAmount: m.UseAmount,
		Quota:     m.Quota,
	}
	return uc, p.err
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	ID           string            `bson:"_id"`
	SubscriberID string            `bson:"subscriber_id"`
	PlanID       string            `bson:"plan_id"`
	StartsAt     time.Time         `bson:"starts_at"`
	EndsAt       time.Time         `bson:"ends_at"`
	AutoRenew    bool              `bson:"auto_renew"`
	GrantKey     string            `bson:"grant_key,omitempty"`
	RequestKey   string            `bson:"request_key,omitempty"`
	CanceledAt   *time.Time        `bson:"canceled_at,omitempty"`
	Version      int64             `bson:"version"`
	Metadata     map[string]string `bson:"metadata,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:           s.ID.String(),
		SubscriberID: s.SubscriberID.String(),
		PlanID:       s.PlanID.String(),
		StartsAt:     s.StartsAt,
		EndsAt:       s.EndsAt,
		AutoRenew:    s.AutoRenew,
		GrantKey:     s.GrantKey,
		RequestKey:   s.RequestKey,
		CanceledAt:   s.CanceledAt,
		Version:      s.Version,
		Metadata:     s.Metadata,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	var p idParser
	s := &subscription.Subscription{
		Entity:       entity(m.CreatedAt, m.UpdatedAt),
		ID:           p.parse(m.ID),
		SubscriberID: p.parse(m.SubscriberID),
		PlanID:       p.parse(m.PlanID),
		StartsAt:     m.StartsAt.UTC(),
		EndsAt:       m.EndsAt.UTC(),
		AutoRenew:    m.AutoRenew,
		GrantKey:     m.GrantKey,
		RequestKey:   m.RequestKey,
		CanceledAt:   utcPtr(m.CanceledAt),
		Version:      m.Version,
		Metadata:     m.Metadata,
	}
	return s, p.err
}

type usageModel struct {
	SubscriptionID string    `bson:"subscription_id"`
	UseChargeID    string    `bson:"use_charge_id"`
	PeriodStart    time.Time `bson:"period_start"`
	Units          int64     `bson:"units"`
}

// ==================== Transaction models ====================

type transactionModel struct {
	ID                 string    `bson:"_id"`
	Seq                int64     `bson:"seq"`
	CreatedAt          time.Time `bson:"created_at"`
	OrigAccount        string    `bson:"orig_account"`
	OrigOrganizationID string    `bson:"orig_organization_id"`
	OrigAmount         int64     `bson:"orig_amount"`
	OrigUnit           string    `bson:"orig_unit"`
	DestAccount        string    `bson:"dest_account"`
	DestOrganizationID string    `bson:"dest_organization_id"`
	DestAmount         int64     `bson:"dest_amount"`
	DestUnit           string    `bson:"dest_unit"`
	Description        string    `bson:"description"`
	EventID            string    `bson:"event_id,omitempty"`
	SubscriptionID     string    `bson:"subscription_id,omitempty"`
}

func toTransactionModel(t *transaction.Transaction) *transactionModel {
	return &transactionModel{
		ID:                 t.ID.String(),
		Seq:                t.Seq,
		CreatedAt:          t.CreatedAt,
		OrigAccount:        string(t.OrigAccount),
		OrigOrganizationID: t.OrigOrganizationID.String(),
		OrigAmount:         t.OrigAmount,
		OrigUnit:           t.OrigUnit,
		DestAccount:        string(t.DestAccount),
		DestOrganizationID: t.DestOrganizationID.String(),
		DestAmount:         t.DestAmount,
		DestUnit:           t.DestUnit,
		Description:        t.Description,
		EventID:            t.EventID,
		SubscriptionID:     t.SubscriptionID.String(),
	}
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	var p idParser
	t := &transaction.Transaction{
		ID:                 p.parse(m.ID),
		Seq:                m.Seq,
		CreatedAt:          m.CreatedAt.UTC(),
		OrigAccount:        transaction.Account(m.OrigAccount),
		OrigOrganizationID: p.parse(m.OrigOrganizationID),
		OrigAmount:         m.OrigAmount,
		OrigUnit:           m.OrigUnit,
		DestAccount:        transaction.Account(m.DestAccount),
		DestOrganizationID: p.parse(m.DestOrganizationID),
		DestAmount:         m.DestAmount,
		DestUnit:           m.DestUnit,
		Description:        m.Description,
		EventID:            m.EventID,
		SubscriptionID:     p.parse(m.SubscriptionID),
	}
	return t, p.err
}

// ==================== Charge models ====================

type chargeModel struct {
	ID                string          `bson:"_id"`
	OrganizationID    string          `bson:"organization_id"`
	Amount            int64           `bson:"amount"`
	Currency          string          `bson:"currency"`
	State             string          `bson:"state"`
	IdempotencyKey    string          `bson:"idempotency_key,omitempty"`
	ProcessorName     string          `bson:"processor_name"`
	IntentKey         string          `bson:"intent_key"`
	ProcessorChargeID string          `bson:"processor_charge_id,omitempty"`
	RefundedAmount    int64           `bson:"refunded_amount"`
	FailureCode       string          `bson:"failure_code"`
	FailureMessage    string          `bson:"failure_message"`
	Description       string          `bson:"description"`
	LineItems         []lineItemModel `bson:"line_items"`
	ProcessingAt      *time.Time      `bson:"processing_at,omitempty"`
	Version           int64           `bson:"version"`
	CreatedAt         time.Time       `bson:"created_at"`
	UpdatedAt         time.Time       `bson:"updated_at"`
}

type lineItemModel struct {
	TransactionID  string `bson:"transaction_id"`
	SubscriptionID string `bson:"subscription_id,omitempty"`
	ProviderID     string `bson:"provider_id"`
	Amount         int64  `bson:"amount"`
	BrokerFee      int64  `bson:"broker_fee"`
	RefundedAmount int64  `bson:"refunded_amount"`
}

func toChargeModel(c *charge.Charge) *chargeModel {
	items := make([]lineItemModel, 0, len(c.LineItems))
	for _, li := range c.LineItems {
		items = append(items, lineItemModel{
			TransactionID:  li.TransactionID.String(),
			SubscriptionID: li.SubscriptionID.String(),
			ProviderID:     li.ProviderID.String(),
			Amount:         li.Amount,
			BrokerFee:      li.BrokerFee,
			RefundedAmount: li.RefundedAmount,
		})
	}
	return &chargeModel{
		ID:                c.ID.String(),
		OrganizationID:    c.OrganizationID.String(),
		Amount:            c.Amount,
		Currency:          c.Currency,
		State:             string(c.State),
		IdempotencyKey:    c.IdempotencyKey,
		ProcessorName:     c.ProcessorName,
		IntentKey:         c.IntentKey,
		ProcessorChargeID: c.ProcessorChargeID,
		RefundedAmount:    c.RefundedAmount,
		FailureCode:       c.FailureCode,
		FailureMessage:    c.FailureMessage,
		Description:       c.Description,
		LineItems:         items,
		ProcessingAt:      c.ProcessingAt,
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func fromChargeModel(m *chargeModel) (*charge.Charge, error) {
	var p idParser
	c := &charge.Charge{
		Entity:            entity(m.CreatedAt, m.UpdatedAt),
		ID:                p.parse(m.ID),
		OrganizationID:    p.parse(m.OrganizationID),
		Amount:            m.Amount,
		Currency:          m.Currency,
		State:             charge.State(m.State),
		IdempotencyKey:    m.IdempotencyKey,
		ProcessorName:     m.ProcessorName,
		IntentKey:         m.IntentKey,
		ProcessorChargeID: m.ProcessorChargeID,
		RefundedAmount:    m.RefundedAmount,
		FailureCode:       m.FailureCode,
		FailureMessage:    m.FailureMessage,
		Description:       m.Description,
		ProcessingAt:      utcPtr(m.ProcessingAt),
		Version:           m.Version,
	}
	for _, li := range m.LineItems {
		c.LineItems = append(c.LineItems, charge.LineItem{
			TransactionID:  p.parse(li.TransactionID),
			SubscriptionID: p.parse(li.SubscriptionID),
			ProviderID:     p.parse(li.ProviderID),
			Amount:         li.Amount,
			BrokerFee:      li.BrokerFee,
			RefundedAmount: li.RefundedAmount,
		})
	}
	return c, p.err
}

// ==================== Coupon models ====================

type couponModel struct {
	ID            string     `bson:"_id"`
	Code          string     `bson:"code"`
	ProviderID    string     `bson:"provider_id"`
	Description   string     `bson:"description"`
	DiscountType  string     `bson:"discount_type"`
	DiscountValue int64      `bson:"discount_value"`
	PlanID        string     `bson:"plan_id,omitempty"`
	ExpiresAt     *time.Time `bson:"expires_at,omitempty"`
	MaxUses       int64      `bson:"max_uses"`
	Uses          int64      `bson:"uses"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func toCouponModel(c *coupon.Coupon) *couponModel {
	return &couponModel{
		ID:            c.ID.String(),
		Code:          c.Code,
		ProviderID:    c.ProviderID.String(),
		Description:   c.Description,
		DiscountType:  string(c.DiscountType),
		DiscountValue: c.DiscountValue,
		PlanID:        c.PlanID.String(),
		ExpiresAt:     c.ExpiresAt,
		MaxUses:       c.MaxUses,
		Uses:          c.Uses,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func fromCouponModel(m *couponModel) (*coupon.Coupon, error) {
	var p idParser
	c := &coupon.Coupon{
		Entity:        entity(m.CreatedAt, m.UpdatedAt),
		ID:            p.parse(m.ID),
		Code:          m.Code,
		ProviderID:    p.parse(m.ProviderID),
		Description:   m.Description,
		DiscountType:  coupon.DiscountType(m.DiscountType),
		DiscountValue: m.DiscountValue,
		PlanID:        p.parse(m.PlanID),
		ExpiresAt:     utcPtr(m.ExpiresAt),
		MaxUses:       m.MaxUses,
		Uses:          m.Uses,
	}
	return c, p.err
}

// ==================== Helpers ====================

// idParser parses stored IDs and keeps the first failure.
type idParser struct{ err error }

func (p *idParser) parse(s string) id.ID {
	if s == "" {
		return id.Nil
	}
	v, err := id.Parse(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return v
}

func entity(created, updated time.Time) types.Entity {
	return types.Entity{CreatedAt: created.UTC(), UpdatedAt: updated.UTC()}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
