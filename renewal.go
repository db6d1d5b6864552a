package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/lock"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/processor"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// maxPeriodsPerRun bounds how many periods a single run posts for one
// subscription. Hourly plans need up to a day's worth.
const maxPeriodsPerRun = 1000

// RenewalReport summarizes a scheduler run.
type RenewalReport struct {
	At time.Time
	// Extended counts the periods posted.
	Extended int
	// Subscriptions counts the subscriptions extended.
	Subscriptions int
	// Skipped counts subscriptions another run was already working on.
	Skipped int
	Charged int
	Pending int
	Declined int
	// LockedOut counts subscriptions ended after a declined charge.
	LockedOut int
	Notices   int
}

// RunRenewals runs one scheduler cycle: extend what renews today, charge
// every outstanding balance, then send expiration notices. Each step is
// idempotent, so an external cron may run it more than once for the same
// time. A failing step does not stop the next one.
func (e *Engine) RunRenewals(ctx context.Context, at time.Time) (*RenewalReport, error) {
	report := &RenewalReport{At: at.UTC()}
	var errs MultiError

	errs.Add(e.extendSubscriptions(ctx, at, report))
	errs.Add(e.createChargesForBalance(ctx, at, report))
	errs.Add(e.triggerExpirationNotices(ctx, at, report))

	e.logger.Info("renewal run finished",
		"at", report.At,
		"extended", report.Extended,
		"charged", report.Charged,
		"declined", report.Declined,
		"notices", report.Notices,
		"errors", len(errs.Errors),
	)
	return report, errs.ErrOrNil()
}

// ExtendSubscriptions posts the next period of every auto-renewing
// subscription that ends within the renewal window of at: the calendar
// day of at plus Config.RenewalLookahead. A subscription is extended until
// it ends after the window, so running it again for the same at posts
// nothing.
func (e *Engine) ExtendSubscriptions(ctx context.Context, at time.Time) (*RenewalReport, error) {
	report := &RenewalReport{At: at.UTC()}
	return report, e.extendSubscriptions(ctx, at, report)
}

// CreateChargesForBalance charges every organization with a positive
// payable balance as of at.
func (e *Engine) CreateChargesForBalance(ctx context.Context, at time.Time) (*RenewalReport, error) {
	report := &RenewalReport{At: at.UTC()}
	return report, e.createChargesForBalance(ctx, at, report)
}

// TriggerExpirationNotices emits the notice due for every subscription
// ending Config.NoticeDays days after at. Each notice is sent once.
func (e *Engine) TriggerExpirationNotices(ctx context.Context, at time.Time) (*RenewalReport, error) {
	report := &RenewalReport{At: at.UTC()}
	return report, e.triggerExpirationNotices(ctx, at, report)
}

func (e *Engine) renewalWindow(at time.Time) (time.Time, time.Time) {
	from := startOfDay(at)
	return from, from.AddDate(0, 0, 1).Add(e.config.RenewalLookahead)
}

func (e *Engine) extendSubscriptions(ctx context.Context, at time.Time, report *RenewalReport) error {
	from, until := e.renewalWindow(at)
	renewing := true
	subs, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{
		EndsAfter:  from,
		EndsBefore: until,
		AutoRenew:  &renewing,
	})
	if err != nil {
		return fmt.Errorf("list renewable subscriptions: %w", err)
	}

	var errs MultiError
	for _, s := range subs {
		n, err := e.extendSubscription(ctx, s.ID, until)
		switch {
		case errors.Is(err, lock.ErrLocked):
			report.Skipped++
		case err != nil:
			errs.Add(fmt.Errorf("extend subscription %s: %w", s.ID, err))
		case n > 0:
			report.Extended += n
			report.Subscriptions++
		}
	}
	return errs.ErrOrNil()
}

// extendSubscription posts periods until the subscription ends at or after
// until. Each period carries an event ID derived from its start, so a
// period is never posted twice.
func (e *Engine) extendSubscription(ctx context.Context, subID id.ID, until time.Time) (int, error) {
	var (
		sub    *subscription.Subscription
		p      *plan.Plan
		posted []*transaction.Transaction
	)
	err := e.withLock(ctx, subscriptionLockKey(subID), func() error {
		return e.store.Atomic(ctx, func(ctx context.Context) error {
			var err error
			if sub, err = e.store.GetSubscription(ctx, subID); err != nil {
				return err
			}
			if !sub.AutoRenew || sub.State(e.now()) == subscription.StatePendingOptin {
				return nil
			}
			if p, err = e.store.GetPlan(ctx, sub.PlanID); err != nil {
				return err
			}
			if !p.AllowsAutoRenew() {
				return nil
			}

			var drafts []transaction.Draft
			for len(drafts) < maxPeriodsPerRun && sub.EndsAt.Before(until) {
				start := sub.EndsAt
				eventID := periodEventID(sub.ID, start)
				done, err := e.store.HasEventTransactions(ctx, eventID)
				if err != nil {
					return err
				}
				if done {
					e.logger.Warn("period already posted", "subscription_id", sub.ID.String(), "event_id", eventID)
					break
				}
				price, err := e.pricing.PriceForPeriod(p, start, 1, false)
				if err != nil {
					return err
				}
				end := p.AddPeriods(start, 1)
				drafts = append(drafts, transaction.Transfer(
					p.ProviderID, transaction.Backlog,
					sub.SubscriberID, transaction.Payable,
					price.Amount, p.Currency,
					fmt.Sprintf("Renewal of %s until %s", p.Title, end.Format("2006/01/02")),
				).WithEvent(eventID).For(sub.ID))
				sub.EndsAt = end
			}
			if len(drafts) == 0 {
				return nil
			}

			if posted, err = e.Post(ctx, drafts); err != nil {
				return err
			}
			sub.Touch(e.now())
			return e.store.UpdateSubscription(ctx, sub)
		})
	})
	if err != nil || len(posted) == 0 {
		return 0, err
	}

	var total int64
	for _, t := range posted {
		total += t.DestAmount
	}
	e.logger.Info("subscription extended",
		"subscription_id", sub.ID.String(),
		"periods", len(posted),
		"ends_at", sub.EndsAt,
	)
	e.emit(ctx, sub.SubscriberID, plugin.Signal{
		Name:         plugin.SignalSubscriptionExtended,
		Subscription: sub,
		Plan:         p,
		Amount:       money(types.New(total, p.Currency)),
	})
	return len(posted), nil
}

func periodEventID(subID id.ID, start time.Time) string {
	return fmt.Sprintf("%s:period:%d", subID, start.Unix())
}

func (e *Engine) createChargesForBalance(ctx context.Context, at time.Time, report *RenewalReport) error {
	balances, err := e.store.ListBalances(ctx, transaction.Payable, at)
	if err != nil {
		return fmt.Errorf("list payable balances: %w", err)
	}

	var errs MultiError
	for _, b := range balances {
		if b.Amount <= 0 {
			continue
		}
		if err := e.chargeBalance(ctx, at, b, report); err != nil {
			errs.Add(fmt.Errorf("charge %s: %w", b.OrganizationID, err))
		}
	}
	return errs.ErrOrNil()
}

func (e *Engine) chargeBalance(ctx context.Context, at time.Time, b transaction.Balance, report *RenewalReport) error {
	org, err := e.store.GetOrganization(ctx, b.OrganizationID)
	if err != nil {
		return err
	}

	open, err := e.openItems(ctx, org.ID, b.Unit)
	if err != nil {
		return err
	}
	outstanding := open.total()
	if outstanding+open.reserved != b.Amount {
		e.logger.Error("payable balance does not match open entries",
			"organization_id", org.ID.String(),
			"balance", b.Amount,
			"open", outstanding,
			"reserved", open.reserved,
		)
		return fmt.Errorf("%w: payable %d, open %d, reserved %d", ErrLedgerImbalance, b.Amount, outstanding, open.reserved)
	}
	if outstanding <= 0 {
		return nil
	}

	intent := renewalIntentKey(org.ID, open.items)
	if !org.PaymentMethodValidUntil(at) {
		return e.noticeOnce(ctx, "payment-method-needed:"+intent, at, plugin.Signal{
			Name:         plugin.SignalPaymentMethodNeeded,
			Organization: org,
			Amount:       money(types.New(outstanding, b.Unit)),
		}, report)
	}

	key, err := e.nextAttemptKey(ctx, intent)
	if err != nil || key == "" {
		return err
	}

	ids := make([]id.ID, len(open.items))
	for i, li := range open.items {
		ids[i] = li.TransactionID
	}
	c, err := e.CreatePayment(ctx, PaymentRequest{
		OrganizationID: org.ID,
		Amount:         types.New(outstanding, b.Unit),
		IdempotencyKey: key,
		IntentKey:      intent,
		TransactionIDs: ids,
		Description:    "Balance due as of " + at.UTC().Format("2006/01/02"),
	})
	switch {
	case err == nil && c.State == charge.StateSucceeded:
		report.Charged++
		return nil
	case err == nil:
		report.Pending++
		return nil
	case errors.Is(err, ErrDuplicateCharge):
		return nil
	case processor.IsDeclined(err):
		report.Declined++
		n, lerr := e.lockOut(ctx, c)
		report.LockedOut += n
		return lerr
	case processor.IsTransient(err):
		e.logger.Warn("renewal charge will be retried on the next run",
			"organization_id", org.ID.String(),
			"idempotency_key", key,
			"error", err,
		)
		return nil
	}
	return err
}

// renewalIntentKey identifies the set of payables a renewal charge
// collects. The same open entries always map to the same key.
func renewalIntentKey(orgID id.ID, items []charge.LineItem) string {
	ids := make([]string, len(items))
	for i, li := range items {
		ids[i] = li.TransactionID.String()
	}
	slices.Sort(ids)
	h := sha256.New()
	for _, s := range ids {
		h.Write([]byte(s)) //nolint:errcheck // hash writes never fail
		h.Write([]byte{0}) //nolint:errcheck // hash writes never fail
	}
	return "renewal:" + orgID.String() + ":" + hex.EncodeToString(h.Sum(nil)[:8])
}

// nextAttemptKey returns the idempotency key for the next attempt at
// intent, or "" when no new attempt should be made: a previous attempt
// succeeded, is still in flight, was declined, or the retry budget for
// transient failures is spent.
func (e *Engine) nextAttemptKey(ctx context.Context, intent string) (string, error) {
	for attempt := 1; attempt <= e.config.MaxChargeAttempts; attempt++ {
		key := intent
		if attempt > 1 {
			key = fmt.Sprintf("%s:%d", intent, attempt)
		}
		c, err := e.store.GetChargeByIdempotencyKey(ctx, key)
		if IsNotFound(err) {
			return key, nil
		}
		if err != nil {
			return "", err
		}
		if c.State != charge.StateFailed || !retryableFailure(c.FailureCode) {
			return "", nil
		}
	}
	e.logger.Warn("renewal charge attempts exhausted", "intent", intent, "attempts", e.config.MaxChargeAttempts)
	return "", nil
}

func retryableFailure(code string) bool {
	return code == FailureTimeout || code == FailureUnavailable
}

func (e *Engine) triggerExpirationNotices(ctx context.Context, at time.Time, report *RenewalReport) error {
	day := startOfDay(at)
	plans := map[id.ID]*plan.Plan{}
	orgs := map[id.ID]*organization.Organization{}

	var errs MultiError
	for _, days := range e.config.NoticeDays {
		from := day.AddDate(0, 0, days)
		subs, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{
			EndsAfter:  from,
			EndsBefore: from.AddDate(0, 0, 1),
		})
		if err != nil {
			errs.Add(fmt.Errorf("list subscriptions ending in %d days: %w", days, err))
			continue
		}

		for _, sub := range subs {
			if sub.State(at) != subscription.StateActive {
				continue
			}
			org, ok := orgs[sub.SubscriberID]
			if !ok {
				if org, err = e.store.GetOrganization(ctx, sub.SubscriberID); err != nil {
					errs.Add(err)
					continue
				}
				orgs[sub.SubscriberID] = org
			}
			name, ok := ExpirationSignal(sub, org)
			if !ok {
				continue
			}
			p, ok := plans[sub.PlanID]
			if !ok {
				if p, err = e.store.GetPlan(ctx, sub.PlanID); err != nil {
					errs.Add(err)
					continue
				}
				plans[sub.PlanID] = p
			}

			key := fmt.Sprintf("notice:%s:%d:%d", sub.ID, days, sub.EndsAt.Unix())
			errs.Add(e.noticeOnce(ctx, key, at, plugin.Signal{
				Name:          name,
				Organization:  org,
				Subscription:  sub,
				Plan:          p,
				DaysRemaining: days,
			}, report))
		}
	}
	return errs.ErrOrNil()
}

// ExpirationSignal decides which notice, if any, a subscription nearing
// its end needs:
//
//	auto_renew off                          subscription.expiring
//	auto_renew on, no card on file          payment_method.needed
//	auto_renew on, card expires before end  payment_method.expiring
//	auto_renew on, valid card               none, it will renew
func ExpirationSignal(sub *subscription.Subscription, org *organization.Organization) (plugin.SignalName, bool) {
	switch {
	case !sub.AutoRenew:
		return plugin.SignalSubscriptionExpiring, true
	case !org.HasPaymentMethod():
		return plugin.SignalPaymentMethodNeeded, true
	case !org.PaymentMethodValidUntil(sub.EndsAt):
		return plugin.SignalPaymentMethodExpiring, true
	}
	return "", false
}

// noticeOnce emits sig the first time key is seen.
func (e *Engine) noticeOnce(ctx context.Context, key string, at time.Time, sig plugin.Signal, report *RenewalReport) error {
	fresh, err := e.store.RecordNotice(ctx, key, at)
	if err != nil {
		return fmt.Errorf("record notice %s: %w", key, err)
	}
	if !fresh {
		return nil
	}
	sig.At = at.UTC()
	e.emit(ctx, sig.Organization.ID, sig)
	report.Notices++
	return nil
}
