// Package store defines the persistence contract shared by every backend.
package store

import (
	"context"
	"time"

	"github.com/xraph/billing/charge"
	"github.com/xraph/billing/coupon"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plan"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
)

// Store is the unified storage interface for all billing entities.
type Store interface {
	organization.Store
	plan.Store
	subscription.Store
	subscription.UsageStore
	transaction.Store
	charge.Store
	coupon.Store

	// RecordNotice stores a notice key and reports whether it was new.
	RecordNotice(ctx context.Context, key string, at time.Time) (bool, error)

	// Atomic runs fn as one unit of work: every write made through the
	// context passed to fn commits together or not at all. Nested calls
	// join the outer unit.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
