package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change, applied in its own transaction.
type Migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations lists the schema of the billing store.
var Migrations = []Migration{
	{
		Name:    "create_billing_organizations",
		Version: "20260101000001",
		Up: `
CREATE TABLE IF NOT EXISTS billing_organizations (
    id                        TEXT PRIMARY KEY,
    slug                      TEXT NOT NULL UNIQUE,
    display_name              TEXT NOT NULL DEFAULT '',
    parent_id                 TEXT,
    is_provider               INTEGER NOT NULL DEFAULT 0,
    is_active                 INTEGER NOT NULL DEFAULT 1,
    default_currency          TEXT NOT NULL DEFAULT '',
    timezone                  TEXT NOT NULL DEFAULT '',
    payment_method_token      TEXT NOT NULL DEFAULT '',
    payment_method_expires_at INTEGER,
    metadata                  TEXT NOT NULL DEFAULT '{}',
    created_at                INTEGER NOT NULL,
    updated_at                INTEGER NOT NULL
);
`,
	},
	{
		Name:    "create_billing_plans",
		Version: "20260101000002",
		Up: `
CREATE TABLE IF NOT EXISTS billing_plans (
    id                    TEXT PRIMARY KEY,
    provider_id           TEXT NOT NULL REFERENCES billing_organizations (id),
    slug                  TEXT NOT NULL,
    title                 TEXT NOT NULL DEFAULT '',
    period_type           TEXT NOT NULL,
    period_length         INTEGER NOT NULL DEFAULT 1,
    period_amount         INTEGER NOT NULL DEFAULT 0,
    setup_amount          INTEGER NOT NULL DEFAULT 0,
    currency              TEXT NOT NULL,
    advance_discount      INTEGER NOT NULL DEFAULT 0,
    renewal_type          TEXT NOT NULL,
    broker_fee_percentage INTEGER NOT NULL DEFAULT 0,
    is_active             INTEGER NOT NULL DEFAULT 1,
    optin_on_request      INTEGER NOT NULL DEFAULT 0,
    metadata              TEXT NOT NULL DEFAULT '{}',
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL,
    UNIQUE (provider_id, slug)
);

CREATE TABLE IF NOT EXISTS billing_use_charges (
    id         TEXT PRIMARY KEY,
    plan_id    TEXT NOT NULL REFERENCES billing_plans (id),
    slug       TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    use_amount INTEGER NOT NULL DEFAULT 0,
    quota      INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_billing_use_charges_plan ON billing_use_charges (plan_id);
`,
	},
	{
		Name:    "create_billing_subscriptions",
		Version: "20260101000003",
		Up: `
CREATE TABLE IF NOT EXISTS billing_subscriptions (
    id            TEXT PRIMARY KEY,
    subscriber_id TEXT NOT NULL REFERENCES billing_organizations (id),
    plan_id       TEXT NOT NULL REFERENCES billing_plans (id),
    starts_at     INTEGER NOT NULL,
    ends_at       INTEGER NOT NULL,
    auto_renew    INTEGER NOT NULL DEFAULT 0,
    grant_key     TEXT NOT NULL DEFAULT '',
    request_key   TEXT NOT NULL DEFAULT '',
    canceled_at   INTEGER,
    version       INTEGER NOT NULL DEFAULT 0,
    metadata      TEXT NOT NULL DEFAULT '{}',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_billing_subscriptions_subscriber ON billing_subscriptions (subscriber_id, plan_id, ends_at);
CREATE INDEX IF NOT EXISTS idx_billing_subscriptions_ends_at ON billing_subscriptions (ends_at, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_subscriptions_grant_key ON billing_subscriptions (grant_key) WHERE grant_key <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_subscriptions_request_key ON billing_subscriptions (request_key) WHERE request_key <> '';

CREATE TABLE IF NOT EXISTS billing_usage (
    subscription_id TEXT NOT NULL REFERENCES billing_subscriptions (id),
    use_charge_id   TEXT NOT NULL REFERENCES billing_use_charges (id),
    period_start    INTEGER NOT NULL,
    units           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (subscription_id, use_charge_id, period_start)
);
`,
	},
	{
		Name:    "create_billing_transactions",
		Version: "20260101000004",
		Up: `
CREATE TABLE IF NOT EXISTS billing_transactions (
    seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
    id                   TEXT NOT NULL UNIQUE,
    created_at           INTEGER NOT NULL,
    orig_account         TEXT NOT NULL,
    orig_organization_id TEXT NOT NULL,
    orig_amount          INTEGER NOT NULL CHECK (orig_amount >= 0),
    orig_unit            TEXT NOT NULL,
    dest_account         TEXT NOT NULL,
    dest_organization_id TEXT NOT NULL,
    dest_amount          INTEGER NOT NULL CHECK (dest_amount >= 0),
    dest_unit            TEXT NOT NULL,
    description          TEXT NOT NULL DEFAULT '',
    event_id             TEXT NOT NULL DEFAULT '',
    subscription_id      TEXT
);

CREATE INDEX IF NOT EXISTS idx_billing_transactions_order ON billing_transactions (created_at, seq);
CREATE INDEX IF NOT EXISTS idx_billing_transactions_dest ON billing_transactions (dest_organization_id, dest_account, dest_unit, created_at);
CREATE INDEX IF NOT EXISTS idx_billing_transactions_orig ON billing_transactions (orig_organization_id, orig_account, orig_unit, created_at);
CREATE INDEX IF NOT EXISTS idx_billing_transactions_event ON billing_transactions (event_id);

CREATE TRIGGER IF NOT EXISTS billing_transactions_no_update
BEFORE UPDATE ON billing_transactions
BEGIN
    SELECT RAISE(ABORT, 'billing_transactions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS billing_transactions_no_delete
BEFORE DELETE ON billing_transactions
BEGIN
    SELECT RAISE(ABORT, 'billing_transactions is append-only');
END;
`,
	},
	{
		Name:    "create_billing_charges",
		Version: "20260101000005",
		Up: `
CREATE TABLE IF NOT EXISTS billing_charges (
    id                  TEXT PRIMARY KEY,
    organization_id     TEXT NOT NULL REFERENCES billing_organizations (id),
    amount              INTEGER NOT NULL,
    currency            TEXT NOT NULL,
    state               TEXT NOT NULL,
    idempotency_key     TEXT UNIQUE,
    processor_name      TEXT NOT NULL DEFAULT '',
    intent_key          TEXT NOT NULL DEFAULT '',
    processor_charge_id TEXT NOT NULL DEFAULT '',
    refunded_amount     INTEGER NOT NULL DEFAULT 0,
    failure_code        TEXT NOT NULL DEFAULT '',
    failure_message     TEXT NOT NULL DEFAULT '',
    description         TEXT NOT NULL DEFAULT '',
    line_items          TEXT NOT NULL DEFAULT '[]',
    processing_at       INTEGER,
    version             INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_billing_charges_org ON billing_charges (organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_billing_charges_state ON billing_charges (state, processing_at);
CREATE INDEX IF NOT EXISTS idx_billing_charges_processor ON billing_charges (processor_charge_id);
`,
	},
	{
		Name:    "create_billing_coupons_and_notices",
		Version: "20260101000006",
		Up: `
CREATE TABLE IF NOT EXISTS billing_coupons (
    id             TEXT PRIMARY KEY,
    code           TEXT NOT NULL UNIQUE,
    provider_id    TEXT NOT NULL REFERENCES billing_organizations (id),
    description    TEXT NOT NULL DEFAULT '',
    discount_type  TEXT NOT NULL,
    discount_value INTEGER NOT NULL DEFAULT 0,
    plan_id        TEXT REFERENCES billing_plans (id),
    expires_at     INTEGER,
    max_uses       INTEGER NOT NULL DEFAULT 0,
    uses           INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_billing_coupons_provider ON billing_coupons (provider_id, code);

CREATE TABLE IF NOT EXISTS billing_notices (
    key     TEXT PRIMARY KEY,
    sent_at INTEGER NOT NULL
);
`,
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS billing_migrations (
		version    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range Migrations {
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var applied bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM billing_migrations WHERE version = ?)`,
		m.Version).Scan(&applied); err != nil {
		return err
	}
	if applied {
		return nil
	}
	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO billing_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, toNanos(time.Now())); err != nil {
		return err
	}
	return tx.Commit()
}
