package store

import (
	"context"
	"fmt"
)

// schema creates every table the PostgresStore uses. Statements are
// idempotent so Migrate can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		parent_id TEXT REFERENCES organizations(id),
		path TEXT[] NOT NULL,
		level INTEGER NOT NULL,
		fee_config JSONB,
		settlement_cycle TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_organizations_path ON organizations USING GIN (path)`,

	`CREATE TABLE IF NOT EXISTS merchants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		org_path TEXT[] NOT NULL,
		fee_config JSONB,
		settlement_cycle TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_merchants_org ON merchants(organization_id)`,

	`CREATE TABLE IF NOT EXISTS payment_methods (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS transaction_events (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		org_path TEXT[] NOT NULL,
		payment_method_id TEXT NOT NULL,
		card_company TEXT NOT NULL DEFAULT '',
		sequence INTEGER NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transaction_events_txn ON transaction_events(transaction_id, sequence)`,

	`CREATE TABLE IF NOT EXISTS settlement_batches (
		id TEXT PRIMARY KEY,
		batch_number TEXT NOT NULL UNIQUE,
		cycle TEXT NOT NULL,
		settlement_date DATE NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		transaction_count INTEGER NOT NULL,
		total_amount BIGINT NOT NULL,
		total_fee_amount BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		UNIQUE (settlement_date, cycle)
	)`,

	`CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		transaction_event_id TEXT NOT NULL REFERENCES transaction_events(id),
		transaction_id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_path TEXT[] NOT NULL,
		entry_type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		fee_rate NUMERIC NOT NULL,
		fee_amount BIGINT NOT NULL,
		net_amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		settlement_cycle TEXT NOT NULL,
		event_occurred_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		batch_id TEXT REFERENCES settlement_batches(id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_event ON settlements(transaction_event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_unbatched ON settlements(settlement_cycle, event_occurred_at) WHERE batch_id IS NULL AND status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_entity_path ON settlements USING GIN (entity_path)`,
}

// Migrate creates the tables and indexes used by PostgresStore.
func Migrate(ctx context.Context, db querier) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}
