package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates every table the settlement stores use. Each step is
// idempotent so it runs on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	steps := []struct {
		name string
		fn   func(context.Context, *pgxpool.Pool) error
	}{
		{"wallets", ensureWalletsTable},
		{"ledger_transactions", ensureLedgerTable},
		{"orders", ensureOrdersTable},
		{"escrow_holds", ensureEscrowHoldsTable},
		{"bank_accounts", ensureBankAccountsTable},
		{"payout_requests", ensurePayoutRequestsTable},
		{"virtual_account_links", ensureVirtualAccountLinksTable},
		{"idempotency_keys", ensureIdempotencyKeysTable},
	}
	for _, s := range steps {
		if err := s.fn(ctx, pool); err != nil {
			return fmt.Errorf("ensure %s: %w", s.name, err)
		}
	}
	return nil
}

func ensureWalletsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			available_balance BIGINT NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
			pending_balance BIGINT NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
			total_earned BIGINT NOT NULL DEFAULT 0,
			total_withdrawn BIGINT NOT NULL DEFAULT 0,
			linked_account_id TEXT,
			frozen BOOLEAN NOT NULL DEFAULT FALSE,
			frozen_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (actor_id, actor_role)
		)`)
	if err != nil {
		return err
	}
	// older deployments predate freezing
	_, err = pool.Exec(ctx, `
		ALTER TABLE wallets ADD COLUMN IF NOT EXISTS frozen BOOLEAN NOT NULL DEFAULT FALSE;
		ALTER TABLE wallets ADD COLUMN IF NOT EXISTS frozen_reason TEXT;`)
	return err
}

func ensureLedgerTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_transactions (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			type TEXT NOT NULL CHECK (type IN ('sale','escrow_hold','escrow_release','refund','payout','fee','adjustment')),
			amount BIGINT NOT NULL CHECK (amount > 0),
			fee BIGINT NOT NULL DEFAULT 0,
			net_amount BIGINT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','completed','failed','cancelled')),
			reference_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			available_delta BIGINT NOT NULL DEFAULT 0,
			pending_delta BIGINT NOT NULL DEFAULT 0,
			earned_delta BIGINT NOT NULL DEFAULT 0,
			withdrawn_delta BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			UNIQUE (wallet_id, idempotency_key)
		);
		CREATE INDEX IF NOT EXISTS ledger_transactions_wallet_created_idx
			ON ledger_transactions (wallet_id, created_at DESC);`)
	return err
}

func ensureOrdersTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			vendor_id TEXT NOT NULL,
			rider_id TEXT NOT NULL DEFAULT '',
			subtotal BIGINT NOT NULL CHECK (subtotal > 0),
			delivery_fee BIGINT NOT NULL DEFAULT 0 CHECK (delivery_fee >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func ensureEscrowHoldsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_holds (
			order_id TEXT PRIMARY KEY REFERENCES orders(id),
			gross_amount BIGINT NOT NULL CHECK (gross_amount > 0),
			platform_fee BIGINT NOT NULL DEFAULT 0,
			vendor_share BIGINT NOT NULL DEFAULT 0,
			rider_share BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK (status IN ('held','released','refunded')),
			resolution TEXT NOT NULL DEFAULT 'none' CHECK (resolution IN ('none','release','refund')),
			refund_reason TEXT NOT NULL DEFAULT '',
			source_provider TEXT NOT NULL DEFAULT '',
			gateway_reference TEXT NOT NULL DEFAULT '',
			held_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS escrow_holds_pending_idx
			ON escrow_holds (status, resolution) WHERE status = 'held' AND resolution <> 'none';`)
	return err
}

func ensureBankAccountsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bank_accounts (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			account_number TEXT NOT NULL,
			bank_code TEXT NOT NULL,
			account_name TEXT NOT NULL DEFAULT '',
			recipient_code TEXT NOT NULL DEFAULT '',
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (wallet_id, account_number, bank_code)
		)`)
	return err
}

func ensurePayoutRequestsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS payout_requests (
			id TEXT PRIMARY KEY,
			reference TEXT NOT NULL UNIQUE,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			bank_account_id TEXT NOT NULL REFERENCES bank_accounts(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			fee BIGINT NOT NULL DEFAULT 0,
			net_amount BIGINT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed','cancelled')),
			resolution TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			transfer_reference TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			requery_attempts INT NOT NULL DEFAULT 0,
			requested_at TIMESTAMPTZ NOT NULL,
			submitted_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS payout_requests_wallet_idx ON payout_requests (wallet_id, requested_at DESC);
		CREATE INDEX IF NOT EXISTS payout_requests_open_idx
			ON payout_requests (status, requested_at) WHERE status IN ('pending','processing');`)
	return err
}

func ensureVirtualAccountLinksTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS virtual_account_links (
			wallet_id TEXT PRIMARY KEY REFERENCES wallets(id),
			provider TEXT NOT NULL,
			provider_account_id TEXT NOT NULL DEFAULT '',
			account_number TEXT NOT NULL DEFAULT '',
			bank_name TEXT NOT NULL DEFAULT '',
			bank_code TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('active','unavailable')),
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func ensureIdempotencyKeysTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK (status IN ('in_flight','completed')),
			result BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			token TEXT NOT NULL DEFAULT ''
		);
		ALTER TABLE idempotency_keys ADD COLUMN IF NOT EXISTS token TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS idempotency_keys_expires_idx ON idempotency_keys (expires_at);`)
	return err
}
