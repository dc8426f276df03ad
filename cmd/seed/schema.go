package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The schema is idempotent so the seed can run against a fresh database or
// re-run against an existing one.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	preferred_fiat TEXT NOT NULL DEFAULT 'USD',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assets (
	id UUID PRIMARY KEY,
	symbol TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	fiat BOOLEAN NOT NULL DEFAULT FALSE,
	staking BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS networks (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	full_name TEXT NOT NULL,
	confirmations INT NOT NULL DEFAULT 1,
	min_deposit_amount NUMERIC(36, 18) NOT NULL DEFAULT 0,
	apr_low DOUBLE PRECISION NOT NULL DEFAULT 0,
	apr_high DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS asset_networks (
	asset_id UUID NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	network_id UUID NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
	PRIMARY KEY (asset_id, network_id)
);

CREATE TABLE IF NOT EXISTS balances (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id),
	asset_id UUID NOT NULL REFERENCES assets(id),
	network_id UUID REFERENCES networks(id),
	network_key UUID GENERATED ALWAYS AS
		(COALESCE(network_id, '00000000-0000-0000-0000-000000000000'::uuid)) STORED,
	available NUMERIC(36, 18) NOT NULL DEFAULT 0 CHECK (available >= 0),
	public TEXT,
	private TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, asset_id, network_key)
);

CREATE INDEX IF NOT EXISTS balances_public_idx ON balances (public);

CREATE TABLE IF NOT EXISTS quotes (
	id BIGSERIAL PRIMARY KEY,
	asset_id UUID NOT NULL REFERENCES assets(id),
	interval TEXT NOT NULL DEFAULT '1m',
	bid NUMERIC(36, 18) NOT NULL DEFAULT 0,
	ask NUMERIC(36, 18) NOT NULL DEFAULT 0,
	last_price NUMERIC(36, 18) NOT NULL DEFAULT 0,
	value_in_usd NUMERIC(36, 18) NOT NULL DEFAULT 0,
	time TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS quotes_asset_time_idx ON quotes (asset_id, time DESC);

CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id),
	asset_id UUID NOT NULL REFERENCES assets(id),
	network_id UUID REFERENCES networks(id),
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	amount NUMERIC(36, 18) NOT NULL,
	fee NUMERIC(36, 18) NOT NULL DEFAULT 0,
	from_address TEXT,
	to_address TEXT,
	tx_hash TEXT,
	error_message TEXT,
	sources TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS stake_pendings (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id),
	asset_id UUID NOT NULL REFERENCES assets(id),
	amount NUMERIC(36, 18) NOT NULL DEFAULT 0 CHECK (amount >= 0),
	rewards NUMERIC(36, 18) NOT NULL DEFAULT 0 CHECK (rewards >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS stake_pendings_user_asset_idx ON stake_pendings (user_id, asset_id);

CREATE TABLE IF NOT EXISTS stake_txs (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id),
	asset_id UUID NOT NULL REFERENCES assets(id),
	type TEXT NOT NULL,
	amount NUMERIC(36, 18) NOT NULL DEFAULT 0,
	rewards NUMERIC(36, 18) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	exit_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS stake_txs_user_idx ON stake_txs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS staking_rewards (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id),
	asset_id UUID NOT NULL REFERENCES assets(id),
	amount NUMERIC(36, 18) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS staking_rewards_user_idx ON staking_rewards (user_id, asset_id);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
