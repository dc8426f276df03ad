package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// seedTestData loads demo balances, baseline quotes and a staking position
// for the two demo accounts. Gated behind SEED_TESTDATA=1 so a plain seed
// only populates reference data.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	demoID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderID := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	if err := seedDemoBalances(ctx, pool, demoID, traderID); err != nil {
		return fmt.Errorf("seed balances: %w", err)
	}
	if err := seedBaselineQuotes(ctx, pool); err != nil {
		return fmt.Errorf("seed quotes: %w", err)
	}
	if err := seedDemoStakes(ctx, pool, demoID); err != nil {
		return fmt.Errorf("seed stakes: %w", err)
	}
	return nil
}

func seedDemoBalances(ctx context.Context, pool *pgxpool.Pool, demoID, traderID uuid.UUID) error {
	balances := []struct {
		userID    uuid.UUID
		symbol    string
		network   string
		available string
		public    string
	}{
		{demoID, "BTC", "BTC", "0.5", "bc1qdemo000000000000000000000000000000000"},
		{demoID, "ETH", "ETH", "4.2", "0x00000000000000000000000000000000000d3001"},
		{demoID, "USDT", "ETH", "0.6", "0x00000000000000000000000000000000000d3002"},
		{demoID, "USDT", "TRX", "0.3", "TDemo000000000000000000000000000001"},
		{demoID, "ATOM", "ATOM", "120", "cosmos1demo0000000000000000000000000000000"},
		{demoID, "USD", "", "1000", ""},
		{traderID, "ETH", "ETH", "12.5", "0x00000000000000000000000000000000000d3003"},
		{traderID, "DOT", "DOT", "300", "1Demo000000000000000000000000000000000000000005"},
		{traderID, "EUR", "", "2500", ""},
	}

	for _, b := range balances {
		var public, private any
		if b.public != "" {
			public = b.public
			private = "seed-only-not-a-real-key"
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO balances (id, user_id, asset_id, network_id, available, public, private)
			SELECT $1, $2, a.id, n.id, $5, $6, $7
			FROM assets a
			LEFT JOIN networks n ON n.name = $4
			WHERE a.symbol = $3
			ON CONFLICT (user_id, asset_id, network_key) DO UPDATE
			SET available = EXCLUDED.available,
			    updated_at = now()
		`, uuid.New(), b.userID, b.symbol, b.network, b.available, public, private)
		if err != nil {
			return fmt.Errorf("balance %s/%s: %w", b.symbol, b.network, err)
		}
	}
	return nil
}

func seedBaselineQuotes(ctx context.Context, pool *pgxpool.Pool) error {
	quotes := []struct {
		symbol     string
		lastPrice  string
		valueInUSD string
	}{
		{"BTC", "64200", "64200"},
		{"ETH", "3150", "3150"},
		{"TIA", "9.80", "9.80"},
		{"ATOM", "8.40", "8.40"},
		{"DYM", "2.90", "2.90"},
		{"DOT", "6.10", "6.10"},
		{"TRX", "0.12", "0.12"},
		{"GRT", "0.27", "0.27"},
		{"DOGE", "0.11", "0.11"},
		{"KSM", "28.50", "28.50"},
		{"USDT", "1.00", "1.00"},
		{"EUR", "1.08", "1.08"},
	}

	now := time.Now()
	for _, q := range quotes {
		_, err := pool.Exec(ctx, `
			INSERT INTO quotes (asset_id, interval, bid, ask, last_price, value_in_usd, time)
			SELECT id, '1m', $2, $2, $2, $3, $4
			FROM assets WHERE symbol = $1
		`, q.symbol, q.lastPrice, q.valueInUSD, now)
		if err != nil {
			return fmt.Errorf("quote %s: %w", q.symbol, err)
		}
	}
	return nil
}

func seedDemoStakes(ctx context.Context, pool *pgxpool.Pool, demoID uuid.UUID) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM stake_pendings sp
			JOIN assets a ON a.id = sp.asset_id
			WHERE sp.user_id = $1 AND a.symbol = 'ATOM'
		)
	`, demoID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	lotID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO stake_pendings (id, user_id, asset_id, amount, rewards)
		SELECT $1, $2, id, $3, $4 FROM assets WHERE symbol = 'ATOM'
	`, lotID, demoID, "50", "0.35")
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO stake_txs (id, user_id, asset_id, type, amount, rewards)
		SELECT $1, $2, id, 'STAKE', $3, 0 FROM assets WHERE symbol = 'ATOM'
	`, uuid.New(), demoID, "50")
	return err
}
