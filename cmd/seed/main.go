package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/argon2"
)

func main() {
	env := getEnv("WALLET_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: WALLET_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "wallet_core")
	user := getEnv("POSTGRES_USER", "wallet")
	password := getEnv("POSTGRES_PASSWORD", "wallet")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := ensureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	fmt.Println("✓ Schema ensured")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if err := seedNetworks(ctx, pool); err != nil {
		log.Fatalf("seed networks: %v", err)
	}
	fmt.Println("✓ Networks seeded")

	if err := seedAssets(ctx, pool); err != nil {
		log.Fatalf("seed assets: %v", err)
	}
	fmt.Println("✓ Assets seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Credentials:")
	fmt.Println("  Email: demo@example.com")
	fmt.Println("  Password: demo123")
	fmt.Println("  Email: trader@example.com")
	fmt.Println("  Password: trader123")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

type argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func hashPassword(password string, params argon2Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", params.Memory, params.Iterations, params.Parallelism, b64Salt, b64Hash)
	return encoded, nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	demoID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderID := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	params := argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}

	demoHash, err := hashPassword("demo123", params)
	if err != nil {
		return fmt.Errorf("hash demo password: %w", err)
	}
	traderHash, err := hashPassword("trader123", params)
	if err != nil {
		return fmt.Errorf("hash trader password: %w", err)
	}

	now := time.Now()

	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, preferred_fiat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE
		SET preferred_fiat = EXCLUDED.preferred_fiat,
		    updated_at = EXCLUDED.updated_at
	`, demoID, "demo@example.com", demoHash, "USD", now, now)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, preferred_fiat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE
		SET preferred_fiat = EXCLUDED.preferred_fiat,
		    updated_at = EXCLUDED.updated_at
	`, traderID, "trader@example.com", traderHash, "EUR", now, now)
	return err
}

func seedNetworks(ctx context.Context, pool *pgxpool.Pool) error {
	networks := []struct {
		name             string
		fullName         string
		confirmations    int
		minDepositAmount string
		aprLow           float64
		aprHigh          float64
	}{
		{"BTC", "Bitcoin Network", 2, "0.0005", 0.5, 1.5},
		{"ETH", "Ethereum Mainnet (ERC20)", 12, "0.01", 3.0, 5.0},
		{"TRX", "Tron Network (TRC20)", 20, "5", 4.0, 6.0},
		{"BSC", "Binance Smart Chain (BEP20)", 15, "5", 6.0, 10.0},
		{"DOT", "Polkadot", 20, "1", 10.0, 15.0},
		{"KSM", "Kusama", 20, "0.1", 13.0, 18.0},
		{"ATOM", "Cosmos Hub", 15, "0.1", 15.0, 20.0},
		{"TIA", "Celestia", 15, "0.1", 12.0, 18.0},
		{"DYM", "Dymension", 15, "0.1", 20.0, 25.0},
		{"GRT", "The Graph (ERC20)", 12, "50", 8.0, 12.0},
		{"DOGE", "Dogecoin", 40, "10", 1.0, 2.0},
	}

	for _, net := range networks {
		_, err := pool.Exec(ctx, `
			INSERT INTO networks (id, name, full_name, confirmations, min_deposit_amount, apr_low, apr_high)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (name) DO UPDATE
			SET full_name = EXCLUDED.full_name,
			    confirmations = EXCLUDED.confirmations,
			    min_deposit_amount = EXCLUDED.min_deposit_amount,
			    apr_low = EXCLUDED.apr_low,
			    apr_high = EXCLUDED.apr_high
		`, uuid.New(), net.name, net.fullName, net.confirmations, net.minDepositAmount, net.aprLow, net.aprHigh)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedAssets(ctx context.Context, pool *pgxpool.Pool) error {
	assets := []struct {
		symbol   string
		name     string
		fiat     bool
		staking  bool
		networks []string
	}{
		{"BTC", "Bitcoin", false, false, []string{"BTC"}},
		{"ETH", "Ethereum", false, true, []string{"ETH"}},
		{"TIA", "Celestia", false, true, []string{"TIA"}},
		{"ATOM", "Cosmos", false, true, []string{"ATOM"}},
		{"DYM", "Dymension", false, true, []string{"DYM"}},
		{"DOT", "Polkadot", false, true, []string{"DOT"}},
		{"TRX", "Tron", false, false, []string{"TRX"}},
		{"GRT", "The Graph", false, false, []string{"ETH"}},
		{"DOGE", "Dogecoin", false, false, []string{"DOGE"}},
		{"KSM", "Kusama", false, true, []string{"KSM"}},
		{"USDT", "Tether", false, false, []string{"ETH", "TRX"}},
		{"USD", "US Dollar", true, false, nil},
		{"EUR", "Euro", true, false, nil},
	}

	for _, asset := range assets {
		assetID := uuid.New()
		err := pool.QueryRow(ctx, `
			INSERT INTO assets (id, symbol, name, fiat, staking)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol) DO UPDATE
			SET name = EXCLUDED.name,
			    fiat = EXCLUDED.fiat,
			    staking = EXCLUDED.staking
			RETURNING id
		`, assetID, asset.symbol, asset.name, asset.fiat, asset.staking).Scan(&assetID)
		if err != nil {
			return fmt.Errorf("seed asset %s: %w", asset.symbol, err)
		}

		for _, network := range asset.networks {
			_, err := pool.Exec(ctx, `
				INSERT INTO asset_networks (asset_id, network_id)
				SELECT $1, id FROM networks WHERE name = $2
				ON CONFLICT DO NOTHING
			`, assetID, network)
			if err != nil {
				return fmt.Errorf("link asset %s to %s: %w", asset.symbol, network, err)
			}
		}
	}
	return nil
}
