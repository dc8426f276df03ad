package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pengui13/quantra-back/internal/testutil"
	"github.com/shopspring/decimal"
)

func testStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(pool, logger), pool
}

func createTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, suffix string) uuid.UUID {
	t.Helper()

	userID := uuid.New()
	email := fmt.Sprintf("wallet_%s_%s@example.com", suffix, userID.String()[:8])
	now := time.Now().UTC()

	_, err := pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, preferred_fiat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, email, "test-hash", "USD", now, now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return userID
}

type testNetwork struct {
	name       string
	minDeposit string
	aprLow     float64
	aprHigh    float64
}

// createTestAsset inserts an asset with a unique symbol plus its networks and
// returns the asset id and the network ids keyed by name.
func createTestAsset(t *testing.T, ctx context.Context, pool *pgxpool.Pool, staking bool, networks ...testNetwork) (uuid.UUID, map[string]uuid.UUID) {
	t.Helper()

	assetID := uuid.New()
	symbol := "TST" + assetID.String()[:8]
	_, err := pool.Exec(ctx, `
		INSERT INTO assets (id, symbol, name, fiat, staking) VALUES ($1, $2, $3, false, $4)
	`, assetID, symbol, "Test Asset", staking)
	if err != nil {
		t.Fatalf("insert asset: %v", err)
	}

	networkIDs := make(map[string]uuid.UUID, len(networks))
	for _, net := range networks {
		networkID := uuid.New()
		name := net.name + "-" + networkID.String()[:8]
		_, err := pool.Exec(ctx, `
			INSERT INTO networks (id, name, full_name, confirmations, min_deposit_amount, apr_low, apr_high)
			VALUES ($1, $2, $3, 1, $4, $5, $6)
		`, networkID, name, "Test "+net.name, net.minDeposit, net.aprLow, net.aprHigh)
		if err != nil {
			t.Fatalf("insert network: %v", err)
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO asset_networks (asset_id, network_id) VALUES ($1, $2)
		`, assetID, networkID)
		if err != nil {
			t.Fatalf("link network: %v", err)
		}
		networkIDs[net.name] = networkID
	}
	return assetID, networkIDs
}

func assetSymbol(t *testing.T, ctx context.Context, pool *pgxpool.Pool, assetID uuid.UUID) string {
	t.Helper()
	var symbol string
	if err := pool.QueryRow(ctx, `SELECT symbol FROM assets WHERE id = $1`, assetID).Scan(&symbol); err != nil {
		t.Fatalf("select symbol: %v", err)
	}
	return symbol
}

func networkName(t *testing.T, ctx context.Context, pool *pgxpool.Pool, networkID uuid.UUID) string {
	t.Helper()
	var name string
	if err := pool.QueryRow(ctx, `SELECT name FROM networks WHERE id = $1`, networkID).Scan(&name); err != nil {
		t.Fatalf("select network name: %v", err)
	}
	return name
}

func insertBalance(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID, assetID uuid.UUID, networkID *uuid.UUID, available, public string) uuid.UUID {
	t.Helper()
	balanceID := uuid.New()
	var pub, priv any
	if public != "" {
		pub = public
		priv = "enc:test-key"
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO balances (id, user_id, asset_id, network_id, available, public, private)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, balanceID, userID, assetID, networkID, available, pub, priv)
	if err != nil {
		t.Fatalf("insert balance: %v", err)
	}
	return balanceID
}

func cleanupTestUser(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) {
	_, _ = pool.Exec(ctx, `DELETE FROM staking_rewards WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM stake_txs WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM stake_pendings WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM transactions WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM balances WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
}

func TestWithdrawGreedySplitsAcrossRows(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "withdraw-split")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "ETH", minDeposit: "0"},
		testNetwork{name: "TRX", minDeposit: "0"},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)
	ethID := networks["ETH"]
	trxID := networks["TRX"]

	insertBalance(t, ctx, pool, userID, assetID, &trxID, "0.6", "")
	insertBalance(t, ctx, pool, userID, assetID, &ethID, "0.3", "")

	result, err := store.Withdraw(ctx, WithdrawRequest{
		UserID:    userID,
		Symbol:    symbol,
		Network:   networkName(t, ctx, pool, trxID),
		ToAddress: "TDestination00000000000000000000001",
		Amount:    decimal.RequireFromString("0.7"),
	})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	if len(result.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(result.Sources))
	}
	if !result.Sources[0].Amount.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("expected 0.6 from largest row first, got %s", result.Sources[0].Amount)
	}
	if !result.Sources[1].Amount.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected 0.1 from next row, got %s", result.Sources[1].Amount)
	}
	if !result.Remaining.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("expected remaining 0.2, got %s", result.Remaining)
	}
	if result.Transaction.Status != TxStatusPending {
		t.Fatalf("expected pending transaction, got %s", result.Transaction.Status)
	}
	if result.Transaction.Sources == "" {
		t.Fatal("expected source audit on transaction")
	}

	total, err := store.TotalAvailable(ctx, userID, assetID)
	if err != nil {
		t.Fatalf("TotalAvailable: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("expected total 0.2 after debit, got %s", total)
	}
}

func TestWithdrawInsufficientFundsLeavesRowsUntouched(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "withdraw-insufficient")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "ETH", minDeposit: "0"},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)
	ethID := networks["ETH"]

	insertBalance(t, ctx, pool, userID, assetID, &ethID, "0.5", "")

	_, err := store.Withdraw(ctx, WithdrawRequest{
		UserID:    userID,
		Symbol:    symbol,
		Network:   networkName(t, ctx, pool, ethID),
		ToAddress: "0x0000000000000000000000000000000000000001",
		Amount:    decimal.RequireFromString("0.8"),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	total, err := store.TotalAvailable(ctx, userID, assetID)
	if err != nil {
		t.Fatalf("TotalAvailable: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected untouched balance 0.5, got %s", total)
	}

	txs, err := store.ListTransactions(ctx, userID, TransactionFilter{})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected no transactions, got %d", len(txs))
	}
}

func TestWithdrawConcurrentDoubleSpend(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "withdraw-concurrent")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "ETH", minDeposit: "0"},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)
	ethID := networks["ETH"]
	netName := networkName(t, ctx, pool, ethID)

	insertBalance(t, ctx, pool, userID, assetID, &ethID, "1.0", "")

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Withdraw(ctx, WithdrawRequest{
				UserID:    userID,
				Symbol:    symbol,
				Network:   netName,
				ToAddress: "0x0000000000000000000000000000000000000002",
				Amount:    decimal.RequireFromString("0.8"),
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	var succeeded, insufficient int
	for err := range errCh {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected withdraw error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one rejection, got %d/%d", succeeded, insufficient)
	}

	total, err := store.TotalAvailable(ctx, userID, assetID)
	if err != nil {
		t.Fatalf("TotalAvailable: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("expected 0.2 left, got %s", total)
	}
}

func TestMarkFailedRestoresFunds(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "withdraw-failed")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "ETH", minDeposit: "0"},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)
	ethID := networks["ETH"]

	insertBalance(t, ctx, pool, userID, assetID, &ethID, "1.0", "")

	result, err := store.Withdraw(ctx, WithdrawRequest{
		UserID:    userID,
		Symbol:    symbol,
		Network:   networkName(t, ctx, pool, ethID),
		ToAddress: "0x0000000000000000000000000000000000000003",
		Amount:    decimal.RequireFromString("0.4"),
	})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	failed, err := store.MarkFailed(ctx, result.Transaction.ID, "broadcast rejected")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if failed.Status != TxStatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	if failed.ErrorMessage != "broadcast rejected" {
		t.Fatalf("expected error message recorded, got %q", failed.ErrorMessage)
	}

	total, err := store.TotalAvailable(ctx, userID, assetID)
	if err != nil {
		t.Fatalf("TotalAvailable: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("1.0")) {
		t.Fatalf("expected balance restored to 1.0, got %s", total)
	}

	// Terminal statuses are final.
	if _, err := store.MarkFailed(ctx, result.Transaction.ID, "again"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on second MarkFailed, got %v", err)
	}
	if _, err := store.MarkCompleted(ctx, result.Transaction.ID, "0xhash"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on MarkCompleted after failure, got %v", err)
	}
}

func TestStakeDebitsAgnosticRowFirst(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "stake-order")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, true,
		testNetwork{name: "ATOM", minDeposit: "0", aprLow: 10, aprHigh: 20},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)
	atomID := networks["ATOM"]

	agnosticID := insertBalance(t, ctx, pool, userID, assetID, nil, "0.2", "")
	networkRowID := insertBalance(t, ctx, pool, userID, assetID, &atomID, "1.0", "")

	result, err := store.Stake(ctx, userID, symbol, decimal.RequireFromString("0.5"))
	if err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if !result.Lot.Amount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected lot of 0.5, got %s", result.Lot.Amount)
	}
	if result.StakeTx.Type != StakeTxTypeStake {
		t.Fatalf("expected STAKE entry, got %s", result.StakeTx.Type)
	}

	var agnostic, networkRow string
	if err := pool.QueryRow(ctx, `SELECT available::text FROM balances WHERE id = $1`, agnosticID).Scan(&agnostic); err != nil {
		t.Fatalf("select agnostic row: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT available::text FROM balances WHERE id = $1`, networkRowID).Scan(&networkRow); err != nil {
		t.Fatalf("select network row: %v", err)
	}
	if !decimal.RequireFromString(agnostic).IsZero() {
		t.Fatalf("expected agnostic row drained first, got %s", agnostic)
	}
	if !decimal.RequireFromString(networkRow).Equal(decimal.RequireFromString("0.7")) {
		t.Fatalf("expected network row at 0.7, got %s", networkRow)
	}
}

func TestUnstakeDrainsRewardsBeforePrincipal(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "unstake-order")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networkIDs := createTestAsset(t, ctx, pool, true,
		testNetwork{name: "ATOM", minDeposit: "0", aprLow: 10, aprHigh: 20},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)

	// A funded network row that the unstake credit must not touch.
	for _, networkID := range networkIDs {
		id := networkID
		insertBalance(t, ctx, pool, userID, assetID, &id, "1.0", "")
	}

	older := time.Now().UTC().Add(-2 * time.Hour)
	newer := time.Now().UTC().Add(-1 * time.Hour)
	_, err := pool.Exec(ctx, `
		INSERT INTO stake_pendings (id, user_id, asset_id, amount, rewards, created_at, updated_at)
		VALUES ($1, $2, $3, '5', '0.2', $4, $4), ($5, $2, $3, '3', '0.1', $6, $6)
	`, uuid.New(), userID, assetID, older, uuid.New(), newer)
	if err != nil {
		t.Fatalf("insert lots: %v", err)
	}

	result, err := store.Unstake(ctx, userID, symbol, decimal.RequireFromString("0.4"))
	if err != nil {
		t.Fatalf("Unstake: %v", err)
	}
	if !result.StakeTx.Rewards.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("expected all 0.3 rewards drained first, got %s", result.StakeTx.Rewards)
	}
	if !result.StakeTx.Amount.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected 0.1 principal drained, got %s", result.StakeTx.Amount)
	}
	if result.StakeTx.ExitAt == nil {
		t.Fatal("expected exit timestamp")
	}

	lots, err := store.ListStakeLots(ctx, userID)
	if err != nil {
		t.Fatalf("ListStakeLots: %v", err)
	}
	if len(lots) != 2 {
		t.Fatalf("expected both lots to survive, got %d", len(lots))
	}
	for _, lot := range lots {
		if !lot.Rewards.IsZero() {
			t.Fatalf("expected all rewards drained, lot %s has %s", lot.ID, lot.Rewards)
		}
	}

	// The released funds land on the network-agnostic row atomically, and
	// the reported balance is the aggregate across every row of the asset.
	total, err := store.TotalAvailable(ctx, userID, assetID)
	if err != nil {
		t.Fatalf("TotalAvailable: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("1.4")) {
		t.Fatalf("expected 1.4 available after unstake, got %s", total)
	}
	if !result.Available.Equal(total) {
		t.Fatalf("expected aggregate available %s in result, got %s", total, result.Available)
	}
}

func TestUnstakeFullDrainDeletesLots(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "unstake-full")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, _ := createTestAsset(t, ctx, pool, true,
		testNetwork{name: "DOT", minDeposit: "0", aprLow: 10, aprHigh: 15},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)

	_, err := pool.Exec(ctx, `
		INSERT INTO stake_pendings (id, user_id, asset_id, amount, rewards)
		VALUES ($1, $2, $3, '2', '0.5')
	`, uuid.New(), userID, assetID)
	if err != nil {
		t.Fatalf("insert lot: %v", err)
	}

	if _, err := store.Unstake(ctx, userID, symbol, decimal.RequireFromString("2.5")); err != nil {
		t.Fatalf("Unstake: %v", err)
	}

	lots, err := store.ListStakeLots(ctx, userID)
	if err != nil {
		t.Fatalf("ListStakeLots: %v", err)
	}
	if len(lots) != 0 {
		t.Fatalf("expected zeroed lot deleted, got %d lots", len(lots))
	}

	_, err = store.Unstake(ctx, userID, symbol, decimal.RequireFromString("0.1"))
	if !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake, got %v", err)
	}
}

func TestCreditDepositIdempotent(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "deposit-idem")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "ETH", minDeposit: "0.01"},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)
	ethID := networks["ETH"]
	netName := networkName(t, ctx, pool, ethID)

	address := "0xdeposit" + uuid.NewString()[:8]
	insertBalance(t, ctx, pool, userID, assetID, &ethID, "0", address)

	dep := DepositCredit{
		EventID: "deposit:" + uuid.NewString(),
		Symbol:  symbol,
		Network: netName,
		Address: address,
		Amount:  decimal.RequireFromString("0.5"),
		TxHash:  "0xabc123",
	}

	first, err := store.CreditDeposit(ctx, dep)
	if err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if first.Status != TxStatusCompleted {
		t.Fatalf("expected completed deposit, got %s", first.Status)
	}

	second, err := store.CreditDeposit(ctx, dep)
	if err != nil {
		t.Fatalf("CreditDeposit replay: %v", err)
	}
	if second.ID != uuid.Nil {
		t.Fatalf("expected replay to be a no-op, got transaction %s", second.ID)
	}

	total, err := store.TotalAvailable(ctx, userID, assetID)
	if err != nil {
		t.Fatalf("TotalAvailable: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected single credit of 0.5, got %s", total)
	}
}

func TestCreditDepositBelowMinimum(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "deposit-dust")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "BTC", minDeposit: "0.0005"},
	)
	symbol := assetSymbol(t, ctx, pool, assetID)
	btcID := networks["BTC"]

	address := "bc1qdust" + uuid.NewString()[:8]
	insertBalance(t, ctx, pool, userID, assetID, &btcID, "0", address)

	_, err := store.CreditDeposit(ctx, DepositCredit{
		EventID: "deposit:" + uuid.NewString(),
		Symbol:  symbol,
		Network: networkName(t, ctx, pool, btcID),
		Address: address,
		Amount:  decimal.RequireFromString("0.0001"),
		TxHash:  "0xdust",
	})
	if !errors.Is(err, ErrBelowMinimumDeposit) {
		t.Fatalf("expected ErrBelowMinimumDeposit, got %v", err)
	}

	total, err := store.TotalAvailable(ctx, userID, assetID)
	if err != nil {
		t.Fatalf("TotalAvailable: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("expected no credit, got %s", total)
	}
}

func TestAccrueRewards(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "accrue")
	defer cleanupTestUser(ctx, pool, userID)

	// Midpoint of 10/10 is exactly 10% APR.
	assetID, _ := createTestAsset(t, ctx, pool, true,
		testNetwork{name: "ATOM", minDeposit: "0", aprLow: 10, aprHigh: 10},
	)

	lotID := uuid.New()
	_, err := pool.Exec(ctx, `
		INSERT INTO stake_pendings (id, user_id, asset_id, amount, rewards)
		VALUES ($1, $2, $3, '100', '0')
	`, lotID, userID, assetID)
	if err != nil {
		t.Fatalf("insert lot: %v", err)
	}

	accrued, err := store.AccrueRewards(ctx, 365)
	if err != nil {
		t.Fatalf("AccrueRewards: %v", err)
	}
	if accrued < 1 {
		t.Fatalf("expected at least one accrual, got %d", accrued)
	}

	var rewardsStr string
	if err := pool.QueryRow(ctx, `SELECT rewards::text FROM stake_pendings WHERE id = $1`, lotID).Scan(&rewardsStr); err != nil {
		t.Fatalf("select lot: %v", err)
	}
	rewards := decimal.RequireFromString(rewardsStr)
	expected := decimal.RequireFromString("100").
		Mul(decimal.RequireFromString("0.1")).
		Div(decimal.NewFromInt(365))
	if rewards.Sub(expected).Abs().GreaterThan(decimal.RequireFromString("0.0001")) {
		t.Fatalf("expected roughly %s reward, got %s", expected, rewards)
	}

	pending, err := store.PendingRewards(ctx, userID)
	if err != nil {
		t.Fatalf("PendingRewards: %v", err)
	}
	symbol := assetSymbol(t, ctx, pool, assetID)
	if pending[symbol].IsZero() {
		t.Fatalf("expected pending rewards for %s, got %v", symbol, pending)
	}
}

func TestSetDepositAddressWriteOnce(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "address")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "ETH", minDeposit: "0"},
	)
	ethID := networks["ETH"]

	balance, err := store.GetOrCreateBalance(ctx, userID, assetID, &ethID)
	if err != nil {
		t.Fatalf("GetOrCreateBalance: %v", err)
	}
	if balance.Public != "" {
		t.Fatalf("expected fresh row without address, got %q", balance.Public)
	}

	first, err := store.SetDepositAddress(ctx, balance.ID, "0xfirst", "enc:first")
	if err != nil {
		t.Fatalf("SetDepositAddress: %v", err)
	}
	if first.Public != "0xfirst" {
		t.Fatalf("expected address set, got %q", first.Public)
	}

	second, err := store.SetDepositAddress(ctx, balance.ID, "0xsecond", "enc:second")
	if err != nil {
		t.Fatalf("SetDepositAddress second: %v", err)
	}
	if second.Public != "0xfirst" {
		t.Fatalf("expected original address kept, got %q", second.Public)
	}
}

func TestGetOrCreateBalanceConcurrent(t *testing.T) {
	store, pool := testStore(t)
	ctx := context.Background()

	userID := createTestUser(t, ctx, pool, "balance-race")
	defer cleanupTestUser(ctx, pool, userID)

	assetID, networks := createTestAsset(t, ctx, pool, false,
		testNetwork{name: "ETH", minDeposit: "0"},
	)
	ethID := networks["ETH"]

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			balance, err := store.GetOrCreateBalance(ctx, userID, assetID, &ethID)
			if err != nil {
				t.Errorf("GetOrCreateBalance: %v", err)
				return
			}
			ids <- balance.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected a single balance row, got %d", len(seen))
	}
}
