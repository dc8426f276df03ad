package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrAssetNotFound         = errors.New("asset not found")
	ErrNetworkNotFound       = errors.New("network not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrInvalidStatus         = errors.New("invalid status transition")
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrInternalInconsistency = errors.New("internal ledger inconsistency")
	ErrAddressNotFound       = errors.New("deposit address not found")
	ErrBelowMinimumDeposit   = errors.New("amount below network minimum deposit")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// inTx is the scoped atomic unit of work: every mutating sequence runs inside
// it so locks are released only at the commit/rollback boundary and a
// cancelled context leaves no partial effect.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetAssetBySymbol(ctx context.Context, symbol string) (Asset, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var asset Asset
	row := s.pool.QueryRow(ctx, `
		SELECT id, symbol, name, fiat, staking
		FROM assets
		WHERE symbol = $1
	`, symbol)
	if err := row.Scan(&asset.ID, &asset.Symbol, &asset.Name, &asset.Fiat, &asset.Staking); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, symbol)
		}
		return Asset{}, err
	}
	return asset, nil
}

// GetAssetNetwork resolves a network by name and verifies it is linked to the
// asset. Unknown or unlinked networks are a validation failure, not a lookup
// against all networks.
func (s *Store) GetAssetNetwork(ctx context.Context, assetID uuid.UUID, network string) (Network, error) {
	network = strings.ToUpper(strings.TrimSpace(network))
	var net Network
	var minDepositStr string
	row := s.pool.QueryRow(ctx, `
		SELECT n.id, n.name, n.full_name, n.confirmations, n.min_deposit_amount::text, n.apr_low, n.apr_high
		FROM networks n
		JOIN asset_networks an ON an.network_id = n.id
		WHERE an.asset_id = $1 AND n.name = $2
	`, assetID, network)
	if err := row.Scan(&net.ID, &net.Name, &net.FullName, &net.Confirmations, &minDepositStr, &net.AprLow, &net.AprHigh); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Network{}, fmt.Errorf("%w: %s", ErrNetworkNotFound, network)
		}
		return Network{}, err
	}
	var err error
	net.MinDepositAmount, err = decimal.NewFromString(minDepositStr)
	if err != nil {
		return Network{}, fmt.Errorf("parse min deposit amount: %w", err)
	}
	return net, nil
}

func (s *Store) ListAssets(ctx context.Context, stakingOnly bool) ([]Asset, error) {
	query := `SELECT id, symbol, name, fiat, staking FROM assets ORDER BY symbol`
	if stakingOnly {
		query = `SELECT id, symbol, name, fiat, staking FROM assets WHERE staking ORDER BY symbol`
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var asset Asset
		if err := rows.Scan(&asset.ID, &asset.Symbol, &asset.Name, &asset.Fiat, &asset.Staking); err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (s *Store) ListAssetNetworks(ctx context.Context, assetID uuid.UUID) ([]Network, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT n.id, n.name, n.full_name, n.confirmations, n.min_deposit_amount::text, n.apr_low, n.apr_high
		FROM networks n
		JOIN asset_networks an ON an.network_id = n.id
		WHERE an.asset_id = $1
		ORDER BY n.name
	`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var networks []Network
	for rows.Next() {
		var net Network
		var minDepositStr string
		if err := rows.Scan(&net.ID, &net.Name, &net.FullName, &net.Confirmations, &minDepositStr, &net.AprLow, &net.AprHigh); err != nil {
			return nil, err
		}
		net.MinDepositAmount, err = decimal.NewFromString(minDepositStr)
		if err != nil {
			return nil, fmt.Errorf("parse min deposit amount: %w", err)
		}
		networks = append(networks, net)
	}
	return networks, rows.Err()
}

// GetOrCreateBalance lazily creates the zero-balance row for (user, asset,
// network). Concurrent callers race on the unique constraint; the losing
// insert is a no-op and both observe the same row.
func (s *Store) GetOrCreateBalance(ctx context.Context, userID, assetID uuid.UUID, networkID *uuid.UUID) (Balance, error) {
	balance, err := s.getBalance(ctx, userID, assetID, networkID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO balances (id, user_id, asset_id, network_id, available)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (user_id, asset_id, network_key) DO NOTHING
	`, uuid.New(), userID, assetID, networkID)
	if err != nil {
		return Balance{}, err
	}

	balance, err = s.getBalance(ctx, userID, assetID, networkID)
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

func (s *Store) getBalance(ctx context.Context, userID, assetID uuid.UUID, networkID *uuid.UUID) (Balance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT b.id, b.user_id, b.asset_id, b.network_id, a.symbol, COALESCE(n.name, ''),
		       b.available::text, COALESCE(b.public, ''), COALESCE(b.private, ''), b.updated_at
		FROM balances b
		JOIN assets a ON a.id = b.asset_id
		LEFT JOIN networks n ON n.id = b.network_id
		WHERE b.user_id = $1 AND b.asset_id = $2 AND b.network_id IS NOT DISTINCT FROM $3
	`, userID, assetID, networkID)
	return scanBalance(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (Balance, error) {
	var balance Balance
	var availableStr string
	if err := row.Scan(&balance.ID, &balance.UserID, &balance.AssetID, &balance.NetworkID,
		&balance.Symbol, &balance.Network, &availableStr, &balance.Public, &balance.Private, &balance.UpdatedAt); err != nil {
		return Balance{}, err
	}
	var err error
	balance.Available, err = decimal.NewFromString(availableStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse available balance: %w", err)
	}
	return balance, nil
}

// lockBalances acquires exclusive locks on every balance row for (user,
// asset). Rows are always locked in primary-key order; that single canonical
// ordering is shared by every engine that touches balances, so concurrent
// withdraw/stake on overlapping rows cannot deadlock. Debit order is decided
// in memory afterwards.
func (s *Store) lockBalances(ctx context.Context, tx pgx.Tx, userID, assetID uuid.UUID) ([]Balance, error) {
	rows, err := tx.Query(ctx, `
		SELECT b.id, b.user_id, b.asset_id, b.network_id, a.symbol, COALESCE(n.name, ''),
		       b.available::text, COALESCE(b.public, ''), COALESCE(b.private, ''), b.updated_at
		FROM balances b
		JOIN assets a ON a.id = b.asset_id
		LEFT JOIN networks n ON n.id = b.network_id
		WHERE b.user_id = $1 AND b.asset_id = $2
		ORDER BY b.id
		FOR UPDATE OF b
	`, userID, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, balance)
	}
	return balances, rows.Err()
}

func (s *Store) lockBalanceByAddress(ctx context.Context, tx pgx.Tx, address string) (Balance, error) {
	row := tx.QueryRow(ctx, `
		SELECT b.id, b.user_id, b.asset_id, b.network_id, a.symbol, COALESCE(n.name, ''),
		       b.available::text, COALESCE(b.public, ''), COALESCE(b.private, ''), b.updated_at
		FROM balances b
		JOIN assets a ON a.id = b.asset_id
		LEFT JOIN networks n ON n.id = b.network_id
		WHERE b.public = $1
		FOR UPDATE OF b
	`, address)
	balance, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, fmt.Errorf("%w: %s", ErrAddressNotFound, address)
		}
		return Balance{}, err
	}
	return balance, nil
}

func (s *Store) updateBalance(ctx context.Context, tx pgx.Tx, balance *Balance) error {
	if balance.Available.IsNegative() {
		return fmt.Errorf("%w: balance %s would go negative", ErrInternalInconsistency, balance.ID)
	}
	now := time.Now().UTC()
	balance.UpdatedAt = now
	_, err := tx.Exec(ctx, `
		UPDATE balances
		SET available = $1, updated_at = $2
		WHERE id = $3
	`, balance.Available.String(), now, balance.ID)
	return err
}

// debit reduces a locked row. The sufficiency check happens here, after lock
// acquisition; pre-lock reads are never trusted for mutation.
func debit(balance *Balance, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("debit amount must be positive")
	}
	if balance.Available.LessThan(amount) {
		return fmt.Errorf("%w: balance %s has %s, need %s", ErrInsufficientFunds,
			balance.ID, balance.Available.String(), amount.String())
	}
	balance.Available = balance.Available.Sub(amount)
	return nil
}

func credit(balance *Balance, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("credit amount must be positive")
	}
	balance.Available = balance.Available.Add(amount)
	return nil
}

// SetDepositAddress stores generated address material on a balance row,
// write-once. The external address call happens before this; under the lock
// we re-check so a concurrent winner's address is never overwritten.
func (s *Store) SetDepositAddress(ctx context.Context, balanceID uuid.UUID, public, private string) (Balance, error) {
	var result Balance
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT b.id, b.user_id, b.asset_id, b.network_id, a.symbol, COALESCE(n.name, ''),
			       b.available::text, COALESCE(b.public, ''), COALESCE(b.private, ''), b.updated_at
			FROM balances b
			JOIN assets a ON a.id = b.asset_id
			LEFT JOIN networks n ON n.id = b.network_id
			WHERE b.id = $1
			FOR UPDATE OF b
		`, balanceID)
		balance, err := scanBalance(row)
		if err != nil {
			return err
		}
		if balance.Public != "" {
			result = balance
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE balances SET public = $1, private = $2, updated_at = $3 WHERE id = $4
		`, public, private, now, balanceID); err != nil {
			return err
		}
		balance.Public = public
		balance.Private = private
		balance.UpdatedAt = now
		result = balance
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return result, nil
}

// UserBalances is a lock-free snapshot for display and aggregation. It is
// never the basis for a mutating decision.
func (s *Store) UserBalances(ctx context.Context, userID uuid.UUID) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id, b.user_id, b.asset_id, b.network_id, a.symbol, COALESCE(n.name, ''),
		       b.available::text, COALESCE(b.public, ''), COALESCE(b.private, ''), b.updated_at
		FROM balances b
		JOIN assets a ON a.id = b.asset_id
		LEFT JOIN networks n ON n.id = b.network_id
		WHERE b.user_id = $1
		ORDER BY a.symbol, b.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, balance)
	}
	return balances, rows.Err()
}

// TotalAvailable sums available across all network rows for the asset,
// without locks.
func (s *Store) TotalAvailable(ctx context.Context, userID, assetID uuid.UUID) (decimal.Decimal, error) {
	var totalStr string
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(available), 0)::text
		FROM balances
		WHERE user_id = $1 AND asset_id = $2
	`, userID, assetID)
	if err := row.Scan(&totalStr); err != nil {
		return decimal.Zero, err
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse total available: %w", err)
	}
	return total, nil
}

func (s *Store) markEventProcessed(ctx context.Context, tx pgx.Tx, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return true, nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func sumAvailable(balances []Balance) decimal.Decimal {
	total := decimal.Zero
	for _, balance := range balances {
		total = total.Add(balance.Available)
	}
	return total
}

// byAvailableDesc orders rows for greedy debiting: highest balance first,
// primary key as the deterministic tiebreak.
func byAvailableDesc(balances []Balance) []*Balance {
	ordered := make([]*Balance, len(balances))
	for i := range balances {
		ordered[i] = &balances[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Available.Equal(ordered[j].Available) {
			return ordered[i].Available.GreaterThan(ordered[j].Available)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})
	return ordered
}

// byStakeOrder orders rows for stake debiting: the network-agnostic row
// first, then ascending available, primary key tiebreak.
func byStakeOrder(balances []Balance) []*Balance {
	ordered := make([]*Balance, len(balances))
	for i := range balances {
		ordered[i] = &balances[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].NetworkID == nil) != (ordered[j].NetworkID == nil) {
			return ordered[i].NetworkID == nil
		}
		if !ordered[i].Available.Equal(ordered[j].Available) {
			return ordered[i].Available.LessThan(ordered[j].Available)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})
	return ordered
}
