package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	ErrStakingNotSupported = errors.New("asset does not support staking")
	ErrInsufficientStake   = errors.New("insufficient staked funds")
)

// Stake moves amount from the user's available balances into a new stake lot.
// The debit is deterministic: the network-agnostic row first, then ascending
// available, so small rows are swept before large ones.
func (s *Store) Stake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (StakeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return StakeResult{}, fmt.Errorf("stake amount must be positive")
	}

	asset, err := s.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return StakeResult{}, err
	}
	if !asset.Staking {
		return StakeResult{}, fmt.Errorf("%w: %s", ErrStakingNotSupported, asset.Symbol)
	}

	var result StakeResult
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		balances, err := s.lockBalances(ctx, tx, userID, asset.ID)
		if err != nil {
			return err
		}

		total := sumAvailable(balances)
		if total.LessThan(amount) {
			return fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientFunds,
				total.String(), asset.Symbol, amount.String())
		}

		remaining := amount
		for _, balance := range byStakeOrder(balances) {
			if remaining.IsZero() {
				break
			}
			if balance.Available.IsZero() {
				continue
			}
			take := decimal.Min(balance.Available, remaining)
			if err := debit(balance, take); err != nil {
				return err
			}
			if err := s.updateBalance(ctx, tx, balance); err != nil {
				return err
			}
			remaining = remaining.Sub(take)
		}
		if !remaining.IsZero() {
			return fmt.Errorf("%w: %s %s left undebited", ErrInternalInconsistency,
				remaining.String(), asset.Symbol)
		}

		now := time.Now().UTC()
		lot := StakePending{
			ID:        uuid.New(),
			UserID:    userID,
			AssetID:   asset.ID,
			Symbol:    asset.Symbol,
			Amount:    amount,
			Rewards:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO stake_pendings (id, user_id, asset_id, amount, rewards, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, lot.ID, lot.UserID, lot.AssetID, lot.Amount.String(), lot.Rewards.String(),
			lot.CreatedAt, lot.UpdatedAt); err != nil {
			return err
		}

		stakeTx := StakeTx{
			ID:        uuid.New(),
			UserID:    userID,
			AssetID:   asset.ID,
			Symbol:    asset.Symbol,
			Type:      StakeTxTypeStake,
			Amount:    amount,
			Rewards:   decimal.Zero,
			CreatedAt: now,
		}
		if err := insertStakeTx(ctx, tx, stakeTx); err != nil {
			return err
		}

		result = StakeResult{Lot: lot, StakeTx: stakeTx, Remaining: total.Sub(amount)}
		return nil
	})
	if err != nil {
		return StakeResult{}, err
	}
	return result, nil
}

// Unstake releases amount back to the available balance. Lots are drained
// newest first, and every reachable reward is consumed before any principal.
// Lots drained to zero are deleted; the credit and the drain commit together,
// so the released funds are never visible before the lots shrink.
func (s *Store) Unstake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (UnstakeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return UnstakeResult{}, fmt.Errorf("unstake amount must be positive")
	}

	asset, err := s.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return UnstakeResult{}, err
	}

	var result UnstakeResult
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		lots, err := lockStakeLots(ctx, tx, userID, asset.ID)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, lot := range lots {
			total = total.Add(lot.Amount).Add(lot.Rewards)
		}
		if total.LessThan(amount) {
			return fmt.Errorf("%w: have %s %s staked, need %s", ErrInsufficientStake,
				total.String(), asset.Symbol, amount.String())
		}

		// Newest lot first; ids break creation-time ties.
		sort.SliceStable(lots, func(i, j int) bool {
			if !lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
				return lots[i].CreatedAt.After(lots[j].CreatedAt)
			}
			return lots[i].ID.String() > lots[j].ID.String()
		})

		remaining := amount
		rewardsTaken := decimal.Zero
		for i := range lots {
			if remaining.IsZero() {
				break
			}
			take := decimal.Min(lots[i].Rewards, remaining)
			lots[i].Rewards = lots[i].Rewards.Sub(take)
			rewardsTaken = rewardsTaken.Add(take)
			remaining = remaining.Sub(take)
		}
		for i := range lots {
			if remaining.IsZero() {
				break
			}
			take := decimal.Min(lots[i].Amount, remaining)
			lots[i].Amount = lots[i].Amount.Sub(take)
			remaining = remaining.Sub(take)
		}
		if !remaining.IsZero() {
			return fmt.Errorf("%w: %s %s left undrained", ErrInternalInconsistency,
				remaining.String(), asset.Symbol)
		}

		now := time.Now().UTC()
		for i := range lots {
			if lots[i].Amount.IsZero() && lots[i].Rewards.IsZero() {
				if _, err := tx.Exec(ctx, `DELETE FROM stake_pendings WHERE id = $1`, lots[i].ID); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE stake_pendings SET amount = $1, rewards = $2, updated_at = $3 WHERE id = $4
			`, lots[i].Amount.String(), lots[i].Rewards.String(), now, lots[i].ID); err != nil {
				return err
			}
		}

		balance, err := s.lockOrCreateBalance(ctx, tx, userID, asset.ID, nil)
		if err != nil {
			return err
		}
		if err := credit(&balance, amount); err != nil {
			return err
		}
		if err := s.updateBalance(ctx, tx, &balance); err != nil {
			return err
		}

		stakeTx := StakeTx{
			ID:        uuid.New(),
			UserID:    userID,
			AssetID:   asset.ID,
			Symbol:    asset.Symbol,
			Type:      StakeTxTypeUnstake,
			Amount:    amount.Sub(rewardsTaken),
			Rewards:   rewardsTaken,
			CreatedAt: now,
			ExitAt:    &now,
		}
		if err := insertStakeTx(ctx, tx, stakeTx); err != nil {
			return err
		}

		var totalStr string
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(available), 0)::text FROM balances WHERE user_id = $1 AND asset_id = $2
		`, userID, asset.ID).Scan(&totalStr); err != nil {
			return err
		}
		available, err := decimal.NewFromString(totalStr)
		if err != nil {
			return fmt.Errorf("parse available total: %w", err)
		}

		result = UnstakeResult{StakeTx: stakeTx, Available: available}
		return nil
	})
	if err != nil {
		return UnstakeResult{}, err
	}
	return result, nil
}

// AccrueRewards applies one interval's worth of staking yield to every
// pending lot. The APR is the midpoint of the asset's network range; each
// accrual also appends an audit row.
func (s *Store) AccrueRewards(ctx context.Context, perYear int) (int, error) {
	if perYear <= 0 {
		perYear = 365
	}
	accrued := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT sp.id, sp.user_id, sp.asset_id, a.symbol, sp.amount::text, sp.rewards::text,
			       COALESCE((SELECT AVG((n.apr_low + n.apr_high) / 2.0)
			                 FROM networks n
			                 JOIN asset_networks an ON an.network_id = n.id
			                 WHERE an.asset_id = sp.asset_id), 0)
			FROM stake_pendings sp
			JOIN assets a ON a.id = sp.asset_id
			ORDER BY sp.id
			FOR UPDATE OF sp
		`)
		if err != nil {
			return err
		}

		type accrual struct {
			lot StakePending
			apr float64
		}
		var pending []accrual
		for rows.Next() {
			var entry accrual
			var amountStr, rewardsStr string
			if err := rows.Scan(&entry.lot.ID, &entry.lot.UserID, &entry.lot.AssetID,
				&entry.lot.Symbol, &amountStr, &rewardsStr, &entry.apr); err != nil {
				rows.Close()
				return err
			}
			if entry.lot.Amount, err = decimal.NewFromString(amountStr); err != nil {
				rows.Close()
				return fmt.Errorf("parse lot amount: %w", err)
			}
			if entry.lot.Rewards, err = decimal.NewFromString(rewardsStr); err != nil {
				rows.Close()
				return fmt.Errorf("parse lot rewards: %w", err)
			}
			pending = append(pending, entry)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, entry := range pending {
			if entry.apr <= 0 || entry.lot.Amount.IsZero() {
				continue
			}
			rate := decimal.NewFromFloat(entry.apr).Div(decimal.NewFromInt(100)).
				Div(decimal.NewFromInt(int64(perYear)))
			reward := entry.lot.Amount.Mul(rate)
			if reward.LessThanOrEqual(decimal.Zero) {
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE stake_pendings SET rewards = rewards + $1, updated_at = $2 WHERE id = $3
			`, reward.String(), now, entry.lot.ID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO staking_rewards (id, user_id, asset_id, amount, created_at)
				VALUES ($1, $2, $3, $4, $5)
			`, uuid.New(), entry.lot.UserID, entry.lot.AssetID, reward.String(), now); err != nil {
				return err
			}
			accrued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return accrued, nil
}

func (s *Store) ListStakeLots(ctx context.Context, userID uuid.UUID) ([]StakePending, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sp.id, sp.user_id, sp.asset_id, a.symbol, sp.amount::text, sp.rewards::text,
		       sp.created_at, sp.updated_at
		FROM stake_pendings sp
		JOIN assets a ON a.id = sp.asset_id
		WHERE sp.user_id = $1
		ORDER BY sp.created_at DESC, sp.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []StakePending
	for rows.Next() {
		lot, err := scanStakeLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s *Store) ListStakeTxs(ctx context.Context, userID uuid.UUID) ([]StakeTx, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT st.id, st.user_id, st.asset_id, a.symbol, st.type,
		       st.amount::text, st.rewards::text, st.created_at, st.exit_at
		FROM stake_txs st
		JOIN assets a ON a.id = st.asset_id
		WHERE st.user_id = $1
		ORDER BY st.created_at DESC, st.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []StakeTx
	for rows.Next() {
		var stakeTx StakeTx
		var amountStr, rewardsStr string
		if err := rows.Scan(&stakeTx.ID, &stakeTx.UserID, &stakeTx.AssetID, &stakeTx.Symbol,
			&stakeTx.Type, &amountStr, &rewardsStr, &stakeTx.CreatedAt, &stakeTx.ExitAt); err != nil {
			return nil, err
		}
		var err error
		if stakeTx.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse stake tx amount: %w", err)
		}
		if stakeTx.Rewards, err = decimal.NewFromString(rewardsStr); err != nil {
			return nil, fmt.Errorf("parse stake tx rewards: %w", err)
		}
		txs = append(txs, stakeTx)
	}
	return txs, rows.Err()
}

// PendingRewards sums unrealized lot rewards per asset.
func (s *Store) PendingRewards(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.symbol, COALESCE(SUM(sp.rewards), 0)::text
		FROM stake_pendings sp
		JOIN assets a ON a.id = sp.asset_id
		WHERE sp.user_id = $1
		GROUP BY a.symbol
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rewards := make(map[string]decimal.Decimal)
	for rows.Next() {
		var symbol, amountStr string
		if err := rows.Scan(&symbol, &amountStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse pending rewards: %w", err)
		}
		rewards[symbol] = amount
	}
	return rewards, rows.Err()
}

// RealizedRewards sums accrual-history rewards per asset.
func (s *Store) RealizedRewards(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.symbol, COALESCE(SUM(sr.amount), 0)::text
		FROM staking_rewards sr
		JOIN assets a ON a.id = sr.asset_id
		WHERE sr.user_id = $1
		GROUP BY a.symbol
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rewards := make(map[string]decimal.Decimal)
	for rows.Next() {
		var symbol, amountStr string
		if err := rows.Scan(&symbol, &amountStr); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse realized rewards: %w", err)
		}
		rewards[symbol] = amount
	}
	return rewards, rows.Err()
}

// lockStakeLots locks every lot for (user, asset) in primary-key order, the
// same canonical ordering balance locks use. Drain order is decided in memory.
func lockStakeLots(ctx context.Context, tx pgx.Tx, userID, assetID uuid.UUID) ([]StakePending, error) {
	rows, err := tx.Query(ctx, `
		SELECT sp.id, sp.user_id, sp.asset_id, a.symbol, sp.amount::text, sp.rewards::text,
		       sp.created_at, sp.updated_at
		FROM stake_pendings sp
		JOIN assets a ON a.id = sp.asset_id
		WHERE sp.user_id = $1 AND sp.asset_id = $2
		ORDER BY sp.id
		FOR UPDATE OF sp
	`, userID, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []StakePending
	for rows.Next() {
		lot, err := scanStakeLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanStakeLot(row rowScanner) (StakePending, error) {
	var lot StakePending
	var amountStr, rewardsStr string
	if err := row.Scan(&lot.ID, &lot.UserID, &lot.AssetID, &lot.Symbol,
		&amountStr, &rewardsStr, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
		return StakePending{}, err
	}
	var err error
	if lot.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return StakePending{}, fmt.Errorf("parse lot amount: %w", err)
	}
	if lot.Rewards, err = decimal.NewFromString(rewardsStr); err != nil {
		return StakePending{}, fmt.Errorf("parse lot rewards: %w", err)
	}
	return lot, nil
}

func insertStakeTx(ctx context.Context, tx pgx.Tx, stakeTx StakeTx) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stake_txs (id, user_id, asset_id, type, amount, rewards, created_at, exit_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, stakeTx.ID, stakeTx.UserID, stakeTx.AssetID, stakeTx.Type,
		stakeTx.Amount.String(), stakeTx.Rewards.String(), stakeTx.CreatedAt, stakeTx.ExitAt)
	return err
}
