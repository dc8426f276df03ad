package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Withdraw debits req.Amount across the user's balance rows for the asset and
// records a PENDING withdrawal transaction, all in one transaction. Rows are
// consumed greedily, highest available first, and every consumed row is listed
// in the source audit. Sufficiency is checked against the aggregate after
// locking; on any failure no row is touched.
func (s *Store) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return WithdrawResult{}, fmt.Errorf("withdrawal amount must be positive")
	}

	asset, err := s.GetAssetBySymbol(ctx, req.Symbol)
	if err != nil {
		return WithdrawResult{}, err
	}
	network, err := s.GetAssetNetwork(ctx, asset.ID, req.Network)
	if err != nil {
		return WithdrawResult{}, err
	}

	var result WithdrawResult
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		balances, err := s.lockBalances(ctx, tx, req.UserID, asset.ID)
		if err != nil {
			return err
		}

		total := sumAvailable(balances)
		if total.LessThan(req.Amount) {
			return fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientFunds,
				total.String(), asset.Symbol, req.Amount.String())
		}

		remaining := req.Amount
		for _, balance := range byAvailableDesc(balances) {
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
			result.Sources = append(result.Sources, DebitedSource{
				BalanceID: balance.ID,
				Network:   balance.Network,
				Amount:    take,
			})
			remaining = remaining.Sub(take)
		}
		if !remaining.IsZero() {
			// The aggregate check passed, so the loop must cover the
			// full amount. Reaching here means the rows changed under
			// our locks.
			return fmt.Errorf("%w: %s %s left undebited", ErrInternalInconsistency,
				remaining.String(), asset.Symbol)
		}

		now := time.Now().UTC()
		transaction := Transaction{
			ID:        uuid.New(),
			UserID:    req.UserID,
			AssetID:   asset.ID,
			NetworkID: &network.ID,
			Type:      TxTypeWithdrawal,
			Status:    TxStatusPending,
			Amount:    req.Amount,
			ToAddress: req.ToAddress,
			Sources:   formatSources(result.Sources),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := insertTransaction(ctx, tx, transaction); err != nil {
			return err
		}

		result.Transaction = transaction
		result.Remaining = total.Sub(req.Amount)
		return nil
	})
	if err != nil {
		return WithdrawResult{}, err
	}
	return result, nil
}

// MarkCompleted moves a PENDING withdrawal to COMPLETED and attaches the
// broadcast hash. Terminal statuses are final.
func (s *Store) MarkCompleted(ctx context.Context, txID uuid.UUID, txHash string) (Transaction, error) {
	var result Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		transaction, err := lockTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		if transaction.Status != TxStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, txID, transaction.Status)
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE transactions SET status = $1, tx_hash = $2, updated_at = $3 WHERE id = $4
		`, TxStatusCompleted, txHash, now, txID); err != nil {
			return err
		}
		transaction.Status = TxStatusCompleted
		transaction.TxHash = txHash
		transaction.UpdatedAt = now
		result = transaction
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return result, nil
}

// MarkFailed moves a PENDING withdrawal to FAILED and credits the full amount
// back onto the target-network row. The compensation and the status change
// commit together.
func (s *Store) MarkFailed(ctx context.Context, txID uuid.UUID, reason string) (Transaction, error) {
	var result Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		transaction, err := lockTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		if transaction.Status != TxStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, txID, transaction.Status)
		}

		balance, err := s.lockOrCreateBalance(ctx, tx, transaction.UserID, transaction.AssetID, transaction.NetworkID)
		if err != nil {
			return err
		}
		if err := credit(&balance, transaction.Amount); err != nil {
			return err
		}
		if err := s.updateBalance(ctx, tx, &balance); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE transactions SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4
		`, TxStatusFailed, reason, now, txID); err != nil {
			return err
		}
		transaction.Status = TxStatusFailed
		transaction.ErrorMessage = reason
		transaction.UpdatedAt = now
		result = transaction
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return result, nil
}

// MarkCancelled moves a PENDING withdrawal to CANCELLED, crediting the amount
// back the same way a failure does.
func (s *Store) MarkCancelled(ctx context.Context, txID uuid.UUID) (Transaction, error) {
	var result Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		transaction, err := lockTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		if transaction.Status != TxStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, txID, transaction.Status)
		}

		balance, err := s.lockOrCreateBalance(ctx, tx, transaction.UserID, transaction.AssetID, transaction.NetworkID)
		if err != nil {
			return err
		}
		if err := credit(&balance, transaction.Amount); err != nil {
			return err
		}
		if err := s.updateBalance(ctx, tx, &balance); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3
		`, TxStatusCancelled, now, txID); err != nil {
			return err
		}
		transaction.Status = TxStatusCancelled
		transaction.UpdatedAt = now
		result = transaction
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return result, nil
}

// CreditDeposit credits a confirmed on-chain deposit onto the balance row
// owning the address and records a COMPLETED deposit transaction. Replays of
// the same event id are no-ops.
func (s *Store) CreditDeposit(ctx context.Context, dep DepositCredit) (Transaction, error) {
	if dep.Amount.LessThanOrEqual(decimal.Zero) {
		return Transaction{}, fmt.Errorf("deposit amount must be positive")
	}

	asset, err := s.GetAssetBySymbol(ctx, dep.Symbol)
	if err != nil {
		return Transaction{}, err
	}
	network, err := s.GetAssetNetwork(ctx, asset.ID, dep.Network)
	if err != nil {
		return Transaction{}, err
	}
	if dep.Amount.LessThan(network.MinDepositAmount) {
		return Transaction{}, fmt.Errorf("%w: %s < %s %s on %s", ErrBelowMinimumDeposit,
			dep.Amount.String(), network.MinDepositAmount.String(), asset.Symbol, network.Name)
	}

	var result Transaction
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		fresh, err := s.markEventProcessed(ctx, tx, dep.EventID)
		if err != nil {
			return err
		}
		if !fresh {
			s.logger.Info("deposit event already processed", "event_id", dep.EventID)
			return nil
		}

		balance, err := s.lockBalanceByAddress(ctx, tx, dep.Address)
		if err != nil {
			return err
		}
		if err := credit(&balance, dep.Amount); err != nil {
			return err
		}
		if err := s.updateBalance(ctx, tx, &balance); err != nil {
			return err
		}

		now := time.Now().UTC()
		transaction := Transaction{
			ID:        uuid.New(),
			UserID:    balance.UserID,
			AssetID:   asset.ID,
			NetworkID: &network.ID,
			Type:      TxTypeDeposit,
			Status:    TxStatusCompleted,
			Amount:    dep.Amount,
			ToAddress: dep.Address,
			TxHash:    dep.TxHash,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := insertTransaction(ctx, tx, transaction); err != nil {
			return err
		}
		result = transaction
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return result, nil
}

func (s *Store) GetTransaction(ctx context.Context, txID uuid.UUID) (Transaction, error) {
	row := s.pool.QueryRow(ctx, transactionSelect+` WHERE t.id = $1`, txID)
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
		}
		return Transaction{}, err
	}
	return transaction, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, filter TransactionFilter) ([]Transaction, error) {
	query := transactionSelect + ` WHERE t.user_id = $1`
	args := []any{userID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND t.type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND t.status = $%d", len(args))
	}
	query += " ORDER BY t.created_at DESC, t.id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

const transactionSelect = `
	SELECT t.id, t.user_id, t.asset_id, t.network_id, t.type, t.status,
	       t.amount::text, t.fee::text, COALESCE(t.from_address, ''),
	       COALESCE(t.to_address, ''), COALESCE(t.tx_hash, ''),
	       COALESCE(t.error_message, ''), COALESCE(t.sources, ''),
	       t.created_at, t.updated_at
	FROM transactions t`

func scanTransaction(row rowScanner) (Transaction, error) {
	var transaction Transaction
	var amountStr, feeStr string
	if err := row.Scan(&transaction.ID, &transaction.UserID, &transaction.AssetID,
		&transaction.NetworkID, &transaction.Type, &transaction.Status,
		&amountStr, &feeStr, &transaction.FromAddress, &transaction.ToAddress,
		&transaction.TxHash, &transaction.ErrorMessage, &transaction.Sources,
		&transaction.CreatedAt, &transaction.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	var err error
	if transaction.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Transaction{}, fmt.Errorf("parse transaction amount: %w", err)
	}
	if transaction.Fee, err = decimal.NewFromString(feeStr); err != nil {
		return Transaction{}, fmt.Errorf("parse transaction fee: %w", err)
	}
	return transaction, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, transaction Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions
			(id, user_id, asset_id, network_id, type, status, amount, fee,
			 from_address, to_address, tx_hash, error_message, sources,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, transaction.ID, transaction.UserID, transaction.AssetID, transaction.NetworkID,
		transaction.Type, transaction.Status, transaction.Amount.String(), transaction.Fee.String(),
		transaction.FromAddress, transaction.ToAddress, transaction.TxHash,
		transaction.ErrorMessage, transaction.Sources, transaction.CreatedAt, transaction.UpdatedAt)
	return err
}

func lockTransaction(ctx context.Context, tx pgx.Tx, txID uuid.UUID) (Transaction, error) {
	row := tx.QueryRow(ctx, transactionSelect+` WHERE t.id = $1 FOR UPDATE`, txID)
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
		}
		return Transaction{}, err
	}
	return transaction, nil
}

// lockOrCreateBalance is the tx-scoped variant of GetOrCreateBalance: the row
// is locked on return so callers can mutate it.
func (s *Store) lockOrCreateBalance(ctx context.Context, tx pgx.Tx, userID, assetID uuid.UUID, networkID *uuid.UUID) (Balance, error) {
	selectOne := `
		SELECT b.id, b.user_id, b.asset_id, b.network_id, a.symbol, COALESCE(n.name, ''),
		       b.available::text, COALESCE(b.public, ''), COALESCE(b.private, ''), b.updated_at
		FROM balances b
		JOIN assets a ON a.id = b.asset_id
		LEFT JOIN networks n ON n.id = b.network_id
		WHERE b.user_id = $1 AND b.asset_id = $2 AND b.network_id IS NOT DISTINCT FROM $3
		FOR UPDATE OF b`

	balance, err := scanBalance(tx.QueryRow(ctx, selectOne, userID, assetID, networkID))
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balances (id, user_id, asset_id, network_id, available)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (user_id, asset_id, network_key) DO NOTHING
	`, uuid.New(), userID, assetID, networkID); err != nil {
		return Balance{}, err
	}
	return scanBalance(tx.QueryRow(ctx, selectOne, userID, assetID, networkID))
}

func formatSources(sources []DebitedSource) string {
	parts := make([]string, 0, len(sources))
	for _, src := range sources {
		network := src.Network
		if network == "" {
			network = "POOL"
		}
		parts = append(parts, network+":"+src.Amount.String())
	}
	return strings.Join(parts, ";")
}
