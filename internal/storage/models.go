package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction statuses. PENDING is the only non-terminal state.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

const (
	TxTypeWithdrawal = "withdrawal"
	TxTypeDeposit    = "deposit"
)

const (
	StakeTxTypeStake   = "STAKE"
	StakeTxTypeUnstake = "UNSTAKE"
)

type Asset struct {
	ID      uuid.UUID
	Symbol  string
	Name    string
	Fiat    bool
	Staking bool
}

type Network struct {
	ID               uuid.UUID
	Name             string
	FullName         string
	Confirmations    int
	MinDepositAmount decimal.Decimal
	AprLow           float64
	AprHigh          float64
}

// Balance is one ledger row per (user, asset, network). NetworkID is nil for
// network-agnostic rows. Available never goes negative; Public and Private
// are write-once.
type Balance struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AssetID   uuid.UUID
	NetworkID *uuid.UUID
	Symbol    string
	Network   string
	Available decimal.Decimal
	Public    string
	Private   string
	UpdatedAt time.Time
}

type Quote struct {
	ID         int64
	AssetID    uuid.UUID
	Symbol     string
	Interval   string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	LastPrice  decimal.Decimal
	ValueInUSD decimal.Decimal
	Time       time.Time
}

type Transaction struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	AssetID      uuid.UUID
	NetworkID    *uuid.UUID
	Type         string
	Status       string
	Amount       decimal.Decimal
	Fee          decimal.Decimal
	FromAddress  string
	ToAddress    string
	TxHash       string
	// Sources is the per-row debit audit for multi-row withdrawals,
	// e.g. "TRX:0.6;ETH:0.2".
	Sources      string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StakePending is one stake lot. Rewards accrue onto the lot and are always
// drained before Amount on unstake.
type StakePending struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AssetID   uuid.UUID
	Symbol    string
	Amount    decimal.Decimal
	Rewards   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StakeTx struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AssetID   uuid.UUID
	Symbol    string
	Type      string
	Amount    decimal.Decimal
	Rewards   decimal.Decimal
	CreatedAt time.Time
	ExitAt    *time.Time
}

type StakingReward struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AssetID   uuid.UUID
	Symbol    string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

type WithdrawRequest struct {
	UserID    uuid.UUID
	Symbol    string
	Network   string
	ToAddress string
	Amount    decimal.Decimal
}

type WithdrawResult struct {
	Transaction Transaction
	// Sources lists the rows consumed, highest balance first.
	Sources []DebitedSource
	// Remaining is the aggregate available balance after the debit.
	Remaining decimal.Decimal
}

type DebitedSource struct {
	BalanceID uuid.UUID
	Network   string
	Amount    decimal.Decimal
}

type StakeResult struct {
	Lot       StakePending
	StakeTx   StakeTx
	Remaining decimal.Decimal
}

type UnstakeResult struct {
	StakeTx StakeTx
	// Available is the aggregate available balance after the credit.
	Available decimal.Decimal
}

type DepositCredit struct {
	EventID string
	Symbol  string
	Network string
	Address string
	Amount  decimal.Decimal
	TxHash  string
}

type TransactionFilter struct {
	Type   string
	Status string
	Limit  int
}
