package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pengui13/quantra-back/internal/broadcast"
	"github.com/pengui13/quantra-back/internal/storage"
	"github.com/pengui13/quantra-back/libs/kafka"
)

// Store is the storage surface the service depends on.
type Store interface {
	GetAssetBySymbol(ctx context.Context, symbol string) (storage.Asset, error)
	GetAssetNetwork(ctx context.Context, assetID uuid.UUID, network string) (storage.Network, error)
	ListAssets(ctx context.Context, stakingOnly bool) ([]storage.Asset, error)
	ListAssetNetworks(ctx context.Context, assetID uuid.UUID) ([]storage.Network, error)
	GetOrCreateBalance(ctx context.Context, userID, assetID uuid.UUID, networkID *uuid.UUID) (storage.Balance, error)
	SetDepositAddress(ctx context.Context, balanceID uuid.UUID, public, private string) (storage.Balance, error)
	UserBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error)
	GetUser(ctx context.Context, userID uuid.UUID) (storage.User, error)

	Withdraw(ctx context.Context, req storage.WithdrawRequest) (storage.WithdrawResult, error)
	MarkCompleted(ctx context.Context, txID uuid.UUID, txHash string) (storage.Transaction, error)
	MarkFailed(ctx context.Context, txID uuid.UUID, reason string) (storage.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, filter storage.TransactionFilter) ([]storage.Transaction, error)

	Stake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (storage.StakeResult, error)
	Unstake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (storage.UnstakeResult, error)
	ListStakeLots(ctx context.Context, userID uuid.UUID) ([]storage.StakePending, error)
	ListStakeTxs(ctx context.Context, userID uuid.UUID) ([]storage.StakeTx, error)
	PendingRewards(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, error)
	RealizedRewards(ctx context.Context, userID uuid.UUID) (map[string]decimal.Decimal, error)

	LatestQuote(ctx context.Context, symbol string) (storage.Quote, error)
	LatestQuotes(ctx context.Context) (map[string]storage.Quote, error)
}

// Broadcaster is the chain gateway surface.
type Broadcaster interface {
	CreateAddress(ctx context.Context, network string) (broadcast.Address, error)
	Send(ctx context.Context, req broadcast.SendRequest) (string, error)
	SubscribeAddress(ctx context.Context, symbol, network, address string) error
}

// Cipher seals and opens private key material.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

type WalletService struct {
	store       Store
	broadcaster Broadcaster
	cipher      Cipher
	producer    kafka.Publisher
	topics      Topics
	logger      *slog.Logger
	metrics     *Metrics
}

type Topics struct {
	BalancesUpdated string
}

func NewWalletService(store Store, broadcaster Broadcaster, cipher Cipher, producer kafka.Publisher, topics Topics, logger *slog.Logger, metrics *Metrics) *WalletService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletService{
		store:       store,
		broadcaster: broadcaster,
		cipher:      cipher,
		producer:    producer,
		topics:      topics,
		logger:      logger,
		metrics:     metrics,
	}
}

// Withdraw debits the user, broadcasts on chain, and settles the transaction
// status. The ledger debit commits before the gateway is touched; the
// broadcast outcome only moves the PENDING transaction to COMPLETED or
// FAILED, never re-enters the locked section.
func (s *WalletService) Withdraw(ctx context.Context, req storage.WithdrawRequest) (storage.WithdrawResult, error) {
	result, err := s.store.Withdraw(ctx, req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		}
		return storage.WithdrawResult{}, err
	}

	tx := result.Transaction
	s.logger.Info("withdrawal pending",
		"tx_id", tx.ID, "user_id", req.UserID, "symbol", req.Symbol,
		"network", req.Network, "amount", req.Amount.String(), "sources", tx.Sources)

	signing, err := s.signingMaterial(ctx, req.UserID, tx.AssetID, req.Network)
	if err == nil {
		var hash string
		hash, err = s.broadcaster.Send(ctx, broadcast.SendRequest{
			Network:     strings.ToUpper(req.Network),
			FromAddress: signing.public,
			FromPrivate: signing.private,
			ToAddress:   req.ToAddress,
			Amount:      req.Amount,
		})
		if err == nil {
			tx, err = s.store.MarkCompleted(ctx, tx.ID, hash)
			if err != nil {
				return storage.WithdrawResult{}, fmt.Errorf("complete withdrawal %s: %w", tx.ID, err)
			}
			if s.metrics != nil {
				s.metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
			}
			s.publishBalanceUpdate(ctx, req.UserID, tx.ID.String(), "withdrawal_completed")
			result.Transaction = tx
			return result, nil
		}
	}

	s.logger.Error("withdrawal broadcast failed", "tx_id", tx.ID, "error", err)
	failed, markErr := s.store.MarkFailed(ctx, tx.ID, err.Error())
	if markErr != nil {
		// The debit stands and the transaction is stuck PENDING;
		// this needs operator attention.
		s.logger.Error("withdrawal compensation failed", "tx_id", tx.ID, "error", markErr)
		return storage.WithdrawResult{}, fmt.Errorf("compensate withdrawal %s: %w", tx.ID, markErr)
	}
	if s.metrics != nil {
		s.metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
	}
	s.publishBalanceUpdate(ctx, req.UserID, tx.ID.String(), "withdrawal_failed")
	result.Transaction = failed
	// The failed debit was refunded in MarkFailed.
	result.Remaining = result.Remaining.Add(req.Amount)
	return result, nil
}

type signingMaterial struct {
	public  string
	private string
}

// signingMaterial finds the custodial key for the withdrawal network:
// the row on the target network first, any funded row of the asset otherwise.
func (s *WalletService) signingMaterial(ctx context.Context, userID, assetID uuid.UUID, network string) (signingMaterial, error) {
	balances, err := s.store.UserBalances(ctx, userID)
	if err != nil {
		return signingMaterial{}, fmt.Errorf("load balances: %w", err)
	}

	network = strings.ToUpper(strings.TrimSpace(network))
	var fallback *storage.Balance
	for i := range balances {
		b := &balances[i]
		if b.AssetID != assetID || b.Private == "" {
			continue
		}
		if strings.EqualFold(b.Network, network) {
			return s.openMaterial(b)
		}
		if fallback == nil {
			fallback = b
		}
	}
	if fallback != nil {
		return s.openMaterial(fallback)
	}
	return signingMaterial{}, fmt.Errorf("no signing material for asset on %s", network)
}

func (s *WalletService) openMaterial(b *storage.Balance) (signingMaterial, error) {
	private, err := s.cipher.Decrypt(b.Private)
	if err != nil {
		return signingMaterial{}, fmt.Errorf("open signing material: %w", err)
	}
	return signingMaterial{public: b.Public, private: private}, nil
}

// DepositAddress returns the user's deposit address for (symbol, network),
// generating one on first use. The gateway call happens before the row lock;
// if two requests race, the first committed address wins and the loser's
// material is discarded.
func (s *WalletService) DepositAddress(ctx context.Context, userID uuid.UUID, symbol, network string) (storage.Balance, error) {
	asset, err := s.store.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return storage.Balance{}, err
	}
	net, err := s.store.GetAssetNetwork(ctx, asset.ID, network)
	if err != nil {
		return storage.Balance{}, err
	}

	balance, err := s.store.GetOrCreateBalance(ctx, userID, asset.ID, &net.ID)
	if err != nil {
		return storage.Balance{}, err
	}
	if balance.Public != "" {
		return balance, nil
	}

	addr, err := s.broadcaster.CreateAddress(ctx, net.Name)
	if err != nil {
		return storage.Balance{}, err
	}
	sealed, err := s.cipher.Encrypt(addr.Private)
	if err != nil {
		return storage.Balance{}, fmt.Errorf("seal signing material: %w", err)
	}

	balance, err = s.store.SetDepositAddress(ctx, balance.ID, addr.Public, sealed)
	if err != nil {
		return storage.Balance{}, err
	}
	if s.metrics != nil && balance.Public == addr.Public {
		s.metrics.AddressesCreated.Inc()
	}

	if err := s.broadcaster.SubscribeAddress(ctx, asset.Symbol, net.Name, balance.Public); err != nil {
		// The address is committed; the webhook can be registered later.
		s.logger.Warn("address subscription failed",
			"symbol", asset.Symbol, "network", net.Name, "error", err)
	}
	return balance, nil
}

// Stake moves funds into a stake lot and announces the balance change.
func (s *WalletService) Stake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (storage.StakeResult, error) {
	result, err := s.store.Stake(ctx, userID, symbol, amount)
	if err != nil {
		if s.metrics != nil {
			s.metrics.StakeOpsTotal.WithLabelValues("stake", "rejected").Inc()
		}
		return storage.StakeResult{}, err
	}
	if s.metrics != nil {
		s.metrics.StakeOpsTotal.WithLabelValues("stake", "success").Inc()
	}
	s.publishBalanceUpdate(ctx, userID, result.StakeTx.ID.String(), "stake")
	return result, nil
}

func (s *WalletService) Unstake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (storage.UnstakeResult, error) {
	result, err := s.store.Unstake(ctx, userID, symbol, amount)
	if err != nil {
		if s.metrics != nil {
			s.metrics.StakeOpsTotal.WithLabelValues("unstake", "rejected").Inc()
		}
		return storage.UnstakeResult{}, err
	}
	if s.metrics != nil {
		s.metrics.StakeOpsTotal.WithLabelValues("unstake", "success").Inc()
	}
	s.publishBalanceUpdate(ctx, userID, result.StakeTx.ID.String(), "unstake")
	return result, nil
}

type PortfolioItem struct {
	Symbol   string `json:"symbol"`
	Amount   string `json:"amount"`
	ValueUSD string `json:"value_usd"`
	HasQuote bool   `json:"has_quote"`
	Fiat     bool   `json:"fiat"`
	Staking  bool   `json:"staking"`
}

type Portfolio struct {
	Items      []PortfolioItem `json:"items"`
	TotalUSD   string          `json:"total_usd"`
	TotalFiat  string          `json:"total_fiat"`
	FiatSymbol string          `json:"fiat_symbol"`
}

// Portfolio values every holding at the latest quote. Assets without a quote
// contribute zero rather than blocking the whole response; fiat holdings
// without a quote count at face value. Display strings are truncated, not
// rounded, to two decimal places.
func (s *WalletService) Portfolio(ctx context.Context, userID uuid.UUID) (Portfolio, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.PortfolioDuration.WithLabelValues("portfolio").Observe(time.Since(start).Seconds())
		}
	}()

	balances, err := s.store.UserBalances(ctx, userID)
	if err != nil {
		return Portfolio{}, err
	}
	quotes, err := s.store.LatestQuotes(ctx)
	if err != nil {
		return Portfolio{}, err
	}
	assets, err := s.store.ListAssets(ctx, false)
	if err != nil {
		return Portfolio{}, err
	}
	assetsBySymbol := make(map[string]storage.Asset, len(assets))
	for _, asset := range assets {
		assetsBySymbol[asset.Symbol] = asset
	}

	totals := make(map[string]decimal.Decimal)
	var order []string
	for _, balance := range balances {
		if _, seen := totals[balance.Symbol]; !seen {
			order = append(order, balance.Symbol)
		}
		totals[balance.Symbol] = totals[balance.Symbol].Add(balance.Available)
	}

	portfolio := Portfolio{TotalUSD: "0.00", TotalFiat: "0.00", FiatSymbol: "USD"}
	totalUSD := decimal.Zero
	for _, symbol := range order {
		amount := totals[symbol]
		asset := assetsBySymbol[symbol]
		item := PortfolioItem{
			Symbol:  symbol,
			Amount:  amount.String(),
			Fiat:    asset.Fiat,
			Staking: asset.Staking,
		}

		quote, ok := quotes[symbol]
		switch {
		case ok:
			value := amount.Mul(quote.ValueInUSD)
			item.ValueUSD = displayAmount(value)
			item.HasQuote = true
			totalUSD = totalUSD.Add(value)
		case asset.Fiat:
			item.ValueUSD = displayAmount(amount)
			totalUSD = totalUSD.Add(amount)
		default:
			item.ValueUSD = "0.00"
			s.logger.Warn("no quote for portfolio asset", "symbol", symbol, "user_id", userID)
		}
		portfolio.Items = append(portfolio.Items, item)
	}

	portfolio.TotalUSD = displayAmount(totalUSD)

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Portfolio{}, err
	}
	portfolio.FiatSymbol = user.PreferredFiat
	portfolio.TotalFiat = displayAmount(s.convertToFiat(ctx, totalUSD, user.PreferredFiat, quotes))
	return portfolio, nil
}

// convertToFiat divides the USD total by the preferred fiat's USD rate. A
// missing or zero rate degrades to 1:1 with a warning rather than failing the
// response.
func (s *WalletService) convertToFiat(ctx context.Context, totalUSD decimal.Decimal, fiat string, quotes map[string]storage.Quote) decimal.Decimal {
	if fiat == "" || fiat == "USD" {
		return totalUSD
	}
	quote, ok := quotes[fiat]
	if !ok || quote.ValueInUSD.LessThanOrEqual(decimal.Zero) {
		s.logger.Warn("no usable fiat quote, using 1:1 rate", "fiat", fiat)
		return totalUSD
	}
	return totalUSD.Div(quote.ValueInUSD)
}

type RewardItem struct {
	Symbol   string `json:"symbol"`
	Pending  string `json:"pending"`
	Realized string `json:"realized"`
	ValueUSD string `json:"value_usd"`
}

type RewardsSummary struct {
	Items    []RewardItem `json:"items"`
	TotalUSD string       `json:"total_usd"`
}

// Rewards values pending and realized staking rewards at the latest quotes.
// Unlike the portfolio, a missing quote aborts the whole computation: a
// partial rewards total would silently understate earnings.
func (s *WalletService) Rewards(ctx context.Context, userID uuid.UUID) (RewardsSummary, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.PortfolioDuration.WithLabelValues("rewards").Observe(time.Since(start).Seconds())
		}
	}()

	pending, err := s.store.PendingRewards(ctx, userID)
	if err != nil {
		return RewardsSummary{}, err
	}
	realized, err := s.store.RealizedRewards(ctx, userID)
	if err != nil {
		return RewardsSummary{}, err
	}

	symbols := make(map[string]struct{}, len(pending)+len(realized))
	for symbol := range pending {
		symbols[symbol] = struct{}{}
	}
	for symbol := range realized {
		symbols[symbol] = struct{}{}
	}

	summary := RewardsSummary{TotalUSD: "0.00"}
	totalUSD := decimal.Zero
	for symbol := range symbols {
		quote, err := s.store.LatestQuote(ctx, symbol)
		if err != nil {
			return RewardsSummary{}, fmt.Errorf("value %s rewards: %w", symbol, err)
		}
		pendingAmount := pending[symbol]
		realizedAmount := realized[symbol]
		value := pendingAmount.Add(realizedAmount).Mul(quote.ValueInUSD)
		totalUSD = totalUSD.Add(value)
		summary.Items = append(summary.Items, RewardItem{
			Symbol:   symbol,
			Pending:  pendingAmount.String(),
			Realized: realizedAmount.String(),
			ValueUSD: displayAmount(value),
		})
	}
	sortRewardItems(summary.Items)
	summary.TotalUSD = displayAmount(totalUSD)
	return summary, nil
}

func sortRewardItems(items []RewardItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
}

func (s *WalletService) Transactions(ctx context.Context, userID uuid.UUID, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	return s.store.ListTransactions(ctx, userID, filter)
}

func (s *WalletService) StakePositions(ctx context.Context, userID uuid.UUID) ([]storage.StakePending, error) {
	return s.store.ListStakeLots(ctx, userID)
}

func (s *WalletService) StakeHistory(ctx context.Context, userID uuid.UUID) ([]storage.StakeTx, error) {
	return s.store.ListStakeTxs(ctx, userID)
}

func (s *WalletService) Assets(ctx context.Context) ([]storage.Asset, error) {
	return s.store.ListAssets(ctx, false)
}

func (s *WalletService) AssetNetworks(ctx context.Context, symbol string) (storage.Asset, []storage.Network, error) {
	asset, err := s.store.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return storage.Asset{}, nil, err
	}
	networks, err := s.store.ListAssetNetworks(ctx, asset.ID)
	if err != nil {
		return storage.Asset{}, nil, err
	}
	return asset, networks, nil
}

type BalanceUpdatedEvent struct {
	kafka.Envelope
	UserID    string `json:"user_id"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// publishBalanceUpdate emits a balance-changed notification for the streaming
// tier. Publishing is best effort: a broker outage must not fail the ledger
// operation that already committed.
func (s *WalletService) publishBalanceUpdate(ctx context.Context, userID uuid.UUID, reference, reason string) {
	if s.producer == nil || s.topics.BalancesUpdated == "" {
		return
	}
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("balances.updated", reference, reason),
		"balances.updated", 1, reference)
	if err != nil {
		s.logger.Error("build balance event", "error", err)
		return
	}
	event := BalanceUpdatedEvent{
		Envelope:  envelope,
		UserID:    userID.String(),
		Reference: reference,
		Reason:    reason,
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.BalancesUpdated, userID.String(), event); err != nil {
		s.logger.Error("publish balance event", "topic", s.topics.BalancesUpdated, "error", err)
	}
}

// displayAmount truncates toward zero to two decimal places.
func displayAmount(value decimal.Decimal) string {
	return value.Truncate(2).StringFixed(2)
}
