package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/pengui13/quantra-back/internal/service"
	"github.com/pengui13/quantra-back/internal/storage"
	"github.com/pengui13/quantra-back/internal/validation"
	"github.com/pengui13/quantra-back/libs/auth"
)

type WalletAPI interface {
	Assets(ctx context.Context) ([]storage.Asset, error)
	AssetNetworks(ctx context.Context, symbol string) (storage.Asset, []storage.Network, error)
	DepositAddress(ctx context.Context, userID uuid.UUID, symbol, network string) (storage.Balance, error)
	Withdraw(ctx context.Context, req storage.WithdrawRequest) (storage.WithdrawResult, error)
	Transactions(ctx context.Context, userID uuid.UUID, filter storage.TransactionFilter) ([]storage.Transaction, error)
	Stake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (storage.StakeResult, error)
	Unstake(ctx context.Context, userID uuid.UUID, symbol string, amount decimal.Decimal) (storage.UnstakeResult, error)
	StakePositions(ctx context.Context, userID uuid.UUID) ([]storage.StakePending, error)
	StakeHistory(ctx context.Context, userID uuid.UUID) ([]storage.StakeTx, error)
	Rewards(ctx context.Context, userID uuid.UUID) (service.RewardsSummary, error)
	Portfolio(ctx context.Context, userID uuid.UUID) (service.Portfolio, error)
}

type Handler struct {
	Service WalletAPI
	Logger  *slog.Logger
}

func New(service WalletAPI, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.GET("/assets", h.ListAssets)
	group.GET("/assets/:symbol", h.GetAsset)
	group.GET("/assets/:symbol/networks/:network/address", h.DepositAddress)
	group.POST("/withdrawals", h.Withdraw)
	group.GET("/transactions", h.ListTransactions)
	group.POST("/staking/stake", h.Stake)
	group.POST("/staking/unstake", h.Unstake)
	group.GET("/staking/positions", h.StakePositions)
	group.GET("/staking/history", h.StakeHistory)
	group.GET("/staking/rewards", h.Rewards)
	group.GET("/portfolio", h.Portfolio)
}

type assetItem struct {
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
	Fiat    bool   `json:"fiat"`
	Staking bool   `json:"staking"`
}

type networkItem struct {
	Name             string  `json:"name"`
	FullName         string  `json:"full_name"`
	Confirmations    int     `json:"confirmations"`
	MinDepositAmount string  `json:"min_deposit_amount"`
	AprLow           float64 `json:"apr_low"`
	AprHigh          float64 `json:"apr_high"`
}

type assetDetailResponse struct {
	assetItem
	Networks []networkItem `json:"networks"`
}

type depositAddressResponse struct {
	Symbol  string `json:"symbol"`
	Network string `json:"network"`
	Address string `json:"address"`
}

type withdrawRequest struct {
	Symbol  string `json:"symbol"`
	Network string `json:"network"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type transactionItem struct {
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	ToAddress     string `json:"to_address,omitempty"`
	TxHash        string `json:"tx_hash,omitempty"`
	Error         string `json:"error,omitempty"`
	Sources       string `json:"sources,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type withdrawResponse struct {
	transactionItem
	RemainingBalance string `json:"remaining_balance"`
}

type stakeRequest struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

type stakeResponse struct {
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	Rewards   string `json:"rewards,omitempty"`
	Available string `json:"available"`
}

type stakePositionItem struct {
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	Rewards   string `json:"rewards"`
	CreatedAt string `json:"created_at"`
}

type stakeHistoryItem struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Amount    string `json:"amount"`
	Rewards   string `json:"rewards"`
	CreatedAt string `json:"created_at"`
	ExitAt    string `json:"exit_at,omitempty"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Reasons []string                `json:"reasons,omitempty"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
	Details map[string]string       `json:"details,omitempty"`
}

func (h *Handler) ListAssets(c *gin.Context) {
	assets, err := h.Service.Assets(c.Request.Context())
	if err != nil {
		h.Logger.Error("list assets failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]assetItem, 0, len(assets))
	for _, asset := range assets {
		items = append(items, assetItem{
			Symbol:  asset.Symbol,
			Name:    asset.Name,
			Fiat:    asset.Fiat,
			Staking: asset.Staking,
		})
	}
	c.JSON(http.StatusOK, gin.H{"assets": items})
}

func (h *Handler) GetAsset(c *gin.Context) {
	symbol := validation.NormalizeSymbol(c.Param("symbol"))
	asset, networks, err := h.Service.AssetNetworks(c.Request.Context(), symbol)
	if err != nil {
		if errors.Is(err, storage.ErrAssetNotFound) {
			writeError(c, http.StatusNotFound, "UNSUPPORTED_ASSET", "asset not found", nil, nil, nil)
			return
		}
		h.Logger.Error("get asset failed", "symbol", symbol, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	resp := assetDetailResponse{
		assetItem: assetItem{
			Symbol:  asset.Symbol,
			Name:    asset.Name,
			Fiat:    asset.Fiat,
			Staking: asset.Staking,
		},
	}
	for _, network := range networks {
		resp.Networks = append(resp.Networks, networkItem{
			Name:             network.Name,
			FullName:         network.FullName,
			Confirmations:    network.Confirmations,
			MinDepositAmount: network.MinDepositAmount.String(),
			AprLow:           network.AprLow,
			AprHigh:          network.AprHigh,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) DepositAddress(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	symbol := validation.NormalizeSymbol(c.Param("symbol"))
	network := validation.NormalizeSymbol(c.Param("network"))

	balance, err := h.Service.DepositAddress(c.Request.Context(), userID, symbol, network)
	if err != nil {
		if errors.Is(err, storage.ErrAssetNotFound) || errors.Is(err, storage.ErrNetworkNotFound) {
			writeError(c, http.StatusBadRequest, "UNSUPPORTED_ASSET", err.Error(), nil, nil, nil)
			return
		}
		h.Logger.Error("deposit address failed", "symbol", symbol, "network", network, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	c.JSON(http.StatusOK, depositAddressResponse{
		Symbol:  symbol,
		Network: network,
		Address: balance.Public,
	})
}

func (h *Handler) Withdraw(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}

	errs := validation.ValidateWithdrawRequest(req.Symbol, req.Network, req.Address, req.Amount)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", nil, errs, nil)
		return
	}

	amount, _ := validation.ParsePositiveAmount(req.Amount)
	result, err := h.Service.Withdraw(c.Request.Context(), storage.WithdrawRequest{
		UserID:    userID,
		Symbol:    validation.NormalizeSymbol(req.Symbol),
		Network:   validation.NormalizeSymbol(req.Network),
		ToAddress: strings.TrimSpace(req.Address),
		Amount:    amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAssetNotFound), errors.Is(err, storage.ErrNetworkNotFound):
			writeError(c, http.StatusBadRequest, "UNSUPPORTED_ASSET", err.Error(), nil, nil, nil)
		case errors.Is(err, storage.ErrInsufficientFunds):
			writeError(c, http.StatusBadRequest, "INSUFFICIENT_FUNDS", "insufficient funds",
				[]string{"insufficient_funds"}, nil, map[string]string{"error": err.Error()})
		default:
			h.Logger.Error("withdraw failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		}
		return
	}

	c.JSON(http.StatusOK, withdrawResponse{
		transactionItem:  transactionToItem(result.Transaction),
		RemainingBalance: result.Remaining.String(),
	})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	filter := storage.TransactionFilter{
		Type:   strings.ToLower(strings.TrimSpace(c.Query("type"))),
		Status: strings.ToLower(strings.TrimSpace(c.Query("status"))),
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil, nil, nil)
			return
		}
		filter.Limit = n
	}

	transactions, err := h.Service.Transactions(c.Request.Context(), userID, filter)
	if err != nil {
		h.Logger.Error("list transactions failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]transactionItem, 0, len(transactions))
	for _, transaction := range transactions {
		items = append(items, transactionToItem(transaction))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": items})
}

func (h *Handler) Stake(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}
	errs := validation.ValidateStakeRequest(req.Symbol, req.Amount)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", nil, errs, nil)
		return
	}

	amount, _ := validation.ParsePositiveAmount(req.Amount)
	result, err := h.Service.Stake(c.Request.Context(), userID, validation.NormalizeSymbol(req.Symbol), amount)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAssetNotFound), errors.Is(err, storage.ErrStakingNotSupported):
			writeError(c, http.StatusBadRequest, "UNSUPPORTED_ASSET", err.Error(), nil, nil, nil)
		case errors.Is(err, storage.ErrInsufficientFunds):
			writeError(c, http.StatusBadRequest, "INSUFFICIENT_FUNDS", "insufficient funds",
				[]string{"insufficient_funds"}, nil, map[string]string{"error": err.Error()})
		default:
			h.Logger.Error("stake failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		}
		return
	}

	c.JSON(http.StatusOK, stakeResponse{
		Symbol:    result.Lot.Symbol,
		Amount:    result.Lot.Amount.String(),
		Available: result.Remaining.String(),
	})
}

func (h *Handler) Unstake(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil, nil, nil)
		return
	}
	errs := validation.ValidateStakeRequest(req.Symbol, req.Amount)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", nil, errs, nil)
		return
	}

	amount, _ := validation.ParsePositiveAmount(req.Amount)
	result, err := h.Service.Unstake(c.Request.Context(), userID, validation.NormalizeSymbol(req.Symbol), amount)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAssetNotFound):
			writeError(c, http.StatusBadRequest, "UNSUPPORTED_ASSET", err.Error(), nil, nil, nil)
		case errors.Is(err, storage.ErrInsufficientStake):
			writeError(c, http.StatusBadRequest, "INSUFFICIENT_STAKE", "insufficient staked funds",
				[]string{"insufficient_stake"}, nil, map[string]string{"error": err.Error()})
		default:
			h.Logger.Error("unstake failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		}
		return
	}

	c.JSON(http.StatusOK, stakeResponse{
		Symbol:    result.StakeTx.Symbol,
		Amount:    result.StakeTx.Amount.String(),
		Rewards:   result.StakeTx.Rewards.String(),
		Available: result.Available.String(),
	})
}

func (h *Handler) StakePositions(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	lots, err := h.Service.StakePositions(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("stake positions failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]stakePositionItem, 0, len(lots))
	for _, lot := range lots {
		items = append(items, stakePositionItem{
			Symbol:    lot.Symbol,
			Amount:    lot.Amount.String(),
			Rewards:   lot.Rewards.String(),
			CreatedAt: lot.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": items})
}

func (h *Handler) StakeHistory(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	txs, err := h.Service.StakeHistory(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("stake history failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}

	items := make([]stakeHistoryItem, 0, len(txs))
	for _, tx := range txs {
		item := stakeHistoryItem{
			Type:      tx.Type,
			Symbol:    tx.Symbol,
			Amount:    tx.Amount.String(),
			Rewards:   tx.Rewards.String(),
			CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339),
		}
		if tx.ExitAt != nil {
			item.ExitAt = tx.ExitAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"history": items})
}

func (h *Handler) Rewards(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	summary, err := h.Service.Rewards(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteUnavailable) {
			writeError(c, http.StatusServiceUnavailable, "QUOTE_UNAVAILABLE", "quote unavailable", nil, nil, nil)
			return
		}
		h.Logger.Error("rewards failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) Portfolio(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil, nil, nil)
		return
	}

	portfolio, err := h.Service.Portfolio(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("portfolio failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
		return
	}
	c.JSON(http.StatusOK, portfolio)
}

func transactionToItem(transaction storage.Transaction) transactionItem {
	return transactionItem{
		TransactionID: transaction.ID.String(),
		Type:          transaction.Type,
		Status:        transaction.Status,
		Amount:        transaction.Amount.String(),
		ToAddress:     transaction.ToAddress,
		TxHash:        transaction.TxHash,
		Error:         transaction.ErrorMessage,
		Sources:       transaction.Sources,
		CreatedAt:     transaction.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     transaction.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func writeError(c *gin.Context, status int, code, message string, reasons []string, fields []validation.FieldError, details map[string]string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Reasons: reasons,
		Fields:  fields,
		Details: details,
	})
}
