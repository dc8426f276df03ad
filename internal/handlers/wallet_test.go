package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pengui13/quantra-back/internal/service"
	"github.com/pengui13/quantra-back/internal/storage"
	"github.com/pengui13/quantra-back/internal/testutil"
)

type fakeWalletService struct {
	assets      []storage.Asset
	networks    []storage.Network
	balance     storage.Balance
	withdrawal  storage.WithdrawResult
	txList      []storage.Transaction
	stakeResult storage.StakeResult
	unstake     storage.UnstakeResult
	rewards     service.RewardsSummary
	portfolio   service.Portfolio
	err         error

	withdrawReq *storage.WithdrawRequest
	lastFilter  storage.TransactionFilter
}

func (f *fakeWalletService) Assets(_ context.Context) ([]storage.Asset, error) {
	return f.assets, f.err
}

func (f *fakeWalletService) AssetNetworks(_ context.Context, symbol string) (storage.Asset, []storage.Network, error) {
	if f.err != nil {
		return storage.Asset{}, nil, f.err
	}
	for _, asset := range f.assets {
		if asset.Symbol == symbol {
			return asset, f.networks, nil
		}
	}
	return storage.Asset{}, nil, storage.ErrAssetNotFound
}

func (f *fakeWalletService) DepositAddress(_ context.Context, _ uuid.UUID, _, _ string) (storage.Balance, error) {
	return f.balance, f.err
}

func (f *fakeWalletService) Withdraw(_ context.Context, req storage.WithdrawRequest) (storage.WithdrawResult, error) {
	f.withdrawReq = &req
	return f.withdrawal, f.err
}

func (f *fakeWalletService) Transactions(_ context.Context, _ uuid.UUID, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	f.lastFilter = filter
	return f.txList, f.err
}

func (f *fakeWalletService) Stake(_ context.Context, _ uuid.UUID, _ string, _ decimal.Decimal) (storage.StakeResult, error) {
	return f.stakeResult, f.err
}

func (f *fakeWalletService) Unstake(_ context.Context, _ uuid.UUID, _ string, _ decimal.Decimal) (storage.UnstakeResult, error) {
	return f.unstake, f.err
}

func (f *fakeWalletService) StakePositions(_ context.Context, _ uuid.UUID) ([]storage.StakePending, error) {
	return nil, f.err
}

func (f *fakeWalletService) StakeHistory(_ context.Context, _ uuid.UUID) ([]storage.StakeTx, error) {
	return nil, f.err
}

func (f *fakeWalletService) Rewards(_ context.Context, _ uuid.UUID) (service.RewardsSummary, error) {
	return f.rewards, f.err
}

func (f *fakeWalletService) Portfolio(_ context.Context, _ uuid.UUID) (service.Portfolio, error) {
	return f.portfolio, f.err
}

func setupRouter(t *testing.T, svc WalletAPI) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := New(svc, nil)
	h.Register(router, []byte("secret"))

	token, err := testutil.GenerateJWT(testutil.DemoUserID, []byte("secret"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return router, token
}

func TestWithdrawUnauthorized(t *testing.T) {
	router, _ := setupRouter(t, &fakeWalletService{})

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/withdrawals", withdrawRequest{
		Symbol: "ETH",
	})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestWithdrawValidation(t *testing.T) {
	svc := &fakeWalletService{}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/withdrawals", withdrawRequest{
		Symbol:  "ETH",
		Network: "ETH",
		Address: "not-an-address",
		Amount:  "1",
	}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	if svc.withdrawReq != nil {
		t.Fatal("expected no service call for invalid request")
	}

	var errResp struct {
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(errResp.Fields) == 0 || errResp.Fields[0].Field != "address" {
		t.Fatalf("expected address field error, got %+v", errResp.Fields)
	}
}

func TestWithdrawSuccess(t *testing.T) {
	now := time.Now().UTC()
	svc := &fakeWalletService{
		withdrawal: storage.WithdrawResult{
			Transaction: storage.Transaction{
				ID:        uuid.New(),
				Type:      storage.TxTypeWithdrawal,
				Status:    storage.TxStatusCompleted,
				Amount:    decimal.RequireFromString("0.7"),
				ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
				TxHash:    "0xhash",
				Sources:   "TRX:0.6;ETH:0.1",
				CreatedAt: now,
				UpdatedAt: now,
			},
			Remaining: decimal.RequireFromString("0.2"),
		},
	}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/withdrawals", withdrawRequest{
		Symbol:  "eth",
		Network: "eth",
		Address: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		Amount:  "0.7",
	}, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	if svc.withdrawReq == nil {
		t.Fatal("expected service call")
	}
	if svc.withdrawReq.Symbol != "ETH" || svc.withdrawReq.Network != "ETH" {
		t.Fatalf("expected normalized symbol and network, got %+v", svc.withdrawReq)
	}
	if svc.withdrawReq.UserID != testutil.DemoUserID {
		t.Fatalf("expected token subject as user, got %s", svc.withdrawReq.UserID)
	}

	var item withdrawResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if item.Status != storage.TxStatusCompleted || item.Sources != "TRX:0.6;ETH:0.1" {
		t.Fatalf("unexpected response: %+v", item)
	}
	if item.RemainingBalance != "0.2" {
		t.Fatalf("expected remaining balance 0.2, got %q", item.RemainingBalance)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	svc := &fakeWalletService{err: storage.ErrInsufficientFunds}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/withdrawals", withdrawRequest{
		Symbol:  "ETH",
		Network: "ETH",
		Address: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		Amount:  "100",
	}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientFunds)
}

func TestGetAssetNotFound(t *testing.T) {
	router, token := setupRouter(t, &fakeWalletService{})

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/assets/SHIB", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusNotFound)
}

func TestGetAssetWithNetworks(t *testing.T) {
	svc := &fakeWalletService{
		assets: []storage.Asset{{ID: uuid.New(), Symbol: "ETH", Name: "Ethereum", Staking: true}},
		networks: []storage.Network{
			{Name: "ETH", FullName: "Ethereum Mainnet (ERC20)", Confirmations: 12,
				MinDepositAmount: decimal.RequireFromString("0.01"), AprLow: 3, AprHigh: 5},
		},
	}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/assets/eth", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var detail struct {
		Symbol   string        `json:"symbol"`
		Staking  bool          `json:"staking"`
		Networks []networkItem `json:"networks"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if detail.Symbol != "ETH" || !detail.Staking {
		t.Fatalf("unexpected asset: %+v", detail)
	}
	if len(detail.Networks) != 1 || detail.Networks[0].MinDepositAmount != "0.01" {
		t.Fatalf("unexpected networks: %+v", detail.Networks)
	}
}

func TestDepositAddress(t *testing.T) {
	svc := &fakeWalletService{
		balance: storage.Balance{ID: uuid.New(), Public: "0xdepositaddr"},
	}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/assets/ETH/networks/ETH/address", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var addr depositAddressResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &addr); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if addr.Address != "0xdepositaddr" || addr.Symbol != "ETH" {
		t.Fatalf("unexpected response: %+v", addr)
	}
}

func TestListTransactionsFilter(t *testing.T) {
	svc := &fakeWalletService{}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet,
		"/transactions?type=withdrawal&status=pending&limit=10", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	if svc.lastFilter.Type != "withdrawal" || svc.lastFilter.Status != "pending" || svc.lastFilter.Limit != 10 {
		t.Fatalf("unexpected filter: %+v", svc.lastFilter)
	}

	resp = testutil.MakeAuthRequest(router, http.MethodGet, "/transactions?limit=abc", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestStake(t *testing.T) {
	svc := &fakeWalletService{
		stakeResult: storage.StakeResult{
			Lot:       storage.StakePending{Symbol: "ETH", Amount: decimal.RequireFromString("2")},
			Remaining: decimal.RequireFromString("3"),
		},
	}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/staking/stake", stakeRequest{
		Symbol: "ETH",
		Amount: "2",
	}, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var result stakeResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Amount != "2" || result.Available != "3" {
		t.Fatalf("unexpected response: %+v", result)
	}
}

func TestStakeNotSupported(t *testing.T) {
	svc := &fakeWalletService{err: storage.ErrStakingNotSupported}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/staking/stake", stakeRequest{
		Symbol: "BTC",
		Amount: "1",
	}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnsupportedAsset)
}

func TestUnstakeInsufficientStake(t *testing.T) {
	svc := &fakeWalletService{err: storage.ErrInsufficientStake}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/staking/unstake", stakeRequest{
		Symbol: "ETH",
		Amount: "5",
	}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientStake)
}

func TestRewardsQuoteUnavailable(t *testing.T) {
	svc := &fakeWalletService{err: storage.ErrQuoteUnavailable}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/staking/rewards", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeQuoteUnavailable)
}

func TestPortfolio(t *testing.T) {
	svc := &fakeWalletService{
		portfolio: service.Portfolio{
			Items: []service.PortfolioItem{
				{Symbol: "BTC", Amount: "0.5", ValueUSD: "32100.00", HasQuote: true},
			},
			TotalUSD:   "32100.00",
			TotalFiat:  "29722.22",
			FiatSymbol: "EUR",
		},
	}
	router, token := setupRouter(t, svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/portfolio", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var portfolio service.Portfolio
	if err := json.Unmarshal(resp.Body.Bytes(), &portfolio); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if portfolio.TotalUSD != "32100.00" || portfolio.FiatSymbol != "EUR" {
		t.Fatalf("unexpected portfolio: %+v", portfolio)
	}
}
