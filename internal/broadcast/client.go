package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedNetwork = errors.New("network has no broadcast endpoint")
	ErrBroadcastRejected  = errors.New("broadcast rejected")
	ErrGatewayUnavailable = errors.New("broadcast gateway unavailable")
)

// Metrics is the hook surface the client reports through. Nil-safe: a client
// without metrics simply skips the calls.
type Metrics interface {
	ObserveBroadcast(status string, d time.Duration)
	IncBroadcastRetry()
	IncBroadcastFailure(reason string)
}

// chainPaths maps network names to gateway path segments.
var chainPaths = map[string]string{
	"BTC":     "bitcoin",
	"ETH":     "ethereum",
	"TRX":     "tron",
	"LTC":     "litecoin",
	"DOGE":    "dogecoin",
	"SOL":     "solana",
	"ADA":     "cardano",
	"XRP":     "xrp",
	"BSC":     "bsc",
	"POLYGON": "polygon",
	"DOT":     "polkadot",
	"ATOM":    "cosmos",
}

type Address struct {
	Public  string
	Private string
}

type SendRequest struct {
	Network     string
	FromAddress string
	FromPrivate string
	ToAddress   string
	Amount      decimal.Decimal
}

// Client talks to the chain gateway over HTTP. Calls that can be retried
// (timeouts, 5xx) are attempted three times with a short backoff; 4xx
// responses are surfaced immediately.
type Client struct {
	baseURL      string
	apiKey       string
	subscribeURL string
	webhookURL   string
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      Metrics
}

type Option func(*Client)

func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func NewClient(baseURL, apiKey, subscribeURL, webhookURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		subscribeURL: subscribeURL,
		webhookURL:   webhookURL,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateAddress generates a fresh deposit address on the network. The private
// key comes back in cleartext; the caller encrypts it before storage.
func (c *Client) CreateAddress(ctx context.Context, network string) (Address, error) {
	path, err := chainPath(network)
	if err != nil {
		return Address{}, err
	}

	var resp struct {
		Address    string `json:"address"`
		PrivateKey string `json:"privateKey"`
	}
	if err := c.call(ctx, http.MethodPost, "/"+path+"/account", map[string]any{
		"chain": network,
	}, &resp); err != nil {
		return Address{}, fmt.Errorf("create %s address: %w", network, err)
	}
	if resp.Address == "" || resp.PrivateKey == "" {
		return Address{}, fmt.Errorf("create %s address: gateway returned empty material", network)
	}
	return Address{Public: resp.Address, Private: resp.PrivateKey}, nil
}

// Send broadcasts a withdrawal. UTXO chains take the source address in the
// body; account chains sign with the private key alone.
func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	path, err := chainPath(req.Network)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"to":             req.ToAddress,
		"amount":         req.Amount.String(),
		"fromPrivateKey": req.FromPrivate,
	}
	switch req.Network {
	case "BTC", "LTC", "DOGE":
		body["fromAddress"] = req.FromAddress
	}

	var resp struct {
		TxID string `json:"txId"`
	}
	if err := c.call(ctx, http.MethodPost, "/"+path+"/transaction", body, &resp); err != nil {
		return "", fmt.Errorf("broadcast on %s: %w", req.Network, err)
	}
	if resp.TxID == "" {
		return "", fmt.Errorf("broadcast on %s: gateway returned no tx id", req.Network)
	}
	return resp.TxID, nil
}

// SubscribeAddress registers the deposit address for incoming-transaction
// webhooks. Failure here is logged by callers, never fatal: the address is
// already committed.
func (c *Client) SubscribeAddress(ctx context.Context, symbol, network, address string) error {
	if _, err := chainPath(network); err != nil {
		return err
	}
	body := map[string]any{
		"type": "ADDRESS_TRANSACTION",
		"attr": map[string]any{
			"address": address,
			"chain":   network,
			"url":     c.webhookURL,
		},
	}
	target := c.subscribeURL
	if target == "" {
		target = "/subscription"
	}
	if err := c.call(ctx, http.MethodPost, target, body, nil); err != nil {
		return fmt.Errorf("subscribe %s address on %s: %w", symbol, network, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		attemptStart := time.Now()
		status, respBody, err := c.doOnce(ctx, method, path, payload)
		if err == nil && status < 300 {
			if c.metrics != nil {
				c.metrics.ObserveBroadcast("success", time.Since(attemptStart))
			}
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		}

		if err == nil {
			err = gatewayError(status, respBody)
		}
		lastErr = err

		retriable := isRetriable(status, err)
		if c.metrics != nil {
			c.metrics.ObserveBroadcast("error", time.Since(attemptStart))
			if retriable {
				c.metrics.IncBroadcastRetry()
			} else {
				c.metrics.IncBroadcastFailure("rejected")
			}
		}
		if !retriable {
			return err
		}
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDuration(attempt)):
			}
		}
	}

	if c.metrics != nil {
		c.metrics.IncBroadcastFailure("unavailable")
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func gatewayError(status int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		message = payload.Message
	}
	if status >= 500 {
		return fmt.Errorf("%w: status %d: %s", ErrGatewayUnavailable, status, message)
	}
	return fmt.Errorf("%w: status %d: %s", ErrBroadcastRejected, status, message)
}

func isRetriable(status int, err error) bool {
	if status >= 500 {
		return true
	}
	if status >= 400 && status < 500 {
		return false
	}
	// Transport-level failure with no status.
	return err != nil && !errors.Is(err, context.Canceled)
}

func backoffDuration(attempt int) time.Duration {
	base := 100 * time.Millisecond
	if attempt <= 1 {
		return base
	}
	return base * time.Duration(attempt)
}

func chainPath(network string) (string, error) {
	path, ok := chainPaths[strings.ToUpper(strings.TrimSpace(network))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return path, nil
}
