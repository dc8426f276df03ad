package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateAddress(t *testing.T) {
	var gotPath, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"address":    "0xabc",
			"privateKey": "0xsecret",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "", "", 5*time.Second, testLogger())
	addr, err := client.CreateAddress(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("CreateAddress: %v", err)
	}
	if addr.Public != "0xabc" || addr.Private != "0xsecret" {
		t.Fatalf("unexpected address material: %+v", addr)
	}
	if gotPath != "/ethereum/account" {
		t.Fatalf("expected /ethereum/account, got %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
}

func TestSendIncludesFromAddressForUTXOChains(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"txId": "0xdeadbeef"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", "", 5*time.Second, testLogger())
	txID, err := client.Send(context.Background(), SendRequest{
		Network:     "BTC",
		FromAddress: "bc1qsource",
		FromPrivate: "wif-key",
		ToAddress:   "bc1qdest",
		Amount:      decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if txID != "0xdeadbeef" {
		t.Fatalf("expected tx id, got %s", txID)
	}
	if gotBody["fromAddress"] != "bc1qsource" {
		t.Fatalf("expected fromAddress for BTC, got %v", gotBody)
	}
}

func TestSendOmitsFromAddressForAccountChains(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"txId": "0x01"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", "", 5*time.Second, testLogger())
	if _, err := client.Send(context.Background(), SendRequest{
		Network:     "ETH",
		FromPrivate: "0xkey",
		ToAddress:   "0xdest",
		Amount:      decimal.RequireFromString("1"),
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := gotBody["fromAddress"]; ok {
		t.Fatalf("expected no fromAddress for ETH, got %v", gotBody)
	}
}

func TestSendRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"txId": "0x02"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", "", 5*time.Second, testLogger())
	txID, err := client.Send(context.Background(), SendRequest{
		Network:     "ETH",
		FromPrivate: "0xkey",
		ToAddress:   "0xdest",
		Amount:      decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("Send after retries: %v", err)
	}
	if txID != "0x02" {
		t.Fatalf("expected tx id, got %s", txID)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", "", 5*time.Second, testLogger())
	_, err := client.Send(context.Background(), SendRequest{
		Network:     "ETH",
		FromPrivate: "0xkey",
		ToAddress:   "0xdest",
		Amount:      decimal.RequireFromString("1"),
	})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid address"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", "", 5*time.Second, testLogger())
	_, err := client.Send(context.Background(), SendRequest{
		Network:     "ETH",
		FromPrivate: "0xkey",
		ToAddress:   "0xdest",
		Amount:      decimal.RequireFromString("1"),
	})
	if !errors.Is(err, ErrBroadcastRejected) {
		t.Fatalf("expected ErrBroadcastRejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single attempt, got %d", calls.Load())
	}
}

func TestSendUnsupportedNetwork(t *testing.T) {
	client := NewClient("http://unreachable", "", "", "", time.Second, testLogger())
	_, err := client.Send(context.Background(), SendRequest{
		Network:   "SHIB",
		ToAddress: "0xdest",
		Amount:    decimal.RequireFromString("1"),
	})
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
}

func TestSubscribeAddress(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscription" {
			t.Errorf("expected /subscription, got %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", "https://wallet.example.com/webhooks/deposits", 5*time.Second, testLogger())
	if err := client.SubscribeAddress(context.Background(), "ETH", "ETH", "0xabc"); err != nil {
		t.Fatalf("SubscribeAddress: %v", err)
	}
	if gotBody["type"] != "ADDRESS_TRANSACTION" {
		t.Fatalf("expected ADDRESS_TRANSACTION subscription, got %v", gotBody)
	}
	attr, ok := gotBody["attr"].(map[string]any)
	if !ok || attr["address"] != "0xabc" {
		t.Fatalf("expected address in attr, got %v", gotBody)
	}
	if attr["url"] != "https://wallet.example.com/webhooks/deposits" {
		t.Fatalf("expected webhook url in attr, got %v", attr)
	}
}
