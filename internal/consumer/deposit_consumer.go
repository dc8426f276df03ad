package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pengui13/quantra-back/internal/storage"
	"github.com/pengui13/quantra-back/libs/kafka"
)

const (
	depositConfirmedEventType = "deposits.confirmed"
	balancesUpdatedEventType  = "balances.updated"
)

// DepositConfirmedEvent arrives once a chain watcher has seen enough
// confirmations on an incoming transfer to a custodial address.
type DepositConfirmedEvent struct {
	kafka.Envelope
	Symbol  string `json:"symbol"`
	Network string `json:"network"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
	TxHash  string `json:"tx_hash"`
}

type BalanceUpdatedEvent struct {
	kafka.Envelope
	UserID    string `json:"user_id"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

type DepositStore interface {
	CreditDeposit(ctx context.Context, dep storage.DepositCredit) (storage.Transaction, error)
}

type DepositMetrics interface {
	IncDeposit(status string)
}

type DepositConsumer struct {
	store    DepositStore
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
	metrics  DepositMetrics
}

// NewDepositConsumer wires the deposit feed into the ledger. topic is where
// resulting balance updates are announced; empty disables publishing.
func NewDepositConsumer(store DepositStore, producer kafka.Publisher, topic string, logger *slog.Logger, metrics DepositMetrics) *DepositConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConsumer{
		store:    store,
		producer: producer,
		topic:    topic,
		logger:   logger,
		metrics:  metrics,
	}
}

func (c *DepositConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}

	var event DepositConfirmedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.incDeposit("decode_error")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", depositConfirmedEventType, err), "decode")
	}
	if err := event.Validate(); err != nil {
		c.incDeposit("invalid")
		return kafka.DLQ(err, "invalid_event")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(event.Amount))
	if err != nil {
		c.incDeposit("invalid")
		return kafka.DLQ(fmt.Errorf("invalid amount: %w", err), "invalid_event")
	}
	if !amount.IsPositive() {
		c.incDeposit("invalid")
		return kafka.DLQ(fmt.Errorf("amount must be positive, got %s", amount), "invalid_event")
	}
	if strings.TrimSpace(event.Address) == "" {
		c.incDeposit("invalid")
		return kafka.DLQ(fmt.Errorf("address required"), "invalid_event")
	}

	transaction, err := c.store.CreditDeposit(ctx, storage.DepositCredit{
		EventID: event.EventID,
		Symbol:  event.Symbol,
		Network: event.Network,
		Address: event.Address,
		Amount:  amount,
		TxHash:  event.TxHash,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBelowMinimumDeposit):
			// Dust below the network floor is dropped on purpose.
			c.logger.Warn("deposit below network minimum",
				"symbol", event.Symbol, "network", event.Network, "amount", event.Amount,
				"event_id", event.EventID)
			c.incDeposit("below_minimum")
			return nil
		case errors.Is(err, storage.ErrAssetNotFound),
			errors.Is(err, storage.ErrNetworkNotFound),
			errors.Is(err, storage.ErrAddressNotFound):
			c.incDeposit("unroutable")
			return kafka.DLQ(fmt.Errorf("route deposit: %w", err), "unroutable")
		default:
			c.incDeposit("error")
			return fmt.Errorf("credit deposit %s: %w", event.EventID, err)
		}
	}

	// Zero-value transaction means the event id was already processed.
	if transaction.ID == uuid.Nil {
		c.incDeposit("duplicate")
		return nil
	}

	c.logger.Info("deposit credited",
		"tx_id", transaction.ID, "user_id", transaction.UserID,
		"symbol", event.Symbol, "network", event.Network, "amount", event.Amount)
	c.incDeposit("success")
	c.publishBalanceUpdate(ctx, transaction)
	return nil
}

func (c *DepositConsumer) publishBalanceUpdate(ctx context.Context, transaction storage.Transaction) {
	if c.producer == nil || c.topic == "" {
		return
	}
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(balancesUpdatedEventType, transaction.ID.String(), "deposit"),
		balancesUpdatedEventType, 1, transaction.ID.String())
	if err != nil {
		c.logger.Error("build balance event", "error", err)
		return
	}
	event := BalanceUpdatedEvent{
		Envelope:  envelope,
		UserID:    transaction.UserID.String(),
		Reference: transaction.ID.String(),
		Reason:    "deposit",
	}
	if _, _, err := c.producer.PublishJSON(ctx, c.topic, event.UserID, event); err != nil {
		c.logger.Error("publish balance event", "topic", c.topic, "error", err)
	}
}

func (c *DepositConsumer) incDeposit(status string) {
	if c.metrics != nil {
		c.metrics.IncDeposit(status)
	}
}
