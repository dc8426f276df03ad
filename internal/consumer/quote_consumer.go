package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/pengui13/quantra-back/internal/storage"
	"github.com/pengui13/quantra-back/libs/kafka"
)

const quoteTickEventType = "quotes.tick"

// QuoteTickEvent is one price observation from the external feed. The feed
// is the sole writer of quotes; the wallet only appends what it is told.
type QuoteTickEvent struct {
	kafka.Envelope
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	LastPrice  string `json:"last_price"`
	ValueInUSD string `json:"value_in_usd"`
	Time       string `json:"time"`
}

type QuoteStore interface {
	GetAssetBySymbol(ctx context.Context, symbol string) (storage.Asset, error)
	InsertQuote(ctx context.Context, quote storage.Quote) error
}

type QuoteMetrics interface {
	IncQuoteTick(status string)
}

type QuoteConsumer struct {
	store   QuoteStore
	logger  *slog.Logger
	metrics QuoteMetrics
}

func NewQuoteConsumer(store QuoteStore, logger *slog.Logger, metrics QuoteMetrics) *QuoteConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteConsumer{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *QuoteConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}

	var event QuoteTickEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.incTick("decode_error")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", quoteTickEventType, err), "decode")
	}
	if err := event.Validate(); err != nil {
		c.incTick("invalid")
		return kafka.DLQ(err, "invalid_event")
	}
	if event.EventType != quoteTickEventType {
		c.incTick("invalid")
		return kafka.DLQ(fmt.Errorf("unexpected event type %q, want %s", event.EventType, quoteTickEventType), "invalid_event")
	}

	symbol := strings.ToUpper(strings.TrimSpace(event.Symbol))
	if symbol == "" {
		c.incTick("invalid")
		return kafka.DLQ(fmt.Errorf("symbol required"), "invalid_event")
	}

	asset, err := c.store.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		if errors.Is(err, storage.ErrAssetNotFound) {
			// Ticks for unlisted assets are expected while listings lag
			// the feed.
			c.logger.Warn("quote tick for unknown asset", "symbol", symbol, "event_id", event.EventID)
			c.incTick("unknown_asset")
			return nil
		}
		c.incTick("error")
		return fmt.Errorf("resolve asset %s: %w", symbol, err)
	}

	quote := storage.Quote{
		AssetID:  asset.ID,
		Symbol:   asset.Symbol,
		Interval: strings.TrimSpace(event.Interval),
	}
	if quote.Interval == "" {
		quote.Interval = "1m"
	}

	fields := []struct {
		name  string
		raw   string
		value *decimal.Decimal
	}{
		{"bid", event.Bid, &quote.Bid},
		{"ask", event.Ask, &quote.Ask},
		{"last_price", event.LastPrice, &quote.LastPrice},
		{"value_in_usd", event.ValueInUSD, &quote.ValueInUSD},
	}
	for _, field := range fields {
		value, err := decimal.NewFromString(strings.TrimSpace(field.raw))
		if err != nil {
			c.incTick("invalid")
			return kafka.DLQ(fmt.Errorf("invalid %s: %w", field.name, err), "invalid_event")
		}
		if value.IsNegative() {
			c.incTick("invalid")
			return kafka.DLQ(fmt.Errorf("%s must be non-negative", field.name), "invalid_event")
		}
		*field.value = value
	}

	quote.Time = event.Timestamp
	if raw := strings.TrimSpace(event.Time); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.incTick("invalid")
			return kafka.DLQ(fmt.Errorf("invalid time: %w", err), "invalid_event")
		}
		quote.Time = parsed
	}

	if err := c.store.InsertQuote(ctx, quote); err != nil {
		c.incTick("error")
		return fmt.Errorf("insert quote %s: %w", symbol, err)
	}
	c.incTick("success")
	return nil
}

func (c *QuoteConsumer) incTick(status string) {
	if c.metrics != nil {
		c.metrics.IncQuoteTick(status)
	}
}
