package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// InsertQuote appends a price tick. The table is append-only; readers always
// take the most recent row, so replayed ticks are harmless.
func (s *Store) InsertQuote(ctx context.Context, quote Quote) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quotes (asset_id, interval, bid, ask, last_price, value_in_usd, time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, quote.AssetID, quote.Interval, quote.Bid.String(), quote.Ask.String(),
		quote.LastPrice.String(), quote.ValueInUSD.String(), quote.Time)
	return err
}

// LatestQuote returns the most recent tick for the symbol.
func (s *Store) LatestQuote(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	row := s.pool.QueryRow(ctx, quoteSelect+`
		WHERE a.symbol = $1
		ORDER BY q.time DESC, q.id DESC
		LIMIT 1
	`, symbol)
	quote, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
		}
		return Quote{}, err
	}
	return quote, nil
}

// LatestQuotes returns the most recent tick per asset, keyed by symbol.
// Assets with no ticks yet are simply absent.
func (s *Store) LatestQuotes(ctx context.Context) (map[string]Quote, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (q.asset_id)
		       q.id, q.asset_id, a.symbol, q.interval, q.bid::text, q.ask::text,
		       q.last_price::text, q.value_in_usd::text, q.time
		FROM quotes q
		JOIN assets a ON a.id = q.asset_id
		ORDER BY q.asset_id, q.time DESC, q.id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make(map[string]Quote)
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes[quote.Symbol] = quote
	}
	return quotes, rows.Err()
}

const quoteSelect = `
	SELECT q.id, q.asset_id, a.symbol, q.interval, q.bid::text, q.ask::text,
	       q.last_price::text, q.value_in_usd::text, q.time
	FROM quotes q
	JOIN assets a ON a.id = q.asset_id`

func scanQuote(row rowScanner) (Quote, error) {
	var quote Quote
	var bidStr, askStr, lastStr, usdStr string
	if err := row.Scan(&quote.ID, &quote.AssetID, &quote.Symbol, &quote.Interval,
		&bidStr, &askStr, &lastStr, &usdStr, &quote.Time); err != nil {
		return Quote{}, err
	}
	var err error
	if quote.Bid, err = decimal.NewFromString(bidStr); err != nil {
		return Quote{}, fmt.Errorf("parse quote bid: %w", err)
	}
	if quote.Ask, err = decimal.NewFromString(askStr); err != nil {
		return Quote{}, fmt.Errorf("parse quote ask: %w", err)
	}
	if quote.LastPrice, err = decimal.NewFromString(lastStr); err != nil {
		return Quote{}, fmt.Errorf("parse quote last price: %w", err)
	}
	if quote.ValueInUSD, err = decimal.NewFromString(usdStr); err != nil {
		return Quote{}, fmt.Errorf("parse quote usd value: %w", err)
	}
	return quote, nil
}
