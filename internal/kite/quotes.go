package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
)

type quoteEnvelope struct {
	Status    string               `json:"status"`
	Message   string               `json:"message"`
	ErrorType string               `json:"error_type"`
	Data      map[string]kiteQuote `json:"data"`
}

type kiteQuote struct {
	InstrumentToken uint32          `json:"instrument_token"`
	Timestamp       string          `json:"timestamp"`
	LastPrice       decimal.Decimal `json:"last_price"`
	Volume          int64           `json:"volume"`
	OI              float64         `json:"oi"`
	OHLC            struct {
		Open  decimal.Decimal `json:"open"`
		High  decimal.Decimal `json:"high"`
		Low   decimal.Decimal `json:"low"`
		Close decimal.Decimal `json:"close"`
	} `json:"ohlc"`
	LowerCircuitLimit decimal.Decimal `json:"lower_circuit_limit"`
	UpperCircuitLimit decimal.Decimal `json:"upper_circuit_limit"`
}

const quoteTimeLayout = "2006-01-02 15:04:05"

// FetchQuotes returns full quotes for the given "EXCHANGE:SYMBOL" keys. The
// whole batch either succeeds or fails; keys the broker does not know are
// simply absent from the result.
func (c *Client) FetchQuotes(ctx context.Context, keys []string) (map[string]models.Quote, error) {
	if len(keys) == 0 {
		return map[string]models.Quote{}, nil
	}
	if len(keys) > MaxQuoteKeys {
		return nil, fmt.Errorf("too many instruments in one quote request: %d > %d", len(keys), MaxQuoteKeys)
	}

	q := url.Values{}
	for _, k := range keys {
		q.Add("i", k)
	}

	resp, err := c.doRequest(ctx, "/quote", q)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	defer resp.Body.Close()

	var env quoteEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("quote request failed (%s): %s", env.ErrorType, env.Message)
	}

	fetchedAt := time.Now()
	quotes := make(map[string]models.Quote, len(env.Data))
	for key, kq := range env.Data {
		quotes[key] = c.toQuote(key, kq, fetchedAt)
	}
	return quotes, nil
}

func (c *Client) toQuote(key string, kq kiteQuote, fallback time.Time) models.Quote {
	ts, err := time.ParseInLocation(quoteTimeLayout, kq.Timestamp, c.loc)
	if err != nil {
		ts = fallback
	}
	return models.Quote{
		InstrumentToken: kq.InstrumentToken,
		Key:             key,
		LastPrice:       kq.LastPrice,
		Open:            kq.OHLC.Open,
		High:            kq.OHLC.High,
		Low:             kq.OHLC.Low,
		Close:           kq.OHLC.Close,
		Volume:          kq.Volume,
		OpenInterest:    int64(kq.OI),
		LowerCircuit:    kq.LowerCircuitLimit,
		UpperCircuit:    kq.UpperCircuitLimit,
		Timestamp:       ts,
	}
}
