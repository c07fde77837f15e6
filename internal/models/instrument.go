// Package models defines the core domain entities: instruments, quotes, circuit state and change events.
package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument types issued by the catalog.
const (
	TypeCall   = "CE"
	TypePut    = "PE"
	TypeFuture = "FUT"
)

// Instrument is a tradable contract as issued by the instrument catalog.
// The engine only ever reads it.
type Instrument struct {
	Token          uint32          `json:"instrument_token"`
	Exchange       string          `json:"exchange"`
	TradingSymbol  string          `json:"tradingsymbol"`
	Underlying     string          `json:"underlying"`
	Strike         decimal.Decimal `json:"strike"`
	InstrumentType string          `json:"instrument_type"`
	Expiry         time.Time       `json:"expiry"` // calendar date, midnight UTC
	LotSize        int             `json:"lot_size"`
}

// Key returns the "EXCHANGE:TRADINGSYMBOL" identifier used by the quote API.
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.TradingSymbol
}

// IsOption reports whether the instrument is a call or put.
func (i Instrument) IsOption() bool {
	return i.InstrumentType == TypeCall || i.InstrumentType == TypePut
}

// Validate checks instrument field constraints.
func (i *Instrument) Validate() error {
	if i.Token == 0 {
		return errors.New("instrument token must not be zero")
	}
	if i.TradingSymbol == "" {
		return errors.New("trading symbol must not be empty")
	}
	if i.Exchange == "" {
		return errors.New("exchange must not be empty")
	}
	if i.IsOption() {
		if i.Underlying == "" {
			return errors.New("option underlying must not be empty")
		}
		if i.Expiry.IsZero() {
			return errors.New("option expiry must be set")
		}
		if i.Strike.IsNegative() {
			return errors.New("strike must not be negative")
		}
	}
	return nil
}

// Quote is a point-in-time market observation for one instrument.
type Quote struct {
	InstrumentToken uint32          `json:"instrument_token"`
	Key             string          `json:"key"`
	LastPrice       decimal.Decimal `json:"last_price"`
	Open            decimal.Decimal `json:"open"`
	High            decimal.Decimal `json:"high"`
	Low             decimal.Decimal `json:"low"`
	Close           decimal.Decimal `json:"close"`
	Volume          int64           `json:"volume"`
	OpenInterest    int64           `json:"oi"`
	LowerCircuit    decimal.Decimal `json:"lower_circuit_limit"`
	UpperCircuit    decimal.Decimal `json:"upper_circuit_limit"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Validate checks quote field constraints.
func (q *Quote) Validate() error {
	if q.LowerCircuit.IsNegative() || q.UpperCircuit.IsNegative() {
		return errors.New("circuit limits must not be negative")
	}
	if q.LowerCircuit.GreaterThan(q.UpperCircuit) {
		return errors.New("lower circuit limit must be <= upper circuit limit")
	}
	if q.LastPrice.IsNegative() {
		return errors.New("last price must not be negative")
	}
	if q.Volume < 0 || q.OpenInterest < 0 {
		return errors.New("volume and open interest must not be negative")
	}
	return nil
}
