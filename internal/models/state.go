package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CircuitState is the last-known circuit picture of one instrument.
type CircuitState struct {
	InstrumentToken uint32          `json:"instrument_token"`
	Lower           decimal.Decimal `json:"lower_circuit_limit"`
	Upper           decimal.Decimal `json:"upper_circuit_limit"`
	LastPrice       decimal.Decimal `json:"last_price"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Severity ranks how large a circuit-limit change is. Higher values are more severe.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

// String returns the lower-case severity name.
func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity converts a case-insensitive name into a Severity.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(name, n) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CircuitStatus says whether the instrument trades at one of its limits.
type CircuitStatus string

const (
	CircuitNormal CircuitStatus = "normal"
	CircuitUpper  CircuitStatus = "upper_circuit"
	CircuitLower  CircuitStatus = "lower_circuit"
)

// StatusFor derives the circuit status of a price against a pair of limits.
func StatusFor(price, lower, upper decimal.Decimal) CircuitStatus {
	switch {
	case price.IsZero():
		return CircuitNormal
	case !upper.IsZero() && price.GreaterThanOrEqual(upper):
		return CircuitUpper
	case price.LessThanOrEqual(lower):
		return CircuitLower
	default:
		return CircuitNormal
	}
}

// MarketContext captures the market around an instrument when a change was detected.
type MarketContext struct {
	LastPrice       decimal.Decimal     `json:"last_price"`
	UnderlyingPrice decimal.NullDecimal `json:"underlying_price"`
	CircuitStatus   CircuitStatus       `json:"circuit_status"`
}

// ChangeEvent records a genuine change in an instrument's circuit limits.
type ChangeEvent struct {
	ID              string          `json:"id"`
	InstrumentToken uint32          `json:"instrument_token"`
	TradingSymbol   string          `json:"tradingsymbol"`
	Underlying      string          `json:"underlying"`
	Strike          decimal.Decimal `json:"strike"`
	OptionType      string          `json:"option_type"`
	Expiry          time.Time       `json:"expiry"`

	PrevLower decimal.Decimal `json:"prev_lower"`
	PrevUpper decimal.Decimal `json:"prev_upper"`
	NewLower  decimal.Decimal `json:"new_lower"`
	NewUpper  decimal.Decimal `json:"new_upper"`
	LowerPct  decimal.Decimal `json:"lower_pct"`
	UpperPct  decimal.Decimal `json:"upper_pct"`

	Severity   Severity      `json:"severity"`
	DetectedAt time.Time     `json:"detected_at"`
	Context    MarketContext `json:"context"`
}

// Magnitude is the larger absolute percentage change of the two bounds.
func (e *ChangeEvent) Magnitude() decimal.Decimal {
	return decimal.Max(e.LowerPct.Abs(), e.UpperPct.Abs())
}
