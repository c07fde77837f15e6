package monitor

import (
	"fmt"

	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Thresholds are the percentage breakpoints for each tier. They are policy
// knobs, not a regulatory formula.
type Thresholds struct {
	Medium   decimal.Decimal
	High     decimal.Decimal
	Critical decimal.Decimal
}

// DefaultThresholds returns 5/10/20 percent breakpoints.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Medium:   decimal.NewFromInt(5),
		High:     decimal.NewFromInt(10),
		Critical: decimal.NewFromInt(20),
	}
}

// ThresholdsFromPercents builds thresholds from configuration floats.
func ThresholdsFromPercents(medium, high, critical float64) Thresholds {
	return Thresholds{
		Medium:   decimal.NewFromFloat(medium),
		High:     decimal.NewFromFloat(high),
		Critical: decimal.NewFromFloat(critical),
	}
}

// Validate checks 0 < medium <= high <= critical.
func (t Thresholds) Validate() error {
	if !t.Medium.IsPositive() {
		return fmt.Errorf("medium threshold must be positive, got %s", t.Medium)
	}
	if t.High.LessThan(t.Medium) || t.Critical.LessThan(t.High) {
		return fmt.Errorf("thresholds must be ascending: %s <= %s <= %s", t.Medium, t.High, t.Critical)
	}
	return nil
}

// Classify maps an absolute percentage change onto a tier.
func (t Thresholds) Classify(pct decimal.Decimal) models.Severity {
	abs := pct.Abs()
	switch {
	case abs.GreaterThanOrEqual(t.Critical):
		return models.SeverityCritical
	case abs.GreaterThanOrEqual(t.High):
		return models.SeverityHigh
	case abs.GreaterThanOrEqual(t.Medium):
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// PercentChange returns (next - prev) / prev * 100. A move away from a zero
// bound counts as a full 100% move in the direction of the new value.
func PercentChange(prev, next decimal.Decimal) decimal.Decimal {
	if prev.IsZero() {
		return hundred.Mul(decimal.NewFromInt(int64(next.Sign())))
	}
	return next.Sub(prev).Div(prev).Mul(hundred)
}
