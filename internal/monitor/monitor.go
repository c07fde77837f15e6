// Package monitor compares fresh quotes against known circuit state and classifies changes.
package monitor

import (
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
)

// pctPlaces is the precision of percentages carried on events.
const pctPlaces = 2

// Detector turns quotes into change events against a StateStore.
type Detector struct {
	store      *StateStore
	thresholds Thresholds
	now        func() time.Time
}

// New creates a detector over store. A nil clock means time.Now.
func New(store *StateStore, thresholds Thresholds, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{store: store, thresholds: thresholds, now: now}
}

// Store returns the state store the detector reads and writes.
func (d *Detector) Store() *StateStore {
	return d.store
}

// Observe folds one quote into the state store and returns a change event if,
// and only if, a previously known circuit limit differs from the quote.
// The first observation of an instrument only initialises state.
func (d *Detector) Observe(inst models.Instrument, q models.Quote, underlying decimal.NullDecimal) *models.ChangeEvent {
	now := d.now()
	prev, known := d.store.Get(inst.Token)

	// State always reflects the latest observation, change or not.
	defer d.store.Upsert(models.CircuitState{
		InstrumentToken: inst.Token,
		Lower:           q.LowerCircuit,
		Upper:           q.UpperCircuit,
		LastPrice:       q.LastPrice,
		UpdatedAt:       now,
	})

	if !known {
		return nil
	}
	if prev.Lower.Equal(q.LowerCircuit) && prev.Upper.Equal(q.UpperCircuit) {
		return nil
	}

	lowerPct := PercentChange(prev.Lower, q.LowerCircuit)
	upperPct := PercentChange(prev.Upper, q.UpperCircuit)
	severity := d.thresholds.Classify(decimal.Max(lowerPct.Abs(), upperPct.Abs()))

	return &models.ChangeEvent{
		ID:              uuid.NewString(),
		InstrumentToken: inst.Token,
		TradingSymbol:   inst.TradingSymbol,
		Underlying:      inst.Underlying,
		Strike:          inst.Strike,
		OptionType:      inst.InstrumentType,
		Expiry:          inst.Expiry,
		PrevLower:       prev.Lower,
		PrevUpper:       prev.Upper,
		NewLower:        q.LowerCircuit,
		NewUpper:        q.UpperCircuit,
		LowerPct:        lowerPct.Round(pctPlaces),
		UpperPct:        upperPct.Round(pctPlaces),
		Severity:        severity,
		DetectedAt:      now,
		Context: models.MarketContext{
			LastPrice:       q.LastPrice,
			UnderlyingPrice: underlying,
			CircuitStatus:   models.StatusFor(q.LastPrice, q.LowerCircuit, q.UpperCircuit),
		},
	}
}

// ObserveBatch runs Observe for every instrument of a batch that has a quote.
// underlyingPrices is keyed by underlying symbol and may be nil.
func (d *Detector) ObserveBatch(instruments []models.Instrument, quotes map[string]models.Quote, underlyingPrices map[string]decimal.Decimal) []models.ChangeEvent {
	var events []models.ChangeEvent
	for _, inst := range instruments {
		q, ok := quotes[inst.Key()]
		if !ok {
			continue
		}

		var up decimal.NullDecimal
		if p, ok := underlyingPrices[inst.Underlying]; ok {
			up = decimal.NewNullDecimal(p)
		}

		if ev := d.Observe(inst, q, up); ev != nil {
			logger.Debug("Circuit change %s: lower %s→%s (%s%%) upper %s→%s (%s%%) [%s]",
				inst.TradingSymbol, ev.PrevLower, ev.NewLower, ev.LowerPct,
				ev.PrevUpper, ev.NewUpper, ev.UpperPct, ev.Severity)
			events = append(events, *ev)
		}
	}
	return events
}
