package notify

import (
	"context"
	"sort"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
)

// Sink consumes a batch of change events for one underlying. Sinks log their
// own delivery errors; nothing is returned to the engine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, underlying string, events []models.ChangeEvent)
}

// Result summarises one dispatch.
type Result struct {
	Groups     int
	Delivered  int
	Suppressed int
}

// Dispatcher hands gated change groups to every sink.
type Dispatcher struct {
	gate           *Gate
	sinks          []Sink
	deliverTimeout time.Duration
	now            func() time.Time
}

// NewDispatcher creates a dispatcher. A nil clock means time.Now.
func NewDispatcher(gate *Gate, sinks []Sink, deliverTimeout time.Duration, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{gate: gate, sinks: sinks, deliverTimeout: deliverTimeout, now: now}
}

// Gate exposes the dispatcher's gate so the cycle can reset it daily.
func (d *Dispatcher) Gate() *Gate {
	return d.gate
}

// GroupByUnderlying groups events by underlying, ordered within each group by
// severity then magnitude, and returns the underlyings in sorted order.
func GroupByUnderlying(events []models.ChangeEvent) ([]string, map[string][]models.ChangeEvent) {
	groups := make(map[string][]models.ChangeEvent)
	for _, e := range events {
		groups[e.Underlying] = append(groups[e.Underlying], e)
	}

	keys := make([]string, 0, len(groups))
	for k, g := range groups {
		keys = append(keys, k)
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Severity != g[j].Severity {
				return g[i].Severity > g[j].Severity
			}
			return g[i].Magnitude().GreaterThan(g[j].Magnitude())
		})
	}
	sort.Strings(keys)
	return keys, groups
}

// Dispatch groups events per underlying, applies the gate and delivers the
// approved groups.
func (d *Dispatcher) Dispatch(ctx context.Context, events []models.ChangeEvent) Result {
	var res Result
	if len(events) == 0 {
		return res
	}

	keys, groups := GroupByUnderlying(events)
	res.Groups = len(keys)
	now := d.now()

	for _, underlying := range keys {
		group := groups[underlying]
		if !d.gate.Allow(underlying, now) {
			res.Suppressed++
			logger.Debug("Suppressed notification for %s (%d changes) by cooldown gate", underlying, len(group))
			continue
		}
		res.Delivered++

		for _, sink := range d.sinks {
			if ctx.Err() != nil {
				return res
			}
			d.deliver(ctx, sink, underlying, group)
		}
	}
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, underlying string, group []models.ChangeEvent) {
	if d.deliverTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.deliverTimeout)
		defer cancel()
	}
	sink.Deliver(ctx, underlying, group)
}

// LogSink writes a summary line per delivered group.
type LogSink struct{}

// Name identifies the sink in logs.
func (LogSink) Name() string { return "log" }

// Deliver logs the group and its most severe change.
func (LogSink) Deliver(_ context.Context, underlying string, events []models.ChangeEvent) {
	top := events[0]
	logger.WithFields(logger.Fields{
		"underlying": underlying,
		"changes":    len(events),
		"top_symbol": top.TradingSymbol,
		"severity":   top.Severity.String(),
	}).Infof("Circuit limit changes for %s: %d (top %s %s→%s / %s→%s)",
		underlying, len(events), top.TradingSymbol,
		top.PrevLower, top.NewLower, top.PrevUpper, top.NewUpper)
}
