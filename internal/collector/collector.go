// Package collector runs the collection cycle: market check, quote polling,
// change detection, persistence and notification.
package collector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/metrics"
	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/rewired-gh/circuitwatch/internal/monitor"
	"github.com/rewired-gh/circuitwatch/internal/notify"
	"github.com/rewired-gh/circuitwatch/internal/scheduler"
	"github.com/rewired-gh/circuitwatch/internal/storage"
	"github.com/rewired-gh/circuitwatch/internal/universe"
	"github.com/shopspring/decimal"
)

// Catalog supplies the full instrument list for the cycle.
type Catalog interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

// MarketCalendar tells whether trading is active.
type MarketCalendar interface {
	IsMarketOpen(now time.Time) bool
	NextOpen(now time.Time) time.Time
}

// CredentialChecker reports whether a usable broker credential exists.
type CredentialChecker interface {
	HasCredential() bool
}

// Store is the durable side of the cycle.
type Store interface {
	SaveChangeEvent(ctx context.Context, e *models.ChangeEvent) error
	SaveSnapshots(ctx context.Context, quotes []models.Quote) (int, []storage.SnapshotFailure, error)
	SaveStates(ctx context.Context, states []models.CircuitState) error
	PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error)
}

// Alerter receives operational alerts about consecutive cycle failures.
type Alerter interface {
	SendError(err error) error
	SendRecovery(failureCount int) error
}

// Config controls cycle timing and persistence policy.
type Config struct {
	CycleInterval       time.Duration
	ErrorBackoff        time.Duration
	ClosedCheckInterval time.Duration
	FetchTimeout        time.Duration
	PersistTimeout      time.Duration
	CheckpointInterval  int
	PersistSnapshots    bool
	SnapshotRetention   time.Duration
	// UnderlyingQuotes maps an underlying to the quote key of its spot or index.
	UnderlyingQuotes map[string]string
}

// Deps are the collaborators of a Collector. Credentials, Alerter and
// Metrics are optional.
type Deps struct {
	Catalog     Catalog
	Resolver    *universe.Resolver
	Scheduler   *scheduler.Scheduler
	Quotes      scheduler.QuoteProvider
	Calendar    MarketCalendar
	Credentials CredentialChecker
	Detector    *monitor.Detector
	Store       Store
	Dispatcher  *notify.Dispatcher
	Alerter     Alerter
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Collector owns the cycle state machine.
type Collector struct {
	cfg Config
	Deps

	phase atomic.Int32

	// cycle-loop state, touched only by the goroutine running cycles
	cycles              int
	consecutiveFailures int
	wasOpen             bool

	mu          sync.RWMutex
	last        CycleSummary
	haveSummary bool
}

// New creates a collector.
func New(cfg Config, deps Deps) *Collector {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Collector{cfg: cfg, Deps: deps}
}

// Phase reports the current orchestrator state.
func (c *Collector) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Collector) setPhase(p Phase) {
	c.phase.Store(int32(p))
	if c.Metrics != nil {
		c.Metrics.Phase.Set(float64(p))
	}
}

// LastSummary returns the summary of the most recent cycle.
func (c *Collector) LastSummary() (CycleSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.haveSummary
}

// Status renders the last cycle for chat commands.
func (c *Collector) Status() string {
	s, ok := c.LastSummary()
	if !ok {
		return fmt.Sprintf("No cycle completed yet (phase: %s)", c.Phase())
	}
	return s.String()
}

// RunCycle executes one cycle. Only a catalog error or a FatalError is
// returned; batch, persistence and sink failures are contained inside it.
func (c *Collector) RunCycle(ctx context.Context) (summary CycleSummary, err error) {
	start := c.Now()
	summary.Started = start

	defer func() {
		if r := recover(); r != nil {
			err = &FatalError{
				Stage: c.Phase().String(),
				Err:   fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
		if err != nil {
			summary.Error = err.Error()
		}
		summary.Duration = c.Now().Sub(start)
		c.setPhase(PhaseIdle)
		c.finish(summary)
	}()

	if c.Dispatcher != nil && c.Dispatcher.Gate().ResetIfNewDay(start) {
		logger.Info("New trading day, notification windows reset")
	}

	c.setPhase(PhaseMarketCheck)
	if !c.Calendar.IsMarketOpen(start) {
		if c.wasOpen {
			logger.Info("Market closed, next open at %s", c.Calendar.NextOpen(start).Format(time.RFC3339))
		}
		c.wasOpen = false
		return summary, nil
	}
	if !c.wasOpen {
		logger.Info("Market open, starting collection")
	}
	c.wasOpen = true
	summary.MarketOpen = true

	if c.Credentials != nil && !c.Credentials.HasCredential() {
		summary.SkipReason = "no broker credential"
		logger.Warn("Skipping cycle: no usable broker credential")
		return summary, nil
	}

	c.setPhase(PhaseCollecting)
	catalog, err := c.Catalog.Instruments(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: %w", ErrCatalog, err)
	}
	instruments := c.Resolver.Resolve(catalog, start)
	summary.Instruments = len(instruments)
	if c.Metrics != nil {
		c.Metrics.InstrumentsTracked.Set(float64(len(instruments)))
	}
	if len(instruments) == 0 {
		summary.SkipReason = "empty universe"
		logger.Info("No instruments to poll this cycle")
		return summary, nil
	}

	prices := c.underlyingPrices(ctx)

	var events []models.ChangeEvent
	var snapshots []models.Quote
	run := c.Scheduler.Run(ctx, instruments, func(b scheduler.Batch, quotes map[string]models.Quote) {
		events = append(events, c.Detector.ObserveBatch(b.Instruments, quotes, prices)...)
		if c.cfg.PersistSnapshots {
			for _, inst := range b.Instruments {
				if q, ok := quotes[inst.Key()]; ok {
					snapshots = append(snapshots, q)
				}
			}
		}
	})
	summary.Attempted = run.Attempted
	summary.Obtained = run.Obtained
	summary.Batches = run.Batches
	summary.BatchesFailed = run.BatchesFailed
	summary.Cancelled = run.Cancelled
	summary.Events = len(events)
	summary.BySeverity = countBySeverity(events)
	if c.Metrics != nil {
		c.Metrics.QuotesTotal.Add(float64(run.Obtained))
		c.Metrics.BatchesTotal.Add(float64(run.Batches))
		c.Metrics.BatchesFailed.Add(float64(run.BatchesFailed))
		for sev, n := range summary.BySeverity {
			c.Metrics.ChangeEvents.WithLabelValues(sev).Add(float64(n))
		}
	}

	// Detected changes are already applied to state, so they are written even
	// when shutting down.
	c.setPhase(PhasePersisting)
	pctx := context.WithoutCancel(ctx)
	summary.PersistFailures = c.persist(pctx, events, snapshots, start)

	c.cycles++
	if c.cfg.CheckpointInterval > 0 && c.cycles%c.cfg.CheckpointInterval == 0 {
		if err := c.Checkpoint(pctx); err != nil {
			logger.Warn("%v", err)
		}
	}

	if summary.Cancelled {
		logger.Info("Cycle cancelled after %d/%d instruments, skipping notifications",
			summary.Attempted, summary.Instruments)
		return summary, nil
	}

	c.setPhase(PhaseNotifying)
	if c.Dispatcher != nil && len(events) > 0 {
		res := c.Dispatcher.Dispatch(ctx, events)
		summary.Delivered = res.Delivered
		summary.Suppressed = res.Suppressed
		if c.Metrics != nil {
			c.Metrics.Notifications.WithLabelValues("delivered").Add(float64(res.Delivered))
			c.Metrics.Notifications.WithLabelValues("suppressed").Add(float64(res.Suppressed))
		}
	}

	return summary, nil
}

// underlyingPrices fetches spot prices for the configured underlyings in one
// call. A failure only leaves events without an underlying price.
func (c *Collector) underlyingPrices(ctx context.Context) map[string]decimal.Decimal {
	if c.Quotes == nil || len(c.cfg.UnderlyingQuotes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(c.cfg.UnderlyingQuotes))
	for _, key := range c.cfg.UnderlyingQuotes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fctx := ctx
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}
	quotes, err := c.Quotes.FetchQuotes(fctx, keys)
	if err != nil {
		logger.Warn("Failed to fetch underlying prices: %v", err)
		return nil
	}

	prices := make(map[string]decimal.Decimal, len(c.cfg.UnderlyingQuotes))
	for underlying, key := range c.cfg.UnderlyingQuotes {
		if q, ok := quotes[key]; ok && q.LastPrice.IsPositive() {
			prices[underlying] = q.LastPrice
		}
	}
	return prices
}

// persist writes events one by one, then the snapshots, and prunes old
// snapshots. It returns the number of records that failed.
func (c *Collector) persist(ctx context.Context, events []models.ChangeEvent, snapshots []models.Quote, now time.Time) int {
	if c.Store == nil {
		return 0
	}
	failures := 0

	for i := range events {
		err := c.withTimeout(ctx, func(ctx context.Context) error {
			return c.Store.SaveChangeEvent(ctx, &events[i])
		})
		if err != nil {
			failures++
			c.persistFailed(&PersistenceError{Kind: "change_event", ID: events[i].ID, Err: err})
		}
	}

	if len(snapshots) > 0 {
		var failed []storage.SnapshotFailure
		err := c.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			_, failed, err = c.Store.SaveSnapshots(ctx, snapshots)
			return err
		})
		if err != nil {
			failures += len(snapshots)
			c.persistFailed(&PersistenceError{Kind: "snapshot", Err: err})
		} else {
			for _, f := range failed {
				failures++
				c.persistFailed(&PersistenceError{Kind: "snapshot", ID: fmt.Sprint(f.InstrumentToken), Err: f.Err})
			}
		}
	}

	if c.cfg.PersistSnapshots && c.cfg.SnapshotRetention > 0 {
		var pruned int64
		err := c.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			pruned, err = c.Store.PruneSnapshots(ctx, now.Add(-c.cfg.SnapshotRetention))
			return err
		})
		if err != nil {
			logger.Warn("Failed to prune snapshots: %v", err)
		} else if pruned > 0 {
			logger.Debug("Pruned %d snapshots older than %s", pruned, c.cfg.SnapshotRetention)
		}
	}

	return failures
}

func (c *Collector) persistFailed(err *PersistenceError) {
	logger.Warn("%v", err)
	if c.Metrics != nil {
		c.Metrics.RecordPersistError(err.Kind)
	}
}

func (c *Collector) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if c.cfg.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PersistTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// Checkpoint writes the whole circuit state to the store.
func (c *Collector) Checkpoint(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}
	states := c.Detector.Store().Snapshot()
	if len(states) == 0 {
		return nil
	}
	err := c.withTimeout(ctx, func(ctx context.Context) error {
		return c.Store.SaveStates(ctx, states)
	})
	if err != nil {
		if c.Metrics != nil {
			c.Metrics.RecordPersistError("state")
		}
		return &PersistenceError{Kind: "state", Err: err}
	}
	logger.Debug("Checkpointed %d circuit states", len(states))
	return nil
}

// Shutdown flushes state before exit.
func (c *Collector) Shutdown(ctx context.Context) error {
	if err := c.Checkpoint(ctx); err != nil {
		return fmt.Errorf("shutdown checkpoint: %w", err)
	}
	return nil
}

func (c *Collector) finish(s CycleSummary) {
	c.mu.Lock()
	c.last = s
	c.haveSummary = true
	c.mu.Unlock()

	if c.Metrics != nil {
		c.Metrics.RecordCycle(s.Result())
		if s.MarketOpen && s.SkipReason == "" {
			c.Metrics.CycleDuration.Observe(s.Duration.Seconds())
		}
	}

	if !s.MarketOpen || s.Error != "" {
		return
	}
	logger.WithFields(logger.Fields{
		"instruments":      s.Instruments,
		"attempted":        s.Attempted,
		"obtained":         s.Obtained,
		"batches":          s.Batches,
		"batches_failed":   s.BatchesFailed,
		"events":           s.Events,
		"persist_failures": s.PersistFailures,
		"delivered":        s.Delivered,
		"suppressed":       s.Suppressed,
		"cancelled":        s.Cancelled,
		"duration_ms":      s.Duration.Milliseconds(),
	}).Infof("Collection cycle completed in %v", s.Duration.Round(time.Millisecond))
}

func countBySeverity(events []models.ChangeEvent) map[string]int {
	if len(events) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Severity.String()]++
	}
	return counts
}

// isCatalogError reports whether err only skipped the cycle.
func isCatalogError(err error) bool {
	return errors.Is(err, ErrCatalog)
}
