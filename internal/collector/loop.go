package collector

import (
	"context"
	"errors"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/logger"
)

// Run loops cycles until ctx is cancelled. No cycle outcome stops the loop.
func (c *Collector) Run(ctx context.Context) {
	logger.Info("Starting collector (interval: %v, error backoff: %v, closed check: %v)",
		c.cfg.CycleInterval, c.cfg.ErrorBackoff, c.cfg.ClosedCheckInterval)

	for {
		summary, err := c.RunCycle(ctx)
		if ctx.Err() != nil {
			logger.Info("Collector stopped")
			return
		}
		c.handleCycleResult(err)

		if !sleep(ctx, c.nextWait(summary, err)) {
			logger.Info("Collector stopped")
			return
		}
	}
}

// handleCycleResult alerts on the first failure of a run and on recovery.
// A cycle cut short by cancellation is neither a failure nor a recovery.
func (c *Collector) handleCycleResult(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		c.consecutiveFailures++
		if isCatalogError(err) {
			logger.Warn("Cycle skipped: %v", err)
		} else {
			logger.Error("Collection cycle failed: %v", err)
		}
		if c.consecutiveFailures == 1 && c.Alerter != nil {
			if sendErr := c.Alerter.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error alert: %v", sendErr)
			}
		}
		return
	}

	if c.consecutiveFailures > 0 {
		logger.Info("Collector recovered after %d consecutive failure(s)", c.consecutiveFailures)
		if c.Alerter != nil {
			if sendErr := c.Alerter.SendRecovery(c.consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery alert: %v", sendErr)
			}
		}
	}
	c.consecutiveFailures = 0
}

// nextWait picks the sleep before the next cycle.
func (c *Collector) nextWait(s CycleSummary, err error) time.Duration {
	var fatal *FatalError
	switch {
	case errors.As(err, &fatal):
		return c.cfg.ErrorBackoff
	case err == nil && !s.MarketOpen:
		wait := c.cfg.ClosedCheckInterval
		if untilOpen := c.Calendar.NextOpen(s.Started).Sub(c.Now()); untilOpen > 0 && untilOpen < wait {
			wait = untilOpen
		}
		return wait
	}

	// Cycles start on a fixed cadence; a slow cycle is followed immediately.
	wait := c.cfg.CycleInterval - s.Duration
	if wait < 0 {
		wait = 0
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
