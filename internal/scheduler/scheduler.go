// Package scheduler drives instrument batches through the quote provider one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
)

// QuoteProvider fetches quotes for a batch of "EXCHANGE:SYMBOL" keys, all or nothing.
type QuoteProvider interface {
	FetchQuotes(ctx context.Context, keys []string) (map[string]models.Quote, error)
}

// BatchError reports a failed batch. Index is zero-based.
type BatchError struct {
	Index int
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d instruments): %v", e.Index+1, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Batch is a consecutive slice of the resolved universe.
type Batch struct {
	Index       int
	Instruments []models.Instrument
}

// Handler receives each successful batch with its valid quotes keyed by instrument key.
type Handler func(batch Batch, quotes map[string]models.Quote)

// Config controls batching.
type Config struct {
	BatchSize    int
	Delay        time.Duration
	FetchTimeout time.Duration
}

// Summary aggregates one run.
type Summary struct {
	Attempted     int
	Obtained      int
	Batches       int
	BatchesFailed int
	Cancelled     bool
	Failures      []*BatchError
}

// Scheduler partitions instruments and polls them sequentially under a single request budget.
type Scheduler struct {
	provider QuoteProvider
	cfg      Config
}

// New creates a scheduler.
func New(provider QuoteProvider, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{provider: provider, cfg: cfg}
}

// Partition splits instruments into consecutive, non-overlapping batches of at most size.
func Partition(instruments []models.Instrument, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	batches := make([]Batch, 0, (len(instruments)+size-1)/size)
	for start := 0; start < len(instruments); start += size {
		end := start + size
		if end > len(instruments) {
			end = len(instruments)
		}
		batches = append(batches, Batch{Index: len(batches), Instruments: instruments[start:end]})
	}
	return batches
}

// Run polls every batch in order, waiting the configured delay between batches.
// A failed batch is logged and skipped. Cancelling ctx aborts the in-flight
// call and skips the remaining batches.
func (s *Scheduler) Run(ctx context.Context, instruments []models.Instrument, handle Handler) Summary {
	batches := Partition(instruments, s.cfg.BatchSize)
	summary := Summary{Batches: len(batches)}

	for i, batch := range batches {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		if i > 0 && s.cfg.Delay > 0 {
			if !sleep(ctx, s.cfg.Delay) {
				summary.Cancelled = true
				break
			}
		}

		summary.Attempted += len(batch.Instruments)
		quotes, err := s.fetch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			be := &BatchError{Index: batch.Index, Size: len(batch.Instruments), Err: err}
			summary.BatchesFailed++
			summary.Failures = append(summary.Failures, be)
			logger.WithFields(logger.Fields{
				"batch":   batch.Index + 1,
				"batches": len(batches),
				"size":    len(batch.Instruments),
			}).Warnf("Quote batch failed: %v", err)
			continue
		}

		valid := make(map[string]models.Quote, len(quotes))
		for _, inst := range batch.Instruments {
			q, ok := quotes[inst.Key()]
			if !ok {
				continue
			}
			if err := q.Validate(); err != nil {
				logger.Warn("Dropping malformed quote for %s: %v", inst.Key(), err)
				continue
			}
			valid[inst.Key()] = q
		}
		summary.Obtained += len(valid)

		if handle != nil {
			handle(batch, valid)
		}
	}

	return summary
}

func (s *Scheduler) fetch(ctx context.Context, batch Batch) (map[string]models.Quote, error) {
	keys := make([]string, len(batch.Instruments))
	for i, inst := range batch.Instruments {
		keys[i] = inst.Key()
	}

	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	quotes, err := s.provider.FetchQuotes(fetchCtx, keys)
	if err != nil {
		return nil, err
	}
	if quotes == nil {
		return nil, errors.New("provider returned no quote map")
	}
	return quotes, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
