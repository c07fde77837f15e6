package universe

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
)

// CatalogProvider supplies the full instrument list of a segment.
type CatalogProvider interface {
	FetchInstrumentCatalog(ctx context.Context, segment string) ([]models.Instrument, error)
}

// CachingCatalog keeps the last downloaded catalog and refreshes it after ttl
// or when the exchange date rolls over. The dump is large and changes daily.
type CachingCatalog struct {
	provider CatalogProvider
	segment  string
	ttl      time.Duration
	loc      *time.Location
	now      func() time.Time

	mu        sync.Mutex
	cached    []models.Instrument
	fetchedAt time.Time
}

// NewCachingCatalog wraps provider for the given segment.
func NewCachingCatalog(provider CatalogProvider, segment string, ttl time.Duration, loc *time.Location) *CachingCatalog {
	if loc == nil {
		loc = time.UTC
	}
	return &CachingCatalog{
		provider: provider,
		segment:  segment,
		ttl:      ttl,
		loc:      loc,
		now:      time.Now,
	}
}

func (c *CachingCatalog) stale(now time.Time) bool {
	if c.cached == nil {
		return true
	}
	if now.Sub(c.fetchedAt) >= c.ttl {
		return true
	}
	y1, m1, d1 := c.fetchedAt.In(c.loc).Date()
	y2, m2, d2 := now.In(c.loc).Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// Instruments returns the catalog, refreshing it when stale. A failed refresh
// keeps serving the previous copy; with no copy at all the error is returned.
func (c *CachingCatalog) Instruments(ctx context.Context) ([]models.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.stale(now) {
		return c.cached, nil
	}

	fresh, err := c.provider.FetchInstrumentCatalog(ctx, c.segment)
	if err != nil {
		if c.cached != nil {
			logger.Warn("Catalog refresh failed, serving copy from %s: %v",
				c.fetchedAt.Format(time.RFC3339), err)
			return c.cached, nil
		}
		return nil, err
	}

	// An empty dump is retried next cycle rather than cached.
	if len(fresh) == 0 {
		if c.cached != nil {
			logger.Warn("Catalog for %s came back empty, serving previous copy", c.segment)
			return c.cached, nil
		}
		return []models.Instrument{}, nil
	}
	c.cached = fresh
	c.fetchedAt = now
	logger.Info("Loaded %d instruments for segment %s", len(fresh), c.segment)
	return c.cached, nil
}
