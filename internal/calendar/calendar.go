// Package calendar answers whether the exchange is currently in its trading session.
package calendar

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Calendar is a weekday session calendar with a holiday list.
type Calendar struct {
	loc      *time.Location
	open     time.Duration // offset from local midnight
	close    time.Duration
	holidays map[string]bool
}

// New builds a calendar for the named timezone, "HH:MM" session bounds and YYYY-MM-DD holidays.
func New(timezone, open, closeAt string, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}
	c, err := parseClock(closeAt)
	if err != nil {
		return nil, fmt.Errorf("invalid close time: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("close %s must be after open %s", closeAt, open)
	}

	hs := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		if _, err := time.Parse(dateLayout, h); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		hs[h] = true
	}

	return &Calendar{loc: loc, open: o, close: c, holidays: hs}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether the local date of now is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(now time.Time) bool {
	local := now.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[local.Format(dateLayout)]
}

// IsMarketOpen reports whether now falls inside [open, close) on a trading day.
func (c *Calendar) IsMarketOpen(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	local := now.In(c.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	offset := local.Sub(midnight)
	return offset >= c.open && offset < c.close
}

// NextOpen returns the next session open at or after now. If the market is open, it returns now.
func (c *Calendar) NextOpen(now time.Time) time.Time {
	if c.IsMarketOpen(now) {
		return now
	}
	local := now.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	// A year of consecutive holidays does not happen; the bound keeps a bad list from spinning.
	for i := 0; i < 366; i++ {
		openAt := day.Add(c.open)
		if openAt.After(now) || openAt.Equal(now) {
			if c.IsTradingDay(openAt) {
				return openAt
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return now.Add(24 * time.Hour)
}
