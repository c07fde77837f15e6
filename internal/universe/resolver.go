// Package universe decides which option instruments are polled each cycle.
package universe

import (
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/models"
)

// Resolver filters the instrument catalog down to live options on supported underlyings.
type Resolver struct {
	underlyings map[string]bool
	loc         *time.Location
}

// NewResolver creates a resolver. Expiry is compared against the current date in loc.
func NewResolver(underlyings []string, loc *time.Location) *Resolver {
	set := make(map[string]bool, len(underlyings))
	for _, u := range underlyings {
		set[strings.ToUpper(strings.TrimSpace(u))] = true
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{underlyings: set, loc: loc}
}

// Underlyings returns the supported underlying symbols, sorted.
func (r *Resolver) Underlyings() []string {
	out := make([]string, 0, len(r.underlyings))
	for u := range r.underlyings {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Resolve returns calls and puts on supported underlyings expiring today or later.
// The result is ordered by underlying, expiry, strike, type and token so that
// batch membership is stable across cycles for the same catalog.
func (r *Resolver) Resolve(catalog []models.Instrument, now time.Time) []models.Instrument {
	local := now.In(r.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	out := make([]models.Instrument, 0, len(catalog)/4)
	for _, inst := range catalog {
		if !inst.IsOption() {
			continue
		}
		if !r.underlyings[inst.Underlying] {
			continue
		}
		if inst.Expiry.Before(today) {
			continue
		}
		out = append(out, inst)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Underlying != b.Underlying {
			return a.Underlying < b.Underlying
		}
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if c := a.Strike.Cmp(b.Strike); c != 0 {
			return c < 0
		}
		if a.InstrumentType != b.InstrumentType {
			return a.InstrumentType < b.InstrumentType
		}
		return a.Token < b.Token
	})
	return out
}
