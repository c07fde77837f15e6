package collector

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the orchestrator state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseMarketCheck
	PhaseCollecting
	PhasePersisting
	PhaseNotifying
)

var phaseNames = [...]string{"idle", "market_check", "collecting", "persisting", "notifying"}

// String returns the phase name.
func (p Phase) String() string {
	if p < PhaseIdle || p > PhaseNotifying {
		return fmt.Sprintf("phase(%d)", int32(p))
	}
	return phaseNames[p]
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// CycleSummary describes one collection cycle.
type CycleSummary struct {
	Started         time.Time      `json:"started"`
	Duration        time.Duration  `json:"duration_ns"`
	MarketOpen      bool           `json:"market_open"`
	SkipReason      string         `json:"skip_reason,omitempty"`
	Instruments     int            `json:"instruments"`
	Attempted       int            `json:"attempted"`
	Obtained        int            `json:"obtained"`
	Batches         int            `json:"batches"`
	BatchesFailed   int            `json:"batches_failed"`
	Events          int            `json:"events"`
	BySeverity      map[string]int `json:"by_severity,omitempty"`
	PersistFailures int            `json:"persist_failures"`
	Delivered       int            `json:"delivered"`
	Suppressed      int            `json:"suppressed"`
	Cancelled       bool           `json:"cancelled"`
	Error           string         `json:"error,omitempty"`
}

// Result is the metrics label of the cycle outcome.
func (s CycleSummary) Result() string {
	switch {
	case s.Error != "":
		return "failed"
	case !s.MarketOpen:
		return "market_closed"
	case s.SkipReason != "":
		return "skipped"
	case s.Cancelled:
		return "cancelled"
	default:
		return "ok"
	}
}

// String renders the summary as plain text for chat commands.
func (s CycleSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Last cycle %s (%s)\n", s.Started.Format("2006-01-02 15:04:05"), s.Result())
	if !s.MarketOpen {
		b.WriteString("Market closed")
		return b.String()
	}
	if s.SkipReason != "" {
		fmt.Fprintf(&b, "Skipped: %s", s.SkipReason)
		return b.String()
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", s.Error)
	}
	fmt.Fprintf(&b, "Instruments: %d, quotes %d/%d\n", s.Instruments, s.Obtained, s.Attempted)
	fmt.Fprintf(&b, "Batches: %d (%d failed)\n", s.Batches, s.BatchesFailed)
	fmt.Fprintf(&b, "Changes: %d, persist failures %d\n", s.Events, s.PersistFailures)
	fmt.Fprintf(&b, "Notified: %d, suppressed %d\n", s.Delivered, s.Suppressed)
	fmt.Fprintf(&b, "Took %s", s.Duration.Round(time.Millisecond))
	return b.String()
}
