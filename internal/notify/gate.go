// Package notify groups change events per underlying and gates their delivery to sinks.
package notify

import (
	"sync"
	"time"
)

// Window is the notification history of one underlying for the current day.
type Window struct {
	LastNotified time.Time
	Count        int
}

// Gate rate-limits notifications per underlying with a cooldown and a daily cap.
// It never affects detection or persistence.
type Gate struct {
	mu        sync.Mutex
	cooldown  time.Duration
	dailyCap  int
	loc       *time.Location
	windows   map[string]*Window
	resetDate string
}

// NewGate creates a gate. Day boundaries are taken in loc.
func NewGate(cooldown time.Duration, dailyCap int, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{
		cooldown: cooldown,
		dailyCap: dailyCap,
		loc:      loc,
		windows:  make(map[string]*Window),
	}
}

// ResetIfNewDay clears daily counts once the date in the gate's timezone moves
// past the last reset date. It reports whether a reset happened.
func (g *Gate) ResetIfNewDay(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := now.In(g.loc).Format("2006-01-02")
	if g.resetDate == "" {
		g.resetDate = today
		return false
	}
	if today <= g.resetDate {
		return false
	}
	g.resetDate = today
	for _, w := range g.windows {
		w.Count = 0
	}
	return true
}

// Allow approves a notification for underlying at now and records it, or
// rejects it when inside the cooldown window or over the daily cap.
func (g *Gate) Allow(underlying string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[underlying]
	if !ok {
		w = &Window{}
		g.windows[underlying] = w
	}
	if w.Count >= g.dailyCap {
		return false
	}
	if !w.LastNotified.IsZero() && now.Sub(w.LastNotified) < g.cooldown {
		return false
	}
	w.LastNotified = now
	w.Count++
	return true
}

// Window returns a copy of the window for underlying.
func (g *Gate) Window(underlying string) (Window, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[underlying]
	if !ok {
		return Window{}, false
	}
	return *w, true
}
