package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/collector"
	"github.com/rewired-gh/circuitwatch/internal/metrics"
	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/rewired-gh/circuitwatch/internal/monitor"
	"github.com/rewired-gh/circuitwatch/internal/storage"
	"github.com/shopspring/decimal"
)

type fakeStatus struct {
	summary *collector.CycleSummary
}

func (f fakeStatus) LastSummary() (collector.CycleSummary, bool) {
	if f.summary == nil {
		return collector.CycleSummary{}, false
	}
	return *f.summary, true
}

func (f fakeStatus) Phase() collector.Phase { return collector.PhaseCollecting }

func newTestServer(t *testing.T, status fakeStatus) (*Server, *storage.Storage, *monitor.StateStore) {
	t.Helper()
	db, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	state := monitor.NewStateStore()
	m := metrics.New()
	m.RecordCycle("ok")
	return New(db, status, state, m.Registry), db, state
}

func saveEvent(t *testing.T, db *storage.Storage, id, underlying string, sev models.Severity, at time.Time) {
	t.Helper()
	e := &models.ChangeEvent{
		ID:              id,
		InstrumentToken: 42,
		TradingSymbol:   underlying + "26OCT25000CE",
		Underlying:      underlying,
		Strike:          decimal.NewFromInt(25000),
		OptionType:      models.TypeCall,
		Expiry:          time.Date(2026, 10, 29, 0, 0, 0, 0, time.UTC),
		PrevLower:       decimal.NewFromInt(100),
		PrevUpper:       decimal.NewFromInt(200),
		NewLower:        decimal.NewFromInt(100),
		NewUpper:        decimal.NewFromInt(240),
		LowerPct:        decimal.Zero,
		UpperPct:        decimal.NewFromInt(20),
		Severity:        sev,
		DetectedAt:      at,
		Context:         models.MarketContext{LastPrice: decimal.NewFromInt(150), CircuitStatus: models.CircuitNormal},
	}
	if err := db.SaveChangeEvent(context.Background(), e); err != nil {
		t.Fatalf("SaveChangeEvent: %v", err)
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStatus{})
	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("GET /health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStatus{})
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `circuitwatch_cycles_total{result="ok"} 1`) {
		t.Errorf("metrics output missing cycle counter:\n%s", rec.Body.String())
	}
}

func TestSummary(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStatus{})
	rec := get(t, s, "/api/summary")
	if !strings.Contains(rec.Body.String(), `"phase":"collecting"`) || !strings.Contains(rec.Body.String(), `"last_cycle":null`) {
		t.Errorf("summary before first cycle = %s", rec.Body.String())
	}

	s, _, _ = newTestServer(t, fakeStatus{summary: &collector.CycleSummary{MarketOpen: true, Attempted: 250, Obtained: 150, BatchesFailed: 1}})
	rec = get(t, s, "/api/summary")
	var resp struct {
		Phase string                 `json:"phase"`
		Last  collector.CycleSummary `json:"last_cycle"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Last.Attempted != 250 || resp.Last.Obtained != 150 || resp.Last.BatchesFailed != 1 {
		t.Errorf("last cycle = %+v", resp.Last)
	}
}

func TestChanges(t *testing.T) {
	s, db, _ := newTestServer(t, fakeStatus{})
	base := time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC)
	saveEvent(t, db, "a", "NIFTY", models.SeverityLow, base)
	saveEvent(t, db, "b", "NIFTY", models.SeverityCritical, base.Add(time.Minute))
	saveEvent(t, db, "c", "BANKNIFTY", models.SeverityHigh, base.Add(2*time.Minute))

	tests := []struct {
		name string
		path string
		ids  []string
	}{
		{"all newest first", "/api/changes", []string{"c", "b", "a"}},
		{"underlying", "/api/changes?underlying=nifty", []string{"b", "a"}},
		{"min severity", "/api/changes?severity=high", []string{"c", "b"}},
		{"since", "/api/changes?since=2026-10-16T04:01:00Z", []string{"c", "b"}},
		{"limit", "/api/changes?limit=1", []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			var resp struct {
				Count   int                  `json:"count"`
				Changes []models.ChangeEvent `json:"changes"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Count != len(tt.ids) {
				t.Fatalf("count = %d, want %d", resp.Count, len(tt.ids))
			}
			for i, id := range tt.ids {
				if resp.Changes[i].ID != id {
					t.Errorf("changes[%d] = %s, want %s", i, resp.Changes[i].ID, id)
				}
			}
		})
	}
}

func TestChanges_BadRequest(t *testing.T) {
	s, _, _ := newTestServer(t, fakeStatus{})
	for _, path := range []string{
		"/api/changes?severity=extreme",
		"/api/changes?since=yesterday",
		"/api/changes?limit=0",
		"/api/changes?limit=5000",
		"/api/changes?token=abc",
	} {
		if rec := get(t, s, path); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, rec.Code)
		}
	}
}

func TestCircuitState(t *testing.T) {
	s, _, state := newTestServer(t, fakeStatus{})
	state.Upsert(models.CircuitState{
		InstrumentToken: 42,
		Lower:           decimal.RequireFromString("100.05"),
		Upper:           decimal.RequireFromString("240"),
	})

	rec := get(t, s, "/api/state/42")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"lower_circuit_limit":"100.05"`) {
		t.Errorf("GET /api/state/42 = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, s, "/api/state/7"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown token = %d, want 404", rec.Code)
	}
	if rec := get(t, s, "/api/state/x"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad token = %d, want 400", rec.Code)
	}
}
