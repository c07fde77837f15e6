package redispub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
)

func TestLatestKey(t *testing.T) {
	if got := LatestKey("NIFTY"); got != "circuit:latest:NIFTY" {
		t.Errorf("LatestKey = %q", got)
	}
}

func TestStreamValues(t *testing.T) {
	e := &models.ChangeEvent{
		ID:              "evt-1",
		InstrumentToken: 12345,
		TradingSymbol:   "NIFTY26OCT25000CE",
		Underlying:      "NIFTY",
		PrevUpper:       decimal.RequireFromString("200.00"),
		NewUpper:        decimal.RequireFromString("240.00"),
		UpperPct:        decimal.RequireFromString("20"),
		Severity:        models.SeverityCritical,
		DetectedAt:      time.Date(2026, 10, 16, 4, 0, 0, 0, time.UTC),
	}

	values, err := streamValues(e)
	if err != nil {
		t.Fatalf("streamValues: %v", err)
	}
	if values["id"] != "evt-1" || values["underlying"] != "NIFTY" || values["severity"] != "critical" {
		t.Errorf("unexpected fields: %v", values)
	}
	if values["token"] != int64(12345) {
		t.Errorf("token = %v", values["token"])
	}

	var decoded models.ChangeEvent
	if err := json.Unmarshal([]byte(values["event"].(string)), &decoded); err != nil {
		t.Fatalf("event payload not JSON: %v", err)
	}
	if !decoded.NewUpper.Equal(e.NewUpper) || decoded.Severity != models.SeverityCritical {
		t.Errorf("decoded event = %+v", decoded)
	}
}
