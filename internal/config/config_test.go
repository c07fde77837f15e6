package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
kite:
  requests_per_second: 3

collector:
  batch_size: 200
  batch_delay: 250ms
  cycle_interval: 15s

universe:
  underlyings:
    - NIFTY
    - BANKNIFTY
  underlying_quotes:
    NIFTY: "NSE:NIFTY 50"

severity:
  medium: 4
  high: 8
  critical: 16

market:
  holidays:
    - "2026-10-20"

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

storage:
  db_path: "./data/test.db"

logging:
  level: "info"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Collector.BatchSize != 200 {
		t.Errorf("Unexpected batch size: %d", cfg.Collector.BatchSize)
	}
	if cfg.Collector.BatchDelay != 250*time.Millisecond {
		t.Errorf("Unexpected batch delay: %v", cfg.Collector.BatchDelay)
	}
	if cfg.Collector.CycleInterval != 15*time.Second {
		t.Errorf("Unexpected cycle interval: %v", cfg.Collector.CycleInterval)
	}
	if len(cfg.Universe.Underlyings) != 2 {
		t.Errorf("Expected 2 underlyings, got %d", len(cfg.Universe.Underlyings))
	}
	if cfg.Severity.Critical != 16 {
		t.Errorf("Unexpected critical threshold: %v", cfg.Severity.Critical)
	}
	if got := cfg.UnderlyingQuoteKeys()["NIFTY"]; got != "NSE:NIFTY 50" {
		t.Errorf("Unexpected NIFTY quote key: %q", got)
	}

	// Defaults
	if cfg.Notify.Cooldown != 2*time.Minute {
		t.Errorf("Unexpected default cooldown: %v", cfg.Notify.Cooldown)
	}
	if cfg.Notify.DeliverTimeout != 30*time.Second {
		t.Errorf("Unexpected default deliver timeout: %v", cfg.Notify.DeliverTimeout)
	}
	if cfg.Notify.DailyCap != 20 {
		t.Errorf("Unexpected default daily cap: %d", cfg.Notify.DailyCap)
	}
	if cfg.Market.Timezone != "Asia/Kolkata" {
		t.Errorf("Unexpected default timezone: %q", cfg.Market.Timezone)
	}
	if cfg.Collector.ErrorBackoff != time.Minute {
		t.Errorf("Unexpected default error backoff: %v", cfg.Collector.ErrorBackoff)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	t.Setenv("CIRCUITWATCH_COLLECTOR_BATCH_SIZE", "250")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Collector.BatchSize != 250 {
		t.Errorf("env override not applied: batch_size=%d", cfg.Collector.BatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func validConfig() *Config {
	return &Config{
		Kite: KiteConfig{
			APIURL:            "https://api.kite.trade",
			Segment:           "NFO",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 1,
		},
		Collector: CollectorConfig{
			BatchSize:           100,
			BatchDelay:          500 * time.Millisecond,
			CycleInterval:       30 * time.Second,
			ErrorBackoff:        time.Minute,
			ClosedCheckInterval: time.Minute,
			FetchTimeout:        10 * time.Second,
			PersistTimeout:      5 * time.Second,
			CheckpointInterval:  10,
			SnapshotRetention:   72 * time.Hour,
			CatalogRefresh:      6 * time.Hour,
		},
		Universe: UniverseConfig{Underlyings: []string{"NIFTY"}},
		Severity: SeverityConfig{Medium: 5, High: 10, Critical: 20},
		Notify:   NotifyConfig{Cooldown: 2 * time.Minute, DailyCap: 20, DeliverTimeout: 30 * time.Second},
		Market:   MarketConfig{Timezone: "Asia/Kolkata", Open: "09:15", Close: "15:30"},
		API:      APIConfig{Enabled: true, ListenAddr: ":8090"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"batch size zero", func(c *Config) { c.Collector.BatchSize = 0 }, true},
		{"batch size above broker cap", func(c *Config) { c.Collector.BatchSize = 501 }, true},
		{"negative batch delay", func(c *Config) { c.Collector.BatchDelay = -time.Second }, true},
		{"cycle interval too short", func(c *Config) { c.Collector.CycleInterval = time.Second }, true},
		{"backoff shorter than interval", func(c *Config) { c.Collector.ErrorBackoff = 10 * time.Second }, true},
		{"no underlyings", func(c *Config) { c.Universe.Underlyings = nil }, true},
		{"thresholds out of order", func(c *Config) { c.Severity.High = 30 }, true},
		{"zero medium threshold", func(c *Config) { c.Severity.Medium = 0 }, true},
		{"zero daily cap", func(c *Config) { c.Notify.DailyCap = 0 }, true},
		{"zero deliver timeout", func(c *Config) { c.Notify.DeliverTimeout = 0 }, true},
		{"bad timezone", func(c *Config) { c.Market.Timezone = "Mars/Olympus" }, true},
		{"close before open", func(c *Config) { c.Market.Close = "09:00" }, true},
		{"bad holiday", func(c *Config) { c.Market.Holidays = []string{"20/10/2026"} }, true},
		{"missing telegram token when enabled", func(c *Config) { c.Telegram = TelegramConfig{Enabled: true, ChatID: "1"} }, true},
		{"redis without url", func(c *Config) { c.Redis = RedisConfig{Enabled: true, Stream: "s"} }, true},
		{"snapshots with tiny retention", func(c *Config) {
			c.Collector.PersistSnapshots = true
			c.Collector.SnapshotRetention = time.Minute
		}, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "trace" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
