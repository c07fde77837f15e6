package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Kite      KiteConfig      `mapstructure:"kite"`
	Collector CollectorConfig `mapstructure:"collector"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Severity  SeverityConfig  `mapstructure:"severity"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Market    MarketConfig    `mapstructure:"market"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// KiteConfig holds broker market-data API configuration
type KiteConfig struct {
	APIURL            string        `mapstructure:"api_url"`
	Segment           string        `mapstructure:"segment"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelayBase    time.Duration `mapstructure:"retry_delay_base"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	CredentialsFile   string        `mapstructure:"credentials_file"`
}

// CollectorConfig holds collection cycle behaviour
type CollectorConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	BatchDelay          time.Duration `mapstructure:"batch_delay"`
	CycleInterval       time.Duration `mapstructure:"cycle_interval"`
	ErrorBackoff        time.Duration `mapstructure:"error_backoff"`
	ClosedCheckInterval time.Duration `mapstructure:"closed_check_interval"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	PersistTimeout      time.Duration `mapstructure:"persist_timeout"`
	CheckpointInterval  int           `mapstructure:"checkpoint_interval"`
	PersistSnapshots    bool          `mapstructure:"persist_snapshots"`
	SnapshotRetention   time.Duration `mapstructure:"snapshot_retention"`
	CatalogRefresh      time.Duration `mapstructure:"catalog_refresh"`
}

// UniverseConfig selects which option chains are tracked
type UniverseConfig struct {
	Underlyings []string `mapstructure:"underlyings"`
	// UnderlyingQuotes maps an underlying to the quote key of its spot/index, e.g. NIFTY -> "NSE:NIFTY 50".
	// Keys are case-insensitive.
	UnderlyingQuotes map[string]string `mapstructure:"underlying_quotes"`
}

// SeverityConfig holds percentage breakpoints for severity tiers
type SeverityConfig struct {
	Medium   float64 `mapstructure:"medium"`
	High     float64 `mapstructure:"high"`
	Critical float64 `mapstructure:"critical"`
}

// NotifyConfig holds notification gating configuration
type NotifyConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
	DailyCap int           `mapstructure:"daily_cap"`

	// DeliverTimeout bounds one sink delivery, retries included.
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
}

// MarketConfig describes the trading session
type MarketConfig struct {
	Timezone string   `mapstructure:"timezone"`
	Open     string   `mapstructure:"open"`
	Close    string   `mapstructure:"close"`
	Holidays []string `mapstructure:"holidays"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// RedisConfig holds the Redis change-stream sink configuration
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	Stream    string        `mapstructure:"stream"`
	MaxLen    int64         `mapstructure:"max_len"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// APIConfig holds the HTTP query API configuration
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// CIRCUITWATCH_COLLECTOR_BATCH_SIZE overrides collector.batch_size
	v.SetEnvPrefix("CIRCUITWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Kite defaults
	v.SetDefault("kite.api_url", "https://api.kite.trade")
	v.SetDefault("kite.segment", "NFO")
	v.SetDefault("kite.timeout", "10s")
	v.SetDefault("kite.max_retries", 3)
	v.SetDefault("kite.retry_delay_base", "1s")
	v.SetDefault("kite.requests_per_second", 1.0)
	v.SetDefault("kite.credentials_file", ".env")

	// Collector defaults
	v.SetDefault("collector.batch_size", 100)
	v.SetDefault("collector.batch_delay", "500ms")
	v.SetDefault("collector.cycle_interval", "30s")
	v.SetDefault("collector.error_backoff", "1m")
	v.SetDefault("collector.closed_check_interval", "1m")
	v.SetDefault("collector.fetch_timeout", "10s")
	v.SetDefault("collector.persist_timeout", "5s")
	v.SetDefault("collector.checkpoint_interval", 10)
	v.SetDefault("collector.persist_snapshots", false)
	v.SetDefault("collector.snapshot_retention", "72h")
	v.SetDefault("collector.catalog_refresh", "6h")

	// Universe defaults
	v.SetDefault("universe.underlyings", []string{"NIFTY", "BANKNIFTY", "FINNIFTY", "MIDCPNIFTY"})
	v.SetDefault("universe.underlying_quotes", map[string]string{
		"NIFTY":      "NSE:NIFTY 50",
		"BANKNIFTY":  "NSE:NIFTY BANK",
		"FINNIFTY":   "NSE:NIFTY FIN SERVICE",
		"MIDCPNIFTY": "NSE:NIFTY MID SELECT",
	})

	// Severity defaults (percent)
	v.SetDefault("severity.medium", 5.0)
	v.SetDefault("severity.high", 10.0)
	v.SetDefault("severity.critical", 20.0)

	// Notify defaults
	v.SetDefault("notify.cooldown", "2m")
	v.SetDefault("notify.daily_cap", 20)
	v.SetDefault("notify.deliver_timeout", "30s")

	// Market defaults
	v.SetDefault("market.timezone", "Asia/Kolkata")
	v.SetDefault("market.open", "09:15")
	v.SetDefault("market.close", "15:30")

	// Telegram defaults
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.stream", "circuit:changes")
	v.SetDefault("redis.max_len", 100000)
	v.SetDefault("redis.latest_ttl", "24h")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/circuitwatch.db")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Kite config
	if c.Kite.APIURL == "" {
		return fmt.Errorf("kite.api_url is required")
	}
	if c.Kite.Segment == "" {
		return fmt.Errorf("kite.segment is required")
	}
	if c.Kite.Timeout <= 0 {
		return fmt.Errorf("kite.timeout must be positive")
	}
	if c.Kite.RequestsPerSecond <= 0 {
		return fmt.Errorf("kite.requests_per_second must be positive")
	}

	// Validate Collector config
	if c.Collector.BatchSize < 1 || c.Collector.BatchSize > 500 {
		return fmt.Errorf("collector.batch_size must be between 1 and 500")
	}
	if c.Collector.BatchDelay < 0 {
		return fmt.Errorf("collector.batch_delay must not be negative")
	}
	if c.Collector.CycleInterval < 5*time.Second {
		return fmt.Errorf("collector.cycle_interval must be at least 5 seconds")
	}
	if c.Collector.ErrorBackoff < c.Collector.CycleInterval {
		return fmt.Errorf("collector.error_backoff must be at least collector.cycle_interval")
	}
	if c.Collector.ClosedCheckInterval <= 0 {
		return fmt.Errorf("collector.closed_check_interval must be positive")
	}
	if c.Collector.FetchTimeout <= 0 || c.Collector.PersistTimeout <= 0 {
		return fmt.Errorf("collector.fetch_timeout and collector.persist_timeout must be positive")
	}
	if c.Collector.CheckpointInterval < 1 {
		return fmt.Errorf("collector.checkpoint_interval must be at least 1")
	}
	if c.Collector.PersistSnapshots && c.Collector.SnapshotRetention < time.Hour {
		return fmt.Errorf("collector.snapshot_retention must be at least 1 hour")
	}
	if c.Collector.CatalogRefresh < time.Minute {
		return fmt.Errorf("collector.catalog_refresh must be at least 1 minute")
	}

	// Validate Universe config
	if len(c.Universe.Underlyings) == 0 {
		return fmt.Errorf("universe.underlyings must contain at least one symbol")
	}

	// Validate Severity config
	if c.Severity.Medium <= 0 || c.Severity.Medium > c.Severity.High || c.Severity.High > c.Severity.Critical {
		return fmt.Errorf("severity thresholds must satisfy 0 < medium <= high <= critical")
	}

	// Validate Notify config
	if c.Notify.Cooldown < 0 {
		return fmt.Errorf("notify.cooldown must not be negative")
	}
	if c.Notify.DailyCap < 1 {
		return fmt.Errorf("notify.daily_cap must be at least 1")
	}
	if c.Notify.DeliverTimeout <= 0 {
		return fmt.Errorf("notify.deliver_timeout must be positive")
	}

	// Validate Market config
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone is invalid: %w", err)
	}
	open, err := time.Parse("15:04", c.Market.Open)
	if err != nil {
		return fmt.Errorf("market.open must be HH:MM")
	}
	closeAt, err := time.Parse("15:04", c.Market.Close)
	if err != nil {
		return fmt.Errorf("market.close must be HH:MM")
	}
	if !closeAt.After(open) {
		return fmt.Errorf("market.close must be after market.open")
	}
	for _, h := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("market.holidays entry %q must be YYYY-MM-DD", h)
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Redis config
	if c.Redis.Enabled {
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when redis is enabled")
		}
		if c.Redis.Stream == "" {
			return fmt.Errorf("redis.stream is required when redis is enabled")
		}
	}

	// Validate API config
	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when api is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// UnderlyingQuoteKeys returns the underlying quote map keyed by upper-case symbol.
// Viper lower-cases map keys, so callers must not rely on the raw map.
func (c *Config) UnderlyingQuoteKeys() map[string]string {
	out := make(map[string]string, len(c.Universe.UnderlyingQuotes))
	for k, v := range c.Universe.UnderlyingQuotes {
		out[strings.ToUpper(k)] = v
	}
	return out
}
