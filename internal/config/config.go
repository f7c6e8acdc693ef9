// Package config loads and validates the engine's YAML configuration
// with a Load -> Normalize -> Validate pipeline: read file, expand
// ${ENV} references, strict decode, then default and cross-field
// validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig holds TopStepX REST/stream connection settings.
type BrokerConfig struct {
	BaseURL         string `yaml:"base_url"`
	StreamURL       string `yaml:"stream_url"`
	Username        string `yaml:"username"`
	APIKey          string `yaml:"api_key"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec"`
}

// RiskConfig holds per-account compliance thresholds.
type RiskConfig struct {
	DailyLossLimit         float64 `yaml:"daily_loss_limit"`
	MaxLossLimit           float64 `yaml:"max_loss_limit"`
	TrailThreshold         float64 `yaml:"trail_threshold"`
	AutoFlattenOnViolation bool    `yaml:"auto_flatten_on_violation"`
}

// ScheduleConfig holds EOD-flatten and exchange-timezone settings.
type ScheduleConfig struct {
	EODFlattenLocalTime string `yaml:"eod_flatten_local_time"`
	ExchangeTZ          string `yaml:"exchange_tz"`
}

// StorageConfig points at the durable JSON store.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// HTTPConfig holds listen addresses and dashboard auth.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	StreamAddr string `yaml:"stream_listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// SchedulerConfig bounds the priority task scheduler.
type SchedulerConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}

// HistoricalConfig bounds the historical-data LRU TTLs.
type HistoricalConfig struct {
	BarCacheTTLRTH time.Duration `yaml:"bar_cache_ttl_rth"`
	BarCacheTTLOff time.Duration `yaml:"bar_cache_ttl_off"`
}

// NotifyConfig holds outbound notification sinks external to the core.
type NotifyConfig struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// Config is the root configuration object.
type Config struct {
	Environment string           `yaml:"environment"` // "live" | "paper"
	LogLevel    string           `yaml:"log_level"`
	Broker      BrokerConfig     `yaml:"broker"`
	Risk        RiskConfig       `yaml:"risk"`
	Schedule    ScheduleConfig   `yaml:"schedule"`
	Storage     StorageConfig    `yaml:"storage"`
	HTTP        HTTPConfig       `yaml:"http"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Historical  HistoricalConfig `yaml:"historical"`
	Notify      NotifyConfig     `yaml:"notify"`
}

// Load reads, expands, strictly decodes, normalizes and validates the
// config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv builds a Config purely from the enumerated environment
// variables, used by deployments that skip the YAML file.
func LoadFromEnv() (*Config, error) {
	cfg := Config{
		Broker: BrokerConfig{
			BaseURL:  os.Getenv("BROKER_BASE_URL"),
			Username: os.Getenv("BROKER_USERNAME"),
			APIKey:   os.Getenv("BROKER_API_KEY"),
		},
		Storage: StorageConfig{DatabaseURL: os.Getenv("DATABASE_URL")},
		HTTP: HTTPConfig{
			ListenAddr: os.Getenv("HTTP_LISTEN_ADDR"),
			StreamAddr: os.Getenv("STREAM_LISTEN_ADDR"),
			AuthToken:  os.Getenv("DASHBOARD_AUTH_TOKEN"),
		},
		Notify: NotifyConfig{DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL")},
		Schedule: ScheduleConfig{
			EODFlattenLocalTime: orDefault(os.Getenv("EOD_FLATTEN_LOCAL_TIME"), "16:00"),
			ExchangeTZ:          orDefault(os.Getenv("EXCHANGE_TZ"), "America/Chicago"),
		},
	}
	if v := os.Getenv("RISK_AUTO_FLATTEN_ON_VIOLATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.Risk.AutoFlattenOnViolation = b
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.RateLimitPerSec = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrentTasks = n
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Normalize fills in defaults left unset by the file or environment.
func (c *Config) Normalize() {
	if c.Environment == "" {
		c.Environment = "paper"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Broker.RateLimitPerSec <= 0 {
		c.Broker.RateLimitPerSec = 30
	}
	if c.Schedule.EODFlattenLocalTime == "" {
		c.Schedule.EODFlattenLocalTime = "16:00"
	}
	if c.Schedule.ExchangeTZ == "" {
		c.Schedule.ExchangeTZ = "America/Chicago"
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		c.Scheduler.MaxConcurrentTasks = 20
	}
	if c.Historical.BarCacheTTLRTH <= 0 {
		c.Historical.BarCacheTTLRTH = 30 * time.Second
	}
	if c.Historical.BarCacheTTLOff <= 0 {
		c.Historical.BarCacheTTLOff = 10 * time.Minute
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8080"
	}
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = "data/engine_state.json"
	}
	if c.Risk.TrailThreshold <= 0 {
		c.Risk.TrailThreshold = c.Risk.MaxLossLimit
	}
}

// Validate runs cross-field checks as one long hand-written function
// rather than a struct-tag validator.
func (c *Config) Validate() error {
	if c.Environment != "live" && c.Environment != "paper" {
		return fmt.Errorf("environment must be 'live' or 'paper', got %q", c.Environment)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.Username == "" || c.Broker.APIKey == "" {
		return fmt.Errorf("broker.username and broker.api_key are required")
	}
	if c.Broker.RateLimitPerSec <= 0 {
		return fmt.Errorf("broker.rate_limit_per_sec must be > 0")
	}
	if c.Risk.DailyLossLimit < 0 || c.Risk.MaxLossLimit < 0 {
		return fmt.Errorf("risk limits must be >= 0")
	}
	if _, err := time.Parse("15:04", c.Schedule.EODFlattenLocalTime); err != nil {
		return fmt.Errorf("schedule.eod_flatten_local_time must be HH:MM: %w", err)
	}
	if _, err := time.LoadLocation(c.Schedule.ExchangeTZ); err != nil {
		return fmt.Errorf("schedule.exchange_tz invalid: %w", err)
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be > 0")
	}
	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.database_url is required")
	}
	return nil
}

// IsLive reports whether the engine is configured to route real orders.
func (c *Config) IsLive() bool { return c.Environment == "live" }
