package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	State      StateConfig      `mapstructure:"state"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Bus        BusConfig        `mapstructure:"bus"`
	Learning   LearningConfig   `mapstructure:"learning"`
	Locks      LockConfig       `mapstructure:"locks"`
	AI         AIConfig         `mapstructure:"ai"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Loops      LoopsConfig      `mapstructure:"loops"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// StateConfig locates the persisted state root
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// SupervisorConfig contains component lifecycle settings
type SupervisorConfig struct {
	MinBackoff             time.Duration `mapstructure:"min_backoff"`              // 1s
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`              // 30s
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"` // 5
	ResetWindow            time.Duration `mapstructure:"reset_window"`             // 5m
	HealthInterval         time.Duration `mapstructure:"health_interval"`          // 15s
	HealthUnhealthyAfter   time.Duration `mapstructure:"health_unhealthy_after"`   // 45s
	GracePeriod            time.Duration `mapstructure:"grace_period"`             // 30s
}

// BusConfig contains event bus settings
type BusConfig struct {
	QueueSize           int           `mapstructure:"queue_size"`            // per-subscriber
	MaxHandlerFailures  int           `mapstructure:"max_handler_failures"`  // pause threshold
	FailureWindow       time.Duration `mapstructure:"failure_window"`        // consecutive-failure window
	ShutdownDrainBudget time.Duration `mapstructure:"shutdown_drain_budget"` // drain deadline
}

// LearningConfig contains learning store settings
type LearningConfig struct {
	Alpha         float64 `mapstructure:"alpha"`          // confidence blend factor
	MinConfidence float64 `mapstructure:"min_confidence"` // default search floor
	SearchLimit   int     `mapstructure:"search_limit"`
}

// LockConfig contains instance lock settings
type LockConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	SweepEvery  time.Duration `mapstructure:"sweep_every"`
	HolderLabel string        `mapstructure:"holder_label"` // defaults to hostname:pid
}

// AIConfig contains AI router settings
type AIConfig struct {
	Providers      []ProviderConfig `mapstructure:"providers"`
	CallTimeout    time.Duration    `mapstructure:"call_timeout"`
	BreakerWindow  time.Duration    `mapstructure:"breaker_window"`
	BreakerCooloff time.Duration    `mapstructure:"breaker_cooloff"`
	BreakerTrips   int              `mapstructure:"breaker_trips"`
}

// ProviderConfig declares one backing LLM provider
type ProviderConfig struct {
	Name       string   `mapstructure:"name"`
	Endpoint   string   `mapstructure:"endpoint"`
	Model      string   `mapstructure:"model"`
	APIKeyName string   `mapstructure:"api_key_name"` // secret name, resolved via secrets.Provider
	TaskTypes  []string `mapstructure:"task_types"`
	CostPer1K  float64  `mapstructure:"cost_per_1k"`
	RatePerSec float64  `mapstructure:"rate_per_sec"`
	MaxTokens  int      `mapstructure:"max_tokens"`
}

// TradingConfig contains trade engine settings
type TradingConfig struct {
	Mode           string        `mapstructure:"mode"` // "paper" or "live"
	Venue          string        `mapstructure:"venue"`
	MaxPositions   int           `mapstructure:"max_positions"`
	DefaultStop    float64       `mapstructure:"default_stop"`  // initial stop distance, e.g. 0.15
	TakeProfit     float64       `mapstructure:"take_profit"`   // e.g. 0.25
	BreakEven      float64       `mapstructure:"break_even"`    // gain that locks the stop at entry, 0.10
	TrailStart     float64       `mapstructure:"trail_start"`   // gain that starts the trail, 0.15
	TrailPct       float64       `mapstructure:"trail_pct"`     // 0.05
	FloorPct       float64       `mapstructure:"floor_pct"`     // emergency floor, 0.90
	BreakerTrips   int           `mapstructure:"breaker_trips"` // trade breaker threshold
	BreakerWindow  time.Duration `mapstructure:"breaker_window"`
	BreakerCooloff time.Duration `mapstructure:"breaker_cooloff"`
	Binance        BinanceConfig `mapstructure:"binance"`
}

// BinanceConfig contains live venue credentials and mode
type BinanceConfig struct {
	APIKeyName    string `mapstructure:"api_key_name"`    // secret name
	SecretKeyName string `mapstructure:"secret_key_name"` // secret name
	Testnet       bool   `mapstructure:"testnet"`
}

// LoopsConfig contains autonomous loop settings
type LoopsConfig struct {
	Moderation ModerationConfig `mapstructure:"moderation"`
	SelfTune   SelfTuneConfig   `mapstructure:"selftune"`
	Regime     RegimeConfig     `mapstructure:"regime"`
}

// ModerationConfig controls the content moderation loop
type ModerationConfig struct {
	Window       time.Duration `mapstructure:"window"`        // sliding window per actor
	ScoreLimit   float64       `mapstructure:"score_limit"`   // toxicity threshold
	RatePerMin   float64       `mapstructure:"rate_per_min"`  // AI call budget
	StepInterval time.Duration `mapstructure:"step_interval"` // queue drain cadence
}

// SelfTuneConfig controls the parameter hill-climb loop
type SelfTuneConfig struct {
	Interval   time.Duration `mapstructure:"interval"`    // proposal cadence
	WindowSize int           `mapstructure:"window_size"` // trades per evaluation window
	Epsilon    float64       `mapstructure:"epsilon"`     // min improvement to accept
}

// RegimeConfig controls the sentiment regime adapter
type RegimeConfig struct {
	StepInterval time.Duration `mapstructure:"step_interval"`
}

// AlertsConfig contains alert fan-out settings
type AlertsConfig struct {
	TelegramEnabled   bool   `mapstructure:"telegram_enabled"`
	TelegramTokenName string `mapstructure:"telegram_token_name"` // secret name
	TelegramChatID    int64  `mapstructure:"telegram_chat_id"`
}

// APIConfig contains control/status API settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// VaultConfig contains secret backend settings
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Mount   string `mapstructure:"mount"`
	Path    string `mapstructure:"path"`
}

// TelegramConfig contains chat worker settings
type TelegramConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TokenName    string        `mapstructure:"token_name"` // secret name, also the lock resource key
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	AllowedChats []int64       `mapstructure:"allowed_chats"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("BOTFUNK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "botfunk")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// State defaults
	v.SetDefault("state.dir", "./data")

	// Supervisor defaults
	v.SetDefault("supervisor.min_backoff", "1s")
	v.SetDefault("supervisor.max_backoff", "30s")
	v.SetDefault("supervisor.max_consecutive_failures", 5)
	v.SetDefault("supervisor.reset_window", "5m")
	v.SetDefault("supervisor.health_interval", "15s")
	v.SetDefault("supervisor.health_unhealthy_after", "45s")
	v.SetDefault("supervisor.grace_period", "30s")

	// Bus defaults
	v.SetDefault("bus.queue_size", 256)
	v.SetDefault("bus.max_handler_failures", 5)
	v.SetDefault("bus.failure_window", "1m")
	v.SetDefault("bus.shutdown_drain_budget", "5s")

	// Learning defaults
	v.SetDefault("learning.alpha", 0.7)
	v.SetDefault("learning.min_confidence", 0.3)
	v.SetDefault("learning.search_limit", 20)

	// Lock defaults
	v.SetDefault("locks.ttl", "60s")
	v.SetDefault("locks.sweep_every", "30s")

	// AI router defaults
	v.SetDefault("ai.call_timeout", "30s")
	v.SetDefault("ai.breaker_window", "1m")
	v.SetDefault("ai.breaker_cooloff", "30s")
	v.SetDefault("ai.breaker_trips", 3)

	// Trading defaults
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.venue", "paper")
	v.SetDefault("trading.max_positions", 3)
	v.SetDefault("trading.default_stop", 0.15)
	v.SetDefault("trading.take_profit", 0.25)
	v.SetDefault("trading.break_even", 0.10)
	v.SetDefault("trading.trail_start", 0.15)
	v.SetDefault("trading.trail_pct", 0.05)
	v.SetDefault("trading.floor_pct", 0.90)
	v.SetDefault("trading.breaker_trips", 5)
	v.SetDefault("trading.breaker_window", "2m")
	v.SetDefault("trading.breaker_cooloff", "1m")
	v.SetDefault("trading.binance.testnet", true)

	// Loop defaults
	v.SetDefault("loops.moderation.window", "10m")
	v.SetDefault("loops.moderation.score_limit", 0.7)
	v.SetDefault("loops.moderation.rate_per_min", 20)
	v.SetDefault("loops.moderation.step_interval", "2s")
	v.SetDefault("loops.selftune.interval", "10m")
	v.SetDefault("loops.selftune.window_size", 10)
	v.SetDefault("loops.selftune.epsilon", 0.01)
	v.SetDefault("loops.regime.step_interval", "30s")

	// Alerts defaults
	v.SetDefault("alerts.telegram_enabled", false)
	v.SetDefault("alerts.telegram_token_name", "TELEGRAM_ALERT_TOKEN")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount", "secret")
	v.SetDefault("vault.path", "botfunk")

	// Telegram worker defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.token_name", "TELEGRAM_BOT_TOKEN")
	v.SetDefault("telegram.poll_timeout", "30s")
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
