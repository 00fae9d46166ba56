//nolint:goconst // Test files use repeated strings for clarity
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "botfunk",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		State: StateConfig{
			Dir: "./data",
		},
		Supervisor: SupervisorConfig{
			MinBackoff:             1 * time.Second,
			MaxBackoff:             30 * time.Second,
			MaxConsecutiveFailures: 5,
			ResetWindow:            5 * time.Minute,
			HealthInterval:         15 * time.Second,
			HealthUnhealthyAfter:   45 * time.Second,
			GracePeriod:            30 * time.Second,
		},
		Bus: BusConfig{
			QueueSize:           256,
			MaxHandlerFailures:  5,
			FailureWindow:       time.Minute,
			ShutdownDrainBudget: 5 * time.Second,
		},
		Learning: LearningConfig{
			Alpha:         0.7,
			MinConfidence: 0.3,
			SearchLimit:   20,
		},
		Locks: LockConfig{
			TTL:        60 * time.Second,
			SweepEvery: 30 * time.Second,
		},
		AI: AIConfig{
			Providers: []ProviderConfig{
				{
					Name:       "claude",
					Endpoint:   "http://localhost:8080/v1/messages",
					Model:      "claude-sonnet-4",
					APIKeyName: "ANTHROPIC_API_KEY",
					TaskTypes:  []string{"sentiment", "moderation"},
					CostPer1K:  0.003,
					RatePerSec: 2,
					MaxTokens:  2000,
				},
			},
			CallTimeout:    30 * time.Second,
			BreakerWindow:  time.Minute,
			BreakerCooloff: 30 * time.Second,
			BreakerTrips:   3,
		},
		Trading: TradingConfig{
			Mode:           "paper",
			Venue:          "paper",
			MaxPositions:   3,
			DefaultStop:    0.15,
			TakeProfit:     0.25,
			BreakEven:      0.10,
			TrailStart:     0.15,
			TrailPct:       0.05,
			FloorPct:       0.90,
			BreakerTrips:   5,
			BreakerWindow:  2 * time.Minute,
			BreakerCooloff: time.Minute,
			Binance: BinanceConfig{
				Testnet: true,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		Monitoring: MonitoringConfig{
			PrometheusPort: 9100,
			EnableMetrics:  true,
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := getValidConfig()
	err := cfg.Validate()
	assert.NoError(t, err, "Valid configuration should not produce errors")
}

func TestValidateApp(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "missing app name",
			modify: func(c *Config) {
				c.App.Name = ""
			},
			expectError: "app.name",
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.App.Environment = "invalid_env"
			},
			expectError: "Environment must be one of",
		},
		{
			name: "missing state dir",
			modify: func(c *Config) {
				c.State.Dir = ""
			},
			expectError: "state.dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateSupervisor(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "zero min backoff",
			modify: func(c *Config) {
				c.Supervisor.MinBackoff = 0
			},
			expectError: "supervisor.min_backoff",
		},
		{
			name: "max backoff below min",
			modify: func(c *Config) {
				c.Supervisor.MaxBackoff = 500 * time.Millisecond
			},
			expectError: "supervisor.max_backoff",
		},
		{
			name: "zero failure threshold",
			modify: func(c *Config) {
				c.Supervisor.MaxConsecutiveFailures = 0
			},
			expectError: "max_consecutive_failures",
		},
		{
			name: "zero grace period",
			modify: func(c *Config) {
				c.Supervisor.GracePeriod = 0
			},
			expectError: "supervisor.grace_period",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateBusAndLearning(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "zero queue size",
			modify: func(c *Config) {
				c.Bus.QueueSize = 0
			},
			expectError: "bus.queue_size",
		},
		{
			name: "zero handler failure threshold",
			modify: func(c *Config) {
				c.Bus.MaxHandlerFailures = 0
			},
			expectError: "bus.max_handler_failures",
		},
		{
			name: "alpha too low",
			modify: func(c *Config) {
				c.Learning.Alpha = 0.4
			},
			expectError: "learning.alpha",
		},
		{
			name: "alpha too high",
			modify: func(c *Config) {
				c.Learning.Alpha = 0.95
			},
			expectError: "learning.alpha",
		},
		{
			name: "min confidence out of range",
			modify: func(c *Config) {
				c.Learning.MinConfidence = 1.5
			},
			expectError: "learning.min_confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateTrading(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "invalid mode",
			modify: func(c *Config) {
				c.Trading.Mode = "dry_run"
			},
			expectError: "Trading mode must be",
		},
		{
			name: "zero max positions",
			modify: func(c *Config) {
				c.Trading.MaxPositions = 0
			},
			expectError: "Max positions must be at least 1",
		},
		{
			name: "stop percentage out of range",
			modify: func(c *Config) {
				c.Trading.DefaultStop = 1.2
			},
			expectError: "Percentage must be within (0, 1)",
		},
		{
			name: "trail start below break even",
			modify: func(c *Config) {
				c.Trading.TrailStart = 0.05
			},
			expectError: "trading.trail_start",
		},
		{
			name: "live mode without venue key",
			modify: func(c *Config) {
				c.Trading.Mode = "live"
				c.Trading.Binance.APIKeyName = ""
			},
			expectError: "Live trading requires a venue API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateAI(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "provider without name",
			modify: func(c *Config) {
				c.AI.Providers[0].Name = ""
			},
			expectError: "Provider name is required",
		},
		{
			name: "duplicate provider names",
			modify: func(c *Config) {
				c.AI.Providers = append(c.AI.Providers, c.AI.Providers[0])
			},
			expectError: "Provider names must be unique",
		},
		{
			name: "provider without endpoint",
			modify: func(c *Config) {
				c.AI.Providers[0].Endpoint = ""
			},
			expectError: "Provider endpoint is required",
		},
		{
			name: "provider without task types",
			modify: func(c *Config) {
				c.AI.Providers[0].TaskTypes = nil
			},
			expectError: "at least one task type",
		},
		{
			name: "negative cost",
			modify: func(c *Config) {
				c.AI.Providers[0].CostPer1K = -0.01
			},
			expectError: "cost must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateAPI(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "port too high",
			modify: func(c *Config) {
				c.API.Port = 70000
			},
			expectError: "api.port",
		},
		{
			name: "negative prometheus port",
			modify: func(c *Config) {
				c.Monitoring.PrometheusPort = -1
			},
			expectError: "monitoring.prometheus_port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errors := ValidationErrors{
		{Field: "field1", Message: "error message 1"},
		{Field: "field2", Message: "error message 2"},
	}

	errMsg := errors.Error()

	assert.Contains(t, errMsg, "Configuration validation failed with 2 error(s)")
	assert.Contains(t, errMsg, "1. field1: error message 1")
	assert.Contains(t, errMsg, "2. field2: error message 2")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "botfunk", cfg.App.Name)
	assert.Equal(t, time.Second, cfg.Supervisor.MinBackoff)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.MaxBackoff)
	assert.Equal(t, 5, cfg.Supervisor.MaxConsecutiveFailures)
	assert.Equal(t, 60*time.Second, cfg.Locks.TTL)
	assert.Equal(t, 0.7, cfg.Learning.Alpha)
	assert.Equal(t, "paper", cfg.Trading.Mode)
	assert.Equal(t, 0.10, cfg.Trading.BreakEven)
	assert.Equal(t, 0.15, cfg.Trading.TrailStart)
	assert.Equal(t, 0.05, cfg.Trading.TrailPct)
	assert.True(t, cfg.Trading.Binance.Testnet)
	assert.Equal(t, "0.0.0.0:8090", cfg.API.GetAPIAddr())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	require.NoError(t, err)
	defer func() { _ = os.Remove(tmpfile.Name()) }() // Test cleanup

	invalidConfig := `
app:
  name: ""
learning:
  alpha: 0.2
`
	_, err = tmpfile.WriteString(invalidConfig)
	require.NoError(t, err)
	_ = tmpfile.Close() // Test cleanup

	_, err = Load(tmpfile.Name())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.name")
}

func TestLoadComponentManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "components.yaml")

	manifest := `
components:
  trade_engine:
    enabled: true
    critical: true
    depends_on: [event_bus, state_store]
    min_backoff: 2s
    max_backoff: 20s
    max_consecutive_failures: 3
  telegram:
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0600))

	m, err := LoadComponentManifest(path)
	require.NoError(t, err)

	assert.True(t, m.IsEnabled("trade_engine"))
	assert.False(t, m.IsEnabled("telegram"))
	assert.True(t, m.IsEnabled("unlisted_component"))

	critical, ok := m.IsCritical("trade_engine")
	assert.True(t, ok)
	assert.True(t, critical)
	_, ok = m.IsCritical("telegram")
	assert.False(t, ok)

	assert.Equal(t, []string{"event_bus", "state_store"}, m.DependsOn("trade_engine"))

	min, max := m.BackoffOverride("trade_engine")
	assert.Equal(t, 2*time.Second, min)
	assert.Equal(t, 20*time.Second, max)
}

func TestLoadComponentManifestMissingFile(t *testing.T) {
	m, err := LoadComponentManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, m.IsEnabled("anything"))
}

func TestLoadComponentManifestBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "components.yaml")
	require.NoError(t, os.WriteFile(path, []byte("components:\n  x:\n    min_backoff: soon\n"), 0600))

	_, err := LoadComponentManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid min_backoff")
}
