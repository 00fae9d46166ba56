package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validateSupervisor()...)
	errs = append(errs, c.validateBus()...)
	errs = append(errs, c.validateLearning()...)
	errs = append(errs, c.validateLocks()...)
	errs = append(errs, c.validateTrading()...)
	errs = append(errs, c.validateAI()...)
	errs = append(errs, c.validateAPI()...)

	if len(errs) > 0 {
		return errs
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errs ValidationErrors

	if c.App.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment != "" {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errs = append(errs, ValidationError{
				Field:   "app.environment",
				Message: "Environment must be one of: development, staging, production",
			})
		}
	}

	if c.State.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "state.dir",
			Message: "State directory is required",
		})
	}

	return errs
}

func (c *Config) validateSupervisor() ValidationErrors {
	var errs ValidationErrors

	if c.Supervisor.MinBackoff <= 0 {
		errs = append(errs, ValidationError{
			Field:   "supervisor.min_backoff",
			Message: "Minimum backoff must be positive",
		})
	}
	if c.Supervisor.MaxBackoff < c.Supervisor.MinBackoff {
		errs = append(errs, ValidationError{
			Field:   "supervisor.max_backoff",
			Message: "Maximum backoff must not be below minimum backoff",
		})
	}
	if c.Supervisor.MaxConsecutiveFailures < 1 {
		errs = append(errs, ValidationError{
			Field:   "supervisor.max_consecutive_failures",
			Message: "Max consecutive failures must be at least 1",
		})
	}
	if c.Supervisor.GracePeriod <= 0 {
		errs = append(errs, ValidationError{
			Field:   "supervisor.grace_period",
			Message: "Grace period must be positive",
		})
	}

	return errs
}

func (c *Config) validateBus() ValidationErrors {
	var errs ValidationErrors

	if c.Bus.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "bus.queue_size",
			Message: "Subscriber queue size must be at least 1",
		})
	}
	if c.Bus.MaxHandlerFailures < 1 {
		errs = append(errs, ValidationError{
			Field:   "bus.max_handler_failures",
			Message: "Handler failure threshold must be at least 1",
		})
	}

	return errs
}

func (c *Config) validateLearning() ValidationErrors {
	var errs ValidationErrors

	if c.Learning.Alpha < 0.5 || c.Learning.Alpha > 0.9 {
		errs = append(errs, ValidationError{
			Field:   "learning.alpha",
			Message: "Confidence blend factor must be within [0.5, 0.9]",
		})
	}
	if c.Learning.MinConfidence < 0 || c.Learning.MinConfidence > 1 {
		errs = append(errs, ValidationError{
			Field:   "learning.min_confidence",
			Message: "Minimum confidence must be within [0, 1]",
		})
	}

	return errs
}

func (c *Config) validateLocks() ValidationErrors {
	var errs ValidationErrors

	if c.Locks.TTL <= 0 {
		errs = append(errs, ValidationError{
			Field:   "locks.ttl",
			Message: "Lock TTL must be positive",
		})
	}

	return errs
}

func (c *Config) validateTrading() ValidationErrors {
	var errs ValidationErrors

	if c.Trading.Mode != "paper" && c.Trading.Mode != "live" {
		errs = append(errs, ValidationError{
			Field:   "trading.mode",
			Message: "Trading mode must be 'paper' or 'live'",
		})
	}
	if c.Trading.MaxPositions < 1 {
		errs = append(errs, ValidationError{
			Field:   "trading.max_positions",
			Message: "Max positions must be at least 1",
		})
	}
	for field, val := range map[string]float64{
		"trading.default_stop": c.Trading.DefaultStop,
		"trading.break_even":   c.Trading.BreakEven,
		"trading.trail_start":  c.Trading.TrailStart,
		"trading.trail_pct":    c.Trading.TrailPct,
		"trading.floor_pct":    c.Trading.FloorPct,
	} {
		if val <= 0 || val >= 1 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "Percentage must be within (0, 1)",
			})
		}
	}
	if c.Trading.TrailStart < c.Trading.BreakEven {
		errs = append(errs, ValidationError{
			Field:   "trading.trail_start",
			Message: "Trailing threshold must not be below break-even threshold",
		})
	}
	if c.Trading.Mode == "live" && c.Trading.Binance.APIKeyName == "" {
		errs = append(errs, ValidationError{
			Field:   "trading.binance.api_key_name",
			Message: "Live trading requires a venue API key secret name",
		})
	}

	return errs
}

func (c *Config) validateAI() ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool)
	for i, p := range c.AI.Providers {
		if p.Name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ai.providers[%d].name", i),
				Message: "Provider name is required",
			})
			continue
		}
		if seen[p.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ai.providers[%d].name", i),
				Message: "Provider names must be unique",
			})
		}
		seen[p.Name] = true
		if p.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ai.providers[%d].endpoint", i),
				Message: "Provider endpoint is required",
			})
		}
		if len(p.TaskTypes) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ai.providers[%d].task_types", i),
				Message: "Provider must declare at least one task type",
			})
		}
		if p.CostPer1K < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("ai.providers[%d].cost_per_1k", i),
				Message: "Provider cost must not be negative",
			})
		}
	}

	return errs
}

func (c *Config) validateAPI() ValidationErrors {
	var errs ValidationErrors

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, ValidationError{
			Field:   "api.port",
			Message: "API port must be within [1, 65535]",
		})
	}
	if c.Monitoring.EnableMetrics && (c.Monitoring.PrometheusPort < 1 || c.Monitoring.PrometheusPort > 65535) {
		errs = append(errs, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: "Prometheus port must be within [1, 65535]",
		})
	}

	return errs
}
