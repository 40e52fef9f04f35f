package config

import (
	"fmt"
	"slices"
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

// Validate performs configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validateExecution()...)
	errors = append(errors, c.validateAutoTrader()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateAPI()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := []string{"development", "staging", "production"}
	if !slices.Contains(validEnvs, c.App.Environment) {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.URL != "" {
		return errors
	}

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid database port %d. Must be between 1 and 65535", c.Database.Port),
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if !c.Redis.Enabled {
		return errors
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required when the price cache is enabled",
		})
	}

	if c.Redis.TTL <= 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.ttl",
			Message: "Redis TTL must be positive",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.Enabled && !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: fmt.Sprintf("Invalid NATS URL '%s'. Must start with nats://", c.NATS.URL),
		})
	}

	return errors
}

func (c *Config) validateBroker() ValidationErrors {
	var errors ValidationErrors

	switch c.Broker.Kind {
	case "paper":
		if c.Broker.Paper.Slippage < 0 || c.Broker.Paper.Slippage >= 1 {
			errors = append(errors, ValidationError{
				Field:   "broker.paper.slippage",
				Message: fmt.Sprintf("Slippage %.4f must be in [0, 1)", c.Broker.Paper.Slippage),
			})
		}
		for symbol, price := range c.Broker.Paper.Prices {
			if price <= 0 {
				errors = append(errors, ValidationError{
					Field:   "broker.paper.prices",
					Message: fmt.Sprintf("Seed price for %s must be positive", symbol),
				})
			}
		}
	case "binance":
		if c.Broker.APIKey == "" || c.Broker.SecretKey == "" {
			errors = append(errors, ValidationError{
				Field:   "broker.api_key",
				Message: "API key and secret key are required for the binance broker",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "broker.kind",
			Message: fmt.Sprintf("Invalid broker kind '%s'. Must be paper or binance", c.Broker.Kind),
		})
	}

	if len(c.Broker.Currencies) == 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.currencies",
			Message: "At least one currency is required for contract resolution",
		})
	}

	if c.Broker.ResolveTimeout <= 0 || c.Broker.PlaceTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.resolve_timeout",
			Message: "Resolve and place timeouts must be positive",
		})
	}

	if c.Broker.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.rate_limit",
			Message: "Rate limit must be positive",
		})
	}

	if c.Broker.Breaker.FailureRatio <= 0 || c.Broker.Breaker.FailureRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "broker.breaker.failure_ratio",
			Message: fmt.Sprintf("Failure ratio %.2f must be in (0, 1]", c.Broker.Breaker.FailureRatio),
		})
	}

	return errors
}

func (c *Config) validateExecution() ValidationErrors {
	var errors ValidationErrors

	if c.Execution.SettleDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "execution.settle_delay",
			Message: "Settle delay cannot be negative",
		})
	}

	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "reconciler.interval",
			Message: "Reconciler interval must be positive when enabled",
		})
	}

	return errors
}

func (c *Config) validateAutoTrader() ValidationErrors {
	var errors ValidationErrors
	at := c.AutoTrader

	if at.BufferCapacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "autotrader.buffer_capacity",
			Message: "Buffer capacity must be at least 1",
		})
	}

	if at.MinWarmup < 1 || at.MinWarmup > at.BufferCapacity {
		errors = append(errors, ValidationError{
			Field:   "autotrader.min_warmup",
			Message: fmt.Sprintf("Minimum warm-up %d must be between 1 and the buffer capacity %d", at.MinWarmup, at.BufferCapacity),
		})
	}

	if at.StepDivisor < 1 {
		errors = append(errors, ValidationError{
			Field:   "autotrader.step_divisor",
			Message: "Step divisor must be at least 1",
		})
	}

	if at.JoinTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "autotrader.join_timeout",
			Message: "Join timeout must be positive",
		})
	}

	return errors
}

func (c *Config) validateRetry() ValidationErrors {
	var errors ValidationErrors

	if c.Retry.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Message: "Retry attempts must be at least 1",
		})
	}

	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errors = append(errors, ValidationError{
			Field:   "retry.initial_backoff",
			Message: "Initial backoff must be positive and not exceed max backoff",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid API port %d. Must be between 1 and 65535", c.API.Port),
		})
	}

	if c.Monitoring.EnableMetrics && c.API.Enabled && c.Monitoring.PrometheusPort == c.API.Port {
		errors = append(errors, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: "Prometheus port conflicts with the API port",
		})
	}

	return errors
}
