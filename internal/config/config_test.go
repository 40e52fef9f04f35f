package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "EquityFunk",
			Version:     Version,
			Environment: "development",
			LogLevel:    "info",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "equityfunk",
			SSLMode:  "disable",
			PoolSize: 10,
		},
		Broker: BrokerConfig{
			Kind:           "paper",
			Exchange:       "SMART",
			Currencies:     []string{"USD", "EUR"},
			ResolveTimeout: 5 * time.Second,
			PlaceTimeout:   10 * time.Second,
			RateLimit:      10,
			Burst:          5,
			Breaker:        BreakerConfig{MinRequests: 5, FailureRatio: 0.6},
		},
		Execution:  ExecutionConfig{SettleDelay: 2 * time.Second},
		Reconciler: ReconcilerConfig{Enabled: true, Interval: time.Minute},
		AutoTrader: AutoTraderConfig{
			BufferCapacity: 200,
			MinWarmup:      20,
			StepDivisor:    10,
			JoinTimeout:    10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
		API:        APIConfig{Enabled: true, Host: "0.0.0.0", Port: 8081},
		Monitoring: MonitoringConfig{PrometheusPort: 9100, EnableMetrics: true},
	}
}

// TestLoadDefaults tests that Load works without a config file
func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "EquityFunk", cfg.App.Name)
	assert.Equal(t, "paper", cfg.Broker.Kind)
	assert.Equal(t, []string{"USD", "EUR"}, cfg.Broker.Currencies)
	assert.Equal(t, 5*time.Second, cfg.Broker.ResolveTimeout)
	assert.Equal(t, 2*time.Second, cfg.Execution.SettleDelay)
	assert.Equal(t, 200, cfg.AutoTrader.BufferCapacity)
	assert.Equal(t, int64(10), cfg.AutoTrader.StepDivisor)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

// TestLoadFromFile tests that file values override defaults
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  environment: staging
broker:
  currencies: ["EUR"]
autotrader:
  buffer_capacity: 50
  min_warmup: 10
execution:
  settle_delay: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, []string{"EUR"}, cfg.Broker.Currencies)
	assert.Equal(t, 50, cfg.AutoTrader.BufferCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.SettleDelay)
}

func TestLoadPaperPrices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
broker:
  paper:
    slippage: 0.001
    prices:
      AAPL: 187.5
      tte: 61.2
api:
  api_key: s3cret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.001, cfg.Broker.Paper.Slippage, 1e-9)
	assert.Equal(t, map[string]float64{"AAPL": 187.5, "TTE": 61.2}, cfg.Broker.Paper.Prices)
	assert.Equal(t, "s3cret", cfg.API.APIKey)
}

// TestLoadEnvOverride tests nested keys can be overridden from the environment
func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EQUITYFUNK_AUTOTRADER_MIN_WARMUP", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.AutoTrader.MinWarmup)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid environment",
			mutate:    func(c *Config) { c.App.Environment = "qa" },
			wantField: "app.environment",
		},
		{
			name:      "unknown broker kind",
			mutate:    func(c *Config) { c.Broker.Kind = "ib" },
			wantField: "broker.kind",
		},
		{
			name:      "binance without credentials",
			mutate:    func(c *Config) { c.Broker.Kind = "binance" },
			wantField: "broker.api_key",
		},
		{
			name:      "negative paper slippage",
			mutate:    func(c *Config) { c.Broker.Paper.Slippage = -0.1 },
			wantField: "broker.paper.slippage",
		},
		{
			name:      "non-positive seed price",
			mutate:    func(c *Config) { c.Broker.Paper.Prices = map[string]float64{"AAPL": 0} },
			wantField: "broker.paper.prices",
		},
		{
			name:      "no currencies",
			mutate:    func(c *Config) { c.Broker.Currencies = nil },
			wantField: "broker.currencies",
		},
		{
			name:      "warmup larger than buffer",
			mutate:    func(c *Config) { c.AutoTrader.MinWarmup = 500 },
			wantField: "autotrader.min_warmup",
		},
		{
			name:      "zero retry attempts",
			mutate:    func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantField: "retry.max_attempts",
		},
		{
			name:      "database url skips discrete checks",
			mutate:    func(c *Config) { c.Database = DatabaseConfig{URL: "postgres://localhost/db"} },
			wantField: "",
		},
		{
			name:      "metrics port clash",
			mutate:    func(c *Config) { c.Monitoring.PrometheusPort = c.API.Port },
			wantField: "monitoring.prometheus_port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)

			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "first"},
		{Field: "b", Message: "second"},
	}
	msg := errs.Error()
	assert.Contains(t, msg, "2 error(s)")
	assert.Contains(t, msg, "1. a: first")
	assert.Contains(t, msg, "2. b: second")
	assert.Empty(t, ValidationErrors{}.Error())
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=d sslmode=disable", c.GetDSN())

	c.URL = "postgres://x"
	assert.Equal(t, "postgres://x", c.GetDSN())
}

func TestInitLoggerFallsBackToInfo(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	InitLogger(AppConfig{Name: "EquityFunk", Environment: "development", LogLevel: "verbose"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	InitLogger(AppConfig{LogLevel: "DEBUG", LogFormat: "console"})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
