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
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	AutoTrader AutoTraderConfig `mapstructure:"autotrader"`
	Retry      RetryConfig      `mapstructure:"retry"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	URL      string `mapstructure:"url"` // takes precedence over the discrete fields
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the latest-price cache
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NATSConfig contains NATS settings for lifecycle events
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// BrokerConfig contains brokerage connection settings
type BrokerConfig struct {
	Kind       string   `mapstructure:"kind"` // paper or binance
	Exchange   string   `mapstructure:"exchange"`
	Currencies []string `mapstructure:"currencies"` // tried in order during contract resolution

	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	Testnet   bool   `mapstructure:"testnet"`

	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
	PlaceTimeout   time.Duration `mapstructure:"place_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`

	RateLimit float64 `mapstructure:"rate_limit"` // calls per second
	Burst     int     `mapstructure:"burst"`

	Breaker BreakerConfig `mapstructure:"breaker"`
	Paper   PaperConfig   `mapstructure:"paper"`
}

// PaperConfig seeds the in-process paper broker
type PaperConfig struct {
	Slippage       float64 `mapstructure:"slippage"`
	MaxFillPerStep int64   `mapstructure:"max_fill_per_step"`
	// Prices lists tradable symbols with their opening price
	Prices map[string]float64 `mapstructure:"prices"`
}

// BreakerConfig configures the circuit breaker guarding broker calls
type BreakerConfig struct {
	MinRequests     uint32        `mapstructure:"min_requests"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
	OpenTimeout     time.Duration `mapstructure:"open_timeout"`
	HalfOpenMaxReqs uint32        `mapstructure:"half_open_max_requests"`
	CountInterval   time.Duration `mapstructure:"count_interval"`
}

// ExecutionConfig contains order execution settings
type ExecutionConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	PaperTrade  bool          `mapstructure:"paper_trade"`
}

// ReconcilerConfig contains bulk reconciliation settings
type ReconcilerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AutoTraderConfig contains session runner settings
type AutoTraderConfig struct {
	BufferCapacity    int           `mapstructure:"buffer_capacity"`
	MinWarmup         int           `mapstructure:"min_warmup"`
	StepDivisor       int64         `mapstructure:"step_divisor"` // BUY step is max_position / step_divisor
	DefaultInterval   time.Duration `mapstructure:"default_interval"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	TransientCooldown time.Duration `mapstructure:"transient_cooldown"`
	SessionsFile      string        `mapstructure:"sessions_file"`
	RestoreOnStart    bool          `mapstructure:"restore_on_start"`
}

// RetryConfig configures the retry-on-contention wrapper
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"` // empty disables authentication
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
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

	v.AutomaticEnv()
	v.SetEnvPrefix("EQUITYFUNK")
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

	// Viper lower-cases map keys; symbols are upper case everywhere else
	if len(cfg.Broker.Paper.Prices) > 0 {
		prices := make(map[string]float64, len(cfg.Broker.Paper.Prices))
		for symbol, price := range cfg.Broker.Paper.Prices {
			prices[strings.ToUpper(symbol)] = price
		}
		cfg.Broker.Paper.Prices = prices
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "EquityFunk")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "equityfunk")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "equityfunk")

	v.SetDefault("broker.kind", "paper")
	v.SetDefault("broker.exchange", "SMART")
	v.SetDefault("broker.currencies", []string{"USD", "EUR"})
	v.SetDefault("broker.testnet", true)
	v.SetDefault("broker.resolve_timeout", "5s")
	v.SetDefault("broker.place_timeout", "10s")
	v.SetDefault("broker.call_timeout", "10s")
	v.SetDefault("broker.rate_limit", 10.0)
	v.SetDefault("broker.burst", 5)
	v.SetDefault("broker.breaker.min_requests", 5)
	v.SetDefault("broker.breaker.failure_ratio", 0.6)
	v.SetDefault("broker.breaker.open_timeout", "30s")
	v.SetDefault("broker.breaker.half_open_max_requests", 3)
	v.SetDefault("broker.breaker.count_interval", "10s")
	v.SetDefault("broker.paper.slippage", 0.0)
	v.SetDefault("broker.paper.max_fill_per_step", 0)

	v.SetDefault("execution.settle_delay", "2s")
	v.SetDefault("execution.paper_trade", true)

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", "1m")

	v.SetDefault("autotrader.buffer_capacity", 200)
	v.SetDefault("autotrader.min_warmup", 20)
	v.SetDefault("autotrader.step_divisor", 10)
	v.SetDefault("autotrader.default_interval", "60s")
	v.SetDefault("autotrader.join_timeout", "10s")
	v.SetDefault("autotrader.transient_cooldown", "30s")
	v.SetDefault("autotrader.restore_on_start", true)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "100ms")
	v.SetDefault("retry.max_backoff", "2s")
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
