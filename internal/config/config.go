package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// URL builds a pgx connection string from the configured fields.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig contains Redis settings for the snapshot cache
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ExchangeConfig contains exchange API settings
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	DryRun         bool          `mapstructure:"dry_run"`
}

// TelegramConfig contains the notifier settings. The notifier is enabled only
// when the app environment matches ProductionEnv, ChatID matches
// ProductionChatID, and BotToken is present (the kill switch).
type TelegramConfig struct {
	BotToken         string `mapstructure:"bot_token"`
	ChatID           int64  `mapstructure:"chat_id"`
	ProductionChatID int64  `mapstructure:"production_chat_id"`
	ProductionEnv    string `mapstructure:"production_env"`
}

// TradingConfig contains pipeline-level trading limits
type TradingConfig struct {
	MaxOpenTrades    int           `mapstructure:"max_open_trades"`     // per-symbol/base cap on open TP orders
	OpenTradeScope   string        `mapstructure:"open_trade_scope"`    // "base" or "symbol"
	RecentOrderGap   time.Duration `mapstructure:"recent_order_gap"`    // cooldown after any order for same base
	PortfolioCapUSD  float64       `mapstructure:"portfolio_cap_usd"`   // max total open notional
	FillPollWindow   time.Duration `mapstructure:"fill_poll_window"`    // how long to poll for entry fill
	FillPollInterval time.Duration `mapstructure:"fill_poll_interval"`  // step between fill polls
	InstrumentTTL    time.Duration `mapstructure:"instrument_ttl"`      // instrument metadata cache TTL
	StrategiesPath   string        `mapstructure:"strategies_path"`     // strategy-rules YAML document
}

// MonitorConfig contains loop cadences and the run-lock id
type MonitorConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RunLockID         int64         `mapstructure:"run_lock_id"`
}

// MonitoringConfig contains metrics settings
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
	v.SetEnvPrefix("COINPILOT")

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
	v.SetDefault("app.name", "coinpilot")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "coinpilot")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("exchange.base_url", "https://api.exchange.example.com/v1")
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.requests_per_sec", 10.0)
	v.SetDefault("exchange.dry_run", false)

	v.SetDefault("telegram.production_env", "production")

	v.SetDefault("trading.max_open_trades", 3)
	v.SetDefault("trading.open_trade_scope", "base")
	v.SetDefault("trading.recent_order_gap", 5*time.Minute)
	v.SetDefault("trading.portfolio_cap_usd", 10000.0)
	v.SetDefault("trading.fill_poll_window", 30*time.Second)
	v.SetDefault("trading.fill_poll_interval", 2*time.Second)
	v.SetDefault("trading.instrument_ttl", time.Hour)
	v.SetDefault("trading.strategies_path", "./configs/strategies.yaml")

	v.SetDefault("monitor.tick_interval", 30*time.Second)
	v.SetDefault("monitor.reconcile_interval", 15*time.Second)
	v.SetDefault("monitor.run_lock_id", 7342001)

	v.SetDefault("monitoring.prometheus_port", 9091)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks that the loaded configuration is coherent
func (c *Config) Validate() error {
	if c.Monitor.TickInterval <= 0 {
		return fmt.Errorf("monitor.tick_interval must be positive")
	}
	if c.Monitor.ReconcileInterval <= 0 {
		return fmt.Errorf("monitor.reconcile_interval must be positive")
	}
	if c.Monitor.RunLockID == 0 {
		return fmt.Errorf("monitor.run_lock_id must be set")
	}
	if c.Trading.MaxOpenTrades < 1 {
		return fmt.Errorf("trading.max_open_trades must be at least 1")
	}
	switch c.Trading.OpenTradeScope {
	case "base", "symbol":
	default:
		return fmt.Errorf("trading.open_trade_scope must be \"base\" or \"symbol\", got %q", c.Trading.OpenTradeScope)
	}
	if c.Trading.FillPollInterval <= 0 || c.Trading.FillPollWindow < c.Trading.FillPollInterval {
		return fmt.Errorf("trading fill poll window/interval are inconsistent")
	}
	if c.Exchange.RequestTimeout <= 0 {
		return fmt.Errorf("exchange.request_timeout must be positive")
	}
	return nil
}
