package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	CoinGecko CoinGeckoConfig `mapstructure:"coingecko"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CoinGeckoConfig holds market-data API configuration
type CoinGeckoConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	VsCurrency     string        `mapstructure:"vs_currency"`
	PerPage        int           `mapstructure:"per_page"`
	Pages          int           `mapstructure:"pages"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// PortfolioConfig holds paper-trading ledger configuration
type PortfolioConfig struct {
	StartingBalance string        `mapstructure:"starting_balance"`
	TradeTimeout    time.Duration `mapstructure:"trade_timeout"`
}

// AlertsConfig holds price alert evaluation configuration
type AlertsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
	QueueSize        int           `mapstructure:"queue_size"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	MaxTrades int           `mapstructure:"max_trades"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("PAPERTRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// CoinGecko defaults
	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.api_key", "")
	v.SetDefault("coingecko.vs_currency", "usd")
	v.SetDefault("coingecko.per_page", 100)
	v.SetDefault("coingecko.pages", 1)
	v.SetDefault("coingecko.poll_interval", "30s")
	v.SetDefault("coingecko.timeout", "15s")
	v.SetDefault("coingecko.max_retries", 3)
	v.SetDefault("coingecko.retry_delay_base", "1s")

	// Portfolio defaults
	v.SetDefault("portfolio.starting_balance", "100000")
	v.SetDefault("portfolio.trade_timeout", "5s")

	// Alerts defaults
	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.evaluate_interval", "30s")
	v.SetDefault("alerts.queue_size", 64)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/papertrade.db")
	v.SetDefault("storage.max_trades", 5000)
	v.SetDefault("storage.timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate CoinGecko config
	if c.CoinGecko.BaseURL == "" {
		return fmt.Errorf("coingecko.base_url is required")
	}
	if c.CoinGecko.VsCurrency == "" {
		return fmt.Errorf("coingecko.vs_currency is required")
	}
	if c.CoinGecko.PerPage < 1 || c.CoinGecko.PerPage > 250 {
		return fmt.Errorf("coingecko.per_page must be between 1 and 250")
	}
	if c.CoinGecko.Pages < 1 || c.CoinGecko.Pages > 10 {
		return fmt.Errorf("coingecko.pages must be between 1 and 10")
	}
	if c.CoinGecko.PollInterval < 5*time.Second {
		return fmt.Errorf("coingecko.poll_interval must be at least 5 seconds")
	}
	if c.CoinGecko.Timeout <= 0 {
		return fmt.Errorf("coingecko.timeout must be positive")
	}
	if c.CoinGecko.MaxRetries < 1 {
		return fmt.Errorf("coingecko.max_retries must be at least 1")
	}

	// Validate Portfolio config
	balance, err := c.Portfolio.Balance()
	if err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("portfolio.starting_balance must not be negative")
	}
	if c.Portfolio.TradeTimeout <= 0 {
		return fmt.Errorf("portfolio.trade_timeout must be positive")
	}

	// Validate Alerts config
	if c.Alerts.Enabled && c.Alerts.EvaluateInterval < 1*time.Second {
		return fmt.Errorf("alerts.evaluate_interval must be at least 1 second")
	}
	if c.Alerts.QueueSize < 1 {
		return fmt.Errorf("alerts.queue_size must be at least 1")
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

	// Validate Storage config
	if c.Storage.MaxTrades < 1 {
		return fmt.Errorf("storage.max_trades must be at least 1")
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("storage.timeout must be positive")
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

// Balance parses the configured starting balance.
func (p PortfolioConfig) Balance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(p.StartingBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("portfolio.starting_balance must be a decimal number: %w", err)
	}
	return d, nil
}
