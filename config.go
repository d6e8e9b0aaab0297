package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jbelanger/exitbook/providers"
	"github.com/jbelanger/exitbook/ratelimit"
)

// Config is the application configuration.
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthPort int    `yaml:"health_port"`
	} `yaml:"service"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"postgres"`

	Providers struct {
		// Per-blockchain provider selection and tuning.
		Blockchains map[string]providers.FactoryConfig `yaml:"blockchains"`
		// DedupWindow bounds the streaming dedup LRU; zero selects the
		// built-in default.
		DedupWindow int `yaml:"dedup_window"`
	} `yaml:"providers"`

	RateLimits ratelimit.Limits `yaml:"rate_limits"`

	Kraken struct {
		APIBaseURL string `yaml:"api_base_url"`
	} `yaml:"kraken"`

	Pricing struct {
		FXMissing           string `yaml:"fx_missing"` // prompt or fail
		MaxReportedFailures int    `yaml:"max_reported_failures"`
		FXBaseURL           string `yaml:"fx_base_url"`
		MarketBaseURL       string `yaml:"market_base_url"`
	} `yaml:"pricing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file and applies defaults. A
// missing file yields the defaults alone so the binary runs with env-only
// setup.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Set defaults
	if cfg.Service.Name == "" {
		cfg.Service.Name = "exitbook-ingestion"
	}
	if cfg.Service.HealthPort == 0 {
		cfg.Service.HealthPort = 8088
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = getEnvOrDefault("POSTGRES_DB", "exitbook")
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = getEnvOrDefault("POSTGRES_USER", "postgres")
	}
	if cfg.Postgres.Password == "" {
		cfg.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", "postgres")
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.RateLimits.RequestsPerSecond == 0 {
		cfg.RateLimits.RequestsPerSecond = 5
	}
	if cfg.RateLimits.BurstLimit == 0 {
		cfg.RateLimits.BurstLimit = 5
	}
	if cfg.Kraken.APIBaseURL == "" {
		cfg.Kraken.APIBaseURL = "https://api.kraken.com"
	}
	if cfg.Pricing.FXMissing == "" {
		cfg.Pricing.FXMissing = "prompt"
	}
	if cfg.Pricing.MaxReportedFailures == 0 {
		cfg.Pricing.MaxReportedFailures = 5
	}
	if cfg.Pricing.FXBaseURL == "" {
		cfg.Pricing.FXBaseURL = "https://api.frankfurter.dev"
	}
	if cfg.Pricing.MarketBaseURL == "" {
		cfg.Pricing.MarketBaseURL = "https://api.coingecko.com"
	}

	return &cfg, nil
}

// PostgresDSN returns a connection string for PostgreSQL.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Database,
		c.Postgres.SSLMode,
	)
}

// FactoryConfigFor returns the provider configuration for one blockchain.
func (c *Config) FactoryConfigFor(blockchain string) providers.FactoryConfig {
	return c.Providers.Blockchains[blockchain]
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
