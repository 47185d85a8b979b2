// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	CatalogCacheTTL time.Duration `mapstructure:"CATALOG_CACHE_TTL"`

	KafkaBrokers  string `mapstructure:"KAFKA_BROKERS"`
	EventsTopic   string `mapstructure:"EVENTS_TOPIC"`
	DeliveryTopic string `mapstructure:"DELIVERY_TOPIC"`
	ConsumerGroup string `mapstructure:"CONSUMER_GROUP"`
	Workers       int    `mapstructure:"WORKERS"`

	TaxRate    string `mapstructure:"TAX_RATE"`
	StockCheck bool   `mapstructure:"STOCK_CHECK"`

	APIKeys   string `mapstructure:"API_KEYS"`
	JWTSecret string `mapstructure:"JWT_SECRET"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	ExpirySweepInterval time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	OutboxPollInterval  time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

var defaults = map[string]any{
	"PORT":                  "8080",
	"ENV":                   "development",
	"LOG_LEVEL":             "info",
	"DATABASE_DRIVER":       DriverSQLite,
	"DB_MAX_CONNS":          20,
	"SQLITE_PATH":           "rxfill.db",
	"CATALOG_CACHE_TTL":     "30s",
	"EVENTS_TOPIC":          "prescription.events",
	"DELIVERY_TOPIC":        "delivery.events",
	"CONSUMER_GROUP":        "rxfill-lifecycle",
	"WORKERS":               8,
	"TAX_RATE":              "0.10",
	"STOCK_CHECK":           true,
	"TRACING_ENABLED":       false,
	"OTLP_ENDPOINT":         "localhost:4317",
	"TRACE_SAMPLE_RATE":     1.0,
	"EXPIRY_SWEEP_INTERVAL": "5m",
	"OUTBOX_POLL_INTERVAL":  "100ms",
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "SQLITE_PATH",
	"REDIS_URL", "CATALOG_CACHE_TTL",
	"KAFKA_BROKERS", "EVENTS_TOPIC", "DELIVERY_TOPIC", "CONSUMER_GROUP", "WORKERS",
	"TAX_RATE", "STOCK_CHECK",
	"API_KEYS", "JWT_SECRET",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"EXPIRY_SWEEP_INTERVAL", "OUTBOX_POLL_INTERVAL",
}

// Load reads configuration from the environment, falling back to envFile
// (typically ".env") when present.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if envFile != "" {
		// missing .env is fine; a malformed one is not
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DatabaseDriver)
	}

	if _, err := c.Tax(); err != nil {
		return err
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := c.Clients(); err != nil {
		return err
	}
	if c.Env == "production" && c.JWTSecret == "" && strings.TrimSpace(c.APIKeys) == "" {
		return fmt.Errorf("JWT_SECRET or API_KEYS is required in production")
	}
	return nil
}

// Tax parses TAX_RATE, which must lie in [0,1).
func (c *Config) Tax() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.TaxRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("TAX_RATE is not a decimal: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("TAX_RATE must be within [0,1), got %s", rate)
	}
	return rate, nil
}

// Clients parses API_KEYS, a comma-separated list of key:client pairs.
func (c *Config) Clients() (map[string]string, error) {
	clients := make(map[string]string)
	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		clients[key] = client
	}
	return clients, nil
}

// Brokers splits KAFKA_BROKERS; empty disables messaging.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// NewLogger builds a production zap logger at LOG_LEVEL; development mode
// uses the console encoder.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
