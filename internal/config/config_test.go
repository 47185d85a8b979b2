package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.Port != "8080" {
		t.Errorf("unexpected defaults: driver=%s port=%s", cfg.DatabaseDriver, cfg.Port)
	}
	if cfg.CatalogCacheTTL != 30*time.Second || cfg.ExpirySweepInterval != 5*time.Minute {
		t.Errorf("durations not decoded: ttl=%s sweep=%s", cfg.CatalogCacheTTL, cfg.ExpirySweepInterval)
	}
	if !cfg.StockCheck {
		t.Error("expected stock check on by default")
	}
	rate, err := cfg.Tax()
	if err != nil || rate.String() != "0.1" {
		t.Errorf("expected default tax 0.1, got %s (%v)", rate, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/rx")
	t.Setenv("TAX_RATE", "0.075")
	t.Setenv("STOCK_CHECK", "false")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StockCheck {
		t.Error("expected STOCK_CHECK=false to apply")
	}
	if rate, _ := cfg.Tax(); rate.String() != "0.075" {
		t.Errorf("expected 0.075, got %s", rate)
	}
	if b := cfg.Brokers(); len(b) != 2 || b[1] != "b:9092" {
		t.Errorf("unexpected brokers %v", b)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PORT=9999\nAPI_KEYS=k1:pharmacy-a,k2:pharmacy-b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("expected port from file, got %s", cfg.Port)
	}
	clients, err := cfg.Clients()
	if err != nil || clients["k2"] != "pharmacy-b" {
		t.Errorf("unexpected clients %v (%v)", clients, err)
	}
}

func TestLoadEnvFileMissingOrMalformed(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "absent.env"))
	if err != nil {
		t.Fatalf("a missing env file should fall back to defaults: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port, got %s", cfg.Port)
	}

	bad := filepath.Join(dir, ".env")
	if err := os.WriteFile(bad, []byte("PORT=9999\nthis line has no separator\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected a malformed env file to be reported")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{DatabaseDriver: DriverSQLite, SQLitePath: "x.db", TaxRate: "0.10", LogLevel: "info", TraceSampleRate: 1}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }},
		{"postgres without url", func(c *Config) { c.DatabaseDriver = DriverPostgres }},
		{"tax not decimal", func(c *Config) { c.TaxRate = "ten" }},
		{"tax negative", func(c *Config) { c.TaxRate = "-0.1" }},
		{"tax one", func(c *Config) { c.TaxRate = "1" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad api keys", func(c *Config) { c.APIKeys = "nocolon" }},
		{"sample rate", func(c *Config) { c.TraceSampleRate = 2 }},
		{"production without auth", func(c *Config) { c.Env = "production" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	c := base()
	if err := c.Validate(); err != nil {
		t.Errorf("base config should validate: %v", err)
	}
}
