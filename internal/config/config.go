package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ehr/mpi/internal/hid"
)

type Config struct {
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema        string        `mapstructure:"DB_SCHEMA"`
	HIDWorkerID     int           `mapstructure:"HID_WORKER_ID"`
	HIDPrefix       string        `mapstructure:"HID_PREFIX"`
	HIDCheckDigit   string        `mapstructure:"HID_CHECK_DIGIT"`
	HIDStrategy     string        `mapstructure:"HID_STRATEGY"`
	HIDMaxClockWait time.Duration `mapstructure:"HID_MAX_CLOCK_WAIT"`
	FieldPolicyFile string        `mapstructure:"FIELD_POLICY_FILE"`
	MigrationsDir   string        `mapstructure:"MIGRATIONS_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("HID_WORKER_ID", 0)
	v.SetDefault("HID_PREFIX", hid.DefaultPrefix)
	v.SetDefault("HID_CHECK_DIGIT", hid.SchemeLuhn)
	v.SetDefault("HID_STRATEGY", hid.StrategyPacked)
	v.SetDefault("HID_MAX_CLOCK_WAIT", hid.DefaultMaxClockWait)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DB_SCHEMA")
	v.BindEnv("HID_WORKER_ID")
	v.BindEnv("HID_PREFIX")
	v.BindEnv("HID_CHECK_DIGIT")
	v.BindEnv("HID_STRATEGY")
	v.BindEnv("HID_MAX_CLOCK_WAIT")
	v.BindEnv("FIELD_POLICY_FILE")
	v.BindEnv("MIGRATIONS_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks settings every command depends on. Database settings are
// checked separately by RequireDatabase.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.HIDWorkerID < 0 || c.HIDWorkerID > hid.MaxWorkerID {
		return fmt.Errorf("%w: HID_WORKER_ID must be in [0, %d], got %d", hid.ErrConfiguration, hid.MaxWorkerID, c.HIDWorkerID)
	}
	if strings.TrimSpace(c.HIDPrefix) == "" {
		return fmt.Errorf("%w: HID_PREFIX must not be empty", hid.ErrConfiguration)
	}
	if strings.ContainsAny(c.HIDPrefix, "0123456789") {
		return fmt.Errorf("%w: HID_PREFIX must not contain digits, got %q", hid.ErrConfiguration, c.HIDPrefix)
	}
	if _, err := hid.SchemeByName(c.HIDCheckDigit); err != nil {
		return fmt.Errorf("HID_CHECK_DIGIT: %w", err)
	}
	switch c.HIDStrategy {
	case hid.StrategyPacked, hid.StrategyPool:
	default:
		return fmt.Errorf("%w: HID_STRATEGY must be %q or %q, got %q", hid.ErrConfiguration, hid.StrategyPacked, hid.StrategyPool, c.HIDStrategy)
	}
	if c.HIDMaxClockWait <= 0 {
		return fmt.Errorf("%w: HID_MAX_CLOCK_WAIT must be positive", hid.ErrConfiguration)
	}
	return nil
}

// RequireDatabase is called by commands that open a connection pool.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.DBSchema) == "" {
		return errors.New("DB_SCHEMA must not be empty")
	}
	return nil
}

// HIDSettings projects the identifier settings for hid.NewAllocator.
func (c *Config) HIDSettings() hid.Settings {
	return hid.Settings{
		Strategy:     c.HIDStrategy,
		WorkerID:     c.HIDWorkerID,
		Prefix:       c.HIDPrefix,
		Scheme:       c.HIDCheckDigit,
		MaxClockWait: c.HIDMaxClockWait,
	}
}

// LoadFieldPolicies reads the field_policies map from a YAML, JSON or TOML
// file. An empty path yields no overrides.
func LoadFieldPolicies(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read field policy file %s: %w", path, err)
	}
	if !v.IsSet("field_policies") {
		return nil, fmt.Errorf("field policy file %s has no field_policies section", path)
	}
	return v.GetStringMapString("field_policies"), nil
}
