package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment variable override, e.g.
	// HWAGG_AGGREGATION_BATCH_SIZE.
	EnvPrefix = "HWAGG"

	// DriverSQLite selects the embedded SQLite database.
	DriverSQLite = "sqlite"

	// DriverPostgres selects a PostgreSQL database.
	DriverPostgres = "postgres"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDriver is the default database driver.
	DefaultDriver = DriverSQLite

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "hwaggregator.db"

	// DefaultBatchSize is the default number of pending tests per page.
	DefaultBatchSize = 1000

	// DefaultInterval is how long loop mode sleeps after an idle sweep.
	DefaultInterval = 60 * time.Second

	// DefaultMetricsListen is the default metrics server address.
	DefaultMetricsListen = ":9090"

	redacted = "********"
)

// Config is the root configuration for the aggregator.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Aggregation AggregationConfig `yaml:"aggregation" mapstructure:"aggregation"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// AggregationConfig configures the pending-queue scheduler.
type AggregationConfig struct {
	BatchSize int           `yaml:"batch_size" mapstructure:"batch_size"`
	Loop      bool          `yaml:"loop" mapstructure:"loop"`
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`

	// PendingTTL expires pending rows whose dependencies never arrived.
	// Zero keeps them forever.
	PendingTTL time.Duration `yaml:"pending_ttl,omitempty" mapstructure:"pending_ttl"`

	// MaxCyclesPerSecond paces back-to-back cycles in loop mode. Zero
	// disables pacing.
	MaxCyclesPerSecond float64 `yaml:"max_cycles_per_second,omitempty" mapstructure:"max_cycles_per_second"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// Load reads the configuration file at path (optional, may be empty),
// applies HWAGG_* environment overrides and fills in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can see it even when the
	// file omits the section.
	setDefaults(v)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("database.driver", DefaultDriver)
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "kernelci")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("aggregation.batch_size", DefaultBatchSize)
	v.SetDefault("aggregation.loop", false)
	v.SetDefault("aggregation.interval", DefaultInterval.String())
	v.SetDefault("aggregation.pending_ttl", "0s")
	v.SetDefault("aggregation.max_cycles_per_second", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
}

// applyDefaults sets default values for options left empty by the file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}

	if c.Database.Driver == DriverSQLite && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Aggregation.BatchSize == 0 {
		c.Aggregation.BatchSize = DefaultBatchSize
	}

	if c.Aggregation.Interval == 0 {
		c.Aggregation.Interval = DefaultInterval
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("aggregation.batch_size must be a positive integer, got %d",
			c.Aggregation.BatchSize)
	}

	if c.Aggregation.Interval <= 0 {
		return fmt.Errorf("aggregation.interval must be positive, got %s",
			c.Aggregation.Interval)
	}

	if c.Aggregation.PendingTTL < 0 {
		return fmt.Errorf("aggregation.pending_ttl must not be negative")
	}

	if c.Aggregation.MaxCyclesPerSecond < 0 {
		return fmt.Errorf("aggregation.max_cycles_per_second must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// Redacted returns the effective configuration as YAML with secrets masked.
func (c *Config) Redacted() ([]byte, error) {
	clone := *c
	if clone.Database.Postgres.Password != "" {
		clone.Database.Postgres.Password = redacted
	}

	out, err := yaml.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}

	return out, nil
}
