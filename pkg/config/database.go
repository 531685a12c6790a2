package config

import (
	"fmt"
	"strconv"
	"strings"
)

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string               `yaml:"driver" mapstructure:"driver"`
	MaxOpenConns int                  `yaml:"max_open_conns,omitempty" mapstructure:"max_open_conns"`
	SQLite       SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres     PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// dsnEscaper escapes a libpq keyword/value setting inside single quotes.
var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// DSN renders the libpq-style connection string. Values are quoted, so
// passwords may contain spaces, quotes or backslashes. Empty settings are
// left out and fall back to the driver defaults.
func (p *PostgresConfig) DSN() string {
	settings := []struct{ key, value string }{
		{"host", p.Host},
		{"port", ""},
		{"user", p.User},
		{"password", p.Password},
		{"dbname", p.Database},
		{"sslmode", p.SSLMode},
	}

	if p.Port > 0 {
		settings[1].value = strconv.Itoa(p.Port)
	}

	parts := make([]string, 0, len(settings))

	for _, s := range settings {
		if s.value == "" {
			continue
		}

		parts = append(parts, s.key+"='"+dsnEscaper.Replace(s.value)+"'")
	}

	return strings.Join(parts, " ")
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverSQLite:
		if d.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if d.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required for the postgres driver")
		}

		if d.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", d.Driver)
	}

	if d.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns must not be negative")
	}

	return nil
}
