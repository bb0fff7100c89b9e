package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	// DriverPostgres selects the pgx-backed store.
	DriverPostgres = "postgres"
	// DriverSQLite selects the embedded single-node store.
	DriverSQLite = "sqlite"
)

// DatabaseConfig contains the store connection settings.
type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`

	// SQLitePath is the database file used when Driver is sqlite.
	SQLitePath string `envconfig:"SQLITE_PATH" default:"data/surveys.sqlite"`

	// Connection can be specified as a URL or individual components
	URL      string `envconfig:"URL"` // Full connection URL
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Name     string `envconfig:"NAME"`
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`

	// TLS
	SSLMode string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	// Connection Pool
	MaxConns        int           `envconfig:"MAX_CONNS" default:"25" validate:"min=1"`
	MinConns        int           `envconfig:"MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`

	// Ping/connection retry settings
	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`

	// MonitorInterval controls how often pool gauges are sampled.
	MonitorInterval time.Duration `envconfig:"MONITOR_INTERVAL" default:"15s"`

	// AutoMigrate applies pending Postgres migrations at startup. SQLite always migrates on open.
	AutoMigrate bool `envconfig:"AUTO_MIGRATE" default:"false"`
}

// ConnectionString returns URL when set, else a postgres:// URL assembled from
// the components with credentials escaped.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Validate checks the settings of the selected driver. SQLite is a
// single-node development backend and is refused in production.
func (c *DatabaseConfig) Validate(environment string) error {
	if c.Driver == DriverSQLite {
		if environment == EnvironmentProduction {
			return fmt.Errorf("sqlite driver is not supported in production environment")
		}
		return validateNoWhitespace(c.SQLitePath, "sqlite path")
	}

	if err := c.validatePostgres(environment); err != nil {
		return err
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns (%d) cannot be greater than max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *DatabaseConfig) validatePostgres(environment string) error {
	if c.URL != "" {
		if err := validatePostgresURL(c.URL); err != nil {
			return fmt.Errorf("invalid database URL: %w", err)
		}
		return nil
	}

	checks := []func() error{
		func() error { return validateHost(c.Host, "database") },
		func() error { return validatePort(c.Port, "database") },
		func() error { return validateIdentifier(c.Name, "database name") },
		func() error { return validateIdentifier(c.User, "database user") },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	if environment != EnvironmentProduction {
		return nil
	}
	// Participant records must not travel unauthenticated or in clear text.
	if c.Password == "" {
		return fmt.Errorf("database password is required in production environment")
	}
	if err := validatePasswordStrength(c.Password, "database", environment); err != nil {
		return err
	}
	if !isSecureSSLMode(c.SSLMode) {
		return fmt.Errorf("database SSL mode must be 'require', 'verify-ca', or 'verify-full' in production environment")
	}
	return nil
}

// IsConfigured reports whether the selected driver has enough settings to connect.
func (c *DatabaseConfig) IsConfigured() bool {
	switch {
	case c.Driver == DriverSQLite:
		return c.SQLitePath != ""
	case c.URL != "":
		return true
	default:
		return c.Host != "" && c.Port != "" && c.Name != "" && c.User != ""
	}
}

// validatePostgresURL requires a postgres scheme, a user and a database name.
func validatePostgresURL(raw string) error {
	parsed, err := parseAndValidateURL(raw, []string{"postgres", "postgresql"})
	if err != nil {
		return err
	}
	if parsed.User == nil || parsed.User.Username() == "" {
		return fmt.Errorf("user is required in URL")
	}
	if strings.Trim(parsed.Path, "/") == "" {
		return fmt.Errorf("database name is required in URL path")
	}
	return nil
}

// validateIdentifier applies PostgreSQL's 63-byte identifier limit on top of
// the whitespace rule.
func validateIdentifier(value, field string) error {
	if err := validateNoWhitespace(value, field); err != nil {
		return err
	}
	if len(value) > 63 {
		return fmt.Errorf("%s cannot exceed 63 characters", field)
	}
	return nil
}
