package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RedisConfig contains Redis connection and pool settings.
// Redis backs the shared rule cache, its invalidation channel and the backfill queue.
type RedisConfig struct {
	// URL (redis:// or rediss://) takes precedence over the individual fields.
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0" validate:"min=0,max=15"`

	// TLSEnabled applies to the host/port form; a rediss URL implies it.
	TLSEnabled bool `envconfig:"TLS_ENABLED" default:"false"`

	PoolSize        int           `envconfig:"POOL_SIZE" default:"50" validate:"min=1"`
	MinIdleConns    int           `envconfig:"MIN_IDLE_CONNS" default:"10" validate:"min=0"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
	PoolTimeout     time.Duration `envconfig:"POOL_TIMEOUT" default:"4s"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0"`
	MinRetryBackoff time.Duration `envconfig:"MIN_RETRY_BACKOFF" default:"8ms"`
	MaxRetryBackoff time.Duration `envconfig:"MAX_RETRY_BACKOFF" default:"512ms"`

	// Startup ping, doubled after each failure.
	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"2s"`
}

// Address returns host:port, or the URL when one is set so go-redis can parse it.
func (c *RedisConfig) Address() string {
	if c.URL != "" {
		return c.URL
	}
	return net.JoinHostPort(c.Host, c.Port)
}

// IsConfigured reports whether a URL or a host and port were supplied.
// Without either, the services run with a process-local cache and queue.
func (c *RedisConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "")
}

// Validate checks the connection settings. In production the shared cache and
// backfill queue carry participant ids, so the link must be authenticated and
// encrypted whichever form the settings take.
func (c *RedisConfig) Validate(environment string) error {
	production := environment == EnvironmentProduction

	if c.URL != "" {
		tls, err := validateRedisURL(c.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if production && !tls {
			return fmt.Errorf("redis URL must use the rediss scheme in production environment")
		}
	} else {
		if err := validateHost(c.Host, "redis"); err != nil {
			return err
		}
		if err := validatePort(c.Port, "redis"); err != nil {
			return err
		}
		if production {
			if c.Password == "" {
				return fmt.Errorf("redis password is required in production environment")
			}
			if err := validatePasswordStrength(c.Password, "redis", environment); err != nil {
				return err
			}
			if !c.TLSEnabled {
				return fmt.Errorf("redis TLS must be enabled in production environment")
			}
		}
	}

	if c.MinIdleConns > c.PoolSize {
		return fmt.Errorf("min_idle_conns (%d) cannot be greater than pool_size (%d)", c.MinIdleConns, c.PoolSize)
	}
	return nil
}

// validateRedisURL checks scheme, host and the optional /<db> path, and
// reports whether the URL selects TLS.
func validateRedisURL(raw string) (tls bool, err error) {
	parsed, err := parseAndValidateURL(raw, []string{"redis", "rediss"})
	if err != nil {
		return false, err
	}

	if db := strings.Trim(parsed.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return false, fmt.Errorf("database number must be a valid integer: %s", db)
		}
		if n < 0 || n > 15 {
			return false, fmt.Errorf("database number must be between 0 and 15, got %d", n)
		}
	}

	return parsed.Scheme == "rediss", nil
}
