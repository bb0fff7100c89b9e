package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// ServerConfig configures the REST API server.
type ServerConfig struct {
	Port              string        `envconfig:"PORT" default:"8080"`
	Host              string        `envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"MAX_HEADER_BYTES" default:"524288" validate:"min=1"` // 512KB

	// Security
	APIKeyHash string `envconfig:"API_KEY_HASH"`
	TLSEnabled bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCert    string `envconfig:"TLS_CERT_FILE"`
	TLSKey     string `envconfig:"TLS_KEY_FILE"`
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// AuthEnabled reports whether staff requests must present an API key.
func (c *ServerConfig) AuthEnabled() bool {
	return c.APIKeyHash != ""
}

// Validate checks the listener and, in production, requires both API key
// authentication and TLS since the API serves participant data.
func (c *ServerConfig) Validate(environment string) error {
	if err := validateHost(c.Host, "server"); err != nil {
		return err
	}
	if err := validatePort(c.Port, "server"); err != nil {
		return err
	}

	if c.AuthEnabled() {
		if err := validateSHA256Hash(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid API key hash: %w", err)
		}
	}
	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("TLS enabled but cert or key file not specified")
	}

	if environment != EnvironmentProduction {
		return nil
	}
	switch {
	case !c.AuthEnabled():
		return fmt.Errorf("API key hash is required in production environment")
	case !c.TLSEnabled:
		return fmt.Errorf("TLS must be enabled in production environment")
	}
	return nil
}

// validateSHA256Hash accepts exactly 32 bytes of hex.
func validateSHA256Hash(hash string) error {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	if len(raw) != sha256.Size {
		return fmt.Errorf("SHA-256 hash must be 64 characters, got %d", len(hash))
	}
	return nil
}
