package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// MinAuthSecretBytes is the shortest HMAC secret accepted for bearer tokens.
const MinAuthSecretBytes = 32

var ErrMissingSecret = errors.New("config: auth secret not set")

// Validate checks the configuration for values the daemon cannot run with.
// A missing auth secret is reported as ErrMissingSecret.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("ListenAddress: %w", err)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must not be empty")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server: MaxConnections must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server: MaxBodyBytes must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit: Burst must be positive when limiting")
	}
	switch c.Receipts.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("receipts: unsupported driver %q", c.Receipts.Driver)
	}
	if strings.TrimSpace(c.Receipts.DSN) == "" {
		return fmt.Errorf("receipts: DSN must not be empty")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	if c.Auth.Secret == "" {
		return ErrMissingSecret
	}
	if len(c.Auth.Secret) < MinAuthSecretBytes {
		return fmt.Errorf("auth: secret must be at least %d bytes", MinAuthSecretBytes)
	}
	return nil
}
