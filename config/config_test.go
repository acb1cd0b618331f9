package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "0.0.0.0:9000"
DataDir = "/var/lib/lendhelper"
GenesisFile = "/etc/lendhelper/genesis.yaml"
Environment = "staging"

[server]
MaxConnections = 12
ReadTimeout = "3s"
MaxBodyBytes = 4096

[auth]
Secret = "`+testSecret+`"
Issuer = "ops"

[rate_limit]
RequestsPerSecond = 2.5
Burst = 5

[receipts]
Driver = "postgres"
DSN = "postgres://helper@db/receipts"

[idempotency]
TTL = "1h"

[telemetry]
Endpoint = "collector:4318"
Traces = true
SampleRatio = 0.25

[pauses]
Market = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" || cfg.Environment != "staging" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.Server.MaxConnections != 12 || cfg.Server.ReadTimeout.Duration != 3*time.Second {
		t.Fatalf("unexpected server section: %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout.Duration != 15*time.Second {
		t.Fatalf("expected default write timeout, got %s", cfg.Server.WriteTimeout)
	}
	if cfg.RateLimit.RequestsPerSecond != 2.5 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Receipts.DSN != "postgres://helper@db/receipts" {
		t.Fatalf("postgres DSN must not be rewritten, got %q", cfg.Receipts.DSN)
	}
	if cfg.Idempotency.Path != filepath.Join("/var/lib/lendhelper", "idempotency.db") {
		t.Fatalf("unexpected idempotency path %q", cfg.Idempotency.Path)
	}
	if cfg.Idempotency.TTL.Duration != time.Hour || !cfg.Pauses.Market || cfg.Pauses.Helper {
		t.Fatalf("unexpected values: %+v %+v", cfg.Idempotency, cfg.Pauses)
	}
	if cfg.LedgerPath() != filepath.Join("/var/lib/lendhelper", "ledger") {
		t.Fatalf("unexpected ledger path %q", cfg.LedgerPath())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "127.0.0.1:1"
RPCAddress = ":8080"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "RPCAddress") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	t.Setenv(EnvAuthSecret, testSecret)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config persisted: %v", err)
	}
	if cfg.Receipts.Driver != "sqlite" || cfg.Receipts.DSN != filepath.Join(filepath.Dir(path), "lendhelper-data", "receipts.db") {
		t.Fatalf("unexpected receipts config %+v", cfg.Receipts)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), testSecret) {
		t.Fatal("secret from the environment must not be persisted")
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("reload persisted default: %v", err)
	}
}

func TestEnvironmentOverridesSecrets(t *testing.T) {
	override := strings.Repeat("z", MinAuthSecretBytes)
	t.Setenv(EnvAuthSecret, override)
	t.Setenv(EnvDSN, "postgres://override")
	path := writeConfig(t, `ListenAddress = "127.0.0.1:8480"
[auth]
Secret = "`+testSecret+`"
[receipts]
Driver = "postgres"
DSN = "postgres://file"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != override || cfg.Receipts.DSN != "postgres://override" {
		t.Fatalf("environment overrides not applied: %+v %+v", cfg.Auth, cfg.Receipts)
	}
	sanitized := cfg.Sanitized()
	if sanitized.Auth.Secret != "[REDACTED]" || sanitized.Receipts.DSN != "[REDACTED]" {
		t.Fatalf("sanitized config leaks secrets: %+v", sanitized)
	}
	if cfg.Auth.Secret != override {
		t.Fatal("Sanitized must not modify the receiver")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "bad listen address", mutate: func(c *Config) { c.ListenAddress = "nope" }, want: "ListenAddress"},
		{name: "driver", mutate: func(c *Config) { c.Receipts.Driver = "mysql" }, want: "unsupported driver"},
		{name: "burst", mutate: func(c *Config) { c.RateLimit.Burst = 0 }, want: "Burst"},
		{name: "sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 }, want: "SampleRatio"},
		{name: "short secret", mutate: func(c *Config) { c.Auth.Secret = "short" }, want: "at least"},
		{name: "body limit", mutate: func(c *Config) { c.Server.MaxBodyBytes = 0 }, want: "MaxBodyBytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.Secret = testSecret
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	cfg.Auth.Secret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with secret should validate: %v", err)
	}
}
