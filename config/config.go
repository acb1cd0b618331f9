package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override secrets in the file.
const (
	EnvAuthSecret = "LENDHELPER_AUTH_SECRET"
	EnvDSN        = "LENDHELPER_DB_DSN"
)

type Config struct {
	ListenAddress string      `toml:"ListenAddress"`
	DataDir       string      `toml:"DataDir"`
	GenesisFile   string      `toml:"GenesisFile"`
	Environment   string      `toml:"Environment"`
	Server        Server      `toml:"server"`
	Auth          Auth        `toml:"auth"`
	RateLimit     RateLimit   `toml:"rate_limit"`
	Receipts      Receipts    `toml:"receipts"`
	Idempotency   Idempotency `toml:"idempotency"`
	Logging       Logging     `toml:"logging"`
	Telemetry     Telemetry   `toml:"telemetry"`
	Pauses        Pauses      `toml:"pauses"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	cfg.applyEnv()
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used for a fresh data directory.
func Default() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:8480",
		DataDir:       "./lendhelper-data",
		GenesisFile:   "genesis.yaml",
		Environment:   "local",
		Server: Server{
			MaxConnections:    256,
			ReadHeaderTimeout: Duration{5 * time.Second},
			ReadTimeout:       Duration{15 * time.Second},
			WriteTimeout:      Duration{15 * time.Second},
			IdleTimeout:       Duration{60 * time.Second},
			ShutdownTimeout:   Duration{10 * time.Second},
			MaxBodyBytes:      1 << 20,
		},
		Auth:        Auth{Issuer: "lendhelper", Audience: "lendhelper-api"},
		RateLimit:   RateLimit{RequestsPerSecond: 20, Burst: 40},
		Receipts:    Receipts{Driver: "sqlite", DSN: "receipts.db"},
		Idempotency: Idempotency{Path: "idempotency.db", TTL: Duration{24 * time.Hour}},
		Logging:     Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Telemetry:   Telemetry{SampleRatio: 1},
	}
}

// Sanitized returns a copy safe to log.
func (c *Config) Sanitized() Config {
	out := *c
	if out.Auth.Secret != "" {
		out.Auth.Secret = "[REDACTED]"
	}
	if out.Receipts.Driver == "postgres" && out.Receipts.DSN != "" {
		out.Receipts.DSN = "[REDACTED]"
	}
	if out.Telemetry.Headers != "" {
		out.Telemetry.Headers = "[REDACTED]"
	}
	return out
}

func (c *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv(EnvAuthSecret)); secret != "" {
		c.Auth.Secret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDSN)); dsn != "" {
		c.Receipts.DSN = dsn
	}
}

// resolvePaths anchors relative data paths under DataDir, and a relative
// DataDir and GenesisFile next to the config file.
func (c *Config) resolvePaths(configPath string) {
	base := filepath.Dir(configPath)
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(base, c.DataDir)
	}
	if c.GenesisFile != "" && !filepath.IsAbs(c.GenesisFile) {
		c.GenesisFile = filepath.Join(base, c.GenesisFile)
	}
	if c.Idempotency.Path != "" && !filepath.IsAbs(c.Idempotency.Path) {
		c.Idempotency.Path = filepath.Join(c.DataDir, c.Idempotency.Path)
	}
	if c.Receipts.Driver == "sqlite" && c.Receipts.DSN != "" && c.Receipts.DSN != ":memory:" && !filepath.IsAbs(c.Receipts.DSN) {
		c.Receipts.DSN = filepath.Join(c.DataDir, c.Receipts.DSN)
	}
	if c.Logging.File != "" && !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(c.DataDir, c.Logging.File)
	}
}

// LedgerPath is the LevelDB directory holding ledger state.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger")
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
