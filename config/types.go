package config

import "time"

// Server controls the HTTP listener.
type Server struct {
	MaxConnections    int      `toml:"MaxConnections"`
	ReadHeaderTimeout Duration `toml:"ReadHeaderTimeout"`
	ReadTimeout       Duration `toml:"ReadTimeout"`
	WriteTimeout      Duration `toml:"WriteTimeout"`
	IdleTimeout       Duration `toml:"IdleTimeout"`
	ShutdownTimeout   Duration `toml:"ShutdownTimeout"`
	MaxBodyBytes      int64    `toml:"MaxBodyBytes"`
}

// Auth configures bearer token verification. Secret may be supplied through
// LENDHELPER_AUTH_SECRET instead of the file.
type Auth struct {
	Secret   string `toml:"Secret"`
	Issuer   string `toml:"Issuer"`
	Audience string `toml:"Audience"`
}

// RateLimit bounds requests per caller.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Receipts selects the receipt store. Driver is "sqlite" or "postgres".
type Receipts struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Idempotency configures the replay cache for Idempotency-Key requests.
type Idempotency struct {
	Path string   `toml:"Path"`
	TTL  Duration `toml:"TTL"`
}

// Logging configures the structured log sink. An empty File logs to stdout.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures the OTLP exporters. Telemetry is off when Endpoint is
// empty.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// Pauses lists modules paused at startup.
type Pauses struct {
	Helper bool `toml:"Helper"`
	Market bool `toml:"Market"`
	Token  bool `toml:"Token"`
}

// Duration decodes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
