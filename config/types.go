package config

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	Backend string `toml:"Backend"`
}

// JournalConfig configures the notification journal database.
type JournalConfig struct {
	Driver     string `toml:"Driver"`
	DSN        string `toml:"DSN"`
	BufferSize int    `toml:"BufferSize"`
}

// IdempotencyConfig configures the Idempotency-Key response cache.
type IdempotencyConfig struct {
	Path       string `toml:"Path"`
	TTLSeconds int64  `toml:"TTLSeconds"`
}

// AuthConfig configures bearer token verification. When Enabled is false the
// caller identity is read from the X-Caller header.
type AuthConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Secret   string `toml:"Secret"`
	Issuer   string `toml:"Issuer"`
	Audience string `toml:"Audience"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"RequestsPerMinute"`
	Burst             int `toml:"Burst"`
}

// KeeperConfig drives the deadline sweeper.
type KeeperConfig struct {
	Enabled         bool   `toml:"Enabled"`
	IntervalSeconds int64  `toml:"IntervalSeconds"`
	Identity        string `toml:"Identity"`
}

// TelemetryConfig mirrors the OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}
