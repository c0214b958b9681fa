package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"quorumescrow/crypto"
)

// Environment variables overriding secret fields of the file.
const (
	EnvAuthSecret = "ESCROWD_AUTH_SECRET"
	EnvJournalDSN = "ESCROWD_JOURNAL_DSN"
)

// Config is the escrowd daemon configuration.
type Config struct {
	ListenAddress string            `toml:"ListenAddress"`
	DataDir       string            `toml:"DataDir"`
	Storage       StorageConfig     `toml:"Storage"`
	Journal       JournalConfig     `toml:"Journal"`
	Idempotency   IdempotencyConfig `toml:"Idempotency"`
	Auth          AuthConfig        `toml:"Auth"`
	RateLimit     RateLimitConfig   `toml:"RateLimit"`
	Keeper        KeeperConfig      `toml:"Keeper"`
	Telemetry     TelemetryConfig   `toml:"Telemetry"`
	Logging       LoggingConfig     `toml:"Logging"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a freshly generated default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		ListenAddress: ":8085",
		DataDir:       "./escrow-data",
		Storage:       StorageConfig{Backend: "leveldb"},
		Journal:       JournalConfig{Driver: "sqlite", BufferSize: 256},
		Idempotency:   IdempotencyConfig{TTLSeconds: 86400},
		Auth:          AuthConfig{Issuer: "escrowd", Audience: "escrow-api"},
		RateLimit:     RateLimitConfig{RequestsPerMinute: 600, Burst: 60},
		Keeper:        KeeperConfig{IntervalSeconds: 30},
		Logging:       LoggingConfig{Env: "local"},
	}
}

func (c *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv(EnvAuthSecret)); secret != "" {
		c.Auth.Secret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvJournalDSN)); dsn != "" {
		c.Journal.DSN = dsn
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	c.Journal.Driver = strings.ToLower(strings.TrimSpace(c.Journal.Driver))
	if c.Journal.Driver == "" {
		c.Journal.Driver = def.Journal.Driver
	}
	if c.Journal.Driver == "sqlite" && strings.TrimSpace(c.Journal.DSN) == "" {
		c.Journal.DSN = filepath.Join(c.DataDir, "journal.db")
	}
	if c.Journal.BufferSize <= 0 {
		c.Journal.BufferSize = def.Journal.BufferSize
	}
	if strings.TrimSpace(c.Idempotency.Path) == "" {
		c.Idempotency.Path = filepath.Join(c.DataDir, "idempotency.db")
	}
	if c.Idempotency.TTLSeconds <= 0 {
		c.Idempotency.TTLSeconds = def.Idempotency.TTLSeconds
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.Keeper.IntervalSeconds <= 0 {
		c.Keeper.IntervalSeconds = def.Keeper.IntervalSeconds
	}
}

// KeeperInterval returns the sweep interval as a duration.
func (c *Config) KeeperInterval() time.Duration {
	return time.Duration(c.Keeper.IntervalSeconds) * time.Second
}

// IdempotencyTTL returns how long cached responses are replayed.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSeconds) * time.Second
}

// createDefault creates and saves a default configuration file with a fresh
// token secret and keeper identity.
func createDefault(path string) (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Auth.Enabled = true
	cfg.Auth.Secret = hex.EncodeToString(secret)
	cfg.Keeper.Enabled = true
	cfg.Keeper.Identity = crypto.FormatAddress(key.Identity())

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
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
