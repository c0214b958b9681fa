package config

import (
	"fmt"
	"strings"

	"quorumescrow/crypto"
)

// MinSecretLength is the minimum HMAC secret size accepted when auth is on.
const MinSecretLength = 16

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	switch c.Storage.Backend {
	case "memory", "leveldb", "bolt":
	default:
		return fmt.Errorf("config: Storage.Backend must be memory, leveldb or bolt (got %q)", c.Storage.Backend)
	}
	switch c.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: Journal.Driver must be sqlite or postgres (got %q)", c.Journal.Driver)
	}
	if strings.TrimSpace(c.Journal.DSN) == "" {
		return fmt.Errorf("config: Journal.DSN required for %s", c.Journal.Driver)
	}
	if c.Auth.Enabled && len(strings.TrimSpace(c.Auth.Secret)) < MinSecretLength {
		return fmt.Errorf("config: Auth.Secret must be at least %d characters", MinSecretLength)
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("config: RateLimit.RequestsPerMinute must not be negative")
	}
	if c.Keeper.Enabled {
		if _, err := crypto.ParseAddress(c.Keeper.Identity); err != nil {
			return fmt.Errorf("config: Keeper.Identity: %w", err)
		}
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("config: Telemetry.Endpoint required when exporters are enabled")
	}
	return nil
}
