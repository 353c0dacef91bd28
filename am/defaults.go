package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "blocksync.db")

	// Sync loop defaults
	v.SetDefault("sync.interval_ms", 2000)
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_delay_base_ms", 1000)
	v.SetDefault("sync.max_retry_delay_ms", 300000) // 5 minutes
	v.SetDefault("sync.auto_rollback", false)
	v.SetDefault("sync.retention_days", 7)

	// Coordination defaults
	v.SetDefault("coordination.hub_url", "")
	v.SetDefault("coordination.heartbeat_interval_ms", 1000)
	v.SetDefault("coordination.leader_timeout_ms", 3000)
	v.SetDefault("coordination.intent_buffer", 256)

	// Remote backend defaults
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.rate_limit_per_second", 3.0)
	v.SetDefault("remote.burst", 3)
	v.SetDefault("remote.max_retries", 2)

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.dev_backend", false)

	// Logging defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("remote.token", "BLOCKSYNC_REMOTE_TOKEN")
	v.BindEnv("database.path", "BLOCKSYNC_DATABASE_PATH")
	v.BindEnv("coordination.hub_url", "BLOCKSYNC_HUB_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "blocksync.db"
	}
	return c.Database.Path
}

// GetServerPort returns the hub port, falling back to the default
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// GetServerAllowedOrigins returns the allowed websocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config. The token is never printed.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Sync: {Interval: %dms, Batch: %d}, Hub: %q, Remote: %q}",
		c.Database.Path, c.Sync.IntervalMS, c.Sync.BatchSize, c.Coordination.HubURL, c.Remote.BaseURL)
}
