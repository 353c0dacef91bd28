package am

import "time"

// Config represents the blocksync configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Sync         SyncConfig         `mapstructure:"sync" toml:"sync" json:"sync" yaml:"sync"`
	Coordination CoordinationConfig `mapstructure:"coordination" toml:"coordination" json:"coordination" yaml:"coordination"`
	Remote       RemoteConfig       `mapstructure:"remote" toml:"remote" json:"remote" yaml:"remote"`
	Server       ServerConfig       `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Log          LogConfig          `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// DatabaseConfig configures the local SQLite file
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// SyncConfig configures the transaction queue and its sync loop
type SyncConfig struct {
	IntervalMS       int  `mapstructure:"interval_ms" toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	BatchSize        int  `mapstructure:"batch_size" toml:"batch_size" json:"batch_size" yaml:"batch_size"`
	MaxRetries       int  `mapstructure:"max_retries" toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	RetryDelayBaseMS int  `mapstructure:"retry_delay_base_ms" toml:"retry_delay_base_ms" json:"retry_delay_base_ms" yaml:"retry_delay_base_ms"`
	MaxRetryDelayMS  int  `mapstructure:"max_retry_delay_ms" toml:"max_retry_delay_ms" json:"max_retry_delay_ms" yaml:"max_retry_delay_ms"`
	AutoRollback     bool `mapstructure:"auto_rollback" toml:"auto_rollback" json:"auto_rollback" yaml:"auto_rollback"`
	// RetentionDays is how long completed transactions are kept (0 = forever)
	RetentionDays int `mapstructure:"retention_days" toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// CoordinationConfig configures leader election between agents
type CoordinationConfig struct {
	HubURL              string `mapstructure:"hub_url" toml:"hub_url" json:"hub_url" yaml:"hub_url"` // empty = single agent
	AgentID             string `mapstructure:"agent_id" toml:"agent_id" json:"agent_id" yaml:"agent_id"`
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms" toml:"heartbeat_interval_ms" json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	LeaderTimeoutMS     int    `mapstructure:"leader_timeout_ms" toml:"leader_timeout_ms" json:"leader_timeout_ms" yaml:"leader_timeout_ms"`
	IntentBuffer        int    `mapstructure:"intent_buffer" toml:"intent_buffer" json:"intent_buffer" yaml:"intent_buffer"`
}

// RemoteConfig configures the authoritative backend
type RemoteConfig struct {
	BaseURL            string  `mapstructure:"base_url" toml:"base_url" json:"base_url" yaml:"base_url"`
	Token              string  `mapstructure:"token" toml:"token,omitempty" json:"-" yaml:"-"`
	TimeoutSeconds     int     `mapstructure:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second" toml:"rate_limit_per_second" json:"rate_limit_per_second" yaml:"rate_limit_per_second"` // 0 = unlimited
	Burst              int     `mapstructure:"burst" toml:"burst" json:"burst" yaml:"burst"`
	MaxRetries         int     `mapstructure:"max_retries" toml:"max_retries" json:"max_retries" yaml:"max_retries"`
}

// ServerConfig configures the coordination hub server
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port" json:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
	// DevBackend mounts an in-memory backend under /api for local testing
	DevBackend bool `mapstructure:"dev_backend" toml:"dev_backend" json:"dev_backend" yaml:"dev_backend"`
}

// LogConfig configures logging sinks
type LogConfig struct {
	JSON       bool   `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
	File       string `mapstructure:"file" toml:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// Server port constants
const (
	DefaultServerPort  = 8787
	FallbackServerPort = 18787
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// Interval is the pause between sync passes.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// RetryDelayBase is the first backoff step.
func (s SyncConfig) RetryDelayBase() time.Duration {
	return time.Duration(s.RetryDelayBaseMS) * time.Millisecond
}

// MaxRetryDelay caps the backoff.
func (s SyncConfig) MaxRetryDelay() time.Duration {
	return time.Duration(s.MaxRetryDelayMS) * time.Millisecond
}

// HeartbeatInterval is how often agents heartbeat.
func (c CoordinationConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// LeaderTimeout is how long a silent leader keeps its role.
func (c CoordinationConfig) LeaderTimeout() time.Duration {
	return time.Duration(c.LeaderTimeoutMS) * time.Millisecond
}

// Timeout is the per-request timeout.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}
