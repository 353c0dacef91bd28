package am

import (
	"net/url"

	"github.com/teranos/blocksync/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 means default, negative or out of range is invalid
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be within 1-65535, got %d", c.Server.Port)
	}

	if c.Sync.IntervalMS <= 0 {
		return errors.Newf("sync.interval_ms must be > 0, got %d", c.Sync.IntervalMS)
	}
	if c.Sync.BatchSize <= 0 {
		return errors.Newf("sync.batch_size must be > 0, got %d", c.Sync.BatchSize)
	}
	// max_retries: at least one attempt is always made
	if c.Sync.MaxRetries < 1 {
		return errors.Newf("sync.max_retries must be >= 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.RetryDelayBaseMS < 0 {
		return errors.Newf("sync.retry_delay_base_ms must be >= 0, got %d", c.Sync.RetryDelayBaseMS)
	}
	if c.Sync.MaxRetryDelayMS < 0 {
		return errors.Newf("sync.max_retry_delay_ms must be >= 0, got %d", c.Sync.MaxRetryDelayMS)
	}
	if c.Sync.RetentionDays < 0 {
		return errors.Newf("sync.retention_days must be >= 0, got %d", c.Sync.RetentionDays)
	}

	co := c.Coordination
	if co.HeartbeatIntervalMS <= 0 {
		return errors.Newf("coordination.heartbeat_interval_ms must be > 0, got %d", co.HeartbeatIntervalMS)
	}
	// A leader must get at least two heartbeats in before it is presumed dead
	if co.LeaderTimeoutMS <= 2*co.HeartbeatIntervalMS {
		return errors.Newf("coordination.leader_timeout_ms (%d) must exceed twice heartbeat_interval_ms (%d)",
			co.LeaderTimeoutMS, co.HeartbeatIntervalMS)
	}
	if co.IntentBuffer < 0 {
		return errors.Newf("coordination.intent_buffer must be >= 0, got %d", co.IntentBuffer)
	}
	if co.HubURL != "" {
		if err := checkURL("coordination.hub_url", co.HubURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}

	if c.Remote.BaseURL != "" {
		if err := checkURL("remote.base_url", c.Remote.BaseURL, "http", "https"); err != nil {
			return err
		}
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return errors.Newf("remote.timeout_seconds must be > 0, got %d", c.Remote.TimeoutSeconds)
	}
	// Rate limit: 0 = unlimited, negative = invalid
	if c.Remote.RateLimitPerSecond < 0 {
		return errors.Newf("remote.rate_limit_per_second must be >= 0, got %f", c.Remote.RateLimitPerSecond)
	}
	if c.Remote.RateLimitPerSecond > 0 && c.Remote.Burst <= 0 {
		return errors.Newf("remote.burst must be > 0 when rate limiting, got %d", c.Remote.Burst)
	}
	if c.Remote.MaxRetries < 0 {
		return errors.Newf("remote.max_retries must be >= 0, got %d", c.Remote.MaxRetries)
	}

	if c.Log.MaxSizeMB < 0 {
		return errors.Newf("log.max_size_mb must be >= 0, got %d", c.Log.MaxSizeMB)
	}

	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "%s is not a valid URL", key)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return errors.Newf("%s must be an absolute %v URL, got %q", key, schemes, raw)
}
