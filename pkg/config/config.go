package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"

	"feedsync/pkg/logger"
)

const (
	defaultStorePath     = "./.feedsync"
	defaultRoom          = "general"
	defaultPageSize      = 50
	defaultMaxBodyLength = 2000

	// Retry defaults
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second

	// Presence and typing defaults
	defaultHeartbeat       = 30 * time.Second
	defaultStaleAfter      = 2 * time.Minute
	defaultRefreshDebounce = time.Second
	defaultTypingAutoClear = 5 * time.Second
	defaultTypingExpiry    = 10 * time.Second
	defaultTypingRefresh   = 2 * time.Second

	defaultNotifyCapacity  = 200
	defaultProfileCapacity = 500
	defaultHTTPTimeout     = 5 * time.Second

	// Retention defaults
	defaultRetentionCron    = "*/5 * * * *"
	defaultRetentionPeriod  = "30d"
	defaultRetentionLockTTL = 300 * time.Second

	defaultSlowThreshold = 200 * time.Millisecond
)

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath returns the config file path, preferring the flag,
// then FEEDSYNC_CONFIG.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("FEEDSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.Feed.Room == "" {
		c.Feed.Room = defaultRoom
	}
	if c.Feed.PageSize <= 0 {
		c.Feed.PageSize = defaultPageSize
	}
	if c.Feed.MaxBodyLength <= 0 {
		c.Feed.MaxBodyLength = defaultMaxBodyLength
	}
	if c.Identity.DisplayName == "" {
		c.Identity.DisplayName = c.Identity.UserID
	}

	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = defaultRetryAttempts
	}
	if c.Retry.Delay.Duration() <= 0 {
		c.Retry.Delay = Duration(defaultRetryDelay)
	}

	if c.Presence.Heartbeat.Duration() <= 0 {
		c.Presence.Heartbeat = Duration(defaultHeartbeat)
	}
	if c.Presence.StaleAfter.Duration() <= 0 {
		c.Presence.StaleAfter = Duration(defaultStaleAfter)
	}
	if c.Presence.RefreshDebounce.Duration() <= 0 {
		c.Presence.RefreshDebounce = Duration(defaultRefreshDebounce)
	}
	if c.Typing.AutoClear.Duration() <= 0 {
		c.Typing.AutoClear = Duration(defaultTypingAutoClear)
	}
	if c.Typing.Expiry.Duration() <= 0 {
		c.Typing.Expiry = Duration(defaultTypingExpiry)
	}
	if c.Typing.RefreshPeriod.Duration() <= 0 {
		c.Typing.RefreshPeriod = Duration(defaultTypingRefresh)
	}

	if c.Notify.Capacity <= 0 {
		c.Notify.Capacity = defaultNotifyCapacity
	}
	if c.Profile.Capacity <= 0 {
		c.Profile.Capacity = defaultProfileCapacity
	}
	if c.Profile.Timeout.Duration() <= 0 {
		c.Profile.Timeout = Duration(defaultHTTPTimeout)
	}
	if c.Push.Timeout.Duration() <= 0 {
		c.Push.Timeout = Duration(defaultHTTPTimeout)
	}

	if c.Retention.Cron == "" {
		c.Retention.Cron = defaultRetentionCron
	}
	if c.Retention.Period == "" {
		c.Retention.Period = defaultRetentionPeriod
	}
	if c.Retention.LockTTL.Duration() <= 0 {
		c.Retention.LockTTL = Duration(defaultRetentionLockTTL)
	}
	if c.Debug.SlowThreshold.Duration() <= 0 {
		c.Debug.SlowThreshold = Duration(defaultSlowThreshold)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ValidateConfig sets defaults and fails fast on values a session cannot
// run with.
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	cfg.ApplyDefaults()

	if strings.TrimSpace(cfg.Identity.UserID) == "" {
		return fmt.Errorf("user id is empty: set --user flag, FEEDSYNC_USER_ID env, or identity.user_id in config")
	}
	if strings.Contains(cfg.Identity.UserID, "/") {
		return fmt.Errorf("invalid user id %q: must not contain '/'", cfg.Identity.UserID)
	}
	if strings.Contains(strings.Trim(cfg.Feed.Room, "/"), "/") {
		return fmt.Errorf("invalid room %q: must not contain '/'", cfg.Feed.Room)
	}
	if cfg.Retry.Attempts > 10 {
		logger.Warn("retry_attempts_capped", "requested", cfg.Retry.Attempts, "capped_to", 10)
		cfg.Retry.Attempts = 10
	}
	if cfg.Typing.AutoClear.Duration() > cfg.Typing.Expiry.Duration() {
		return fmt.Errorf("typing.auto_clear (%s) must not exceed typing.expiry (%s)",
			cfg.Typing.AutoClear.Duration(), cfg.Typing.Expiry.Duration())
	}

	ret := cfg.Retention
	if ret.Enabled {
		if !gronx.New().IsValid(ret.Cron) {
			return fmt.Errorf("invalid retention.cron: not a valid cron expression")
		}
		if _, err := ParsePeriod(ret.Period); err != nil {
			return fmt.Errorf("invalid retention.period: %w", err)
		}
	}
	return nil
}

// ParsePeriod parses a retention period. It accepts Go durations and a
// day suffix, e.g. "30d".
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty period")
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid day period %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("period must be positive: %q", s)
	}
	return d, nil
}
