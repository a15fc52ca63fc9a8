package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Store     StoreConfig     `yaml:"store"`
	Feed      FeedConfig      `yaml:"feed"`
	Retry     RetryConfig     `yaml:"retry"`
	Presence  PresenceConfig  `yaml:"presence"`
	Typing    TypingConfig    `yaml:"typing"`
	Notify    NotifyConfig    `yaml:"notify"`
	Profile   ProfileConfig   `yaml:"profile"`
	Push      PushConfig      `yaml:"push"`
	Retention RetentionConfig `yaml:"retention"`
	Debug     DebugConfig     `yaml:"debug"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IdentityConfig is the user a session acts as.
type IdentityConfig struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	AvatarURL   string `yaml:"avatar_url"`
	// With SigningKeys set the session only starts when Signature is a
	// valid HMAC of UserID under one of them.
	SigningKeys []string `yaml:"signing_keys"`
	Signature   string   `yaml:"signature"`
}

// StoreConfig holds the local pebble store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
	// Sync fsyncs every commit.
	Sync      bool      `yaml:"sync"`
	CacheSize SizeBytes `yaml:"cache_size"`
}

type FeedConfig struct {
	Room          string `yaml:"room"`
	PageSize      int    `yaml:"page_size"`
	MaxBodyLength int    `yaml:"max_body_length"`
}

// RetryConfig is the policy used by the presence and profile writers.
type RetryConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

type PresenceConfig struct {
	Heartbeat       Duration `yaml:"heartbeat"`
	StaleAfter      Duration `yaml:"stale_after"`
	RefreshDebounce Duration `yaml:"refresh_debounce"`
}

type TypingConfig struct {
	AutoClear     Duration `yaml:"auto_clear"`
	Expiry        Duration `yaml:"expiry"`
	RefreshPeriod Duration `yaml:"refresh_period"`
}

type NotifyConfig struct {
	Capacity int `yaml:"capacity"`
}

// ProfileConfig selects the profile source. With an empty Endpoint
// profiles are read from the store.
type ProfileConfig struct {
	Capacity int      `yaml:"capacity"`
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// PushConfig enables push notices for confirmed submissions when Endpoint
// is set.
type PushConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
}

// RetentionConfig holds configuration for the store sweeper.
type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// Period is how long audit entries are kept, e.g. "30d" or "720h".
	Period string `yaml:"period"`
	DryRun bool   `yaml:"dry_run"`
	// LockTTL is the lease held by the process running a sweep.
	LockTTL Duration `yaml:"lock_ttl"`
}

// DebugConfig controls the local inspection server. It is off when Addr
// is empty.
type DebugConfig struct {
	Addr          string   `yaml:"addr"`
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	AuditDir string `yaml:"audit_dir"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration wraps time.Duration for YAML values like "100ms" or plain
// numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
