package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Flags holds command-line values and which of them were set.
type Flags struct {
	Config string
	DB     string
	Room   string
	User   string
	Set    map[string]bool
}

// EnvResult reports what ParseConfigEnvs found.
type EnvResult struct {
	EnvUsed bool
}

// EffectiveConfigResult is the config a command runs with.
type EffectiveConfigResult struct {
	Config *Config
	Source string // "flags", "config", or "env"
}

// ParseConfigFile loads the config file named by flags or the environment.
// A missing file is not an error; found reports whether one was read.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	if cfgPath == "" {
		return &Config{}, false, nil
	}
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs builds a Config from FEEDSYNC_* variables. Malformed
// numeric values are ignored.
func ParseConfigEnvs() (*Config, EnvResult) {
	envs := map[string]string{
		"USER_ID":      os.Getenv("FEEDSYNC_USER_ID"),
		"DISPLAY_NAME": os.Getenv("FEEDSYNC_DISPLAY_NAME"),
		"AVATAR_URL":   os.Getenv("FEEDSYNC_AVATAR_URL"),
		"SIGNING_KEYS": os.Getenv("FEEDSYNC_SIGNING_KEYS"),
		"SIGNATURE":    os.Getenv("FEEDSYNC_USER_SIGNATURE"),

		"DB_PATH":          os.Getenv("FEEDSYNC_DB_PATH"),
		"STORE_SYNC":       os.Getenv("FEEDSYNC_STORE_SYNC"),
		"STORE_CACHE_SIZE": os.Getenv("FEEDSYNC_STORE_CACHE_SIZE"),

		"ROOM":            os.Getenv("FEEDSYNC_ROOM"),
		"PAGE_SIZE":       os.Getenv("FEEDSYNC_PAGE_SIZE"),
		"MAX_BODY_LENGTH": os.Getenv("FEEDSYNC_MAX_BODY_LENGTH"),

		"RETRY_ATTEMPTS": os.Getenv("FEEDSYNC_RETRY_ATTEMPTS"),
		"RETRY_DELAY":    os.Getenv("FEEDSYNC_RETRY_DELAY"),

		"PRESENCE_HEARTBEAT":        os.Getenv("FEEDSYNC_PRESENCE_HEARTBEAT"),
		"PRESENCE_STALE_AFTER":      os.Getenv("FEEDSYNC_PRESENCE_STALE_AFTER"),
		"PRESENCE_REFRESH_DEBOUNCE": os.Getenv("FEEDSYNC_PRESENCE_REFRESH_DEBOUNCE"),

		"TYPING_AUTO_CLEAR":     os.Getenv("FEEDSYNC_TYPING_AUTO_CLEAR"),
		"TYPING_EXPIRY":         os.Getenv("FEEDSYNC_TYPING_EXPIRY"),
		"TYPING_REFRESH_PERIOD": os.Getenv("FEEDSYNC_TYPING_REFRESH_PERIOD"),

		"NOTIFY_CAPACITY": os.Getenv("FEEDSYNC_NOTIFY_CAPACITY"),

		"PROFILE_CAPACITY": os.Getenv("FEEDSYNC_PROFILE_CAPACITY"),
		"PROFILE_ENDPOINT": os.Getenv("FEEDSYNC_PROFILE_ENDPOINT"),
		"PROFILE_TIMEOUT":  os.Getenv("FEEDSYNC_PROFILE_TIMEOUT"),

		"PUSH_ENDPOINT": os.Getenv("FEEDSYNC_PUSH_ENDPOINT"),
		"PUSH_TOKEN":    os.Getenv("FEEDSYNC_PUSH_TOKEN"),
		"PUSH_TIMEOUT":  os.Getenv("FEEDSYNC_PUSH_TIMEOUT"),

		"RETENTION_ENABLED":  os.Getenv("FEEDSYNC_RETENTION_ENABLED"),
		"RETENTION_CRON":     os.Getenv("FEEDSYNC_RETENTION_CRON"),
		"RETENTION_PERIOD":   os.Getenv("FEEDSYNC_RETENTION_PERIOD"),
		"RETENTION_DRY_RUN":  os.Getenv("FEEDSYNC_RETENTION_DRY_RUN"),
		"RETENTION_LOCK_TTL": os.Getenv("FEEDSYNC_RETENTION_LOCK_TTL"),

		"DEBUG_ADDR":           os.Getenv("FEEDSYNC_DEBUG_ADDR"),
		"DEBUG_SLOW_THRESHOLD": os.Getenv("FEEDSYNC_DEBUG_SLOW_THRESHOLD"),

		"LOG_LEVEL": os.Getenv("FEEDSYNC_LOG_LEVEL"),
		"AUDIT_DIR": os.Getenv("FEEDSYNC_AUDIT_DIR"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}

	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}
	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}
	parseInt := func(v string, dst *int) {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
	parseDur := func(v string, dst *Duration) {
		if d, err := parseDuration(v); err == nil {
			*dst = d
		}
	}

	envCfg.Identity.UserID = strings.TrimSpace(envs["USER_ID"])
	envCfg.Identity.DisplayName = envs["DISPLAY_NAME"]
	envCfg.Identity.AvatarURL = envs["AVATAR_URL"]
	envCfg.Identity.SigningKeys = parseList(envs["SIGNING_KEYS"])
	envCfg.Identity.Signature = envs["SIGNATURE"]

	envCfg.Store.Path = envs["DB_PATH"]
	if v := envs["STORE_SYNC"]; v != "" {
		envCfg.Store.Sync = parseBool(v)
	}
	if v := envs["STORE_CACHE_SIZE"]; v != "" {
		if s, err := parseSize(v); err == nil {
			envCfg.Store.CacheSize = s
		}
	}

	envCfg.Feed.Room = strings.TrimSpace(envs["ROOM"])
	if v := envs["PAGE_SIZE"]; v != "" {
		parseInt(v, &envCfg.Feed.PageSize)
	}
	if v := envs["MAX_BODY_LENGTH"]; v != "" {
		parseInt(v, &envCfg.Feed.MaxBodyLength)
	}

	if v := envs["RETRY_ATTEMPTS"]; v != "" {
		parseInt(v, &envCfg.Retry.Attempts)
	}
	parseDur(envs["RETRY_DELAY"], &envCfg.Retry.Delay)

	parseDur(envs["PRESENCE_HEARTBEAT"], &envCfg.Presence.Heartbeat)
	parseDur(envs["PRESENCE_STALE_AFTER"], &envCfg.Presence.StaleAfter)
	parseDur(envs["PRESENCE_REFRESH_DEBOUNCE"], &envCfg.Presence.RefreshDebounce)

	parseDur(envs["TYPING_AUTO_CLEAR"], &envCfg.Typing.AutoClear)
	parseDur(envs["TYPING_EXPIRY"], &envCfg.Typing.Expiry)
	parseDur(envs["TYPING_REFRESH_PERIOD"], &envCfg.Typing.RefreshPeriod)

	if v := envs["NOTIFY_CAPACITY"]; v != "" {
		parseInt(v, &envCfg.Notify.Capacity)
	}

	if v := envs["PROFILE_CAPACITY"]; v != "" {
		parseInt(v, &envCfg.Profile.Capacity)
	}
	envCfg.Profile.Endpoint = envs["PROFILE_ENDPOINT"]
	parseDur(envs["PROFILE_TIMEOUT"], &envCfg.Profile.Timeout)

	envCfg.Push.Endpoint = envs["PUSH_ENDPOINT"]
	envCfg.Push.Token = envs["PUSH_TOKEN"]
	parseDur(envs["PUSH_TIMEOUT"], &envCfg.Push.Timeout)

	if v := envs["RETENTION_ENABLED"]; v != "" {
		envCfg.Retention.Enabled = parseBool(v)
	}
	envCfg.Retention.Cron = envs["RETENTION_CRON"]
	envCfg.Retention.Period = envs["RETENTION_PERIOD"]
	if v := envs["RETENTION_DRY_RUN"]; v != "" {
		envCfg.Retention.DryRun = parseBool(v)
	}
	parseDur(envs["RETENTION_LOCK_TTL"], &envCfg.Retention.LockTTL)

	envCfg.Debug.Addr = envs["DEBUG_ADDR"]
	parseDur(envs["DEBUG_SLOW_THRESHOLD"], &envCfg.Debug.SlowThreshold)

	envCfg.Logging.Level = strings.TrimSpace(envs["LOG_LEVEL"])
	envCfg.Logging.AuditDir = envs["AUDIT_DIR"]

	return envCfg, EnvResult{EnvUsed: envUsed}
}

// LoadEffectiveConfig picks one source: the config file when --config is
// set or a file was found, otherwise the environment. Flags set on the
// command line then override the identity, room and store path.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	switch {
	case flags.Set["config"] && !fileExists:
		return res, fmt.Errorf("config file %s not found", flags.Config)
	case fileExists:
		res.Config = fileCfg
		res.Source = "config"
	default:
		res.Config = envCfg
		res.Source = "env"
	}

	overridden := false
	if flags.Set["db"] {
		res.Config.Store.Path = flags.DB
		overridden = true
	}
	if flags.Set["room"] {
		res.Config.Feed.Room = flags.Room
		overridden = true
	}
	if flags.Set["user"] {
		res.Config.Identity.UserID = flags.User
		overridden = true
	}
	if overridden {
		res.Source = "flags"
	}
	return res, nil
}
