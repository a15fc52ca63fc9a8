package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
identity:
  user_id: u1
  display_name: Ada
store:
  path: /tmp/feed
  cache_size: 64MB
feed:
  room: lobby
retry:
  delay: 250ms
presence:
  stale_after: 90
retention:
  enabled: true
  cron: "0 3 * * *"
  period: 7d
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	flags := Flags{Config: path, Set: map[string]bool{"config": true}}
	fileCfg, found, err := ParseConfigFile(flags)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, SizeBytes(64_000_000), fileCfg.Store.CacheSize)
	require.Equal(t, 90*time.Second, fileCfg.Presence.StaleAfter.Duration())

	eff, err := LoadEffectiveConfig(flags, fileCfg, found, &Config{}, EnvResult{})
	require.NoError(t, err)
	require.Equal(t, "config", eff.Source)
	require.NoError(t, ValidateConfig(eff))

	cfg := eff.Config
	require.Equal(t, "lobby", cfg.Feed.Room)
	require.Equal(t, 3, cfg.Retry.Attempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.Delay.Duration())
	require.Equal(t, 10*time.Second, cfg.Typing.Expiry.Duration())
	require.Equal(t, 5*time.Second, cfg.Typing.AutoClear.Duration())
}

func TestMissingConfigFlagFile(t *testing.T) {
	flags := Flags{Config: filepath.Join(t.TempDir(), "nope.yaml"), Set: map[string]bool{"config": true}}
	fileCfg, found, err := ParseConfigFile(flags)
	require.NoError(t, err)
	require.False(t, found)
	_, err = LoadEffectiveConfig(flags, fileCfg, found, &Config{}, EnvResult{})
	require.Error(t, err)
}

func TestEnvAndFlagOverrides(t *testing.T) {
	t.Setenv("FEEDSYNC_USER_ID", "env-user")
	t.Setenv("FEEDSYNC_ROOM", "env-room")
	t.Setenv("FEEDSYNC_RETRY_ATTEMPTS", "5")
	t.Setenv("FEEDSYNC_TYPING_EXPIRY", "15s")
	t.Setenv("FEEDSYNC_STORE_SYNC", "yes")

	envCfg, envRes := ParseConfigEnvs()
	require.True(t, envRes.EnvUsed)
	require.Equal(t, 5, envCfg.Retry.Attempts)
	require.True(t, envCfg.Store.Sync)

	flags := Flags{User: "flag-user", Set: map[string]bool{"user": true}}
	eff, err := LoadEffectiveConfig(flags, &Config{}, false, envCfg, envRes)
	require.NoError(t, err)
	require.Equal(t, "flags", eff.Source)
	require.NoError(t, ValidateConfig(eff))
	require.Equal(t, "flag-user", eff.Config.Identity.UserID)
	require.Equal(t, "flag-user", eff.Config.Identity.DisplayName)
	require.Equal(t, "env-room", eff.Config.Feed.Room)
	require.Equal(t, 15*time.Second, eff.Config.Typing.Expiry.Duration())
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]*Config{
		"no user":    {},
		"slash user": {Identity: IdentityConfig{UserID: "a/b"}},
		"bad cron": {
			Identity:  IdentityConfig{UserID: "u1"},
			Retention: RetentionConfig{Enabled: true, Cron: "every tuesday"},
		},
		"bad period": {
			Identity:  IdentityConfig{UserID: "u1"},
			Retention: RetentionConfig{Enabled: true, Period: "soon"},
		},
		"auto clear after expiry": {
			Identity: IdentityConfig{UserID: "u1"},
			Typing:   TypingConfig{AutoClear: Duration(20 * time.Second)},
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ValidateConfig(EffectiveConfigResult{Config: cfg}); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParsePeriod(t *testing.T) {
	d, err := ParsePeriod("30d")
	require.NoError(t, err)
	require.Equal(t, 30*24*time.Hour, d)
	d, err = ParsePeriod("36h")
	require.NoError(t, err)
	require.Equal(t, 36*time.Hour, d)
	_, err = ParsePeriod("-1h")
	require.Error(t, err)
}
