package engine

import (
	"feedsync/pkg/auth"
	"feedsync/pkg/config"
	"feedsync/pkg/models"
	"feedsync/pkg/presence"
	"feedsync/pkg/profile"
	"feedsync/pkg/push"
	"feedsync/pkg/retry"
	"feedsync/pkg/store"
	"feedsync/pkg/typing"
)

// OptionsFromConfig maps a validated config onto session options for st.
// Renderer and Alerter are left for the caller.
func OptionsFromConfig(cfg *config.Config, st *store.Store) Options {
	me := models.Profile{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		AvatarURL:   cfg.Identity.AvatarURL,
	}
	var id auth.Provider = auth.Static{Profile: me}
	if len(cfg.Identity.SigningKeys) > 0 {
		id = auth.Signed{Profile: me, Signature: cfg.Identity.Signature, Keys: cfg.Identity.SigningKeys}
	}

	opts := Options{
		Store:    st,
		Identity: id,
		Room:     models.Room{Name: cfg.Feed.Room},
		Policy: retry.Policy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay.Duration(),
			Backoff:  retry.Linear,
		},
		PageSize:      cfg.Feed.PageSize,
		MaxBodyLength: cfg.Feed.MaxBodyLength,
		Heartbeat:     cfg.Presence.Heartbeat.Duration(),
		Presence: presence.ObserverConfig{
			StaleAfter:      cfg.Presence.StaleAfter.Duration(),
			RefreshDebounce: cfg.Presence.RefreshDebounce.Duration(),
		},
		Typing: typing.Config{
			AutoClear:     cfg.Typing.AutoClear.Duration(),
			Expiry:        cfg.Typing.Expiry.Duration(),
			RefreshPeriod: cfg.Typing.RefreshPeriod.Duration(),
		},
		NotifyCapacity:  cfg.Notify.Capacity,
		ProfileCapacity: cfg.Profile.Capacity,
		PushTimeout:     cfg.Push.Timeout.Duration(),
	}
	if cfg.Profile.Endpoint != "" {
		opts.Fetcher = profile.NewHTTPFetcher(cfg.Profile.Endpoint, cfg.Profile.Timeout.Duration())
	}
	if cfg.Push.Endpoint != "" {
		opts.Push = push.NewClient(cfg.Push.Endpoint, cfg.Push.Token, cfg.Push.Timeout.Duration())
	}
	return opts
}
