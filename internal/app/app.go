package app

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"

	"feedsync/internal/retention"
	"feedsync/pkg/config"
	"feedsync/pkg/engine"
	"feedsync/pkg/feed"
	"feedsync/pkg/logger"
	"feedsync/pkg/notify"
	"feedsync/pkg/store"
	"feedsync/pkg/telemetry"
)

// App owns the store, the user session, the retention sweeper and the
// debug server of one process.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store           *store.Store
	session         *engine.Session
	retentionCancel context.CancelFunc

	srv *fasthttp.Server
}

// Option adjusts the session before it starts.
type Option func(*engine.Options)

func WithRenderer(r feed.Renderer) Option {
	return func(o *engine.Options) { o.Renderer = r }
}

func WithAlerter(a notify.Alerter) Option {
	return func(o *engine.Options) { o.Alerter = a }
}

// New validates the config and opens the store. Call Run to start the
// session and the debug server.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string, opts ...Option) (*App, error) {
	if err := config.ValidateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	telemetry.SetSlowThreshold(cfg.Debug.SlowThreshold.Duration())
	if cfg.Logging.AuditDir != "" {
		if err := logger.AttachAuditFileSink(cfg.Logging.AuditDir); err != nil {
			return nil, fmt.Errorf("audit sink: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.Store.Path, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", cfg.Store.Path, err)
	}
	popts := &pebble.Options{}
	if size := cfg.Store.CacheSize.Int64(); size > 0 {
		cache := pebble.NewCache(size)
		defer cache.Unref()
		popts.Cache = cache
	}
	st, err := store.Open(cfg.Store.Path, store.Options{Sync: cfg.Store.Sync, Pebble: popts})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Store.Path, err)
	}

	sopts := engine.OptionsFromConfig(cfg, st)
	for _, o := range opts {
		o(&sopts)
	}
	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     st,
		session:   engine.New(sopts),
	}
	return a, nil
}

func (a *App) Session() *engine.Session { return a.session }

// Run starts the session, the sweeper and the debug server, and blocks
// until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.session.Start(ctx); err != nil {
		return err
	}
	a.printBanner()

	if a.eff.Config.Retention.Enabled {
		if err := a.startRetention(ctx); err != nil {
			return err
		}
	}

	if a.eff.Config.Debug.Addr == "" {
		<-ctx.Done()
		return nil
	}
	errCh := a.startHTTP(ctx)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) startRetention(ctx context.Context) error {
	ropts, err := retention.OptionsFromConfig(a.eff.Config)
	if err != nil {
		return err
	}
	admin, err := a.store.Admin()
	if err != nil {
		return fmt.Errorf("retention connection: %w", err)
	}
	cancel, err := retention.New(admin, ropts).Start(ctx)
	if err != nil {
		_ = admin.Close()
		return err
	}
	a.retentionCancel = func() {
		cancel()
		_ = admin.Close()
	}
	return nil
}

// Shutdown stops everything Run started and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	if a.retentionCancel != nil {
		a.retentionCancel()
	}
	if a.srv != nil {
		if err := a.srv.Shutdown(); err != nil {
			logger.Warn("debug_server_shutdown_failed", "error", err)
		}
	}
	var firstErr error
	if err := a.session.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// printBanner logs the build and the effective settings.
func (a *App) printBanner() {
	cfg := a.eff.Config
	ver := a.version
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	items := []string{
		fmt.Sprintf("version: %s", ver),
		fmt.Sprintf("source: %s", a.eff.Source),
		fmt.Sprintf("user: %s", cfg.Identity.UserID),
		fmt.Sprintf("room: %s", cfg.Feed.Room),
		fmt.Sprintf("store: %s", cfg.Store.Path),
		fmt.Sprintf("page_size: %d", cfg.Feed.PageSize),
		fmt.Sprintf("retention: %t", cfg.Retention.Enabled),
	}
	if size := cfg.Store.CacheSize.Int64(); size > 0 {
		items = append(items, fmt.Sprintf("cache_size: %s", humanize.IBytes(uint64(size))))
	}
	if cfg.Debug.Addr != "" {
		items = append(items, fmt.Sprintf("debug_addr: %s", cfg.Debug.Addr))
	}
	logger.LogConfigSummary("feedsync_started", items)
}
