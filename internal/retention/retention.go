// Package retention sweeps leftovers from a room: presence records whose
// heartbeat stopped, typing flags nobody cleared, and old audit entries.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/juju/clock"

	"feedsync/pkg/config"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/store"
)

// Options configures a Manager.
type Options struct {
	Rooms []models.Room
	Cron  string
	// Period is how long audit entries are kept.
	Period       time.Duration
	StaleAfter   time.Duration
	TypingExpiry time.Duration
	DryRun       bool
	LockTTL      time.Duration
	// LeaseDir holds the lock file shared with other processes.
	LeaseDir string
	Clock    clock.Clock
}

// OptionsFromConfig maps the retention, presence and typing sections of a
// validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	period, err := config.ParsePeriod(cfg.Retention.Period)
	if err != nil {
		return Options{}, fmt.Errorf("retention period: %w", err)
	}
	return Options{
		Rooms:        []models.Room{{Name: cfg.Feed.Room}},
		Cron:         cfg.Retention.Cron,
		Period:       period,
		StaleAfter:   cfg.Presence.StaleAfter.Duration(),
		TypingExpiry: cfg.Typing.Expiry.Duration(),
		DryRun:       cfg.Retention.DryRun,
		LockTTL:      cfg.Retention.LockTTL.Duration(),
		LeaseDir:     cfg.Store.Path,
	}, nil
}

type Manager struct {
	opts   Options
	client store.Client
	lease  *fileLease

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mutex   sync.Mutex
	runs    int
}

// New returns a manager sweeping through client, which must be an
// administrative connection.
func New(client store.Client, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &Manager{opts: opts, client: client, lease: newFileLease(opts.LeaseDir, opts.Clock)}
}

// Start runs the sweep on the cron schedule until ctx is done or the
// returned cancel func is called.
func (m *Manager) Start(ctx context.Context) (context.CancelFunc, error) {
	if !gronx.New().IsValid(m.opts.Cron) {
		return nil, fmt.Errorf("invalid retention cron %q", m.opts.Cron)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	logger.Info("retention_enabled", "cron", m.opts.Cron, "dry_run", m.opts.DryRun)
	go m.scheduleLoop()
	return m.cancel, nil
}

// RunImmediate sweeps once, outside the schedule.
func (m *Manager) RunImmediate(ctx context.Context) (Report, error) {
	return m.runOnce(ctx)
}

// Runs reports how many scheduled sweeps have completed.
func (m *Manager) Runs() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.runs
}

func (m *Manager) scheduleLoop() {
	clk := m.opts.Clock
	for {
		now := clk.Now()
		next, err := gronx.NextTickAfter(m.opts.Cron, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", m.opts.Cron, "error", err)
			select {
			case <-clk.After(30 * time.Second):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(now)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-clk.After(wait):
			m.runJob()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) runJob() {
	m.mutex.Lock()
	if m.running {
		m.mutex.Unlock()
		return
	}
	m.running = true
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		m.running = false
		m.runs++
		m.mutex.Unlock()
	}()

	if _, err := m.runOnce(m.ctx); err != nil {
		logger.Error("retention_run_error", "error", err)
	}
}
