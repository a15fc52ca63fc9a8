// Package typing maintains the session user's typing flag and the set of
// other users currently typing in a room.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/store"
)

const (
	DefaultAutoClear     = 5 * time.Second
	DefaultExpiry        = 10 * time.Second
	DefaultRefreshPeriod = 2 * time.Second
)

type Config struct {
	// AutoClear clears the own flag after this long without input.
	AutoClear time.Duration
	// Expiry hides records not updated for this long, cleared or not.
	Expiry time.Duration
	// RefreshPeriod is the minimum spacing of "still typing" writes.
	RefreshPeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.AutoClear <= 0 {
		c.AutoClear = DefaultAutoClear
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = DefaultRefreshPeriod
	}
	return c
}

// Aggregator owns one user's typing record in a room and mirrors everyone
// else's.
type Aggregator struct {
	client store.Client
	room   models.Room
	name   string
	clock  clock.Clock
	cfg    Config

	// mu serializes own-record writes.
	mu      sync.Mutex
	active  bool
	timer   clock.Timer
	gen     uint64
	limiter *rate.Limiter

	stateMu sync.Mutex
	states  map[string]models.TypingState
	sub     *store.Subscription
}

func New(c store.Client, room models.Room, displayName string, clk clock.Clock, cfg Config) *Aggregator {
	if clk == nil {
		clk = clock.WallClock
	}
	cfg = cfg.withDefaults()
	return &Aggregator{
		client:  c,
		room:    room,
		name:    displayName,
		clock:   clk,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.RefreshPeriod), 1),
		states:  make(map[string]models.TypingState),
	}
}

// Start mirrors the room's typing records. It is a no-op when already
// started.
func (a *Aggregator) Start() {
	a.stateMu.Lock()
	started := a.sub != nil
	a.stateMu.Unlock()
	if started {
		return
	}
	sub := a.client.Watch(a.room.Typing(), a.handle, store.WithReplay())
	a.stateMu.Lock()
	a.sub = sub
	a.stateMu.Unlock()
}

func (a *Aggregator) handle(ev store.Event) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if ev.Type == store.ChildRemoved {
		delete(a.states, ev.ID)
		return
	}
	var st models.TypingState
	if err := json.Unmarshal(ev.Value, &st); err != nil {
		logger.Warn("typing_record_invalid", "user", ev.ID, "error", err)
		return
	}
	if st.UserID == "" {
		st.UserID = ev.ID
	}
	a.states[ev.ID] = st
}

// Stop disposes the mirror subscription and the auto-clear timer. The own
// record is left to its on-disconnect hook.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	a.stateMu.Lock()
	sub := a.sub
	a.sub = nil
	a.stateMu.Unlock()
	if sub != nil {
		sub.Dispose()
	}
}

// Input records a keystroke: it marks the user as typing and restarts the
// auto-clear timer.
func (a *Aggregator) Input(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armLocked()
	return a.setLocked(ctx, true)
}

// SetTyping sets or clears the own typing flag. Repeated activations are
// throttled to one write per refresh period.
func (a *Aggregator) SetTyping(ctx context.Context, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if active {
		a.armLocked()
	} else {
		a.disarmLocked()
	}
	return a.setLocked(ctx, active)
}

func (a *Aggregator) setLocked(ctx context.Context, active bool) error {
	path := a.room.TypingOf(a.client.UserID())
	now := a.clock.Now()
	if !active {
		if !a.active {
			return nil
		}
		a.active = false
		if err := a.client.Remove(ctx, path); err != nil {
			return fmt.Errorf("clear typing: %w", err)
		}
		if err := a.client.CancelOnDisconnect(ctx, path); err != nil {
			logger.Warn("typing_hook_cancel_failed", "path", path, "error", err)
		}
		logger.Debug("typing_cleared", "user", a.client.UserID())
		return nil
	}

	if a.active && !a.limiter.AllowN(now, 1) {
		return nil
	}
	raw, err := json.Marshal(models.TypingState{
		UserID:      a.client.UserID(),
		DisplayName: a.name,
		IsTyping:    true,
		UpdatedAt:   now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode typing state: %w", err)
	}
	var opts []store.WriteOption
	if !a.active {
		opts = append(opts, store.RemoveOnDisconnect())
		a.limiter.AllowN(now, 1)
	}
	if err := a.client.Upsert(ctx, path, raw, opts...); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	a.active = true
	return nil
}

func (a *Aggregator) armLocked() {
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.clock.AfterFunc(a.cfg.AutoClear, func() { a.autoClear(gen) })
}

func (a *Aggregator) disarmLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aggregator) autoClear(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return
	}
	a.timer = nil
	if err := a.setLocked(context.Background(), false); err != nil {
		logger.Warn("typing_auto_clear_failed", "error", err)
	}
}

// Active reports whether the own flag is set.
func (a *Aggregator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Typers returns the other users typing at now, ordered by user id.
// Records older than the expiry window are left out even if never cleared.
func (a *Aggregator) Typers(now time.Time) []models.TypingState {
	self := a.client.UserID()
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	out := make([]models.TypingState, 0, len(a.states))
	for uid, st := range a.states {
		if uid == self || !st.IsTyping || st.ExpiredAt(now, a.cfg.Expiry) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
