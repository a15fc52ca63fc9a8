package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/store"
)

// Observer mirrors the presence records of a room. Changes are coalesced:
// the first change after a refresh arms a timer and OnChange runs once
// when it fires, however many changes arrived meanwhile.
type Observer struct {
	client     store.Client
	room       models.Room
	clock      clock.Clock
	staleAfter time.Duration
	interval   time.Duration
	onChange   func([]models.PresenceRecord)

	mu      sync.Mutex
	records map[string]models.PresenceRecord
	sub     *store.Subscription
	timer   clock.Timer
	stopped bool
}

type ObserverConfig struct {
	StaleAfter time.Duration
	// RefreshDebounce is the shortest gap between two OnChange calls.
	RefreshDebounce time.Duration
	// OnChange receives the current roster, at most once per interval.
	OnChange func([]models.PresenceRecord)
}

func NewObserver(c store.Client, room models.Room, clk clock.Clock, cfg ObserverConfig) *Observer {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = DefaultRefreshDebounce
	}
	return &Observer{
		client:     c,
		room:       room,
		clock:      clk,
		staleAfter: cfg.StaleAfter,
		interval:   cfg.RefreshDebounce,
		onChange:   cfg.OnChange,
		records:    make(map[string]models.PresenceRecord),
	}
}

func (o *Observer) Start() {
	sub := o.client.Watch(o.room.Presence(), o.handle, store.WithReplay())
	o.mu.Lock()
	o.sub = sub
	o.mu.Unlock()
}

func (o *Observer) Stop() {
	o.mu.Lock()
	sub := o.sub
	o.sub = nil
	o.stopped = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()
	if sub != nil {
		sub.Dispose()
	}
}

func (o *Observer) handle(ev store.Event) {
	o.mu.Lock()
	if ev.Type == store.ChildRemoved {
		delete(o.records, ev.ID)
	} else {
		var rec models.PresenceRecord
		if err := json.Unmarshal(ev.Value, &rec); err != nil {
			o.mu.Unlock()
			logger.Warn("presence_record_invalid", "user", ev.ID, "error", err)
			return
		}
		o.records[ev.ID] = rec
	}
	if o.onChange != nil && o.timer == nil && !o.stopped {
		o.timer = o.clock.AfterFunc(o.interval, o.refresh)
	}
	o.mu.Unlock()
}

func (o *Observer) refresh() {
	o.mu.Lock()
	o.timer = nil
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return
	}
	o.onChange(o.Online(o.clock.Now()))
}

// Online returns the roster at now, ordered by user id. Records whose
// last heartbeat is older than the stale threshold are marked Stale.
func (o *Observer) Online(now time.Time) []models.PresenceRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.PresenceRecord, 0, len(o.records))
	for _, rec := range o.records {
		rec.Stale = now.Sub(rec.LastSeen()) > o.staleAfter
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
