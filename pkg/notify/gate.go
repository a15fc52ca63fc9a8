// Package notify decides whether an inbound feed item should sound an
// alert. Every canonical id alerts at most once per session.
package notify

import (
	"sync"

	"github.com/juju/collections/deque"
	"github.com/juju/collections/set"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/telemetry"
)

const DefaultCapacity = 200

// Outcome is what Notice did with an item.
type Outcome int

const (
	// Alerted means the alert sounded.
	Alerted Outcome = iota + 1
	// Silent means the id was recorded but the surface was in the
	// foreground or audio was still locked.
	Silent
	// Duplicate means the id had already been noticed.
	Duplicate
	// Skipped means the item has no canonical id yet.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Alerted:
		return "alerted"
	case Silent:
		return "silent"
	case Duplicate:
		return "duplicate"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Alerter plays the alert for an item.
type Alerter interface {
	Alert(item models.FeedItem)
}

type AlerterFunc func(item models.FeedItem)

func (f AlerterFunc) Alert(item models.FeedItem) { f(item) }

// Gate is the dedup cache and sound gate. Seen ids are kept in a bounded
// FIFO; once an id is evicted the horizon moves so that ids no newer than
// the newest evicted one stay suppressed. Canonical ids are store-assigned
// and sort in append order.
type Gate struct {
	alerter  Alerter
	capacity int

	mu         sync.Mutex
	seen       set.Strings
	order      *deque.Deque
	horizon    string
	evicted    bool
	foreground bool
	unlocked   bool
}

// NewGate returns a gate that starts in the foreground with audio locked.
func NewGate(capacity int, a Alerter) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Gate{
		alerter:    a,
		capacity:   capacity,
		seen:       set.NewStrings(),
		order:      deque.New(),
		foreground: true,
	}
}

// SetForeground records whether the user is looking at the feed.
func (g *Gate) SetForeground(fg bool) {
	g.mu.Lock()
	g.foreground = fg
	g.mu.Unlock()
}

// Unlock records the one-time user gesture that allows audio playback.
func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.unlocked {
		g.unlocked = true
		logger.Debug("notify_audio_unlocked")
	}
}

// Notice records item and sounds the alert if the item is new, the
// surface is in the background and audio has been unlocked.
func (g *Gate) Notice(item models.FeedItem) Outcome {
	out := g.notice(item)
	telemetry.CountAlert(out.String())
	if out == Alerted && g.alerter != nil {
		g.alerter.Alert(item)
	}
	return out
}

func (g *Gate) notice(item models.FeedItem) Outcome {
	if item.ID == "" || models.IsTempID(item.ID) {
		return Skipped
	}
	id := item.ID

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seenLocked(id) {
		return Duplicate
	}
	g.seen.Add(id)
	g.order.PushBack(id)
	for g.order.Len() > g.capacity {
		v, ok := g.order.PopFront()
		if !ok {
			break
		}
		old := v.(string)
		g.seen.Remove(old)
		if !g.evicted || old > g.horizon {
			g.horizon = old
			g.evicted = true
		}
	}
	if g.foreground || !g.unlocked {
		return Silent
	}
	return Alerted
}

// Seen reports whether id would be treated as a duplicate.
func (g *Gate) Seen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seenLocked(id)
}

func (g *Gate) seenLocked(id string) bool {
	return g.seen.Contains(id) || (g.evicted && id <= g.horizon)
}

func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}
