package feed

import (
	"context"
	"sync"
	"time"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/profile"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

type ListenerState int

const (
	Unsubscribed ListenerState = iota
	Subscribed
)

func (s ListenerState) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

// Noticer is told about items other users appended.
type Noticer interface {
	Notice(item models.FeedItem)
}

type NoticerFunc func(item models.FeedItem)

func (f NoticerFunc) Notice(item models.FeedItem) { f(item) }

// profileWait bounds a background author lookup.
const profileWait = 2 * time.Second

// Listener applies live appends and removals after a watermark to a View.
// Events are handled on the store's delivery path, so the handler only
// uses cached profiles; unknown authors are shown as a placeholder until a
// background lookup fills them in.
type Listener struct {
	client   store.Client
	room     models.Room
	view     *View
	profiles *profile.Cache
	noticer  Noticer

	mu        sync.Mutex
	state     ListenerState
	watermark int64
	sub       *store.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	lookups   sync.WaitGroup
}

// NewListener returns an unsubscribed listener. profiles and noticer may
// be nil.
func NewListener(c store.Client, room models.Room, v *View, profiles *profile.Cache, n Noticer) *Listener {
	return &Listener{client: c, room: room, view: v, profiles: profiles, noticer: n}
}

func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Subscribe starts applying events for messages created after watermark.
// Messages already in the store are replayed first, so nothing appended
// between the initial load and this call is missed. The returned
// subscription is the same one Unsubscribe disposes.
func (l *Listener) Subscribe(watermark int64) (*store.Subscription, error) {
	l.mu.Lock()
	if l.state == Subscribed {
		l.mu.Unlock()
		return nil, syncerr.Concurrency("subscribe")
	}
	l.state = Subscribed
	l.watermark = watermark
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.mu.Unlock()

	sub := l.client.Watch(l.room.Messages(), l.handle, store.WithReplay())
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	logger.Info("feed_listener_subscribed", "room", l.room.Name, "watermark", watermark)
	return sub, nil
}

// Unsubscribe disposes the subscription and abandons pending author
// lookups. No event is applied after it returns.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	sub := l.sub
	cancel := l.cancel
	l.sub = nil
	l.ctx, l.cancel = nil, nil
	l.state = Unsubscribed
	l.mu.Unlock()
	if sub != nil {
		sub.Dispose()
		logger.Info("feed_listener_unsubscribed", "room", l.room.Name)
	}
	if cancel != nil {
		cancel()
	}
	l.lookups.Wait()
}

func (l *Listener) handle(ev store.Event) {
	switch ev.Type {
	case store.ChildAppended:
		l.appended(ev)
	case store.ChildRemoved:
		if l.view.Retract(ev.ID) {
			logger.Debug("feed_item_retracted", "id", ev.ID)
		}
	}
}

func (l *Listener) appended(ev store.Event) {
	it, ok := decodeItem(ev.ID, ev.Value)
	if !ok {
		return
	}
	l.mu.Lock()
	wm := l.watermark
	l.mu.Unlock()
	if it.CreatedAt <= wm {
		telemetry.CountFeedEvent("below_watermark")
		return
	}
	if l.view.Has(it.ID) {
		telemetry.CountFeedEvent("duplicate")
		return
	}
	known := true
	if l.profiles != nil && it.AuthorID != "" {
		p, ok := l.profiles.Peek(it.AuthorID)
		if !ok {
			p, known = profile.Placeholder(it.AuthorID), false
		}
		it.Attach(p)
	}
	if !l.view.Insert(it) {
		return
	}
	if !known {
		l.lookup(it.AuthorID)
	}
	if l.noticer != nil && it.AuthorID != l.client.UserID() {
		l.noticer.Notice(it)
	}
}

// lookup fetches an author's profile off the delivery path and applies it
// to the view. Concurrent lookups for one author share a fetch.
func (l *Listener) lookup(authorID string) {
	l.mu.Lock()
	ctx := l.ctx
	if ctx == nil {
		l.mu.Unlock()
		return
	}
	l.lookups.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.lookups.Done()
		fctx, cancel := context.WithTimeout(ctx, profileWait)
		defer cancel()
		p, err := l.profiles.Get(fctx, authorID)
		if err != nil {
			logger.Debug("feed_author_lookup_failed", "user", authorID, "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		l.view.AttachAuthor(p)
	}()
}
