package feed

import (
	"context"
	"encoding/json"
	"sync"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/profile"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

const DefaultPageSize = 50

// Page is the result of a history load. Items are newest first and only
// include items that were not already in the view.
type Page struct {
	Items []models.FeedItem
	// Exhausted is set when the store returned fewer items than asked
	// for: there is no older history.
	Exhausted bool
}

// Paginator loads bounded windows of history into a View.
type Paginator struct {
	client   store.Client
	room     models.Room
	view     *View
	profiles *profile.Cache
	guard    *Guard

	mu        sync.Mutex
	watermark int64
	loaded    bool
}

// NewPaginator returns a paginator. profiles may be nil, in which case no
// author data is attached.
func NewPaginator(c store.Client, room models.Room, v *View, profiles *profile.Cache) *Paginator {
	return &Paginator{
		client:   c,
		room:     room,
		view:     v,
		profiles: profiles,
		guard:    NewGuard("load_older"),
	}
}

// Watermark is the newest created_at returned by LoadInitial.
func (p *Paginator) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Loaded reports whether LoadInitial has succeeded.
func (p *Paginator) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// State reports whether a LoadOlder call is in flight.
func (p *Paginator) State() GuardState {
	return p.guard.State()
}

// LoadInitial loads the newest limit messages and sets the watermark. On
// a store failure it returns an empty page and an error marked ErrLoad;
// an empty page with a nil error means the room has no messages.
func (p *Paginator) LoadInitial(ctx context.Context, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	tr := telemetry.Track("feed.load_initial")
	defer tr.Finish()

	children, err := p.client.RangeQuery(ctx, p.room.Messages(), store.Query{
		OrderBy: models.CreatedAtField,
		Limit:   limit,
		Last:    true,
	})
	tr.Mark("range_query")
	if err != nil {
		err = syncerr.Load(err, "load initial window")
		tr.Fail(err)
		logger.Error("feed_initial_load_failed", "room", p.room.Name, "error", err)
		return Page{}, err
	}

	page := p.merge(ctx, children, limit)
	var wm int64
	for _, it := range page.Items {
		if it.CreatedAt > wm {
			wm = it.CreatedAt
		}
	}
	p.mu.Lock()
	if wm > p.watermark {
		p.watermark = wm
	}
	p.loaded = true
	p.mu.Unlock()
	tr.Mark("merge")
	logger.Info("feed_initial_loaded", "room", p.room.Name, "items", len(page.Items), "watermark", wm)
	return page, nil
}

// LoadOlder loads up to limit messages older than before, or older than
// the oldest materialized message when before is zero. A call made while
// another is in flight fails with ErrConcurrency.
func (p *Paginator) LoadOlder(ctx context.Context, before int64, limit int) (Page, error) {
	if err := p.guard.Acquire(); err != nil {
		return Page{}, err
	}
	defer p.guard.Release()
	if limit <= 0 {
		limit = DefaultPageSize
	}
	tr := telemetry.Track("feed.load_older")
	defer tr.Finish()

	q := store.Query{OrderBy: models.CreatedAtField, Limit: limit, Last: true}
	switch {
	case before > 0:
		q.Before = &store.Bound{Value: before}
	default:
		if oldest, ok := p.view.Oldest(); ok {
			q.Before = &store.Bound{Value: oldest.CreatedAt, Key: oldest.ID}
		}
	}
	children, err := p.client.RangeQuery(ctx, p.room.Messages(), q)
	tr.Mark("range_query")
	if err != nil {
		err = syncerr.Load(err, "load older window")
		tr.Fail(err)
		logger.Warn("feed_older_load_failed", "room", p.room.Name, "error", err)
		return Page{}, err
	}
	page := p.merge(ctx, children, limit)
	logger.Debug("feed_older_loaded", "room", p.room.Name, "query", q.String(), "new", len(page.Items), "exhausted", page.Exhausted)
	return page, nil
}

// merge inserts children that are not yet materialized and returns them
// newest first.
func (p *Paginator) merge(ctx context.Context, children []store.Child, limit int) Page {
	page := Page{Exhausted: len(children) < limit}
	for i := len(children) - 1; i >= 0; i-- {
		ch := children[i]
		if p.view.Has(ch.ID) {
			continue
		}
		it, ok := decodeItem(ch.ID, ch.Value)
		if !ok {
			continue
		}
		attachAuthor(ctx, p.profiles, &it)
		if p.view.Insert(it) {
			page.Items = append(page.Items, it)
		}
	}
	return page
}

func decodeItem(id string, raw []byte) (models.FeedItem, bool) {
	var m models.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		logger.Warn("feed_item_invalid", "id", id, "error", err)
		return models.FeedItem{}, false
	}
	return models.ItemFromMessage(id, m), true
}

func attachAuthor(ctx context.Context, profiles *profile.Cache, it *models.FeedItem) {
	if profiles == nil || it.AuthorID == "" {
		return
	}
	it.Attach(profiles.Resolve(ctx, it.AuthorID))
}
