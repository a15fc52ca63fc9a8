package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/juju/clock"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/push"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

const DefaultMaxBodyLength = 2000

// pushBodyLimit truncates message bodies in push notices.
const pushBodyLimit = 120

type CoordinatorConfig struct {
	// Author is the session user's profile, attached to pending items.
	Author        models.Profile
	MaxBodyLength int
	Clock         clock.Clock
	// Push receives a notice per confirmed submission. Nil disables it.
	Push        push.Notifier
	PushTimeout time.Duration
}

// Coordinator submits messages optimistically: the item is shown as
// pending at once and swapped in place for the stored item once the
// append succeeds.
type Coordinator struct {
	client store.Client
	room   models.Room
	view   *View
	guard  *Guard
	cfg    CoordinatorConfig
}

func NewCoordinator(c store.Client, room models.Room, v *View, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = DefaultMaxBodyLength
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.Author.UserID == "" {
		cfg.Author.UserID = c.UserID()
	}
	return &Coordinator{client: c, room: room, view: v, guard: NewGuard("submit"), cfg: cfg}
}

// State reports whether a submission is in flight.
func (c *Coordinator) State() GuardState {
	return c.guard.State()
}

// Submit posts content. Blank content fails with ErrValidation before any
// store call, and a call made while another submission is in flight fails
// with ErrConcurrency. A failed append is not retried: the pending item is
// removed and the error returned.
func (c *Coordinator) Submit(ctx context.Context, content string) (models.FeedItem, error) {
	body := strings.TrimSpace(content)
	if body == "" {
		return models.FeedItem{}, syncerr.Validation("message body is empty")
	}
	if n := utf8.RuneCountInString(body); n > c.cfg.MaxBodyLength {
		return models.FeedItem{}, syncerr.Validation("message body is %d characters, limit is %d", n, c.cfg.MaxBodyLength)
	}
	if err := c.guard.Acquire(); err != nil {
		return models.FeedItem{}, err
	}
	tr := telemetry.Track("feed.submit")
	defer tr.Finish()

	confirmed, err := c.commit(ctx, body, tr)
	c.guard.Release()
	if err != nil {
		return confirmed, err
	}

	// the next submission may start while these run
	c.audit(ctx, confirmed.ID, time.UnixMilli(confirmed.CreatedAt))
	c.notify(ctx, confirmed)
	tr.Mark("after_confirm")
	logger.Info("submit_confirmed", "room", c.room.Name, "id", confirmed.ID, "temp_id", confirmed.TempID)
	return confirmed, nil
}

// commit materializes a pending item, appends it and reconciles the view.
func (c *Coordinator) commit(ctx context.Context, body string, tr *telemetry.Trace) (models.FeedItem, error) {
	now := c.cfg.Clock.Now()
	pending := models.FeedItem{
		ID:        models.GenTempID(now),
		AuthorID:  c.cfg.Author.UserID,
		Body:      body,
		CreatedAt: now.UnixMilli(),
		State:     models.Pending,
	}
	pending.Attach(c.cfg.Author)
	c.view.Insert(pending)
	tr.Mark("materialize")

	raw, err := json.Marshal(models.Message{AuthorID: pending.AuthorID, Body: body, CreatedAt: pending.CreatedAt})
	if err != nil {
		c.view.Fail(pending.ID)
		return models.FeedItem{}, fmt.Errorf("encode message: %w", err)
	}
	id, err := c.client.Append(ctx, c.room.Messages(), raw)
	tr.Mark("append")
	if err != nil {
		c.view.Fail(pending.ID)
		tr.Fail(err)
		logger.Warn("submit_failed", "room", c.room.Name, "temp_id", pending.ID, "kind", syncerr.Kind(err), "error", err)
		pending.State = models.Failed
		return pending, err
	}

	confirmed, ok := c.view.Promote(pending.ID, id)
	if !ok {
		// the placeholder was retracted while the append was in flight
		confirmed = pending
		confirmed.ID, confirmed.TempID, confirmed.State = id, pending.ID, models.Confirmed
	}
	tr.Mark("reconcile")
	return confirmed, nil
}

func (c *Coordinator) audit(ctx context.Context, id string, at time.Time) {
	raw, err := json.Marshal(models.AuditEntry{
		Action: models.ActionMessageSent,
		UserID: c.client.UserID(),
		ItemID: id,
		At:     at.UnixMilli(),
	})
	if err != nil {
		return
	}
	if _, err := c.client.Append(ctx, c.room.Audit(), raw); err != nil {
		logger.Warn("submit_audit_failed", "id", id, "error", err)
		return
	}
	logger.Audited("message_sent", "room", c.room.Name, "user", c.client.UserID(), "id", id)
}

func (c *Coordinator) notify(ctx context.Context, it models.FeedItem) {
	if c.cfg.Push == nil {
		return
	}
	body := it.Body
	if utf8.RuneCountInString(body) > pushBodyLimit {
		body = string([]rune(body)[:pushBodyLimit]) + "…"
	}
	title := it.AuthorName
	if title == "" {
		title = it.AuthorID
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PushTimeout)
	defer cancel()
	if err := c.cfg.Push.Notify(ctx, push.Notice{Target: c.room.Name, Title: title, Body: body}); err != nil {
		logger.Warn("push_notice_failed", "id", it.ID, "error", err)
	}
}
