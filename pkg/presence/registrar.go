// Package presence tracks who is online in a room. A joined user's record
// is removed by the store when their connection ends, even abruptly.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/retry"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
)

const (
	DefaultHeartbeat       = 30 * time.Second
	DefaultStaleAfter      = 2 * time.Minute
	DefaultRefreshDebounce = time.Second
)

// Registrar joins and leaves a room on behalf of one connection.
type Registrar struct {
	client store.Client
	room   models.Room
	clock  clock.Clock
	policy retry.Policy

	mu     sync.Mutex
	joined bool
	name   string
}

func NewRegistrar(c store.Client, room models.Room, clk clock.Clock, policy retry.Policy) *Registrar {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registrar{client: c, room: room, clock: clk, policy: policy}
}

// Join publishes the presence record for userID and, in the same write,
// registers its removal and a user_left audit entry for when the
// connection ends. Transient failures are retried. Joining again on the
// same connection only refreshes the record; the hooks and user_joined
// entry from the first join stand.
func (r *Registrar) Join(ctx context.Context, userID, displayName string) error {
	if userID == "" {
		return syncerr.Validation("join: empty user id")
	}
	if userID != r.client.UserID() {
		return syncerr.Permission("join: connection acts as %s, not %s", r.client.UserID(), userID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	rec, err := json.Marshal(models.PresenceRecord{UserID: userID, DisplayName: displayName, LastSeenAt: now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if r.joined {
		err = r.policy.Do(ctx, "presence_rejoin", func(ctx context.Context) error {
			return r.client.Upsert(ctx, r.room.PresenceOf(userID), rec)
		})
		if err != nil {
			return err
		}
		r.name = displayName
		logger.Debug("presence_rejoined", "room", r.room.Name, "user", userID)
		return nil
	}
	left, err := json.Marshal(models.AuditEntry{Action: models.ActionUserLeft, UserID: userID})
	if err != nil {
		return fmt.Errorf("encode audit: %w", err)
	}
	err = r.policy.Do(ctx, "presence_join", func(ctx context.Context) error {
		return r.client.Upsert(ctx, r.room.PresenceOf(userID), rec,
			store.RemoveOnDisconnect(),
			store.AppendOnDisconnect(r.room.Audit(), left, store.StampField("at")),
		)
	})
	if err != nil {
		return err
	}
	r.joined = true
	r.name = displayName
	r.audit(ctx, models.ActionUserJoined, now)
	logger.Info("presence_joined", "room", r.room.Name, "user", userID)
	return nil
}

// Leave removes the presence record and logs user_left. Leaving when not
// joined, or after the disconnect hook already removed the record, does
// nothing.
func (r *Registrar) Leave(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return nil
	}
	uid := r.client.UserID()
	path := r.room.PresenceOf(uid)

	err := r.policy.Do(ctx, "presence_cancel_hooks", func(ctx context.Context) error {
		if err := r.client.CancelOnDisconnect(ctx, path); err != nil {
			return err
		}
		return r.client.CancelOnDisconnect(ctx, r.room.Audit())
	})
	if syncerr.IsClosed(err) {
		// the connection ended and its hooks already removed the record
		r.joined = false
		return nil
	}
	if err != nil {
		return err
	}
	r.joined = false

	if _, err := r.client.Get(ctx, path); syncerr.IsNotFound(err) {
		logger.Debug("presence_already_gone", "user", uid)
		return nil
	}
	err = r.policy.Do(ctx, "presence_leave", func(ctx context.Context) error {
		return r.client.Remove(ctx, path)
	})
	if err != nil {
		return err
	}
	r.audit(ctx, models.ActionUserLeft, r.clock.Now())
	logger.Info("presence_left", "room", r.room.Name, "user", uid)
	return nil
}

// Heartbeat refreshes LastSeenAt. It does nothing when not joined.
func (r *Registrar) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return nil
	}
	uid := r.client.UserID()
	rec, err := json.Marshal(models.PresenceRecord{UserID: uid, DisplayName: r.name, LastSeenAt: r.clock.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	return r.policy.Do(ctx, "presence_heartbeat", func(ctx context.Context) error {
		return r.client.Upsert(ctx, r.room.PresenceOf(uid), rec)
	})
}

// Run sends a heartbeat every interval until ctx is done.
func (r *Registrar) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("presence_heartbeat_failed", "error", err)
			}
		}
	}
}

func (r *Registrar) Joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}

// audit is best effort; the presence change already happened.
func (r *Registrar) audit(ctx context.Context, action string, at time.Time) {
	raw, err := json.Marshal(models.AuditEntry{Action: action, UserID: r.client.UserID(), At: at.UnixMilli()})
	if err != nil {
		return
	}
	err = r.policy.Do(ctx, "presence_audit", func(ctx context.Context) error {
		_, err := r.client.Append(ctx, r.room.Audit(), raw)
		return err
	})
	if err != nil {
		logger.Warn("presence_audit_failed", "action", action, "error", err)
		return
	}
	logger.Audited("presence_"+action, "room", r.room.Name, "user", r.client.UserID())
}
