package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/store"
)

const maxConsecutiveRenewFails = 3

// Report counts what a sweep found and removed, per category.
type Report struct {
	RunID    string
	Skipped  bool // lease held elsewhere
	Presence Counts
	Typing   Counts
	Audit    Counts
}

type Counts struct {
	Eligible int
	Removed  int
}

type sweep struct {
	kind   string
	path   func(models.Room) string
	field  string
	maxAge time.Duration
	counts *Counts
}

// runOnce executes a single retention run: acquire the lease, collect
// eligible children per room and category, remove them, and audit each.
func (m *Manager) runOnce(ctx context.Context) (Report, error) {
	o := m.opts
	rep := Report{RunID: uuid.NewString()}
	owner := rep.RunID
	acq, err := m.lease.Acquire(owner, o.LockTTL)
	if err != nil {
		logger.Error("retention_lease_acquire_error", "error", err)
		return rep, fmt.Errorf("lease acquire failed: %w", err)
	}
	if !acq {
		logger.Info("retention_lease_not_acquired")
		rep.Skipped = true
		return rep, nil
	}
	defer func() {
		if err := m.lease.Release(owner); err != nil {
			logger.Error("retention_lease_release_error", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go m.renewLoop(runCtx, runCancel, owner)

	now := o.Clock.Now()
	logger.Audited("retention_audit_header", "run_id", rep.RunID, "started_at", now.Format(time.RFC3339), "dry_run", o.DryRun, "period", o.Period.String())

	sweeps := []sweep{
		{kind: "presence", path: models.Room.Presence, field: "last_seen_at", maxAge: o.StaleAfter, counts: &rep.Presence},
		{kind: "typing", path: models.Room.Typing, field: "updated_at", maxAge: o.TypingExpiry, counts: &rep.Typing},
		{kind: "audit", path: models.Room.Audit, field: "at", maxAge: o.Period, counts: &rep.Audit},
	}
	for _, room := range o.Rooms {
		for _, sw := range sweeps {
			if sw.maxAge <= 0 {
				continue
			}
			if err := runCtx.Err(); err != nil {
				return rep, fmt.Errorf("retention run aborted: %w", err)
			}
			if err := m.sweepOne(runCtx, rep.RunID, room, sw, now.Add(-sw.maxAge)); err != nil {
				return rep, err
			}
		}
	}

	logger.Info("retention_run_done", "run_id", rep.RunID,
		"presence_removed", rep.Presence.Removed,
		"typing_removed", rep.Typing.Removed,
		"audit_removed", rep.Audit.Removed)
	return rep, nil
}

func (m *Manager) sweepOne(ctx context.Context, runID string, room models.Room, sw sweep, cutoff time.Time) error {
	parent := sw.path(room)
	children, err := m.client.RangeQuery(ctx, parent, store.Query{
		OrderBy: sw.field,
		Before:  &store.Bound{Value: cutoff.UnixMilli()},
	})
	if err != nil {
		logger.Error("retention_scan_failed", "path", parent, "error", err)
		return fmt.Errorf("scan %s: %w", parent, err)
	}
	sw.counts.Eligible += len(children)
	if len(children) == 0 {
		return nil
	}

	status := "dry_run"
	if !m.opts.DryRun {
		updates := make(map[string][]byte, len(children))
		for _, ch := range children {
			updates[parent+"/"+ch.ID] = nil
		}
		if err := m.client.Patch(ctx, updates); err != nil {
			for _, ch := range children {
				logger.Audited("retention_audit_item", "run_id", runID, "item_type", sw.kind, "path", parent+"/"+ch.ID, "status", "failed", "error", err.Error())
			}
			logger.Error("retention_purge_failed", "path", parent, "error", err)
			return fmt.Errorf("purge %s: %w", parent, err)
		}
		sw.counts.Removed += len(children)
		status = "success"
	}
	for _, ch := range children {
		logger.Audited("retention_audit_item", "run_id", runID, "item_type", sw.kind, "path", parent+"/"+ch.ID, "at", ch.Order, "status", status)
	}
	return nil
}

// renewLoop keeps the lease alive and cancels the run when renewal keeps
// failing.
func (m *Manager) renewLoop(ctx context.Context, abort context.CancelFunc, owner string) {
	ttl := m.opts.LockTTL
	var failCount int
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.opts.Clock.After(ttl / 3):
			if err := m.lease.Renew(owner, ttl); err != nil {
				failCount++
				logger.Error("retention_lease_renew_failed", "error", err, "count", failCount)
				if failCount >= maxConsecutiveRenewFails {
					logger.Error("retention_lease_renew_failed_fatal", "owner", owner)
					abort()
					return
				}
				continue
			}
			failCount = 0
		}
	}
}
