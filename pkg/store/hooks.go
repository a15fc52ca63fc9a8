package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"feedsync/pkg/logger"
	"feedsync/pkg/store/keys"
	"feedsync/pkg/syncerr"
)

const (
	hookRemove = "remove"
	hookAppend = "append"
)

// hookRecord is a persisted on-disconnect action. Hooks live in the store
// so a crashed process still has its connections' hooks run on next Open.
type hookRecord struct {
	UserID string `json:"user_id"`
	Path   string `json:"path"`
	Action string `json:"action"`
	Value  []byte `json:"value,omitempty"`
	// Stamp names a field set to the disconnect time (unix millis) when
	// an append hook fires.
	Stamp string `json:"stamp,omitempty"`
}

type hookEntry struct {
	key  string
	conn string
	rec  hookRecord
}

func (s *Store) hookMutation(connID string, rec hookRecord) (mutation, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return mutation{}, fmt.Errorf("marshal hook: %w", err)
	}
	seq := atomic.AddUint64(&s.hookSeq, 1)
	return mutation{kind: mutRawSet, key: keys.GenHookKey(connID, seq), value: b}, nil
}

func (s *Store) listHooks(prefix string) ([]hookEntry, error) {
	var out []hookEntry
	err := s.read(func(db *pebble.DB) error {
		iter, err := db.NewIter(&pebble.IterOptions{
			LowerBound: []byte(prefix),
			UpperBound: keys.NextPrefix([]byte(prefix)),
		})
		if err != nil {
			return syncerr.Network(err, "list hooks")
		}
		defer iter.Close()
		for valid := iter.First(); valid; valid = iter.Next() {
			k := string(iter.Key())
			var rec hookRecord
			if err := json.Unmarshal(iter.Value(), &rec); err != nil {
				logger.Error("store_hook_invalid", "key", k, "error", err)
				continue
			}
			out = append(out, hookEntry{key: k, conn: hookConn(k), rec: rec})
		}
		return iter.Error()
	})
	return out, err
}

// hookConn extracts the connection id from h:<conn_id>:<seq>.
func hookConn(key string) string {
	rest := key[len(keys.HookRoot):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			return rest[:i]
		}
	}
	return rest
}

// runHooks executes and deletes every hook in entries in one commit.
func (s *Store) runHooks(ctx context.Context, entries []hookEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.clock.Now().UnixMilli()
	muts := make([]mutation, 0, len(entries)*2)
	for _, e := range entries {
		switch e.rec.Action {
		case hookRemove:
			muts = append(muts, mutation{kind: mutDelete, path: e.rec.Path})
		case hookAppend:
			v, err := stamp(e.rec.Value, e.rec.Stamp, now)
			if err != nil {
				logger.Error("store_hook_stamp_failed", "key", e.key, "error", err)
				v = e.rec.Value
			}
			muts = append(muts, mutation{kind: mutAppend, path: e.rec.Path, value: v})
		default:
			logger.Warn("store_hook_unknown_action", "key", e.key, "action", e.rec.Action)
		}
		muts = append(muts, mutation{kind: mutRawDelete, key: e.key})
	}
	if _, err := s.commit(ctx, muts); err != nil {
		return fmt.Errorf("run disconnect hooks: %w", err)
	}
	logger.Debug("store_disconnect_hooks_ran", "count", len(entries))
	return nil
}

func stamp(v []byte, field string, now int64) ([]byte, error) {
	if field == "" {
		return v, nil
	}
	var m map[string]any
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, err
	}
	m[field] = now
	return json.Marshal(m)
}

// recoverHooks runs hooks registered by connections of an earlier process.
func (s *Store) recoverHooks() error {
	entries, err := s.listHooks(keys.HookRoot)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	// keep per-connection registration order, connections in key order
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].conn < entries[j].conn })
	if err := s.runHooks(context.Background(), entries); err != nil {
		return err
	}
	logger.Info("store_disconnect_hooks_recovered", "count", len(entries))
	return nil
}
