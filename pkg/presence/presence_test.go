package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"feedsync/pkg/models"
	"feedsync/pkg/retry"
	"feedsync/pkg/store"
	"feedsync/pkg/store/storetest"
	"feedsync/pkg/syncerr"
)

var room = models.Room{Name: "general"}

func noWait() retry.Policy {
	return retry.Policy{Clock: retry.NewInstantClock(time.Unix(0, 0))}
}

func auditActions(t *testing.T, c store.Client) []models.AuditEntry {
	t.Helper()
	children, err := c.RangeQuery(context.Background(), room.Audit(), store.Query{})
	require.NoError(t, err)
	out := make([]models.AuditEntry, 0, len(children))
	for _, ch := range children {
		var e models.AuditEntry
		require.NoError(t, json.Unmarshal(ch.Value, &e))
		out = append(out, e)
	}
	return out
}

func countAction(entries []models.AuditEntry, action string) int {
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestDisconnectRemovesPresenceAndLogsLeave(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(10_000))
	s := storetest.Open(t, clk)
	admin, err := s.Admin()
	require.NoError(t, err)
	conn := storetest.Connect(t, s, "u1")
	ctx := context.Background()

	r := NewRegistrar(conn, room, clk, noWait())
	require.NoError(t, r.Join(ctx, "u1", "Ada"))
	_, err = admin.Get(ctx, room.PresenceOf("u1"))
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	require.NoError(t, conn.Close())

	_, err = admin.Get(ctx, room.PresenceOf("u1"))
	require.True(t, syncerr.IsNotFound(err))

	entries := auditActions(t, admin)
	require.Equal(t, 1, countAction(entries, models.ActionUserJoined))
	require.Equal(t, 1, countAction(entries, models.ActionUserLeft))
	require.Equal(t, int64(15_000), entries[len(entries)-1].At, "leave entry is stamped at disconnect")

	// the hook already fired
	require.NoError(t, r.Leave(ctx))
	require.Equal(t, 1, countAction(auditActions(t, admin), models.ActionUserLeft))
}

func TestExplicitLeaveLogsOnce(t *testing.T) {
	s := storetest.Open(t, nil)
	admin, err := s.Admin()
	require.NoError(t, err)
	conn := storetest.Connect(t, s, "u1")
	ctx := context.Background()

	r := NewRegistrar(conn, room, nil, noWait())
	require.NoError(t, r.Leave(ctx), "leave before join is a no-op")
	require.NoError(t, r.Join(ctx, "u1", "Ada"))
	require.True(t, r.Joined())
	require.NoError(t, r.Leave(ctx))
	require.NoError(t, r.Leave(ctx))
	require.NoError(t, conn.Close())

	entries := auditActions(t, admin)
	require.Equal(t, 1, countAction(entries, models.ActionUserLeft))
	_, err = admin.Get(ctx, room.PresenceOf("u1"))
	require.True(t, syncerr.IsNotFound(err))
}

func TestRejoinKeepsSingleLeaveHook(t *testing.T) {
	s := storetest.Open(t, nil)
	admin, err := s.Admin()
	require.NoError(t, err)
	conn := storetest.Connect(t, s, "u1")
	ctx := context.Background()

	r := NewRegistrar(conn, room, nil, noWait())
	require.NoError(t, r.Join(ctx, "u1", "Ada"))
	require.NoError(t, r.Join(ctx, "u1", "Ada L."))

	raw, err := admin.Get(ctx, room.PresenceOf("u1"))
	require.NoError(t, err)
	var rec models.PresenceRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.Equal(t, "Ada L.", rec.DisplayName)

	require.NoError(t, conn.Close())
	entries := auditActions(t, admin)
	require.Equal(t, 1, countAction(entries, models.ActionUserJoined))
	require.Equal(t, 1, countAction(entries, models.ActionUserLeft))
	_, err = admin.Get(ctx, room.PresenceOf("u1"))
	require.True(t, syncerr.IsNotFound(err))
}

func TestJoinRetriesTransientFailures(t *testing.T) {
	s := storetest.Open(t, nil)
	flaky := storetest.NewFlaky(storetest.Connect(t, s, "u1"))
	flaky.FailNext(storetest.OpUpsert, 2, nil)

	r := NewRegistrar(flaky, room, nil, noWait())
	require.NoError(t, r.Join(context.Background(), "u1", "Ada"))
	require.Equal(t, 3, flaky.Calls(storetest.OpUpsert))
}

func TestJoinGivesUpAfterThreeAttempts(t *testing.T) {
	s := storetest.Open(t, nil)
	flaky := storetest.NewFlaky(storetest.Connect(t, s, "u1"))
	flaky.FailNext(storetest.OpUpsert, 5, nil)

	r := NewRegistrar(flaky, room, nil, noWait())
	err := r.Join(context.Background(), "u1", "Ada")
	require.True(t, errors.Is(err, syncerr.ErrNetwork))
	require.Equal(t, 3, flaky.Calls(storetest.OpUpsert))
	require.False(t, r.Joined())
}

func TestJoinAsSomeoneElseIsRejected(t *testing.T) {
	s := storetest.Open(t, nil)
	flaky := storetest.NewFlaky(storetest.Connect(t, s, "u1"))
	r := NewRegistrar(flaky, room, nil, noWait())
	err := r.Join(context.Background(), "u2", "Mallory")
	require.True(t, errors.Is(err, syncerr.ErrPermission))
	require.Zero(t, flaky.Calls(storetest.OpUpsert))
}

func TestHeartbeatLoopAndStaleMarking(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	clk := testclock.NewClock(start)
	s := storetest.Open(t, clk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := NewObserver(storetest.Connect(t, s, "u9"), room, clk, ObserverConfig{StaleAfter: time.Minute})
	obs.Start()
	defer obs.Stop()

	r := NewRegistrar(storetest.Connect(t, s, "u1"), room, clk, noWait())
	require.NoError(t, r.Join(ctx, "u1", "Ada"))
	require.False(t, obs.Online(start)[0].Stale)
	require.True(t, obs.Online(start.Add(61*time.Second))[0].Stale)

	go r.Run(ctx, 30*time.Second)
	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	want := start.Add(30 * time.Second).UnixMilli()
	require.Eventually(t, func() bool {
		online := obs.Online(clk.Now())
		return len(online) == 1 && online[0].LastSeenAt == want
	}, time.Second, time.Millisecond)
	require.False(t, obs.Online(start.Add(61*time.Second))[0].Stale)
}

func TestObserverCoalescesBursts(t *testing.T) {
	s := storetest.Open(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var calls [][]models.PresenceRecord
	obs := NewObserver(storetest.Connect(t, s, "watcher"), room, nil, ObserverConfig{
		RefreshDebounce: 200 * time.Millisecond,
		OnChange: func(recs []models.PresenceRecord) {
			mu.Lock()
			calls = append(calls, recs)
			mu.Unlock()
		},
	})
	obs.Start()
	defer obs.Stop()

	for _, uid := range []string{"a", "b", "c", "d"} {
		r := NewRegistrar(storetest.Connect(t, s, uid), room, nil, noWait())
		require.NoError(t, r.Join(ctx, uid, uid))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) > 0 && len(calls[len(calls)-1]) == 4
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Less(t, len(calls), 4)
	require.Equal(t, "a", calls[len(calls)-1][0].UserID)
}

func TestObserverRefreshesDuringSustainedChurn(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(1_000_000))
	s := storetest.Open(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	refreshes := 0
	obs := NewObserver(storetest.Connect(t, s, "watcher"), room, clk, ObserverConfig{
		RefreshDebounce: 300 * time.Millisecond,
		OnChange: func([]models.PresenceRecord) {
			mu.Lock()
			refreshes++
			mu.Unlock()
		},
	})
	obs.Start()
	defer obs.Stop()

	conn := storetest.Connect(t, s, "u1")
	for i := 0; i < 15; i++ {
		rec, err := json.Marshal(models.PresenceRecord{UserID: "u1", DisplayName: "Ada", LastSeenAt: clk.Now().UnixMilli()})
		require.NoError(t, err)
		require.NoError(t, conn.Upsert(ctx, room.PresenceOf("u1"), rec))
		clk.Advance(150 * time.Millisecond)
	}

	// changes never pause for a full interval, yet the roster is refreshed
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return refreshes >= 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, refreshes, 8)
}
