package typing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"feedsync/pkg/models"
	"feedsync/pkg/store/storetest"
	"feedsync/pkg/syncerr"
)

var room = models.Room{Name: "general"}

func TestTypersExcludeSelfAndExpired(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	clk := testclock.NewClock(start)
	s := storetest.Open(t, clk)
	ctx := context.Background()

	me := New(storetest.Connect(t, s, "u1"), room, "Me", clk, Config{})
	me.Start()
	defer me.Stop()
	require.NoError(t, me.SetTyping(ctx, true))

	for uid, age := range map[string]time.Duration{"u2": 11 * time.Second, "u3": 3 * time.Second} {
		c := storetest.Connect(t, s, uid)
		raw, err := json.Marshal(models.TypingState{
			UserID:    uid,
			IsTyping:  true,
			UpdatedAt: start.Add(-age).UnixMilli(),
		})
		require.NoError(t, err)
		require.NoError(t, c.Upsert(ctx, room.TypingOf(uid), raw))
	}

	typers := me.Typers(start)
	require.Len(t, typers, 1)
	require.Equal(t, "u3", typers[0].UserID)

	// the stale record was never cleared but stays hidden
	require.Empty(t, me.Typers(start.Add(8*time.Second)))
}

func TestAutoClearAfterInactivity(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(0))
	s := storetest.Open(t, clk)
	conn := storetest.Connect(t, s, "u1")
	other := storetest.Connect(t, s, "u2")
	ctx := context.Background()

	a := New(conn, room, "Me", clk, Config{})
	defer a.Stop()
	require.NoError(t, a.Input(ctx))
	require.True(t, a.Active())

	require.NoError(t, clk.WaitAdvance(3*time.Second, time.Second, 1))
	require.NoError(t, a.Input(ctx))
	require.NoError(t, clk.WaitAdvance(3*time.Second, time.Second, 1))
	require.True(t, a.Active(), "input restarts the auto-clear timer")

	require.NoError(t, clk.WaitAdvance(2*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return !a.Active() }, time.Second, time.Millisecond)
	_, err := other.Get(ctx, room.TypingOf("u1"))
	require.True(t, syncerr.IsNotFound(err))
}

func TestRefreshesAreThrottled(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(0))
	s := storetest.Open(t, clk)
	flaky := storetest.NewFlaky(storetest.Connect(t, s, "u1"))
	ctx := context.Background()

	a := New(flaky, room, "Me", clk, Config{RefreshPeriod: 2 * time.Second})
	defer a.Stop()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Input(ctx))
	}
	require.Equal(t, 1, flaky.Calls(storetest.OpUpsert))

	clk.Advance(2 * time.Second)
	require.NoError(t, a.Input(ctx))
	require.Equal(t, 2, flaky.Calls(storetest.OpUpsert))
}

func TestDisconnectRemovesTypingRecord(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(0))
	s := storetest.Open(t, clk)
	ctx := context.Background()

	watcher := New(storetest.Connect(t, s, "u2"), room, "Them", clk, Config{})
	watcher.Start()
	defer watcher.Stop()

	conn := storetest.Connect(t, s, "u1")
	a := New(conn, room, "Me", clk, Config{})
	require.NoError(t, a.SetTyping(ctx, true))
	require.Len(t, watcher.Typers(clk.Now()), 1)

	a.Stop()
	require.NoError(t, conn.Close())
	require.Empty(t, watcher.Typers(clk.Now()))
}

func TestClearWhenIdleIsNoop(t *testing.T) {
	s := storetest.Open(t, nil)
	flaky := storetest.NewFlaky(storetest.Connect(t, s, "u1"))
	a := New(flaky, room, "Me", nil, Config{})
	require.NoError(t, a.SetTyping(context.Background(), false))
	require.Zero(t, flaky.Calls(storetest.OpRemove))
}
