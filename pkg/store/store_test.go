package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"feedsync/pkg/store/keys"
	"feedsync/pkg/syncerr"
)

func openTestStore(t *testing.T, clk *testclock.Clock) *Store {
	t.Helper()
	opts := Options{}
	if clk != nil {
		opts.Clock = clk
	}
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connect(t *testing.T, s *Store, user string) *Conn {
	t.Helper()
	c, err := s.Connect(user)
	require.NoError(t, err)
	return c
}

func msg(author string, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"author_id":%q,"body":"b%d","created_at":%d}`, author, ts, ts))
}

func TestAppendAssignsOrderedIDsAndNotifies(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(5_000))
	s := openTestStore(t, clk)
	c := connect(t, s, "u1")
	ctx := context.Background()

	var seen []string
	sub := c.OnChildAppended("rooms/r/messages", func(ev Event) { seen = append(seen, ev.ID) })
	defer sub.Dispose()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.Append(ctx, "rooms/r/messages", msg("u1", int64(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, ids, seen)
	require.Less(t, ids[0], ids[1])
	require.Less(t, ids[1], ids[2])

	v, err := c.Get(ctx, "rooms/r/messages/"+ids[1])
	require.NoError(t, err)
	require.JSONEq(t, string(msg("u1", 1)), string(v))
}

func TestUpsertRemoveEvents(t *testing.T) {
	s := openTestStore(t, nil)
	c := connect(t, s, "u1")
	ctx := context.Background()

	var types []EventType
	sub := c.Watch("rooms/r/presence", func(ev Event) { types = append(types, ev.Type) })
	defer sub.Dispose()

	require.NoError(t, c.Upsert(ctx, "rooms/r/presence/u1", []byte(`{"user_id":"u1"}`)))
	require.NoError(t, c.Upsert(ctx, "rooms/r/presence/u1", []byte(`{"user_id":"u1","x":1}`)))
	require.NoError(t, c.Remove(ctx, "rooms/r/presence/u1"))
	// removing again is an idempotent no-op
	require.NoError(t, c.Remove(ctx, "rooms/r/presence/u1"))

	require.Equal(t, []EventType{ChildAppended, ChildChanged, ChildRemoved}, types)

	_, err := c.Get(ctx, "rooms/r/presence/u1")
	require.True(t, errors.Is(err, syncerr.ErrNotFound))
}

func TestRangeQueryByField(t *testing.T) {
	s := openTestStore(t, nil)
	c := connect(t, s, "u1")
	ctx := context.Background()

	// appended out of created_at order on purpose
	for _, ts := range []int64{30, 10, 50, 20, 40} {
		_, err := c.Append(ctx, "rooms/r/messages", msg("u1", ts))
		require.NoError(t, err)
	}

	got, err := c.RangeQuery(ctx, "rooms/r/messages", Query{OrderBy: "created_at", Limit: 2, Last: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(40), got[0].Order)
	require.Equal(t, int64(50), got[1].Order)

	got, err = c.RangeQuery(ctx, "rooms/r/messages", Query{OrderBy: "created_at", Before: &Bound{Value: 40}, Limit: 10, Last: true})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, int64(10), got[0].Order)
	require.Equal(t, int64(30), got[2].Order)

	got, err = c.RangeQuery(ctx, "rooms/r/messages", Query{OrderBy: "created_at", After: &Bound{Value: 40}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(50), got[0].Order)
}

func TestRangeQueryByKeySkipsGrandchildren(t *testing.T) {
	s := openTestStore(t, nil)
	c := connect(t, s, "")
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Upsert(ctx, "things/"+k, []byte(`{}`)))
	}
	require.NoError(t, c.Upsert(ctx, "things/b/nested", []byte(`{}`)))

	got, err := c.RangeQuery(ctx, "things", Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, childIDs(got))

	got, err = c.RangeQuery(ctx, "things", Query{Before: &Bound{Key: "d"}, Limit: 2, Last: true})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, childIDs(got))

	got, err = c.RangeQuery(ctx, "things", Query{After: &Bound{Key: "a"}, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, childIDs(got))
}

func childIDs(cs []Child) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestReplaySubscription(t *testing.T) {
	s := openTestStore(t, nil)
	c := connect(t, s, "u1")
	ctx := context.Background()

	first, err := c.Append(ctx, "rooms/r/messages", msg("u1", 1))
	require.NoError(t, err)

	var seen []string
	sub := c.OnChildAppended("rooms/r/messages", func(ev Event) { seen = append(seen, ev.ID) }, WithReplay())
	defer sub.Dispose()

	second, err := c.Append(ctx, "rooms/r/messages", msg("u1", 2))
	require.NoError(t, err)
	require.Equal(t, []string{first, second}, seen)
}

func TestDisposeStopsDelivery(t *testing.T) {
	s := openTestStore(t, nil)
	c := connect(t, s, "u1")
	ctx := context.Background()

	calls := 0
	sub := c.OnChildAppended("rooms/r/messages", func(Event) { calls++ })
	_, err := c.Append(ctx, "rooms/r/messages", msg("u1", 1))
	require.NoError(t, err)
	sub.Dispose()
	sub.Dispose()
	require.False(t, sub.Active())
	_, err = c.Append(ctx, "rooms/r/messages", msg("u1", 2))
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDisconnectHooks(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(1_000))
	s := openTestStore(t, clk)
	ctx := context.Background()
	alice := connect(t, s, "alice")
	observer := connect(t, s, "bob")

	leftAudit := []byte(`{"action":"user_left","user_id":"alice"}`)
	err := alice.Upsert(ctx, "rooms/r/presence/alice", []byte(`{"user_id":"alice"}`),
		RemoveOnDisconnect(),
		AppendOnDisconnect("rooms/r/audit", leftAudit, StampField("at")))
	require.NoError(t, err)

	var removed []string
	sub := observer.OnChildRemoved("rooms/r/presence", func(ev Event) { removed = append(removed, ev.ID) })
	defer sub.Dispose()

	clk.Advance(4 * time.Second)
	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	require.Equal(t, []string{"alice"}, removed)
	audit, err := observer.RangeQuery(ctx, "rooms/r/audit", Query{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(audit[0].Value, &entry))
	require.Equal(t, "user_left", entry["action"])
	require.EqualValues(t, 5_000, entry["at"])

	_, err = alice.Get(ctx, "rooms/r/presence/alice")
	require.True(t, errors.Is(err, syncerr.ErrNetwork), "closed connection should report a network error")
}

func TestCancelOnDisconnect(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	alice := connect(t, s, "alice")

	require.NoError(t, alice.Upsert(ctx, "rooms/r/presence/alice", []byte(`{}`), RemoveOnDisconnect()))
	require.NoError(t, alice.CancelOnDisconnect(ctx, "rooms/r/presence/alice"))
	require.NoError(t, alice.Close())

	admin := connect(t, s, "")
	_, err := admin.Get(ctx, "rooms/r/presence/alice")
	require.NoError(t, err, "cancelled hook must not remove the record")
}

func TestHooksRecoveredAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	alice, err := s.Connect("alice")
	require.NoError(t, err)
	require.NoError(t, alice.Upsert(ctx, "rooms/r/presence/alice", []byte(`{}`), RemoveOnDisconnect()))

	// simulate a crash: the database goes away without the connection
	// closing
	s.writeMu.Lock()
	s.closed = true
	s.dbClosed = true
	require.NoError(t, s.db.Close())
	s.writeMu.Unlock()

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s2.Close()
	admin, err := s2.Admin()
	require.NoError(t, err)
	_, err = admin.Get(ctx, "rooms/r/presence/alice")
	require.True(t, errors.Is(err, syncerr.ErrNotFound), "presence should be removed on recovery, got %v", err)
}

func TestRules(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	err := alice.Upsert(ctx, "rooms/r/presence/bob", []byte(`{}`))
	require.True(t, errors.Is(err, syncerr.ErrPermission))

	_, err = alice.Append(ctx, "rooms/r/messages", msg("bob", 1))
	require.True(t, errors.Is(err, syncerr.ErrPermission))

	id, err := alice.Append(ctx, "rooms/r/messages", msg("alice", 1))
	require.NoError(t, err)
	err = bob.Remove(ctx, "rooms/r/messages/"+id)
	require.True(t, errors.Is(err, syncerr.ErrPermission))
	require.NoError(t, alice.Remove(ctx, "rooms/r/messages/"+id))

	admin := connect(t, s, "")
	require.NoError(t, admin.Upsert(ctx, "rooms/r/presence/bob", []byte(`{}`)))
}

func TestPatchIsAtomic(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	c := connect(t, s, "")

	require.NoError(t, c.Upsert(ctx, "a/x", []byte(`1`)))
	var events []Event
	sub := c.Watch("a", func(ev Event) { events = append(events, ev) })
	defer sub.Dispose()

	require.NoError(t, c.Patch(ctx, map[string][]byte{"a/x": nil, "a/y": []byte(`2`)}))
	require.Len(t, events, 2)
	_, err := c.Get(ctx, "a/x")
	require.True(t, syncerr.IsNotFound(err))
	v, err := c.Get(ctx, "a/y")
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
}

func TestCanceledContext(t *testing.T) {
	s := openTestStore(t, nil)
	c := connect(t, s, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Append(ctx, "rooms/r/messages", msg("u1", 1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNoHookOutlivesClose(t *testing.T) {
	s := openTestStore(t, nil)
	admin := connect(t, s, "")
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		c := connect(t, s, "u1")
		path := fmt.Sprintf("rooms/r%d/presence/u1", i)
		done := make(chan error, 1)
		started := make(chan struct{})
		go func() {
			close(started)
			for {
				if err := c.Upsert(ctx, path, []byte(`{}`), RemoveOnDisconnect()); err != nil {
					done <- err
					return
				}
			}
		}()
		<-started
		require.NoError(t, c.Close())
		require.True(t, syncerr.IsClosed(<-done))

		_, err := admin.Get(ctx, path)
		require.True(t, syncerr.IsNotFound(err), "record at %s survived its connection", path)
		hooks, err := s.listHooks(keys.GenHookPrefix(c.ID()))
		require.NoError(t, err)
		require.Empty(t, hooks)
	}
}
