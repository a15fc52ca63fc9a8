package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"feedsync/pkg/syncerr"
)

func TestLinear(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
	}
	for _, tc := range cases {
		if got := Linear(time.Second, tc.attempt); got != tc.want {
			t.Errorf("Linear(1s, %d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	clk := NewInstantClock(time.Unix(0, 0))
	p := Default()
	p.Clock = clk

	calls := 0
	err := p.Do(context.Background(), "presence_join", func(context.Context) error {
		calls++
		if calls < 3 {
			return syncerr.Network(nil, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	waits := clk.Waits()
	require.Len(t, waits, 2)
	for _, w := range waits {
		require.GreaterOrEqual(t, w, time.Second)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	clk := NewInstantClock(time.Unix(0, 0))
	p := Policy{Attempts: 3, Delay: time.Second, Backoff: Linear, Clock: clk}

	calls := 0
	cause := syncerr.Network(errors.New("connection reset"), "upsert")
	err := p.Do(context.Background(), "profile_publish", func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.True(t, syncerr.IsTransient(err), "terminal error should keep its kind")
	require.Contains(t, err.Error(), "gave up after 3 attempts")
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	clk := NewInstantClock(time.Unix(0, 0))
	p := Policy{Clock: clk}

	calls := 0
	err := p.Do(context.Background(), "presence_join", func(context.Context) error {
		calls++
		return syncerr.Permission("nope")
	})
	require.True(t, errors.Is(err, syncerr.ErrPermission))
	require.Equal(t, 1, calls)
	require.Empty(t, clk.Waits())
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Clock: NewInstantClock(time.Time{})}
	calls := 0
	err := p.Do(ctx, "op", func(context.Context) error {
		calls++
		cancel()
		return syncerr.Network(nil, "down")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
