package profile

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"feedsync/pkg/models"
	"feedsync/pkg/retry"
	"feedsync/pkg/store/storetest"
	"feedsync/pkg/syncerr"
)

func TestCacheSharesConcurrentFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context, uid string) (models.Profile, error) {
		calls.Add(1)
		<-release
		return models.Profile{DisplayName: "Ada"}, nil
	})
	c := NewCache(f, 10)

	var wg sync.WaitGroup
	results := make([]models.Profile, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Get(context.Background(), "u1")
			if err != nil {
				t.Errorf("get: %v", err)
			}
			results[i] = p
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, p := range results {
		require.Equal(t, "Ada", p.DisplayName)
		require.Equal(t, "u1", p.UserID)
	}

	_, err := c.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load(), "second get must be served from cache")
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context, uid string) (models.Profile, error) {
		calls.Add(1)
		select {
		case <-release:
			return models.Profile{DisplayName: "Ada"}, nil
		case <-ctx.Done():
			return models.Profile{}, ctx.Err()
		}
	})
	c := NewCache(f, 10)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(first, "u1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan models.Profile, 1)
	go func() {
		p, err := c.Get(context.Background(), "u1")
		if err != nil {
			t.Errorf("get: %v", err)
		}
		second <- p
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	select {
	case p := <-second:
		require.Equal(t, "Ada", p.DisplayName)
	case <-time.After(time.Second):
		t.Fatal("second caller never got the shared result")
	}
	require.Equal(t, int32(1), calls.Load())
	_, ok := c.Peek("u1")
	require.True(t, ok)
}

func TestCacheFlushesAtCapacity(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, uid string) (models.Profile, error) {
		return models.Profile{UserID: uid, DisplayName: uid}, nil
	})
	c := NewCache(f, 2)
	ctx := context.Background()
	for _, uid := range []string{"a", "b"} {
		_, err := c.Get(ctx, uid)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Len())

	_, err := c.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	require.Equal(t, 1, c.Flushes())
	_, ok := c.Peek("a")
	require.False(t, ok)
}

func TestResolveFallsBackToPlaceholder(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, uid string) (models.Profile, error) {
		return models.Profile{}, syncerr.NotFound("profile %s", uid)
	})
	c := NewCache(f, 0)
	p := c.Resolve(context.Background(), "ghost")
	require.Equal(t, "ghost", p.DisplayName)
	require.Zero(t, c.Len(), "failures are not cached")
}

func TestWriterPublishRetriesThenCaches(t *testing.T) {
	s := storetest.Open(t, nil)
	conn := storetest.Connect(t, s, "u1")
	flaky := storetest.NewFlaky(conn)
	flaky.FailNext(storetest.OpUpsert, 2, nil)

	clk := retry.NewInstantClock(time.Unix(0, 0))
	cache := NewCache(StoreFetcher{Client: conn}, 0)
	w := NewWriter(flaky, retry.Policy{Clock: clk}, cache)

	err := w.Publish(context.Background(), models.Profile{DisplayName: "Ada", AvatarURL: "https://x/a.png"})
	require.NoError(t, err)
	require.Equal(t, 3, flaky.Calls(storetest.OpUpsert))
	require.Len(t, clk.Waits(), 2)

	cached, ok := cache.Peek("u1")
	require.True(t, ok)
	require.Equal(t, "Ada", cached.DisplayName)

	fetched, err := StoreFetcher{Client: conn}.Fetch(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "https://x/a.png", fetched.AvatarURL)
}

func TestWriterDoesNotRetryPermission(t *testing.T) {
	s := storetest.Open(t, nil)
	conn := storetest.Connect(t, s, "u1")
	flaky := storetest.NewFlaky(conn)
	w := NewWriter(flaky, retry.Policy{Clock: retry.NewInstantClock(time.Time{})}, nil)

	err := w.Publish(context.Background(), models.Profile{UserID: "u2", DisplayName: "Mallory"})
	require.True(t, errors.Is(err, syncerr.ErrPermission))
	require.Equal(t, 1, flaky.Calls(storetest.OpUpsert))
}

func TestHTTPFetcher(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/profiles/u1":
				body, _ := json.Marshal(models.Profile{UserID: "u1", DisplayName: "Ada"})
				ctx.SetContentType("application/json")
				ctx.SetBody(body)
			case "/profiles/down":
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			default:
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		})
	}()

	f := NewHTTPFetcher("http://profiles.local/", time.Second)
	f.Client.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }
	ctx := context.Background()

	p, err := f.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Ada", p.DisplayName)

	_, err = f.Fetch(ctx, "nobody")
	require.True(t, syncerr.IsNotFound(err))

	_, err = f.Fetch(ctx, "down")
	require.True(t, syncerr.IsTransient(err))
}
