package push

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"feedsync/pkg/syncerr"
)

func serve(t *testing.T, h fasthttp.RequestHandler) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = fasthttp.Serve(ln, h) }()
	c := NewClient("http://push.local/notices", "secret", time.Second)
	c.HTTP.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }
	return c
}

func TestNotifyPostsJSON(t *testing.T) {
	got := make(chan Notice, 1)
	var auth string
	c := serve(t, func(ctx *fasthttp.RequestCtx) {
		auth = string(ctx.Request.Header.Peek("Authorization"))
		var n Notice
		if err := json.Unmarshal(ctx.PostBody(), &n); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		got <- n
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	})

	err := c.Notify(context.Background(), Notice{Target: "general", Title: "Ada", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, Notice{Target: "general", Title: "Ada", Body: "hi"}, <-got)
	require.Equal(t, "Bearer secret", auth)
}

func TestNotifyClassifiesFailures(t *testing.T) {
	status := fasthttp.StatusBadGateway
	c := serve(t, func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(status) })

	err := c.Notify(context.Background(), Notice{Target: "t"})
	require.True(t, syncerr.IsTransient(err))

	status = fasthttp.StatusForbidden
	err = c.Notify(context.Background(), Notice{Target: "t"})
	require.Equal(t, "permission", syncerr.Kind(err))
}
