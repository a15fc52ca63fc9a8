package app

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"feedsync/pkg/logger"
	"feedsync/pkg/syncerr"
)

const submitTimeout = 10 * time.Second

func writeJSON(ctx *fasthttp.RequestCtx, status int, data any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	_ = json.NewEncoder(ctx).Encode(data)
}

func writeJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	writeJSON(ctx, status, map[string]string{"error": message})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch syncerr.Kind(err) {
	case "validation":
		return fasthttp.StatusBadRequest
	case "permission":
		return fasthttp.StatusForbidden
	case "not_found":
		return fasthttp.StatusNotFound
	case "concurrency":
		return fasthttp.StatusConflict
	case "network", "load":
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// handler serves the local inspection endpoints.
func (a *App) handler() fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/healthz":
			writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		case "/readyz":
			a.readyz(ctx)
		case "/metrics":
			metrics(ctx)
		case "/status":
			writeJSON(ctx, fasthttp.StatusOK, a.session.Status())
		case "/feed":
			if ctx.IsPost() {
				a.submit(ctx)
				return
			}
			a.feed(ctx)
		case "/feed/older":
			a.older(ctx)
		case "/presence":
			writeJSON(ctx, fasthttp.StatusOK, a.session.Online())
		case "/typing":
			writeJSON(ctx, fasthttp.StatusOK, a.session.Typers())
		default:
			writeJSONError(ctx, fasthttp.StatusNotFound, "not found")
		}
	}
}

func (a *App) readyz(ctx *fasthttp.RequestCtx) {
	st := a.session.Status()
	if st.Listener != "subscribed" {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok", "version": ver})
}

// feed returns the newest items, oldest first. ?limit= caps the count.
func (a *App) feed(ctx *fasthttp.RequestCtx) {
	limit := a.eff.Config.Feed.PageSize
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n <= 0 {
			writeJSONError(ctx, fasthttp.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(ctx, fasthttp.StatusOK, a.session.View.Newest(limit))
}

func (a *App) older(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		writeJSONError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	page, err := a.session.LoadOlder(ctx)
	if err != nil {
		writeJSONError(ctx, statusFor(err), err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, page)
}

func (a *App) submit(ctx *fasthttp.RequestCtx) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeJSONError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	cctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	item, err := a.session.Submit(cctx, req.Body)
	if err != nil {
		writeJSONError(ctx, statusFor(err), err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, item)
}

func (a *App) newServer() *fasthttp.Server {
	const (
		readTimeout        = 10 * time.Second
		writeTimeout       = 10 * time.Second
		idleTimeout        = 30 * time.Second
		maxRequestBodySize = 64 * 1024
	)
	return &fasthttp.Server{
		Handler:            a.handler(),
		Name:               "feedsync",
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		IdleTimeout:        idleTimeout,
		MaxRequestBodySize: maxRequestBodySize,
	}
}

// startHTTP starts the debug server in a goroutine and returns a channel
// that receives its error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	a.srv = a.newServer()
	addr := a.eff.Config.Debug.Addr
	errCh := make(chan error, 1)
	go func() {
		logger.Info("debug_server_listening", "addr", addr)
		errCh <- a.srv.ListenAndServe(addr)
	}()
	return errCh
}

// serve runs the debug server on ln. Used by tests.
func (a *App) serve(ln net.Listener) <-chan error {
	a.srv = a.newServer()
	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Serve(ln) }()
	return errCh
}
