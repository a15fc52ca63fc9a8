// Package push sends best-effort notices to an external push delivery
// service. Fan-out to devices happens on the service side.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"feedsync/pkg/logger"
	"feedsync/pkg/syncerr"
)

// Notice is the payload accepted by the push service.
type Notice struct {
	Target string `json:"target"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Client posts notices as JSON to <Endpoint>.
type Client struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	HTTP     *fasthttp.Client
}

func NewClient(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Token:    token,
		Timeout:  timeout,
		HTTP:     &fasthttp.Client{Name: "feedsync"},
	}
}

func (c *Client) Notify(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.Endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.SetBody(body)

	if err := c.HTTP.DoTimeout(req, resp, c.Timeout); err != nil {
		return syncerr.Network(err, "push notice")
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized || code == fasthttp.StatusForbidden:
		return syncerr.Permission("push service rejected credentials: status %d", code)
	case code >= 500:
		return syncerr.Network(nil, fmt.Sprintf("push service status %d", code))
	case code >= 300:
		return fmt.Errorf("push service: unexpected status %d", code)
	}
	logger.Debug("push_notice_sent", "target", n.Target)
	return nil
}

// Discard is a Notifier that drops every notice.
type Discard struct{}

func (Discard) Notify(context.Context, Notice) error { return nil }
