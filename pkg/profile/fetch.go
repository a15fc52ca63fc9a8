package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"feedsync/pkg/models"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
)

// StoreFetcher reads profiles from profiles/<uid> in the store.
type StoreFetcher struct {
	Client store.Client
}

func (f StoreFetcher) Fetch(ctx context.Context, userID string) (models.Profile, error) {
	raw, err := f.Client.Get(ctx, models.ProfilePath(userID))
	if err != nil {
		return models.Profile{}, err
	}
	var p models.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Profile{}, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return p, nil
}

// HTTPFetcher loads profiles from a profile service at
// GET <BaseURL>/profiles/<uid>.
type HTTPFetcher struct {
	BaseURL string
	Timeout time.Duration
	Client  *fasthttp.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		Client:  &fasthttp.Client{Name: "feedsync"},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, userID string) (models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return models.Profile{}, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.BaseURL + "/profiles/" + url.PathEscape(userID))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	timeout := f.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if err := f.Client.DoTimeout(req, resp, timeout); err != nil {
		return models.Profile{}, syncerr.Network(err, "fetch profile "+userID)
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return models.Profile{}, syncerr.NotFound("profile %s", userID)
	case code == fasthttp.StatusForbidden || code == fasthttp.StatusUnauthorized:
		return models.Profile{}, syncerr.Permission("profile %s: status %d", userID, code)
	case code >= 500:
		return models.Profile{}, syncerr.Network(nil, fmt.Sprintf("profile service status %d", code))
	case code != fasthttp.StatusOK:
		return models.Profile{}, fmt.Errorf("profile %s: unexpected status %d", userID, code)
	}
	var p models.Profile
	if err := json.Unmarshal(resp.Body(), &p); err != nil {
		return models.Profile{}, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return p, nil
}
