// Package profile resolves author display data for feed items.
package profile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
)

// DefaultCapacity is the number of profiles held before the cache is flushed.
const DefaultCapacity = 500

// fetchTimeout bounds a shared fetch, which outlives any single caller.
const fetchTimeout = 10 * time.Second

// Fetcher loads a profile from its authoritative source.
type Fetcher interface {
	Fetch(ctx context.Context, userID string) (models.Profile, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, userID string) (models.Profile, error)

func (f FetcherFunc) Fetch(ctx context.Context, userID string) (models.Profile, error) {
	return f(ctx, userID)
}

// Cache is a read-through profile cache. It is not authoritative: when it
// reaches capacity every entry is dropped before the next insert.
type Cache struct {
	fetcher  Fetcher
	capacity int
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]models.Profile
	flushes int
}

func NewCache(f Fetcher, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		fetcher:  f,
		capacity: capacity,
		entries:  make(map[string]models.Profile),
	}
}

// Get returns the cached profile for userID, fetching it on a miss.
// Concurrent misses for the same user share one fetch. The fetch is not
// tied to any caller's context: a caller whose ctx ends gets ctx.Err()
// while the others keep waiting for the result.
func (c *Cache) Get(ctx context.Context, userID string) (models.Profile, error) {
	if p, ok := c.Peek(userID); ok {
		return p, nil
	}
	ch := c.group.DoChan(userID, func() (any, error) {
		if p, ok := c.Peek(userID); ok {
			return p, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		p, err := c.fetcher.Fetch(fctx, userID)
		if err != nil {
			return models.Profile{}, err
		}
		if p.UserID == "" {
			p.UserID = userID
		}
		c.Put(p)
		return p, nil
	})
	select {
	case <-ctx.Done():
		return models.Profile{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			logger.Debug("profile_fetch_failed", "user", userID, "shared", res.Shared, "error", res.Err)
			return models.Profile{}, res.Err
		}
		return res.Val.(models.Profile), nil
	}
}

// Resolve returns the profile for userID or a placeholder naming the user
// when it cannot be fetched.
func (c *Cache) Resolve(ctx context.Context, userID string) models.Profile {
	p, err := c.Get(ctx, userID)
	if err != nil {
		return Placeholder(userID)
	}
	return p
}

// Peek returns a cached profile without fetching.
func (c *Cache) Peek(userID string) (models.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[userID]
	return p, ok
}

// Put caches p, flushing the whole cache first if it is full.
func (c *Cache) Put(p models.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[p.UserID]; !ok && len(c.entries) >= c.capacity {
		logger.Debug("profile_cache_flushed", "entries", len(c.entries))
		c.entries = make(map[string]models.Profile, c.capacity)
		c.flushes++
	}
	c.entries[p.UserID] = p
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flushes counts wholesale flushes since creation.
func (c *Cache) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// Placeholder is shown for authors whose profile cannot be loaded.
func Placeholder(userID string) models.Profile {
	return models.Profile{UserID: userID, DisplayName: userID}
}
