package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/retry"
	"feedsync/pkg/store"
)

// Writer publishes the session user's own profile.
type Writer struct {
	client store.Client
	policy retry.Policy
	cache  *Cache
}

// NewWriter returns a writer that retries with policy. cache may be nil.
func NewWriter(c store.Client, policy retry.Policy, cache *Cache) *Writer {
	return &Writer{client: c, policy: policy, cache: cache}
}

// Publish upserts p under profiles/<uid>. Transient failures are retried
// per the writer's policy.
func (w *Writer) Publish(ctx context.Context, p models.Profile) error {
	if p.UserID == "" {
		p.UserID = w.client.UserID()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	err = w.policy.Do(ctx, "profile_publish", func(ctx context.Context) error {
		return w.client.Upsert(ctx, models.ProfilePath(p.UserID), raw)
	})
	if err != nil {
		return err
	}
	if w.cache != nil {
		w.cache.Put(p)
	}
	logger.Info("profile_published", "user", p.UserID)
	return nil
}
