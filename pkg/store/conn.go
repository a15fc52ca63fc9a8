package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"feedsync/pkg/logger"
	"feedsync/pkg/store/keys"
	"feedsync/pkg/syncerr"
)

var errConnClosed = errors.New("connection closed")

// Conn is one client's connection to a Store. Writes are authorized as
// the connection's user and on-disconnect hooks are scoped to it.
type Conn struct {
	id     string
	userID string
	store  *Store

	mu     sync.Mutex
	closed bool
	subs   map[uint64]*Subscription
}

// HookOption configures an on-disconnect append.
type HookOption func(*hookRecord)

// StampField sets field of the appended JSON object to the disconnect
// time in unix millis.
func StampField(field string) HookOption {
	return func(r *hookRecord) { r.Stamp = field }
}

type writeOptions struct {
	removeOnDisconnect bool
	appends            []hookRecord
}

// WriteOption attaches on-disconnect hooks to an Upsert. The hooks are
// committed in the same batch as the write.
type WriteOption func(*writeOptions)

// RemoveOnDisconnect removes the written path when the connection ends.
func RemoveOnDisconnect() WriteOption {
	return func(o *writeOptions) { o.removeOnDisconnect = true }
}

// AppendOnDisconnect appends value under path when the connection ends.
func AppendOnDisconnect(path string, value []byte, opts ...HookOption) WriteOption {
	rec := hookRecord{Path: keys.CleanPath(path), Action: hookAppend, Value: value}
	for _, opt := range opts {
		opt(&rec)
	}
	return func(o *writeOptions) { o.appends = append(o.appends, rec) }
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return syncerr.Closed(errConnClosed, "store connection")
	}
	return nil
}

// closedLocked reports whether Close has started. The caller holds the
// store's write lock.
func (c *Conn) closedLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) authorize(op Op, path string, prev, next []byte) error {
	if c.userID == "" {
		return nil
	}
	return c.store.rules.Authorize(c.userID, op, path, prev, next)
}

func validPath(path string) (string, error) {
	p := keys.CleanPath(path)
	if p == "" {
		return "", syncerr.Validation("empty store path")
	}
	return p, nil
}

func (c *Conn) Append(ctx context.Context, path string, value []byte) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	p, err := validPath(path)
	if err != nil {
		return "", err
	}
	if err := c.authorize(OpWrite, keys.Join(p, "*"), nil, value); err != nil {
		return "", err
	}
	res, err := c.store.commitAs(ctx, c, []mutation{{kind: mutAppend, path: p, value: value}})
	if err != nil {
		return "", err
	}
	return res.ids[0], nil
}

func (c *Conn) Upsert(ctx context.Context, path string, value []byte, opts ...WriteOption) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := validPath(path)
	if err != nil {
		return err
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := c.authorize(OpWrite, p, nil, value); err != nil {
		return err
	}
	muts := []mutation{{kind: mutSet, path: p, value: value}}
	if o.removeOnDisconnect {
		m, err := c.store.hookMutation(c.id, hookRecord{UserID: c.userID, Path: p, Action: hookRemove})
		if err != nil {
			return err
		}
		muts = append(muts, m)
	}
	for _, rec := range o.appends {
		if err := c.authorize(OpWrite, keys.Join(rec.Path, "*"), nil, rec.Value); err != nil {
			return err
		}
		rec.UserID = c.userID
		m, err := c.store.hookMutation(c.id, rec)
		if err != nil {
			return err
		}
		muts = append(muts, m)
	}
	_, err = c.store.commitAs(ctx, c, muts)
	return err
}

func (c *Conn) Patch(ctx context.Context, updates map[string][]byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	muts := make([]mutation, 0, len(paths))
	for _, raw := range paths {
		p, err := validPath(raw)
		if err != nil {
			return err
		}
		v := updates[raw]
		if v == nil {
			prev, err := c.store.get(p)
			if err != nil && !syncerr.IsNotFound(err) {
				return err
			}
			if err := c.authorize(OpRemove, p, prev, nil); err != nil {
				return err
			}
			muts = append(muts, mutation{kind: mutDelete, path: p})
			continue
		}
		if err := c.authorize(OpWrite, p, nil, v); err != nil {
			return err
		}
		muts = append(muts, mutation{kind: mutSet, path: p, value: v})
	}
	_, err := c.store.commitAs(ctx, c, muts)
	return err
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := validPath(path)
	if err != nil {
		return err
	}
	prev, err := c.store.get(p)
	if err != nil {
		if syncerr.IsNotFound(err) {
			logger.Debug("store_remove_missing", "path", p)
			return nil
		}
		return err
	}
	if err := c.authorize(OpRemove, p, prev, nil); err != nil {
		return err
	}
	_, err = c.store.commitAs(ctx, c, []mutation{{kind: mutDelete, path: p}})
	return err
}

func (c *Conn) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.store.get(path)
}

func (c *Conn) RangeQuery(ctx context.Context, path string, q Query) ([]Child, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.store.rangeQuery(path, q)
}

func (c *Conn) OnChildAppended(path string, fn Handler, opts ...SubscribeOption) *Subscription {
	return c.subscribe(path, ChildAppended, fn, opts)
}

func (c *Conn) OnChildRemoved(path string, fn Handler, opts ...SubscribeOption) *Subscription {
	return c.subscribe(path, ChildRemoved, fn, opts)
}

// Watch delivers every kind of child event for path.
func (c *Conn) Watch(path string, fn Handler, opts ...SubscribeOption) *Subscription {
	return c.subscribe(path, AllEvents, fn, opts)
}

func (c *Conn) subscribe(path string, mask EventType, fn Handler, opts []SubscribeOption) *Subscription {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &Subscription{store: c.store, closed: true}
	}
	c.mu.Unlock()
	sub := c.store.subscribe(c, path, mask, fn, opts)
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	return sub
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Conn) OnDisconnectRemove(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := validPath(path)
	if err != nil {
		return err
	}
	prev, err := c.store.get(p)
	if err != nil && !syncerr.IsNotFound(err) {
		return err
	}
	if err := c.authorize(OpRemove, p, prev, nil); err != nil {
		return err
	}
	m, err := c.store.hookMutation(c.id, hookRecord{UserID: c.userID, Path: p, Action: hookRemove})
	if err != nil {
		return err
	}
	_, err = c.store.commitAs(ctx, c, []mutation{m})
	return err
}

func (c *Conn) OnDisconnectAppend(ctx context.Context, path string, value []byte, opts ...HookOption) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := validPath(path)
	if err != nil {
		return err
	}
	if err := c.authorize(OpWrite, keys.Join(p, "*"), nil, value); err != nil {
		return err
	}
	rec := hookRecord{UserID: c.userID, Path: p, Action: hookAppend, Value: value}
	for _, opt := range opts {
		opt(&rec)
	}
	m, err := c.store.hookMutation(c.id, rec)
	if err != nil {
		return err
	}
	_, err = c.store.commitAs(ctx, c, []mutation{m})
	return err
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p := keys.CleanPath(path)
	entries, err := c.store.listHooks(keys.GenHookPrefix(c.id))
	if err != nil {
		return err
	}
	var muts []mutation
	for _, e := range entries {
		if e.rec.Path == p {
			muts = append(muts, mutation{kind: mutRawDelete, key: e.key})
		}
	}
	if len(muts) == 0 {
		return nil
	}
	_, err = c.store.commitAs(ctx, c, muts)
	return err
}

// Close ends the connection: its subscriptions are disposed and its
// on-disconnect hooks run. Later calls on the connection fail with a
// network error. Close is idempotent.
func (c *Conn) Close() error {
	// taken with the write lock so no write of this connection commits
	// after its hooks are listed
	c.store.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.store.writeMu.Unlock()
		return nil
	}
	c.closed = true
	c.store.writeMu.Unlock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Dispose()
	}
	defer c.store.dropConn(c.id)

	entries, err := c.store.listHooks(keys.GenHookPrefix(c.id))
	if err != nil {
		return err
	}
	if err := c.store.runHooks(context.Background(), entries); err != nil {
		logger.Error("store_conn_hooks_failed", "conn", c.id, "error", err)
		return err
	}
	logger.Debug("store_conn_closed", "conn", c.id, "user", c.userID, "hooks", len(entries))
	return nil
}
