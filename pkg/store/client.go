package store

import "context"

// Client is the durable store contract the sync components depend on.
// *Conn implements it.
type Client interface {
	// UserID is the identity writes are authorized as.
	UserID() string

	// Append stores value as a new child of path and returns its
	// store-assigned id. Ids sort in append order.
	Append(ctx context.Context, path string, value []byte) (string, error)
	Upsert(ctx context.Context, path string, value []byte, opts ...WriteOption) error
	// Patch applies several writes atomically. A nil value removes the path.
	Patch(ctx context.Context, updates map[string][]byte) error
	// Remove deletes the value at path. Removing a missing path is a no-op.
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) ([]byte, error)
	RangeQuery(ctx context.Context, path string, q Query) ([]Child, error)

	OnChildAppended(path string, fn Handler, opts ...SubscribeOption) *Subscription
	OnChildRemoved(path string, fn Handler, opts ...SubscribeOption) *Subscription
	Watch(path string, fn Handler, opts ...SubscribeOption) *Subscription

	// OnDisconnectRemove removes path when this connection ends.
	OnDisconnectRemove(ctx context.Context, path string) error
	// OnDisconnectAppend appends value under path when this connection ends.
	OnDisconnectAppend(ctx context.Context, path string, value []byte, opts ...HookOption) error
	// CancelOnDisconnect drops every hook this connection registered for path.
	CancelOnDisconnect(ctx context.Context, path string) error
}

var _ Client = (*Conn)(nil)
