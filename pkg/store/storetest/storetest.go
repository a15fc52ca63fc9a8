// Package storetest provides helpers for tests that need a real store or
// a store client with injected faults.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/juju/clock"

	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
)

// Open opens a store in a temporary directory, closed on test cleanup.
func Open(t testing.TB, clk clock.Clock) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{Clock: clk})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Connect opens a connection for user.
func Connect(t testing.TB, s *store.Store, user string) *store.Conn {
	t.Helper()
	c, err := s.Connect(user)
	if err != nil {
		t.Fatalf("connect %s: %v", user, err)
	}
	return c
}

// Operation names understood by Flaky.
const (
	OpAppend     = "append"
	OpUpsert     = "upsert"
	OpPatch      = "patch"
	OpRemove     = "remove"
	OpGet        = "get"
	OpRangeQuery = "range_query"
)

// Flaky wraps a client and fails or holds selected operations.
type Flaky struct {
	store.Client

	mu    sync.Mutex
	fails map[string][]error
	gates map[string]*gate
	calls map[string]int
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func NewFlaky(c store.Client) *Flaky {
	return &Flaky{
		Client: c,
		fails:  make(map[string][]error),
		gates:  make(map[string]*gate),
		calls:  make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail with err. A nil err means a
// network error.
func (f *Flaky) FailNext(op string, n int, err error) {
	if err == nil {
		err = syncerr.Network(nil, "injected "+op+" failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.fails[op] = append(f.fails[op], err)
	}
}

// Hold blocks the next call of op until release is called. entered is
// closed once that call is blocked.
func (f *Flaky) Hold(op string) (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[op] = g
	f.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

// Calls returns how many times op was invoked.
func (f *Flaky) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Flaky) before(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	g := f.gates[op]
	delete(f.gates, op)
	var err error
	if q := f.fails[op]; len(q) > 0 {
		err = q[0]
		f.fails[op] = q[1:]
	}
	f.mu.Unlock()

	if g != nil {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Flaky) Append(ctx context.Context, path string, value []byte) (string, error) {
	if err := f.before(ctx, OpAppend); err != nil {
		return "", err
	}
	return f.Client.Append(ctx, path, value)
}

func (f *Flaky) Upsert(ctx context.Context, path string, value []byte, opts ...store.WriteOption) error {
	if err := f.before(ctx, OpUpsert); err != nil {
		return err
	}
	return f.Client.Upsert(ctx, path, value, opts...)
}

func (f *Flaky) Patch(ctx context.Context, updates map[string][]byte) error {
	if err := f.before(ctx, OpPatch); err != nil {
		return err
	}
	return f.Client.Patch(ctx, updates)
}

func (f *Flaky) Remove(ctx context.Context, path string) error {
	if err := f.before(ctx, OpRemove); err != nil {
		return err
	}
	return f.Client.Remove(ctx, path)
}

func (f *Flaky) Get(ctx context.Context, path string) ([]byte, error) {
	if err := f.before(ctx, OpGet); err != nil {
		return nil, err
	}
	return f.Client.Get(ctx, path)
}

func (f *Flaky) RangeQuery(ctx context.Context, path string, q store.Query) ([]store.Child, error) {
	if err := f.before(ctx, OpRangeQuery); err != nil {
		return nil, err
	}
	return f.Client.RangeQuery(ctx, path, q)
}
