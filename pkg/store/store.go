package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"feedsync/pkg/logger"
	"feedsync/pkg/store/keys"
	"feedsync/pkg/syncerr"
)

// Options tunes a Store. The zero value is usable.
type Options struct {
	// Clock assigns child id timestamps. Defaults to clock.WallClock.
	Clock clock.Clock
	// Rules authorizes writes made through non-admin connections.
	// Defaults to DefaultRules().
	Rules Rules
	// Sync fsyncs every commit.
	Sync bool
	// Pebble overrides the pebble options used to open the database.
	Pebble *pebble.Options
}

// Store is a durable tree of JSON values keyed by slash separated paths,
// backed by pebble. Clients reach it through connections (see Connect).
//
// Change notifications are delivered synchronously on the writing
// goroutine, one commit at a time, in commit order. Handlers must not
// write to the store or subscribe with replay from inside a handler.
type Store struct {
	db    *pebble.DB
	path  string
	clock clock.Clock
	rules Rules
	sync  bool

	writeMu sync.Mutex
	closed  bool
	lastTS  int64
	seq     uint64
	hookSeq uint64

	deliverMu sync.Mutex

	// lifeMu guards db against reads racing Close
	lifeMu   sync.RWMutex
	dbClosed bool

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]*Subscription
	nextSub uint64

	connsMu sync.Mutex
	conns   map[string]*Conn
}

var errStoreClosed = errors.New("store closed")

// Open opens (or creates) the store at path and runs any disconnect hooks
// left behind by connections of a previous process.
func Open(path string, opts Options) (*Store, error) {
	popts := opts.Pebble
	if popts == nil {
		popts = &pebble.Options{}
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, syncerr.Network(err, "open store")
	}
	s := &Store{
		db:    db,
		path:  path,
		clock: opts.Clock,
		rules: opts.Rules,
		sync:  opts.Sync,
		subs:  make(map[string]map[uint64]*Subscription),
		conns: make(map[string]*Conn),
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.rules == nil {
		s.rules = DefaultRules()
	}
	if err := s.recoverHooks(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store_opened", "path", path)
	return s, nil
}

// Connect opens a connection acting as userID. An empty userID yields an
// administrative connection that bypasses the access rules.
func (s *Store) Connect(userID string) (*Conn, error) {
	s.writeMu.Lock()
	closed := s.closed
	s.writeMu.Unlock()
	if closed {
		return nil, syncerr.Closed(errStoreClosed, "connect")
	}
	c := &Conn{
		id:     uuid.NewString(),
		userID: userID,
		store:  s,
		subs:   make(map[uint64]*Subscription),
	}
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
	logger.Debug("store_conn_opened", "conn", c.id, "user", userID)
	return c, nil
}

// Admin returns an administrative connection.
func (s *Store) Admin() (*Conn, error) {
	return s.Connect("")
}

// Close ends every open connection, running their disconnect hooks, and
// closes the database.
func (s *Store) Close() error {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		if err := c.Close(); err != nil {
			logger.Warn("store_conn_close_failed", "conn", c.id, "error", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.dbClosed = true
	if err := s.db.Flush(); err != nil {
		logger.Error("store_flush_failed", "error", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close pebble: %w", err)
	}
	logger.Info("store_closed", "path", s.path)
	return nil
}

// Metrics exposes pebble's internal metrics for diagnostics. It returns
// nil once the store is closed.
func (s *Store) Metrics() *pebble.Metrics {
	var m *pebble.Metrics
	_ = s.read(func(db *pebble.DB) error {
		m = db.Metrics()
		return nil
	})
	return m
}

func (s *Store) dropConn(id string) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
}

func (s *Store) writeOpt() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// nextChildID must be called with writeMu held.
func (s *Store) nextChildID() string {
	ts := s.clock.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS
		s.seq++
	} else {
		s.lastTS = ts
		s.seq = 0
	}
	return keys.GenChildID(ts, s.seq)
}

type mutationKind int

const (
	mutSet mutationKind = iota
	mutDelete
	mutAppend
	mutRawSet
	mutRawDelete
)

// mutation is one step of an atomic commit. Raw mutations address a
// storage key directly and never produce events.
type mutation struct {
	kind  mutationKind
	path  string
	key   string
	value []byte
}

type commitResult struct {
	ids    []string
	events []Event
}

// commit applies muts atomically and delivers the resulting events.
func (s *Store) commit(ctx context.Context, muts []mutation) (commitResult, error) {
	return s.commitAs(ctx, nil, muts)
}

// commitAs is commit on behalf of c, which must not have been closed.
func (s *Store) commitAs(ctx context.Context, c *Conn, muts []mutation) (commitResult, error) {
	var res commitResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return res, syncerr.Closed(errStoreClosed, "commit")
	}
	if c != nil && c.closedLocked() {
		s.writeMu.Unlock()
		return res, syncerr.Closed(errConnClosed, "commit")
	}
	b := s.db.NewIndexedBatch()
	defer b.Close()

	if err := s.stage(b, muts, &res); err != nil {
		s.writeMu.Unlock()
		return commitResult{}, err
	}
	if err := b.Commit(s.writeOpt()); err != nil {
		s.writeMu.Unlock()
		logger.Error("store_commit_failed", "error", err)
		return commitResult{}, syncerr.Network(err, "commit")
	}

	// hand off to delivery before releasing the write lock so events reach
	// subscribers in commit order
	s.deliverMu.Lock()
	s.writeMu.Unlock()
	s.dispatch(res.events)
	s.deliverMu.Unlock()
	return res, nil
}

// stage writes muts into b, recording generated ids and events on res.
func (s *Store) stage(b *pebble.Batch, muts []mutation, res *commitResult) error {
	for _, m := range muts {
		switch m.kind {
		case mutRawSet:
			if err := b.Set([]byte(m.key), m.value, nil); err != nil {
				return fmt.Errorf("batch set %s: %w", m.key, err)
			}
		case mutRawDelete:
			if err := b.Delete([]byte(m.key), nil); err != nil {
				return fmt.Errorf("batch delete %s: %w", m.key, err)
			}
		case mutAppend:
			id := s.nextChildID()
			path := keys.Join(m.path, id)
			if err := b.Set([]byte(keys.GenNodeKey(path)), m.value, nil); err != nil {
				return fmt.Errorf("batch append %s: %w", path, err)
			}
			res.ids = append(res.ids, id)
			res.events = append(res.events, Event{Type: ChildAppended, Parent: keys.CleanPath(m.path), ID: id, Value: m.value})
		case mutSet:
			key := []byte(keys.GenNodeKey(m.path))
			_, existed, err := batchGet(b, key)
			if err != nil {
				return err
			}
			if err := b.Set(key, m.value, nil); err != nil {
				return fmt.Errorf("batch set %s: %w", m.path, err)
			}
			typ := ChildAppended
			if existed {
				typ = ChildChanged
			}
			parent, id := keys.Split(m.path)
			res.events = append(res.events, Event{Type: typ, Parent: parent, ID: id, Value: m.value})
		case mutDelete:
			key := []byte(keys.GenNodeKey(m.path))
			prev, existed, err := batchGet(b, key)
			if err != nil {
				return err
			}
			if !existed {
				continue
			}
			if err := b.Delete(key, nil); err != nil {
				return fmt.Errorf("batch delete %s: %w", m.path, err)
			}
			parent, id := keys.Split(m.path)
			res.events = append(res.events, Event{Type: ChildRemoved, Parent: parent, ID: id, Value: prev})
		}
	}
	return nil
}

func batchGet(b *pebble.Batch, key []byte) ([]byte, bool, error) {
	v, closer, err := b.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("batch get %s: %w", key, err)
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, true, nil
}

// read runs fn against the open database.
func (s *Store) read(fn func(db *pebble.DB) error) error {
	s.lifeMu.RLock()
	defer s.lifeMu.RUnlock()
	if s.dbClosed {
		return syncerr.Closed(errStoreClosed, "read")
	}
	return fn(s.db)
}

func (s *Store) get(path string) ([]byte, error) {
	var out []byte
	err := s.read(func(db *pebble.DB) error {
		v, err := getValue(db, path)
		out = v
		return err
	})
	return out, err
}

func getValue(db *pebble.DB, path string) ([]byte, error) {
	v, closer, err := db.Get([]byte(keys.GenNodeKey(path)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, syncerr.NotFound("no value at %s", keys.CleanPath(path))
		}
		logger.Error("store_get_failed", "path", path, "error", err)
		return nil, syncerr.Network(err, "get")
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}
