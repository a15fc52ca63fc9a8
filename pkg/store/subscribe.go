package store

import (
	"sort"
	"sync"

	"feedsync/pkg/logger"
	"feedsync/pkg/store/keys"
)

// EventType is a bit set so a subscription can listen for several kinds.
type EventType uint8

const (
	ChildAppended EventType = 1 << iota
	ChildChanged
	ChildRemoved

	AllEvents = ChildAppended | ChildChanged | ChildRemoved
)

func (t EventType) String() string {
	switch t {
	case ChildAppended:
		return "child_appended"
	case ChildChanged:
		return "child_changed"
	case ChildRemoved:
		return "child_removed"
	default:
		return "mixed"
	}
}

// Event describes a change to a direct child of Parent. For removals
// Value holds the removed value.
type Event struct {
	Type   EventType
	Parent string
	ID     string
	Value  []byte
}

// Handler receives events. It runs on the writer's goroutine.
type Handler func(Event)

type subscribeOptions struct {
	replay bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

// WithReplay delivers every existing child as ChildAppended, in key order,
// before any live event. No commit is missed or seen twice across the
// boundary.
func WithReplay() SubscribeOption {
	return func(o *subscribeOptions) { o.replay = true }
}

// Subscription is a disposable registration for child events.
type Subscription struct {
	id    uint64
	path  string
	mask  EventType
	fn    Handler
	store *Store
	conn  *Conn

	mu     sync.Mutex
	closed bool
}

// Dispose stops delivery. Once it returns the handler is never invoked
// again. It waits for an in-progress invocation of this subscription's
// handler, so it must not be called from that handler.
func (s *Subscription) Dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.store.unsubscribe(s)
	if s.conn != nil {
		s.conn.forget(s.id)
	}
}

// Active reports whether the subscription still delivers events.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(ev)
}

func (s *Store) subscribe(conn *Conn, path string, mask EventType, fn Handler, opts []SubscribeOption) *Subscription {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	path = keys.CleanPath(path)

	s.subsMu.Lock()
	s.nextSub++
	sub := &Subscription{id: s.nextSub, path: path, mask: mask, fn: fn, store: s, conn: conn}
	s.subsMu.Unlock()

	if !o.replay {
		s.register(sub)
		return sub
	}

	// same lock order as commit: no commit can land between the snapshot
	// and registration
	s.writeMu.Lock()
	s.deliverMu.Lock()
	s.writeMu.Unlock()
	defer s.deliverMu.Unlock()

	s.register(sub)
	children, err := s.rangeQuery(path, Query{})
	if err != nil {
		logger.Error("store_replay_failed", "path", path, "error", err)
		return sub
	}
	if mask&ChildAppended == 0 {
		return sub
	}
	for _, c := range children {
		sub.deliver(Event{Type: ChildAppended, Parent: path, ID: c.ID, Value: c.Value})
	}
	return sub
}

func (s *Store) register(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	m := s.subs[sub.path]
	if m == nil {
		m = make(map[uint64]*Subscription)
		s.subs[sub.path] = m
	}
	m[sub.id] = sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if m := s.subs[sub.path]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(s.subs, sub.path)
		}
	}
}

// dispatch must be called with deliverMu held.
func (s *Store) dispatch(events []Event) {
	for _, ev := range events {
		s.subsMu.RLock()
		m := s.subs[ev.Parent]
		targets := make([]*Subscription, 0, len(m))
		for _, sub := range m {
			if sub.mask&ev.Type != 0 {
				targets = append(targets, sub)
			}
		}
		s.subsMu.RUnlock()
		sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
		for _, sub := range targets {
			sub.deliver(ev)
		}
	}
}
