// Package engine wires the sync components for one user session.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"feedsync/pkg/auth"
	"feedsync/pkg/feed"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/notify"
	"feedsync/pkg/presence"
	"feedsync/pkg/profile"
	"feedsync/pkg/push"
	"feedsync/pkg/retry"
	"feedsync/pkg/store"
	"feedsync/pkg/telemetry"
	"feedsync/pkg/typing"
)

// Options configures a Session. Store and Identity are required.
type Options struct {
	Store    *store.Store
	Identity auth.Provider
	Room     models.Room
	Clock    clock.Clock
	Policy   retry.Policy

	PageSize      int
	MaxBodyLength int

	Heartbeat time.Duration
	Presence  presence.ObserverConfig
	Typing    typing.Config

	NotifyCapacity  int
	ProfileCapacity int
	// Fetcher resolves other users' profiles. Defaults to reading them
	// from the store.
	Fetcher profile.Fetcher

	Push        push.Notifier
	PushTimeout time.Duration

	Renderer feed.Renderer
	Alerter  notify.Alerter
}

// Session is one user's view of a room. Every cache, flag and watermark
// lives here, so a process may run several sessions side by side.
type Session struct {
	opts Options
	me   models.Profile
	conn *store.Conn

	Profiles    *profile.Cache
	Gate        *notify.Gate
	Typing      *typing.Aggregator
	Observer    *presence.Observer
	View        *feed.View
	registrar   *presence.Registrar
	writer      *profile.Writer
	paginator   *feed.Paginator
	listener    *feed.Listener
	coordinator *feed.Coordinator

	mu      sync.Mutex
	started bool
	stopped bool
	initial feed.Page
	loadErr error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.PageSize <= 0 {
		opts.PageSize = feed.DefaultPageSize
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = presence.DefaultHeartbeat
	}
	return &Session{opts: opts}
}

// Start resolves the identity, connects to the store and brings every
// component up. Only identity and connection failures are returned; a
// failed initial load is kept for InitialPage and the session still
// follows live changes.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	tr := telemetry.Track("session_start")
	defer tr.Finish()

	if s.opts.Store == nil || s.opts.Identity == nil {
		return fmt.Errorf("session: store and identity are required")
	}
	me, err := s.opts.Identity.Identity(ctx)
	if err != nil {
		tr.Fail(err)
		logger.Error("session_identity_failed", "error", err)
		return fmt.Errorf("resolve identity: %w", err)
	}
	conn, err := s.opts.Store.Connect(me.UserID)
	if err != nil {
		tr.Fail(err)
		logger.Error("session_connect_failed", "user", me.UserID, "error", err)
		return fmt.Errorf("connect store: %w", err)
	}
	tr.Mark("connect")
	s.me, s.conn = me, conn
	s.build()

	if err := s.writer.Publish(ctx, me); err != nil {
		logger.Warn("session_profile_publish_failed", "user", me.UserID, "error", err)
	}
	if err := s.registrar.Join(ctx, me.UserID, me.DisplayName); err != nil {
		logger.Warn("session_join_failed", "user", me.UserID, "room", s.opts.Room.Name, "error", err)
	}
	tr.Mark("join")

	s.initial, s.loadErr = s.paginator.LoadInitial(ctx, s.opts.PageSize)
	if s.loadErr != nil {
		logger.Warn("session_initial_load_failed", "room", s.opts.Room.Name, "error", s.loadErr)
	}
	tr.Mark("initial_load")

	// subscribe strictly after the watermark is captured
	if _, err := s.listener.Subscribe(s.paginator.Watermark()); err != nil {
		logger.Warn("session_subscribe_failed", "error", err)
	}
	s.Observer.Start()
	s.Typing.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.Run(runCtx, s.opts.Heartbeat)
	}()

	s.started = true
	logger.Info("session_started", "user", me.UserID, "room", s.opts.Room.Name, "loaded", len(s.initial.Items), "watermark", s.paginator.Watermark())
	return nil
}

func (s *Session) build() {
	o := s.opts
	fetcher := o.Fetcher
	if fetcher == nil {
		fetcher = profile.StoreFetcher{Client: s.conn}
	}
	s.Profiles = profile.NewCache(fetcher, o.ProfileCapacity)
	s.writer = profile.NewWriter(s.conn, o.Policy, s.Profiles)
	s.Gate = notify.NewGate(o.NotifyCapacity, o.Alerter)
	s.Typing = typing.New(s.conn, o.Room, s.me.DisplayName, o.Clock, o.Typing)
	s.registrar = presence.NewRegistrar(s.conn, o.Room, o.Clock, o.Policy)
	s.Observer = presence.NewObserver(s.conn, o.Room, o.Clock, o.Presence)
	s.View = feed.NewView(o.Renderer)
	s.paginator = feed.NewPaginator(s.conn, o.Room, s.View, s.Profiles)
	s.listener = feed.NewListener(s.conn, o.Room, s.View, s.Profiles, feed.NoticerFunc(func(it models.FeedItem) {
		s.Gate.Notice(it)
	}))
	s.coordinator = feed.NewCoordinator(s.conn, o.Room, s.View, feed.CoordinatorConfig{
		Author:        s.me,
		MaxBodyLength: o.MaxBodyLength,
		Clock:         o.Clock,
		Push:          o.Push,
		PushTimeout:   o.PushTimeout,
	})
}

// Stop clears typing, leaves the room and closes the connection. It is
// safe to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	s.cancel()
	s.wg.Wait()

	if err := s.Typing.SetTyping(ctx, false); err != nil {
		logger.Warn("session_typing_clear_failed", "error", err)
	}
	s.Typing.Stop()
	s.Observer.Stop()
	s.listener.Unsubscribe()
	if err := s.registrar.Leave(ctx); err != nil {
		logger.Warn("session_leave_failed", "error", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	logger.Info("session_stopped", "user", s.me.UserID, "room", s.opts.Room.Name)
	return nil
}

func (s *Session) Me() models.Profile { return s.me }

// InitialPage returns the first window and the load error, if any.
func (s *Session) InitialPage() (feed.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initial, s.loadErr
}

// Submit sends content as the session user.
func (s *Session) Submit(ctx context.Context, content string) (models.FeedItem, error) {
	return s.coordinator.Submit(ctx, content)
}

// LoadOlder pages one window further back than the oldest item shown.
func (s *Session) LoadOlder(ctx context.Context) (feed.Page, error) {
	return s.paginator.LoadOlder(ctx, 0, s.opts.PageSize)
}

// Input reports a keystroke in the composer.
func (s *Session) Input(ctx context.Context) error {
	return s.Typing.Input(ctx)
}

func (s *Session) Typers() []models.TypingState {
	return s.Typing.Typers(s.opts.Clock.Now())
}

func (s *Session) Online() []models.PresenceRecord {
	return s.Observer.Online(s.opts.Clock.Now())
}

// Items returns the materialized feed, oldest first.
func (s *Session) Items() []models.FeedItem {
	return s.View.Items()
}

// Status is a point-in-time summary for diagnostics.
type Status struct {
	User      string `json:"user"`
	Room      string `json:"room"`
	Items     int    `json:"items"`
	Watermark int64  `json:"watermark"`
	Listener  string `json:"listener"`
	Paginator string `json:"paginator"`
	Submit    string `json:"submit"`
	Joined    bool   `json:"joined"`
	Seen      int    `json:"seen"`
	Profiles  int    `json:"profiles"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return Status{Room: s.opts.Room.Name, Listener: feed.Unsubscribed.String()}
	}
	return Status{
		User:      s.me.UserID,
		Room:      s.opts.Room.Name,
		Items:     s.View.Len(),
		Watermark: s.paginator.Watermark(),
		Listener:  s.listener.State().String(),
		Paginator: s.paginator.State().String(),
		Submit:    s.coordinator.State().String(),
		Joined:    s.registrar.Joined(),
		Seen:      s.Gate.Len(),
		Profiles:  s.Profiles.Len(),
	}
}
