// Package session tracks one conversation per user key.
//
// A Store holds an opaque conversation handle of type H for every active
// key, together with the trimmed history that produced it. Sessions expire
// after SessionTimeout without access and the least recently used session is
// evicted when the store is full. Expiry is checked on every read; the
// optional janitor additionally sweeps idle sessions so their memory is
// released even when the key is never seen again.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teilomillet/chatgate/cache"
	"github.com/teilomillet/chatgate/clock"
	"github.com/teilomillet/chatgate/internal/janitor"
	"github.com/teilomillet/chatgate/types"
	"github.com/teilomillet/chatgate/utils"
)

const (
	DefaultMaxSessions     = 1000
	DefaultSessionTimeout  = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

type Config struct {
	MaxSessions     int           `json:"maxSessions"`
	SessionTimeout  time.Duration `json:"sessionTimeout"`
	CleanupInterval time.Duration `json:"cleanupInterval"`
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:     DefaultMaxSessions,
		SessionTimeout:  DefaultSessionTimeout,
		CleanupInterval: DefaultCleanupInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSessions < 1 {
		c.MaxSessions = d.MaxSessions
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	return c
}

// Session is the record kept for one key. The store never inspects Handle.
type Session[H any] struct {
	ID           string
	Handle       H
	History      []types.Turn
	CreatedAt    time.Time
	LastAccessed time.Time
	// MessageCount is the number of history updates (one per exchange)
	// recorded since the session was created.
	MessageCount int
}

func (s *Session[H]) snapshot() Session[H] {
	out := *s
	out.History = cloneTurns(s.History)
	return out
}

type Stats struct {
	ActiveSessions int           `json:"activeSessions"`
	MaxSessions    int           `json:"maxSessions"`
	SessionTimeout time.Duration `json:"sessionTimeout"`
}

type options struct {
	clock  clock.Clock
	logger utils.Logger
}

type Option func(*options)

func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

func WithLogger(logger utils.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Store is safe for concurrent use. Every method runs under one store-wide
// lock, so reads and writes for the same key never interleave.
type Store[H any] struct {
	mu       sync.Mutex
	cfg      Config
	sessions *cache.Cache[*Session[H]]
	clock    clock.Clock
	logger   utils.Logger
	janitor  *janitor.Janitor
}

// NewStore builds an empty store. Zero Config fields fall back to defaults.
func NewStore[H any](cfg Config, opts ...Option) *Store[H] {
	o := options{clock: clock.Real(), logger: utils.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store[H]{
		cfg:    cfg.withDefaults(),
		clock:  o.clock,
		logger: o.logger,
	}
	s.sessions = cache.New[*Session[H]](
		cache.WithMaxSize[*Session[H]](s.cfg.MaxSessions),
		cache.WithTTL[*Session[H]](s.cfg.SessionTimeout),
		cache.WithInclusiveTTL[*Session[H]](),
		cache.WithClock[*Session[H]](s.clock),
		cache.WithOnEvict[*Session[H]](s.onEvict),
	)
	return s
}

func (s *Store[H]) onEvict(key string, session *Session[H], reason cache.EvictReason) {
	switch reason {
	case cache.EvictCapacity:
		s.logger.Debug("Evicted least recently used session", "key", key, "session_id", session.ID, "max_sessions", s.cfg.MaxSessions)
	case cache.EvictExpired:
		s.logger.Debug("Session expired", "key", key, "session_id", session.ID, "idle", s.clock.Now().Sub(session.LastAccessed))
	default:
		s.logger.Debug("Session removed", "key", key, "session_id", session.ID, "reason", reason.String())
	}
}

// lookup returns the live session for key and marks it accessed. Must be
// called with s.mu held.
func (s *Store[H]) lookup(key string) (*Session[H], bool) {
	session, ok := s.sessions.Get(key)
	if !ok {
		return nil, false
	}
	session.LastAccessed = s.clock.Now()
	return session, true
}

// Get returns the conversation handle for key. A session stays live while
// it has been idle for at most SessionTimeout; an expired session is deleted
// and reported as absent, and the caller should create a new one.
func (s *Store[H]) Get(key string) (H, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.lookup(key)
	if !ok {
		var zero H
		return zero, false
	}
	return session.Handle, true
}

// Has reports whether key has a live session without marking it accessed.
func (s *Store[H]) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Has(key)
}

// Set starts a new session for key, replacing any existing one. When the
// store is full the least recently accessed session is evicted first.
func (s *Store[H]) Set(key string, handle H, initialHistory []types.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.create(key, handle, initialHistory)
}

// create must be called with s.mu held.
func (s *Store[H]) create(key string, handle H, initialHistory []types.Turn) *Session[H] {
	now := s.clock.Now()
	session := &Session[H]{
		ID:           uuid.NewString(),
		Handle:       handle,
		History:      cloneTurns(initialHistory),
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.sessions.Set(key, session)
	s.logger.Debug("Session created", "key", key, "session_id", session.ID, "history_len", len(session.History))
	return session
}

// LoadOrCreate returns the live session for key, or creates one with the
// handle and history returned by create. create runs under the store lock,
// so concurrent callers for the same key create at most one session. An
// error from create leaves the store unchanged.
func (s *Store[H]) LoadOrCreate(key string, create func() (H, []types.Turn, error)) (Session[H], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.lookup(key); ok {
		return session.snapshot(), false, nil
	}

	handle, history, err := create()
	if err != nil {
		return Session[H]{}, false, err
	}
	return s.create(key, handle, history).snapshot(), true, nil
}

// SessionData returns a copy of the full record for key and marks it
// accessed.
func (s *Store[H]) SessionData(key string) (Session[H], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.lookup(key)
	if !ok {
		return Session[H]{}, false
	}
	return session.snapshot(), true
}

// UpdateHistory replaces the history of a live session. It reports false
// when key has no live session.
func (s *Store[H]) UpdateHistory(key string, history []types.Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.lookup(key)
	if !ok {
		return false
	}
	session.History = cloneTurns(history)
	session.MessageCount++
	return true
}

// AppendHistory appends turns to the session history, passes the result
// through trim (when non-nil) and stores it, all under one lock. It returns
// the stored history.
func (s *Store[H]) AppendHistory(key string, trim func([]types.Turn) []types.Turn, turns ...types.Turn) ([]types.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.lookup(key)
	if !ok {
		return nil, false
	}
	next := make([]types.Turn, 0, len(session.History)+len(turns))
	next = append(next, session.History...)
	next = append(next, turns...)
	if trim != nil {
		next = trim(next)
	}
	session.History = next
	session.MessageCount++
	return cloneTurns(next), true
}

// Delete removes the session for key and reports whether one existed.
func (s *Store[H]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Delete(key)
}

// Cleanup removes every expired session and returns how many it removed.
func (s *Store[H]) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Prune()
}

// Len counts stored sessions, including expired ones not yet cleaned up.
func (s *Store[H]) Len() int {
	return s.sessions.Len()
}

func (s *Store[H]) Stats() Stats {
	return Stats{
		ActiveSessions: s.sessions.Live(),
		MaxSessions:    s.cfg.MaxSessions,
		SessionTimeout: s.cfg.SessionTimeout,
	}
}

func (s *Store[H]) Config() Config { return s.cfg }

// StartJanitor runs Cleanup every CleanupInterval until Close is called.
func (s *Store[H]) StartJanitor() {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	s.janitor = janitor.Start(s.clock, s.cfg.CleanupInterval, "session", s.Cleanup, s.logger)
}

// Close stops the janitor. Sessions stay readable.
func (s *Store[H]) Close() {
	if s.janitor != nil {
		s.janitor.Stop()
	}
}

func cloneTurns(turns []types.Turn) []types.Turn {
	if turns == nil {
		return []types.Turn{}
	}
	out := make([]types.Turn, len(turns))
	copy(out, turns)
	return out
}
