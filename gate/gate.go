// Package gate composes the admission pipeline that runs before every
// upstream model call: rate limit, session lookup or creation with a trimmed
// initial history, and history bookkeeping after each exchange.
//
// A Gate is built once at startup and passed to whatever handles requests.
// H is the conversation handle type owned by the model client; the gate
// stores and returns it without looking inside.
package gate

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/teilomillet/chatgate/cache"
	"github.com/teilomillet/chatgate/clock"
	"github.com/teilomillet/chatgate/history"
	"github.com/teilomillet/chatgate/internal/janitor"
	"github.com/teilomillet/chatgate/ratelimit"
	"github.com/teilomillet/chatgate/session"
	"github.com/teilomillet/chatgate/types"
	"github.com/teilomillet/chatgate/utils"
)

// Deps are the collaborators a Gate wires together. Responses may be nil to
// disable response caching.
type Deps[H any] struct {
	Limiter   *ratelimit.Limiter
	Sessions  *session.Store[H]
	Trimmer   *history.Trimmer
	Responses *cache.Cache[string]
	Logger    utils.Logger
	// Clock drives the response-cache janitor. Defaults to the real clock.
	Clock clock.Clock
}

type Gate[H any] struct {
	limiter   *ratelimit.Limiter
	sessions  *session.Store[H]
	trimmer   *history.Trimmer
	responses *cache.Cache[string]
	logger    utils.Logger
	clock     clock.Clock
	janitor   *janitor.Janitor
}

// Admission describes the session a request was admitted into.
type Admission[H any] struct {
	Key       string
	SessionID string
	Handle    H
	History   []types.Turn
	Created   bool
	Remaining int
}

// Stats aggregates the footprint of every store behind the gate.
type Stats struct {
	RateLimit ratelimit.Stats `json:"rateLimit"`
	Sessions  session.Stats   `json:"sessions"`
	Responses *cache.Stats    `json:"responses,omitempty"`
}

func New[H any](deps Deps[H]) *Gate[H] {
	g := &Gate[H]{
		limiter:   deps.Limiter,
		sessions:  deps.Sessions,
		trimmer:   deps.Trimmer,
		responses: deps.Responses,
		logger:    deps.Logger,
		clock:     deps.Clock,
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.trimmer == nil {
		g.trimmer = history.NewTrimmer(0, 0, nil)
	}
	if g.logger == nil {
		g.logger = utils.NewNopLogger()
	}
	return g
}

// NewResponseCache builds the cache used for Deps.Responses.
func NewResponseCache(size int, ttl time.Duration, opts ...cache.Option[string]) *cache.Cache[string] {
	base := []cache.Option[string]{
		cache.WithMaxSize[string](size),
		cache.WithTTL[string](ttl),
	}
	return cache.New[string](append(base, opts...)...)
}

// Check runs the rate limiter only. It returns a rate-limit *Error on
// denial.
func (g *Gate[H]) Check(key string) (ratelimit.Result, error) {
	res := g.limiter.Check(key)
	if !res.Allowed {
		return res, NewRateLimitError(res.RetryAfter)
	}
	return res, nil
}

// Admit rate-limits key and then opens its session. See Open.
func (g *Gate[H]) Admit(key string, initialHistory []types.Turn, newHandle func(history []types.Turn) (H, error)) (*Admission[H], error) {
	res, err := g.Check(key)
	if err != nil {
		return nil, err
	}
	adm, err := g.Open(key, initialHistory, newHandle)
	if err != nil {
		return nil, err
	}
	adm.Remaining = res.Remaining
	return adm, nil
}

// Open returns the live session for key. When there is none, the initial
// history is trimmed, newHandle builds a conversation handle from it and a
// session is stored. Open does not rate-limit; callers that already ran
// Check (such as HTTP middleware) use it directly.
func (g *Gate[H]) Open(key string, initialHistory []types.Turn, newHandle func(history []types.Turn) (H, error)) (*Admission[H], error) {
	data, created, err := g.sessions.LoadOrCreate(key, func() (H, []types.Turn, error) {
		trimmed := g.trimmer.Trim(initialHistory)
		handle, err := newHandle(trimmed)
		return handle, trimmed, err
	})
	if err != nil {
		g.logger.Error("Failed to create conversation", "key", key, "error", err)
		return nil, NewError(ErrorTypeUpstream, "failed to create conversation", err)
	}
	if created {
		g.logger.Debug("Opened new session", "key", key, "session_id", data.ID, "history_len", len(data.History))
	}
	return &Admission[H]{
		Key:       key,
		SessionID: data.ID,
		Handle:    data.Handle,
		History:   data.History,
		Created:   created,
	}, nil
}

// Record appends the turns of one exchange to key's session and re-trims
// the stored history. It returns the stored history, or false when the
// session has expired or been evicted in the meantime.
func (g *Gate[H]) Record(key string, turns ...types.Turn) ([]types.Turn, bool) {
	return g.sessions.AppendHistory(key, g.trimmer.Trim, turns...)
}

// Session returns a copy of key's session record.
func (g *Gate[H]) Session(key string) (session.Session[H], bool) {
	return g.sessions.SessionData(key)
}

// HasSession reports whether key has a live session without touching it.
func (g *Gate[H]) HasSession(key string) bool {
	return g.sessions.Has(key)
}

// End deletes key's session.
func (g *Gate[H]) End(key string) bool {
	return g.sessions.Delete(key)
}

// CachedResponse looks up a previously stored reply for prompt.
func (g *Gate[H]) CachedResponse(prompt string) (string, bool) {
	if g.responses == nil {
		return "", false
	}
	return g.responses.Get(ResponseKey(prompt))
}

// StoreResponse caches reply for prompt.
func (g *Gate[H]) StoreResponse(prompt, reply string) {
	if g.responses == nil {
		return
	}
	g.responses.Set(ResponseKey(prompt), reply)
}

func (g *Gate[H]) Stats() Stats {
	stats := Stats{
		RateLimit: g.limiter.Stats(),
		Sessions:  g.sessions.Stats(),
	}
	if g.responses != nil {
		rs := g.responses.Stats()
		stats.Responses = &rs
	}
	return stats
}

// Start launches the background sweeps of the limiter, the session store and
// the response cache. interval drives the limiter and response cache; the
// session store uses its own CleanupInterval.
func (g *Gate[H]) Start(interval time.Duration) {
	g.limiter.StartJanitor(interval)
	g.sessions.StartJanitor()
	if g.responses != nil {
		if g.janitor != nil {
			g.janitor.Stop()
		}
		g.janitor = janitor.Start(g.clock, interval, "responses", g.responses.Prune, g.logger)
	}
}

// Close stops all background sweeps.
func (g *Gate[H]) Close() {
	g.limiter.Close()
	g.sessions.Close()
	if g.janitor != nil {
		g.janitor.Stop()
	}
}

// ResponseKey is the response-cache key for prompt: a BLAKE3 digest of the
// prompt with case and whitespace normalized.
func ResponseKey(prompt string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(prompt), " "))
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
