// Package ratelimit implements per-key token-bucket admission control with
// burst suppression.
//
// Each key owns a bucket of MaxTokens tokens that refills continuously at
// RefillRate tokens per second. Every admitted request consumes one token.
// Independently of the bucket level, two admitted requests for the same key
// must be at least BurstWindow apart.
//
// Buckets live in a bounded LRU cache: MaxUsers caps how many keys are
// tracked and EntryTTL reclaims idle ones, which gives the limiter a hard
// memory ceiling even under unbounded key churn. A key that is evicted
// simply starts over with a full bucket.
package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/teilomillet/chatgate/cache"
	"github.com/teilomillet/chatgate/clock"
	"github.com/teilomillet/chatgate/internal/janitor"
	"github.com/teilomillet/chatgate/utils"
)

const (
	DefaultMaxTokens   = 10
	DefaultRefillRate  = 10.0 / 60.0
	DefaultMaxUsers    = 10000
	DefaultEntryTTL    = 5 * time.Minute
	DefaultBurstWindow = 500 * time.Millisecond
)

// Config holds the limiter parameters.
type Config struct {
	MaxTokens   int           `json:"maxTokens"`
	RefillRate  float64       `json:"refillRate"` // tokens per second
	MaxUsers    int           `json:"maxUsers"`
	EntryTTL    time.Duration `json:"entryTtl"`
	BurstWindow time.Duration `json:"burstWindow"`
}

// DefaultConfig allows ten requests per minute per key.
func DefaultConfig() Config {
	return Config{
		MaxTokens:   DefaultMaxTokens,
		RefillRate:  DefaultRefillRate,
		MaxUsers:    DefaultMaxUsers,
		EntryTTL:    DefaultEntryTTL,
		BurstWindow: DefaultBurstWindow,
	}
}

// withDefaults replaces zero or unusable values with defaults. A negative
// BurstWindow disables burst suppression.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTokens < 1 {
		c.MaxTokens = d.MaxTokens
	}
	if c.RefillRate <= 0 || math.IsNaN(c.RefillRate) || math.IsInf(c.RefillRate, 0) {
		c.RefillRate = d.RefillRate
	}
	if c.MaxUsers < 1 {
		c.MaxUsers = d.MaxUsers
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = d.EntryTTL
	}
	switch {
	case c.BurstWindow == 0:
		c.BurstWindow = d.BurstWindow
	case c.BurstWindow < 0:
		c.BurstWindow = 0
	}
	return c
}

// Result is the outcome of Check. A denial is a normal result, not an error.
type Result struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	// RetryAfter is a whole number of seconds to wait before retrying. It is
	// zero when Allowed is true.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// RetryAfterDuration returns RetryAfter as a time.Duration.
func (r Result) RetryAfterDuration() time.Duration {
	return time.Duration(r.RetryAfter) * time.Second
}

// Stats describes the limiter's current footprint.
type Stats struct {
	ActiveUsers int    `json:"activeUsers"`
	Config      Config `json:"config"`
}

type bucket struct {
	tokens      *rate.Limiter
	lastRequest time.Time
	// lastSeen is the latest time observed for this key. Times earlier than
	// it are clamped so a clock stepping backward cannot mint tokens.
	lastSeen time.Time
}

// Limiter is safe for concurrent use. Check is atomic per key.
type Limiter struct {
	cfg     Config
	buckets *cache.Cache[*bucket]
	clock   clock.Clock
	logger  utils.Logger
	janitor *janitor.Janitor
}

type Option func(*Limiter)

func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = clk
	}
}

func WithLogger(logger utils.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New builds a Limiter. Zero or invalid Config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg.withDefaults(),
		clock:  clock.Real(),
		logger: utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.buckets = cache.New[*bucket](
		cache.WithMaxSize[*bucket](l.cfg.MaxUsers),
		cache.WithTTL[*bucket](l.cfg.EntryTTL),
		cache.WithClock[*bucket](l.clock),
		cache.WithOnEvict[*bucket](func(key string, _ *bucket, reason cache.EvictReason) {
			if reason == cache.EvictCapacity {
				l.logger.Debug("Rate limit entry evicted at capacity", "key", key, "max_users", l.cfg.MaxUsers)
			}
		}),
	)
	return l
}

// Check decides whether the request identified by key may proceed.
func (l *Limiter) Check(key string) Result {
	var res Result
	l.buckets.Update(key, func(b *bucket, ok bool) *bucket {
		now := l.clock.Now()
		if !ok {
			b = &bucket{tokens: rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.MaxTokens)}
			b.tokens.AllowN(now, 1)
			b.lastRequest = now
			b.lastSeen = now
			res = Result{Allowed: true, Remaining: floorTokens(b.tokens.TokensAt(now))}
			return b
		}

		if now.Before(b.lastSeen) {
			now = b.lastSeen
		}
		b.lastSeen = now
		available := b.tokens.TokensAt(now)

		if now.Sub(b.lastRequest) < l.cfg.BurstWindow {
			res = Result{Allowed: false, Remaining: floorTokens(available), RetryAfter: 1}
			return b
		}

		if available >= 1 && b.tokens.AllowN(now, 1) {
			b.lastRequest = now
			res = Result{Allowed: true, Remaining: floorTokens(b.tokens.TokensAt(now))}
			return b
		}

		res = Result{Allowed: false, Remaining: 0, RetryAfter: l.retryAfter(available)}
		return b
	})

	if !res.Allowed {
		l.logger.Info("Rate limit exceeded", "key", key, "retry_after", res.RetryAfter)
	}
	return res
}

// Reset forgets key, so its next request starts with a full bucket.
func (l *Limiter) Reset(key string) {
	l.buckets.Delete(key)
}

// Prune drops buckets idle for longer than EntryTTL.
func (l *Limiter) Prune() int {
	return l.buckets.Prune()
}

// Stats reports the limiter footprint. ActiveUsers counts keys whose bucket
// has not outlived EntryTTL, whether or not Prune has run.
func (l *Limiter) Stats() Stats {
	return Stats{ActiveUsers: l.buckets.Live(), Config: l.cfg}
}

func (l *Limiter) Config() Config { return l.cfg }

// StartJanitor prunes idle buckets every interval until Close is called.
// Calling it again replaces the previous janitor.
func (l *Limiter) StartJanitor(interval time.Duration) {
	if l.janitor != nil {
		l.janitor.Stop()
	}
	l.janitor = janitor.Start(l.clock, interval, "ratelimit", l.Prune, l.logger)
}

// Close stops the background janitor, if any.
func (l *Limiter) Close() {
	if l.janitor != nil {
		l.janitor.Stop()
	}
}

// retryAfter is the whole number of seconds until one token is available.
func (l *Limiter) retryAfter(tokens float64) int {
	seconds := int(math.Ceil((1 - tokens) / l.cfg.RefillRate))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func floorTokens(tokens float64) int {
	if tokens <= 0 {
		return 0
	}
	return int(math.Floor(tokens))
}
