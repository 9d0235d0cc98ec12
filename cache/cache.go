// Package cache provides a generic, size-bounded LRU cache with optional
// time-to-live expiry.
//
// Entries are kept in an insertion-ordered map; every read or write moves the
// entry to the back, so the front is always the least recently used entry.
// Expiry is lazy: Get and Has treat stale entries as absent and delete them.
// Prune performs an eager sweep and is what background janitors call.
//
// All methods are safe for concurrent use. A single mutex guards each cache;
// eviction callbacks run after that mutex is released.
package cache

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/teilomillet/chatgate/clock"
	"github.com/teilomillet/chatgate/utils"
)

// DefaultMaxSize bounds a cache built without WithMaxSize.
const DefaultMaxSize = 1000

// EvictReason says why an entry left the cache.
type EvictReason int

const (
	// EvictCapacity means the entry was the least recently used one when a
	// new key arrived at a full cache.
	EvictCapacity EvictReason = iota
	// EvictExpired means the entry outlived the TTL.
	EvictExpired
	// EvictDeleted means Delete was called for the key.
	EvictDeleted
	// EvictCleared means Clear emptied the cache.
	EvictCleared
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	case EvictDeleted:
		return "deleted"
	case EvictCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// EvictFunc is called once for every entry that leaves the cache, whatever
// the reason. Replacing a value with Set is not an eviction.
type EvictFunc[V any] func(key string, value V, reason EvictReason)

type entry[V any] struct {
	value   V
	touched time.Time
}

type eviction[V any] struct {
	key    string
	value  V
	reason EvictReason
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	MaxSize   int   `json:"maxSize"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	mu      sync.Mutex
	items   *orderedmap.OrderedMap[string, *entry[V]]
	maxSize int
	ttl     time.Duration
	onEvict EvictFunc[V]
	clock   clock.Clock
	logger  utils.Logger

	// inclusive keeps an entry live at exactly ttl of idleness.
	inclusive bool

	hits      int64
	misses    int64
	evictions int64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithMaxSize caps the number of live entries. n <= 0 removes the cap.
func WithMaxSize[V any](n int) Option[V] {
	return func(c *Cache[V]) {
		if n < 0 {
			n = 0
		}
		c.maxSize = n
	}
}

// WithTTL expires entries that have not been read or written for ttl.
// A zero ttl disables expiry.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) {
		if ttl < 0 {
			ttl = 0
		}
		c.ttl = ttl
	}
}

// WithInclusiveTTL makes an entry expire only once it has been idle for
// longer than the TTL; by default it expires at exactly the TTL.
func WithInclusiveTTL[V any]() Option[V] {
	return func(c *Cache[V]) {
		c.inclusive = true
	}
}

// WithOnEvict registers fn to observe every removal.
func WithOnEvict[V any](fn EvictFunc[V]) Option[V] {
	return func(c *Cache[V]) {
		c.onEvict = fn
	}
}

func WithClock[V any](clk clock.Clock) Option[V] {
	return func(c *Cache[V]) {
		c.clock = clk
	}
}

func WithLogger[V any](logger utils.Logger) Option[V] {
	return func(c *Cache[V]) {
		c.logger = logger
	}
}

// New returns an empty cache.
func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		items:   orderedmap.New[string, *entry[V]](),
		maxSize: DefaultMaxSize,
		clock:   clock.Real(),
		logger:  utils.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and marks it most recently used. Expired
// entries are removed and reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	value, ok, evicted := c.lookup(key, c.clock.Now(), true)
	c.mu.Unlock()

	c.notify(evicted)
	return value, ok
}

// Has reports whether key holds a live value. Unlike Get it does not
// refresh recency, but it does remove an expired entry.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	_, ok, evicted := c.lookup(key, c.clock.Now(), false)
	c.mu.Unlock()

	c.notify(evicted)
	return ok
}

// Set stores value under key. An existing key is overwritten and refreshed
// without using a new slot; a new key at capacity first evicts the least
// recently used entry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	evicted := c.store(key, value, c.clock.Now())
	c.mu.Unlock()

	c.notify(evicted)
}

// Update performs an atomic read-modify-write of key. fn receives the live
// value (or the zero value and false) and returns the value to store. fn runs
// with the cache locked and must not call back into the cache.
func (c *Cache[V]) Update(key string, fn func(value V, ok bool) V) V {
	c.mu.Lock()
	now := c.clock.Now()
	current, ok, evicted := c.lookup(key, now, false)
	next := fn(current, ok)
	evicted = append(evicted, c.store(key, next, now)...)
	c.mu.Unlock()

	c.notify(evicted)
	return next
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	e, ok := c.items.Delete(key)
	if ok {
		c.evictions++
	}
	c.mu.Unlock()

	if ok {
		c.notify([]eviction[V]{{key: key, value: e.value, reason: EvictDeleted}})
	}
	return ok
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	evicted := make([]eviction[V], 0, c.items.Len())
	for pair := c.items.Oldest(); pair != nil; pair = pair.Next() {
		evicted = append(evicted, eviction[V]{key: pair.Key, value: pair.Value.value, reason: EvictCleared})
	}
	c.items = orderedmap.New[string, *entry[V]]()
	c.evictions += int64(len(evicted))
	c.mu.Unlock()

	c.notify(evicted)
}

// Prune removes every expired entry and returns how many were removed.
func (c *Cache[V]) Prune() int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	now := c.clock.Now()
	var evicted []eviction[V]
	for pair := c.items.Oldest(); pair != nil; {
		next := pair.Next()
		if c.expired(pair.Value, now) {
			c.items.Delete(pair.Key)
			evicted = append(evicted, eviction[V]{key: pair.Key, value: pair.Value.value, reason: EvictExpired})
		}
		pair = next
	}
	c.evictions += int64(len(evicted))
	c.mu.Unlock()

	c.notify(evicted)
	return len(evicted)
}

// Len returns the number of stored entries, including expired ones that
// have not been pruned yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Live counts entries that have not expired. Unlike Len it ignores stale
// entries still waiting for Prune.
func (c *Cache[V]) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return c.items.Len()
	}
	now := c.clock.Now()
	n := 0
	for pair := c.items.Oldest(); pair != nil; pair = pair.Next() {
		if !c.expired(pair.Value, now) {
			n++
		}
	}
	return n
}

// Keys returns the live keys from least to most recently used.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	keys := make([]string, 0, c.items.Len())
	for pair := c.items.Oldest(); pair != nil; pair = pair.Next() {
		if !c.expired(pair.Value, now) {
			keys = append(keys, pair.Key)
		}
	}
	return keys
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.items.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// TTL returns the configured time-to-live; zero means entries never expire.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// MaxSize returns the configured capacity; zero means unbounded.
func (c *Cache[V]) MaxSize() int { return c.maxSize }

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	idle := now.Sub(e.touched)
	if c.inclusive {
		return idle > c.ttl
	}
	return idle >= c.ttl
}

// touch refreshes e. touched never moves backward, so a clock that steps
// back cannot age an entry into expiry once it returns.
func touch[V any](e *entry[V], now time.Time) {
	if now.After(e.touched) {
		e.touched = now
	}
}

// lookup must be called with c.mu held.
func (c *Cache[V]) lookup(key string, now time.Time, refresh bool) (V, bool, []eviction[V]) {
	var zero V
	e, ok := c.items.Get(key)
	if !ok {
		c.misses++
		return zero, false, nil
	}
	if c.expired(e, now) {
		c.items.Delete(key)
		c.misses++
		c.evictions++
		return zero, false, []eviction[V]{{key: key, value: e.value, reason: EvictExpired}}
	}

	c.hits++
	if refresh {
		touch(e, now)
		_ = c.items.MoveToBack(key)
	}
	return e.value, true, nil
}

// store must be called with c.mu held.
func (c *Cache[V]) store(key string, value V, now time.Time) []eviction[V] {
	if e, ok := c.items.Get(key); ok {
		e.value = value
		touch(e, now)
		_ = c.items.MoveToBack(key)
		return nil
	}

	var evicted []eviction[V]
	for c.maxSize > 0 && c.items.Len() >= c.maxSize {
		oldest := c.items.Oldest()
		c.items.Delete(oldest.Key)
		c.evictions++
		evicted = append(evicted, eviction[V]{key: oldest.Key, value: oldest.Value.value, reason: EvictCapacity})
	}
	c.items.Set(key, &entry[V]{value: value, touched: now})
	return evicted
}

func (c *Cache[V]) notify(evicted []eviction[V]) {
	for _, ev := range evicted {
		c.logger.Debug("Evicted cache entry", "key", ev.key, "reason", ev.reason.String())
		if c.onEvict != nil {
			c.onEvict(ev.key, ev.value, ev.reason)
		}
	}
}
