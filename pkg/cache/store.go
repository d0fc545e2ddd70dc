package cache

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultMaxEntries bounds the number of cached responses.
	DefaultMaxEntries = 150

	// DefaultMaxTTL is the hard ceiling applied to every requested TTL.
	DefaultMaxTTL = 15 * time.Second
)

// Options configures a Store.
type Options struct {
	// MaxEntries is the capacity; the oldest-inserted entry is evicted
	// once it is exceeded.
	MaxEntries int

	// MaxTTL clamps the TTL passed to Set.
	MaxTTL time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultOptions returns the production limits.
func DefaultOptions() Options {
	return Options{
		MaxEntries: DefaultMaxEntries,
		MaxTTL:     DefaultMaxTTL,
		Now:        time.Now,
	}
}

type item struct {
	key       string
	value     any
	expiresAt time.Time
	elem      *list.Element
}

// Store holds the process-wide response cache and the map of in-flight
// requests. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*item
	order    *list.List // insertion order, front is oldest
	inflight map[string]*Call
	opts     Options
}

// NewStore creates a store, filling unset options with defaults.
func NewStore(opts Options) *Store {
	def := DefaultOptions()
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = def.MaxTTL
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}

	return &Store{
		entries:  make(map[string]*item),
		order:    list.New(),
		inflight: make(map[string]*Call),
		opts:     opts,
	}
}

// Get returns the cached value for key. An expired entry is removed and
// reported as a miss.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.entries[key]
	if !ok {
		CacheMisses.WithLabelValues(LayerMemory).Inc()
		return nil, false
	}

	if !s.opts.Now().Before(it.expiresAt) {
		s.removeLocked(it)
		CacheEvictions.WithLabelValues(EvictExpired).Inc()
		CacheMisses.WithLabelValues(LayerMemory).Inc()
		return nil, false
	}

	CacheHits.WithLabelValues(LayerMemory).Inc()
	return it.value, true
}

// Set stores value under key for ttl, clamped to [0, MaxTTL]. A TTL that
// clamps to zero stores nothing. Overwriting a key keeps its original
// insertion position.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	ttl = s.clampTTL(ttl)
	if ttl == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.opts.Now().Add(ttl)
	if it, ok := s.entries[key]; ok {
		it.value = value
		it.expiresAt = expiresAt
		return
	}

	it := &item{key: key, value: value, expiresAt: expiresAt}
	it.elem = s.order.PushBack(it)
	s.entries[key] = it

	for len(s.entries) > s.opts.MaxEntries {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest.Value.(*item))
		CacheEvictions.WithLabelValues(EvictCapacity).Inc()
	}
	CacheEntries.Set(float64(len(s.entries)))
}

// Delete removes key from the response cache.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.entries[key]; ok {
		s.removeLocked(it)
	}
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ClearAll drops every cached response and every in-flight registration.
// Waiters already attached to a call still receive its result.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*item)
	s.order.Init()
	s.inflight = make(map[string]*Call)
	CacheEntries.Set(0)
}

func (s *Store) clampTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	if ttl > s.opts.MaxTTL {
		return s.opts.MaxTTL
	}
	return ttl
}

func (s *Store) removeLocked(it *item) {
	s.order.Remove(it.elem)
	delete(s.entries, it.key)
	CacheEntries.Set(float64(len(s.entries)))
}
