// Package querycache is a small keyed read-through cache with a freshness
// window, an idle eviction window and per-key request coalescing.
//
// A value is "fresh" for StaleTime after it was stored; reading a stale or
// missing value runs the fetcher again. Concurrent fetches of one key share a
// single execution. Entries nobody has looked at for GCTime are dropped by
// Sweep. Negative windows mean "never" (never stale, never evicted).
//
// Every stored value carries a version. Set bumps it, and a fetch that
// started before a Set finishes without overwriting the newer value.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrFetchPanic wraps a panic raised inside a fetcher.
var ErrFetchPanic = errors.New("querycache: fetcher panicked")

type Fetcher[V any] func(ctx context.Context) (V, error)

type Options struct {
	StaleTime time.Duration
	GCTime    time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Entry is a point-in-time copy of one cache slot.
type Entry[V any] struct {
	Value     V
	HasValue  bool
	Err       error
	Fetching  bool
	Stale     bool
	Version   uint64
	UpdatedAt time.Time
}

// Listener observes every change of a key. present is false once the key
// was removed or evicted. Listeners run synchronously and must not call
// Set, Remove or Subscribe.
type Listener[V any] func(key string, e Entry[V], present bool)

type slot[V any] struct {
	value     V
	hasValue  bool
	err       error
	fetching  bool
	version   uint64
	updatedAt time.Time
	lastUsed  time.Time
}

type Cache[V any] struct {
	opts  Options
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*slot[V]

	listenersMu  sync.RWMutex
	listeners    map[int]Listener[V]
	nextListener int
}

func New[V any](opts Options) *Cache[V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache[V]{
		opts:      opts,
		entries:   make(map[string]*slot[V]),
		listeners: make(map[int]Listener[V]),
	}
}

// Fetch returns the cached value for key while it is fresh and otherwise runs
// fn, sharing the run with any other caller fetching the same key. fn gets a
// context detached from ctx's cancellation: a caller giving up stops waiting
// but the result is still stored.
func (c *Cache[V]) Fetch(ctx context.Context, key string, fn Fetcher[V]) (V, error) {
	c.mu.Lock()
	s := c.slotLocked(key)
	s.lastUsed = c.opts.Now()
	if c.freshLocked(s) {
		v := s.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	return c.load(ctx, key, fn)
}

// Prefetch warms key in the background unless it is already fresh.
func (c *Cache[V]) Prefetch(ctx context.Context, key string, fn Fetcher[V]) {
	c.mu.Lock()
	s := c.slotLocked(key)
	fresh := c.freshLocked(s)
	c.mu.Unlock()
	if fresh {
		return
	}

	go func() {
		if _, err := c.load(context.WithoutCancel(ctx), key, fn); err != nil {
			c.opts.Logger.Debug("prefetch failed", slog.String("key", key), slog.Any("error", err))
		}
	}()
}

// Set stores v as the newest value of key and resets its error.
func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	s := c.slotLocked(key)
	now := c.opts.Now()
	s.value, s.hasValue, s.err = v, true, nil
	s.version++
	s.updatedAt, s.lastUsed = now, now
	e := c.entryLocked(s)
	c.mu.Unlock()

	c.notify(key, e, true)
}

// Peek returns a copy of key's slot and counts as a use for eviction purposes.
func (c *Cache[V]) Peek(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	if !ok {
		return Entry[V]{}, false
	}
	s.lastUsed = c.opts.Now()
	return c.entryLocked(s), true
}

func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok {
		c.notify(key, Entry[V]{}, false)
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts entries idle for at least GCTime and returns how many it
// dropped. Entries with a fetch in flight are kept.
func (c *Cache[V]) Sweep() int {
	if c.opts.GCTime < 0 {
		return 0
	}
	now := c.opts.Now()

	var evicted []string
	c.mu.Lock()
	for key, s := range c.entries {
		if s.fetching {
			continue
		}
		if now.Sub(s.lastUsed) >= c.opts.GCTime {
			delete(c.entries, key)
			evicted = append(evicted, key)
		}
	}
	c.mu.Unlock()

	for _, key := range evicted {
		c.opts.Logger.Debug("cache entry evicted", slog.String("key", key))
		c.notify(key, Entry[V]{}, false)
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.opts.Logger.Info("cache sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.opts.Logger.Info("cache sweeper stopping")
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Subscribe registers l and returns the function that removes it.
func (c *Cache[V]) Subscribe(l Listener[V]) func() {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Cache[V]) load(ctx context.Context, key string, fn Fetcher[V]) (V, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.run(detached, key, fn)
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// run executes fn for key inside the singleflight group.
func (c *Cache[V]) run(ctx context.Context, key string, fn Fetcher[V]) (V, error) {
	c.mu.Lock()
	s := c.slotLocked(key)
	// A duplicate that queued behind a finished flight has nothing to do.
	if c.freshLocked(s) {
		v := s.value
		c.mu.Unlock()
		return v, nil
	}
	started := s.version
	s.fetching = true
	e := c.entryLocked(s)
	c.mu.Unlock()
	c.notify(key, e, true)

	v, err := call(ctx, fn)

	c.mu.Lock()
	if cur, ok := c.entries[key]; !ok || cur != s {
		// Removed while fetching: hand the result to the waiters, store nothing.
		c.mu.Unlock()
		return v, err
	}
	s.fetching = false
	switch {
	case s.version != started:
		// Set landed mid-flight; it wins.
		v, err = s.value, nil
	case err != nil:
		s.err = err
	default:
		now := c.opts.Now()
		s.value, s.hasValue, s.err = v, true, nil
		s.version++
		s.updatedAt = now
	}
	e = c.entryLocked(s)
	c.mu.Unlock()
	c.notify(key, e, true)

	if err != nil {
		var zero V
		return zero, err
	}
	return v, nil
}

func call[V any](ctx context.Context, fn Fetcher[V]) (v V, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrFetchPanic, p)
		}
	}()
	return fn(ctx)
}

func (c *Cache[V]) slotLocked(key string) *slot[V] {
	s, ok := c.entries[key]
	if !ok {
		s = &slot[V]{lastUsed: c.opts.Now()}
		c.entries[key] = s
	}
	return s
}

func (c *Cache[V]) staleLocked(s *slot[V]) bool {
	if !s.hasValue {
		return true
	}
	if c.opts.StaleTime < 0 {
		return false
	}
	return c.opts.Now().Sub(s.updatedAt) >= c.opts.StaleTime
}

func (c *Cache[V]) freshLocked(s *slot[V]) bool {
	return s.hasValue && s.err == nil && !c.staleLocked(s)
}

func (c *Cache[V]) entryLocked(s *slot[V]) Entry[V] {
	return Entry[V]{
		Value:     s.value,
		HasValue:  s.hasValue,
		Err:       s.err,
		Fetching:  s.fetching,
		Stale:     c.staleLocked(s),
		Version:   s.version,
		UpdatedAt: s.updatedAt,
	}
}

func (c *Cache[V]) notify(key string, e Entry[V], present bool) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		l(key, e, present)
	}
}
