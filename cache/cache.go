// Package cache provides the content-addressed completion cache.
//
// Entries are keyed by Fingerprint and evicted least-recently-used. At most one
// fetch runs per fingerprint: concurrent misses attach to the pending fetch and
// receive its result. A fetch outlives the callers waiting on it, so a client
// that goes away never discards work other callers (or later requests) can use.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	murmur "github.com/Paranoid-AF/murmur"
)

// DefaultCapacity is used when Options.Capacity is not positive.
const DefaultCapacity = 100

// ErrFetchPanicked is wrapped by the error delivered to waiters when a fetch panics.
var ErrFetchPanicked = errors.New("cache: fetch panicked")

// Origin records why an entry was inserted.
type Origin int

const (
	// Confirmed entries answered a real client request.
	Confirmed Origin = iota
	// Speculative entries were prefetched and not yet requested.
	Speculative
)

func (o Origin) String() string {
	if o == Speculative {
		return "speculative"
	}
	return "confirmed"
}

// Value is what a fetch produces and what the cache stores.
type Value struct {
	Items    []murmur.Item
	Provider string
}

// FetchFunc computes the value for a missing fingerprint.
type FetchFunc func(ctx context.Context) (Value, error)

// Result is returned by GetOrFetch.
type Result struct {
	Value
	// Cached is true when the value came from a stored entry.
	Cached bool
	// Shared is true when the caller attached to a fetch started by someone else.
	Shared bool
}

// Options configures a Cache.
type Options struct {
	Capacity int
	// TTL expires entries by age. Zero disables expiry.
	TTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	fp         Fingerprint
	value      Value
	origin     Origin
	createdAt  time.Time
	lastAccess time.Time
	seq        uint64
}

type pendingFetch struct {
	done    chan struct{}
	origin  Origin
	waiters int
	value   Value
	err     error
}

// Cache is safe for concurrent use. Its lock is held only for map and list
// bookkeeping, never while a fetch runs.
type Cache struct {
	mu       sync.Mutex
	entries  map[Fingerprint]*list.Element
	order    *list.List // front is least recently used
	pending  map[Fingerprint]*pendingFetch
	capacity int
	ttl      time.Duration
	now      func() time.Time
	seq      uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	joins     atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:  make(map[Fingerprint]*list.Element),
		order:    list.New(),
		pending:  make(map[Fingerprint]*pendingFetch),
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		now:      opts.Now,
	}
}

// Lookup returns the stored value for fp and refreshes its recency.
// A confirmed lookup of a speculative entry promotes it to confirmed.
func (c *Cache) Lookup(fp Fingerprint, origin Origin) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lookupLocked(fp, origin)
	if ok {
		c.hits.Add(1)
	}
	return v, ok
}

// Contains reports whether fp has a live entry or a pending fetch, without touching recency.
func (c *Cache) Contains(fp Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[fp]; ok {
		return true
	}
	el, ok := c.entries[fp]
	return ok && !c.expiredLocked(el.Value.(*entry))
}

// Insert stores v under fp.
func (c *Cache) Insert(fp Fingerprint, v Value, origin Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(fp, v, origin)
}

// GetOrFetch returns the entry for fp, or joins or starts the single fetch for it.
//
// The fetch runs on its own goroutine with a context detached from ctx's
// cancellation. If ctx ends first GetOrFetch returns ctx.Err() while the fetch
// continues and still populates the cache. Fetch errors are delivered to every
// waiter and nothing is stored.
func (c *Cache) GetOrFetch(ctx context.Context, fp Fingerprint, origin Origin, fetch FetchFunc) (Result, error) {
	c.mu.Lock()
	if v, ok := c.lookupLocked(fp, origin); ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return Result{Value: v, Cached: true}, nil
	}

	p, joined := c.pending[fp]
	if joined {
		c.joins.Add(1)
		if origin == Confirmed {
			p.origin = Confirmed
		}
	} else {
		c.misses.Add(1)
		p = &pendingFetch{done: make(chan struct{}), origin: origin}
		c.pending[fp] = p
		go c.run(context.WithoutCancel(ctx), fp, p, fetch)
	}
	p.waiters++
	c.mu.Unlock()

	select {
	case <-p.done:
		if p.err != nil {
			return Result{}, p.err
		}
		return Result{Value: p.value, Shared: joined}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, fp Fingerprint, p *pendingFetch, fetch FetchFunc) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cache fetch panicked", "fingerprint", fp.Short(), "panic", r)
			p.err = fmt.Errorf("%w: %v", ErrFetchPanicked, r)
		}
		c.finish(fp, p)
	}()
	p.value, p.err = fetch(ctx)
}

func (c *Cache) finish(fp Fingerprint, p *pendingFetch) {
	c.mu.Lock()
	if p.err == nil {
		c.insertLocked(fp, p.value, p.origin)
	}
	delete(c.pending, fp)
	c.mu.Unlock()

	slog.Debug("cache fetch finished", "fingerprint", fp.Short(), "waiters", p.waiters, "error", p.err)
	close(p.done)
}

func (c *Cache) lookupLocked(fp Fingerprint, origin Origin) (Value, bool) {
	el, ok := c.entries[fp]
	if !ok {
		return Value{}, false
	}
	e := el.Value.(*entry)
	if c.expiredLocked(e) {
		c.order.Remove(el)
		delete(c.entries, fp)
		return Value{}, false
	}
	e.lastAccess = c.now()
	if origin == Confirmed {
		e.origin = Confirmed
	}
	c.order.MoveToBack(el)
	return e.value, true
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.createdAt) > c.ttl
}

func (c *Cache) insertLocked(fp Fingerprint, v Value, origin Origin) {
	now := c.now()
	if el, ok := c.entries[fp]; ok {
		e := el.Value.(*entry)
		e.value = v
		e.createdAt = now
		e.lastAccess = now
		if origin == Confirmed {
			e.origin = Confirmed
		}
		c.order.MoveToBack(el)
		return
	}

	c.seq++
	e := &entry{fp: fp, value: v, origin: origin, createdAt: now, lastAccess: now, seq: c.seq}
	c.entries[fp] = c.order.PushBack(e)
	for c.order.Len() > c.capacity {
		c.evictLocked()
	}
}

// evictLocked removes one entry. The list is ordered by last access, so the
// candidates are the run of entries at the front sharing the oldest access
// time. Among them speculative entries go first, then the earliest inserted.
func (c *Cache) evictLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	oldest := front.Value.(*entry).lastAccess
	victim := front
	for el := front.Next(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if !e.lastAccess.Equal(oldest) {
			break
		}
		if evictsBefore(e, victim.Value.(*entry)) {
			victim = el
		}
	}

	e := victim.Value.(*entry)
	c.order.Remove(victim)
	delete(c.entries, e.fp)
	c.evictions.Add(1)
	slog.Debug("cache evict", "fingerprint", e.fp.Short(), "origin", e.origin)
}

func evictsBefore(a, b *entry) bool {
	if a.origin != b.origin {
		return a.origin == Speculative
	}
	return a.seq < b.seq
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Pending returns the number of fetches in flight.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() murmur.CacheStats {
	return murmur.CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Joins:     c.joins.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Clear drops every stored entry. Pending fetches are unaffected.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Fingerprint]*list.Element)
	c.order.Init()
}
