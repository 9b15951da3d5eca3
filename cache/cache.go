// Package cache implements the bounded response cache with request
// coalescing.
//
// The store maps a cache key to at most one entry, which is either Ready
// (a completed reply with an expiry) or Pending (a production in flight
// that waiters attach to). The lookup-or-insert-pending step is atomic
// under one mutex, which is what guarantees producer uniqueness: exactly
// one caller per pending cycle is told to perform the upstream call, and
// everyone else waits on the same outcome.
//
// Design Choices:
// - One RWMutex-free global mutex over the map. sync.Map cannot express
//   the atomic lookup-or-insert step, and eviction needs ordered
//   iteration; a single lock is fine at proxy scale since the critical
//   sections are pointer work only.
// - Insert-order eviction via container/list. Ready entries are linked in
//   completion order; eviction drops expired entries first, then the
//   oldest Ready entries. Pending entries are never linked and so never
//   evicted.
// - Per-waiter buffered channels as wake slots. The producer never blocks
//   delivering an outcome, and a waiter that stopped listening does not
//   stall the rest.
//
// Failure semantics: a failed production removes the pending entry and
// wakes all waiters with the error. The key is not poisoned; the next
// lookup starts a fresh cycle. TTL runs from successful completion, not
// from production start.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/O-tero/rpcproxy/monitoring"
)

// Outcome is what waiters receive when a production finishes.
type Outcome struct {
	Value []byte
	Err   error
}

// entry is one slot in the store. pending and ready states are mutually
// exclusive: waiters/startedAt are meaningful while pending, value/
// expiresAt/elem once ready.
type entry struct {
	key string

	pending   bool
	waiters   []chan Outcome
	startedAt time.Time

	value     []byte
	expiresAt time.Time
	elem      *list.Element
}

// ProduceToken identifies the one caller allowed to complete a pending
// cycle. It pins the exact entry of that cycle — not just the key — so a
// token outliving its cycle (the key failed and was re-elected) cannot
// complete someone else's pending entry. It also carries the TTL the
// policy assigned at lookup time.
type ProduceToken struct {
	key   string
	cycle *entry
	ttl   time.Duration
}

// Lookup is the result of GetOrStart. Exactly one of the three fields is
// meaningful: Hit, Wait, or Token.
type Lookup struct {
	// Hit is true when Value holds a fresh Ready reply.
	Hit   bool
	Value []byte

	// Wait is non-nil when a production is already in flight; receive one
	// Outcome from it.
	Wait <-chan Outcome

	// Token is non-nil when the caller has been elected producer and must
	// call Complete exactly once.
	Token *ProduceToken
}

// Cache is the bounded TTL store.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	readyOrder *list.List // Ready entries, oldest completion at the front
	maxEntries int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache bounded to maxEntries Ready+Pending entries.
func New(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]*entry, maxEntries),
		readyOrder: list.New(),
		maxEntries: maxEntries,
	}
}

// GetOrStart atomically resolves a key to a hit, a wait on an in-flight
// production, or a producer election. ttl is the lifetime the entry gets
// if this caller ends up producing it.
func (c *Cache) GetOrStart(key string, ttl time.Duration) Lookup {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.pending {
			ch := make(chan Outcome, 1)
			e.waiters = append(e.waiters, ch)
			c.hits.Add(1)
			monitoring.CacheHits.Inc()
			return Lookup{Wait: ch}
		}

		if now.Before(e.expiresAt) {
			c.hits.Add(1)
			monitoring.CacheHits.Inc()
			return Lookup{Hit: true, Value: e.value}
		}

		// Expired: drop and fall through to a fresh pending cycle.
		c.removeLocked(e)
	}

	c.misses.Add(1)
	monitoring.CacheMisses.Inc()

	e := &entry{
		key:       key,
		pending:   true,
		startedAt: now,
	}
	c.entries[key] = e
	c.evictLocked(now)

	return Lookup{Token: &ProduceToken{key: key, cycle: e, ttl: ttl}}
}

// Complete finishes a pending cycle. On success the entry becomes Ready
// with expiry now+ttl and every waiter receives the value; on failure the
// entry is removed and every waiter receives the error.
func (c *Cache) Complete(token *ProduceToken, value []byte, err error) {
	now := time.Now()

	c.mu.Lock()

	e, ok := c.entries[token.key]
	if !ok || e != token.cycle || !e.pending {
		// The cycle this token belonged to is gone; nothing to deliver.
		c.mu.Unlock()
		return
	}

	waiters := e.waiters
	e.waiters = nil

	if err != nil {
		delete(c.entries, token.key)
	} else {
		e.pending = false
		e.value = value
		e.expiresAt = now.Add(token.ttl)
		e.elem = c.readyOrder.PushBack(e)
		c.evictLocked(now)
	}
	c.mu.Unlock()

	out := Outcome{Value: value, Err: err}
	for _, ch := range waiters {
		ch <- out
	}
}

// Len returns the current entry count, pending included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss/eviction counters.
func (c *Cache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// CleanupExpired removes all expired Ready entries. Returns the number
// removed.
func (c *Cache) CleanupExpired() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for elem := c.readyOrder.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if now.After(e.expiresAt) || now.Equal(e.expiresAt) {
			c.removeLocked(e)
			count++
		}
		elem = next
	}
	return count
}

// removeLocked unlinks a Ready entry. Must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	if e.elem != nil {
		c.readyOrder.Remove(e.elem)
		e.elem = nil
	}
	delete(c.entries, e.key)
}

// evictLocked enforces maxEntries: expired Ready entries go first, then the
// oldest Ready entries by completion order. Pending entries are untouchable,
// so a store full of pendings may transiently exceed the bound. Must hold
// c.mu.
func (c *Cache) evictLocked(now time.Time) {
	if len(c.entries) <= c.maxEntries {
		return
	}

	for elem := c.readyOrder.Front(); elem != nil && len(c.entries) > c.maxEntries; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			c.evictions.Add(1)
			monitoring.CacheEvictions.Inc()
		}
		elem = next
	}

	for len(c.entries) > c.maxEntries {
		oldest := c.readyOrder.Front()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Value.(*entry))
		c.evictions.Add(1)
		monitoring.CacheEvictions.Inc()
	}
}
