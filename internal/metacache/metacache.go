// Package metacache holds a single externally fetched value with explicit
// expiry. Callers always supply the current time.
package metacache

import (
	"sync"
	"time"
)

// Status values reported by Get.
const (
	StatusHit  = "hit"
	StatusMiss = "miss"
)

// CacheInfo describes how a lookup was served. ExpiresAt is nil only when
// the slot has never been filled (or was cleared); on a miss caused by
// expiry it reports when the stale entry expired.
type CacheInfo struct {
	Status    string
	ExpiresAt *time.Time
}

// Result is returned by Get. Metadata is nil on a miss.
type Result[T any] struct {
	Metadata *T
	Cache    CacheInfo
}

// Hit reports whether the lookup found a live entry.
func (r Result[T]) Hit() bool {
	return r.Cache.Status == StatusHit
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Cache is a single-slot cache. The zero value is empty and ready to use.
type Cache[T any] struct {
	mu   sync.RWMutex
	slot *entry[T]
}

// New creates an empty cache.
func New[T any]() *Cache[T] {
	return &Cache[T]{}
}

// Set replaces the slot with value, expiring at now+ttl.
func (c *Cache[T]) Set(value T, ttl time.Duration, now time.Time) time.Time {
	e := &entry[T]{value: value, expiresAt: now.Add(ttl)}
	c.mu.Lock()
	c.slot = e
	c.mu.Unlock()
	return e.expiresAt
}

// Get returns the value if now is before its expiry.
func (c *Cache[T]) Get(now time.Time) Result[T] {
	c.mu.RLock()
	e := c.slot
	c.mu.RUnlock()

	if e == nil {
		return Result[T]{Cache: CacheInfo{Status: StatusMiss}}
	}
	expiresAt := e.expiresAt
	if !now.Before(expiresAt) {
		return Result[T]{Cache: CacheInfo{Status: StatusMiss, ExpiresAt: &expiresAt}}
	}
	v := e.value
	return Result[T]{Metadata: &v, Cache: CacheInfo{Status: StatusHit, ExpiresAt: &expiresAt}}
}

// Clear empties the slot.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.slot = nil
	c.mu.Unlock()
}
