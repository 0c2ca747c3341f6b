package metacache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/preview/internal/metrics"
)

// FetchFunc loads a fresh value from the metadata collaborator.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Loader pairs a Cache with its collaborator. Concurrent misses share a
// single upstream call.
type Loader[T any] struct {
	cache *Cache[T]
	fetch FetchFunc[T]
	ttl   time.Duration
	group singleflight.Group
	log   *zap.Logger
}

// NewLoader creates a loader that caches fetched values for ttl.
func NewLoader[T any](cache *Cache[T], fetch FetchFunc[T], ttl time.Duration, log *zap.Logger) *Loader[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader[T]{cache: cache, fetch: fetch, ttl: ttl, log: log}
}

// Get serves from the cache, fetching on a miss. A fetch error is returned
// as-is and leaves the slot untouched. The returned status is "miss"
// whenever the collaborator had to be called.
func (l *Loader[T]) Get(ctx context.Context, now time.Time) (Result[T], error) {
	res := l.cache.Get(now)
	metrics.RecordCacheLookup(metrics.CacheMetadata, res.Hit())
	if res.Hit() {
		return res, nil
	}

	v, err, shared := l.group.Do("metadata", func() (any, error) {
		value, err := l.fetch(ctx)
		if err != nil {
			return nil, err
		}
		l.cache.Set(value, l.ttl, now)
		return value, nil
	})
	if err != nil {
		l.log.Warn("metadata fetch failed", zap.Error(err))
		return Result[T]{Cache: res.Cache}, err
	}

	l.log.Debug("metadata fetched", zap.Bool("shared", shared))

	value := v.(T)
	fresh := l.cache.Get(now)
	if fresh.Hit() {
		fresh.Cache.Status = StatusMiss
		return fresh, nil
	}
	// A zero or negative TTL never produces a hit; hand back the value anyway.
	return Result[T]{Metadata: &value, Cache: fresh.Cache}, nil
}

// Invalidate clears the cached value.
func (l *Loader[T]) Invalidate() {
	l.cache.Clear()
}

// Cache returns the underlying cache.
func (l *Loader[T]) Cache() *Cache[T] {
	return l.cache
}
