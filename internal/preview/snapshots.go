package preview

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fruitsalade/preview/internal/metrics"
	"github.com/fruitsalade/preview/pkg/models"
)

// DefaultSnapshotCacheSize is the number of generated snapshots kept.
const DefaultSnapshotCacheSize = 32

// SnapshotCache holds generated snapshots by request key digest. It may be
// shared by every coordinator in the process.
type SnapshotCache struct {
	lru *lru.Cache[string, *models.Snapshot]
}

// NewSnapshotCache creates a cache holding up to size snapshots.
func NewSnapshotCache(size int) (*SnapshotCache, error) {
	if size == 0 {
		size = DefaultSnapshotCacheSize
	}
	c, err := lru.New[string, *models.Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	return &SnapshotCache{lru: c}, nil
}

// Get returns the snapshot for digest.
func (c *SnapshotCache) Get(digest string) (*models.Snapshot, bool) {
	s, ok := c.lru.Get(digest)
	metrics.RecordCacheLookup(metrics.CacheSnapshot, ok)
	return s, ok
}

// Add stores a snapshot under its key.
func (c *SnapshotCache) Add(s *models.Snapshot) {
	if c.lru.Add(s.Key, s) {
		metrics.RecordCacheEviction(metrics.CacheSnapshot)
	}
}

// Len returns the number of cached snapshots.
func (c *SnapshotCache) Len() int {
	return c.lru.Len()
}

// Purge empties the cache.
func (c *SnapshotCache) Purge() {
	c.lru.Purge()
}
