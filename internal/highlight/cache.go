// Package highlight caches split and tokenized file contents for the
// preview UI.
package highlight

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fruitsalade/preview/internal/metrics"
	"github.com/fruitsalade/preview/pkg/protocol"
)

// Default capacities.
const (
	DefaultTokenCapacity = 96
	DefaultLineCapacity  = 192
)

// Key identifies one tokenization: the same content under another theme
// or language is a different entry.
type Key struct {
	FileHash string
	Theme    string
	Language string
}

// Lines is a tokenized file, one token slice per line.
type Lines [][]protocol.Token

// Config sets the capacity of each LRU. Zero values use the defaults.
type Config struct {
	TokenCapacity int
	LineCapacity  int
}

// Stats reports cache occupancy.
type Stats struct {
	TokenEntries  int `json:"token_entries"`
	TokenCapacity int `json:"token_capacity"`
	LineEntries   int `json:"line_entries"`
	LineCapacity  int `json:"line_capacity"`
}

// Cache holds two independent LRUs: tokenized lines keyed by Key and
// split raw lines keyed by content hash. Get marks an entry most recently
// used; Set evicts exactly the least recently used entry when full. Each
// operation runs under the LRU's own lock so touch-and-evict is atomic.
type Cache struct {
	tokens        *lru.Cache[Key, Lines]
	lines         *lru.Cache[string, []string]
	tokenCapacity int
	lineCapacity  int
}

// New creates a cache with the given capacities.
func New(cfg Config) (*Cache, error) {
	if cfg.TokenCapacity == 0 {
		cfg.TokenCapacity = DefaultTokenCapacity
	}
	if cfg.LineCapacity == 0 {
		cfg.LineCapacity = DefaultLineCapacity
	}

	tokens, err := lru.New[Key, Lines](cfg.TokenCapacity)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	lines, err := lru.New[string, []string](cfg.LineCapacity)
	if err != nil {
		return nil, fmt.Errorf("line cache: %w", err)
	}
	return &Cache{
		tokens:        tokens,
		lines:         lines,
		tokenCapacity: cfg.TokenCapacity,
		lineCapacity:  cfg.LineCapacity,
	}, nil
}

// GetTokens returns the tokenized lines for key.
func (c *Cache) GetTokens(key Key) (Lines, bool) {
	v, ok := c.tokens.Get(key)
	metrics.RecordCacheLookup(metrics.CacheHighlightTokens, ok)
	return v, ok
}

// SetTokens stores tokenized lines for key.
func (c *Cache) SetTokens(key Key, v Lines) {
	if c.tokens.Add(key, v) {
		metrics.RecordCacheEviction(metrics.CacheHighlightTokens)
	}
}

// GetLines returns the split lines of the content with the given hash.
func (c *Cache) GetLines(fileHash string) ([]string, bool) {
	v, ok := c.lines.Get(fileHash)
	metrics.RecordCacheLookup(metrics.CacheHighlightLines, ok)
	return v, ok
}

// SetLines stores the split lines of the content with the given hash.
func (c *Cache) SetLines(fileHash string, v []string) {
	if c.lines.Add(fileHash, v) {
		metrics.RecordCacheEviction(metrics.CacheHighlightLines)
	}
}

// Clear empties both caches.
func (c *Cache) Clear() {
	c.tokens.Purge()
	c.lines.Purge()
}

// Stats returns cache occupancy.
func (c *Cache) Stats() Stats {
	return Stats{
		TokenEntries:  c.tokens.Len(),
		TokenCapacity: c.tokenCapacity,
		LineEntries:   c.lines.Len(),
		LineCapacity:  c.lineCapacity,
	}
}
