// Package cache holds the per-instance file record cache and the purgers
// that invalidate cached copies elsewhere after a file changes.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/pkg/models"
)

// Files is an LRU of file records keyed by storage key, with a TTL so
// changes made by peers without a Redis fan-out still age out.
type Files struct {
	lru *expirable.LRU[string, *models.FileRecord]
}

// NewFiles creates the cache. size <= 0 disables caching.
func NewFiles(size int, ttl time.Duration) *Files {
	if size <= 0 {
		return nil
	}
	return &Files{lru: expirable.NewLRU[string, *models.FileRecord](size, nil, ttl)}
}

// Get returns a copy of the cached record.
func (c *Files) Get(key string) (*models.FileRecord, bool) {
	if c == nil {
		return nil, false
	}
	rec, ok := c.lru.Get(key)
	metrics.RecordFileCacheLookup(ok)
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Add stores a copy of rec.
func (c *Files) Add(rec *models.FileRecord) {
	if c == nil || rec == nil {
		return
	}
	cp := *rec
	c.lru.Add(rec.Key, &cp)
}

// Remove drops key.
func (c *Files) Remove(key string) {
	if c == nil {
		return
	}
	c.lru.Remove(key)
}

// Len returns the number of cached records.
func (c *Files) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
