package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MapFetchFunc retrieves the image for a map key
type MapFetchFunc func(ctx context.Context, key string) ([]byte, error)

// MapCache keeps the most recently inserted map images in memory.
//
// Entries are evicted strictly in insertion order: lookups never
// refresh an entry, so the entry evicted when the cache is over capacity
// is always the oldest one inserted.
//
// Concurrent Ensure calls for the same missing key each fetch; the first
// value stored is kept.
type MapCache struct {
	entries *lru.Cache[string, []byte]
	fetch   MapFetchFunc
	logger  *slog.Logger
}

// NewMapCache returns a MapCache holding at most capacity images, using
// fetch to populate missing keys.
func NewMapCache(capacity int, fetch MapFetchFunc, logger *slog.Logger) (*MapCache, error) {
	if fetch == nil {
		return nil, fmt.Errorf("map cache: nil fetch func")
	}
	entries, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("map cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MapCache{entries: entries, fetch: fetch, logger: logger}, nil
}

// Ensure makes sure key is cached, fetching it if it isn't. Nothing is
// stored when the fetch fails.
func (c *MapCache) Ensure(ctx context.Context, key string) error {
	if c.entries.Contains(key) {
		c.logger.DebugContext(ctx, "map cache hit", "key", key)
		return nil
	}

	data, err := c.fetch(ctx, key)
	if err != nil {
		return err
	}

	// ContainsOrAdd never moves an existing entry, which keeps eviction
	// in insertion order when a concurrent fetch got here first
	if found, evicted := c.entries.ContainsOrAdd(key, data); found {
		c.logger.DebugContext(ctx, "map fetched concurrently, keeping first", "key", key)
	} else {
		c.logger.InfoContext(
			ctx, "cached map",
			"key", key,
			"bytes", len(data),
			"evicted", evicted,
			"size", c.entries.Len(),
		)
	}
	return nil
}

// Get returns the cached image for key. A miss doesn't trigger a fetch.
func (c *MapCache) Get(key string) ([]byte, bool) {
	return c.entries.Peek(key)
}

// Keys returns the cached keys, oldest first
func (c *MapCache) Keys() []string {
	return c.entries.Keys()
}

// Len returns the number of cached images
func (c *MapCache) Len() int {
	return c.entries.Len()
}

// MapKey formats a coordinate pair as a cache key
func MapKey(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}
