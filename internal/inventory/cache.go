package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedCatalog is a cache-aside decorator that keeps text-search results in
// Redis for a short TTL. Lookups by ID always go to the underlying catalog so
// stock re-validation sees current quantities.
type CachedCatalog struct {
	next   Catalog
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewCachedCatalog wraps next with a Redis cache.
func NewCachedCatalog(next Catalog, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCatalog{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: "rxfill:catalog",
		logger: logger,
	}
}

// List implements Catalog.
func (c *CachedCatalog) List(ctx context.Context, f Filter) ([]Entry, error) {
	if len(f.IDs) > 0 || c.ttl <= 0 {
		return c.next.List(ctx, f)
	}

	key := c.prefix + ":list:" + filterKey(f)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err == nil {
			return entries, nil
		}
		c.logger.Warn("discarding corrupt catalog cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("catalog cache read failed", zap.String("key", key), zap.Error(err))
	}

	entries, err := c.next.List(ctx, f)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(entries)
	if err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("catalog cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return entries, nil
}

// filterKey is stable across name order and letter case.
func filterKey(f Filter) string {
	names := f.NormalizedNames()
	sort.Strings(names)

	parts := []string{
		strings.ToLower(strings.TrimSpace(f.Term)),
		strings.Join(names, ","),
		strconv.Itoa(f.Limit),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}
