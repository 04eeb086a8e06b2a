package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

// MemoryCache is an in-process ports.CacheStore with expiring entries.
type MemoryCache struct {
	c *gocache.Cache
}

var _ ports.CacheStore = (*MemoryCache)(nil)

// NewMemoryCache creates a cache whose entries expire after ttl by default.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, ports.NewCacheError(key, "get", ports.ErrCacheCorrupted)
	}
	return b, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	if expiration <= 0 {
		expiration = gocache.DefaultExpiration
	}
	m.c.Set(key, value, expiration)
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryCache) Clear(context.Context) error {
	m.c.Flush()
	return nil
}

// RedisCache is a ports.CacheStore shared between processes. Every key is
// namespaced under prefix so Clear only touches this cache.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ ports.CacheStore = (*RedisCache)(nil)

// NewRedisCache wraps a connected client.
func NewRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "concord:context:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (r *RedisCache) key(k string) string { return r.prefix + k }

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ports.NewCacheError(key, "get", err)
	}
	return b, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if expiration <= 0 {
		expiration = r.ttl
	}
	if err := r.rdb.Set(ctx, r.key(key), value, expiration).Err(); err != nil {
		return ports.NewCacheError(key, "set", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return ports.NewCacheError(key, "delete", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (r *RedisCache) Clear(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
				return ports.NewCacheError(r.prefix+"*", "clear", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return ports.NewCacheError(r.prefix+"*", "clear", err)
	}
	if len(batch) > 0 {
		if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
			return ports.NewCacheError(r.prefix+"*", "clear", err)
		}
	}
	return nil
}

// cachedContext is the stored form of a RetrievedContext. Blob is not
// serialized on the domain type, so it is carried explicitly.
type cachedContext struct {
	Blob     string           `json:"blob"`
	Snippets []domain.Snippet `json:"snippets"`
	Intent   string           `json:"intent"`
}

// CachingSupplier memoizes another supplier. Concurrent lookups of the same
// query share one upstream call. Cache failures are logged and bypassed.
type CachingSupplier struct {
	next   ports.ContextSupplier
	cache  ports.CacheStore
	ttl    time.Duration
	logger *zap.Logger
	sf     singleflight.Group
}

var _ ports.ContextSupplier = (*CachingSupplier)(nil)

// NewCachingSupplier wraps next. A nil logger discards logs.
func NewCachingSupplier(next ports.ContextSupplier, store ports.CacheStore, ttl time.Duration, logger *zap.Logger) *CachingSupplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingSupplier{next: next, cache: store, ttl: ttl, logger: logger}
}

// CacheKey is the store key for a query. Queries differing only in case or
// surrounding space share an entry.
func CacheKey(query string) string {
	sum := sha256.Sum256([]byte(fold(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])
}

func (c *CachingSupplier) GetContext(ctx context.Context, query string) (domain.RetrievedContext, error) {
	key := CacheKey(query)
	if rc, ok := c.lookup(ctx, key); ok {
		return rc, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// A concurrent flight may have just filled the entry.
		if rc, ok := c.lookup(ctx, key); ok {
			return rc, nil
		}
		rc, err := c.next.GetContext(ctx, query)
		if err != nil {
			return domain.RetrievedContext{}, err
		}
		c.save(ctx, key, rc)
		return rc, nil
	})
	if err != nil {
		return domain.RetrievedContext{}, err
	}
	return v.(domain.RetrievedContext), nil
}

func (c *CachingSupplier) lookup(ctx context.Context, key string) (domain.RetrievedContext, bool) {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("context cache read failed", zap.String("key", key), zap.Error(err))
		return domain.RetrievedContext{}, false
	}
	if !ok {
		return domain.RetrievedContext{}, false
	}
	var cc cachedContext
	if err := json.Unmarshal(data, &cc); err != nil {
		c.logger.Warn("dropping corrupted context cache entry", zap.String("key", key), zap.Error(err))
		_ = c.cache.Delete(ctx, key)
		return domain.RetrievedContext{}, false
	}
	return domain.RetrievedContext{Blob: cc.Blob, Snippets: cc.Snippets, Intent: cc.Intent}, true
}

func (c *CachingSupplier) save(ctx context.Context, key string, rc domain.RetrievedContext) {
	data, err := json.Marshal(cachedContext{Blob: rc.Blob, Snippets: rc.Snippets, Intent: rc.Intent})
	if err != nil {
		c.logger.Warn("context cache encode failed", zap.Error(err))
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("context cache write failed", zap.String("key", key), zap.Error(err))
	}
}
