package retrieval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-concord/internal/domain"
	"github.com/ahrav/go-concord/internal/ports"
)

type countingSupplier struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (s *countingSupplier) GetContext(_ context.Context, query string) (domain.RetrievedContext, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return domain.RetrievedContext{}, s.err
	}
	snippets := []domain.Snippet{{Title: "Article 79", Content: "twelve days for " + query}}
	return domain.RetrievedContext{Blob: FormatBlob(snippets), Snippets: snippets, Intent: "leave_entitlement"}, nil
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection reset")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection reset")
}
func (brokenStore) Delete(context.Context, string) error { return nil }
func (brokenStore) Clear(context.Context) error          { return nil }

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, c.Clear(ctx))
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "short")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCachingSupplier_HitsCache(t *testing.T) {
	upstream := &countingSupplier{}
	s := NewCachingSupplier(upstream, NewMemoryCache(time.Minute), 0, nil)
	ctx := context.Background()

	first, err := s.GetContext(ctx, "Leave entitlement")
	require.NoError(t, err)
	second, err := s.GetContext(ctx, "  leave ENTITLEMENT ")
	require.NoError(t, err)

	assert.Equal(t, int32(1), upstream.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, "leave_entitlement", second.Intent)
	assert.NotEmpty(t, second.Blob)
}

func TestCachingSupplier_CoalescesConcurrentMisses(t *testing.T) {
	upstream := &countingSupplier{release: make(chan struct{})}
	s := NewCachingSupplier(upstream, NewMemoryCache(time.Minute), 0, nil)

	var wg sync.WaitGroup
	results := make([]domain.RetrievedContext, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := s.GetContext(context.Background(), "leave")
			assert.NoError(t, err)
			results[i] = rc
		}()
	}
	require.Eventually(t, func() bool { return upstream.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(upstream.release)
	wg.Wait()

	assert.Equal(t, int32(1), upstream.calls.Load())
	for _, rc := range results {
		assert.Equal(t, results[0], rc)
	}
}

func TestCachingSupplier_CorruptedEntryIsReplaced(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCache(time.Minute)
	require.NoError(t, store.Set(ctx, CacheKey("leave"), []byte("{not json"), 0))

	upstream := &countingSupplier{}
	s := NewCachingSupplier(upstream, store, 0, nil)

	rc, err := s.GetContext(ctx, "leave")
	require.NoError(t, err)
	assert.Len(t, rc.Snippets, 1)
	assert.Equal(t, int32(1), upstream.calls.Load())

	_, err = s.GetContext(ctx, "leave")
	require.NoError(t, err)
	assert.Equal(t, int32(1), upstream.calls.Load())
}

func TestCachingSupplier_StoreFailuresAreBypassed(t *testing.T) {
	upstream := &countingSupplier{}
	s := NewCachingSupplier(upstream, brokenStore{}, 0, nil)

	for range 2 {
		rc, err := s.GetContext(context.Background(), "leave")
		require.NoError(t, err)
		assert.Len(t, rc.Snippets, 1)
	}
	assert.Equal(t, int32(2), upstream.calls.Load())
}

func TestCachingSupplier_ErrorsAreNotCached(t *testing.T) {
	upstream := &countingSupplier{err: errors.New("corpus unavailable")}
	s := NewCachingSupplier(upstream, NewMemoryCache(time.Minute), 0, nil)

	_, err := s.GetContext(context.Background(), "leave")
	require.ErrorContains(t, err, "corpus unavailable")
	_, err = s.GetContext(context.Background(), "leave")
	require.Error(t, err)
	assert.Equal(t, int32(2), upstream.calls.Load())
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, CacheKey("Leave"), CacheKey(" leave\n"))
	assert.NotEqual(t, CacheKey("leave"), CacheKey("overtime"))
	assert.Len(t, CacheKey("leave"), 64)
}

func TestRedisCache_WrapsErrors(t *testing.T) {
	rdb, err := NewRedisClient("redis://127.0.0.1:1/0?dial_timeout=100ms&max_retries=-1")
	require.NoError(t, err)
	defer rdb.Close()
	c := NewRedisCache(rdb, "", time.Minute)

	_, _, err = c.Get(context.Background(), "k")
	var cacheErr *ports.CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "get", cacheErr.Op)
	assert.Equal(t, "k", cacheErr.Key)

	err = c.Set(context.Background(), "k", []byte("v"), 0)
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "set", cacheErr.Op)
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient("http://example.com")
	assert.ErrorContains(t, err, "failed to parse redis url")
}
