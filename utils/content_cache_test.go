package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testCache(cfg ContentCacheConfig) *ContentCache {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewContentCache(cfg, logrus.NewEntry(logger))
}

func constGenerator(subject string) func(context.Context) (GeneratedContent, error) {
	return func(context.Context) (GeneratedContent, error) {
		return GeneratedContent{Subject: subject, Body: "body"}, nil
	}
}

func TestGetOrGenerateCachesResult(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:       time.Hour,
		Capacity:  10,
		RateLimit: rate.Inf,
		Blocking:  true,
	})

	var calls int32
	gen := func(context.Context) (GeneratedContent, error) {
		atomic.AddInt32(&calls, 1)
		return GeneratedContent{Subject: "hello"}, nil
	}

	first, err := cache.GetOrGenerate(context.Background(), "fp1", gen)
	require.NoError(t, err)
	second, err := cache.GetOrGenerate(context.Background(), "fp1", gen)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, cache.Hits("fp1"))
}

func TestGetOrGenerateCollapsesConcurrentCalls(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:       time.Hour,
		Capacity:  10,
		RateLimit: rate.Inf,
		Blocking:  true,
	})

	var calls int32
	release := make(chan struct{})
	gen := func(context.Context) (GeneratedContent, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return GeneratedContent{Subject: "once"}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]GeneratedContent, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content, err := cache.GetOrGenerate(context.Background(), "shared", gen)
			assert.NoError(t, err)
			results[i] = content
		}(i)
	}

	// Give every goroutine a chance to pile onto the same flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "once", r.Subject)
	}
}

func TestGetOrGenerateExpiresByTTL(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:       time.Minute,
		Capacity:  10,
		RateLimit: rate.Inf,
		Blocking:  true,
	})

	current := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	var calls int32
	gen := func(context.Context) (GeneratedContent, error) {
		atomic.AddInt32(&calls, 1)
		return GeneratedContent{Subject: fmt.Sprintf("call-%d", atomic.LoadInt32(&calls))}, nil
	}

	_, err := cache.GetOrGenerate(context.Background(), "fp", gen)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	content, err := cache.GetOrGenerate(context.Background(), "fp", gen)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "call-2", content.Subject)
}

func TestInsertEvictsLeastRecentlyUsed(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:       time.Hour,
		Capacity:  2,
		RateLimit: rate.Inf,
		Blocking:  true,
	})

	ctx := context.Background()
	_, err := cache.GetOrGenerate(ctx, "a", constGenerator("a"))
	require.NoError(t, err)
	_, err = cache.GetOrGenerate(ctx, "b", constGenerator("b"))
	require.NoError(t, err)

	// Touch "a" so "b" becomes the eviction candidate.
	_, err = cache.GetOrGenerate(ctx, "a", constGenerator("a"))
	require.NoError(t, err)

	_, err = cache.GetOrGenerate(ctx, "c", constGenerator("c"))
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 1, cache.Hits("a"))
	assert.Equal(t, 0, cache.Hits("b"), "least recently used entry should be gone")
}

func TestNonBlockingModeFailsFastWhenExhausted(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:       time.Hour,
		Capacity:  10,
		RateLimit: rate.Limit(0.001),
		RateBurst: 1,
		Blocking:  false,
	})

	ctx := context.Background()
	_, err := cache.GetOrGenerate(ctx, "first", constGenerator("x"))
	require.NoError(t, err)

	_, err = cache.GetOrGenerate(ctx, "second", constGenerator("y"))
	require.ErrorIs(t, err, ErrRateLimited)

	// The cached winner is unaffected by the exhausted limiter.
	content, err := cache.GetOrGenerate(ctx, "first", constGenerator("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", content.Subject)
}

func TestBlockingModeWaitsForToken(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:       time.Hour,
		Capacity:  10,
		RateLimit: rate.Limit(50),
		RateBurst: 1,
		Blocking:  true,
	})

	ctx := context.Background()
	_, err := cache.GetOrGenerate(ctx, "a", constGenerator("a"))
	require.NoError(t, err)

	start := time.Now()
	_, err = cache.GetOrGenerate(ctx, "b", constGenerator("b"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestGenerateWithRetryRecoversFromTransientFailures(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:        time.Hour,
		Capacity:   10,
		RateLimit:  rate.Inf,
		Blocking:   true,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	})

	var calls int32
	gen := func(context.Context) (GeneratedContent, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return GeneratedContent{}, Transient(errors.New("upstream 503"))
		}
		return GeneratedContent{Subject: "recovered"}, nil
	}

	content, err := cache.GetOrGenerate(context.Background(), "fp", gen)
	require.NoError(t, err)
	assert.Equal(t, "recovered", content.Subject)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGenerateWithRetryGivesUpAfterBudget(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:        time.Hour,
		Capacity:   10,
		RateLimit:  rate.Inf,
		Blocking:   true,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
	})

	var calls int32
	gen := func(context.Context) (GeneratedContent, error) {
		atomic.AddInt32(&calls, 1)
		return GeneratedContent{}, Transient(errors.New("still down"))
	}

	_, err := cache.GetOrGenerate(context.Background(), "fp", gen)
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, cache.Len(), "failures must not be cached")
}

func TestGenerateWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	cache := testCache(ContentCacheConfig{
		TTL:        time.Hour,
		Capacity:   10,
		RateLimit:  rate.Inf,
		Blocking:   true,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	})

	var calls int32
	gen := func(context.Context) (GeneratedContent, error) {
		atomic.AddInt32(&calls, 1)
		return GeneratedContent{}, Permanent(errors.New("bad prompt"))
	}

	_, err := cache.GetOrGenerate(context.Background(), "fp", gen)
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
