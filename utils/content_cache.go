package utils

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ContentCacheConfig tunes the cache and its upstream rate limiter.
type ContentCacheConfig struct {
	TTL        time.Duration
	Capacity   int
	RateLimit  rate.Limit // upstream calls per second
	RateBurst  int
	Blocking   bool // block on exhausted rate vs return ErrRateLimited
	MaxRetries int  // additional attempts after the first, transient failures only
	BaseDelay  time.Duration
}

// ContentCache memoizes generated content by fingerprint and throttles
// upstream generation calls. Concurrent requests for the same fingerprint
// collapse into a single upstream call; every caller gets the same result
// or the same failure.
type ContentCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	group   singleflight.Group
	limiter *rate.Limiter
	cfg     ContentCacheConfig
	logger  *logrus.Entry

	now func() time.Time // test hook
}

type cacheEntry struct {
	fingerprint string
	content     GeneratedContent
	createdAt   time.Time
	hits        int
}

func NewContentCache(cfg ContentCacheConfig, logger *logrus.Entry) *ContentCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &ContentCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// GetOrGenerate returns the cached content for fingerprint, or dispatches
// generate at most once no matter how many goroutines ask concurrently.
func (c *ContentCache) GetOrGenerate(ctx context.Context, fingerprint string, generate func(context.Context) (GeneratedContent, error)) (GeneratedContent, error) {
	if content, ok := c.lookup(fingerprint); ok {
		return content, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		// A caller that queued behind the winner may find the entry
		// already populated.
		if content, ok := c.lookup(fingerprint); ok {
			return content, nil
		}
		content, err := c.generateWithRetry(ctx, fingerprint, generate)
		if err != nil {
			return nil, err
		}
		c.insert(fingerprint, content)
		return content, nil
	})
	if err != nil {
		return GeneratedContent{}, err
	}
	return v.(GeneratedContent), nil
}

func (c *ContentCache) generateWithRetry(ctx context.Context, fingerprint string, generate func(context.Context) (GeneratedContent, error)) (GeneratedContent, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return GeneratedContent{}, Transient(ctx.Err())
			}
		}

		if err := c.reserve(ctx, attempt); err != nil {
			return GeneratedContent{}, err
		}

		content, err := generate(ctx)
		if err == nil {
			return content, nil
		}
		if !IsTransient(err) {
			// Invalid input, schema mismatch and the like surface
			// without retry.
			return GeneratedContent{}, err
		}
		lastErr = err
		c.logger.WithFields(logrus.Fields{
			"fingerprint": fingerprint,
			"attempt":     attempt + 1,
		}).WithError(err).Warn("transient generation failure")
	}
	return GeneratedContent{}, fmt.Errorf("%w: retries exhausted: %v", ErrGenerationFailed, lastErr)
}

// reserve takes one token from the upstream limiter. In non-blocking mode
// the first attempt fails fast with ErrRateLimited; retry attempts always
// wait so an admitted request cannot be dropped mid-flight.
func (c *ContentCache) reserve(ctx context.Context, attempt int) error {
	if !c.cfg.Blocking && attempt == 0 {
		if !c.limiter.Allow() {
			return ErrRateLimited
		}
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Transient(err)
	}
	return nil
}

func (c *ContentCache) lookup(fingerprint string) (GeneratedContent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fingerprint]
	if !ok {
		return GeneratedContent{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.createdAt) > c.cfg.TTL {
		c.order.Remove(elem)
		delete(c.entries, fingerprint)
		return GeneratedContent{}, false
	}
	entry.hits++
	c.order.MoveToFront(elem)
	return entry.content, true
}

func (c *ContentCache) insert(fingerprint string, content GeneratedContent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[fingerprint]; ok {
		elem.Value.(*cacheEntry).content = content
		elem.Value.(*cacheEntry).createdAt = c.now()
		c.order.MoveToFront(elem)
		return
	}
	for len(c.entries) >= c.cfg.Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).fingerprint)
	}
	elem := c.order.PushFront(&cacheEntry{
		fingerprint: fingerprint,
		content:     content,
		createdAt:   c.now(),
	})
	c.entries[fingerprint] = elem
}

// Len reports the number of live cache entries.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hits reports the hit count for a fingerprint, zero if absent.
func (c *ContentCache) Hits(fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[fingerprint]; ok {
		return elem.Value.(*cacheEntry).hits
	}
	return 0
}
