package privacy

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/errs"
)

const cohortKeyPrefix = "datapact:cohort:"

// CohortCache memoises cohort size estimates so repeated k-anonymity checks
// against the same scope and criteria do not re-run the estimator.
type CohortCache interface {
	Get(ctx context.Context, key string) (size int, ok bool, err error)
	Set(ctx context.Context, key string, size int, ttl time.Duration) error
}

// CohortCacheKey derives the cache key for an estimate over scope plus
// criteria. Both inputs feed the estimator, so both feed the key.
func CohortCacheKey(scope, criteria map[string]string) (string, error) {
	return canonical.CanonicalHash(map[string]interface{}{
		"scope":    scope,
		"criteria": criteria,
	})
}

type cachedCohort struct {
	size      int
	expiresAt time.Time
}

// MemoryCohortCache is the in-process cohort cache.
type MemoryCohortCache struct {
	mu      sync.Mutex
	entries map[string]cachedCohort
	clock   func() time.Time
}

// NewMemoryCohortCache returns an empty cache.
func NewMemoryCohortCache() *MemoryCohortCache {
	return &MemoryCohortCache{
		entries: make(map[string]cachedCohort),
		clock:   time.Now,
	}
}

// WithClock overrides the cache's time source.
func (c *MemoryCohortCache) WithClock(clock func() time.Time) *MemoryCohortCache {
	c.clock = clock
	return c
}

func (c *MemoryCohortCache) Get(_ context.Context, key string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return 0, false, nil
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, key)
		return 0, false, nil
	}
	return entry.size, true, nil
}

func (c *MemoryCohortCache) Set(_ context.Context, key string, size int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedCohort{size: size, expiresAt: c.clock().Add(ttl)}
	return nil
}

// RedisCohortCache shares cohort estimates across governor instances.
type RedisCohortCache struct {
	client *redis.Client
}

// NewRedisCohortCache wraps an existing Redis client.
func NewRedisCohortCache(client *redis.Client) *RedisCohortCache {
	return &RedisCohortCache{client: client}
}

func (c *RedisCohortCache) Get(ctx context.Context, key string) (int, bool, error) {
	val, err := c.client.Get(ctx, cohortKeyPrefix+key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Wrap(errs.KindTransient, "PRIVACY_031", err, "read cohort cache")
	}
	size, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, nil
	}
	return size, true, nil
}

func (c *RedisCohortCache) Set(ctx context.Context, key string, size int, ttl time.Duration) error {
	if err := c.client.Set(ctx, cohortKeyPrefix+key, strconv.Itoa(size), ttl).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, "PRIVACY_031", err, "write cohort cache")
	}
	return nil
}
