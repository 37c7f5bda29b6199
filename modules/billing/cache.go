package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const validationKeyPrefix = "billing:valid:"

// ValidationCache memoizes tenant validity checks in Redis so hot request
// paths do not hit the store on every call. Entries are short-lived and
// invalidated whenever a reconciliation or command changes a subscription,
// so a stale positive can only survive for the configured TTL.
//
// A nil *ValidationCache is a valid no-op cache; every lookup misses.
type ValidationCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewValidationCache wraps client with the given entry TTL. A non-positive
// ttl falls back to one minute.
func NewValidationCache(client *redis.Client, ttl time.Duration) *ValidationCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ValidationCache{client: client, ttl: ttl}
}

// Get reports the cached validity for tenantID. The second return value is
// false on a miss or any Redis error, in which case the caller must fall
// back to the store.
func (c *ValidationCache) Get(ctx context.Context, tenantID uuid.UUID) (valid, ok bool) {
	if c == nil || c.client == nil {
		return false, false
	}
	raw, err := c.client.Get(ctx, validationKeyPrefix+tenantID.String()).Result()
	if err != nil {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Set records the validity for tenantID. Failures are swallowed; the cache
// is an optimization, never a source of truth.
func (c *ValidationCache) Set(ctx context.Context, tenantID uuid.UUID, valid bool) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Set(ctx, validationKeyPrefix+tenantID.String(), strconv.FormatBool(valid), c.ttl).Err()
}

// Invalidate drops the cached entry for tenantID.
func (c *ValidationCache) Invalidate(ctx context.Context, tenantID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, validationKeyPrefix+tenantID.String()).Err()
}
