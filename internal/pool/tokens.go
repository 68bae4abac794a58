package pool

import (
	"context"
	"time"
)

// earlyExpiryMargin is shaved off the store-level TTL of cached tokens so
// the cache entry disappears slightly before the token's hard expiry and
// forces a refetch ahead of it. Only applied when the TTL is long enough to
// absorb the margin.
const earlyExpiryMargin = 30 * time.Second

// TokenCache stores one access token per credential in the shared store,
// with a use counter and absolute expiry. It is pure storage: fetching new
// tokens is the manager's job.
type TokenCache struct {
	store   Store
	maxUses int

	now func() time.Time
}

func NewTokenCache(store Store, maxUses int) *TokenCache {
	return &TokenCache{store: store, maxUses: maxUses, now: time.Now}
}

// GetCached returns the stored record only while it is usable: remaining
// uses above zero and expiry in the future. Anything else is a miss.
func (c *TokenCache) GetCached(ctx context.Context, credentialID string) (*TokenRecord, error) {
	fields, err := c.store.HGetAll(ctx, tokenKey(credentialID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record := parseTokenRecord(fields)
	if !record.Usable(c.now()) {
		return nil, nil
	}
	return &record, nil
}

// Peek returns the raw record regardless of usability, for the admin
// surface. Returns nil when nothing is stored.
func (c *TokenCache) Peek(ctx context.Context, credentialID string) (*TokenRecord, error) {
	fields, err := c.store.HGetAll(ctx, tokenKey(credentialID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	record := parseTokenRecord(fields)
	return &record, nil
}

// Save stores a freshly fetched token with a full use budget. When a TTL is
// known the store entry expires earlyExpiryMargin before the token itself
// (for TTLs over a minute), so a refetch happens ahead of hard expiry. A
// zero TTL stores the record without store-level expiry; its expire_ts then
// marks it immediately unusable, which matches treating an upstream that
// reports no lifetime as non-cacheable.
func (c *TokenCache) Save(ctx context.Context, credentialID, token string, ttl time.Duration) error {
	now := c.now()
	err := c.store.HSet(ctx, tokenKey(credentialID), map[string]string{
		fieldToken:     token,
		fieldRemaining: formatInt(c.maxUses),
		fieldExpireTS:  formatUnix(now.Add(ttl)),
	})
	if err != nil {
		return err
	}

	if ttl > 0 {
		storeTTL := ttl
		if ttl > time.Minute {
			storeTTL = ttl - earlyExpiryMargin
		}
		return c.store.Expire(ctx, tokenKey(credentialID), storeTTL)
	}
	return nil
}

// DecrementUse atomically takes one use off the counter. Under concurrent
// decrements the value can transiently dip below zero; it is clamped back
// with a corrective write rather than a lock, because any value <= 0 already
// reads as "exhausted" and the counter is an advisory soft cap, not a
// security boundary.
func (c *TokenCache) DecrementUse(ctx context.Context, credentialID string) error {
	remaining, err := c.store.HIncrBy(ctx, tokenKey(credentialID), fieldRemaining, -1)
	if err != nil {
		return err
	}
	if remaining < 0 {
		return c.store.HSet(ctx, tokenKey(credentialID), map[string]string{fieldRemaining: "0"})
	}
	return nil
}

// Invalidate forces the remaining count to zero without touching the expiry.
// Used when a downstream call rejects the token itself; the credential is
// not the problem, so health state stays untouched.
func (c *TokenCache) Invalidate(ctx context.Context, credentialID string) error {
	return c.store.HSet(ctx, tokenKey(credentialID), map[string]string{fieldRemaining: "0"})
}
