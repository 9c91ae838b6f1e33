package verifier

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/alertai/alertai/internal/logger"
)

// CachedVerifier memoizes verdicts per (image, type). Errors are not
// cached, so an unavailable service is asked again next time.
type CachedVerifier struct {
	next  Verifier
	cache *cache.Cache
}

// NewCached wraps next with a verdict cache holding entries for ttl.
func NewCached(next Verifier, ttl time.Duration) *CachedVerifier {
	return &CachedVerifier{next: next, cache: cache.New(ttl, ttl*2)}
}

// Verify implements Verifier.
func (c *CachedVerifier) Verify(ctx context.Context, imageRef, emergencyType string) (Result, error) {
	key := emergencyType + "|" + imageRef
	if cached, found := c.cache.Get(key); found {
		if res, ok := cached.(Result); ok {
			GetLogger().Debug("verdict cache hit", logger.String("image_ref", imageRef))
			return res, nil
		}
	}

	res, err := c.next.Verify(ctx, imageRef, emergencyType)
	if err != nil {
		return Result{}, err
	}
	c.cache.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

// Len returns the number of cached verdicts.
func (c *CachedVerifier) Len() int {
	return c.cache.ItemCount()
}
