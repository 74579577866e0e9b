package mlgateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/orafinite/backend/internal/redisx"
)

const (
	promptCachePrefix = "guard:scan:"
	promptCacheTTL    = 300 * time.Second
)

// PromptCache short-circuits repeat scans of identical input. Keys are the
// SHA-256 of the prompt; values are the serialized scan response.
type PromptCache struct {
	redis redisx.Client
	ttl   time.Duration
}

func NewPromptCache(redis redisx.Client, ttl time.Duration) *PromptCache {
	if ttl <= 0 {
		ttl = promptCacheTTL
	}
	return &PromptCache{redis: redis, ttl: ttl}
}

// Get returns the cached response for a prompt hash. Corrupted entries
// are deleted and reported as misses. Redis being down is also a miss.
func (c *PromptCache) Get(ctx context.Context, promptHash string) (json.RawMessage, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	key := promptCachePrefix + promptHash
	raw, err := c.redis.Get(ctx, key)
	if err == redisx.ErrNotFound {
		return nil, false
	}
	if err != nil {
		log.Printf("⚠️ [PromptCache] get: %v", err)
		return nil, false
	}
	if !json.Valid(raw) {
		log.Printf("⚠️ [PromptCache] corrupted entry %s, evicting", key)
		if err := c.redis.Del(ctx, key); err != nil {
			log.Printf("⚠️ [PromptCache] evict: %v", err)
		}
		return nil, false
	}
	return json.RawMessage(raw), true
}

// Set stores a response. Failures are logged and swallowed; caching is
// best effort.
func (c *PromptCache) Set(ctx context.Context, promptHash string, payload json.RawMessage) {
	if c == nil || c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, promptCachePrefix+promptHash, payload, c.ttl); err != nil {
		log.Printf("⚠️ [PromptCache] set: %v", err)
	}
}
