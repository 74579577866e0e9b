// Package ratelimit enforces per-key admission: a sliding one-minute
// request limit and a monthly usage quota, both backed by Redis counters.
//
// Redis being down never blocks traffic. Both checks fail open with a
// logged warning; billing accuracy degrades, availability does not.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/redisx"
)

const (
	// DefaultMonthlyQuota applies when no key, subscription, or
	// organization setting resolves.
	DefaultMonthlyQuota int64 = 10000

	minuteWindow = time.Minute
	monthWindow  = 30 * 24 * time.Hour
)

// PlanQuotas maps billing plans to their monthly request allowance.
var PlanQuotas = map[string]int64{
	"free":       1000,
	"basic":      10000,
	"pro":        100000,
	"enterprise": 1000000,
}

// QuotaForPlan resolves a plan name, falling back to the basic allowance
// for unknown plans.
func QuotaForPlan(plan string) int64 {
	if q, ok := PlanQuotas[plan]; ok {
		return q
	}
	return DefaultMonthlyQuota
}

// Limiter runs both admission checks against Redis.
type Limiter struct {
	redis redisx.Client
}

func New(redis redisx.Client) *Limiter {
	return &Limiter{redis: redis}
}

// minuteKey truncates the key id so limiter keys stay short; 16 hex chars
// of a UUID are plenty of entropy for a per-key counter.
func minuteKey(apiKeyID string) string {
	id := apiKeyID
	if len(id) > 16 {
		id = id[:16]
	}
	return "ratelimit:apikey:" + id
}

func monthlyKey(apiKeyID string) string {
	return "quota:monthly:" + apiKeyID
}

// AllowMinute counts this request against the key's per-minute budget and
// reports whether it is admitted. The window starts when the first request
// of the minute arrives.
func (l *Limiter) AllowMinute(ctx context.Context, apiKeyID string, limitRPM int) (allowed bool, remaining int, err error) {
	if limitRPM <= 0 {
		limitRPM = database.DefaultRateLimitRPM
	}

	key := minuteKey(apiKeyID)
	count, err := l.redis.Incr(ctx, key)
	if err != nil {
		log.Printf("⚠️ [RateLimit] Redis unavailable, failing open: %v", err)
		return true, limitRPM, nil
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, minuteWindow); err != nil {
			log.Printf("⚠️ [RateLimit] expire %s: %v", key, err)
		}
	}

	remaining = limitRPM - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limitRPM), remaining, nil
}

// MinuteRetryAfter reports seconds until the current window resets.
func (l *Limiter) MinuteRetryAfter(ctx context.Context, apiKeyID string) int {
	ttl, err := l.redis.TTL(ctx, minuteKey(apiKeyID))
	if err != nil || ttl <= 0 {
		return int(minuteWindow.Seconds())
	}
	return int(ttl.Seconds())
}

// PeekMonthly reads the month's usage without counting anything.
func (l *Limiter) PeekMonthly(ctx context.Context, apiKeyID string) (used int64, err error) {
	raw, err := l.redis.Get(ctx, monthlyKey(apiKeyID))
	if err == redisx.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek monthly quota: %w", err)
	}
	var n int64
	if _, err := fmt.Sscan(string(raw), &n); err != nil {
		return 0, fmt.Errorf("peek monthly quota: %w", err)
	}
	return n, nil
}

// ConsumeMonthly counts n requests against the monthly quota and reports
// whether the key is still within it. Batch endpoints consume their whole
// batch size up front.
func (l *Limiter) ConsumeMonthly(ctx context.Context, apiKeyID string, n int64, quota int64) (allowed bool, used int64, err error) {
	if quota <= 0 {
		quota = DefaultMonthlyQuota
	}
	if n <= 0 {
		n = 1
	}

	key := monthlyKey(apiKeyID)
	used, err = l.redis.IncrBy(ctx, key, n)
	if err != nil {
		log.Printf("⚠️ [Quota] Redis unavailable, failing open: %v", err)
		return true, 0, nil
	}
	if used == n {
		// First usage this month starts the expiry clock.
		if err := l.redis.Expire(ctx, key, monthWindow); err != nil {
			log.Printf("⚠️ [Quota] expire %s: %v", key, err)
		}
	}
	return used <= quota, used, nil
}
