package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/redisx"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter := redisx.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { adapter.Close() })
	return New(adapter), mr
}

func TestAllowMinute_WithinLimit(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, remaining, err := l.AllowMinute(ctx, "key-1", 5)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 4-i, remaining)
	}

	allowed, remaining, err := l.AllowMinute(ctx, "key-1", 5)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Zero(t, remaining)
}

func TestAllowMinute_WindowResets(t *testing.T) {
	l, mr := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := l.AllowMinute(ctx, "key-1", 2)
		require.NoError(t, err)
	}
	allowed, _, _ := l.AllowMinute(ctx, "key-1", 2)
	require.False(t, allowed)

	mr.FastForward(61 * time.Second)

	allowed, remaining, err := l.AllowMinute(ctx, "key-1", 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
}

func TestAllowMinute_KeysAreIsolated(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	_, _, err := l.AllowMinute(ctx, "aaaaaaaaaaaaaaaaaaaa-1", 1)
	require.NoError(t, err)
	allowed, _, _ := l.AllowMinute(ctx, "aaaaaaaaaaaaaaaaaaaa-1", 1)
	assert.False(t, allowed)

	// Long ids truncate to 16 chars, so ids sharing a prefix share a bucket.
	allowed, _, _ = l.AllowMinute(ctx, "aaaaaaaaaaaaaaaaaaaa-2", 1)
	assert.False(t, allowed)

	// A distinct short id gets its own bucket.
	allowed, _, _ = l.AllowMinute(ctx, "other", 1)
	assert.True(t, allowed)
}

func TestAllowMinute_FailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newLimiter(t)
	mr.Close()

	allowed, _, err := l.AllowMinute(context.Background(), "key-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestConsumeMonthly(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	allowed, used, err := l.ConsumeMonthly(ctx, "key-1", 1, 3)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), used)

	// Batch consumption counts all requests up front.
	allowed, used, err = l.ConsumeMonthly(ctx, "key-1", 2, 3)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(3), used)

	allowed, used, err = l.ConsumeMonthly(ctx, "key-1", 1, 3)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(4), used)
}

func TestPeekMonthly(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	used, err := l.PeekMonthly(ctx, "key-1")
	require.NoError(t, err)
	assert.Zero(t, used)

	_, _, err = l.ConsumeMonthly(ctx, "key-1", 7, 100)
	require.NoError(t, err)

	used, err = l.PeekMonthly(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), used)
}

func TestConsumeMonthly_FailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newLimiter(t)
	mr.Close()

	allowed, _, err := l.ConsumeMonthly(context.Background(), "key-1", 1, 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

// fakePlanSource drives ResolveQuota without a database.
type fakePlanSource struct {
	subPlan string
	subErr  error
	org     *database.Organization
	orgErr  error
}

func (f *fakePlanSource) GetActiveSubscriptionPlan(context.Context, string) (string, error) {
	return f.subPlan, f.subErr
}

func (f *fakePlanSource) GetOrganization(context.Context, string) (*database.Organization, error) {
	return f.org, f.orgErr
}

func TestResolveQuota_Precedence(t *testing.T) {
	ctx := context.Background()
	quota := int64(42)
	plan := "pro"

	tests := []struct {
		name string
		key  *database.APIKey
		src  *fakePlanSource
		want int64
	}{
		{
			name: "explicit key quota wins",
			key:  &database.APIKey{MonthlyQuota: &quota, Plan: &plan},
			src:  &fakePlanSource{subPlan: "enterprise"},
			want: 42,
		},
		{
			name: "key plan beats subscription",
			key:  &database.APIKey{Plan: &plan},
			src:  &fakePlanSource{subPlan: "enterprise"},
			want: 100000,
		},
		{
			name: "subscription plan beats org plan",
			key:  &database.APIKey{},
			src:  &fakePlanSource{subPlan: "enterprise", org: &database.Organization{Plan: "free"}},
			want: 1000000,
		},
		{
			name: "org plan when no subscription",
			key:  &database.APIKey{},
			src:  &fakePlanSource{subErr: database.ErrNotFound, org: &database.Organization{Plan: "free"}},
			want: 1000,
		},
		{
			name: "platform default",
			key:  &database.APIKey{},
			src:  &fakePlanSource{subErr: database.ErrNotFound, orgErr: database.ErrNotFound},
			want: DefaultMonthlyQuota,
		},
		{
			name: "unknown plan falls back to basic allowance",
			key:  &database.APIKey{Plan: strPtr("galactic")},
			src:  &fakePlanSource{},
			want: 10000,
		},
		{
			name: "minted default quota does not shadow subscription",
			key:  &database.APIKey{MonthlyQuota: int64Ptr(DefaultMonthlyQuota)},
			src:  &fakePlanSource{subPlan: "enterprise"},
			want: 1000000,
		},
		{
			name: "pinned basic plan does not shadow subscription",
			key:  &database.APIKey{Plan: strPtr("basic")},
			src:  &fakePlanSource{subPlan: "pro"},
			want: 100000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveQuota(ctx, tt.src, tt.key))
		})
	}
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func TestAllowMinute_ZeroLimitTakesDefault(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()

	allowed, remaining, err := l.AllowMinute(ctx, "key-1", 0)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, database.DefaultRateLimitRPM-1, remaining)
}

func TestResolveQuota_LookupErrorFallsThrough(t *testing.T) {
	src := &fakePlanSource{
		subErr: errors.New("connection refused"),
		org:    &database.Organization{Plan: "pro"},
	}
	got := ResolveQuota(context.Background(), src, &database.APIKey{})
	assert.Equal(t, int64(100000), got)
}
