package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (*GoRedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { adapter.Close() })
	return adapter, mr
}

func TestGet_Miss(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetGet_WithTTL(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", []byte("v"), 30*time.Second))
	val, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	mr.FastForward(31 * time.Second)
	_, err = a.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDel_SingleUse(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "ticket", []byte("payload"), time.Minute))

	val, err := a.GetDel(ctx, "ticket")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), val)

	// Second redemption must miss.
	_, err = a.GetDel(ctx, "ticket")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncr_ExpireAndTTL(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	n, err := a.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = a.IncrBy(ctx, "counter", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	require.NoError(t, a.Expire(ctx, "counter", time.Minute))
	ttl, err := a.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	mr.FastForward(2 * time.Minute)
	n, err = a.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPubSub_RoundTrip(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	unsub, err := a.Subscribe(ctx, "events", func(msg []byte) {
		got <- msg
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, a.Publish(ctx, "events", []byte(`{"kind":"ping"}`)))

	select {
	case msg := <-got:
		assert.JSONEq(t, `{"kind":"ping"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}
