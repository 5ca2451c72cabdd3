package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client)
}

func TestGetIntMissingKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	val, found, err := store.GetInt(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, val)

	require.NoError(t, store.SetInt(ctx, "present", 42, 0))
	val, found, err = store.GetInt(ctx, "present")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), val)
}

func TestIncrDecr(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	val, err := store.IncrBy(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)

	val, err = store.DecrBy(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithTTLStampsNewKeysOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.IncrWithTTL(ctx, "daily", 1, time.Hour)
	require.NoError(t, err)

	ttl, err := store.client.TTL(ctx, "daily").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestMGetIntsTreatsMissingAsZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetInt(ctx, "a", 7, 0))
	require.NoError(t, store.SetInt(ctx, "c", 9, 0))

	vals, err := store.MGetInts(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 0, 9}, vals)
}

func TestScanKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetInt(ctx, "usage:29-08-2026:7:pdf.merge:1:x", 2, 0))
	require.NoError(t, store.SetInt(ctx, "usage:29-08-2026:7:doc.convert:2:y", 4, 0))
	require.NoError(t, store.SetInt(ctx, "usage:28-08-2026:7:pdf.merge:3:z", 1, 0))

	keys, err := store.ScanKeys(ctx, "usage:29-08-2026:7:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestZRangeBetweenIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.ZAddAt(ctx, "idx", "at-start", base, 0))
	require.NoError(t, store.ZAddAt(ctx, "idx", "inside", base.Add(time.Minute), 0))
	require.NoError(t, store.ZAddAt(ctx, "idx", "at-end", base.Add(2*time.Minute), 0))

	members, err := store.ZRangeBetween(ctx, "idx", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"inside"}, members)
}
