package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T) (*CapacityLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCapacityLimiter(client), mr
}

func TestReserveUpToDailyLimit(t *testing.T) {
	lim, _ := testLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, count, err := lim.Reserve(ctx, "u1", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(i), count)
	}

	ok, count, err := lim.Reserve(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, ok, "fourth send of a 3/day unit is denied")
	assert.Equal(t, int64(3), count)

	usage, err := lim.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
}

func TestReserveIsPerUnit(t *testing.T) {
	lim, _ := testLimiter(t)
	ctx := context.Background()

	ok, _, err := lim.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = lim.Reserve(ctx, "u2", 1)
	require.NoError(t, err)
	assert.True(t, ok, "u1 filling up must not affect u2")
}

func TestRefundReopensCapacity(t *testing.T) {
	lim, _ := testLimiter(t)
	ctx := context.Background()

	ok, _, err := lim.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lim.Refund(ctx, "u1"))

	ok, _, err = lim.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUsageZeroWhenUnused(t *testing.T) {
	lim, _ := testLimiter(t)
	usage, err := lim.Usage(context.Background(), "untouched")
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestInFlightLockSerializes(t *testing.T) {
	lim, mr := testLimiter(t)
	ctx := context.Background()

	ok, err := lim.TryLock(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lim.TryLock(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "unit lock is exclusive")

	ok, err = lim.TryLock(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok, "locks are per unit")

	require.NoError(t, lim.Unlock(ctx, "u1"))
	ok, err = lim.TryLock(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A crashed holder's lock expires on its own.
	mr.FastForward(lim.LockTTL * 2)
	ok, err = lim.TryLock(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
