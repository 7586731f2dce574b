package lease

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerExcludesUntilExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 20, 2, 0, 0, 0, time.UTC))
	locker := NewMemoryLocker(clk)
	ctx := context.Background()
	key := JobSlotKey("daily_processing", "2025-01-20")

	token, ok, err := locker.TryLock(ctx, key, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(61 * time.Minute)
	_, ok, err = locker.TryLock(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockerReleaseNeedsToken(t *testing.T) {
	locker := NewMemoryLocker(clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, "k", "someone-else"))
	_, ok, _ = locker.TryLock(ctx, "k", time.Hour)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "k", token))
	_, ok, _ = locker.TryLock(ctx, "k", time.Hour)
	assert.True(t, ok)
}

func TestLockerValidation(t *testing.T) {
	locker := NewMemoryLocker(nil)
	_, _, err := locker.TryLock(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, _, err = locker.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	var redisLocker *RedisLocker
	_, _, err = redisLocker.TryLock(context.Background(), "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, redisLocker.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewRedisLocker(nil))
}

func TestJobSlotKey(t *testing.T) {
	assert.Equal(t, "alertbilling:job:month_end:2025-01", JobSlotKey(" month_end ", "2025-01"))
}
