package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return Wrap(rdb, "claims:"), mr
}

func TestSetNXAndExpiry(t *testing.T) {
	c, mr := newMiniClient(t)
	ctx := context.Background()
	key := c.Key("inflight", "FAC1", "F1")
	assert.Equal(t, "claims:inflight:FAC1:F1", key)

	ok, err := c.SetNX(ctx, key, "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, key, "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = c.SetNX(ctx, key, "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseIfOwner(t *testing.T) {
	c, _ := newMiniClient(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "owner-a", time.Minute))

	ok, err := c.ReleaseIfOwner(ctx, "k", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.ReleaseIfOwner(ctx, "k", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.Get(ctx, "k")
	assert.True(t, IsNilError(err))
}

func TestLocker_Lock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(Wrap(db, ""), "poll", "node-1")

	mock.ExpectSetNX("lock:poll", "node-1", 5*time.Second).SetVal(true)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_Held(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(Wrap(db, ""), "poll", "node-1")

	mock.ExpectSetNX("lock:poll", "node-1", 5*time.Second).SetVal(false)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.True(t, errors.Is(err, ErrLockHeld))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(Wrap(db, ""), "poll", "node-1")

	mock.ExpectEval(releaseScript, []string{"lock:poll"}, "node-1").SetVal(int64(1))

	assert.NoError(t, locker.Unlock(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
