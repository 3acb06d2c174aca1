package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb, mr
}

func TestStore_UpdateThenGetBySessionID(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "s1", "u1", "L", `{"k":"v"}`, "1000", "7", 60, true)
	require.NoError(t, err)

	e, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "L", e.LocationID)
	assert.Equal(t, `{"k":"v"}`, e.Data)
	assert.Equal(t, "1000", e.LastModified)
}

func TestStore_UpdateIndexesUserAndLocation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "s1", "u1", "L", "{}", "1", "7", 60, true))

	byUser, err := store.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "s1", byUser[0].SessionID)

	byLoc, err := store.GetByLocationID(ctx, "L")
	require.NoError(t, err)
	require.Len(t, byLoc, 1)
}

func TestStore_UpdateMigratesOutOfOldIndexes(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "s1", "u1", "L1", "{}", "1", "7", 60, true))
	require.NoError(t, store.Update(ctx, "s1", "u1", "L2", "{}", "2", "7", 60, true))

	byL1, err := store.GetByLocationID(ctx, "L1")
	require.NoError(t, err)
	assert.Empty(t, byL1)

	byL2, err := store.GetByLocationID(ctx, "L2")
	require.NoError(t, err)
	assert.Len(t, byL2, 1)
}

func TestStore_UpdateFastPathRefreshesWithoutReindex(t *testing.T) {
	store, rdb, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "s1", "u1", "L", "{}", "1", "7", 60, true))
	require.NoError(t, rdb.Expire(ctx, SessionKey("s1"), 1).Err())

	require.NoError(t, store.Update(ctx, "s1", "u1", "L", "{}", "1", "7", 120, false))

	ttl, err := rdb.TTL(ctx, SessionKey("s1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), float64(60))
}

func TestStore_UpdateRejectsConnectionIDMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "s1", "u1", "L", "{}", "1", "7", 60, true))
	err := store.Update(ctx, "s1", "u1", "L", "{}", "2", "9", 60, true)
	assert.ErrorIs(t, err, ErrConnectionMismatch)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "s1", "u1", "L", "{}", "1", "7", 60, true))
	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))

	e, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_RegisterConnectionScrubsPreviousIncarnation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterConnection(ctx, "7", "lockA"))
	require.NoError(t, store.Update(ctx, "s1", "u1", "L", "{}", "1", "7", 60, true))

	// Connection id 7 reused by a fresh TCP connection after a crash.
	require.NoError(t, store.RegisterConnection(ctx, "7", "lockB"))

	e, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, e, "stale presence from the previous incarnation must be scrubbed")

	lock, ok, err := store.ConnectionLock(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lockB", lock)
}

func TestStore_DeleteByConnectionIDHonorsLock(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterConnection(ctx, "7", "lockA"))
	require.NoError(t, store.Update(ctx, "s1", "u1", "L", "{}", "1", "7", 60, true))

	ok, err := store.DeleteByConnectionID(ctx, "7", "wrong-lock")
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, e, "mismatched lock must not touch anything")

	ok, err = store.DeleteByConnectionID(ctx, "7", "lockA")
	require.NoError(t, err)
	assert.True(t, ok)

	e, err = store.GetBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_GetBySessionIDMissingFieldIsGone(t *testing.T) {
	store, rdb, _ := newTestStore(t)
	ctx := context.Background()

	// A hand-crafted partial hash (missing lastModified) must decode as gone.
	require.NoError(t, rdb.HSet(ctx, SessionKey("partial"), "userId", "u1", "locationId", "L", "data", "{}").Err())

	e, err := store.GetBySessionID(ctx, "partial")
	require.NoError(t, err)
	assert.Nil(t, e)
}
