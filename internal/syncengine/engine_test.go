package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"presenced/internal/redisstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, obs Observer) (*Engine, *redisstore.Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.New(rdb)
	e := New(store, "7", 30*time.Second, obs)
	t.Cleanup(e.Destroy)
	return e, store, rdb, mr
}

// waitFor polls cond until it's true or the timeout elapses, failing the
// test otherwise. The engine reconciles on its own timer goroutine so
// tests cannot just assert immediately after Submit/Clear.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestEngine_SubmitWritesToStore(t *testing.T) {
	e, store, _, _ := newTestEngine(t, Observer{})
	e.Submit(Fields{SessionID: "s1", UserID: "u1", LocationID: "L", Data: `{}`, LastModified: 1})

	waitFor(t, time.Second, func() bool {
		entry, err := store.GetBySessionID(context.Background(), "s1")
		return err == nil && entry != nil
	})
}

func TestEngine_ClearDeletesFromStore(t *testing.T) {
	e, store, _, _ := newTestEngine(t, Observer{})
	e.Submit(Fields{SessionID: "s1", UserID: "u1", LocationID: "L", Data: `{}`, LastModified: 1})
	waitFor(t, time.Second, func() bool {
		entry, _ := store.GetBySessionID(context.Background(), "s1")
		return entry != nil
	})

	e.Clear()
	waitFor(t, time.Second, func() bool {
		entry, _ := store.GetBySessionID(context.Background(), "s1")
		return entry == nil
	})
}

func TestEngine_FiresOutOfSyncThenInSync(t *testing.T) {
	var mu sync.Mutex
	var events []string
	obs := Observer{
		OnOutOfSync: func() { mu.Lock(); events = append(events, "outOfSync"); mu.Unlock() },
		OnInSync:    func() { mu.Lock(); events = append(events, "inSync"); mu.Unlock() },
	}
	e, _, _, _ := newTestEngine(t, obs)
	e.Submit(Fields{SessionID: "s1", UserID: "u1", LocationID: "L", Data: `{}`, LastModified: 1})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outOfSync", "inSync"}, events)
}

func TestEngine_SetConnectionIDForcesRewrite(t *testing.T) {
	e, store, rdb, _ := newTestEngine(t, Observer{})
	e.Submit(Fields{SessionID: "s1", UserID: "u1", LocationID: "L", Data: `{}`, LastModified: 1})
	waitFor(t, time.Second, func() bool {
		entry, _ := store.GetBySessionID(context.Background(), "s1")
		return entry != nil
	})

	// The update script refuses to overwrite a hash still owned by
	// connection 7, so scrub it first as the janitor would once 7 is gone.
	_, err := store.DeleteByConnectionID(context.Background(), "7", "")
	require.NoError(t, err)

	e.SetConnectionID("99")
	waitFor(t, time.Second, func() bool {
		cid, err := rdb.HGet(context.Background(), redisstore.SessionKey("s1"), "connectionId").Result()
		return err == nil && cid == "99"
	})
}

func TestEngine_ClearBeforeAnySubmitIsNoop(t *testing.T) {
	e, store, _, _ := newTestEngine(t, Observer{})
	e.Clear()

	time.Sleep(50 * time.Millisecond)
	entry, err := store.GetBySessionID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestEngine_DestroyStopsFurtherReconciliation(t *testing.T) {
	e, store, _, _ := newTestEngine(t, Observer{})
	e.Submit(Fields{SessionID: "s1", UserID: "u1", LocationID: "L", Data: `{}`, LastModified: 1})
	waitFor(t, time.Second, func() bool {
		entry, _ := store.GetBySessionID(context.Background(), "s1")
		return entry != nil
	})

	e.Destroy()
	e.Submit(Fields{SessionID: "s1", UserID: "u1", LocationID: "L", Data: `{"changed":true}`, LastModified: 2})
	time.Sleep(50 * time.Millisecond)

	entry, err := store.GetBySessionID(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "1", entry.LastModified)
}
