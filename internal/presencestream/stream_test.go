package presencestream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"presenced/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *Stream, timeout time.Duration) Emission {
	t.Helper()
	select {
	case em := <-s.C():
		return em
	case <-time.After(timeout):
		t.Fatal("timed out waiting for emission")
		return Emission{}
	}
}

func assertNoEmission(t *testing.T, s *Stream, wait time.Duration) {
	t.Helper()
	select {
	case em := <-s.C():
		t.Fatalf("unexpected emission: %+v", em)
	case <-time.After(wait):
	}
}

func TestNew_RejectsPollingIntervalBelowFloor(t *testing.T) {
	_, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 5*time.Second, "session")
	require.Error(t, err)
}

func TestNew_RejectsFractionalPollingInterval(t *testing.T) {
	_, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 10500*time.Millisecond, "session")
	require.Error(t, err)
}

func TestStream_WriteAlwaysFails(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 30*time.Second, "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(nil) })

	n, err := s.Write([]byte("x"))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestStream_AddPresenceEmitsAdd(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 30*time.Second, "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(nil) })

	p := models.Presence{SessionID: "s1", UserID: "u1", LocationID: "L", Data: json.RawMessage(`{}`), LastModified: 10}
	s.AddPresence(p)

	em := drain(t, s, time.Second)
	require.Len(t, em.Added, 1)
	assert.Equal(t, "s1", em.Added[0].SessionID)
}

func TestStream_AddPresenceIgnoresStaleReplay(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 30*time.Second, "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(nil) })

	s.AddPresence(models.Presence{SessionID: "s1", LastModified: 10})
	drain(t, s, time.Second)

	s.AddPresence(models.Presence{SessionID: "s1", LastModified: 5})
	assertNoEmission(t, s, 100*time.Millisecond)
}

func TestStream_RemovePresenceEmitsRemove(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 30*time.Second, "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(nil) })

	s.AddPresence(models.Presence{SessionID: "s1", LastModified: 1})
	drain(t, s, time.Second)

	s.RemovePresence("s1")
	em := drain(t, s, time.Second)
	assert.Equal(t, []string{"s1"}, em.Removed)
}

func TestStream_ReloadAddsNewAndDropsMissing(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) {
		return []models.Presence{{SessionID: "fresh", LastModified: 1}}, nil
	}, 30*time.Second, "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(nil) })

	// Seed an entry the reload's snapshot does not include; it must be
	// dropped since its apiLastUpdated is already more than 1s old.
	s.AddPresence(models.Presence{SessionID: "stale", LastModified: 1})
	drain(t, s, time.Second)
	time.Sleep(1100 * time.Millisecond)

	s.Reload(context.Background())
	em := drain(t, s, time.Second)
	require.Len(t, em.Added, 1)
	assert.Equal(t, "fresh", em.Added[0].SessionID)
	assert.Equal(t, []string{"stale"}, em.Removed)
}

func TestStream_ReloadGuardSkipsRecentAPIUpdate(t *testing.T) {
	loads := make(chan struct{}, 4)
	s, err := New(func(context.Context) ([]models.Presence, error) {
		loads <- struct{}{}
		return []models.Presence{{SessionID: "s1", LastModified: 100}}, nil
	}, 30*time.Second, "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(nil) })

	// A very recent API update for s1, followed at once by a reload whose
	// snapshot carries a newer LastModified; only the 1-second guard keeps
	// the reload from replacing it.
	s.AddPresence(models.Presence{SessionID: "s1", LastModified: 99})
	drain(t, s, time.Second)

	s.Reload(context.Background())
	assertNoEmission(t, s, 200*time.Millisecond)
}

func TestStream_FlushRemovesEverything(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 30*time.Second, "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(nil) })

	s.AddPresence(models.Presence{SessionID: "s1", LastModified: 1})
	drain(t, s, time.Second)
	s.AddPresence(models.Presence{SessionID: "s2", LastModified: 1})
	drain(t, s, time.Second)

	s.Flush()
	em := drain(t, s, time.Second)
	assert.ElementsMatch(t, []string{"s1", "s2"}, em.Removed)
}

func TestStream_CloseWithErrorEmitsErrorThenCloses(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 30*time.Second, "session")
	require.NoError(t, err)

	go s.Close(assert.AnError)

	select {
	case em := <-s.C():
		require.ErrorIs(t, em.Err, assert.AnError)
	case <-time.After(time.Second):
		t.Fatal("expected error emission")
	}

	select {
	case <-s.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected Closed() to fire")
	}
}

func TestStream_CloseWithoutErrorDoesNotEmit(t *testing.T) {
	s, err := New(func(context.Context) ([]models.Presence, error) { return nil, nil }, 30*time.Second, "session")
	require.NoError(t, err)

	s.Close(nil)

	select {
	case <-s.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected Closed() to fire")
	}
	assertNoEmission(t, s, 50*time.Millisecond)
}
