// Package syncengine implements the PresenceSyncEngine (spec §4.4): it
// holds the currently-intended presence for one locally-attached session
// and reconciles it against Redis with coalescing, TTL refresh, and
// retry after a uniformly random 1-10 s delay.
package syncengine

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"presenced/internal/observability"
	"presenced/internal/redisstore"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultTTL and MinTTL are the presence-expiry floor/default from §6.
const (
	DefaultTTL = 60 * time.Second
	MinTTL     = 10 * time.Second
)

// Fields is the five-tuple an Engine reconciles on behalf of one session.
// Data is already JSON-encoded; LastModified is milliseconds since epoch.
type Fields struct {
	SessionID    string
	UserID       string
	LocationID   string
	Data         string
	LastModified int64
}

// Observer receives the engine's latched inSync/outOfSync transitions and
// background errors. Per §7, engine errors never destroy the service —
// they are reported and retried.
type Observer struct {
	OnInSync    func()
	OnOutOfSync func()
	OnError     func(err error)
}

// Engine is one PresenceSyncEngine instance, owning the intent of exactly
// one session. The zero value is not usable; construct with New.
type Engine struct {
	store *redisstore.Store
	log   *observability.PresenceLogger
	ttl   time.Duration
	obs   Observer

	mu           sync.Mutex
	connectionID string
	intended     *Fields
	shouldStore  bool
	modified     bool
	updating     bool
	inSync       bool
	destroyed    bool
	timer        *time.Timer
}

// New constructs an Engine bound to store, for a session owned by
// connectionID (the Redis connection id of this process, per §4.2). ttl
// below MinTTL falls back to DefaultTTL, mirroring the config floor in §6.
func New(store *redisstore.Store, connectionID string, ttl time.Duration, obs Observer) *Engine {
	if ttl < MinTTL {
		ttl = DefaultTTL
	}
	return &Engine{
		store:        store,
		log:          observability.NewPresenceLogger("syncengine"),
		ttl:          ttl,
		obs:          obs,
		connectionID: connectionID,
		inSync:       true,
	}
}

// Submit records a fresh intent to store fields (submitPresence): it marks
// the engine modified and schedules an immediate reconcile.
func (e *Engine) Submit(fields Fields) {
	e.mu.Lock()
	e.intended = &fields
	e.shouldStore = true
	e.modified = true
	e.mu.Unlock()
	e.scheduleNow()
}

// Clear records intent to no longer be present (removePresence or auth
// inactive). A no-op if nothing was ever submitted.
func (e *Engine) Clear() {
	e.mu.Lock()
	if e.intended == nil {
		e.mu.Unlock()
		return
	}
	e.shouldStore = false
	e.modified = true
	e.mu.Unlock()
	e.scheduleNow()
}

// SetConnectionID rebinds the engine to a new owning Redis connection id
// (connection onReady, §4.4) and forces a full rewrite — the fast EXPIRE
// path only refreshes, it never changes the connectionId field stored on
// the session hash, so a connection-id change must go through the full
// presenceUpdate write. While the session hash still records the previous
// connection id, that write fails with redisstore.ErrConnectionMismatch and
// is retried; it succeeds once the stale record has been pruned.
func (e *Engine) SetConnectionID(connectionID string) {
	e.mu.Lock()
	e.connectionID = connectionID
	if e.intended != nil {
		e.modified = true
	}
	e.mu.Unlock()
	e.scheduleNow()
}

// Destroy stops the pending timer permanently. It does not itself clear
// the stored presence; presence.Service.Destroy deletes it through the
// store directly.
func (e *Engine) Destroy() {
	e.mu.Lock()
	e.destroyed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
}

func (e *Engine) scheduleNow() { e.scheduleAfter(0) }

func (e *Engine) scheduleAfter(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, e.updateRedis)
}

// updateRedis is the reconciliation step of §4.4, run from the engine's
// own timer goroutine.
func (e *Engine) updateRedis() {
	e.mu.Lock()
	if e.updating || e.destroyed || e.intended == nil {
		e.mu.Unlock()
		return
	}
	e.updating = true
	wasModified := e.modified
	e.modified = false

	becameOutOfSync := false
	if wasModified && e.inSync {
		e.inSync = false
		becameOutOfSync = true
	}
	fields := *e.intended
	shouldStore := e.shouldStore
	connectionID := e.connectionID
	ttl := e.ttl
	e.mu.Unlock()

	if becameOutOfSync {
		observability.SyncOutOfSyncTotal.WithLabelValues("outOfSync").Inc()
		if e.obs.OnOutOfSync != nil {
			e.obs.OnOutOfSync()
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	span, ctx := observability.NewSpan(ctx, "syncengine.updateRedis", observability.WithSpanKind(observability.SpanKindInternal))
	span.AddAttributes(
		attribute.String("presence.session_id", fields.SessionID),
		attribute.Bool("presence.should_store", shouldStore),
		attribute.Bool("presence.modified", wasModified),
	)

	var err error
	switch {
	case shouldStore:
		err = e.store.Update(ctx, fields.SessionID, fields.UserID, fields.LocationID, fields.Data,
			strconv.FormatInt(fields.LastModified, 10), connectionID, int(ttl.Seconds()), wasModified)
	case wasModified:
		err = e.store.Delete(ctx, fields.SessionID)
	}
	span.SetError(err)
	span.End()

	e.mu.Lock()
	e.updating = false

	if err != nil {
		e.modified = wasModified
		e.mu.Unlock()
		observability.RecordSyncReconcile("error", start)
		e.log.LogError(ctx, err, map[string]interface{}{"session_id": fields.SessionID})
		if e.obs.OnError != nil {
			e.obs.OnError(err)
		}
		e.scheduleAfter(jitterRetry())
		return
	}

	becameModifiedDuring := e.modified
	if becameModifiedDuring {
		e.mu.Unlock()
		observability.RecordSyncReconcile("retry", start)
		e.scheduleNow()
		return
	}

	becameInSync := false
	if !e.inSync {
		e.inSync = true
		becameInSync = true
	}
	e.mu.Unlock()

	observability.RecordSyncReconcile("ok", start)
	if becameInSync {
		observability.SyncOutOfSyncTotal.WithLabelValues("inSync").Inc()
		e.log.LogSync(ctx, fields.SessionID, "inSync", nil)
		if e.obs.OnInSync != nil {
			e.obs.OnInSync()
		}
	}
	e.scheduleAfter(ttl - time.Second)
}

// jitterRetry returns a uniformly random duration in [1s, 10s), the retry
// backoff §4.4 specifies for a failed reconciliation.
func jitterRetry() time.Duration {
	return time.Duration(1000+rand.Intn(9000)) * time.Millisecond
}
