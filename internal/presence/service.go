// Package presence implements the PresenceService facade (spec §4.6): the
// externally-visible request handlers that enforce auth, validate
// entities, and wire the sync engine, pub/sub subscriber, connection
// janitor, and presence streams together on behalf of one locally-attached
// session.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"presenced/internal/auth"
	"presenced/internal/connmanager"
	"presenced/internal/models"
	"presenced/internal/observability"
	"presenced/internal/presencestream"
	"presenced/internal/pubsub"
	"presenced/internal/redisstore"
	"presenced/internal/syncengine"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// Service is one PresenceService instance, owned exclusively by the
// connection (and hence the session) it was constructed for. Its mutable
// state is not safe for concurrent mutation from more than one logical
// caller at a time — see spec §5.
type Service struct {
	auth  auth.Auth
	store *redisstore.Store
	cm    *connmanager.Manager
	sub   *pubsub.Subscriber
	cfg   Config
	log   *observability.PresenceLogger
	trace *observability.TraceLayer

	engine *syncengine.Engine

	mu           sync.Mutex
	destroyed    bool
	streams      map[*OwnedStream]struct{}
	unsubConnMgr func()
	unsubAuthIn  func()
	unsubAuthOut func()
}

// NewService constructs a Service bound to rdb (both the scripted storage
// layer and the shared ConnectionManager/Subscriber singletons hang off
// it, per §5's process-wide caches) and to authCollab, the Auth
// collaborator representing the currently-attached session.
//
// rdb must already satisfy §5's assertion (autoResubscribe=false,
// enableOfflineQueue=false, enableReadyCheck=true equivalents) — see
// internal/cache.NewClient's doc comment for how this module maps that
// onto go-redis.
func NewService(rdb *redis.Client, authCollab auth.Auth, cfg Config) *Service {
	cm := connmanager.For(rdb, connmanager.Config{PruningInterval: cfg.PruningInterval})
	sub := pubsub.For(rdb)
	store := redisstore.New(rdb)

	s := &Service{
		auth:    authCollab,
		store:   store,
		cm:      cm,
		sub:     sub,
		cfg:     cfg,
		log:     observability.NewPresenceLogger("presence"),
		trace:   observability.GetTraceLayer(),
		streams: make(map[*OwnedStream]struct{}),
	}

	connID, _ := cm.CurrentConnectionID()
	s.engine = syncengine.New(store, connID, cfg.TTL, syncengine.Observer{
		OnInSync:    func() { s.log.LogSync(context.Background(), authCollab.SessionID(), "inSync", nil) },
		OnOutOfSync: func() { s.log.LogSync(context.Background(), authCollab.SessionID(), "outOfSync", nil) },
		OnError: func(err error) {
			s.log.LogError(context.Background(), err, map[string]interface{}{"session_id": authCollab.SessionID()})
		},
	})

	s.unsubConnMgr = cm.AddObserver(connmanager.Observer{
		OnConnectionID: s.engine.SetConnectionID,
	})
	s.unsubAuthIn = authCollab.OnInactive(func() {
		observability.FacadeRequestsTotal.WithLabelValues("onInactive", "ok").Inc()
		s.engine.Clear()
	})
	s.unsubAuthOut = authCollab.OnDestroy(func() { s.Destroy(context.Background()) })

	return s
}

func (s *Service) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// SubmitPresence is §4.6's submitPresence operation.
func (s *Service) SubmitPresence(ctx context.Context, p models.Presence) error {
	op := "submitPresence"
	ctx, span := s.trace.TraceAPIToServiceCall(ctx, "PresenceService", op)
	defer span.End()
	ctx = context.WithValue(ctx, observability.UserIDKey, p.UserID)
	ctx = context.WithValue(ctx, observability.LocationIDKey, p.LocationID)
	if s.isDestroyed() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "destroyed").Inc()
		return ErrDestroyed
	}
	if !s.auth.Active() || s.auth.SessionID() == "" || s.auth.UserID() == "" {
		observability.FacadeRequestsTotal.WithLabelValues(op, "noUser").Inc()
		return ErrAuthNoUser
	}
	if err := p.Validate(); err != nil {
		observability.FacadeRequestsTotal.WithLabelValues(op, "invalidEntity").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	if p.SessionID != s.auth.SessionID() || p.UserID != s.auth.UserID() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "mismatch").Inc()
		return ErrMismatch
	}
	if p.EncodedSize() > s.cfg.SizeLimit {
		observability.FacadeRequestsTotal.WithLabelValues(op, "sizeLimit").Inc()
		return ErrSizeLimit
	}
	allowed, err := s.auth.MayWritePresence(ctx, p)
	if err != nil {
		observability.FacadeRequestsTotal.WithLabelValues(op, "authError").Inc()
		span.SetError(err)
		return fmt.Errorf("%w: %v", ErrAuthNotAuthorized, err)
	}
	if !allowed {
		observability.FacadeRequestsTotal.WithLabelValues(op, "notAuthorized").Inc()
		return ErrAuthNotAuthorized
	}

	p.LastModified = time.Now().UnixMilli()
	s.engine.Submit(syncengine.Fields{
		SessionID:    p.SessionID,
		UserID:       p.UserID,
		LocationID:   p.LocationID,
		Data:         string(p.Data),
		LastModified: p.LastModified,
	})
	observability.FacadeRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// RemovePresence is §4.6's removePresence operation.
func (s *Service) RemovePresence(ctx context.Context) error {
	op := "removePresence"
	if s.isDestroyed() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "destroyed").Inc()
		return ErrDestroyed
	}
	s.engine.Clear()
	observability.FacadeRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// GetPresenceBySessionID is §4.6's getPresenceBySessionId operation.
func (s *Service) GetPresenceBySessionID(ctx context.Context, sid string) (*models.Presence, error) {
	op := "getPresenceBySessionId"
	ctx, span := s.trace.TraceAPIToServiceCall(ctx, "PresenceService", op)
	defer span.End()
	if s.isDestroyed() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "destroyed").Inc()
		return nil, ErrDestroyed
	}
	if !s.auth.Active() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "noUser").Inc()
		return nil, ErrAuthNoUser
	}
	entry, err := s.store.GetBySessionID(ctx, sid)
	if err != nil {
		observability.FacadeRequestsTotal.WithLabelValues(op, "loadFailed").Inc()
		span.SetError(err)
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	p, err := models.DecodeEntry(entry)
	if err != nil {
		observability.FacadeRequestsTotal.WithLabelValues(op, "invalidPresence").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	if p == nil {
		observability.FacadeRequestsTotal.WithLabelValues(op, "ok").Inc()
		return nil, nil
	}
	allowed, err := s.auth.MayReadPresence(ctx, *p)
	if err != nil || !allowed {
		observability.FacadeRequestsTotal.WithLabelValues(op, "ok").Inc()
		return nil, nil
	}
	observability.FacadeRequestsTotal.WithLabelValues(op, "ok").Inc()
	return p, nil
}

func (s *Service) getPresenceByIndex(ctx context.Context, op string, entries []*redisstore.Entry, loadErr error) ([]models.Presence, error) {
	if loadErr != nil {
		observability.FacadeRequestsTotal.WithLabelValues(op, "loadFailed").Inc()
		observability.RecordErrorInContext(ctx, loadErr)
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, loadErr)
	}
	decoded, err := models.DecodeEntries(entries)
	if err != nil {
		observability.FacadeRequestsTotal.WithLabelValues(op, "invalidPresence").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	out := make([]models.Presence, 0, len(decoded))
	for _, p := range decoded {
		allowed, aerr := s.auth.MayReadPresence(ctx, p)
		if aerr != nil || !allowed {
			continue
		}
		out = append(out, p)
	}
	observability.FacadeRequestsTotal.WithLabelValues(op, "ok").Inc()
	return out, nil
}

// GetPresenceByUserID is §4.6's getPresenceByUserId operation.
func (s *Service) GetPresenceByUserID(ctx context.Context, uid string) ([]models.Presence, error) {
	op := "getPresenceByUserId"
	ctx, span := s.trace.TraceAPIToServiceCall(ctx, "PresenceService", op)
	defer span.End()
	ctx = context.WithValue(ctx, observability.UserIDKey, uid)
	if s.isDestroyed() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "destroyed").Inc()
		return nil, ErrDestroyed
	}
	if !s.auth.Active() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "noUser").Inc()
		return nil, ErrAuthNoUser
	}
	entries, err := s.store.GetByUserID(ctx, uid)
	return s.getPresenceByIndex(ctx, op, entries, err)
}

// GetPresenceByLocationID is §4.6's getPresenceByLocationId operation.
func (s *Service) GetPresenceByLocationID(ctx context.Context, lid string) ([]models.Presence, error) {
	op := "getPresenceByLocationId"
	ctx, span := s.trace.TraceAPIToServiceCall(ctx, "PresenceService", op)
	defer span.End()
	ctx = context.WithValue(ctx, observability.LocationIDKey, lid)
	if s.isDestroyed() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "destroyed").Inc()
		return nil, ErrDestroyed
	}
	if !s.auth.Active() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "noUser").Inc()
		return nil, ErrAuthNoUser
	}
	entries, err := s.store.GetByLocationID(ctx, lid)
	return s.getPresenceByIndex(ctx, op, entries, err)
}

// StreamPresenceBySessionID is §4.6's streamPresenceBySessionId operation.
func (s *Service) StreamPresenceBySessionID(ctx context.Context, sid string) (*OwnedStream, error) {
	return s.stream(ctx, "session", redisstore.SessionKey(sid),
		func(ctx context.Context) ([]models.Presence, error) {
			p, err := s.GetPresenceBySessionID(ctx, sid)
			if err != nil || p == nil {
				return nil, err
			}
			return []models.Presence{*p}, nil
		},
		func(p *models.Presence) bool { return p != nil },
	)
}

// StreamPresenceByUserID is §4.6's streamPresenceByUserId operation.
func (s *Service) StreamPresenceByUserID(ctx context.Context, uid string) (*OwnedStream, error) {
	return s.stream(ctx, "user", redisstore.UserKey(uid),
		func(ctx context.Context) ([]models.Presence, error) {
			return s.GetPresenceByUserID(ctx, uid)
		},
		func(p *models.Presence) bool { return p != nil && p.UserID == uid },
	)
}

// StreamPresenceByLocationID is §4.6's streamPresenceByLocationId operation.
func (s *Service) StreamPresenceByLocationID(ctx context.Context, lid string) (*OwnedStream, error) {
	return s.stream(ctx, "location", redisstore.LocationKey(lid),
		func(ctx context.Context) ([]models.Presence, error) {
			return s.GetPresenceByLocationID(ctx, lid)
		},
		func(p *models.Presence) bool { return p != nil && p.LocationID == lid },
	)
}

// stream implements §4.6 step 4: wiring a fresh PresenceStream to a
// pub/sub channel's active/inactive/message notifications.
func (s *Service) stream(ctx context.Context, kind, channel string, loadPresence func(context.Context) ([]models.Presence, error), shouldAdd func(*models.Presence) bool) (*OwnedStream, error) {
	op := "streamPresenceBy" + kind
	ctx, span := s.trace.TraceAPIToServiceCall(ctx, "PresenceService", op)
	defer span.End()
	span.AddAttributes(attribute.String("presence.stream_kind", kind))
	if s.isDestroyed() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "destroyed").Inc()
		return nil, ErrDestroyed
	}
	if !s.auth.Active() {
		observability.FacadeRequestsTotal.WithLabelValues(op, "noUser").Inc()
		return nil, ErrAuthNoUser
	}

	st, err := presencestream.New(loadPresence, s.cfg.PollingInterval, kind)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	unsubChannel := s.sub.OnChannel(channel, pubsub.ChannelListener{
		OnActive:   func(string) { st.Reload(context.Background()) },
		OnInactive: func(string) { st.Flush() },
		OnMessage: func(_ string, sid string) {
			bgCtx := context.Background()
			p, err := s.GetPresenceBySessionID(bgCtx, sid)
			if err != nil {
				return
			}
			if shouldAdd(p) {
				st.AddPresence(*p)
			} else {
				st.RemovePresence(sid)
			}
		},
	})

	owned := &OwnedStream{Stream: st}
	s.mu.Lock()
	s.streams[owned] = struct{}{}
	s.mu.Unlock()
	owned.cleanup = func() {
		unsubChannel()
		st.Close(nil)
		s.mu.Lock()
		delete(s.streams, owned)
		s.mu.Unlock()
	}

	observability.FacadeRequestsTotal.WithLabelValues(op, "ok").Inc()
	return owned, nil
}

// Destroy is §5's service-destruction cascade: cancel the sync engine,
// best-effort delete this session's own stored presence, destroy every
// owned stream, and unregister every outstanding listener. Idempotent.
func (s *Service) Destroy(ctx context.Context) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	streams := make([]*OwnedStream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	if s.unsubConnMgr != nil {
		s.unsubConnMgr()
	}
	if s.unsubAuthIn != nil {
		s.unsubAuthIn()
	}
	if s.unsubAuthOut != nil {
		s.unsubAuthOut()
	}

	s.engine.Destroy()
	if sid := s.auth.SessionID(); sid != "" {
		_ = s.store.Delete(ctx, sid)
	}
	for _, st := range streams {
		st.Close()
	}
	s.log.LogLifecycle(ctx, "destroy", map[string]interface{}{"session_id": s.auth.SessionID()})
}
