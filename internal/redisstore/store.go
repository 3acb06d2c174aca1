// Package redisstore is the scripted storage layer: a thin wrapper over
// Redis exposing the presence service's atomic server-side scripts.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"presenced/internal/observability"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

// ConnectionsKey is the literal Redis key of the connections hash.
const ConnectionsKey = "connections"

// ErrConnectionMismatch is returned by Update when the session hash already
// records a different owning connection id. Per spec §9, the caller must
// never attempt to overwrite another process's claim; it surfaces as a sync
// failure and the caller retries with backoff.
var ErrConnectionMismatch = errors.New("connectionId mismatch")

// Entry is the five-field tuple a Get* script returns.
type Entry struct {
	SessionID    string
	UserID       string
	LocationID   string
	Data         string
	LastModified string
}

// SessionKey returns the session hash key for sid.
func SessionKey(sid string) string { return "presence:sessionId=" + sid }

// UserKey returns the user index/channel key for uid.
func UserKey(uid string) string { return "presence:userId=" + uid }

// LocationKey returns the location index/channel key for lid.
func LocationKey(lid string) string { return "presence:locationId=" + lid }

// ConnectionKey returns the connection index key for cid.
func ConnectionKey(cid string) string { return "presence:connectionId=" + cid }

// Store wraps a *redis.Client with the presence service's atomic scripts.
type Store struct {
	rdb   *redis.Client
	log   *observability.StoreLogger
	trace *observability.TraceLayer
}

// New returns a Store bound to rdb.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, log: observability.NewStoreLogger("redisstore"), trace: observability.GetTraceLayer()}
}

// Update upserts a session's presence. ttlSeconds is the expiry applied to
// the session/user/location/connection keys; modified selects between the
// refresh-only fast path (false) and a full re-index + publish (true).
func (s *Store) Update(ctx context.Context, sid, uid, lid, data, lastModifiedMS, connectionID string, ttlSeconds int, modified bool) error {
	ctx, span := s.trace.TraceRedisOperation(ctx, "presenceUpdate")
	defer span.End()
	observability.AddTraceAttributesToContext(ctx, attribute.String("presence.session_id", sid))

	mod := "0"
	if modified {
		mod = "1"
	}
	keys := []string{SessionKey(sid), ConnectionsKey}
	args := []interface{}{sid, uid, lid, data, lastModifiedMS, connectionID, ttlSeconds, mod}

	_, err := scriptPresenceUpdate.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		if strings.Contains(err.Error(), "connectionId mismatch") {
			observability.RecordErrorInContext(ctx, ErrConnectionMismatch)
			return ErrConnectionMismatch
		}
		observability.RecordErrorInContext(ctx, err)
		s.log.LogError(ctx, err)
		return fmt.Errorf("presenceUpdate: %w", err)
	}
	return nil
}

// Delete removes one session's presence from every index. Idempotent.
func (s *Store) Delete(ctx context.Context, sid string) error {
	ctx, span := s.trace.TraceRedisOperation(ctx, "presenceDelete")
	defer span.End()
	observability.AddTraceAttributesToContext(ctx, attribute.String("presence.session_id", sid))

	_, err := scriptPresenceDelete.Run(ctx, s.rdb, []string{SessionKey(sid)}, sid).Result()
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		s.log.LogError(ctx, err)
		return fmt.Errorf("presenceDelete: %w", err)
	}
	return nil
}

// DeleteByConnectionID deletes every session owned by connectionID. If lock
// is non-empty it must match the value recorded in the connections hash; a
// mismatch is a no-op reported via the returned bool (false means nothing
// was touched).
func (s *Store) DeleteByConnectionID(ctx context.Context, connectionID, lock string) (bool, error) {
	ctx, span := s.trace.TraceRedisOperation(ctx, "presenceDeleteByConnectionId")
	defer span.End()

	keys := []string{ConnectionKey(connectionID), ConnectionsKey}
	res, err := scriptPresenceDeleteByConnectionID.Run(ctx, s.rdb, keys, connectionID, lock).Result()
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		s.log.LogError(ctx, err)
		return false, fmt.Errorf("presenceDeleteByConnectionId: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// GetBySessionID returns the presence for sid, or nil if the session hash is
// missing any required field (treated as "gone").
func (s *Store) GetBySessionID(ctx context.Context, sid string) (*Entry, error) {
	ctx, span := s.trace.TraceRedisOperation(ctx, "presenceGetBySessionId")
	defer span.End()
	observability.AddTraceAttributesToContext(ctx, attribute.String("presence.session_id", sid))

	res, err := scriptPresenceGetBySessionID.Run(ctx, s.rdb, []string{SessionKey(sid)}, sid).Result()
	if errors.Is(err, redis.Nil) {
		// The script's false sentinel arrives as a nil reply.
		return nil, nil
	}
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		s.log.LogError(ctx, err)
		return nil, fmt.Errorf("presenceGetBySessionId: %w", err)
	}
	return decodeSingle(res)
}

// GetByUserID returns every presence currently indexed under uid.
func (s *Store) GetByUserID(ctx context.Context, uid string) ([]*Entry, error) {
	ctx, span := s.trace.TraceRedisOperation(ctx, "presenceGetByUserId")
	defer span.End()
	observability.AddTraceAttributesToContext(ctx, attribute.String("presence.user_id", uid))

	res, err := scriptPresenceGetByUserID.Run(ctx, s.rdb, []string{UserKey(uid)}).Result()
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		s.log.LogError(ctx, err)
		return nil, fmt.Errorf("presenceGetByUserId: %w", err)
	}
	return decodeMany(res)
}

// GetByLocationID returns every presence currently indexed under lid.
func (s *Store) GetByLocationID(ctx context.Context, lid string) ([]*Entry, error) {
	ctx, span := s.trace.TraceRedisOperation(ctx, "presenceGetByLocationId")
	defer span.End()
	observability.AddTraceAttributesToContext(ctx, attribute.String("presence.location_id", lid))

	res, err := scriptPresenceGetByLocationID.Run(ctx, s.rdb, []string{LocationKey(lid)}).Result()
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		s.log.LogError(ctx, err)
		return nil, fmt.Errorf("presenceGetByLocationId: %w", err)
	}
	return decodeMany(res)
}

// RegisterConnection scrubs any residue left over from a previous
// incarnation of this connection id and then writes connections[cid] =
// lock. Called by the ConnectionManager on every ready transition.
//
// The scrub must run before the write: presenceDeleteByConnectionId always
// clears the connections[cid] entry for the id it scrubs (that is what makes
// it usable as the janitor's prune primitive too), so registering first and
// scrubbing second would erase the registration it just made.
func (s *Store) RegisterConnection(ctx context.Context, connectionID, lock string) error {
	if _, err := s.DeleteByConnectionID(ctx, connectionID, ""); err != nil {
		return fmt.Errorf("scrub stale connection residue: %w", err)
	}
	if err := s.rdb.HSet(ctx, ConnectionsKey, connectionID, lock).Err(); err != nil {
		s.log.LogError(ctx, err)
		return fmt.Errorf("register connection: %w", err)
	}
	return nil
}

// UnregisterConnection removes connections[cid], used on close.
func (s *Store) UnregisterConnection(ctx context.Context, connectionID string) error {
	return s.rdb.HDel(ctx, ConnectionsKey, connectionID).Err()
}

// ConnectionLock returns the lock token recorded for connectionID, if any.
func (s *Store) ConnectionLock(ctx context.Context, connectionID string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, ConnectionsKey, connectionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// ConnectionIDs returns every connection id currently recorded in the
// connections hash (used by the janitor's prune pass).
func (s *Store) ConnectionIDs(ctx context.Context) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, ConnectionsKey).Result()
}

// Publish publishes payload (a sessionId) on channel. Exposed for
// internal/pubsub-adjacent callers that need to mirror notification
// semantics outside of a script (none in steady state; kept for parity with
// the wire interface in tests).
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func decodeSingle(res interface{}) (*Entry, error) {
	if res == nil {
		return nil, nil
	}
	if b, ok := res.(int64); ok && b == 0 {
		return nil, nil
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 5 {
		return nil, nil
	}
	return entryFromTuple(arr)
}

func decodeMany(res interface{}) ([]*Entry, error) {
	arr, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]*Entry, 0, len(arr))
	for _, raw := range arr {
		tuple, ok := raw.([]interface{})
		if !ok || len(tuple) != 5 {
			continue
		}
		e, err := entryFromTuple(tuple)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func entryFromTuple(arr []interface{}) (*Entry, error) {
	vals := make([]string, 5)
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, nil
		}
		vals[i] = s
	}
	return &Entry{
		SessionID:    vals[0],
		UserID:       vals[1],
		LocationID:   vals[2],
		Data:         vals[3],
		LastModified: vals[4],
	}, nil
}

// ParseLastModified validates that an Entry's LastModified is a well-formed
// integer, surfacing the decode contract's Presence:invalidPresence cause.
func ParseLastModified(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lastModified %q: %w", s, err)
	}
	return v, nil
}
