// Package connmanager implements the presence service's connection janitor:
// one ConnectionManager per Redis client, tracking that client's current
// connection id and pruning presence left behind by connections that have
// disappeared.
package connmanager

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"presenced/internal/observability"
	"presenced/internal/redisstore"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// clientListIDPattern extracts connection ids from one line of
// `CLIENT LIST type normal`, per the wire interface in spec §6.
var clientListIDPattern = regexp.MustCompile(`(?:^| )id=(\d+)(?: |$)`)

// DefaultPruningInterval is used when Config.PruningInterval is zero.
const DefaultPruningInterval = time.Second

// Config controls a Manager's behavior.
type Config struct {
	PruningInterval time.Duration
}

// Observer receives the lifecycle notifications a Manager emits. Any nil
// field is simply not invoked.
type Observer struct {
	// OnConnectionID fires once a fresh connection id has been registered
	// and scrubbed.
	OnConnectionID func(id string)
	// OnClose fires when the manager transitions back to disconnected.
	OnClose func()
	// OnError fires for any Redis error the manager could not classify as
	// the known "offline, try again next tick" condition. It never stops
	// the manager.
	OnError func(err error)
}

// Manager is one ConnectionManager instance, process-local to a single
// *redis.Client.
type Manager struct {
	rdb   *redis.Client
	store *redisstore.Store
	cfg   Config
	log   *observability.PresenceLogger

	mu          sync.Mutex
	currentID   string
	connected   bool
	observers   []Observer
	ticker      *time.Ticker
	stopPruning chan struct{}
	pruneWG     sync.WaitGroup
}

var (
	registry   sync.Map // *redis.Client -> *Manager
	registryMu sync.Mutex
)

// For returns the process-wide Manager for rdb, creating it exactly once.
// This is one of the two process-wide caches required by spec §5.
func For(rdb *redis.Client, cfg Config) *Manager {
	if m, ok := registry.Load(rdb); ok {
		return m.(*Manager)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := registry.Load(rdb); ok {
		return m.(*Manager)
	}
	if cfg.PruningInterval <= 0 {
		cfg.PruningInterval = DefaultPruningInterval
	}
	m := &Manager{
		rdb:   rdb,
		store: redisstore.New(rdb),
		cfg:   cfg,
		log:   observability.NewPresenceLogger("connmanager"),
	}
	registry.Store(rdb, m)
	return m
}

// AddObserver registers o and returns a function that removes it.
func (m *Manager) AddObserver(o Observer) func() {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	idx := len(m.observers) - 1
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.observers) {
			m.observers[idx] = Observer{}
		}
	}
}

// Ready performs the on-ready sequence: obtain CLIENT ID, register it with a
// fresh lock token, scrub residue from any previous incarnation of that id,
// publish the new id to observers, and (re)start the pruning ticker. It is
// safe to call again to model a reconnect.
func (m *Manager) Ready(ctx context.Context) error {
	id, err := m.rdb.ClientID(ctx).Result()
	if err != nil {
		m.notifyError(err)
		return err
	}
	connID := strconv.FormatInt(id, 10)
	lock := uuid.NewString()

	if err := m.store.RegisterConnection(ctx, connID, lock); err != nil {
		m.notifyError(err)
		return err
	}

	m.mu.Lock()
	// A repeated Ready for the id that is already current and connected has
	// nothing further to apply.
	if m.currentID == connID && m.connected {
		m.mu.Unlock()
		return nil
	}
	m.currentID = connID
	m.connected = true
	observers := append([]Observer(nil), m.observers...)
	m.restartPruneLocked()
	m.mu.Unlock()

	observability.ConnectionManagerState.WithLabelValues(m.rdb.Options().Addr).Set(1)
	m.log.LogLifecycle(ctx, "ready", map[string]interface{}{"connection_id": connID})
	for _, o := range observers {
		if o.OnConnectionID != nil {
			o.OnConnectionID(connID)
		}
	}
	return nil
}

// Close transitions the manager back to disconnected: it clears the current
// connection id and stops the pruning ticker. It does not itself delete
// presence — that is the job of whichever peer's janitor later observes the
// id missing from CLIENT LIST, or this process's own orderly shutdown path.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	id := m.currentID
	m.currentID = ""
	observers := append([]Observer(nil), m.observers...)
	m.stopPruneLocked()
	m.mu.Unlock()

	if id != "" {
		_ = m.store.UnregisterConnection(ctx, id)
	}
	observability.ConnectionManagerState.WithLabelValues(m.rdb.Options().Addr).Set(0)
	m.log.LogLifecycle(ctx, "close", map[string]interface{}{"connection_id": id})
	for _, o := range observers {
		if o.OnClose != nil {
			o.OnClose()
		}
	}
}

// CurrentConnectionID returns the connection id currently registered, or
// ("", false) if disconnected.
func (m *Manager) CurrentConnectionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID, m.connected
}

func (m *Manager) restartPruneLocked() {
	m.stopPruneLocked()
	interval := m.cfg.PruningInterval
	if interval <= 0 {
		interval = DefaultPruningInterval
	}
	m.ticker = time.NewTicker(interval)
	m.stopPruning = make(chan struct{})
	m.pruneWG.Add(1)
	startedWithID := m.currentID
	go m.pruneLoop(m.ticker, m.stopPruning, startedWithID)
}

func (m *Manager) stopPruneLocked() {
	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stopPruning)
		m.ticker = nil
	}
}

func (m *Manager) pruneLoop(ticker *time.Ticker, stop chan struct{}, startedWithID string) {
	defer m.pruneWG.Done()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.pruneOnce(context.Background(), startedWithID)
		}
	}
}

// pruneOnce scrubs any connections hash entry not present in CLIENT LIST
// type normal's live connection ids. Exported via an unexported name but
// test-visible within the package, mirroring the teacher's reapOnce pattern.
func (m *Manager) pruneOnce(ctx context.Context, startedWithID string) {
	m.mu.Lock()
	stillCurrent := m.connected && m.currentID == startedWithID
	m.mu.Unlock()
	if !stillCurrent {
		return
	}

	recorded, err := m.store.ConnectionIDs(ctx)
	if err != nil {
		m.handlePruneError(ctx, err)
		return
	}
	if len(recorded) == 0 {
		return
	}

	listing, err := m.rdb.Do(ctx, "CLIENT", "LIST", "TYPE", "NORMAL").Text()
	if err != nil {
		m.handlePruneError(ctx, err)
		return
	}
	live := parseLiveConnectionIDs(listing)

	for cid, lock := range recorded {
		if _, ok := live[cid]; ok {
			continue
		}

		m.mu.Lock()
		stillCurrent := m.connected && m.currentID == startedWithID
		m.mu.Unlock()
		if !stillCurrent {
			return
		}

		ok, err := m.store.DeleteByConnectionID(ctx, cid, lock)
		if err != nil {
			m.handlePruneError(ctx, err)
			continue
		}
		if ok {
			observability.ConnectionsPrunedTotal.WithLabelValues("dead_connection").Inc()
			m.log.LogPrune(ctx, cid, "not in CLIENT LIST")
		}
	}
}

func parseLiveConnectionIDs(listing string) map[string]struct{} {
	live := make(map[string]struct{})
	for _, line := range strings.Split(listing, "\n") {
		m := clientListIDPattern.FindStringSubmatch(line)
		if len(m) == 2 {
			live[m[1]] = struct{}{}
		}
	}
	return live
}

func (m *Manager) handlePruneError(ctx context.Context, err error) {
	if isKnownOfflineError(err) {
		return
	}
	m.notifyError(err)
	m.log.LogError(ctx, err, map[string]interface{}{"phase": "prune"})
}

func (m *Manager) notifyError(err error) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, o := range observers {
		if o.OnError != nil {
			o.OnError(err)
		}
	}
}

// isKnownOfflineError reports whether err is the documented "disconnected,
// try again next tick" condition. The reference message is ioredis's exact
// string for a command issued with enableOfflineQueue=false against a
// not-yet-ready connection; go-redis has no identical string, so this also
// recognizes its own closed/unavailable-connection errors as the behavioral
// equivalent. See DESIGN.md's Open Questions entry on the
// autoResubscribe/enableOfflineQueue/enableReadyCheck assertion for the
// full writeup of this mismatch.
func isKnownOfflineError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "enableOfflineQueue options is false") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer")
}
