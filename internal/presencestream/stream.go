// Package presencestream implements the PresenceStream (spec §4.5): a
// non-writable duplex object stream combining a periodic reload with
// live API-path updates, emitting incremental add/remove batches.
package presencestream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"presenced/internal/models"
	"presenced/internal/observability"
)

// MinPollingInterval is the floor from §4.5/§8: below this, or fractional,
// construction fails.
const MinPollingInterval = 10 * time.Second

// ErrNotWritable is returned by Write: per §4.5 and §9's "produce-message,
// close, error, be-destroyed-by-owner" capability set, a PresenceStream
// never accepts pushed data.
var ErrNotWritable = errors.New("presencestream: stream is not writable")

// Emission is one batch a Stream delivers on its channel. Err is set only
// on the final emission a Close(err) produces.
type Emission struct {
	Added   []models.Presence
	Removed []string
	Err     error
}

type entry struct {
	apiLastUpdated  time.Time
	loadLastUpdated time.Time
	presence        *models.Presence
}

// Stream is one PresenceStream instance. Construct with New; the caller
// owns its lifecycle and must call Close when done.
type Stream struct {
	loadPresence    func(ctx context.Context) ([]models.Presence, error)
	pollingInterval time.Duration
	kind            string
	log             *observability.PresenceLogger

	mu      sync.Mutex
	entries map[string]*entry

	out      chan Emission
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Stream. kind labels its metrics ("session", "user", or
// "location"). pollingInterval must be a whole number of seconds >= 10.
func New(loadPresence func(ctx context.Context) ([]models.Presence, error), pollingInterval time.Duration, kind string) (*Stream, error) {
	if pollingInterval < MinPollingInterval || pollingInterval%time.Second != 0 {
		return nil, fmt.Errorf("presencestream: pollingInterval must be a whole number of seconds >= %s, got %s", MinPollingInterval, pollingInterval)
	}
	s := &Stream{
		loadPresence:    loadPresence,
		pollingInterval: pollingInterval,
		kind:            kind,
		log:             observability.NewPresenceLogger("presencestream"),
		entries:         make(map[string]*entry),
		out:             make(chan Emission, 256),
		stop:            make(chan struct{}),
	}
	observability.ActiveStreams.WithLabelValues(kind).Inc()
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// C returns the channel emissions are delivered on. Closed is closed once
// the stream is fully shut down; callers should select on both.
func (s *Stream) C() <-chan Emission       { return s.out }
func (s *Stream) Closed() <-chan struct{}  { return s.stop }

// Write always fails: a PresenceStream is not writable.
func (s *Stream) Write(p []byte) (int, error) { return 0, ErrNotWritable }

// AddPresence is the API path (§4.5): a live pub/sub notification says p is
// relevant. It inserts or replaces the stored entry and emits an add
// message, unless the stored presence's LastModified is equal to or newer
// than p's.
func (s *Stream) AddPresence(p models.Presence) {
	now := time.Now()
	s.mu.Lock()
	e, ok := s.entries[p.SessionID]
	if !ok {
		e = &entry{}
		s.entries[p.SessionID] = e
	}
	shouldEmit := e.presence == nil || e.presence.LastModified < p.LastModified
	if shouldEmit {
		pc := p
		e.presence = &pc
	}
	e.apiLastUpdated = now
	s.mu.Unlock()

	if shouldEmit {
		s.emit(Emission{Added: []models.Presence{p}})
	}
}

// RemovePresence is the API path's removal: a live pub/sub notification
// says sid is gone.
func (s *Stream) RemovePresence(sid string) {
	now := time.Now()
	s.mu.Lock()
	e, ok := s.entries[sid]
	shouldEmit := ok && e.presence != nil
	if shouldEmit {
		e.presence = nil
		e.apiLastUpdated = now
	}
	s.mu.Unlock()

	if shouldEmit {
		s.emit(Emission{Removed: []string{sid}})
	}
}

// Reload runs the reload path immediately (the facade calls this on every
// pub/sub "active" notification, modeling "on Redis ready, full reload").
func (s *Stream) Reload(ctx context.Context) {
	s.reload(ctx)
}

// Flush drops every currently-present entry and emits a remove batch for
// all of them (the facade calls this on pub/sub "inactive", modeling
// "on Redis close, flush the stream").
func (s *Stream) Flush() {
	s.mu.Lock()
	var removed []string
	for sid, e := range s.entries {
		if e.presence != nil {
			removed = append(removed, sid)
		}
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	if len(removed) > 0 {
		s.emit(Emission{Removed: removed})
	}
}

// Close stops the reload ticker and, if err is non-nil, delivers one final
// Emission carrying it before signaling Closed. Per §5: "a stream
// destruction with an error emits the error first and then the close;
// destruction without error emits only close."
func (s *Stream) Close(err error) {
	if err != nil {
		select {
		case s.out <- Emission{Err: err}:
		default:
		}
	}
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	observability.ActiveStreams.WithLabelValues(s.kind).Dec()
}

func (s *Stream) run() {
	defer s.wg.Done()
	ctx := context.Background()
	ticker := time.NewTicker(s.pollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reload(ctx)
		}
	}
}

// reload implements §4.5's reload path, including the 1-second guard that
// keeps a slightly-stale poll from overriding a very recent API update.
func (s *Stream) reload(ctx context.Context) {
	list, err := s.loadPresence(ctx)
	if err != nil {
		s.log.LogError(ctx, err, map[string]interface{}{"kind": s.kind, "phase": "reload"})
		return
	}

	now := time.Now()
	guard := func(apiLastUpdated time.Time) bool {
		return !apiLastUpdated.Add(time.Second).After(now)
	}

	var added []models.Presence
	s.mu.Lock()
	for _, p := range list {
		p := p
		e, ok := s.entries[p.SessionID]
		if !ok {
			e = &entry{}
			s.entries[p.SessionID] = e
		}
		e.loadLastUpdated = now
		if guard(e.apiLastUpdated) && (e.presence == nil || e.presence.LastModified < p.LastModified) {
			e.presence = &p
			added = append(added, p)
		}
	}

	var removed []string
	for sid, e := range s.entries {
		if e.loadLastUpdated.Equal(now) {
			continue
		}
		if !guard(e.apiLastUpdated) {
			continue
		}
		had := e.presence != nil
		delete(s.entries, sid)
		if had {
			removed = append(removed, sid)
		}
	}
	s.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return
	}
	s.emit(Emission{Added: added, Removed: removed})
}

func (s *Stream) emit(em Emission) {
	if len(em.Added) > 0 {
		observability.StreamEmitsTotal.WithLabelValues(s.kind, "add").Inc()
	}
	if len(em.Removed) > 0 {
		observability.StreamEmitsTotal.WithLabelValues(s.kind, "remove").Inc()
	}
	select {
	case s.out <- em:
	case <-s.stop:
	}
}
