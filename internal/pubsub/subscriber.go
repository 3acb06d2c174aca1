// Package pubsub is the presence service's pub/sub multiplexer: one
// Subscriber per subscription-dedicated Redis client, fanning a single
// shared subscription connection out to many local channel/pattern
// listeners.
package pubsub

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"presenced/internal/observability"

	"github.com/redis/go-redis/v9"
)

// ChannelListener receives lifecycle and message notifications for one
// channel subscription. Any nil field is simply not invoked.
type ChannelListener struct {
	// OnActive fires when the server confirms the SUBSCRIBE, including every
	// time it is re-confirmed after a reconnect.
	OnActive func(channel string)
	// OnInactive fires once when the underlying subscription drops.
	OnInactive func(channel string)
	OnMessage  func(channel, payload string)
}

// PatternListener is ChannelListener's PSUBSCRIBE counterpart.
type PatternListener struct {
	OnActive   func(pattern string)
	OnInactive func(pattern string)
	OnMessage  func(pattern, channel, payload string)
}

type channelReg struct {
	active    bool
	nextID    int
	listeners map[int]ChannelListener
}

type patternReg struct {
	active    bool
	nextID    int
	listeners map[int]PatternListener
}

// Subscriber multiplexes many local listeners onto one *redis.PubSub.
type Subscriber struct {
	rdb *redis.Client
	log *observability.PresenceLogger

	mu       sync.Mutex
	ps       *redis.PubSub
	channels map[string]*channelReg
	patterns map[string]*patternReg

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	registry   sync.Map // *redis.Client -> *Subscriber
	registryMu sync.Mutex
)

// For returns the process-wide Subscriber for rdb, creating it exactly
// once. This is the second of the two process-wide caches required by
// spec §5.
func For(rdb *redis.Client) *Subscriber {
	if s, ok := registry.Load(rdb); ok {
		return s.(*Subscriber)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if s, ok := registry.Load(rdb); ok {
		return s.(*Subscriber)
	}
	s := New(rdb)
	registry.Store(rdb, s)
	return s
}

// New constructs a Subscriber bound to rdb and starts its receive loop.
// Prefer For in production code; New is exposed directly for tests that
// want an unshared instance.
func New(rdb *redis.Client) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		rdb:      rdb,
		log:      observability.NewPresenceLogger("pubsub"),
		channels: make(map[string]*channelReg),
		patterns: make(map[string]*patternReg),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.ps = rdb.Subscribe(ctx)
	s.wg.Add(1)
	go s.loop()
	return s
}

// Close stops the receive loop and releases the underlying subscription
// connection. Pending listeners are not notified; callers destroy their
// own streams/services first.
func (s *Subscriber) Close() {
	s.cancel()
	s.mu.Lock()
	ps := s.ps
	s.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
	s.wg.Wait()
}

// OnChannel registers l on channel. The first listener on a channel issues
// SUBSCRIBE. The returned function removes l; the last removed listener on
// a channel issues UNSUBSCRIBE.
func (s *Subscriber) OnChannel(channel string, l ChannelListener) func() {
	s.mu.Lock()
	reg, ok := s.channels[channel]
	if !ok {
		reg = &channelReg{listeners: make(map[int]ChannelListener)}
		s.channels[channel] = reg
	}
	id := reg.nextID
	reg.nextID++
	reg.listeners[id] = l
	first := len(reg.listeners) == 1
	ps := s.ps
	s.mu.Unlock()

	if first {
		if err := ps.Subscribe(s.ctx, channel); err != nil {
			s.log.LogError(s.ctx, err, map[string]interface{}{"channel": channel, "op": "subscribe"})
		}
		observability.PubSubActiveChannels.WithLabelValues("channel").Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.offChannel(channel, id) })
	}
}

func (s *Subscriber) offChannel(channel string, id int) {
	s.mu.Lock()
	reg, ok := s.channels[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(reg.listeners, id)
	last := len(reg.listeners) == 0
	if last {
		delete(s.channels, channel)
	}
	ps := s.ps
	s.mu.Unlock()

	if last {
		if err := ps.Unsubscribe(s.ctx, channel); err != nil {
			s.log.LogError(s.ctx, err, map[string]interface{}{"channel": channel, "op": "unsubscribe"})
		}
		observability.PubSubActiveChannels.WithLabelValues("channel").Dec()
	}
}

// OnPattern is OnChannel's PSUBSCRIBE counterpart.
func (s *Subscriber) OnPattern(pattern string, l PatternListener) func() {
	s.mu.Lock()
	reg, ok := s.patterns[pattern]
	if !ok {
		reg = &patternReg{listeners: make(map[int]PatternListener)}
		s.patterns[pattern] = reg
	}
	id := reg.nextID
	reg.nextID++
	reg.listeners[id] = l
	first := len(reg.listeners) == 1
	ps := s.ps
	s.mu.Unlock()

	if first {
		if err := ps.PSubscribe(s.ctx, pattern); err != nil {
			s.log.LogError(s.ctx, err, map[string]interface{}{"pattern": pattern, "op": "psubscribe"})
		}
		observability.PubSubActiveChannels.WithLabelValues("pattern").Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.offPattern(pattern, id) })
	}
}

func (s *Subscriber) offPattern(pattern string, id int) {
	s.mu.Lock()
	reg, ok := s.patterns[pattern]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(reg.listeners, id)
	last := len(reg.listeners) == 0
	if last {
		delete(s.patterns, pattern)
	}
	ps := s.ps
	s.mu.Unlock()

	if last {
		if err := ps.PUnsubscribe(s.ctx, pattern); err != nil {
			s.log.LogError(s.ctx, err, map[string]interface{}{"pattern": pattern, "op": "punsubscribe"})
		}
		observability.PubSubActiveChannels.WithLabelValues("pattern").Dec()
	}
}

// IsChannelActive reports whether channel's subscription is currently
// confirmed active by the server.
func (s *Subscriber) IsChannelActive(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.channels[channel]
	return ok && reg.active
}

// IsPatternActive is IsChannelActive's pattern counterpart.
func (s *Subscriber) IsPatternActive(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.patterns[pattern]
	return ok && reg.active
}

func (s *Subscriber) loop() {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		ps := s.ps
		s.mu.Unlock()

		msg, err := ps.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.handleDisconnect(err)
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			s.handleSubscription(m)
		case *redis.Message:
			s.dispatchMessage(m.Channel, m.Payload)
		case *redis.Pmessage:
			s.dispatchPmessage(m.Pattern, m.Channel, m.Payload)
		}
	}
}

func (s *Subscriber) handleSubscription(m *redis.Subscription) {
	switch m.Kind {
	case "subscribe":
		s.mu.Lock()
		reg, ok := s.channels[m.Channel]
		var listeners []ChannelListener
		if ok {
			reg.active = true
			for _, l := range reg.listeners {
				listeners = append(listeners, l)
			}
		}
		s.mu.Unlock()
		for _, l := range listeners {
			if l.OnActive != nil {
				l.OnActive(m.Channel)
			}
		}
	case "psubscribe":
		s.mu.Lock()
		reg, ok := s.patterns[m.Channel]
		var listeners []PatternListener
		if ok {
			reg.active = true
			for _, l := range reg.listeners {
				listeners = append(listeners, l)
			}
		}
		s.mu.Unlock()
		for _, l := range listeners {
			if l.OnActive != nil {
				l.OnActive(m.Channel)
			}
		}
	}
}

func (s *Subscriber) dispatchMessage(channel, payload string) {
	s.mu.Lock()
	reg, ok := s.channels[channel]
	var listeners []ChannelListener
	if ok {
		for _, l := range reg.listeners {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		if l.OnMessage == nil {
			continue
		}
		s.safeCall(func() { l.OnMessage(channel, payload) })
	}
}

func (s *Subscriber) dispatchPmessage(pattern, channel, payload string) {
	s.mu.Lock()
	reg, ok := s.patterns[pattern]
	var listeners []PatternListener
	if ok {
		for _, l := range reg.listeners {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		if l.OnMessage == nil {
			continue
		}
		s.safeCall(func() { l.OnMessage(pattern, channel, payload) })
	}
}

func (s *Subscriber) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in pubsub listener: %v", r)
		}
	}()
	fn()
}

// handleDisconnect fires OnInactive for every currently-active
// subscription and then rebuilds the underlying PubSub, re-issuing
// SUBSCRIBE/PSUBSCRIBE for everything still registered. Implementing
// resubscribe here, rather than leaning on go-redis's own internal
// reconnect, is what lets active/inactive notifications stay accurate —
// see the autoResubscribe note in internal/cache/redis.go.
func (s *Subscriber) handleDisconnect(err error) {
	s.log.LogError(s.ctx, err, map[string]interface{}{"phase": "receive"})

	s.mu.Lock()
	var chListeners, ptListeners []func()
	for ch, reg := range s.channels {
		if !reg.active {
			continue
		}
		reg.active = false
		ch, reg := ch, reg
		listeners := make([]ChannelListener, 0, len(reg.listeners))
		for _, l := range reg.listeners {
			listeners = append(listeners, l)
		}
		chListeners = append(chListeners, func() {
			for _, l := range listeners {
				if l.OnInactive != nil {
					l.OnInactive(ch)
				}
			}
		})
	}
	for pt, reg := range s.patterns {
		if !reg.active {
			continue
		}
		reg.active = false
		pt, reg := pt, reg
		listeners := make([]PatternListener, 0, len(reg.listeners))
		for _, l := range reg.listeners {
			listeners = append(listeners, l)
		}
		ptListeners = append(ptListeners, func() {
			for _, l := range listeners {
				if l.OnInactive != nil {
					l.OnInactive(pt)
				}
			}
		})
	}
	s.mu.Unlock()

	for _, notify := range chListeners {
		notify()
	}
	for _, notify := range ptListeners {
		notify()
	}

	s.reconnect()
}

func (s *Subscriber) reconnect() {
	for {
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		old := s.ps
		s.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}

		ps := s.rdb.Subscribe(s.ctx)

		s.mu.Lock()
		channels := make([]string, 0, len(s.channels))
		for ch := range s.channels {
			channels = append(channels, ch)
		}
		patterns := make([]string, 0, len(s.patterns))
		for pt := range s.patterns {
			patterns = append(patterns, pt)
		}
		s.mu.Unlock()

		ok := true
		if len(channels) > 0 {
			if err := ps.Subscribe(s.ctx, channels...); err != nil {
				ok = false
			}
		}
		if ok && len(patterns) > 0 {
			if err := ps.PSubscribe(s.ctx, patterns...); err != nil {
				ok = false
			}
		}

		if ok {
			s.mu.Lock()
			s.ps = ps
			s.mu.Unlock()
			return
		}

		_ = ps.Close()
		wait := time.Duration(1000+rand.Intn(9000)) * time.Millisecond
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
