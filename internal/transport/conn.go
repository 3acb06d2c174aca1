package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"presenced/internal/observability"
	"presenced/internal/presence"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Request is the wire envelope a client sends: one JSON object naming the
// operation and carrying its params, tagged with a client-chosen id used to
// correlate the response (and, for stream ops, subsequent stream events).
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// Response answers a non-streaming Request.
type Response struct {
	ID     string      `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// StreamEvent is pushed for every emission (or closure) of a stream started
// by a streamPresenceBy* Request, correlated back via ID.
type StreamEvent struct {
	ID      string        `json:"id"`
	Event   string        `json:"event"` // "update" | "close"
	Added   []interface{} `json:"added,omitempty"`
	Removed []string      `json:"removed,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// wsConn adapts one gofiber/websocket connection to presence.Connection,
// generalizing the teacher's notifications.Client ReadPump/WritePump/
// TrySend pattern to frame §6's eight request names as JSON envelopes.
type wsConn struct {
	ws     *websocket.Conn
	connID string
	send   chan []byte

	mu        sync.Mutex
	handlers  presence.Handlers
	onDestroy []func()
	streams   map[string]*presence.OwnedStream

	log   *observability.PresenceLogger
	trace *observability.TraceLayer
}

func newConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:      ws,
		connID:  uuid.NewString(),
		send:    make(chan []byte, 256),
		streams: make(map[string]*presence.OwnedStream),
		log:     observability.NewPresenceLogger("transport"),
		trace:   observability.GetTraceLayer(),
	}
}

// RegisterService implements presence.Connection.
func (c *wsConn) RegisterService(_ string, h presence.Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// OnDestroy implements presence.Connection.
func (c *wsConn) OnDestroy(fn func()) {
	c.mu.Lock()
	c.onDestroy = append(c.onDestroy, fn)
	c.mu.Unlock()
}

// trySend marshals v and enqueues it for writePump, dropping the frame if
// the send buffer is full or the connection is already tearing down —
// mirrors the teacher's TrySend non-blocking-send-with-recover idiom.
func (c *wsConn) trySend(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	defer func() { _ = recover() }()
	select {
	case c.send <- b:
	default:
	}
}

// readPump pumps inbound frames until the connection errors or closes,
// then tears down every stream and destroy hook this connection owns.
func (c *wsConn) readPump() {
	defer func() {
		c.mu.Lock()
		streams := make([]*presence.OwnedStream, 0, len(c.streams))
		for _, st := range c.streams {
			streams = append(streams, st)
		}
		onDestroy := append([]func(){}, c.onDestroy...)
		c.mu.Unlock()

		for _, st := range streams {
			st.Close()
		}
		for _, fn := range onDestroy {
			fn()
		}
		close(c.send)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.trySend(Response{Error: "malformed request"})
			continue
		}
		go c.dispatch(req)
	}
}

// writePump owns the only goroutine allowed to call WriteMessage, draining
// c.send and interleaving ping frames, per the teacher's client.go pattern.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(req Request) {
	ctx := context.Background()
	ctx, span := c.trace.TraceWebSocket(ctx, c.connID, req.Op)
	defer span.End()
	ctx = context.WithValue(ctx, observability.RequestIDKey, req.ID)
	ctx = context.WithValue(ctx, observability.OperationKey, req.Op)

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch req.Op {
	case "submitPresence":
		var in presence.PresenceInput
		if err := json.Unmarshal(req.Params, &in); err != nil {
			c.trySend(Response{ID: req.ID, Error: "invalid params"})
			return
		}
		c.respond(req.ID, nil, h.SubmitPresence(ctx, in))

	case "removePresence":
		c.respond(req.ID, nil, h.RemovePresence(ctx))

	case "getPresenceBySessionId":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		res, err := h.GetPresenceBySessionID(ctx, p.SessionID)
		c.respond(req.ID, res, err)

	case "getPresenceByUserId":
		var p struct {
			UserID string `json:"userId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		res, err := h.GetPresenceByUserID(ctx, p.UserID)
		c.respond(req.ID, res, err)

	case "getPresenceByLocationId":
		var p struct {
			LocationID string `json:"locationId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		res, err := h.GetPresenceByLocationID(ctx, p.LocationID)
		c.respond(req.ID, res, err)

	case "streamPresenceBySessionId":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		st, err := h.StreamPresenceBySessionID(ctx, p.SessionID)
		c.startStream(req.ID, st, err)

	case "streamPresenceByUserId":
		var p struct {
			UserID string `json:"userId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		st, err := h.StreamPresenceByUserID(ctx, p.UserID)
		c.startStream(req.ID, st, err)

	case "streamPresenceByLocationId":
		var p struct {
			LocationID string `json:"locationId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		st, err := h.StreamPresenceByLocationID(ctx, p.LocationID)
		c.startStream(req.ID, st, err)

	case "unsubscribe":
		var p struct {
			StreamID string `json:"streamId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		c.stopStream(p.StreamID)

	default:
		c.trySend(Response{ID: req.ID, Error: "unknown op: " + req.Op})
	}
}

func (c *wsConn) respond(id string, result interface{}, err error) {
	if err != nil {
		c.trySend(Response{ID: id, Error: err.Error()})
		return
	}
	c.trySend(Response{ID: id, Result: result})
}

func (c *wsConn) startStream(id string, st *presence.OwnedStream, err error) {
	if err != nil {
		c.trySend(Response{ID: id, Error: err.Error()})
		return
	}

	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()
	c.trySend(Response{ID: id, Result: "subscribed"})

	go func() {
		for {
			select {
			case em := <-st.C():
				ev := StreamEvent{ID: id, Event: "update", Removed: em.Removed}
				for _, p := range em.Added {
					ev.Added = append(ev.Added, p)
				}
				if em.Err != nil {
					ev.Error = em.Err.Error()
				}
				c.trySend(ev)
			case <-st.Closed():
				c.trySend(StreamEvent{ID: id, Event: "close"})
				return
			}
		}
	}()
}

func (c *wsConn) stopStream(id string) {
	c.mu.Lock()
	st, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		st.Close()
	}
}
