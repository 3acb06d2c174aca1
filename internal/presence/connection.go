package presence

import "context"

// Handlers is the handler map a Connection dispatches incoming requests
// to, named per §6's request-name list.
type Handlers struct {
	SubmitPresence             func(ctx context.Context, p PresenceInput) error
	RemovePresence             func(ctx context.Context) error
	GetPresenceBySessionID     func(ctx context.Context, sid string) (interface{}, error)
	GetPresenceByUserID        func(ctx context.Context, uid string) (interface{}, error)
	GetPresenceByLocationID    func(ctx context.Context, lid string) (interface{}, error)
	StreamPresenceBySessionID  func(ctx context.Context, sid string) (*OwnedStream, error)
	StreamPresenceByUserID     func(ctx context.Context, uid string) (*OwnedStream, error)
	StreamPresenceByLocationID func(ctx context.Context, lid string) (*OwnedStream, error)
}

// Connection is the facade's external transport collaborator (§6): the
// RPC/streaming surface a client actually talks to. A Connection
// implementation (internal/transport's demo Fiber+WebSocket front door)
// calls RegisterService once per session to obtain this Service's handler
// map, and arranges to call the registered OnDestroy callback when the
// underlying transport connection goes away.
type Connection interface {
	RegisterService(name string, handlers Handlers)
	OnDestroy(fn func())
}

// RegisterWith wires this Service's operations onto conn per §6: conn
// learns the handler map, and the facade destroys itself when conn does.
func (s *Service) RegisterWith(conn Connection) {
	conn.RegisterService("presence", Handlers{
		SubmitPresence: func(ctx context.Context, in PresenceInput) error {
			return s.SubmitPresence(ctx, in.ToPresence())
		},
		RemovePresence: s.RemovePresence,
		GetPresenceBySessionID: func(ctx context.Context, sid string) (interface{}, error) {
			return s.GetPresenceBySessionID(ctx, sid)
		},
		GetPresenceByUserID: func(ctx context.Context, uid string) (interface{}, error) {
			return s.GetPresenceByUserID(ctx, uid)
		},
		GetPresenceByLocationID: func(ctx context.Context, lid string) (interface{}, error) {
			return s.GetPresenceByLocationID(ctx, lid)
		},
		StreamPresenceBySessionID:  s.StreamPresenceBySessionID,
		StreamPresenceByUserID:     s.StreamPresenceByUserID,
		StreamPresenceByLocationID: s.StreamPresenceByLocationID,
	})
	conn.OnDestroy(func() { s.Destroy(context.Background()) })
}
