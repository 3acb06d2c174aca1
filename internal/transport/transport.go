// Package transport is the demo Connection collaborator (spec §6): an
// HTTP+WebSocket front door, grounded on the teacher's cmd/server/main.go
// Fiber setup and internal/notifications/client.go's ReadPump/WritePump,
// that frames the eight client request names onto a presence.Service.
package transport

import (
	"context"
	"strings"
	"time"

	"presenced/internal/auth"
	"presenced/internal/config"
	"presenced/internal/presence"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 16384
)

// Server is the demo Connection front door: one Fiber app serving a dev
// login/register pair and one WebSocket endpoint, each WebSocket becoming
// exactly one presence.Service bound to a fresh JWTAuth.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	rdb      *redis.Client
	devUsers *auth.DevUserStore
	svcCfg   presence.Config
}

// NewServer constructs a Server. rdb must already be the shared client
// passed to internal/connmanager and internal/pubsub's process-wide caches
// (internal/bootstrap.InitRuntime wires this).
func NewServer(cfg *config.Config, rdb *redis.Client) *Server {
	app := fiber.New(fiber.Config{
		AppName:   "presenced",
		BodyLimit: 1 << 20,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.SplitOrigins(), ","),
	}))

	s := &Server{
		app:      app,
		cfg:      cfg,
		rdb:      rdb,
		devUsers: auth.NewDevUserStore(),
		svcCfg: presence.Config{
			TTL:             time.Duration(cfg.PresenceTTL) * time.Second,
			SizeLimit:       cfg.PresenceSizeLimit,
			PollingInterval: time.Duration(cfg.StreamPollingIntervalSeconds) * time.Second,
			PruningInterval: time.Duration(cfg.PruningIntervalMS) * time.Millisecond,
		},
	}
	s.routes()
	return s
}

// App exposes the underlying Fiber app, e.g. for test servers that want to
// mount additional routes.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts serving on addr; blocks until the app shuts down.
func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Shutdown gracefully drains in-flight requests and WebSocket connections.
func (s *Server) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	s.app.Post("/auth/register", s.handleRegister)
	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/ws", s.wsAuthRequired, websocket.New(s.handleWS))
}

// wsAuthRequired mirrors the teacher's WebSocketAuthRequired: it reads the
// bearer token from the query string (WebSocket clients can't set
// Authorization headers during the handshake), rejects a missing or
// invalid one before the upgrade happens, and otherwise lets the upgrade
// proceed — handleWS re-authenticates the same token to bind the
// connection's JWTAuth once the socket is open.
func (s *Server) wsAuthRequired(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.NewError(fiber.StatusUpgradeRequired, "expected websocket upgrade")
	}
	token := c.Query("token")
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "token required"})
	}
	if err := auth.NewJWTAuth(s.cfg.JWTSecret).Authenticate(token); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	return c.Next()
}
