package transport

import (
	"time"

	"presenced/internal/auth"
	"presenced/internal/presence"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister mints a demo dev user. Grounded on the teacher's
// auth_handlers.go Register handler, minus the relational user table.
func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil || req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "username and password are required"})
	}
	userID, err := s.devUsers.Register(req.Username, "", req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not register user"})
	}
	return c.JSON(fiber.Map{"userId": userID})
}

// handleLogin verifies credentials and issues a demo bearer token carrying
// a fresh sessionId, which the client then passes to /ws as ?token=.
func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req credentials
	if err := c.BodyParser(&req); err != nil || req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "username and password are required"})
	}
	userID, err := s.devUsers.Verify(req.Username, req.Password)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credentials"})
	}
	token, err := auth.IssueToken(s.cfg.JWTSecret, userID, 24*time.Hour)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not issue token"})
	}
	return c.JSON(fiber.Map{"token": token})
}

// handleWS is the per-connection entry point: authenticate, build a fresh
// presence.Service bound to this connection's JWTAuth, and pump frames until
// the socket closes. readPump then runs the connection's destroy hooks,
// which destroy the service; the JWTAuth is deactivated and destroyed last.
func (s *Server) handleWS(ws *websocket.Conn) {
	token := ws.Query("token")
	jwtAuth := auth.NewJWTAuth(s.cfg.JWTSecret)
	if err := jwtAuth.Authenticate(token); err != nil {
		_ = ws.WriteJSON(Response{Error: "unauthorized"})
		_ = ws.Close()
		return
	}

	conn := newConn(ws)
	svc := presence.NewService(s.rdb, jwtAuth, s.svcCfg)
	svc.RegisterWith(conn)

	go conn.writePump()
	conn.readPump()

	jwtAuth.Deactivate()
	jwtAuth.Destroy()
}
