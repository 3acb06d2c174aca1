package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"presenced/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned by Authenticate for any malformed, expired,
// or wrongly-signed bearer token.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the demo token shape: the standard "sub" claim carries the
// userId, an optional "sid" claim pins a stable sessionId across
// reconnects (a fresh one is minted if absent).
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
}

// IssueToken mints a demo bearer token for userID, signed with secret.
// Grounded on the teacher's JWT issuance in internal/server/auth_handlers.go.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		SessionID: uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// JWTAuth is the demo Auth collaborator: one instance per WebSocket
// connection, bound to a validated bearer token at connect time.
type JWTAuth struct {
	secret []byte

	mu        sync.Mutex
	sessionID string
	userID    string
	active    bool

	inactiveListeners []func()
	destroyListeners  []func()
}

// NewJWTAuth constructs an unauthenticated JWTAuth; call Authenticate
// before it reports Active.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// Authenticate validates tokenString and binds sessionId/userId from its
// claims. Safe to call once per connection, before any presence operation.
func (a *JWTAuth) Authenticate(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return ErrInvalidToken
	}

	sid := claims.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}

	a.mu.Lock()
	a.sessionID = sid
	a.userID = claims.Subject
	a.active = true
	a.mu.Unlock()
	return nil
}

func (a *JWTAuth) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

func (a *JWTAuth) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

func (a *JWTAuth) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// MayWritePresence allows a session to write only its own presence. The
// facade has already rejected a sessionId/userId mismatch against this
// Auth's own identity (Presence:mismatch); this hook is where a richer
// implementation would add write restrictions (e.g. banned-from-room).
func (a *JWTAuth) MayWritePresence(_ context.Context, p models.Presence) (bool, error) {
	return p.UserID == a.UserID(), nil
}

// MayReadPresence is deliberately permissive in this demo: any
// authenticated session may observe any presence. Per §9's open question
// on re-entry, a production Auth would consult a social graph or room
// membership table here instead.
func (a *JWTAuth) MayReadPresence(_ context.Context, _ models.Presence) (bool, error) {
	return a.Active(), nil
}

func (a *JWTAuth) OnInactive(fn func()) func() {
	a.mu.Lock()
	a.inactiveListeners = append(a.inactiveListeners, fn)
	idx := len(a.inactiveListeners) - 1
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.inactiveListeners) {
			a.inactiveListeners[idx] = nil
		}
	}
}

func (a *JWTAuth) OnDestroy(fn func()) func() {
	a.mu.Lock()
	a.destroyListeners = append(a.destroyListeners, fn)
	idx := len(a.destroyListeners) - 1
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.destroyListeners) {
			a.destroyListeners[idx] = nil
		}
	}
}

// Deactivate fires the inactive signal once — e.g. when the underlying
// WebSocket connection closes without an explicit logout.
func (a *JWTAuth) Deactivate() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	listeners := append([]func(){}, a.inactiveListeners...)
	a.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn()
		}
	}
}

// Destroy fires the destroy signal once, cascading the facade's own
// destruction per §6's Connection/Auth cascade rule.
func (a *JWTAuth) Destroy() {
	a.mu.Lock()
	listeners := append([]func(){}, a.destroyListeners...)
	a.destroyListeners = nil
	a.mu.Unlock()
	for _, fn := range listeners {
		if fn != nil {
			fn()
		}
	}
}
