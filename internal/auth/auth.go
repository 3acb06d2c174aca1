// Package auth defines the presence service's Auth collaborator (spec §6)
// and a demo JWT-backed implementation grounded on the teacher's
// middleware.AuthRequired.
package auth

import (
	"context"

	"presenced/internal/models"
)

// Auth is the facade's external collaborator for authentication and
// authorization. A real deployment's Connection layer constructs one Auth
// per session; this package's JWTAuth is the demo implementation wired by
// internal/transport.
type Auth interface {
	// SessionID and UserID are empty until Active reports true.
	SessionID() string
	UserID() string
	// Active reports whether this Auth still represents a live,
	// authenticated session.
	Active() bool
	// MayReadPresence and MayWritePresence gate read/write access to a
	// specific Presence. Implementations may consult external state
	// (friend graphs, room membership); hence the context and error
	// return.
	MayReadPresence(ctx context.Context, p models.Presence) (bool, error)
	MayWritePresence(ctx context.Context, p models.Presence) (bool, error)
	// OnInactive registers fn to run when the session becomes inactive
	// (§3 lifecycle: one of the ways a Presence is destroyed). OnDestroy
	// registers fn to run when the Auth itself is torn down, cascading
	// the facade's own destruction. Both return a function that removes
	// the registration.
	OnInactive(fn func()) func()
	OnDestroy(fn func()) func()
}
