package presence

import (
	"encoding/json"

	"presenced/internal/models"
)

// PresenceInput is the wire shape of a submitPresence request: the client
// supplies everything but lastModified, which the server always stamps
// fresh at write time (§3).
type PresenceInput struct {
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	LocationID string          `json:"locationId"`
	Data       json.RawMessage `json:"data"`
}

// ToPresence converts the wire input into a models.Presence with a zero
// LastModified; SubmitPresence overwrites it before reconciling.
func (in PresenceInput) ToPresence() models.Presence {
	return models.Presence{
		SessionID:  in.SessionID,
		UserID:     in.UserID,
		LocationID: in.LocationID,
		Data:       in.Data,
	}
}
