// Package models holds the presence service's externally-visible domain
// type. Its only internal dependency is the scripted storage layer, whose
// wire tuples it decodes into that type.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	"presenced/internal/redisstore"
)

// Presence is the only user-visible entity: a session's declared location
// and payload at a point in time. See spec §3.
type Presence struct {
	SessionID    string          `json:"sessionId"`
	UserID       string          `json:"userId"`
	LocationID   string          `json:"locationId"`
	Data         json.RawMessage `json:"data"`
	LastModified int64           `json:"lastModified"`
}

// Validate checks the schema invariants from §3: every field present. It
// does not check auth/ownership or size — those are the facade's job.
func (p Presence) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if p.LocationID == "" {
		return fmt.Errorf("locationId is required")
	}
	if len(p.Data) == 0 || !json.Valid(p.Data) {
		return fmt.Errorf("data must be valid JSON")
	}
	return nil
}

// EncodedSize is the "encoded size of all five fields concatenated" the
// size-limit invariant in §3 is checked against.
func (p Presence) EncodedSize() int {
	return len(p.SessionID) + len(p.UserID) + len(p.LocationID) + len(p.Data) + len(strconv.FormatInt(p.LastModified, 10))
}

// DecodeEntry applies the decode contract of §4.6: a nil entry (session
// hash gone or missing a required field) decodes as a nil Presence with no
// error; a structurally invalid stored hash (non-integer lastModified,
// malformed data) surfaces as an error the caller wraps as
// Presence:invalidPresence.
func DecodeEntry(e *redisstore.Entry) (*Presence, error) {
	if e == nil {
		return nil, nil
	}
	lastModified, err := redisstore.ParseLastModified(e.LastModified)
	if err != nil {
		return nil, fmt.Errorf("invalidPresence: %w", err)
	}
	if !json.Valid([]byte(e.Data)) {
		return nil, fmt.Errorf("invalidPresence: data %q is not valid JSON", e.Data)
	}
	return &Presence{
		SessionID:    e.SessionID,
		UserID:       e.UserID,
		LocationID:   e.LocationID,
		Data:         json.RawMessage(e.Data),
		LastModified: lastModified,
	}, nil
}

// DecodeEntries applies DecodeEntry across a slice, discarding entries that
// are nil post-decode (already-gone sessions the store chose to omit) and
// stopping at the first structural decode error — per §7, a load failure
// discards any partial decoded results.
func DecodeEntries(entries []*redisstore.Entry) ([]Presence, error) {
	out := make([]Presence, 0, len(entries))
	for _, e := range entries {
		p, err := DecodeEntry(e)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}
