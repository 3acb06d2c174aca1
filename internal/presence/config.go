package presence

import "time"

// Config carries the configuration options §6 recognizes. Callers should
// build this from the loaded internal/config.Config; the floors
// (ttl >= 10s, sizeLimit >= 3, pollingInterval a whole number >= 10s) are
// enforced by config.Config.Validate(). In addition, syncengine.New
// substitutes DefaultTTL for a ttl below MinTTL and presencestream.New
// rejects an invalid pollingInterval; sizeLimit is not checked again here.
type Config struct {
	TTL             time.Duration
	SizeLimit       int
	PollingInterval time.Duration
	PruningInterval time.Duration
}
