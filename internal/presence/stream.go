package presence

import "presenced/internal/presencestream"

// OwnedStream is a PresenceStream owned by a Service: the service tracks it
// in its stream set for cascading destruction (§9's cyclic-reference
// avoidance — the stream's Close removes it from the set, neither side
// holds the other strongly across lifetimes).
type OwnedStream struct {
	*presencestream.Stream
	cleanup func()
}

// Close unsubscribes the stream's pub/sub channel, stops its reload
// ticker, and removes it from the owning Service's stream set. This
// shadows the embedded presencestream.Stream.Close(error) — callers that
// need to report a terminal error to a live consumer should do so before
// calling Close, since Close here always closes clean.
func (o *OwnedStream) Close() {
	if o.cleanup != nil {
		o.cleanup()
	}
}
