package adapter

import "github.com/cobalt-labs/relay/pkg/api"

// Frame is one independently flushable unit of client-facing bytes.
type Frame []byte

// Encoder re-encodes normalized stream events into a downstream wire
// dialect. Encode is pure given the event sequence and the encoder's own
// running state; it returns zero or more frames per event.
type Encoder interface {
	Encode(ev api.StreamEvent) ([]Frame, error)
}
