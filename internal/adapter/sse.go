package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/cobalt-labs/relay/pkg/api"
)

// EventsEncoder writes the normalized events themselves as named SSE
// frames: `event: <type>\ndata: <json>\n\n`. This is the gateway-native
// streaming dialect.
type EventsEncoder struct{}

func NewEventsEncoder() *EventsEncoder { return &EventsEncoder{} }

func (e *EventsEncoder) Encode(ev api.StreamEvent) ([]Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data)
	return []Frame{Frame(frame)}, nil
}
