package adapter

import (
	"encoding/json"
	"time"

	"github.com/cobalt-labs/relay/pkg/api"
)

// JSONEncoder aggregates the whole event stream into one single-shot
// response body, emitted as the only frame when the terminal event arrives.
type JSONEncoder struct {
	id    string
	model string

	text      string
	toolCalls []api.ToolCall
	toolArgs  map[string]int // call id -> position in toolCalls
}

func NewJSONEncoder(id, model string) *JSONEncoder {
	return &JSONEncoder{id: id, model: model, toolArgs: make(map[string]int)}
}

func (e *JSONEncoder) Encode(ev api.StreamEvent) ([]Frame, error) {
	switch ev.Type {
	case api.EventTextDelta:
		e.text += ev.Text

	case api.EventToolCallStart:
		e.toolArgs[ev.CallID] = len(e.toolCalls)
		e.toolCalls = append(e.toolCalls, api.ToolCall{
			ID:       ev.CallID,
			Type:     "function",
			Function: api.FunctionCall{Name: ev.ToolName},
		})

	case api.EventToolCallArgDelta:
		if pos, ok := e.toolArgs[ev.CallID]; ok {
			e.toolCalls[pos].Function.Arguments += ev.ArgDelta
		}

	case api.EventFinish:
		return e.finalFrame(ev, nil)

	case api.EventError:
		return e.finalFrame(ev, &api.ErrorResponse{Code: ev.ErrKind, Message: ev.ErrMsg})
	}

	return nil, nil
}

// Response returns the aggregated single-shot body. Valid after the
// terminal event has been encoded.
func (e *JSONEncoder) Response(ev api.StreamEvent, errResp *api.ErrorResponse) *api.ChatResponse {
	msg := &api.ChatMessage{
		Role:      "assistant",
		Content:   api.Content{Text: e.text},
		ToolCalls: e.toolCalls,
	}
	return &api.ChatResponse{
		ID:      e.id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   e.model,
		Choices: []api.Choice{{
			Message:      msg,
			FinishReason: ev.FinishReason,
			Error:        errResp,
		}},
		Usage: ev.Usage,
		Error: errResp,
	}
}

func (e *JSONEncoder) finalFrame(ev api.StreamEvent, errResp *api.ErrorResponse) ([]Frame, error) {
	data, err := json.Marshal(e.Response(ev, errResp))
	if err != nil {
		return nil, err
	}
	return []Frame{Frame(data)}, nil
}
