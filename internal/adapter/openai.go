package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cobalt-labs/relay/pkg/api"
)

// OpenAIEncoder projects normalized events into chat-completion chunk SSE
// frames (`data: <json>\n\n`, closed by `data: [DONE]\n\n`). Block
// boundaries have no representation in this dialect and encode to nothing.
type OpenAIEncoder struct {
	id      string
	model   string
	created int64

	toolIndex map[string]int // call id -> positional index in this dialect
	doneSent  bool
}

func NewOpenAIEncoder(id, model string) *OpenAIEncoder {
	return &OpenAIEncoder{
		id:        id,
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[string]int),
	}
}

func (e *OpenAIEncoder) chunk(delta *api.ChatDelta, finishReason string, usage *api.ResponseUsage) *api.ChatResponse {
	c := &api.ChatResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Usage:   usage,
	}
	if delta != nil || finishReason != "" {
		c.Choices = []api.Choice{{Delta: delta, FinishReason: finishReason}}
	}
	return c
}

func (e *OpenAIEncoder) frame(c *api.ChatResponse) (Frame, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return Frame(fmt.Sprintf("data: %s\n\n", data)), nil
}

func (e *OpenAIEncoder) frames(chunks ...*api.ChatResponse) ([]Frame, error) {
	out := make([]Frame, 0, len(chunks))
	for _, c := range chunks {
		f, err := e.frame(c)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (e *OpenAIEncoder) Encode(ev api.StreamEvent) ([]Frame, error) {
	if e.doneSent {
		return nil, nil
	}

	switch ev.Type {
	case api.EventRoleStart:
		return e.frames(e.chunk(&api.ChatDelta{Role: "assistant"}, "", nil))

	case api.EventTextDelta:
		return e.frames(e.chunk(&api.ChatDelta{Content: ev.Text}, "", nil))

	case api.EventToolCallStart:
		idx := len(e.toolIndex)
		e.toolIndex[ev.CallID] = idx
		return e.frames(e.chunk(&api.ChatDelta{
			ToolCalls: []api.DeltaToolCall{{
				Index:    &idx,
				ID:       ev.CallID,
				Type:     "function",
				Function: api.FunctionCall{Name: ev.ToolName},
			}},
		}, "", nil))

	case api.EventToolCallArgDelta:
		idx, ok := e.toolIndex[ev.CallID]
		if !ok {
			idx = len(e.toolIndex)
			e.toolIndex[ev.CallID] = idx
		}
		return e.frames(e.chunk(&api.ChatDelta{
			ToolCalls: []api.DeltaToolCall{{
				Index:    &idx,
				Function: api.FunctionCall{Arguments: ev.ArgDelta},
			}},
		}, "", nil))

	case api.EventFinish:
		e.doneSent = true
		final := e.chunk(&api.ChatDelta{}, ev.FinishReason, ev.Usage)
		frames, err := e.frames(final)
		if err != nil {
			return nil, err
		}
		return append(frames, Frame("data: [DONE]\n\n")), nil

	case api.EventError:
		e.doneSent = true
		errChunk := e.chunk(nil, "", nil)
		errChunk.Error = &api.ErrorResponse{Code: ev.ErrKind, Message: ev.ErrMsg}
		errChunk.Choices = []api.Choice{{FinishReason: api.FinishError}}
		frames, err := e.frames(errChunk)
		if err != nil {
			return nil, err
		}
		return append(frames, Frame("data: [DONE]\n\n")), nil

	case api.EventBlockStart, api.EventBlockStop:
		return nil, nil
	}

	return nil, nil
}
