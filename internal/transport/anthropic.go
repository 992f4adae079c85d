package transport

import (
	"encoding/json"
	"fmt"

	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/pkg/api"
)

func init() {
	RegisterCodec("anthropic", &anthropicCodec{})
}

// anthropicCodec maps the unified shape onto the messages API, including
// its event-typed SSE stream. Streaming state (the open block type per
// index) lives in the chunk payloads themselves, so the codec stays
// stateless.
type anthropicCodec struct{}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	TopK        int                `json:"top_k,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *anthropicCodec) Path() string { return "/messages" }

func (c *anthropicCodec) Headers(d registry.Deployment) map[string]string {
	headers := map[string]string{
		"x-api-key":         d.Provider.APIKey,
		"anthropic-version": "2023-06-01",
	}
	for k, v := range d.Provider.Headers {
		headers[k] = v
	}
	return headers
}

func (c *anthropicCodec) BuildRequest(req *api.ChatRequest, upstreamModel string, stream bool) (interface{}, error) {
	ar := anthropicRequest{
		Model:       upstreamModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stream:      stream,
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}
	if req.Stop != nil {
		ar.Stop = req.Stop.Val
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			ar.System += m.Content.Text
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: m.Role, Content: m.Content.Text})
	}

	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return &ar, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return api.FinishStop
	case "max_tokens":
		return api.FinishLength
	case "tool_use":
		return api.FinishToolCalls
	case "":
		return ""
	default:
		return reason
	}
}

func (c *anthropicCodec) ParseResponse(data []byte) (*api.ChatResponse, error) {
	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, err
	}

	msg := &api.ChatMessage{Role: "assistant"}
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			msg.Content.Text += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: api.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	return &api.ChatResponse{
		ID:     ar.ID,
		Model:  ar.Model,
		Object: "chat.completion",
		Choices: []api.Choice{{
			Message:            msg,
			FinishReason:       mapStopReason(ar.StopReason),
			NativeFinishReason: ar.StopReason,
		}},
		Usage: &api.ResponseUsage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

func (c *anthropicCodec) ParseChunk(data []byte) (*api.ChatResponse, bool, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, err
	}

	switch ev.Type {
	case "message_start":
		chunk := &api.ChatResponse{
			Object:  "chat.completion.chunk",
			Choices: []api.Choice{{Delta: &api.ChatDelta{Role: "assistant"}}},
		}
		if ev.Message != nil {
			chunk.ID = ev.Message.ID
			chunk.Model = ev.Message.Model
			if ev.Message.Usage.InputTokens > 0 {
				chunk.Usage = &api.ResponseUsage{PromptTokens: ev.Message.Usage.InputTokens}
			}
		}
		return chunk, false, nil

	case "content_block_start":
		if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
			return nil, false, nil // text blocks open implicitly on first delta
		}
		idx := ev.Index
		return &api.ChatResponse{
			Object: "chat.completion.chunk",
			Choices: []api.Choice{{Delta: &api.ChatDelta{
				ToolCalls: []api.DeltaToolCall{{
					Index: &idx,
					ID:    ev.ContentBlock.ID,
					Type:  "function",
					Function: api.FunctionCall{
						Name: ev.ContentBlock.Name,
					},
				}},
			}}},
		}, false, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, false, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return &api.ChatResponse{
				Object:  "chat.completion.chunk",
				Choices: []api.Choice{{Delta: &api.ChatDelta{Content: ev.Delta.Text}}},
			}, false, nil
		case "input_json_delta":
			idx := ev.Index
			return &api.ChatResponse{
				Object: "chat.completion.chunk",
				Choices: []api.Choice{{Delta: &api.ChatDelta{
					ToolCalls: []api.DeltaToolCall{{
						Index:    &idx,
						Function: api.FunctionCall{Arguments: ev.Delta.PartialJSON},
					}},
				}}},
			}, false, nil
		}
		return nil, false, nil

	case "message_delta":
		chunk := &api.ChatResponse{Object: "chat.completion.chunk"}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			chunk.Choices = []api.Choice{{
				Delta:              &api.ChatDelta{},
				FinishReason:       mapStopReason(ev.Delta.StopReason),
				NativeFinishReason: ev.Delta.StopReason,
			}}
		}
		if ev.Usage != nil {
			chunk.Usage = &api.ResponseUsage{
				CompletionTokens: ev.Usage.OutputTokens,
				PromptTokens:     ev.Usage.InputTokens,
			}
		}
		if chunk.Choices == nil && chunk.Usage == nil {
			return nil, false, nil
		}
		return chunk, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		if ev.Error != nil {
			return nil, false, fmt.Errorf("upstream stream error (%s): %s", ev.Error.Type, ev.Error.Message)
		}
		return nil, false, fmt.Errorf("upstream stream error")

	case "ping", "content_block_stop":
		return nil, false, nil
	}

	// unknown event types are ignored rather than fatal
	return nil, false, nil
}
