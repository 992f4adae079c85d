package adapter

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobalt-labs/relay/pkg/api"
)

func encodeAll(t *testing.T, enc Encoder, events ...api.StreamEvent) []Frame {
	t.Helper()
	var frames []Frame
	for _, ev := range events {
		out, err := enc.Encode(ev)
		require.NoError(t, err)
		frames = append(frames, out...)
	}
	return frames
}

func textEvents(text string) []api.StreamEvent {
	return []api.StreamEvent{
		{Type: api.EventRoleStart},
		{Type: api.EventBlockStart},
		{Type: api.EventTextDelta, Text: text},
		{Type: api.EventBlockStop},
		{Type: api.EventFinish, FinishReason: api.FinishStop,
			Usage: &api.ResponseUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}},
	}
}

func TestEventsEncoderFrameShape(t *testing.T) {
	frames := encodeAll(t, NewEventsEncoder(), api.StreamEvent{Type: api.EventTextDelta, Text: "hi"})

	require.Len(t, frames, 1)
	frame := string(frames[0])
	assert.True(t, strings.HasPrefix(frame, "event: text-delta\ndata: "))
	assert.True(t, strings.HasSuffix(frame, "\n\n"))

	payload := strings.TrimPrefix(frame, "event: text-delta\ndata: ")
	var ev api.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(payload)), &ev))
	assert.Equal(t, "hi", ev.Text)
}

func TestEventsEncoderOneFramePerEvent(t *testing.T) {
	frames := encodeAll(t, NewEventsEncoder(), textEvents("hello")...)
	assert.Len(t, frames, 5)
}

func openaiPayloads(t *testing.T, frames []Frame) []*api.ChatResponse {
	t.Helper()
	var chunks []*api.ChatResponse
	for _, f := range frames {
		body := strings.TrimSuffix(strings.TrimPrefix(string(f), "data: "), "\n\n")
		if body == "[DONE]" {
			continue
		}
		var c api.ChatResponse
		require.NoError(t, json.Unmarshal([]byte(body), &c))
		chunks = append(chunks, &c)
	}
	return chunks
}

func TestOpenAIEncoderTextStream(t *testing.T) {
	enc := NewOpenAIEncoder("chatcmpl-1", "gpt-test")
	frames := encodeAll(t, enc, textEvents("hello")...)

	// role, text, finish, [DONE]; block boundaries encode to nothing
	require.Len(t, frames, 4)
	assert.Equal(t, "data: [DONE]\n\n", string(frames[len(frames)-1]))

	chunks := openaiPayloads(t, frames)
	require.Len(t, chunks, 3)

	for _, c := range chunks {
		assert.Equal(t, "chatcmpl-1", c.ID)
		assert.Equal(t, "gpt-test", c.Model)
		assert.Equal(t, "chat.completion.chunk", c.Object)
	}
	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "hello", chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, api.FinishStop, chunks[2].Choices[0].FinishReason)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 4, chunks[2].Usage.TotalTokens)
}

func TestOpenAIEncoderToolCallIndices(t *testing.T) {
	enc := NewOpenAIEncoder("chatcmpl-2", "gpt-test")
	frames := encodeAll(t, enc,
		api.StreamEvent{Type: api.EventRoleStart},
		api.StreamEvent{Type: api.EventToolCallStart, CallID: "call_a", ToolName: "get_weather"},
		api.StreamEvent{Type: api.EventToolCallArgDelta, CallID: "call_a", ArgDelta: `{"x":1}`},
		api.StreamEvent{Type: api.EventToolCallStart, CallID: "call_b", ToolName: "get_time"},
		api.StreamEvent{Type: api.EventToolCallArgDelta, CallID: "call_b", ArgDelta: `{}`},
		api.StreamEvent{Type: api.EventFinish, FinishReason: api.FinishToolCalls},
	)

	chunks := openaiPayloads(t, frames)
	require.Len(t, chunks, 6)

	first := chunks[1].Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, *first.Index)
	assert.Equal(t, "call_a", first.ID)
	assert.Equal(t, "get_weather", first.Function.Name)

	cont := chunks[2].Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, *cont.Index, "continuation reuses the opening index")
	assert.Empty(t, cont.ID)
	assert.Equal(t, `{"x":1}`, cont.Function.Arguments)

	second := chunks[3].Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 1, *second.Index)
	assert.Equal(t, "call_b", second.ID)
}

func TestOpenAIEncoderNothingAfterDone(t *testing.T) {
	enc := NewOpenAIEncoder("chatcmpl-3", "gpt-test")
	_ = encodeAll(t, enc, api.StreamEvent{Type: api.EventFinish, FinishReason: api.FinishStop})

	frames := encodeAll(t, enc, api.StreamEvent{Type: api.EventTextDelta, Text: "late"})
	assert.Empty(t, frames)
}

func TestOpenAIEncoderErrorEvent(t *testing.T) {
	enc := NewOpenAIEncoder("chatcmpl-4", "gpt-test")
	frames := encodeAll(t, enc,
		api.StreamEvent{Type: api.EventError, ErrKind: "transport", ErrMsg: "connection reset"},
	)

	require.Len(t, frames, 2)
	assert.Equal(t, "data: [DONE]\n\n", string(frames[1]))

	chunks := openaiPayloads(t, frames)
	require.NotNil(t, chunks[0].Error)
	assert.Equal(t, "connection reset", chunks[0].Error.Message)
	assert.Equal(t, api.FinishError, chunks[0].Choices[0].FinishReason)
}

func TestJSONEncoderAggregatesToSingleFrame(t *testing.T) {
	enc := NewJSONEncoder("chatcmpl-5", "gpt-test")
	frames := encodeAll(t, enc,
		api.StreamEvent{Type: api.EventRoleStart},
		api.StreamEvent{Type: api.EventBlockStart},
		api.StreamEvent{Type: api.EventTextDelta, Text: "Hel"},
		api.StreamEvent{Type: api.EventTextDelta, Text: "lo"},
		api.StreamEvent{Type: api.EventBlockStop},
		api.StreamEvent{Type: api.EventToolCallStart, CallID: "call_1", ToolName: "lookup"},
		api.StreamEvent{Type: api.EventToolCallArgDelta, CallID: "call_1", ArgDelta: `{"q":`},
		api.StreamEvent{Type: api.EventToolCallArgDelta, CallID: "call_1", ArgDelta: `"go"}`},
		api.StreamEvent{Type: api.EventFinish, FinishReason: api.FinishToolCalls,
			Usage: &api.ResponseUsage{PromptTokens: 8, CompletionTokens: 5, TotalTokens: 13}},
	)

	require.Len(t, frames, 1, "only the terminal event produces a frame")

	var resp api.ChatResponse
	require.NoError(t, json.Unmarshal(frames[0], &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)

	msg := resp.Choices[0].Message
	require.NotNil(t, msg)
	assert.Equal(t, "Hello", msg.Content.Text)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "lookup", msg.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"q":"go"}`, msg.ToolCalls[0].Function.Arguments)
	assert.Equal(t, api.FinishToolCalls, resp.Choices[0].FinishReason)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestJSONEncoderErrorCarriesPartialOutput(t *testing.T) {
	enc := NewJSONEncoder("chatcmpl-6", "gpt-test")
	frames := encodeAll(t, enc,
		api.StreamEvent{Type: api.EventTextDelta, Text: "partial"},
		api.StreamEvent{Type: api.EventError, ErrKind: "transport", ErrMsg: "reset"},
	)

	require.Len(t, frames, 1)
	var resp api.ChatResponse
	require.NoError(t, json.Unmarshal(frames[0], &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "reset", resp.Error.Message)
	assert.Equal(t, "partial", resp.Choices[0].Message.Content.Text)
}
