package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobalt-labs/relay/internal/executor"
	"github.com/cobalt-labs/relay/internal/health"
	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/pkg/api"
)

// cannedClient returns a fixed response and records the request it saw.
type cannedClient struct {
	status  int
	body    string
	lastReq *http.Request
	err     error
}

func (c *cannedClient) Do(req *http.Request) (*http.Response, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: c.status,
		Body:       io.NopCloser(strings.NewReader(c.body)),
		Header:     http.Header{},
	}, nil
}

func openaiDep() registry.Deployment {
	return registry.Deployment{
		ID:        "oai-1",
		ModelName: "gpt-test",
		Provider: registry.ProviderDescriptor{
			Kind:    "openai",
			BaseURL: "https://upstream.example.com/v1",
			APIKey:  "sk-upstream",
			Model:   "gpt-4o-mini",
		},
	}
}

func anthropicDep() registry.Deployment {
	return registry.Deployment{
		ID:        "ant-1",
		ModelName: "claude-test",
		Provider: registry.ProviderDescriptor{
			Kind:    "anthropic",
			BaseURL: "https://api.example.com/v1",
			APIKey:  "sk-ant",
		},
	}
}

func TestInvokeUsesCodecPathAndHeaders(t *testing.T) {
	client := &cannedClient{status: 200, body: `{"id":"r1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`}
	tr := NewHTTPTransportWithClient(client)

	resp, err := tr.Invoke(context.Background(), openaiDep(), &api.ChatRequest{Model: "gpt-test"})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.ID)

	assert.Equal(t, "https://upstream.example.com/v1/chat/completions", client.lastReq.URL.String())
	assert.Equal(t, "Bearer sk-upstream", client.lastReq.Header.Get("Authorization"))
}

func TestInvokeClassifies429AsRetryableRateLimit(t *testing.T) {
	client := &cannedClient{status: 429, body: `{"error":{"message":"slow down"}}`}
	tr := NewHTTPTransportWithClient(client)

	_, err := tr.Invoke(context.Background(), openaiDep(), &api.ChatRequest{Model: "gpt-test"})
	require.Error(t, err)

	var callErr *executor.CallError
	require.ErrorAs(t, err, &callErr)
	assert.True(t, callErr.Retryable)
	assert.Equal(t, health.FailureRateLimit, callErr.Kind)
	assert.Equal(t, 429, callErr.Status)
}

func TestInvokeClassifies401AsFatal(t *testing.T) {
	client := &cannedClient{status: 401, body: `{"error":{"message":"bad key"}}`}
	tr := NewHTTPTransportWithClient(client)

	_, err := tr.Invoke(context.Background(), openaiDep(), &api.ChatRequest{Model: "gpt-test"})
	require.Error(t, err)

	var callErr *executor.CallError
	require.ErrorAs(t, err, &callErr)
	assert.False(t, callErr.Retryable)
}

func TestInvokeClassifies500AsRetryableUpstream(t *testing.T) {
	client := &cannedClient{status: 503, body: `oops`}
	tr := NewHTTPTransportWithClient(client)

	_, err := tr.Invoke(context.Background(), openaiDep(), &api.ChatRequest{Model: "gpt-test"})

	var callErr *executor.CallError
	require.ErrorAs(t, err, &callErr)
	assert.True(t, callErr.Retryable)
	assert.Equal(t, health.FailureUpstream, callErr.Kind)
}

func TestInvokeUnknownProviderKindIsFatal(t *testing.T) {
	tr := NewHTTPTransportWithClient(&cannedClient{status: 200})
	d := openaiDep()
	d.Provider.Kind = "mystery"

	_, err := tr.Invoke(context.Background(), d, &api.ChatRequest{Model: "gpt-test"})

	var callErr *executor.CallError
	require.ErrorAs(t, err, &callErr)
	assert.False(t, callErr.Retryable)
}

func TestInvokeStreamingYieldsUnifiedChunks(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	client := &cannedClient{status: 200, body: sse}
	tr := NewHTTPTransportWithClient(client)

	stream, err := tr.InvokeStreaming(context.Background(), openaiDep(), &api.ChatRequest{Model: "gpt-test", Stream: true})
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hel", first.Choices[0].Delta.Content)

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "lo", second.Choices[0].Delta.Content)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamingUnparseableChunkWrapsRaw(t *testing.T) {
	client := &cannedClient{status: 200, body: "data: not json\n\n"}
	tr := NewHTTPTransportWithClient(client)

	stream, err := tr.InvokeStreaming(context.Background(), openaiDep(), &api.ChatRequest{Model: "gpt-test", Stream: true})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	var chunkErr *api.ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, []byte("not json"), chunkErr.Raw)
}

func TestStreamingEOFWithoutDoneMarker(t *testing.T) {
	client := &cannedClient{status: 200, body: "data: {\"choices\":[{\"delta\":{\"content\":\"cut\"}}]}\n\n"}
	tr := NewHTTPTransportWithClient(client)

	stream, err := tr.InvokeStreaming(context.Background(), openaiDep(), &api.ChatRequest{Model: "gpt-test", Stream: true})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClassifyContextErrors(t *testing.T) {
	deadlineErr := classify(context.DeadlineExceeded)
	var callErr *executor.CallError
	require.ErrorAs(t, deadlineErr, &callErr)
	assert.Equal(t, health.FailureTimeout, callErr.Kind)

	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)

	resetErr := classify(errors.New("connection reset by peer"))
	require.ErrorAs(t, resetErr, &callErr)
	assert.Equal(t, health.FailureReset, callErr.Kind)
}

func TestOpenAIBuildRequestSwapsModelAndForcesUsage(t *testing.T) {
	c, err := LookupCodec("openai")
	require.NoError(t, err)

	req := &api.ChatRequest{Model: "gpt-test", Dialect: "events"}
	body, err := c.BuildRequest(req, "gpt-4o-mini", true)
	require.NoError(t, err)

	out, ok := body.(*api.ChatRequest)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", out.Model)
	assert.True(t, out.Stream)
	assert.Empty(t, out.Dialect, "internal routing fields never reach the wire")
	require.NotNil(t, out.StreamOptions)
	assert.True(t, out.StreamOptions.IncludeUsage)

	// original request untouched
	assert.Equal(t, "gpt-test", req.Model)
	assert.False(t, req.Stream)
}

func TestAnthropicBuildRequest(t *testing.T) {
	c, err := LookupCodec("anthropic")
	require.NoError(t, err)

	req := &api.ChatRequest{
		Model: "claude-test",
		Messages: []api.ChatMessage{
			{Role: "system", Content: api.Content{Text: "be terse"}},
			{Role: "user", Content: api.Content{Text: "hello"}},
		},
		Tools: []api.Tool{{
			Type: "function",
			Function: api.FunctionDescription{
				Name:       "lookup",
				Parameters: map[string]interface{}{"type": "object"},
			},
		}},
	}

	body, err := c.BuildRequest(req, "claude-3-haiku", false)
	require.NoError(t, err)

	ar, ok := body.(*anthropicRequest)
	require.True(t, ok)
	assert.Equal(t, "claude-3-haiku", ar.Model)
	assert.Equal(t, "be terse", ar.System, "system messages lift out of the message array")
	require.Len(t, ar.Messages, 1)
	assert.Equal(t, 4096, ar.MaxTokens, "upstream requires max_tokens")
	require.Len(t, ar.Tools, 1)
	assert.Equal(t, "lookup", ar.Tools[0].Name)
}

func TestAnthropicParseResponseWithToolUse(t *testing.T) {
	c, _ := LookupCodec("anthropic")

	resp, err := c.ParseResponse([]byte(`{
		"id": "msg_1",
		"model": "claude-3-haiku",
		"content": [
			{"type": "text", "text": "checking"},
			{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"q": "go"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`))
	require.NoError(t, err)

	choice := resp.Choices[0]
	assert.Equal(t, api.FinishToolCalls, choice.FinishReason)
	assert.Equal(t, "tool_use", choice.NativeFinishReason)
	assert.Equal(t, "checking", choice.Message.Content.Text)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", choice.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"q":"go"}`, choice.Message.ToolCalls[0].Function.Arguments)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}

func TestAnthropicParseChunkSequence(t *testing.T) {
	c, _ := LookupCodec("anthropic")

	chunk, done, err := c.ParseChunk([]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-3-haiku","usage":{"input_tokens":7}}}`))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
	assert.Equal(t, 7, chunk.Usage.PromptTokens)

	chunk, _, err = c.ParseChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)

	chunk, _, err = c.ParseChunk([]byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`))
	require.NoError(t, err)
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 1, *tc.Index)
	assert.Equal(t, "toolu_1", tc.ID)
	assert.Equal(t, "lookup", tc.Function.Name)

	chunk, _, err = c.ParseChunk([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"q":`, chunk.Choices[0].Delta.ToolCalls[0].Function.Arguments)

	chunk, _, err = c.ParseChunk([]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`))
	require.NoError(t, err)
	assert.Equal(t, api.FinishStop, chunk.Choices[0].FinishReason)
	assert.Equal(t, 9, chunk.Usage.CompletionTokens)

	chunk, done, err = c.ParseChunk([]byte(`{"type":"message_stop"}`))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, chunk)

	chunk, done, err = c.ParseChunk([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, chunk)

	_, _, err = c.ParseChunk([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	assert.ErrorContains(t, err, "overloaded_error")
}

func TestUpstreamModelFallsBackToLogicalName(t *testing.T) {
	d := anthropicDep()
	assert.Equal(t, "claude-test", upstreamModel(d))

	d.Provider.Model = "claude-3-haiku"
	assert.Equal(t, "claude-3-haiku", upstreamModel(d))
}
