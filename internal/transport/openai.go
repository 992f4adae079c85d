package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/pkg/api"
)

func init() {
	RegisterCodec("openai", &openaiCodec{})
}

// openaiCodec speaks the chat-completions dialect. The unified request and
// chunk shapes follow it closely, so transformation is mostly passthrough.
type openaiCodec struct{}

func (c *openaiCodec) Path() string { return "/chat/completions" }

func (c *openaiCodec) Headers(d registry.Deployment) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + d.Provider.APIKey,
	}
	for k, v := range d.Provider.Headers {
		headers[k] = v
	}
	return headers
}

func (c *openaiCodec) BuildRequest(req *api.ChatRequest, upstreamModel string, stream bool) (interface{}, error) {
	out := *req
	out.Model = upstreamModel
	out.Stream = stream
	out.Dialect = ""
	if stream {
		out.StreamOptions = &api.StreamOptions{IncludeUsage: true}
	}
	return &out, nil
}

func (c *openaiCodec) ParseResponse(data []byte) (*api.ChatResponse, error) {
	var resp api.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error in response body: %s", resp.Error.Message)
	}
	return &resp, nil
}

func (c *openaiCodec) ParseChunk(data []byte) (*api.ChatResponse, bool, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("[DONE]")) {
		return nil, true, nil
	}

	var chunk api.ChatResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, err
	}
	return &chunk, false, nil
}
