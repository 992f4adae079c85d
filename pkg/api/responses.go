package api

type ChatResponse struct {
	ID                string         `json:"id"`
	Choices           []Choice       `json:"choices"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Object            string         `json:"object"` // "chat.completion" or "chat.completion.chunk"
	SystemFingerprint string         `json:"system_fingerprint,omitempty"`
	Usage             *ResponseUsage `json:"usage,omitempty"`

	Error *ErrorResponse `json:"error,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

type Choice struct {
	Index              int            `json:"index"`
	Message            *ChatMessage   `json:"message,omitempty"` // For non-streaming
	Delta              *ChatDelta     `json:"delta,omitempty"`   // For streaming
	FinishReason       string         `json:"finish_reason,omitempty"`
	NativeFinishReason string         `json:"native_finish_reason,omitempty"`
	Error              *ErrorResponse `json:"error,omitempty"`
}

// ChatDelta is the incremental message fragment inside a streamed chunk.
type ChatDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []DeltaToolCall `json:"tool_calls,omitempty"`
}

type ResponseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

type ErrorResponse struct {
	Code     interface{}            `json:"code,omitempty"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// DeltaToolCall is the streaming shape of a tool call fragment. Index is how
// providers attach continuation fragments when they omit the call id.
type DeltaToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}
