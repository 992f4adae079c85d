package api

// StreamEvent is the provider-agnostic incremental event exchanged between
// the stream normalizer and the protocol adapters. It is the one wire format
// this gateway fixes: adapters re-encode it, they never see raw provider
// chunks.
type StreamEvent struct {
	Type EventType `json:"type"`

	// text-delta
	Text string `json:"text,omitempty"`

	// tool-call-start / tool-call-arg-delta
	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	ArgDelta string `json:"arg_delta,omitempty"`

	// finish; carries merged usage when the provider reported it
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        *ResponseUsage `json:"usage,omitempty"`

	// error
	ErrKind string `json:"error_kind,omitempty"`
	ErrMsg  string `json:"error_message,omitempty"`
}

type EventType string

const (
	EventRoleStart        EventType = "role-start"
	EventBlockStart       EventType = "block-start"
	EventTextDelta        EventType = "text-delta"
	EventToolCallStart    EventType = "tool-call-start"
	EventToolCallArgDelta EventType = "tool-call-arg-delta"
	EventBlockStop        EventType = "block-stop"
	EventFinish           EventType = "finish"
	EventError            EventType = "error"
)

// Finish reasons in normalized form.
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// Terminal reports whether the event ends the logical response.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventFinish || e.Type == EventError
}

// ChunkError marks a provider chunk the codec could not decode. The
// normalizer turns it into an error event instead of crashing the stream.
type ChunkError struct {
	Raw   []byte
	Cause error
}

func (e *ChunkError) Error() string {
	return "unparseable stream chunk: " + e.Cause.Error()
}

func (e *ChunkError) Unwrap() error { return e.Cause }
