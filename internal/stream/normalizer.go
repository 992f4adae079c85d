package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cobalt-labs/relay/internal/executor"
	"github.com/cobalt-labs/relay/pkg/api"
)

// DefaultUsageGrace is how long the normalizer holds the terminal event
// waiting for a trailing usage chunk. Providers that report usage after the
// finish signal do so within a few frames; this default is deliberately
// conservative and tunable, not tuned to any one provider.
const DefaultUsageGrace = 500 * time.Millisecond

// Normalizer reconstructs one coherent incremental response from a
// deployment's unified chunk stream: multi-chunk tool-call assembly,
// finish-reason correction, usage merging and block boundary repair. All
// state is scoped to a single response and owned by the goroutine Run
// spawns.
//
// Only the first choice of each chunk is considered; the gateway always
// requests a single completion.
type Normalizer struct {
	// UsageGrace bounds the wait for usage after the terminal signal.
	UsageGrace time.Duration
}

func NewNormalizer(usageGrace time.Duration) *Normalizer {
	if usageGrace <= 0 {
		usageGrace = DefaultUsageGrace
	}
	return &Normalizer{UsageGrace: usageGrace}
}

type chunkOrErr struct {
	chunk *api.ChatResponse
	err   error
}

// Run consumes the stream and emits normalized events until the terminal
// event. The returned channel is closed after exactly one terminal event
// (finish or error), or on context cancellation. Run closes the stream.
func (n *Normalizer) Run(ctx context.Context, s executor.Stream) <-chan api.StreamEvent {
	out := make(chan api.StreamEvent, 16)
	chunks := make(chan chunkOrErr)
	done := make(chan struct{})

	go func() {
		for {
			chunk, err := s.Recv()
			select {
			case chunks <- chunkOrErr{chunk: chunk, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer func() { _ = s.Close() }()

		st := newResponseState()
		var grace <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case <-grace:
				// usage never came; emit the terminal event without it
				st.emitTerminal(ctx, out)
				return

			case ce := <-chunks:
				if ce.err != nil {
					if errors.Is(ce.err, io.EOF) {
						st.emitTerminal(ctx, out)
					} else {
						st.emitError(ctx, out, ce.err)
					}
					return
				}

				st.apply(ctx, out, ce.chunk)

				if st.finishSeen && st.usage != nil {
					st.emitTerminal(ctx, out)
					return
				}
				if st.finishSeen && grace == nil {
					grace = time.After(n.UsageGrace)
				}
			}
		}
	}()

	return out
}

// responseState is the per-response half of the Start -> Streaming ->
// Terminal machine.
type responseState struct {
	roleStarted bool
	openText    bool

	toolCalls   map[string]string // call key -> call id
	lastToolKey string

	finishSeen bool
	reason     string
	usage      *api.ResponseUsage
}

func newResponseState() *responseState {
	return &responseState{toolCalls: make(map[string]string)}
}

func send(ctx context.Context, out chan<- api.StreamEvent, ev api.StreamEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (st *responseState) apply(ctx context.Context, out chan<- api.StreamEvent, chunk *api.ChatResponse) {
	if chunk.Usage != nil {
		st.mergeUsage(chunk.Usage)
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if !st.roleStarted {
		st.roleStarted = true
		send(ctx, out, api.StreamEvent{Type: api.EventRoleStart})
	}

	if choice.Delta != nil {
		if choice.Delta.Content != "" {
			// content after the block's terminal signal reopens a fresh
			// block; textual termination does not terminate the response
			if !st.openText {
				st.openText = true
				send(ctx, out, api.StreamEvent{Type: api.EventBlockStart})
			}
			send(ctx, out, api.StreamEvent{Type: api.EventTextDelta, Text: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			st.applyToolCall(ctx, out, tc)
		}
	}

	if choice.FinishReason != "" {
		st.finishSeen = true
		st.reason = choice.FinishReason
		if st.openText {
			st.openText = false
			send(ctx, out, api.StreamEvent{Type: api.EventBlockStop})
		}
	}
}

func (st *responseState) applyToolCall(ctx context.Context, out chan<- api.StreamEvent, tc api.DeltaToolCall) {
	// the positional index is the stable key: providers carry the call id
	// only on the opening fragment but the index on every continuation
	var key string
	switch {
	case tc.Index != nil:
		key = fmt.Sprintf("idx:%d", *tc.Index)
	case tc.ID != "":
		key = "id:" + tc.ID
	default:
		// continuation with neither id nor index attaches to the last
		// opened call
		key = st.lastToolKey
	}
	if key == "" {
		return
	}

	callID, open := st.toolCalls[key]
	if !open {
		callID = tc.ID
		if callID == "" {
			callID = key
		}
		st.toolCalls[key] = callID
		st.lastToolKey = key
		send(ctx, out, api.StreamEvent{
			Type:     api.EventToolCallStart,
			CallID:   callID,
			ToolName: tc.Function.Name,
		})
	}

	if tc.Function.Arguments != "" {
		send(ctx, out, api.StreamEvent{
			Type:     api.EventToolCallArgDelta,
			CallID:   callID,
			ArgDelta: tc.Function.Arguments,
		})
	}
}

func (st *responseState) mergeUsage(u *api.ResponseUsage) {
	if st.usage == nil {
		st.usage = &api.ResponseUsage{}
	}
	if u.PromptTokens > 0 {
		st.usage.PromptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		st.usage.CompletionTokens = u.CompletionTokens
	}
	st.usage.TotalTokens = st.usage.PromptTokens + st.usage.CompletionTokens
	if u.CompletionTokensDetails != nil {
		st.usage.CompletionTokensDetails = u.CompletionTokensDetails
	}
	if u.PromptTokensDetails != nil {
		st.usage.PromptTokensDetails = u.PromptTokensDetails
	}
}

// emitTerminal closes any open block and emits the single finish event,
// with the corrected reason and whatever usage was merged.
func (st *responseState) emitTerminal(ctx context.Context, out chan<- api.StreamEvent) {
	if st.openText {
		st.openText = false
		send(ctx, out, api.StreamEvent{Type: api.EventBlockStop})
	}

	reason := st.reason
	if reason == "" {
		reason = api.FinishStop
	}
	// a model that opened a tool call and "stopped" is waiting on a tool
	// result, not done talking
	if len(st.toolCalls) > 0 && reason == api.FinishStop {
		reason = api.FinishToolCalls
	}

	send(ctx, out, api.StreamEvent{
		Type:         api.EventFinish,
		FinishReason: reason,
		Usage:        st.usage,
	})
}

// emitError surfaces a mid-stream failure as the terminal event. Output
// already sent is never retracted.
func (st *responseState) emitError(ctx context.Context, out chan<- api.StreamEvent, err error) {
	if st.openText {
		st.openText = false
		send(ctx, out, api.StreamEvent{Type: api.EventBlockStop})
	}

	kind := "transport"
	var chunkErr *api.ChunkError
	if errors.As(err, &chunkErr) {
		kind = "normalization"
	}

	send(ctx, out, api.StreamEvent{
		Type:    api.EventError,
		ErrKind: kind,
		ErrMsg:  err.Error(),
	})
}
