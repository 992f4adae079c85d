package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cobalt-labs/relay/internal/adapter"
	"github.com/cobalt-labs/relay/internal/executor"
	"github.com/cobalt-labs/relay/internal/gateway"
	"github.com/cobalt-labs/relay/internal/server/validator"
	"github.com/cobalt-labs/relay/pkg/api"
)

type ChatHandler struct {
	service gateway.Service
}

func NewChatHandler(service gateway.Service) *ChatHandler {
	return &ChatHandler{service: service}
}

func (h *ChatHandler) CreateCompletion(c *gin.Context) {
	var req api.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// returns RFC compliant error
		_ = c.Error(api.ValidationError(validator.ParseValidationError(err)))
		return
	}

	if req.Stream {
		if req.Dialect == "json" {
			h.handleAggregated(c, &req)
			return
		}
		h.handleStream(c, &req)
		return
	}

	resp, err := h.service.Chat(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(mapRoutingError(err))
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) handleStream(c *gin.Context, req *api.ChatRequest) {
	sess, err := h.service.StreamChat(c.Request.Context(), req)
	if err != nil {
		// the stream has not started; a regular error body is still possible
		problem := mapRoutingError(err)
		c.JSON(problem.Status, problem)
		return
	}

	enc := encoderFor(req)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-sess.Events
		if !ok {
			return false
		}

		frames, err := enc.Encode(ev)
		if err != nil {
			return false
		}
		for _, frame := range frames {
			if _, err := w.Write(frame); err != nil {
				return false
			}
		}
		return true
	})
}

// handleAggregated streams from the upstream deployment but collapses the
// event sequence into one JSON body. Useful for clients that want failover
// and normalization without consuming SSE.
func (h *ChatHandler) handleAggregated(c *gin.Context, req *api.ChatRequest) {
	sess, err := h.service.StreamChat(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(mapRoutingError(err))
		return
	}

	enc := adapter.NewJSONEncoder("chatcmpl-"+uuid.NewString(), req.Model)

	var body adapter.Frame
	for ev := range sess.Events {
		frames, encErr := enc.Encode(ev)
		if encErr != nil {
			_ = c.Error(api.InternalError("Failed to aggregate stream", encErr))
			return
		}
		if len(frames) > 0 {
			body = frames[len(frames)-1]
		}
	}

	if body == nil {
		_ = c.Error(api.InternalError("Stream ended without a terminal event", nil))
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// encoderFor picks the downstream wire dialect. The default is
// chunk-shaped SSE; "events" exposes the normalized event frames directly.
func encoderFor(req *api.ChatRequest) adapter.Encoder {
	switch req.Dialect {
	case "events":
		return adapter.NewEventsEncoder()
	default:
		return adapter.NewOpenAIEncoder("chatcmpl-"+uuid.NewString(), req.Model)
	}
}

// mapRoutingError translates routing failures to client-facing problems.
func mapRoutingError(err error) *api.Problem {
	switch {
	case errors.Is(err, gateway.ErrModelNotFound):
		return api.NotFoundError("No deployments are configured for the requested model")
	case errors.Is(err, executor.ErrNoDeployments):
		return api.NewError(http.StatusServiceUnavailable,
			"No Healthy Deployments",
			"Every deployment for this model is cooling down. Retry shortly.")
	}

	var callErr *executor.CallError
	if errors.As(err, &callErr) && !callErr.Retryable {
		if callErr.Status >= 400 && callErr.Status < 500 {
			return api.NewError(callErr.Status, "Upstream Rejected Request", callErr.Err.Error())
		}
		return api.UpstreamProblem("The upstream provider rejected the request", err)
	}

	var exhausted *executor.ExhaustedError
	var budget *executor.BudgetExceededError
	if errors.As(err, &exhausted) || errors.As(err, &budget) {
		return api.UpstreamProblem("All deployments failed for this request", err)
	}

	return api.InternalError("Failed to process chat request", err)
}
