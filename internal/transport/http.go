package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cobalt-labs/relay/internal/executor"
	"github.com/cobalt-labs/relay/internal/health"
	"github.com/cobalt-labs/relay/internal/httpclient"
	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/pkg/api"
)

// HTTPTransport invokes deployments over HTTP using the codec registered
// for each deployment's provider kind. It classifies upstream failures into
// the executor's retryable/fatal taxonomy.
type HTTPTransport struct {
	client httpclient.HTTPClient
}

func NewHTTPTransport(connectTimeout time.Duration) *HTTPTransport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}
}

// NewHTTPTransportWithClient is used by tests to inject a client.
func NewHTTPTransportWithClient(client httpclient.HTTPClient) *HTTPTransport {
	return &HTTPTransport{client: client}
}

func upstreamModel(d registry.Deployment) string {
	if d.Provider.Model != "" {
		return d.Provider.Model
	}
	return d.ModelName
}

func endpoint(d registry.Deployment, c Codec) string {
	return strings.TrimRight(d.Provider.BaseURL, "/") + c.Path()
}

func (t *HTTPTransport) Invoke(ctx context.Context, d registry.Deployment, req *api.ChatRequest) (*api.ChatResponse, error) {
	c, err := LookupCodec(d.Provider.Kind)
	if err != nil {
		return nil, executor.FatalError(0, err)
	}

	body, err := c.BuildRequest(req, upstreamModel(d), false)
	if err != nil {
		return nil, executor.FatalError(0, err)
	}

	var raw json.RawMessage
	if err := httpclient.SendRequest(ctx, t.client, http.MethodPost, endpoint(d, c), c.Headers(d), body, &raw); err != nil {
		return nil, classify(err)
	}

	resp, err := c.ParseResponse(raw)
	if err != nil {
		return nil, executor.RetryableError(health.FailureUpstream, 0, fmt.Errorf("unparseable upstream response: %w", err))
	}
	return resp, nil
}

func (t *HTTPTransport) InvokeStreaming(ctx context.Context, d registry.Deployment, req *api.ChatRequest) (executor.Stream, error) {
	c, err := LookupCodec(d.Provider.Kind)
	if err != nil {
		return nil, executor.FatalError(0, err)
	}

	body, err := c.BuildRequest(req, upstreamModel(d), true)
	if err != nil {
		return nil, executor.FatalError(0, err)
	}

	rc, err := httpclient.OpenStream(ctx, t.client, http.MethodPost, endpoint(d, c), c.Headers(d), body)
	if err != nil {
		return nil, classify(err)
	}

	return &sseStream{
		body:  rc,
		dec:   httpclient.NewSSEDecoder(rc),
		codec: c,
	}, nil
}

// sseStream drains a provider SSE body through the codec, yielding unified
// chunks.
type sseStream struct {
	body  io.ReadCloser
	dec   *httpclient.SSEDecoder
	codec Codec
	done  bool
}

func (s *sseStream) Recv() (*api.ChatResponse, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		data, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// some providers close without an explicit end marker
				s.done = true
				return nil, io.EOF
			}
			return nil, err
		}

		chunk, done, err := s.codec.ParseChunk(data)
		if err != nil {
			return nil, &api.ChunkError{Raw: append([]byte(nil), data...), Cause: err}
		}
		if done {
			s.done = true
			return nil, io.EOF
		}
		if chunk == nil {
			continue // keep-alive or bookkeeping event
		}
		return chunk, nil
	}
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

// classify maps transport-level failures onto the executor taxonomy.
func classify(err error) error {
	var upstream *httpclient.UpstreamError
	if errors.As(err, &upstream) {
		switch {
		case upstream.StatusCode == http.StatusTooManyRequests:
			return executor.RetryableError(health.FailureRateLimit, upstream.StatusCode, err)
		case upstream.StatusCode == http.StatusRequestTimeout:
			return executor.RetryableError(health.FailureTimeout, upstream.StatusCode, err)
		case upstream.StatusCode >= 500:
			return executor.RetryableError(health.FailureUpstream, upstream.StatusCode, err)
		default:
			// 4xx: auth or a malformed request; every sibling would fail too
			return executor.FatalError(upstream.StatusCode, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return executor.RetryableError(health.FailureTimeout, 0, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return executor.RetryableError(health.FailureReset, 0, err)
}
