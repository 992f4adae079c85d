package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cobalt-labs/relay/internal/analytics"
	"github.com/cobalt-labs/relay/internal/executor"
	"github.com/cobalt-labs/relay/internal/health"
	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/internal/selector"
	"github.com/cobalt-labs/relay/internal/store/cache"
	"github.com/cobalt-labs/relay/internal/store/model"
	"github.com/cobalt-labs/relay/internal/stream"
	"github.com/cobalt-labs/relay/pkg/api"
)

type fakeTransport struct {
	mu       sync.Mutex
	failing  map[string]error
	calls    []string
	response *api.ChatResponse
	chunks   []*api.ChatResponse
}

func (t *fakeTransport) record(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, id)
	return t.failing[id]
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *fakeTransport) Invoke(ctx context.Context, d registry.Deployment, req *api.ChatRequest) (*api.ChatResponse, error) {
	if err := t.record(d.ID); err != nil {
		return nil, err
	}
	return t.response, nil
}

func (t *fakeTransport) InvokeStreaming(ctx context.Context, d registry.Deployment, req *api.ChatRequest) (executor.Stream, error) {
	if err := t.record(d.ID); err != nil {
		return nil, err
	}
	return &fakeStream{chunks: t.chunks}, nil
}

type fakeStream struct {
	chunks []*api.ChatResponse
	pos    int
}

func (s *fakeStream) Recv() (*api.ChatResponse, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

type captureIngestor struct {
	mu   sync.Mutex
	recs []*model.CallRecord
}

func (c *captureIngestor) Log(rec *model.CallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureIngestor) Start(ctx context.Context) {}
func (c *captureIngestor) Stop()                     {}

func (c *captureIngestor) records() []*model.CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.CallRecord, len(c.recs))
	copy(out, c.recs)
	return out
}

var _ analytics.Ingestor = (*captureIngestor)(nil)

type fixture struct {
	svc       Service
	transport *fakeTransport
	ingestor  *captureIngestor
	registry  *registry.Registry
}

func newFixture(t *testing.T, opts Options, deployments ...registry.Deployment) *fixture {
	t.Helper()

	reg := registry.New()
	for _, d := range deployments {
		require.NoError(t, reg.Add(d))
	}

	tracker := health.NewTracker(health.DefaultConfig())
	sel := selector.New(reg, tracker, false)
	permits := executor.NewPermits(executor.PermitConfig{})
	transport := &fakeTransport{
		failing: make(map[string]error),
		response: &api.ChatResponse{
			ID:      "resp-1",
			Choices: []api.Choice{{Message: &api.ChatMessage{Role: "assistant"}, FinishReason: "stop"}},
			Usage:   &api.ResponseUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		},
	}
	exec := executor.New(transport, tracker, permits, executor.DefaultConfig(), zap.NewNop())
	ingestor := &captureIngestor{}

	svc := NewService(Deps{
		Logger:     zap.NewNop(),
		Registry:   reg,
		Selector:   sel,
		Executor:   exec,
		Normalizer: stream.NewNormalizer(50 * time.Millisecond),
		Permits:    permits,
		Tracker:    tracker,
		Ingestor:   ingestor,
		Cache:      cache.NewMemoryCache(),
	}, opts)

	return &fixture{svc: svc, transport: transport, ingestor: ingestor, registry: reg}
}

func dep(id, modelName string) registry.Deployment {
	return registry.Deployment{
		ID:        id,
		ModelName: modelName,
		Provider:  registry.ProviderDescriptor{Kind: "openai", BaseURL: "http://upstream"},
	}
}

func TestChatFailsOverToHealthyDeployment(t *testing.T) {
	f := newFixture(t, Options{Policy: selector.RoundRobin},
		dep("a", "gpt-test"), dep("b", "gpt-test"), dep("c", "gpt-test"))
	f.transport.failing["a"] = executor.RetryableError(health.FailureTimeout, 0, errors.New("timeout"))
	f.transport.failing["b"] = executor.RetryableError(health.FailureReset, 0, errors.New("reset"))

	resp, err := f.svc.Chat(context.Background(), &api.ChatRequest{
		Model:       "gpt-test",
		Temperature: 0.7,
		Messages:    []api.ChatMessage{{Role: "user", Content: api.Content{Text: "hi"}}},
	})

	require.NoError(t, err)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, 3, f.transport.callCount())

	recs := f.ingestor.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Outcome)
	assert.Equal(t, "c", recs[0].DeploymentID)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, 5, recs[0].PromptTokens)
}

func TestChatUnknownModel(t *testing.T) {
	f := newFixture(t, Options{}, dep("a", "gpt-test"))

	_, err := f.svc.Chat(context.Background(), &api.ChatRequest{Model: "nope"})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestChatExhaustionIsRecorded(t *testing.T) {
	f := newFixture(t, Options{}, dep("a", "gpt-test"), dep("b", "gpt-test"))
	f.transport.failing["a"] = executor.RetryableError(health.FailureUpstream, 500, errors.New("boom"))
	f.transport.failing["b"] = executor.RetryableError(health.FailureUpstream, 500, errors.New("boom"))

	_, err := f.svc.Chat(context.Background(), &api.ChatRequest{Model: "gpt-test"})
	require.Error(t, err)

	var exhausted *executor.ExhaustedError
	require.ErrorAs(t, err, &exhausted)

	recs := f.ingestor.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "exhausted", recs[0].Outcome)
}

func TestChatCachesDeterministicRequests(t *testing.T) {
	f := newFixture(t, Options{CacheTTL: time.Minute}, dep("a", "gpt-test"))

	req := &api.ChatRequest{
		Model:    "gpt-test",
		Messages: []api.ChatMessage{{Role: "user", Content: api.Content{Text: "same"}}},
	}

	first, err := f.svc.Chat(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.transport.callCount(), "second call served from cache")
}

func TestChatSkipsCacheForSampledRequests(t *testing.T) {
	f := newFixture(t, Options{CacheTTL: time.Minute}, dep("a", "gpt-test"))

	req := &api.ChatRequest{
		Model:       "gpt-test",
		Temperature: 0.9,
		Messages:    []api.ChatMessage{{Role: "user", Content: api.Content{Text: "same"}}},
	}

	_, err := f.svc.Chat(context.Background(), req)
	require.NoError(t, err)
	_, err = f.svc.Chat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, f.transport.callCount())
}

func TestStreamChatDeliversNormalizedEvents(t *testing.T) {
	f := newFixture(t, Options{}, dep("a", "gpt-test"))
	f.transport.chunks = []*api.ChatResponse{
		{Choices: []api.Choice{{Delta: &api.ChatDelta{Content: "hel"}}}},
		{Choices: []api.Choice{{Delta: &api.ChatDelta{Content: "lo"}}}},
		{Usage: &api.ResponseUsage{PromptTokens: 2, CompletionTokens: 2}},
		{Choices: []api.Choice{{Delta: &api.ChatDelta{}, FinishReason: "stop"}}},
	}

	sess, err := f.svc.StreamChat(context.Background(), &api.ChatRequest{
		Model:  "gpt-test",
		Stream: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "a", sess.Deployment.ID)

	var events []api.StreamEvent
	for ev := range sess.Events {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, api.EventFinish, final.Type)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 4, final.Usage.TotalTokens)

	recs := f.ingestor.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsStreamed)
	assert.Equal(t, "ok", recs[0].Outcome)
	assert.True(t, recs[0].TTFTMS.Valid)
}

func TestStreamChatFailsOverOnOpen(t *testing.T) {
	f := newFixture(t, Options{}, dep("a", "gpt-test"), dep("b", "gpt-test"))
	f.transport.failing["a"] = executor.RetryableError(health.FailureReset, 0, errors.New("reset"))
	f.transport.chunks = []*api.ChatResponse{
		{Choices: []api.Choice{{Delta: &api.ChatDelta{Content: "ok"}, FinishReason: ""}}},
		{Choices: []api.Choice{{Delta: &api.ChatDelta{}, FinishReason: "stop"}}},
	}

	sess, err := f.svc.StreamChat(context.Background(), &api.ChatRequest{Model: "gpt-test", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "b", sess.Deployment.ID)
	assert.Equal(t, 2, sess.Attempts)

	for range sess.Events {
	}
}

func TestModelsListsPools(t *testing.T) {
	f := newFixture(t, Options{},
		dep("a", "gpt-test"), dep("b", "gpt-test"), dep("c", "claude-test"))

	models := f.svc.Models(context.Background())
	byName := make(map[string]int)
	for _, m := range models {
		byName[m.Name] = m.Deployments
	}
	assert.Equal(t, 2, byName["gpt-test"])
	assert.Equal(t, 1, byName["claude-test"])
}

func TestOpenRealtimeReservesAndReleases(t *testing.T) {
	f := newFixture(t, Options{}, dep("a", "gpt-test"))

	d, release, err := f.svc.OpenRealtime(context.Background(), "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)
	require.NotNil(t, release)
	release()

	_, _, err = f.svc.OpenRealtime(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrModelNotFound)
}
