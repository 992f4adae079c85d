package gateway

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
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

var ErrModelNotFound = errors.New("no deployments configured for this model")

// Service is the business logic for routing chat requests: resolve the
// logical model to a candidate chain, run it through the failover executor,
// and account for the outcome.
type Service interface {
	Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)
	StreamChat(ctx context.Context, req *api.ChatRequest) (*StreamSession, error)
	Models(ctx context.Context) []ModelInfo
	// OpenRealtime reserves a deployment slot for a long-lived session. The
	// release func must be called when the session ends.
	OpenRealtime(ctx context.Context, modelName string) (registry.Deployment, func(), error)
}

// ModelInfo is the public listing shape for one logical model pool.
type ModelInfo struct {
	Name        string `json:"name"`
	Deployments int    `json:"deployments"`
}

// StreamSession is an open normalized event stream plus the routing
// metadata the caller needs to re-encode it.
type StreamSession struct {
	Events     <-chan api.StreamEvent
	Deployment registry.Deployment
	Attempts   int
}

// Options tune per-service behavior.
type Options struct {
	Policy   selector.Policy
	CacheTTL time.Duration
}

// Deps collects the collaborators the service routes through.
type Deps struct {
	Logger     *zap.Logger
	Registry   *registry.Registry
	Selector   *selector.Selector
	Executor   *executor.Executor
	Normalizer *stream.Normalizer
	Permits    executor.PermitProvider
	Tracker    *health.Tracker
	Ingestor   analytics.Ingestor
	Cache      cache.CacheService
}

type service struct {
	deps Deps
	opts Options
}

func NewService(deps Deps, opts Options) Service {
	if opts.Policy == "" {
		opts.Policy = selector.RoundRobin
	}
	return &service{deps: deps, opts: opts}
}

func (s *service) Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	candidates := s.deps.Selector.Candidates(req.Model, s.opts.Policy)
	if len(candidates) == 0 {
		if !s.deps.Registry.HasModel(req.Model) {
			return nil, ErrModelNotFound
		}
		return nil, executor.ErrNoDeployments
	}

	cacheKey := ""
	if s.cacheable(req) {
		cacheKey = requestCacheKey(req)
		var cached api.ChatResponse
		if err := s.deps.Cache.Get(ctx, cacheKey, &cached); err == nil {
			s.deps.Logger.Debug("cache hit", zap.String("model", req.Model))
			return &cached, nil
		}
	}

	start := time.Now()
	res, err := s.deps.Executor.Execute(ctx, req, candidates)
	if err != nil {
		s.logFailure(req, err, time.Since(start))
		return nil, err
	}

	s.logSuccess(req, res.Response, res.Deployment, res.Attempts, time.Since(start), false, nil)

	if cacheKey != "" {
		if err := s.deps.Cache.Set(ctx, cacheKey, res.Response, s.opts.CacheTTL); err != nil {
			s.deps.Logger.Warn("cache set failed", zap.Error(err))
		}
	}

	return res.Response, nil
}

func (s *service) StreamChat(ctx context.Context, req *api.ChatRequest) (*StreamSession, error) {
	candidates := s.deps.Selector.Candidates(req.Model, s.opts.Policy)
	if len(candidates) == 0 {
		if !s.deps.Registry.HasModel(req.Model) {
			return nil, ErrModelNotFound
		}
		return nil, executor.ErrNoDeployments
	}

	start := time.Now()
	sres, err := s.deps.Executor.ExecuteStream(ctx, req, candidates)
	if err != nil {
		s.logFailure(req, err, time.Since(start))
		return nil, err
	}

	events := s.deps.Normalizer.Run(ctx, sres.Stream)
	out := make(chan api.StreamEvent, 16)

	go func() {
		defer close(out)
		defer sres.Release()

		var ttft *int64
		for ev := range events {
			if ttft == nil {
				ms := time.Since(start).Milliseconds()
				ttft = &ms
			}
			if ev.Terminal() {
				s.logStreamOutcome(req, ev, sres, time.Since(start), ttft)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// drain the rest so the normalizer can shut down
				for range events {
				}
				return
			}
		}
	}()

	return &StreamSession{
		Events:     out,
		Deployment: sres.Deployment,
		Attempts:   sres.Attempts,
	}, nil
}

func (s *service) Models(ctx context.Context) []ModelInfo {
	names := s.deps.Registry.ModelNames()
	out := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ModelInfo{
			Name:        name,
			Deployments: len(s.deps.Registry.ListByModel(name)),
		})
	}
	return out
}

func (s *service) OpenRealtime(ctx context.Context, modelName string) (registry.Deployment, func(), error) {
	candidates := s.deps.Selector.Candidates(modelName, s.opts.Policy)
	if len(candidates) == 0 {
		return registry.Deployment{}, nil, ErrModelNotFound
	}

	d := candidates[0]
	release, err := s.deps.Permits.Acquire(ctx, d.ID)
	if err != nil {
		return registry.Deployment{}, nil, err
	}
	s.deps.Tracker.IncInflight(d.ID)

	done := func() {
		s.deps.Tracker.DecInflight(d.ID)
		release()
	}
	return d, done, nil
}

// cacheable gates response caching to deterministic, side-effect-free
// requests.
func (s *service) cacheable(req *api.ChatRequest) bool {
	return s.opts.CacheTTL > 0 &&
		s.deps.Cache != nil &&
		!req.Stream &&
		req.Temperature == 0 &&
		len(req.Tools) == 0
}

func requestCacheKey(req *api.ChatRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return "chat:" + hex.EncodeToString(sum[:])
}

func (s *service) logSuccess(req *api.ChatRequest, resp *api.ChatResponse, d registry.Deployment, attempts int, elapsed time.Duration, streamed bool, ttft *int64) {
	if s.deps.Ingestor == nil {
		return
	}
	rec := &model.CallRecord{
		ID:            recordID(resp),
		ModelName:     req.Model,
		DeploymentID:  d.ID,
		ProviderKind:  d.Provider.Kind,
		UpstreamModel: upstreamModel(d),
		Attempts:      attempts,
		LatencyMS:     elapsed.Milliseconds(),
		IsStreamed:    streamed,
		Outcome:       "ok",
		CreatedAt:     time.Now(),
	}
	if ttft != nil {
		rec.TTFTMS = sql.NullInt64{Int64: *ttft, Valid: true}
	}
	if resp != nil {
		if len(resp.Choices) > 0 {
			rec.FinishReason = resp.Choices[0].FinishReason
		}
		if resp.Usage != nil {
			rec.PromptTokens = resp.Usage.PromptTokens
			rec.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	s.deps.Ingestor.Log(rec)
}

func (s *service) logStreamOutcome(req *api.ChatRequest, ev api.StreamEvent, sres *executor.StreamResult, elapsed time.Duration, ttft *int64) {
	if s.deps.Ingestor == nil {
		return
	}
	rec := &model.CallRecord{
		ID:            uuid.NewString(),
		ModelName:     req.Model,
		DeploymentID:  sres.Deployment.ID,
		ProviderKind:  sres.Deployment.Provider.Kind,
		UpstreamModel: upstreamModel(sres.Deployment),
		Attempts:      sres.Attempts,
		FinishReason:  ev.FinishReason,
		LatencyMS:     elapsed.Milliseconds(),
		IsStreamed:    true,
		Outcome:       "ok",
		CreatedAt:     time.Now(),
	}
	if ev.Type == api.EventError {
		rec.Outcome = "error"
		rec.ErrorKind = ev.ErrKind
	}
	if ev.Usage != nil {
		rec.PromptTokens = ev.Usage.PromptTokens
		rec.OutputTokens = ev.Usage.CompletionTokens
	}
	if ttft != nil {
		rec.TTFTMS = sql.NullInt64{Int64: *ttft, Valid: true}
	}
	s.deps.Ingestor.Log(rec)
}

func (s *service) logFailure(req *api.ChatRequest, err error, elapsed time.Duration) {
	if s.deps.Ingestor == nil {
		return
	}
	outcome := "error"
	var exhausted *executor.ExhaustedError
	var budget *executor.BudgetExceededError
	if errors.As(err, &exhausted) || errors.As(err, &budget) {
		outcome = "exhausted"
	}
	s.deps.Ingestor.Log(&model.CallRecord{
		ID:        uuid.NewString(),
		ModelName: req.Model,
		LatencyMS: elapsed.Milliseconds(),
		Outcome:   outcome,
		ErrorKind: errKind(err),
		CreatedAt: time.Now(),
	})
}

func recordID(resp *api.ChatResponse) string {
	if resp != nil && resp.ID != "" {
		return resp.ID
	}
	return uuid.NewString()
}

func upstreamModel(d registry.Deployment) string {
	if d.Provider.Model != "" {
		return d.Provider.Model
	}
	return d.ModelName
}

func errKind(err error) string {
	var callErr *executor.CallError
	if errors.As(err, &callErr) {
		return string(callErr.Kind)
	}
	return "internal"
}
