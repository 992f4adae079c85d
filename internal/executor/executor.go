package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cobalt-labs/relay/internal/health"
	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/pkg/api"
)

// Transport opens calls against one deployment. Implementations classify
// their failures as *CallError so the failover loop stays provider-blind.
type Transport interface {
	Invoke(ctx context.Context, d registry.Deployment, req *api.ChatRequest) (*api.ChatResponse, error)
	InvokeStreaming(ctx context.Context, d registry.Deployment, req *api.ChatRequest) (Stream, error)
}

// Stream is a live incremental response in the unified chunk shape.
type Stream interface {
	// Recv returns the next chunk, io.EOF at end of stream.
	Recv() (*api.ChatResponse, error)
	Close() error
}

// Config bounds the failover loop.
type Config struct {
	// MaxAttempts caps tries across the candidate chain; zero means one try
	// per candidate.
	MaxAttempts int `mapstructure:"max_attempts"`
	// PerTryTimeout bounds each individual transport invocation.
	PerTryTimeout time.Duration `mapstructure:"per_try_timeout"`
	// TotalBudget bounds the whole loop in wall-clock time.
	TotalBudget time.Duration `mapstructure:"total_budget"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		PerTryTimeout: 60 * time.Second,
		TotalBudget:   120 * time.Second,
	}
}

// Executor runs a request down a candidate chain: acquire the deployment's
// permit, invoke with a bounded timeout, fail over on retryable errors,
// abort on fatal ones. Health outcomes are recorded per attempt.
type Executor struct {
	transport Transport
	tracker   *health.Tracker
	permits   PermitProvider
	cfg       Config
	logger    *zap.Logger
}

func New(transport Transport, tracker *health.Tracker, permits PermitProvider, cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1<<31 - 1
	}
	return &Executor{
		transport: transport,
		tracker:   tracker,
		permits:   permits,
		cfg:       cfg,
		logger:    logger,
	}
}

// Result carries the winning response and which deployment produced it.
type Result struct {
	Response   *api.ChatResponse
	Deployment registry.Deployment
	Attempts   int
}

// StreamResult carries an open stream and which deployment serves it. The
// release func frees the deployment's permit and must be called when the
// stream is drained or abandoned.
type StreamResult struct {
	Stream     Stream
	Deployment registry.Deployment
	Attempts   int
	Release    func()
}

// Execute runs a unary call down the chain.
func (e *Executor) Execute(ctx context.Context, req *api.ChatRequest, candidates []registry.Deployment) (*Result, error) {
	res, _, err := e.run(ctx, req, candidates, false)
	return res, err
}

// ExecuteStream opens a streaming call down the chain. Failover applies
// until a stream is successfully opened; mid-stream failures are the
// normalizer's problem, partial output is never retracted.
func (e *Executor) ExecuteStream(ctx context.Context, req *api.ChatRequest, candidates []registry.Deployment) (*StreamResult, error) {
	_, sres, err := e.run(ctx, req, candidates, true)
	return sres, err
}

func (e *Executor) run(ctx context.Context, req *api.ChatRequest, candidates []registry.Deployment, streaming bool) (*Result, *StreamResult, error) {
	if len(candidates) == 0 {
		return nil, nil, ErrNoDeployments
	}

	deadline := time.Time{}
	if e.cfg.TotalBudget > 0 {
		deadline = time.Now().Add(e.cfg.TotalBudget)
	}

	attempts := 0
	var lastErr error

	for _, d := range candidates {
		if attempts >= e.cfg.MaxAttempts {
			return nil, nil, &BudgetExceededError{Attempts: attempts, Last: lastErr}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, nil, &BudgetExceededError{Attempts: attempts, Last: lastErr}
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		attempts++
		res, sres, err := e.attempt(ctx, d, req, streaming)
		if err == nil {
			if res != nil {
				res.Attempts = attempts
			}
			if sres != nil {
				sres.Attempts = attempts
			}
			return res, sres, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			// client went away; not the deployment's fault
			return nil, nil, ctx.Err()
		}
		var callErr *CallError
		if errors.As(err, &callErr) && !callErr.Retryable {
			// every sibling deployment would fail identically; surface now
			return nil, nil, callErr
		}

		e.tracker.RecordFailure(d.ID, failureKind(err))
		e.logger.Warn("deployment attempt failed, failing over",
			zap.String("deployment", d.ID),
			zap.String("model", d.ModelName),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
	}

	return nil, nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func (e *Executor) attempt(ctx context.Context, d registry.Deployment, req *api.ChatRequest, streaming bool) (*Result, *StreamResult, error) {
	release, err := e.permits.Acquire(ctx, d.ID)
	if err != nil {
		return nil, nil, err
	}

	e.tracker.IncInflight(d.ID)
	start := time.Now()

	if streaming {
		// no per-try timeout here: it would tear the stream down while the
		// client is still draining it. The transport's own connect timeout
		// and the caller's context bound the open.
		stream, err := e.transport.InvokeStreaming(ctx, d, req)
		if err != nil {
			e.tracker.DecInflight(d.ID)
			release()
			return nil, nil, err
		}
		e.tracker.RecordSuccess(d.ID, time.Since(start))
		done := func() {
			e.tracker.DecInflight(d.ID)
			release()
		}
		return nil, &StreamResult{Stream: stream, Deployment: d, Release: done}, nil
	}

	callCtx := ctx
	var cancel context.CancelFunc = func() {}
	if e.cfg.PerTryTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.PerTryTimeout)
	}
	resp, err := e.transport.Invoke(callCtx, d, req)
	cancel()

	e.tracker.DecInflight(d.ID)
	release()

	if err != nil {
		return nil, nil, err
	}

	e.tracker.RecordSuccess(d.ID, time.Since(start))
	return &Result{Response: resp, Deployment: d}, nil, nil
}

func failureKind(err error) health.FailureKind {
	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Kind != "" {
		return callErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return health.FailureTimeout
	}
	return health.FailureReset
}
