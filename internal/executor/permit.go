package executor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PermitProvider hands out per-deployment rate/concurrency permits. Acquire
// blocks until a permit is available or the context is done; the returned
// release func must be called exactly once, including on cancellation.
type PermitProvider interface {
	Acquire(ctx context.Context, deploymentID string) (release func(), err error)
}

// PermitConfig tunes the per-deployment limiter.
type PermitConfig struct {
	// RequestsPerSecond for the token bucket; zero disables rate limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// MaxConcurrent in-flight calls per deployment; zero means unlimited.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

type deploymentPermit struct {
	limiter *rate.Limiter
	sem     chan struct{}
}

// Permits is the default PermitProvider: a token bucket plus a concurrency
// semaphore per deployment, created lazily.
type Permits struct {
	mu   sync.Mutex
	cfg  PermitConfig
	deps map[string]*deploymentPermit
}

func NewPermits(cfg PermitConfig) *Permits {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Permits{cfg: cfg, deps: make(map[string]*deploymentPermit)}
}

func (p *Permits) forDeployment(id string) *deploymentPermit {
	p.mu.Lock()
	defer p.mu.Unlock()

	dp, ok := p.deps[id]
	if !ok {
		dp = &deploymentPermit{}
		if p.cfg.RequestsPerSecond > 0 {
			dp.limiter = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.Burst)
		}
		if p.cfg.MaxConcurrent > 0 {
			dp.sem = make(chan struct{}, p.cfg.MaxConcurrent)
		}
		p.deps[id] = dp
	}
	return dp
}

func (p *Permits) Acquire(ctx context.Context, deploymentID string) (func(), error) {
	dp := p.forDeployment(deploymentID)

	if dp.limiter != nil {
		if err := dp.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if dp.sem != nil {
		select {
		case dp.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		var once sync.Once
		return func() {
			once.Do(func() { <-dp.sem })
		}, nil
	}

	return func() {}, nil
}
