package health

import (
	"sync"
	"time"
)

// FailureKind classifies a recorded failure. Only transport-retryable
// failures should be fed to the tracker; fatal request errors say nothing
// about deployment health.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureReset     FailureKind = "reset"
	FailureUpstream  FailureKind = "upstream"
	FailureRateLimit FailureKind = "rate_limit"
)

// Config tunes the sliding window and backoff behavior.
type Config struct {
	// WindowSize is the number of recent outcomes kept per deployment.
	WindowSize int `mapstructure:"window_size"`
	// FailureRate in [0,1] over a full window that triggers a cooldown.
	FailureRate float64 `mapstructure:"failure_rate"`
	// ConsecutiveFailures that trigger a cooldown regardless of rate.
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`
	// BaseCooldown is the first cooldown duration; doubles per trip.
	BaseCooldown time.Duration `mapstructure:"base_cooldown"`
	// MaxCooldown bounds the exponential backoff.
	MaxCooldown time.Duration `mapstructure:"max_cooldown"`
}

func DefaultConfig() Config {
	return Config{
		WindowSize:          20,
		FailureRate:         0.5,
		ConsecutiveFailures: 3,
		BaseCooldown:        5 * time.Second,
		MaxCooldown:         5 * time.Minute,
	}
}

type entry struct {
	outcomes    []bool // ring buffer, true = failure
	head        int
	filled      bool
	consecutive int

	latencies []time.Duration // ring of recent success latencies
	latHead   int
	latFilled bool

	inflight int

	cooldownUntil time.Time
	backoffMult   int
	lastFailure   time.Time
}

// Tracker keeps per-deployment rolling failure and latency state. Entries
// are created lazily on first record and cleared after a full window of
// successes. Advisory only: the selector decides what to do with a
// cooled-down deployment.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry

	now func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (t *Tracker) entryFor(id string) *entry {
	e, ok := t.entries[id]
	if !ok {
		e = &entry{
			outcomes:    make([]bool, t.cfg.WindowSize),
			latencies:   make([]time.Duration, t.cfg.WindowSize),
			backoffMult: 1,
		}
		t.entries[id] = e
	}
	return e
}

// RecordSuccess records a successful call and its latency. A success after
// an expired cooldown resets the backoff multiplier; a full window of
// successes drops the entry entirely.
func (t *Tracker) RecordSuccess(id string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return // healthy deployments carry no state
	}

	now := t.now()
	if !e.cooldownUntil.IsZero() && now.After(e.cooldownUntil) {
		e.backoffMult = 1
		e.cooldownUntil = time.Time{}
	}

	e.consecutive = 0
	e.push(false)
	e.pushLatency(latency)

	// streams record success at open; keep the entry while any are live
	if e.filled && e.failureCount() == 0 && e.cooldownUntil.IsZero() && e.inflight == 0 {
		delete(t.entries, id)
	}
}

// RecordFailure records a retryable failure. Crossing the failure-rate or
// consecutive-failure threshold sets cooldown-until by bounded exponential
// backoff.
func (t *Tracker) RecordFailure(id string, kind FailureKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryFor(id)
	now := t.now()

	e.push(true)
	e.consecutive++
	e.lastFailure = now

	tripped := e.consecutive >= t.cfg.ConsecutiveFailures
	if !tripped && e.filled {
		rate := float64(e.failureCount()) / float64(len(e.outcomes))
		tripped = rate >= t.cfg.FailureRate
	}
	// provider rate limits cool immediately; hammering them helps nobody
	if kind == FailureRateLimit {
		tripped = true
	}

	if tripped && now.After(e.cooldownUntil) {
		d := t.cfg.BaseCooldown * time.Duration(e.backoffMult)
		if d > t.cfg.MaxCooldown {
			d = t.cfg.MaxCooldown
		}
		e.cooldownUntil = now.Add(d)
		if e.backoffMult < 1<<16 {
			e.backoffMult *= 2
		}
	}
}

// IsCooledDown reports whether the deployment is excluded at the given time.
func (t *Tracker) IsCooledDown(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	return now.Before(e.cooldownUntil)
}

// LastFailure returns when the deployment last failed; zero if never.
// Last-resort selection orders cooled-down candidates by this.
func (t *Tracker) LastFailure(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		return e.lastFailure
	}
	return time.Time{}
}

// AvgLatency returns the mean of the recorded success latencies, or zero
// when there are no samples.
func (t *Tracker) AvgLatency(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return 0
	}
	n := e.latHead
	if e.latFilled {
		n = len(e.latencies)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += e.latencies[i]
	}
	return sum / time.Duration(n)
}

// IncInflight marks a call in progress against the deployment.
func (t *Tracker) IncInflight(id string) {
	t.mu.Lock()
	t.entryFor(id).inflight++
	t.mu.Unlock()
}

// DecInflight marks a call finished.
func (t *Tracker) DecInflight(id string) {
	t.mu.Lock()
	if e, ok := t.entries[id]; ok && e.inflight > 0 {
		e.inflight--
	}
	t.mu.Unlock()
}

// Inflight returns the number of calls currently running on the deployment.
func (t *Tracker) Inflight(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		return e.inflight
	}
	return 0
}

func (e *entry) push(failure bool) {
	e.outcomes[e.head] = failure
	e.head++
	if e.head == len(e.outcomes) {
		e.head = 0
		e.filled = true
	}
}

func (e *entry) pushLatency(d time.Duration) {
	e.latencies[e.latHead] = d
	e.latHead++
	if e.latHead == len(e.latencies) {
		e.latHead = 0
		e.latFilled = true
	}
}

func (e *entry) failureCount() int {
	n := 0
	for _, f := range e.outcomes {
		if f {
			n++
		}
	}
	return n
}
