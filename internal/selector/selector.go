package selector

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cobalt-labs/relay/internal/health"
	"github.com/cobalt-labs/relay/internal/registry"
)

// Policy names the candidate-ordering strategy.
type Policy string

const (
	RoundRobin     Policy = "round_robin"
	LeastBusy      Policy = "least_busy"
	WeightedRandom Policy = "weighted_random"
	LatencyBased   Policy = "latency_based"
)

// Selector turns a logical model name into an ordered, deduplicated
// candidate chain for the executor. Cooled-down deployments are sorted last
// rather than removed so the executor keeps a fallback chain; when every
// candidate is cooled down the LastResort flag decides whether the chain is
// returned at all.
type Selector struct {
	registry *registry.Registry
	tracker  *health.Tracker

	// LastResort allows selecting cooled-down deployments when no healthy
	// one exists, instead of failing the call outright.
	LastResort bool

	mu       sync.Mutex
	rrCursor map[string]int
	rng      *rand.Rand

	now func() time.Time
}

func New(reg *registry.Registry, tracker *health.Tracker, lastResort bool) *Selector {
	return &Selector{
		registry:   reg,
		tracker:    tracker,
		LastResort: lastResort,
		rrCursor:   make(map[string]int),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

// Candidates returns the ordered deployment chain for the model name.
// Unknown names yield an empty chain.
func (s *Selector) Candidates(modelName string, policy Policy) []registry.Deployment {
	pool := s.registry.ListByModel(modelName)
	if len(pool) == 0 {
		return nil
	}

	now := s.now()
	healthy := make([]registry.Deployment, 0, len(pool))
	cooled := make([]registry.Deployment, 0)
	seen := make(map[string]bool, len(pool))
	for _, d := range pool {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if s.tracker.IsCooledDown(d.ID, now) {
			cooled = append(cooled, d)
		} else {
			healthy = append(healthy, d)
		}
	}

	if len(healthy) == 0 {
		if !s.LastResort {
			return nil
		}
		// least-recent failure first: the one that has been quiet the
		// longest is the best bet
		sort.SliceStable(cooled, func(i, j int) bool {
			return s.tracker.LastFailure(cooled[i].ID).Before(s.tracker.LastFailure(cooled[j].ID))
		})
		return cooled
	}

	s.order(modelName, policy, healthy)

	// higher priority wins regardless of policy; stable sort keeps the
	// policy ordering within a priority tier
	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].Priority > healthy[j].Priority
	})

	sort.SliceStable(cooled, func(i, j int) bool {
		return s.tracker.LastFailure(cooled[i].ID).Before(s.tracker.LastFailure(cooled[j].ID))
	})

	return append(healthy, cooled...)
}

func (s *Selector) order(modelName string, policy Policy, pool []registry.Deployment) {
	switch policy {
	case LeastBusy:
		sort.SliceStable(pool, func(i, j int) bool {
			return s.tracker.Inflight(pool[i].ID) < s.tracker.Inflight(pool[j].ID)
		})
	case LatencyBased:
		sort.SliceStable(pool, func(i, j int) bool {
			return s.tracker.AvgLatency(pool[i].ID) < s.tracker.AvgLatency(pool[j].ID)
		})
	case WeightedRandom:
		s.weightedShuffle(pool)
	default: // RoundRobin
		s.rotate(modelName, pool)
	}
}

func (s *Selector) rotate(modelName string, pool []registry.Deployment) {
	s.mu.Lock()
	cursor := s.rrCursor[modelName]
	s.rrCursor[modelName] = cursor + 1
	s.mu.Unlock()

	k := cursor % len(pool)
	rotated := append(append([]registry.Deployment(nil), pool[k:]...), pool[:k]...)
	copy(pool, rotated)
}

// weightedShuffle reorders the pool by repeated weighted draws without
// replacement. Zero weight counts as one.
func (s *Selector) weightedShuffle(pool []registry.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(pool)-1; i++ {
		total := 0
		for _, d := range pool[i:] {
			total += max(d.Weight, 1)
		}
		pick := s.rng.Intn(total)
		for j := i; j < len(pool); j++ {
			pick -= max(pool[j].Weight, 1)
			if pick < 0 {
				pool[i], pool[j] = pool[j], pool[i]
				break
			}
		}
	}
}
