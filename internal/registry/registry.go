package registry

import (
	"fmt"
	"sync"
)

// Deployment is one concrete provider endpoint serving a logical model name.
// Many deployments may share a ModelName, forming a load-balancing pool.
// Deployments are never mutated after registration; health state lives in
// the health tracker so concurrent readers always see a valid record.
type Deployment struct {
	ID        string             `mapstructure:"id" json:"id"`
	ModelName string             `mapstructure:"model_name" json:"model_name"`
	Provider  ProviderDescriptor `mapstructure:"provider" json:"provider"`
	Weight    int                `mapstructure:"weight" json:"weight,omitempty"`
	Priority  int                `mapstructure:"priority" json:"priority,omitempty"`
}

// ProviderDescriptor carries the endpoint/credential details owned by the
// transport. The registry treats it as opaque.
type ProviderDescriptor struct {
	Kind    string `mapstructure:"kind" json:"kind"` // "openai", "anthropic", ...
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	APIKey  string `mapstructure:"api_key" json:"-"`
	// Model is the upstream model id; defaults to the logical ModelName.
	Model   string            `mapstructure:"model" json:"model,omitempty"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// Registry owns the live deployment list plus two derived indices:
// id -> arena position and model name -> positions. Mutations are serialized
// behind the write lock; lookups take the read lock only and never scan the
// arena.
type Registry struct {
	mu     sync.RWMutex
	arena  []Deployment
	byID   map[string]int
	byName map[string][]int
}

func New() *Registry {
	return &Registry{
		byID:   make(map[string]int),
		byName: make(map[string][]int),
	}
}

// Add appends a deployment and updates both indices. Amortized O(1).
func (r *Registry) Add(d Deployment) error {
	if d.ID == "" {
		return fmt.Errorf("deployment has empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("deployment %q already registered", d.ID)
	}

	pos := len(r.arena)
	r.arena = append(r.arena, d)
	r.byID[d.ID] = pos
	r.byName[d.ModelName] = append(r.byName[d.ModelName], pos)
	return nil
}

// Remove deletes the deployment with the given id, compacting the arena by
// moving the last element into the freed slot. Only the moved deployment's
// recorded positions change, keeping removal O(k) in the size of the two
// affected name pools. Removing an unknown id is a reported no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.byID[id]
	if !ok {
		return false
	}

	removed := r.arena[pos]
	delete(r.byID, id)
	r.dropFromName(removed.ModelName, pos)

	last := len(r.arena) - 1
	if pos != last {
		moved := r.arena[last]
		r.arena[pos] = moved
		r.byID[moved.ID] = pos
		r.replaceInName(moved.ModelName, last, pos)
	}
	r.arena = r.arena[:last]
	return true
}

func (r *Registry) dropFromName(name string, pos int) {
	set := r.byName[name]
	for i, p := range set {
		if p == pos {
			set[i] = set[len(set)-1]
			set = set[:len(set)-1]
			break
		}
	}
	if len(set) == 0 {
		delete(r.byName, name)
		return
	}
	r.byName[name] = set
}

func (r *Registry) replaceInName(name string, old, new int) {
	set := r.byName[name]
	for i, p := range set {
		if p == old {
			set[i] = new
			return
		}
	}
}

// GetByID returns the deployment with the given id.
func (r *Registry) GetByID(id string) (Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos, ok := r.byID[id]
	if !ok {
		return Deployment{}, false
	}
	return r.arena[pos], true
}

// HasID reports membership without touching the arena.
func (r *Registry) HasID(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byID[id]
	return ok
}

// ListByModel returns a copy of the pool serving the logical model name,
// O(1+k). An unknown name yields an empty slice.
func (r *Registry) ListByModel(name string) []Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	positions := r.byName[name]
	if len(positions) == 0 {
		return nil
	}
	out := make([]Deployment, 0, len(positions))
	for _, p := range positions {
		out = append(out, r.arena[p])
	}
	return out
}

// HasModel reports whether any deployment serves the logical model name.
func (r *Registry) HasModel(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byName[name]) > 0
}

// ModelNames returns the logical names with at least one deployment.
func (r *Registry) ModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Len returns the number of live deployments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arena)
}

// Rebuild clears the registry and repopulates it from the list in one pass.
// Deployments with duplicate ids are skipped; the first wins.
func (r *Registry) Rebuild(list []Deployment) {
	arena := make([]Deployment, 0, len(list))
	byID := make(map[string]int, len(list))
	byName := make(map[string][]int)

	for _, d := range list {
		if d.ID == "" {
			continue
		}
		if _, dup := byID[d.ID]; dup {
			continue
		}
		pos := len(arena)
		arena = append(arena, d)
		byID[d.ID] = pos
		byName[d.ModelName] = append(byName[d.ModelName], pos)
	}

	r.mu.Lock()
	r.arena = arena
	r.byID = byID
	r.byName = byName
	r.mu.Unlock()
}
