package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/tokenflow/pkg/api"
)

type definitionRegistry struct {
	mu   sync.RWMutex
	byID map[string]map[int]*api.ProcessDefinition
}

func newDefinitionRegistry() *definitionRegistry {
	return &definitionRegistry{
		byID: make(map[string]map[int]*api.ProcessDefinition),
	}
}

func (r *definitionRegistry) Register(def *api.ProcessDefinition) error {
	if def == nil {
		return &api.Error{Kind: api.KindConfiguration, Op: "register", Err: fmt.Errorf("nil definition")}
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byID[def.ID]
	if versions == nil {
		versions = make(map[int]*api.ProcessDefinition)
		r.byID[def.ID] = versions
	}

	if _, exists := versions[def.Version]; exists {
		return &api.Error{
			Kind: api.KindConfiguration,
			Op:   "register",
			Err:  fmt.Errorf("%w: %s", api.ErrDefinitionExists, def.Key()),
		}
	}

	versions[def.Version] = def
	return nil
}

func (r *definitionRegistry) Get(id string, version int) (*api.ProcessDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id][version]
	if !ok {
		return nil, &api.Error{
			Kind: api.KindConfiguration,
			Op:   "definition",
			Err:  fmt.Errorf("%w: %s@%d", api.ErrDefinitionNotFound, id, version),
		}
	}
	return def, nil
}

// Latest returns the highest registered version.
func (r *definitionRegistry) Latest(id string) (*api.ProcessDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *api.ProcessDefinition
	for v, def := range r.byID[id] {
		if latest == nil || v > latest.Version {
			latest = def
		}
	}
	if latest == nil {
		return nil, &api.Error{
			Kind: api.KindConfiguration,
			Op:   "definition",
			Err:  fmt.Errorf("%w: %s", api.ErrDefinitionNotFound, id),
		}
	}
	return latest, nil
}

func (r *definitionRegistry) Versions(id string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
