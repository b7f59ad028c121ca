package agent

import (
	"sort"
	"sync"
)

// RegistryObserver is told about agents joining and leaving. Calls are
// made outside the registry and agent locks.
type RegistryObserver interface {
	AgentRegistered(reg Registration)
	AgentUnregistered(agentID string)
}

// Registry indexes recognized agents by id and enforces id uniqueness.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	supported map[APIVersion]bool
	observer  RegistryObserver
}

// NewRegistry returns a registry accepting the given protocol versions.
// observer may be nil.
func NewRegistry(supported []APIVersion, observer RegistryObserver) *Registry {
	r := &Registry{
		agents:    make(map[string]*Agent),
		supported: make(map[APIVersion]bool, len(supported)),
		observer:  observer,
	}
	for _, v := range supported {
		r.supported[v] = true
	}
	return r
}

// Supports reports whether agents may register with version v.
func (r *Registry) Supports(v APIVersion) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supported[v]
}

func (r *Registry) add(id string, a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[id]; ok && existing != a {
		return duplicateRegistration(id)
	}
	r.agents[id] = a
	return nil
}

// remove drops id only while it still maps to a, so a rejected duplicate
// closing its connection cannot evict the original.
func (r *Registry) remove(id string, a *Agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[id]; ok && existing == a {
		delete(r.agents, id)
		return true
	}
	return false
}

func (r *Registry) notifyRegistered(reg Registration) {
	if r.observer != nil {
		r.observer.AgentRegistered(reg)
	}
}

func (r *Registry) notifyUnregistered(id string) {
	if r.observer != nil {
		r.observer.AgentUnregistered(id)
	}
}

// Agent returns the recognized agent with the given id.
func (r *Registry) Agent(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns every recognized agent ordered by id.
func (r *Registry) Agents() []*Agent {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	result := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.Agent(id); ok {
			result = append(result, a)
		}
	}
	return result
}

// AgentsInScope returns the recognized agents serving a backup manager.
func (r *Registry) AgentsInScope(scope string) []*Agent {
	var result []*Agent
	for _, a := range r.Agents() {
		if a.Scope() == scope {
			result = append(result, a)
		}
	}
	return result
}

// Len returns the number of recognized agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
