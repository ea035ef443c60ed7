package engine

import (
	"fmt"
	"sync"

	"github.com/eleven-am/keel/internal/ports"
)

// Registry holds decision functions per workflow type and version. An
// execution pins the version it started with, so older versions stay
// registered for as long as their executions may replay.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]map[int]ports.DecisionFunc
	latest map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[string]map[int]ports.DecisionFunc),
		latest: make(map[string]int),
	}
}

func (r *Registry) Register(workflowType string, version int, fn ports.DecisionFunc) error {
	if workflowType == "" || version < 1 || fn == nil {
		return fmt.Errorf("invalid definition registration for %q version %d", workflowType, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.defs[workflowType]
	if !ok {
		versions = make(map[int]ports.DecisionFunc)
		r.defs[workflowType] = versions
	}
	if _, exists := versions[version]; exists {
		return fmt.Errorf("definition %q version %d already registered", workflowType, version)
	}
	versions[version] = fn
	if version > r.latest[workflowType] {
		r.latest[workflowType] = version
	}
	return nil
}

func (r *Registry) Lookup(workflowType string, version int) (ports.DecisionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.defs[workflowType]
	if !ok {
		return nil, false
	}
	fn, ok := versions[version]
	return fn, ok
}

func (r *Registry) LatestVersion(workflowType string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[workflowType]
	return version, ok
}

var _ ports.DefinitionRegistryPort = (*Registry)(nil)
