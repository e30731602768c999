package expression

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Scope identifies the agent an evaluation runs on behalf of, so providers
// can serve agent-specific data (personality traits, encounter history).
type Scope struct {
	AgentID string
}

// VariableProvider is an externally registered data source exposing one or
// more namespaces of values to expressions. Providers are discovered at
// startup and injected through a Registry; the core never hard-wires them.
type VariableProvider interface {
	// Namespaces returns the namespace prefixes this provider serves,
	// e.g. ["personality", "encounters"].
	Namespaces() []string

	// Snapshot returns the namespace's values for the given scope, as a
	// (possibly nested) map. Called fresh per evaluation snapshot; no
	// staleness guarantee beyond "as of snapshot time".
	Snapshot(scope Scope, namespace string) (map[string]any, error)
}

// Registry maps namespace prefixes to providers. Constructed once at
// startup and passed explicitly to whatever needs it.
type Registry struct {
	mu   sync.RWMutex
	byNS map[string]VariableProvider
	log  *zap.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{byNS: make(map[string]VariableProvider), log: log}
}

// Register adds a provider for each namespace it advertises. Registering a
// namespace twice is a configuration error.
func (r *Registry) Register(p VariableProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ns := range p.Namespaces() {
		if _, dup := r.byNS[ns]; dup {
			return fmt.Errorf("namespace %q already registered", ns)
		}
		r.byNS[ns] = p
	}
	return nil
}

// Namespaces returns the sorted list of registered namespaces.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byNS))
	for ns := range r.byNS {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Snapshot materializes one namespace for a scope. An unregistered
// namespace or a provider failure yields an empty map with a warning,
// never an error, so optional data sources can be absent without
// breaking execution.
func (r *Registry) Snapshot(scope Scope, namespace string) map[string]any {
	r.mu.RLock()
	p, ok := r.byNS[namespace]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("unregistered namespace, using defaults",
			zap.String("namespace", namespace), zap.String("agent", scope.AgentID))
		return map[string]any{}
	}
	snap, err := p.Snapshot(scope, namespace)
	if err != nil {
		r.log.Warn("provider snapshot failed, using defaults",
			zap.String("namespace", namespace), zap.Error(err))
		return map[string]any{}
	}
	if snap == nil {
		snap = map[string]any{}
	}
	return snap
}

// StaticProvider serves fixed nested maps; handy for tests and for
// simulation facts that are rebuilt wholesale each tick.
type StaticProvider struct {
	Data map[string]map[string]any
}

// Namespaces implements VariableProvider.
func (s *StaticProvider) Namespaces() []string {
	out := make([]string, 0, len(s.Data))
	for ns := range s.Data {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Snapshot implements VariableProvider.
func (s *StaticProvider) Snapshot(_ Scope, namespace string) (map[string]any, error) {
	return s.Data[namespace], nil
}
