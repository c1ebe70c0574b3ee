package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultEngine is used when a run names no engine.
const DefaultEngine = "sos"

// ErrEngineNotFound is returned by Resolve for unknown engine names.
var ErrEngineNotFound = errors.New("engine not registered")

// EngineInfo pairs an engine name with its capabilities.
type EngineInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered engines by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds an engine under name, replacing any previous one.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Resolve returns the engine registered under name, or DefaultEngine when
// name is empty.
func (r *Registry) Resolve(name string) (Backend, error) {
	if name == "" {
		name = DefaultEngine
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotFound, name)
	}
	return b, nil
}

// List returns information about all registered engines, sorted by name
// for a stable API response.
func (r *Registry) List() []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]EngineInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, EngineInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
