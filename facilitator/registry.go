// ABOUTME: Registry mapping step kinds to facilitators, one per execution mode.
// ABOUTME: Resolve picks by facilitation hint and falls back to the only registered mode.
package facilitator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrFacilitatorNotFound is returned when no facilitator serves a step kind and hint.
var ErrFacilitatorNotFound = errors.New("facilitator not found")

// Registry maps step kinds to facilitators.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]map[Mode]Facilitator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]map[Mode]Facilitator)}
}

// Register adds f for stepKind under f.Mode(). Registering the same kind
// and mode again replaces the previous facilitator.
func (r *Registry) Register(stepKind string, f Facilitator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	modes, ok := r.byKind[stepKind]
	if !ok {
		modes = make(map[Mode]Facilitator)
		r.byKind[stepKind] = modes
	}
	modes[f.Mode()] = f
}

// Resolve returns the facilitator for stepKind. With an empty hint the step
// kind must have exactly one registered mode.
func (r *Registry) Resolve(stepKind, hint string) (Facilitator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes, ok := r.byKind[stepKind]
	if !ok || len(modes) == 0 {
		return nil, fmt.Errorf("%w: step kind %q", ErrFacilitatorNotFound, stepKind)
	}
	if hint != "" {
		f, ok := modes[Mode(hint)]
		if !ok {
			return nil, fmt.Errorf("%w: step kind %q has no %s mode", ErrFacilitatorNotFound, stepKind, hint)
		}
		return f, nil
	}
	if len(modes) > 1 {
		return nil, fmt.Errorf("%w: step kind %q has %d modes and no hint", ErrFacilitatorNotFound, stepKind, len(modes))
	}
	for _, f := range modes {
		return f, nil
	}
	return nil, nil
}

// Kinds returns the registered step kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
