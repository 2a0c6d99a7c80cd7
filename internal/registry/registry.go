// Package registry is the flow-function registry: a compile-time table of
// (type-name, factory) pairs, process-wide and
// read-only after startup. Instantiation is lazy — the processor asks for
// an instance only when it first needs one.
package registry

import (
	"fmt"
	"sync"

	"github.com/hicann/flowexec/internal/flowfunc"
)

// Registry maps operator type names to factory functions.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]flowfunc.Factory
	// live tracks instances handed out via New, keyed by a caller-chosen
	// instance id, so ResetStateAll can walk them during recover.
	live map[string]flowfunc.Operator
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]flowfunc.Factory),
		live:      make(map[string]flowfunc.Operator),
	}
}

// Register adds a (type-name, factory) pair. Intended to be called once
// at program startup, before the executor starts.
func (r *Registry) Register(typeName string, factory flowfunc.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = factory
}

// New instantiates a new operator of typeName, tracking it under
// instanceID so a later ResetStateAll/Release can find it again.
func (r *Registry) New(instanceID, typeName string) (flowfunc.Operator, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown flow-function type %q", typeName)
	}
	op := factory()

	r.mu.Lock()
	r.live[instanceID] = op
	r.mu.Unlock()
	return op, nil
}

// Release drops the tracked instance for instanceID, calling Destroy if it
// exists.
func (r *Registry) Release(instanceID string) {
	r.mu.Lock()
	op, ok := r.live[instanceID]
	if ok {
		delete(r.live, instanceID)
	}
	r.mu.Unlock()
	if ok {
		op.Destroy()
	}
}

// ResetStateAll asks every live operator to clear its state in place
// during recover. It returns the set of instance ids whose
// operator either doesn't implement flowfunc.StateResetter or returned
// false — the processor must release and re-instantiate those.
//
// A partial failure (some operators reset successfully, others don't)
// still results in the executor falling back to full re-instantiation for
// every operator, not just the failed ones; ResetStateAll only reports
// which ones could not reset in place, the caller decides the fallback
// policy.
func (r *Registry) ResetStateAll() (failed []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, op := range r.live {
		resetter, ok := op.(flowfunc.StateResetter)
		if !ok || !resetter.ResetState() {
			failed = append(failed, id)
		}
	}
	return failed
}

// Lookup returns the live operator instance for instanceID, if any.
func (r *Registry) Lookup(instanceID string) (flowfunc.Operator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.live[instanceID]
	return op, ok
}

// Registered reports whether typeName has a registered factory.
func (r *Registry) Registered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}
