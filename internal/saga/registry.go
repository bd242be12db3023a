package saga

import (
	"context"
	"fmt"
	"sync"
)

// Compensator undoes the forward effects of one operation type, working only
// from recovered state. Implementations must tolerate being called for runs
// that were already partially or fully compensated.
type Compensator interface {
	// OpType returns the operation type this compensator handles
	OpType() string

	// Compensate rolls back whatever the state's checkpoints say was done
	Compensate(ctx context.Context, state *State) error
}

// Registry maps operation types to their compensators. Recovery uses it to
// rebuild compensation for sagas whose owning process died.
//
// New operation types register here without touching the recovery core.
type Registry struct {
	mu           sync.RWMutex
	compensators map[string]Compensator
}

// NewRegistry creates an empty compensator registry
func NewRegistry() *Registry {
	return &Registry{
		compensators: make(map[string]Compensator),
	}
}

// Register adds a compensator for its operation type.
// Returns an error if the type is already taken.
func (r *Registry) Register(c Compensator) error {
	if c == nil {
		return fmt.Errorf("compensator cannot be nil")
	}

	opType := c.OpType()
	if opType == "" {
		return fmt.Errorf("compensator operation type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.compensators[opType]; exists {
		return fmt.Errorf("compensator for type '%s' already registered", opType)
	}

	r.compensators[opType] = c
	return nil
}

// Get retrieves the compensator for an operation type
func (r *Registry) Get(opType string) (Compensator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.compensators[opType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoCompensator, opType)
	}

	return c, nil
}

// Has checks if a compensator is registered for the given operation type
func (r *Registry) Has(opType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.compensators[opType]
	return exists
}

// Types returns all registered operation types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.compensators))
	for t := range r.compensators {
		types = append(types, t)
	}
	return types
}

// Compensate looks up the compensator for the state's operation type and
// runs it.
func (r *Registry) Compensate(ctx context.Context, state *State) error {
	c, err := r.Get(state.OpType)
	if err != nil {
		return err
	}
	return c.Compensate(ctx, state)
}

// CompensatorFunc adapts a function to the Compensator interface
type CompensatorFunc struct {
	Type string
	Fn   func(ctx context.Context, state *State) error
}

func (c CompensatorFunc) OpType() string { return c.Type }

func (c CompensatorFunc) Compensate(ctx context.Context, state *State) error {
	return c.Fn(ctx, state)
}
