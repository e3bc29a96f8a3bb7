package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps step names to implementations. It is built once at startup
// and handed to whatever needs to resolve steps; there is no package-level
// instance.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]Step),
	}
}

// Register adds a step. Names are case-sensitive and may not be reused.
func (r *Registry) Register(name string, step Step) error {
	if name == "" {
		return fmt.Errorf("step name must not be empty")
	}
	if step == nil {
		return fmt.Errorf("step %q has no implementation", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, name)
	}
	r.steps[name] = step
	return nil
}

// MustRegister is Register for the fixed built-in set, where a clash is a
// programming error.
func (r *Registry) MustRegister(name string, step Step) {
	if err := r.Register(name, step); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (Step, error) {
	r.mu.RLock()
	step, ok := r.steps[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownStepError{Name: name, Available: r.ListSteps()}
	}
	return step, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[name]
	return ok
}

// ListSteps returns every registered name in sorted order.
func (r *Registry) ListSteps() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Validate checks that every name resolves, returning the first failure.
func (r *Registry) Validate(names ...string) error {
	for _, name := range names {
		if !r.Has(name) {
			return &UnknownStepError{Name: name, Available: r.ListSteps()}
		}
	}
	return nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}
