package pipeline

import "context"

// Step is one named, reusable pipeline operation. It reads the shared run
// context, performs its effect and returns bindings that the runner merges
// back into the context. Expected "no results" conditions are returned as
// empty results, never as errors.
type Step interface {
	Run(ctx context.Context, rc RunContext, params map[string]any) (map[string]any, error)
}

// StepFunc adapts an ordinary function to the Step interface.
type StepFunc func(ctx context.Context, rc RunContext, params map[string]any) (map[string]any, error)

func (f StepFunc) Run(ctx context.Context, rc RunContext, params map[string]any) (map[string]any, error) {
	return f(ctx, rc, params)
}
