package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var ErrDuplicateStep = errors.New("step already registered")

// UnknownStepError is returned when a pipeline references a step name that
// is not registered. Its message lists every registered name, sorted, and
// its shape is relied on by pipeline authors.
type UnknownStepError struct {
	Name      string
	Available []string
}

func (e *UnknownStepError) Error() string {
	available := "(empty)"
	if len(e.Available) > 0 {
		available = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf("Unknown step: %s. Available steps: %s", e.Name, available)
}
