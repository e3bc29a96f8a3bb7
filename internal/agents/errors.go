package agents

import "fmt"

// ConfigError describes a malformed or ambiguous agent definition. Err holds
// the underlying cause when there is one, e.g. an unknown step.
type ConfigError struct {
	AgentID string
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("config %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("agent %q: %s: %s", e.AgentID, e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
