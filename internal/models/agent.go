package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type AgentConfig struct {
	ID          string             `yaml:"id" json:"id"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool               `yaml:"enabled" json:"enabled"`
	Schedule    Schedule           `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Timezone    string             `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Inputs      map[string]any     `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Filters     map[string]any     `yaml:"filters,omitempty" json:"filters,omitempty"`
	Pipeline    []PipelineStepSpec `yaml:"pipeline" json:"pipeline"`
}

// HasSchedule reports whether the agent can be auto-triggered at all.
func (a *AgentConfig) HasSchedule() bool {
	return a.Schedule.Cron != ""
}

// StepNames returns the step names of the pipeline in declared order.
func (a *AgentConfig) StepNames() []string {
	names := make([]string, 0, len(a.Pipeline))
	for _, s := range a.Pipeline {
		names = append(names, s.Step)
	}
	return names
}

type PipelineStepSpec struct {
	Step string         `yaml:"step" json:"step"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// Schedule accepts either a bare cron string or a {cron: "..."} mapping.
type Schedule struct {
	Cron string
}

func (s Schedule) IsZero() bool {
	return s.Cron == ""
}

func (s *Schedule) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			s.Cron = ""
			return nil
		}
		s.Cron = strings.TrimSpace(value.Value)
		return nil
	case yaml.MappingNode:
		var m struct {
			Cron string `yaml:"cron"`
		}
		if err := value.Decode(&m); err != nil {
			return err
		}
		s.Cron = strings.TrimSpace(m.Cron)
		return nil
	default:
		return fmt.Errorf("schedule must be a cron string or a mapping with a cron key (line %d)", value.Line)
	}
}

func (s Schedule) MarshalYAML() (any, error) {
	return s.Cron, nil
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Cron)
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.Cron)
}
