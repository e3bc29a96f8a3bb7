package agents

import (
	"fmt"
	"os"

	"github.com/mpataki/rig/internal/models"
	"github.com/mpataki/rig/internal/pipeline"
	"github.com/mpataki/rig/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// rawAgent mirrors models.AgentConfig but keeps enabled optional so an
// omitted flag can default to true.
type rawAgent struct {
	ID          string                    `yaml:"id"`
	Description string                    `yaml:"description"`
	Enabled     *bool                     `yaml:"enabled"`
	Schedule    models.Schedule           `yaml:"schedule"`
	Timezone    string                    `yaml:"timezone"`
	Inputs      map[string]any            `yaml:"inputs"`
	Filters     map[string]any            `yaml:"filters"`
	Pipeline    []models.PipelineStepSpec `yaml:"pipeline"`
}

func (r *rawAgent) config() models.AgentConfig {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return models.AgentConfig{
		ID:          r.ID,
		Description: r.Description,
		Enabled:     enabled,
		Schedule:    r.Schedule,
		Timezone:    r.Timezone,
		Inputs:      r.Inputs,
		Filters:     r.Filters,
		Pipeline:    r.Pipeline,
	}
}

// Load reads and validates an agents file.
func Load(path string, reg *pipeline.Registry) ([]models.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	agents, err := Parse(data, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return agents, nil
}

// Parse decodes an agents document and fails with the first *ConfigError
// found. Accepted shapes are {agents: [...]}, a bare list of agents, or a
// single agent mapping.
func Parse(data []byte, reg *pipeline.Registry) ([]models.AgentConfig, error) {
	agents, problems := decode(data)
	if len(problems) == 0 {
		problems = Validate(agents, reg)
	}
	if len(problems) > 0 {
		return nil, problems[0]
	}
	return agents, nil
}

// Lint is the non-failing form of Parse: it returns every problem found,
// or nothing when the document is valid.
func Lint(data []byte, reg *pipeline.Registry) []*ConfigError {
	agents, problems := decode(data)
	return append(problems, Validate(agents, reg)...)
}

// Find returns the agent with the given id.
func Find(agents []models.AgentConfig, id string) (*models.AgentConfig, error) {
	for i := range agents {
		if agents[i].ID == id {
			return &agents[i], nil
		}
	}
	return nil, &ConfigError{AgentID: id, Field: "id", Message: "agent not found"}
}

func decode(data []byte) ([]models.AgentConfig, []*ConfigError) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, []*ConfigError{{Field: "document", Message: fmt.Sprintf("failed to parse YAML: %v", err)}}
	}

	nodes, err := agentNodes(&root)
	if err != nil {
		return nil, []*ConfigError{{Field: "document", Message: err.Error()}}
	}

	var (
		agents   []models.AgentConfig
		problems []*ConfigError
	)
	for i, node := range nodes {
		var raw rawAgent
		if err := node.Decode(&raw); err != nil {
			problems = append(problems, &ConfigError{
				AgentID: agentLabel(node, i),
				Field:   "document",
				Message: err.Error(),
			})
			continue
		}
		agents = append(agents, raw.config())
	}
	return agents, problems
}

// Validate checks every agent and returns all problems, in document order.
func Validate(agents []models.AgentConfig, reg *pipeline.Registry) []*ConfigError {
	var problems []*ConfigError
	seen := make(map[string]bool)

	for i := range agents {
		a := &agents[i]
		label := a.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			problems = append(problems, &ConfigError{AgentID: label, Field: "id", Message: "agent must have an id"})
		} else if seen[a.ID] {
			problems = append(problems, &ConfigError{AgentID: label, Field: "id", Message: "duplicate agent id"})
		}
		seen[a.ID] = true

		if len(a.Pipeline) == 0 {
			problems = append(problems, &ConfigError{AgentID: label, Field: "pipeline", Message: "pipeline must have at least one step"})
		}
		for j, s := range a.Pipeline {
			field := fmt.Sprintf("pipeline[%d].step", j)
			if s.Step == "" {
				problems = append(problems, &ConfigError{AgentID: label, Field: field, Message: "missing step name"})
				continue
			}
			if reg != nil {
				if err := reg.Validate(s.Step); err != nil {
					problems = append(problems, &ConfigError{AgentID: label, Field: field, Message: err.Error(), Err: err})
				}
			}
		}

		if a.HasSchedule() {
			if _, err := scheduler.ParseCron(a.Schedule.Cron); err != nil {
				problems = append(problems, &ConfigError{AgentID: label, Field: "schedule", Message: err.Error(), Err: err})
			}
		}
		if a.Timezone != "" {
			if _, err := scheduler.Location(a.Timezone, nil); err != nil {
				problems = append(problems, &ConfigError{AgentID: label, Field: "timezone", Message: err.Error()})
			}
		}
	}
	return problems
}

func agentLabel(node *yaml.Node, i int) string {
	if id := mappingValue(node, "id"); id != nil && id.Value != "" {
		return id.Value
	}
	return fmt.Sprintf("#%d", i+1)
}
