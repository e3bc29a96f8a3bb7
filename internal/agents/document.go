package agents

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpataki/rig/internal/models"
	"gopkg.in/yaml.v3"
)

// Document is an agents file held as a YAML node tree, so edits keep
// comments, key order and fields this package does not know about. Saving
// re-encodes the whole tree: blank lines between entries are dropped and
// the spacing before inline comments is normalised.
type Document struct {
	path string
	root yaml.Node
}

func OpenDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.path = path
	return doc, nil
}

func ParseDocument(data []byte) (*Document, error) {
	d := &Document{}
	if err := yaml.Unmarshal(data, &d.root); err != nil {
		return nil, &ConfigError{Field: "document", Message: fmt.Sprintf("failed to parse YAML: %v", err)}
	}
	if _, err := agentNodes(&d.root); err != nil {
		return nil, &ConfigError{Field: "document", Message: err.Error()}
	}
	return d, nil
}

// SetEnabled flips the enabled flag of one agent. It reports whether the
// document changed; setting a flag to its current value is a no-op.
func (d *Document) SetEnabled(id string, enabled bool) (bool, error) {
	node, err := d.agent(id)
	if err != nil {
		return false, err
	}

	want := "false"
	if enabled {
		want = "true"
	}

	if v := mappingValue(node, "enabled"); v != nil {
		if v.Kind == yaml.ScalarNode && v.Tag == "!!bool" && v.Value == want {
			return false, nil
		}
		v.Kind = yaml.ScalarNode
		v.Tag = "!!bool"
		v.Value = want
		v.Style = 0
		v.Content = nil
		return true, nil
	}

	// An absent flag means enabled.
	if enabled {
		return false, nil
	}
	insertAfter(node, "id", scalar("!!str", "enabled"), scalar("!!bool", want))
	return true, nil
}

func (d *Document) Enable(id string) (bool, error) {
	return d.SetEnabled(id, true)
}

func (d *Document) Disable(id string) (bool, error) {
	return d.SetEnabled(id, false)
}

// AddAgent appends a new agent definition.
func (d *Document) AddAgent(agent *models.AgentConfig) error {
	if agent.ID == "" {
		return &ConfigError{Field: "id", Message: "agent must have an id"}
	}
	if _, err := d.agent(agent.ID); err == nil {
		return &ConfigError{AgentID: agent.ID, Field: "id", Message: "duplicate agent id"}
	}

	var node yaml.Node
	if err := node.Encode(agent); err != nil {
		return fmt.Errorf("failed to encode agent: %w", err)
	}

	seq, err := d.agentsSequence()
	if err != nil {
		return err
	}
	seq.Content = append(seq.Content, &node)
	return nil
}

// IDs lists agent ids in document order.
func (d *Document) IDs() []string {
	nodes, _ := agentNodes(&d.root)
	ids := make([]string, 0, len(nodes))
	for i, n := range nodes {
		ids = append(ids, agentLabel(n, i))
	}
	return ids
}

func (d *Document) Bytes() ([]byte, error) {
	if d.root.Kind == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d.root); err != nil {
		return nil, fmt.Errorf("failed to encode agents document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the document back to the file it was opened from.
func (d *Document) Save() error {
	if d.path == "" {
		return fmt.Errorf("document has no path")
	}
	return d.SaveAs(d.path)
}

func (d *Document) SaveAs(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".agents-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write agents file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("failed to set agents file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace agents file: %w", err)
	}
	d.path = path
	return nil
}

// SetEnabled opens path, toggles the agent and writes the file only if the
// flag actually changed.
func SetEnabled(path, id string, enabled bool) (bool, error) {
	doc, err := OpenDocument(path)
	if err != nil {
		return false, err
	}
	changed, err := doc.SetEnabled(id, enabled)
	if err != nil || !changed {
		return false, err
	}
	return true, doc.Save()
}

// NewAgentTemplate is the skeleton written by "agents new".
func NewAgentTemplate(id, schedule string) *models.AgentConfig {
	return &models.AgentConfig{
		ID:          id,
		Description: "describe what this agent does",
		Enabled:     false,
		Schedule:    models.Schedule{Cron: schedule},
		Pipeline: []models.PipelineStepSpec{
			{Step: "health_check"},
		},
	}
}

func (d *Document) agent(id string) (*yaml.Node, error) {
	nodes, err := agentNodes(&d.root)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if v := mappingValue(n, "id"); v != nil && v.Value == id {
			return n, nil
		}
	}
	return nil, &ConfigError{AgentID: id, Field: "id", Message: "agent not found"}
}

// agentsSequence returns the sequence node new agents are appended to,
// creating an "agents:" key in an empty document.
func (d *Document) agentsSequence() (*yaml.Node, error) {
	if d.root.Kind == 0 || (d.root.Kind == yaml.DocumentNode && len(d.root.Content) == 0) {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		d.root = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{{
				Kind:    yaml.MappingNode,
				Tag:     "!!map",
				Content: []*yaml.Node{scalar("!!str", "agents"), seq},
			}},
		}
		return seq, nil
	}

	top := d.root.Content[0]
	switch top.Kind {
	case yaml.SequenceNode:
		return top, nil
	case yaml.MappingNode:
		if v := mappingValue(top, "agents"); v != nil {
			if v.Kind != yaml.SequenceNode {
				// "agents:" with no items decodes as null
				v.Kind = yaml.SequenceNode
				v.Tag = "!!seq"
				v.Value = ""
			}
			return v, nil
		}
	}
	return nil, &ConfigError{Field: "document", Message: "cannot add an agent to a single-agent document; convert it to an agents: list first"}
}

// agentNodes finds the agent mappings for each accepted document shape.
func agentNodes(root *yaml.Node) ([]*yaml.Node, error) {
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	top := root
	if top.Kind == yaml.DocumentNode {
		top = top.Content[0]
	}

	switch top.Kind {
	case yaml.SequenceNode:
		return mappings(top)
	case yaml.MappingNode:
		if v := mappingValue(top, "agents"); v != nil {
			switch {
			case v.Kind == yaml.SequenceNode:
				return mappings(v)
			case v.Kind == yaml.ScalarNode && v.Tag == "!!null":
				return nil, nil
			default:
				return nil, fmt.Errorf("agents must be a list (line %d)", v.Line)
			}
		}
		return []*yaml.Node{top}, nil
	case yaml.ScalarNode:
		if top.Tag == "!!null" {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("expected an agents list or mapping (line %d)", top.Line)
}

func mappings(seq *yaml.Node) ([]*yaml.Node, error) {
	out := make([]*yaml.Node, 0, len(seq.Content))
	for _, n := range seq.Content {
		if n.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("agent entry must be a mapping (line %d)", n.Line)
		}
		out = append(out, n)
	}
	return out, nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// insertAfter places a key/value pair right after key, or first when key is
// missing.
func insertAfter(m *yaml.Node, key string, k, v *yaml.Node) {
	at := 0
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			at = i + 2
			break
		}
	}
	content := make([]*yaml.Node, 0, len(m.Content)+2)
	content = append(content, m.Content[:at]...)
	content = append(content, k, v)
	content = append(content, m.Content[at:]...)
	m.Content = content
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}
