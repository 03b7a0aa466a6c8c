// ABOUTME: YAML/JSON plan documents: the serialized form of a compiled plan accepted by the CLI and server.
// ABOUTME: Converts document nodes into immutable plan Nodes and validates the result.
package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk representation of a plan.
type Document struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name,omitempty"`
	Start     string         `yaml:"start,omitempty"`
	Variables map[string]any `yaml:"variables,omitempty"`
	Nodes     []NodeDocument `yaml:"nodes"`
}

// NodeDocument is the on-disk representation of a plan node.
type NodeDocument struct {
	ID              string          `yaml:"id"`
	Identifier      string          `yaml:"identifier,omitempty"`
	Name            string          `yaml:"name,omitempty"`
	Kind            string          `yaml:"kind"`
	Mode            string          `yaml:"mode,omitempty"`
	Parameters      any             `yaml:"parameters,omitempty"`
	When            string          `yaml:"when,omitempty"`
	Skip            []string        `yaml:"skip,omitempty"`
	Group           string          `yaml:"group,omitempty"`
	Category        string          `yaml:"category,omitempty"`
	Next            string          `yaml:"next,omitempty"`
	Children        []string        `yaml:"children,omitempty"`
	Timeout         Duration        `yaml:"timeout,omitempty"`
	ShouldAlwaysRun bool            `yaml:"should_always_run,omitempty"`
	Advisers        []AdviserConfig `yaml:"advisers,omitempty"`
	Rollback        []NodeDocument  `yaml:"rollback,omitempty"`
}

// ParseDocument decodes a YAML (or JSON) plan document and builds a validated Plan.
func ParseDocument(data []byte) (*Plan, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan document: %w", err)
	}
	p, err := doc.Build()
	if err != nil {
		return nil, err
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile reads and parses a plan document from disk.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %q: %w", path, err)
	}
	p, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("plan file %q: %w", path, err)
	}
	return p, nil
}

// Build converts the document into a Plan without validating the graph.
func (d *Document) Build() (*Plan, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: plan document has no id", ErrInvalidPlan)
	}
	p := &Plan{
		ID:          d.ID,
		Name:        d.Name,
		StartNodeID: d.Start,
		Nodes:       make(map[string]*Node, len(d.Nodes)),
		Variables:   d.Variables,
	}
	for i := range d.Nodes {
		n, err := d.Nodes[i].build()
		if err != nil {
			return nil, err
		}
		if _, dup := p.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidPlan, n.ID)
		}
		p.Nodes[n.ID] = n
	}
	if p.StartNodeID == "" && len(d.Nodes) > 0 {
		p.StartNodeID = d.Nodes[0].ID
	}
	return p, nil
}

func (nd *NodeDocument) build() (*Node, error) {
	if nd.ID == "" {
		return nil, fmt.Errorf("%w: node without id", ErrInvalidPlan)
	}
	n := &Node{
		ID:               nd.ID,
		Identifier:       nd.Identifier,
		Name:             nd.Name,
		StepKind:         nd.Kind,
		FacilitationHint: nd.Mode,
		When:             nd.When,
		SkipExpressions:  nd.Skip,
		Group:            nd.Group,
		Category:         nd.Category,
		Next:             nd.Next,
		Children:         nd.Children,
		Timeout:          nd.Timeout,
		ShouldAlwaysRun:  nd.ShouldAlwaysRun,
		Advisers:         nd.Advisers,
	}
	if n.Identifier == "" {
		n.Identifier = n.ID
	}
	if nd.Parameters != nil {
		raw, err := json.Marshal(nd.Parameters)
		if err != nil {
			return nil, fmt.Errorf("node %q parameters: %w", nd.ID, err)
		}
		n.Parameters = raw
	}
	for i := range nd.Rollback {
		rs, err := nd.Rollback[i].build()
		if err != nil {
			return nil, fmt.Errorf("node %q rollback: %w", nd.ID, err)
		}
		n.RollbackSteps = append(n.RollbackSteps, rs)
	}
	return n, nil
}
