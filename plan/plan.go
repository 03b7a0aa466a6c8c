// ABOUTME: Immutable plan model: PlanNode graph, adviser configurations, and plan-level helpers.
// ABOUTME: A Plan is produced by an external plan creator (or a YAML document) before the engine starts.
package plan

import (
	"encoding/json"
	"sort"
)

// Node is a single step of a compiled plan. Nodes are never modified once the
// plan is handed to the engine.
type Node struct {
	ID               string          `json:"id"`
	Identifier       string          `json:"identifier"`
	Name             string          `json:"name,omitempty"`
	StepKind         string          `json:"step_kind"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	FacilitationHint string          `json:"facilitation_hint,omitempty"`
	Advisers         []AdviserConfig `json:"advisers,omitempty"`
	When             string          `json:"when,omitempty"`
	SkipExpressions  []string        `json:"skip_expressions,omitempty"`
	Group            string          `json:"group,omitempty"`
	Category         string          `json:"category,omitempty"`

	Next     string   `json:"next,omitempty"`
	Children []string `json:"children,omitempty"`

	Timeout         Duration `json:"timeout,omitempty"`
	RollbackSteps   []*Node  `json:"rollback_steps,omitempty"`
	ShouldAlwaysRun bool     `json:"should_always_run,omitempty"`
}

// HasRollback reports whether the node declares rollback-relevant content.
func (n *Node) HasRollback() bool {
	return len(n.RollbackSteps) > 0
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), n.Parameters...)
	}
	if n.Advisers != nil {
		c.Advisers = make([]AdviserConfig, len(n.Advisers))
		for i, a := range n.Advisers {
			c.Advisers[i] = a.Clone()
		}
	}
	c.SkipExpressions = append([]string(nil), n.SkipExpressions...)
	c.Children = append([]string(nil), n.Children...)
	if n.RollbackSteps != nil {
		c.RollbackSteps = make([]*Node, len(n.RollbackSteps))
		for i, s := range n.RollbackSteps {
			c.RollbackSteps[i] = s.Clone()
		}
	}
	return &c
}

// Plan is a compiled DAG of nodes for one pipeline definition.
type Plan struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	StartNodeID string           `json:"start_node_id,omitempty"`
	Nodes       map[string]*Node `json:"nodes"`
	Variables   map[string]any   `json:"variables,omitempty"`
}

// New creates a plan from nodes. The first node becomes the start node.
func New(id string, nodes ...*Node) *Plan {
	p := &Plan{ID: id, Nodes: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		p.Nodes[n.ID] = n
	}
	if len(nodes) > 0 {
		p.StartNodeID = nodes[0].ID
	}
	return p
}

// Node returns the node with the given id, or nil.
func (p *Plan) Node(id string) *Node {
	if p == nil || p.Nodes == nil {
		return nil
	}
	return p.Nodes[id]
}

// IsEmpty reports whether the plan has no nodes to run.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Nodes) == 0
}

// NodeIDs returns every node id in sorted order.
func (p *Plan) NodeIDs() []string {
	out := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := &Plan{
		ID:          p.ID,
		Name:        p.Name,
		StartNodeID: p.StartNodeID,
		Nodes:       make(map[string]*Node, len(p.Nodes)),
	}
	for id, n := range p.Nodes {
		c.Nodes[id] = n.Clone()
	}
	if p.Variables != nil {
		c.Variables = make(map[string]any, len(p.Variables))
		for k, v := range p.Variables {
			c.Variables[k] = v
		}
	}
	return c
}

// edges returns the outgoing edges of a node: its children then its next node.
func (n *Node) edges() []string {
	out := make([]string, 0, len(n.Children)+1)
	out = append(out, n.Children...)
	if n.Next != "" {
		out = append(out, n.Next)
	}
	return out
}

// jumps returns the nodes n's advisers can send the run to, in chain order.
func (n *Node) jumps() []string {
	var out []string
	for _, a := range n.Advisers {
		out = append(out, a.Targets()...)
	}
	return out
}

// successors is every node n can hand the run to: structural edges plus
// adviser jumps.
func (n *Node) successors() []string {
	return append(n.edges(), n.jumps()...)
}
