// ABOUTME: Structural validation for plans: unique ids, resolvable references, and acyclicity.
// ABOUTME: Also provides a deterministic topological order used by rollback generation.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPlan is wrapped by every validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

// ValidationError lists every problem found in a plan.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match ErrInvalidPlan with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidPlan
}

// Validate checks that the plan is a well-formed DAG, counting adviser jumps
// as edges, and that no node is shared by two branches. An empty plan is valid.
func Validate(p *Plan) error {
	if p == nil {
		return &ValidationError{Problems: []string{"plan is nil"}}
	}
	if len(p.Nodes) == 0 {
		return nil
	}

	var problems []string
	if p.StartNodeID == "" {
		problems = append(problems, "start node is not set")
	} else if p.Node(p.StartNodeID) == nil {
		problems = append(problems, fmt.Sprintf("start node %q does not exist", p.StartNodeID))
	}

	for _, id := range p.NodeIDs() {
		n := p.Nodes[id]
		if n == nil {
			problems = append(problems, fmt.Sprintf("node %q is nil", id))
			continue
		}
		if n.ID != id {
			problems = append(problems, fmt.Sprintf("node keyed %q has id %q", id, n.ID))
		}
		if n.StepKind == "" {
			problems = append(problems, fmt.Sprintf("node %q has no step kind", id))
		}
		seen := make(map[string]bool, len(n.Children)+1)
		for _, ref := range n.edges() {
			if seen[ref] {
				problems = append(problems, fmt.Sprintf("node %q references %q more than once", id, ref))
			}
			seen[ref] = true
			if ref == id {
				problems = append(problems, fmt.Sprintf("node %q references itself", id))
			} else if p.Node(ref) == nil {
				problems = append(problems, fmt.Sprintf("node %q references unknown node %q", id, ref))
			}
		}
		for _, ref := range n.jumps() {
			if ref == id {
				problems = append(problems, fmt.Sprintf("node %q adviser jumps to itself", id))
			} else if p.Node(ref) == nil {
				problems = append(problems, fmt.Sprintf("node %q adviser references unknown node %q", id, ref))
			}
		}
		problems = append(problems, validateRollbackSteps(id, n.RollbackSteps)...)
	}

	problems = append(problems, sharedSuccessors(p)...)

	if len(problems) == 0 {
		if cycle := findCycle(p); cycle != nil {
			problems = append(problems, fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateRollbackSteps(owner string, steps []*Node) []string {
	var problems []string
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s == nil {
			problems = append(problems, fmt.Sprintf("node %q rollback step %d is nil", owner, i))
			continue
		}
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("node %q rollback step %d has no id", owner, i))
		} else if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("node %q has duplicate rollback step %q", owner, s.ID))
		}
		seen[s.ID] = true
		if s.StepKind == "" {
			problems = append(problems, fmt.Sprintf("node %q rollback step %q has no step kind", owner, s.ID))
		}
	}
	return problems
}

// sharedSuccessors reports nodes reached through Next or Children from more
// than one node. Two branches arriving at the same node would run it twice
// at once. Adviser jumps are exempt: a node takes exactly one way out.
func sharedSuccessors(p *Plan) []string {
	sources := make(map[string][]string)
	for _, id := range p.NodeIDs() {
		n := p.Nodes[id]
		if n == nil {
			continue
		}
		seen := make(map[string]bool)
		for _, ref := range n.edges() {
			if !seen[ref] {
				seen[ref] = true
				sources[ref] = append(sources[ref], id)
			}
		}
	}
	var problems []string
	for _, id := range p.NodeIDs() {
		if from := sources[id]; len(from) > 1 {
			problems = append(problems, fmt.Sprintf("node %q is reached from more than one node (%s)", id, strings.Join(from, ", ")))
		}
	}
	return problems
}

// findCycle returns one cycle as a list of node ids, or nil if the graph is acyclic.
func findCycle(p *Plan) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(p.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range p.Nodes[id].successors() {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range p.NodeIDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns node ids so that every node precedes the nodes it
// references. Ties are broken by id so the order is deterministic.
func TopologicalOrder(p *Plan) ([]string, error) {
	indegree := make(map[string]int, len(p.Nodes))
	for id := range p.Nodes {
		indegree[id] += 0
		for _, ref := range p.Nodes[id].successors() {
			indegree[ref]++
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(p.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var released []string
		for _, ref := range p.Nodes[id].successors() {
			indegree[ref]--
			if indegree[ref] == 0 {
				released = append(released, ref)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(p.Nodes) {
		return nil, fmt.Errorf("%w: graph contains a cycle", ErrInvalidPlan)
	}
	return order, nil
}
