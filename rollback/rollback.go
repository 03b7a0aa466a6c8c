// ABOUTME: Builds the rollback plan for a plan execution from the rollback steps of nodes that actually ran.
// ABOUTME: Steps are ordered reverse-topologically and chained into a single branch of always-run nodes.
package rollback

import (
	"context"
	"fmt"
	"sort"

	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/ids"
	"github.com/2389-research/tusk/plan"
)

// Generate derives the rollback plan for planExecutionID. A run with nothing
// to undo yields an empty plan.
func Generate(ctx context.Context, store execution.Store, planExecutionID string) (*plan.Plan, error) {
	pe, err := store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load plan execution: %w", err)
	}
	src, err := store.GetPlan(ctx, pe.PlanID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	nes, err := store.ListNodeExecutions(ctx, planExecutionID, execution.Filter{ExcludeRetried: true})
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	return Build(src, nes)
}

// Build is Generate over already loaded records.
func Build(src *plan.Plan, nes []*execution.NodeExecution) (*plan.Plan, error) {
	order, err := plan.TopologicalOrder(src)
	if err != nil {
		return nil, err
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}

	latest := make(map[string]*execution.NodeExecution)
	for _, ne := range nes {
		if !ran(ne.Status) {
			continue
		}
		node := src.Node(ne.PlanNodeID)
		if node == nil || !node.HasRollback() {
			continue
		}
		if prev, ok := latest[ne.PlanNodeID]; !ok || ne.StartedAt.After(prev.StartedAt) {
			latest[ne.PlanNodeID] = ne
		}
	}

	undo := make([]*execution.NodeExecution, 0, len(latest))
	for _, ne := range latest {
		undo = append(undo, ne)
	}
	sort.Slice(undo, func(i, j int) bool {
		ri, rj := rank[undo[i].PlanNodeID], rank[undo[j].PlanNodeID]
		if ri != rj {
			return ri > rj
		}
		return undo[i].StartedAt.After(undo[j].StartedAt)
	})

	out := &plan.Plan{
		ID:        ids.New(),
		Name:      rollbackName(src),
		Nodes:     make(map[string]*plan.Node),
		Variables: src.Clone().Variables,
	}
	var prev *plan.Node
	for _, ne := range undo {
		for _, step := range src.Node(ne.PlanNodeID).RollbackSteps {
			n := step.Clone()
			n.ID = ids.New()
			if n.Identifier == "" {
				n.Identifier = step.ID
			}
			n.Next = ""
			n.Children = nil
			n.RollbackSteps = nil
			n.ShouldAlwaysRun = true
			out.Nodes[n.ID] = n
			if prev == nil {
				out.StartNodeID = n.ID
			} else {
				prev.Next = n.ID
			}
			prev = n
		}
	}
	return out, nil
}

func ran(s execution.Status) bool {
	return s != execution.StatusQueued && s != execution.StatusSkipped
}

func rollbackName(src *plan.Plan) string {
	name := src.Name
	if name == "" {
		name = src.ID
	}
	return name + " (rollback)"
}
