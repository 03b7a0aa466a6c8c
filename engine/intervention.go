// ABOUTME: Manual intervention: operator decisions for PAUSED executions and the timeout fallback.
// ABOUTME: Operator and timeout race on the same PAUSED to RUNNING transition; the first writer wins.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/2389-research/tusk/adviser"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/plan"
)

// Intervene applies an operator's decision to a PAUSED execution. The
// decision is validated like a plan adviser before anything changes.
func (e *Engine) Intervene(ctx context.Context, nodeExecutionID string, decision plan.AdviserConfig) error {
	if err := e.advisers.Validate([]plan.AdviserConfig{decision}); err != nil {
		return &ConfigurationError{Problems: []string{err.Error()}}
	}
	if err := e.checkTargets(ctx, nodeExecutionID, decision); err != nil {
		return err
	}
	claimed, pending, err := e.claimPaused(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	e.cancelTimeouts(claimed.ID)
	log.Printf("component=engine action=intervene node_execution=%s decision=%s", claimed.ID, decision.Type)
	e.trigger("intervene", func(ctx context.Context) {
		e.decide(ctx, claimed, pending, &decision)
	})
	return nil
}

// checkTargets rejects a decision that jumps to a node missing from the plan
// or one that already ran in this plan execution.
func (e *Engine) checkTargets(ctx context.Context, nodeExecutionID string, decision plan.AdviserConfig) error {
	targets := decision.Targets()
	if len(targets) == 0 {
		return nil
	}
	ne, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	pe, err := e.store.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	p, err := e.loadPlan(ctx, pe.PlanID)
	if err != nil {
		return err
	}
	var problems []string
	for _, target := range targets {
		if p.Node(target) == nil {
			problems = append(problems, fmt.Sprintf("decision references unknown node %q", target))
			continue
		}
		ran, err := e.store.ListNodeExecutions(ctx, ne.PlanExecutionID, execution.Filter{PlanNodeID: target, ExcludeRetried: true})
		if err != nil {
			return err
		}
		if len(ran) > 0 {
			problems = append(problems, fmt.Sprintf("decision jumps back to node %q, which already ran", target))
		}
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// interventionTimeout applies the pending OnTimeout decision, or lets the
// original outcome stand when there is none.
func (e *Engine) interventionTimeout(ctx context.Context, id string) {
	claimed, pending, err := e.claimPaused(ctx, id)
	if err != nil {
		e.storeFailure("intervention_timeout", id, err)
		return
	}
	var decision *plan.AdviserConfig
	if len(pending.OnTimeout) > 0 {
		var cfg plan.AdviserConfig
		if err := json.Unmarshal(pending.OnTimeout, &cfg); err != nil {
			log.Printf("component=engine action=decode_on_timeout node_execution=%s err=%v", id, err)
		} else {
			decision = &cfg
		}
	}
	e.decide(ctx, claimed, pending, decision)
}

// claimPaused moves a PAUSED execution back to RUNNING and returns the
// pending intervention it carried.
func (e *Engine) claimPaused(ctx context.Context, id string) (*execution.NodeExecution, execution.PendingIntervention, error) {
	var pending execution.PendingIntervention
	claimed, err := e.store.UpdateNodeExecution(ctx, id, func(cur *execution.NodeExecution) error {
		if cur.Status != execution.StatusPaused || cur.Intervention == nil {
			return fmt.Errorf("node execution %s is %s: %w", cur.ID, cur.Status, execution.ErrStale)
		}
		pending = *cur.Intervention
		if err := cur.Transition(execution.StatusRunning, time.Now()); err != nil {
			return err
		}
		cur.Intervention = nil
		return nil
	})
	return claimed, pending, err
}

// decide applies decision to the outcome that caused the pause.
func (e *Engine) decide(ctx context.Context, ne *execution.NodeExecution, pending execution.PendingIntervention, decision *plan.AdviserConfig) {
	p, node, ok := e.planFor(ctx, ne)
	if !ok {
		return
	}
	outcome := facilitator.Result{Status: pending.Outcome, Failure: pending.Failure, Outputs: ne.Outputs}
	if decision == nil || node == nil {
		e.drive(ctx, e.applyDefault(ctx, ne, node, outcome))
		return
	}
	action, err := e.advisers.ActionFor(*decision, adviser.Input{Node: node, Execution: ne, Status: outcome.Status, Failure: outcome.Failure})
	if err != nil {
		log.Printf("component=engine action=build_decision node_execution=%s err=%v", ne.ID, err)
		e.drive(ctx, e.applyDefault(ctx, ne, node, outcome))
		return
	}
	e.drive(ctx, e.apply(ctx, p, ne, node, outcome, action))
}
