// ABOUTME: Rollback: generating the undo plan for a run and starting it as a linked plan execution.
// ABOUTME: A TriggerRollback advice fails the forward run, stops its branches and starts the rollback.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/plan"
	"github.com/2389-research/tusk/rollback"
)

// GenerateRollback returns the rollback plan for a plan execution without running it.
func (e *Engine) GenerateRollback(ctx context.Context, planExecutionID string) (*plan.Plan, error) {
	return rollback.Generate(ctx, e.store, planExecutionID)
}

// StartRollback generates and starts the rollback plan for a plan execution
// and links the two runs.
func (e *Engine) StartRollback(ctx context.Context, planExecutionID string) (*execution.PlanExecution, error) {
	original, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	rb, err := rollback.Generate(ctx, e.store, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("generate rollback: %w", err)
	}
	root := ambiance.New(original.Ambiance.AccountID, original.Ambiance.OrgID, original.Ambiance.ProjectID)
	pe, err := e.startPlan(ctx, rb, root, original.ID)
	if err != nil {
		return nil, fmt.Errorf("start rollback: %w", err)
	}
	if _, err := e.store.UpdatePlanExecution(ctx, original.ID, func(cur *execution.PlanExecution) error {
		cur.RollbackExecutionID = pe.ID
		return nil
	}); err != nil {
		log.Printf("component=engine action=link_rollback plan_execution=%s rollback=%s err=%v", original.ID, pe.ID, err)
	}
	e.emitter.Emit(events.Event{
		Type:            events.RollbackStarted,
		PlanExecutionID: original.ID,
		Status:          string(pe.Status),
		Data:            map[string]any{"rollback_execution_id": pe.ID, "steps": len(rb.Nodes)},
	})
	log.Printf("component=engine action=start_rollback plan_execution=%s rollback=%s steps=%d", original.ID, pe.ID, len(rb.Nodes))
	return pe, nil
}

// triggerRollback finishes ne, fails its plan run and starts the rollback.
func (e *Engine) triggerRollback(ctx context.Context, ne *execution.NodeExecution, outcome facilitator.Result) {
	if !e.finalize(ctx, ne, outcome, false) {
		return
	}
	failure := execution.Failure(execution.KindStepFailure, "rollback triggered by node %s", ne.PlanNodeID)
	pe, err := e.store.UpdatePlanExecution(ctx, ne.PlanExecutionID, func(cur *execution.PlanExecution) error {
		if cur.Status.IsTerminal() {
			return execution.ErrStale
		}
		now := time.Now()
		cur.Status = execution.PlanFailed
		cur.EndedAt = &now
		cur.Failure = failure
		return nil
	})
	if err != nil {
		e.storeFailure("trigger_rollback", ne.PlanExecutionID, err)
		return
	}
	e.emitter.Emit(events.Event{Type: events.PlanFinished, PlanExecutionID: pe.ID, Status: string(pe.Status), Data: map[string]any{"reason": failure.String()}})
	e.abortActive(ctx, pe.ID, "", execution.Failure(execution.KindAborted, "plan execution rolling back"))
	if _, err := e.StartRollback(ctx, pe.ID); err != nil {
		log.Printf("component=engine action=start_rollback plan_execution=%s err=%v", pe.ID, err)
	}
}
