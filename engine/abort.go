// ABOUTME: Operator and adviser driven aborts of whole plan runs, single executions and their descendants.
// ABOUTME: Every abort is a version-checked transition so it races safely with completions and timeouts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
)

// Abort ends a running plan execution and every unfinished node execution in it.
func (e *Engine) Abort(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.UpdatePlanExecution(ctx, planExecutionID, func(cur *execution.PlanExecution) error {
		if cur.Status.IsTerminal() {
			return fmt.Errorf("plan execution %s is %s: %w", cur.ID, cur.Status, execution.ErrStale)
		}
		now := time.Now()
		cur.Status = execution.PlanAborted
		cur.EndedAt = &now
		cur.Failure = execution.Failure(execution.KindAborted, "aborted by operator")
		return nil
	})
	if err != nil {
		return err
	}
	e.abortActive(ctx, planExecutionID, "", execution.Failure(execution.KindAborted, "plan execution aborted"))
	e.emitter.Emit(events.Event{Type: events.PlanFinished, PlanExecutionID: pe.ID, Status: string(pe.Status), Data: map[string]any{"reason": pe.Failure.String()}})
	log.Printf("component=engine action=abort_plan plan_execution=%s", planExecutionID)
	return nil
}

// AbortNode aborts one execution and its descendants, then ends its branch.
func (e *Engine) AbortNode(ctx context.Context, nodeExecutionID string) error {
	failure := execution.Failure(execution.KindAborted, "aborted by operator")
	ne, err := e.abortExecution(ctx, nodeExecutionID, failure)
	if err != nil {
		return err
	}
	e.abortDescendants(ctx, ne, execution.Failure(execution.KindAborted, "ancestor %s aborted", ne.ID))
	e.trigger("abort_branch", func(ctx context.Context) {
		e.endBranch(ctx, ne, execution.StatusAborted, failure)
	})
	return nil
}

// abortExecution moves one unfinished execution to ABORTED and releases
// whatever it was waiting on.
func (e *Engine) abortExecution(ctx context.Context, id string, failure *execution.FailureInfo) (*execution.NodeExecution, error) {
	var waitedOn execution.Status
	ne, err := e.store.UpdateNodeExecution(ctx, id, func(cur *execution.NodeExecution) error {
		waitedOn = cur.Status
		if err := cur.Transition(execution.StatusAborted, time.Now()); err != nil {
			return err
		}
		cur.Failure = failure
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.cancelTimeouts(ne.ID)
	if waitedOn == execution.StatusTaskWaiting && facilitator.Mode(ne.Mode) == facilitator.ModeTask {
		e.cancelTask(ctx, ne)
	}
	e.emitNode(events.NodeFinished, ne, map[string]any{"reason": failure.String()})
	return ne, nil
}

// abortDescendants aborts every unfinished execution started under ne.
func (e *Engine) abortDescendants(ctx context.Context, ne *execution.NodeExecution, failure *execution.FailureInfo) {
	e.abortActive(ctx, ne.PlanExecutionID, ne.ID, failure)
}

func (e *Engine) abortActive(ctx context.Context, planExecutionID, parentID string, failure *execution.FailureInfo) {
	nes, err := e.store.ListNodeExecutions(ctx, planExecutionID, execution.Filter{ParentID: parentID})
	if err != nil {
		log.Printf("component=engine action=list_descendants plan_execution=%s parent=%s err=%v", planExecutionID, parentID, err)
		return
	}
	for _, child := range nes {
		if parentID == "" && child.ParentID != "" {
			// Nested executions are reached through their parents.
			continue
		}
		if !child.Status.IsTerminal() {
			if _, err := e.abortExecution(ctx, child.ID, failure); err != nil && !errors.Is(err, execution.ErrStale) {
				log.Printf("component=engine action=abort_descendant id=%s err=%v", child.ID, err)
			}
		}
		e.abortActive(ctx, planExecutionID, child.ID, failure)
	}
}
