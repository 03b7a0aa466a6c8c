// ABOUTME: Concluding a node: adviser evaluation and application of the chosen action.
// ABOUTME: Branch ends report to the waiting parent or finish the plan execution.
package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/2389-research/tusk/adviser"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/plan"
	"github.com/2389-research/tusk/timeout"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// normalize fills in defaults and rejects non-terminal outcomes.
func normalize(r facilitator.Result) facilitator.Result {
	if r.Status == "" {
		r.Status = execution.StatusSucceeded
	}
	if !r.Status.Valid() || !r.Status.IsTerminal() {
		return facilitator.Result{
			Status:  execution.StatusErrored,
			Failure: execution.Failure(execution.KindStepError, "step reported non-terminal status %q", r.Status),
			Outputs: r.Outputs,
		}
	}
	if r.Status.IsFailure() && r.Failure == nil {
		r.Failure = execution.Failure(execution.KindStepFailure, "step finished %s", r.Status)
	}
	if !r.Status.IsFailure() {
		r.Failure = nil
	}
	return r
}

// conclude asks the node's adviser chain what to do with outcome and does it.
func (e *Engine) conclude(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node, outcome facilitator.Result) *visit {
	outcome = normalize(outcome)
	ctx, span := e.tracer.Start(ctx, "tusk.node.advise", trace.WithAttributes(
		attribute.String("tusk.node_execution.id", ne.ID),
		attribute.String("tusk.outcome.status", string(outcome.Status)),
	))
	defer span.End()

	if node == nil {
		return e.applyDefault(ctx, ne, nil, outcome)
	}
	in := adviser.Input{Node: node, Execution: ne, Status: outcome.Status, Failure: outcome.Failure}
	action, ok, err := e.advisers.ObtainAdvice(in, node.Advisers)
	if err != nil {
		outcome = facilitator.Result{
			Status:  execution.StatusErrored,
			Failure: execution.Failure(execution.KindConfiguration, "%v", err),
			Outputs: outcome.Outputs,
		}
		ok = false
	}
	if !ok {
		span.SetAttributes(attribute.String("tusk.advice", "none"))
		return e.applyDefault(ctx, ne, node, outcome)
	}
	span.SetAttributes(attribute.String("tusk.advice", string(action.Kind())))
	return e.apply(ctx, p, ne, node, outcome, action)
}

// applyDefault handles an outcome no adviser claimed: success-like outcomes
// and always-run nodes continue, failures end the branch.
func (e *Engine) applyDefault(ctx context.Context, ne *execution.NodeExecution, node *plan.Node, outcome facilitator.Result) *visit {
	if !e.finalize(ctx, ne, outcome, false) {
		return nil
	}
	next := ""
	if node != nil {
		next = node.Next
	}
	if outcome.Status.IsSuccessful() {
		return e.proceed(ctx, ne, next)
	}
	if node != nil && node.ShouldAlwaysRun && next != "" {
		return e.proceed(ctx, ne, next)
	}
	return e.endBranch(ctx, ne, outcome.Status, outcome.Failure)
}

func (e *Engine) apply(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node, outcome facilitator.Result, action adviser.Action) *visit {
	e.emitNode(events.AdviceApplied, ne, map[string]any{"action": string(action.Kind()), "outcome": string(outcome.Status)})

	switch a := action.(type) {
	case adviser.Proceed:
		if !e.finalize(ctx, ne, outcome, false) {
			return nil
		}
		next := a.NextNodeID
		if next == "" {
			next = node.Next
		}
		return e.proceed(ctx, ne, next)

	case adviser.Ignore:
		if !e.finalize(ctx, ne, outcome, outcome.Status.IsFailure()) {
			return nil
		}
		return e.proceed(ctx, ne, node.Next)

	case adviser.MarkSuccess:
		if !e.finalize(ctx, ne, facilitator.Result{Status: execution.StatusSucceeded, Outputs: outcome.Outputs}, false) {
			return nil
		}
		return e.proceed(ctx, ne, node.Next)

	case adviser.Abort:
		failure := outcome.Failure
		if failure == nil {
			failure = execution.Failure(execution.KindAborted, "aborted by adviser")
		}
		if !e.finalize(ctx, ne, facilitator.Result{Status: execution.StatusAborted, Failure: failure, Outputs: outcome.Outputs}, false) {
			return nil
		}
		e.abortDescendants(ctx, ne, execution.Failure(execution.KindAborted, "ancestor %s aborted", ne.ID))
		return e.endBranch(ctx, ne, execution.StatusAborted, failure)

	case adviser.Retry:
		return e.retry(ctx, p, ne, node, outcome, a)

	case adviser.ManualIntervention:
		return e.pause(ctx, ne, outcome, a)

	case adviser.TriggerRollback:
		e.triggerRollback(ctx, ne, outcome)
		return nil
	}
	log.Printf("component=engine action=unknown_advice kind=%s node_execution=%s", action.Kind(), ne.ID)
	return e.applyDefault(ctx, ne, node, outcome)
}

// finalize moves the execution to the outcome's terminal status. It
// reports false when another writer already finished the execution.
func (e *Engine) finalize(ctx context.Context, ne *execution.NodeExecution, outcome facilitator.Result, ignored bool, extra ...func(*execution.NodeExecution)) bool {
	updated, err := e.store.UpdateNodeExecution(ctx, ne.ID, func(cur *execution.NodeExecution) error {
		if err := cur.Transition(outcome.Status, time.Now()); err != nil {
			return err
		}
		cur.Failure = outcome.Failure
		cur.FailureIgnored = ignored
		if outcome.Outputs != nil {
			cur.Outputs = outcome.Outputs
		}
		for _, fn := range extra {
			fn(cur)
		}
		return nil
	})
	if err != nil {
		e.storeFailure("finalize", ne.ID, err)
		return false
	}
	e.cancelTimeouts(ne.ID)
	var data map[string]any
	if updated.Failure != nil {
		data = map[string]any{"reason": updated.Failure.String(), "ignored": updated.FailureIgnored}
	}
	e.emitNode(events.NodeFinished, updated, data)
	return true
}

// proceed continues the branch with next, or ends it successfully.
func (e *Engine) proceed(ctx context.Context, ne *execution.NodeExecution, next string) *visit {
	if next == "" {
		return e.endBranch(ctx, ne, execution.StatusSucceeded, nil)
	}
	return &visit{
		planExecutionID: ne.PlanExecutionID,
		nodeID:          next,
		amb:             ne.Ambiance.Parent(),
		parentID:        ne.ParentID,
		notifyID:        ne.NotifyID,
		previousID:      ne.ID,
	}
}

// endBranch reports a finished branch to whoever waits on it.
func (e *Engine) endBranch(ctx context.Context, ne *execution.NodeExecution, status execution.Status, failure *execution.FailureInfo) *visit {
	if ne.NotifyID != "" {
		payload, err := json.Marshal(facilitator.Result{Status: status, Failure: failure})
		if err != nil {
			log.Printf("component=engine action=encode_branch_result node_execution=%s err=%v", ne.ID, err)
			return nil
		}
		if err := e.OnExternalCompletion(ctx, ne.NotifyID, payload); err != nil {
			log.Printf("component=engine action=notify_parent node_execution=%s notify_id=%s err=%v", ne.ID, ne.NotifyID, err)
		}
		return nil
	}
	e.finishPlan(ctx, ne.PlanExecutionID, planStatusFor(status), failure)
	return nil
}

func planStatusFor(s execution.Status) execution.PlanStatus {
	switch {
	case s.IsSuccessful():
		return execution.PlanSucceeded
	case s == execution.StatusAborted:
		return execution.PlanAborted
	default:
		return execution.PlanFailed
	}
}

// finishPlan records the final status of a plan run once.
func (e *Engine) finishPlan(ctx context.Context, id string, status execution.PlanStatus, failure *execution.FailureInfo) {
	updated, err := e.store.UpdatePlanExecution(ctx, id, func(cur *execution.PlanExecution) error {
		if cur.Status.IsTerminal() {
			return execution.ErrStale
		}
		now := time.Now()
		cur.Status = status
		cur.EndedAt = &now
		if status != execution.PlanSucceeded {
			cur.Failure = failure
		}
		return nil
	})
	if err != nil {
		e.storeFailure("finish_plan", id, err)
		return
	}
	var data map[string]any
	if updated.Failure != nil {
		data = map[string]any{"reason": updated.Failure.String()}
	}
	e.emitter.Emit(events.Event{Type: events.PlanFinished, PlanExecutionID: id, Status: string(updated.Status), Data: data})
}

// retry finishes ne as an old attempt and starts a successor, or applies the
// exhaust action once MaxAttempts retries have happened.
func (e *Engine) retry(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node, outcome facilitator.Result, a adviser.Retry) *visit {
	if ne.RetryCount >= a.MaxAttempts {
		if a.OnExhaust != nil {
			return e.apply(ctx, p, ne, node, outcome, a.OnExhaust)
		}
		if !e.finalize(ctx, ne, outcome, false) {
			return nil
		}
		status := outcome.Status
		if !status.IsFailure() {
			status = execution.StatusFailed
		}
		return e.endBranch(ctx, ne, status, outcome.Failure)
	}

	if !e.finalize(ctx, ne, outcome, false, func(cur *execution.NodeExecution) { cur.OldRetry = true }) {
		return nil
	}

	now := time.Now()
	id := newID()
	level, _ := ne.Ambiance.CurrentLevel()
	level.RuntimeID = id
	level.RetryIndex = ne.RetryCount + 1
	level.StartedAt = now
	succ := &execution.NodeExecution{
		ID:              id,
		PlanExecutionID: ne.PlanExecutionID,
		PlanNodeID:      ne.PlanNodeID,
		Identifier:      ne.Identifier,
		StepKind:        ne.StepKind,
		Status:          execution.StatusQueued,
		RetryCount:      ne.RetryCount + 1,
		RetryOf:         ne.ID,
		ParentID:        ne.ParentID,
		NotifyID:        ne.NotifyID,
		PreviousID:      ne.PreviousID,
		Ambiance:        ne.Ambiance.Parent().WithLevel(level),
		StartedAt:       now,
	}
	if err := e.store.CreateNodeExecution(ctx, succ); err != nil {
		e.storeFailure("create_retry", id, err)
		return nil
	}
	e.emitNode(events.NodeRetrying, succ, map[string]any{
		"retry_of": ne.ID,
		"attempt":  succ.RetryCount,
		"delay":    a.Delay.String(),
	})

	if a.Delay <= 0 {
		return e.execute(ctx, p, succ, node)
	}
	e.scheduleRetry(ctx, succ.ID, now.Add(a.Delay))
	return nil
}

// scheduleRetry registers a retry-delay wakeup. Pending wakeups count as
// in-flight work for Wait.
func (e *Engine) scheduleRetry(ctx context.Context, id string, at time.Time) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	tid := e.timeouts.Register(id, at, timeout.Event{Kind: timeout.KindRetryDelay, ExecutionID: id})
	e.delays[tid] = id
	e.wg.Add(1)
	e.mu.Unlock()
	e.recordTimeout(ctx, id, tid)
}

// cancelTimeouts drops every pending timeout owned by an execution.
func (e *Engine) cancelTimeouts(id string) {
	e.mu.Lock()
	for tid, owner := range e.delays {
		if owner == id && e.timeouts.Cancel(tid) {
			delete(e.delays, tid)
			e.wg.Done()
		}
	}
	e.mu.Unlock()
	e.timeouts.CancelOwner(id)
}

// pause parks the execution until an operator or the intervention timeout decides.
func (e *Engine) pause(ctx context.Context, ne *execution.NodeExecution, outcome facilitator.Result, a adviser.ManualIntervention) *visit {
	pending := execution.PendingIntervention{Outcome: outcome.Status, Failure: outcome.Failure}
	if a.OnTimeout != nil {
		raw, err := json.Marshal(a.OnTimeout)
		if err != nil {
			log.Printf("component=engine action=encode_on_timeout node_execution=%s err=%v", ne.ID, err)
		} else {
			pending.OnTimeout = raw
		}
	}
	if a.Timeout > 0 {
		pending.Deadline = time.Now().Add(a.Timeout)
	}
	paused, err := e.store.UpdateNodeExecution(ctx, ne.ID, func(cur *execution.NodeExecution) error {
		if err := cur.Transition(execution.StatusPaused, time.Now()); err != nil {
			return err
		}
		iv := pending
		cur.Intervention = &iv
		cur.Failure = outcome.Failure
		if outcome.Outputs != nil {
			cur.Outputs = outcome.Outputs
		}
		return nil
	})
	if err != nil {
		e.storeFailure("pause", ne.ID, err)
		return nil
	}
	if a.Timeout > 0 {
		tid := e.timeouts.Register(paused.ID, pending.Deadline, timeout.Event{Kind: timeout.KindIntervention, ExecutionID: paused.ID})
		e.recordTimeout(ctx, paused.ID, tid)
	}
	e.emitNode(events.InterventionRequested, paused, map[string]any{"outcome": string(outcome.Status), "timeout": a.Timeout.String()})
	return nil
}
