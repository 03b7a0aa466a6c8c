// ABOUTME: Resumption of waiting executions from callbacks, child completions and timeouts.
// ABOUTME: Unknown, duplicate or late callbacks are logged as stale and otherwise ignored.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/plan"
	"github.com/2389-research/tusk/timeout"
	"github.com/2389-research/tusk/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OnExternalCompletion records the response for a callback or correlation
// id. When the owning execution has every response it resumes on its own
// trigger. Completions nobody waits for are dropped and return nil.
func (e *Engine) OnExternalCompletion(ctx context.Context, correlationID string, payload json.RawMessage) error {
	ne, err := e.store.FindByCallbackID(ctx, correlationID)
	if errors.Is(err, execution.ErrNotFound) {
		e.stale("unknown_callback", correlationID, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("find callback %s: %w", correlationID, err)
	}

	resp := execution.Response{Status: responseStatus(payload), ReceivedAt: time.Now()}
	if len(payload) > 0 {
		resp.Payload = append(json.RawMessage(nil), payload...)
	}
	advance := false
	updated, err := e.store.UpdateNodeExecution(ctx, ne.ID, func(cur *execution.NodeExecution) error {
		advance = false
		if !cur.Status.IsWaiting() || !cur.HasCallback(correlationID) {
			return execution.ErrStale
		}
		if _, seen := cur.Responses[correlationID]; seen {
			return execution.ErrStale
		}
		if cur.Responses == nil {
			cur.Responses = make(map[string]execution.Response)
		}
		cur.Responses[correlationID] = resp
		if cur.AllResponded() {
			advance = true
			return cur.Transition(execution.StatusRunning, time.Now())
		}
		return nil
	})
	if errors.Is(err, execution.ErrStale) || errors.Is(err, execution.ErrNotFound) {
		e.stale("late_callback", correlationID, err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record callback %s: %w", correlationID, err)
	}
	log.Printf("component=engine action=callback node_execution=%s callback=%s complete=%t", updated.ID, correlationID, advance)
	if advance {
		e.trigger("resume", func(ctx context.Context) { e.resume(ctx, updated) })
	}
	return nil
}

// responseStatus pulls an optional "status" field out of a payload.
func responseStatus(payload json.RawMessage) execution.Status {
	var probe struct {
		Status execution.Status `json:"status"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &probe) != nil {
		return ""
	}
	return probe.Status
}

// resume turns the collected responses of a claimed execution into an
// outcome and concludes it.
func (e *Engine) resume(ctx context.Context, ne *execution.NodeExecution) {
	p, node, ok := e.planFor(ctx, ne)
	if !ok {
		return
	}
	ctx, span := e.tracer.Start(ambiance.WithContext(ctx, ne.Ambiance), "tusk.node.resume", trace.WithAttributes(
		attribute.String("tusk.node_execution.id", ne.ID),
		attribute.String("tusk.facilitation.mode", ne.Mode),
		attribute.Int("tusk.responses", len(ne.Responses)),
	))
	defer span.End()

	responses := make([]execution.Response, 0, len(ne.CallbackIDs))
	for _, id := range ne.CallbackIDs {
		responses = append(responses, ne.Responses[id])
	}

	var outcome facilitator.Result
	switch facilitator.Mode(ne.Mode) {
	case facilitator.ModeChild, facilitator.ModeChildren:
		outcome = aggregateChildren(ne)
	default:
		if node == nil {
			outcome = facilitator.Result{
				Status:  execution.StatusErrored,
				Failure: execution.Failure(execution.KindConfiguration, "plan node %q not found", ne.PlanNodeID),
			}
			break
		}
		fac, err := e.facilitators.Resolve(node.StepKind, node.FacilitationHint)
		if err != nil {
			outcome = facilitator.Result{Status: execution.StatusErrored, Failure: execution.Failure(execution.KindConfiguration, "%v", err)}
			break
		}
		in := facilitator.Input{Node: node, Execution: ne, Ambiance: ne.Ambiance, Parameters: ne.ResolvedParameters}
		res, err := facilitator.SafeResume(ctx, fac, in, responses)
		if err != nil {
			res = facilitator.Result{Status: execution.StatusFailed, Failure: execution.Failure(execution.KindStepError, "%v", err)}
		}
		outcome = res
	}
	e.drive(ctx, e.conclude(ctx, p, ne, node, outcome))
}

// aggregateChildren succeeds only when every child branch succeeded or was skipped.
func aggregateChildren(ne *execution.NodeExecution) facilitator.Result {
	failed := 0
	children := make(map[string]any, len(ne.CallbackIDs))
	for _, id := range ne.CallbackIDs {
		var r facilitator.Result
		if resp, ok := ne.Responses[id]; ok && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, &r); err != nil {
				r.Status = execution.StatusErrored
			}
		}
		if r.Status == "" {
			r.Status = ne.Responses[id].Status
		}
		children[id] = string(r.Status)
		if !r.Status.IsSuccessful() {
			failed++
		}
	}
	outputs := map[string]any{"children": children}
	if failed > 0 {
		return facilitator.Result{
			Status:  execution.StatusFailed,
			Failure: execution.Failure(execution.KindChildFailure, "%d of %d children did not succeed", failed, len(ne.CallbackIDs)),
			Outputs: outputs,
		}
	}
	return facilitator.Result{Status: execution.StatusSucceeded, Outputs: outputs}
}

// planFor loads the plan and plan node behind an execution.
func (e *Engine) planFor(ctx context.Context, ne *execution.NodeExecution) (*plan.Plan, *plan.Node, bool) {
	pe, err := e.store.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		e.storeFailure("load_plan_execution", ne.PlanExecutionID, err)
		return nil, nil, false
	}
	p, err := e.loadPlan(ctx, pe.PlanID)
	if err != nil {
		e.storeFailure("load_plan", pe.PlanID, err)
		return nil, nil, false
	}
	return p, p.Node(ne.PlanNodeID), true
}

// onTimeout runs on the scheduler goroutine and hands each fired instance to a trigger.
func (e *Engine) onTimeout(inst timeout.Instance) {
	id := inst.Event.ExecutionID
	switch inst.Event.Kind {
	case timeout.KindRetryDelay:
		e.mu.Lock()
		_, ok := e.delays[inst.ID]
		delete(e.delays, inst.ID)
		e.mu.Unlock()
		if !ok {
			return
		}
		e.trigger("retry", func(ctx context.Context) { e.wakeRetry(ctx, id) })
		e.wg.Done()
	case timeout.KindExpiry:
		e.trigger("expire", func(ctx context.Context) { e.expire(ctx, id) })
	case timeout.KindIntervention:
		e.trigger("intervention_timeout", func(ctx context.Context) { e.interventionTimeout(ctx, id) })
	default:
		log.Printf("component=engine action=unknown_timeout kind=%s id=%s", inst.Event.Kind, inst.ID)
	}
}

// wakeRetry starts a retry successor once its delay has passed.
func (e *Engine) wakeRetry(ctx context.Context, id string) {
	ne, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		e.storeFailure("wake_retry", id, err)
		return
	}
	if ne.Status != execution.StatusQueued {
		e.stale("retry_not_queued", id, nil)
		return
	}
	p, node, ok := e.planFor(ctx, ne)
	if !ok {
		return
	}
	if node == nil {
		e.drive(ctx, e.conclude(ctx, p, ne, nil, facilitator.Result{
			Status:  execution.StatusErrored,
			Failure: execution.Failure(execution.KindConfiguration, "plan node %q not found", ne.PlanNodeID),
		}))
		return
	}
	e.drive(ctx, e.execute(ctx, p, ne, node))
}

// expire concludes a waiting execution whose deadline passed.
func (e *Engine) expire(ctx context.Context, id string) {
	claimed, err := e.claimWaiting(ctx, id)
	if err != nil {
		e.storeFailure("expire", id, err)
		return
	}
	if facilitator.Mode(claimed.Mode) == facilitator.ModeTask {
		e.cancelTask(ctx, claimed)
	}
	p, node, ok := e.planFor(ctx, claimed)
	if !ok {
		return
	}
	e.emitNode(events.NodeStatusChanged, claimed, map[string]any{"reason": "expired"})
	e.drive(ctx, e.conclude(ctx, p, claimed, node, facilitator.Result{
		Status:  execution.StatusExpired,
		Failure: execution.Failure(execution.KindExternalTimeout, "no completion before deadline"),
	}))
}

// cancelTask asks the transport, when it can, to drop the task behind ne.
func (e *Engine) cancelTask(ctx context.Context, ne *execution.NodeExecution) {
	c, ok := e.transport.(transport.Canceler)
	if !ok {
		return
	}
	for _, id := range ne.CallbackIDs {
		if err := c.Cancel(ctx, id); err != nil {
			log.Printf("component=engine action=cancel_task node_execution=%s correlation_id=%s err=%v", ne.ID, id, err)
		}
	}
}
