// ABOUTME: Forward execution of a node: creation, nesting and skip checks, parameter resolution and facilitation.
// ABOUTME: Waiting modes persist their state before any external work starts so early completions always find it.
package engine

import (
	"context"
	"log"
	"time"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/expression"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/ids"
	"github.com/2389-research/tusk/plan"
	"github.com/2389-research/tusk/timeout"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var newID = ids.New

// visit is a request to run a plan node as a fresh execution.
type visit struct {
	planExecutionID string
	nodeID          string
	amb             ambiance.Ambiance // context without the node's own level
	executionID     string            // pre-assigned when a parent waits on it
	parentID        string
	notifyID        string
	previousID      string
}

// drive follows a branch: each visit may hand back the next one.
func (e *Engine) drive(ctx context.Context, v *visit) {
	for v != nil {
		v = e.visitNode(ctx, *v)
	}
}

// live reports whether the plan run and the parent execution still accept work.
func (e *Engine) live(ctx context.Context, planExecutionID, parentID string) bool {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		e.storeFailure("load_plan_execution", planExecutionID, err)
		return false
	}
	if pe.Status.IsTerminal() {
		e.stale("plan_finished", planExecutionID, nil)
		return false
	}
	if parentID == "" {
		return true
	}
	parent, err := e.store.GetNodeExecution(ctx, parentID)
	if err != nil {
		e.storeFailure("load_parent", parentID, err)
		return false
	}
	if parent.Status.IsTerminal() {
		e.stale("parent_finished", parentID, nil)
		return false
	}
	return true
}

func (e *Engine) visitNode(ctx context.Context, v visit) *visit {
	if !e.live(ctx, v.planExecutionID, v.parentID) {
		return nil
	}
	pe, err := e.store.GetPlanExecution(ctx, v.planExecutionID)
	if err != nil {
		e.storeFailure("load_plan_execution", v.planExecutionID, err)
		return nil
	}
	p, err := e.loadPlan(ctx, pe.PlanID)
	if err != nil {
		e.storeFailure("load_plan", pe.PlanID, err)
		return nil
	}
	node := p.Node(v.nodeID)

	id := v.executionID
	if id == "" {
		id = newID()
	}
	now := time.Now()
	ne := &execution.NodeExecution{
		ID:              id,
		PlanExecutionID: v.planExecutionID,
		PlanNodeID:      v.nodeID,
		Identifier:      v.nodeID,
		Status:          execution.StatusQueued,
		ParentID:        v.parentID,
		NotifyID:        v.notifyID,
		PreviousID:      v.previousID,
		StartedAt:       now,
	}
	level := ambiance.Level{SetupID: v.nodeID, RuntimeID: id, Identifier: v.nodeID, StartedAt: now}
	if node != nil {
		ne.Identifier = node.Identifier
		ne.StepKind = node.StepKind
		level.Identifier = node.Identifier
		level.StepKind = node.StepKind
		level.Group = node.Group
	}
	ne.Ambiance = v.amb.WithLevel(level)
	existing, err := e.createOnce(ctx, ne)
	if err != nil {
		e.storeFailure("create_node_execution", id, err)
		return nil
	}
	if existing != nil {
		return e.join(ctx, v, existing)
	}
	e.emitNode(events.NodeStarted, ne, nil)

	if node == nil {
		return e.conclude(ctx, p, ne, nil, facilitator.Result{
			Status:  execution.StatusErrored,
			Failure: execution.Failure(execution.KindConfiguration, "plan node %q not found", v.nodeID),
		})
	}
	if e.tooDeep(ne) {
		return e.conclude(ctx, p, ne, node, maxNesting())
	}

	skip, err := e.shouldSkip(node, e.scope(ctx, p, ne, node))
	if err != nil {
		return e.conclude(ctx, p, ne, node, facilitator.Result{
			Status:  execution.StatusFailed,
			Failure: execution.Failure(execution.KindEvaluation, "%v", err),
		})
	}
	if skip {
		return e.conclude(ctx, p, ne, node, facilitator.Result{Status: execution.StatusSkipped})
	}
	return e.execute(ctx, p, ne, node)
}

func maxNesting() facilitator.Result {
	return facilitator.Result{
		Status:  execution.StatusFailed,
		Failure: execution.Failure(execution.KindMaxNesting, "max nesting depth exceeded"),
	}
}

func (e *Engine) tooDeep(ne *execution.NodeExecution) bool {
	return ne.Ambiance.Depth() > e.maxDepth
}

// createOnce stores ne unless its plan node already has a current execution
// in the run, which it returns instead.
func (e *Engine) createOnce(ctx context.Context, ne *execution.NodeExecution) (*execution.NodeExecution, error) {
	e.visitMu.Lock()
	defer e.visitMu.Unlock()
	current, err := e.store.ListNodeExecutions(ctx, ne.PlanExecutionID, execution.Filter{PlanNodeID: ne.PlanNodeID, ExcludeRetried: true})
	if err != nil {
		return nil, err
	}
	if len(current) > 0 {
		return current[0], nil
	}
	return nil, e.store.CreateNodeExecution(ctx, ne)
}

// join ends a branch that arrived at a node another branch already runs.
// The running branch reports the node's outcome; a waiting parent hears
// success for the joining branch so its fan-in still completes.
func (e *Engine) join(ctx context.Context, v visit, existing *execution.NodeExecution) *visit {
	log.Printf("component=engine action=join_branch plan_execution=%s node=%s existing=%s notify_id=%s",
		v.planExecutionID, v.nodeID, existing.ID, v.notifyID)
	if v.notifyID == "" {
		return nil
	}
	return e.endBranch(ctx, &execution.NodeExecution{
		ID:              v.executionID,
		PlanExecutionID: v.planExecutionID,
		PlanNodeID:      v.nodeID,
		NotifyID:        v.notifyID,
	}, execution.StatusSucceeded, nil)
}

// shouldSkip evaluates When and then the skip expressions in order.
func (e *Engine) shouldSkip(node *plan.Node, scope expression.Scope) (bool, error) {
	if node.When != "" {
		ok, err := expression.EvaluateBool(e.evaluator, node.When, scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	for _, expr := range node.SkipExpressions {
		skip, err := expression.EvaluateBool(e.evaluator, expr, scope)
		if err != nil {
			return false, err
		}
		if skip {
			return true, nil
		}
	}
	return false, nil
}

// execute resolves parameters, marks the execution RUNNING and hands it to
// its facilitator. Retry successors re-enter here.
func (e *Engine) execute(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node) *visit {
	if !e.live(ctx, ne.PlanExecutionID, ne.ParentID) {
		return nil
	}
	if e.tooDeep(ne) {
		return e.conclude(ctx, p, ne, node, maxNesting())
	}
	params, err := expression.ResolveParameters(e.evaluator, node.Parameters, e.scope(ctx, p, ne, node))
	if err != nil {
		return e.conclude(ctx, p, ne, node, facilitator.Result{
			Status:  execution.StatusFailed,
			Failure: execution.Failure(execution.KindEvaluation, "%v", err),
		})
	}
	fac, err := e.facilitators.Resolve(node.StepKind, node.FacilitationHint)
	if err != nil {
		return e.conclude(ctx, p, ne, node, facilitator.Result{
			Status:  execution.StatusErrored,
			Failure: execution.Failure(execution.KindConfiguration, "%v", err),
		})
	}

	running, err := e.store.UpdateNodeExecution(ctx, ne.ID, func(cur *execution.NodeExecution) error {
		if err := cur.Transition(execution.StatusRunning, time.Now()); err != nil {
			return err
		}
		cur.ResolvedParameters = params
		cur.Mode = string(fac.Mode())
		return nil
	})
	if err != nil {
		e.storeFailure("start_node_execution", ne.ID, err)
		return nil
	}
	e.emitNode(events.NodeStatusChanged, running, nil)

	in := facilitator.Input{Node: node, Execution: running, Ambiance: running.Ambiance, Parameters: params}
	resp, err := e.obtain(ambiance.WithContext(ctx, running.Ambiance), fac, in)
	if err != nil {
		return e.conclude(ctx, p, running, node, facilitator.Result{
			Status:  execution.StatusFailed,
			Failure: execution.Failure(execution.KindStepError, "%v", err),
		})
	}

	switch r := resp.(type) {
	case facilitator.SyncResponse:
		return e.conclude(ctx, p, running, node, r.Result)
	case facilitator.AsyncResponse:
		return e.await(ctx, p, running, node, r)
	case facilitator.TaskResponse:
		return e.dispatch(ctx, p, running, node, r)
	case facilitator.ChildResponse:
		return e.spawn(ctx, p, running, node, facilitator.ModeChild, []string{r.ChildNodeID})
	case facilitator.ChildrenResponse:
		return e.spawn(ctx, p, running, node, facilitator.ModeChildren, r.ChildNodeIDs)
	}
	return e.conclude(ctx, p, running, node, facilitator.Result{
		Status:  execution.StatusErrored,
		Failure: execution.Failure(execution.KindConfiguration, "facilitator returned no response"),
	})
}

func (e *Engine) obtain(ctx context.Context, fac facilitator.Facilitator, in facilitator.Input) (facilitator.Response, error) {
	ctx, span := e.tracer.Start(ctx, "tusk.node.facilitate", trace.WithAttributes(
		attribute.String("tusk.plan_execution.id", in.Execution.PlanExecutionID),
		attribute.String("tusk.node.id", in.Node.ID),
		attribute.String("tusk.node.step_kind", in.Node.StepKind),
		attribute.String("tusk.node_execution.id", in.Execution.ID),
		attribute.Int("tusk.node_execution.retry_count", in.Execution.RetryCount),
		attribute.String("tusk.facilitation.mode", string(fac.Mode())),
	))
	defer span.End()

	resp, err := facilitator.SafeObtain(ctx, fac, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp != nil {
		span.SetAttributes(attribute.String("tusk.response.mode", string(resp.Mode())))
	}
	return resp, nil
}

func waitTimeout(requested time.Duration, node *plan.Node, fallback time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if node.Timeout > 0 {
		return node.Timeout.Std()
	}
	return fallback
}

// await parks the execution on the facilitator's callback ids.
func (e *Engine) await(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node, r facilitator.AsyncResponse) *visit {
	if len(r.CallbackIDs) == 0 {
		return e.conclude(ctx, p, ne, node, facilitator.Result{Status: execution.StatusSucceeded})
	}
	waiting, err := e.store.UpdateNodeExecution(ctx, ne.ID, func(cur *execution.NodeExecution) error {
		if err := cur.Transition(execution.StatusAsyncWaiting, time.Now()); err != nil {
			return err
		}
		cur.Mode = string(facilitator.ModeAsync)
		cur.CallbackIDs = append([]string(nil), r.CallbackIDs...)
		return nil
	})
	if err != nil {
		e.storeFailure("await", ne.ID, err)
		return nil
	}
	e.emitNode(events.NodeStatusChanged, waiting, map[string]any{"callback_ids": waiting.CallbackIDs})
	if d := waitTimeout(r.Timeout, node, 0); d > 0 {
		e.scheduleExpiry(ctx, waiting.ID, d)
	}
	return nil
}

// dispatch hands the task payload to the transport under a fresh correlation id.
func (e *Engine) dispatch(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node, r facilitator.TaskResponse) *visit {
	if e.transport == nil {
		return e.conclude(ctx, p, ne, node, facilitator.Result{
			Status:  execution.StatusFailed,
			Failure: execution.Failure(execution.KindTransport, "no task transport configured"),
		})
	}
	correlationID := ids.NewCorrelationID()
	waiting, err := e.store.UpdateNodeExecution(ctx, ne.ID, func(cur *execution.NodeExecution) error {
		if err := cur.Transition(execution.StatusTaskWaiting, time.Now()); err != nil {
			return err
		}
		cur.Mode = string(facilitator.ModeTask)
		cur.CallbackIDs = []string{correlationID}
		return nil
	})
	if err != nil {
		e.storeFailure("dispatch", ne.ID, err)
		return nil
	}
	e.emitNode(events.TaskDispatched, waiting, map[string]any{"correlation_id": correlationID})
	if d := waitTimeout(r.Timeout, node, e.taskTimeout); d > 0 {
		e.scheduleExpiry(ctx, waiting.ID, d)
	}

	if err := e.transport.Dispatch(ctx, r.Payload, correlationID); err != nil {
		claimed, cerr := e.claimWaiting(ctx, waiting.ID)
		if cerr != nil {
			e.storeFailure("dispatch_failed", waiting.ID, cerr)
			return nil
		}
		return e.conclude(ctx, p, claimed, node, facilitator.Result{
			Status:  execution.StatusFailed,
			Failure: execution.Failure(execution.KindTransport, "%v", err),
		})
	}
	return nil
}

// spawn pre-assigns child execution ids, records them as callback ids and
// starts every child on its own trigger.
func (e *Engine) spawn(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node, mode facilitator.Mode, childNodeIDs []string) *visit {
	if len(childNodeIDs) == 0 {
		return e.conclude(ctx, p, ne, node, facilitator.Result{Status: execution.StatusSucceeded})
	}
	childIDs := make([]string, len(childNodeIDs))
	for i := range childIDs {
		childIDs[i] = newID()
	}
	waiting, err := e.store.UpdateNodeExecution(ctx, ne.ID, func(cur *execution.NodeExecution) error {
		if err := cur.Transition(execution.StatusChildWaiting, time.Now()); err != nil {
			return err
		}
		cur.Mode = string(mode)
		cur.CallbackIDs = append([]string(nil), childIDs...)
		return nil
	})
	if err != nil {
		e.storeFailure("spawn", ne.ID, err)
		return nil
	}
	e.emitNode(events.NodeStatusChanged, waiting, map[string]any{"children": childNodeIDs})

	for i, childNodeID := range childNodeIDs {
		v := &visit{
			planExecutionID: waiting.PlanExecutionID,
			nodeID:          childNodeID,
			amb:             waiting.Ambiance,
			executionID:     childIDs[i],
			parentID:        waiting.ID,
			notifyID:        childIDs[i],
		}
		e.trigger("child", func(ctx context.Context) { e.drive(ctx, v) })
	}
	return nil
}

// claimWaiting moves a waiting execution back to RUNNING so exactly one
// caller concludes it.
func (e *Engine) claimWaiting(ctx context.Context, id string) (*execution.NodeExecution, error) {
	return e.store.UpdateNodeExecution(ctx, id, func(cur *execution.NodeExecution) error {
		if !cur.Status.IsWaiting() {
			return execution.ErrStale
		}
		return cur.Transition(execution.StatusRunning, time.Now())
	})
}

func (e *Engine) scheduleExpiry(ctx context.Context, id string, d time.Duration) {
	tid := e.timeouts.Register(id, time.Now().Add(d), timeout.Event{Kind: timeout.KindExpiry, ExecutionID: id})
	e.recordTimeout(ctx, id, tid)
}

// recordTimeout notes a timeout id on the execution. A terminal execution
// gets its timeout cancelled instead.
func (e *Engine) recordTimeout(ctx context.Context, id, tid string) {
	_, err := e.store.UpdateNodeExecution(ctx, id, func(cur *execution.NodeExecution) error {
		if cur.Status.IsTerminal() {
			return execution.ErrStale
		}
		cur.TimeoutIDs = append(cur.TimeoutIDs, tid)
		return nil
	})
	if err != nil {
		e.cancelTimeouts(id)
	}
}

// scope builds the expression context for a node.
func (e *Engine) scope(ctx context.Context, p *plan.Plan, ne *execution.NodeExecution, node *plan.Node) expression.Scope {
	steps := make(map[string]any)
	if nes, err := e.store.ListNodeExecutions(ctx, ne.PlanExecutionID, execution.Filter{ExcludeRetried: true}); err == nil {
		for _, other := range nes {
			outputs := other.Outputs
			if outputs == nil {
				outputs = map[string]any{}
			}
			steps[other.Identifier] = map[string]any{
				"id":         other.ID,
				"status":     string(other.Status),
				"outputs":    outputs,
				"retryCount": other.RetryCount,
			}
		}
	}
	vars := p.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return expression.MapScope{
		"pipeline": map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"executionId": ne.PlanExecutionID,
			"variables":   vars,
		},
		"ambiance": ne.Ambiance.Fields(),
		"steps":    steps,
		"node": map[string]any{
			"id":         node.ID,
			"identifier": node.Identifier,
			"name":       node.Name,
			"stepKind":   node.StepKind,
			"group":      node.Group,
			"retryCount": ne.RetryCount,
		},
	}
}
