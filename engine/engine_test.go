// ABOUTME: Engine tests covering forward execution, fan-out and fan-in, advice, timeouts, aborts,
// ABOUTME: manual intervention and rollback against the in-memory store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/plan"
	"github.com/2389-research/tusk/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	t     *testing.T
	eng   *Engine
	store *execution.MemoryStore
	facs  *facilitator.Registry
	rec   *events.Recorder
	spans *tracetest.SpanRecorder
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		store: execution.NewMemoryStore(),
		facs:  facilitator.NewRegistry(),
		rec:   events.NewRecorder(),
		spans: tracetest.NewSpanRecorder(),
	}
	h.facs.Register("noop", facilitator.Sync(func(context.Context, facilitator.Input) (facilitator.Result, error) {
		return facilitator.Succeeded(nil), nil
	}))
	h.facs.Register("fail", facilitator.Sync(func(context.Context, facilitator.Input) (facilitator.Result, error) {
		return facilitator.Failed("step failed"), nil
	}))
	h.facs.Register("fanout", facilitator.NodeChildren())
	h.facs.Register("nest", facilitator.NodeChild())
	h.facs.Register("async", facilitator.Async(func(_ context.Context, in facilitator.Input) (facilitator.AsyncResponse, error) {
		return facilitator.AsyncResponse{CallbackIDs: []string{in.Execution.ID + "-cb"}}, nil
	}))

	opts := Options{
		Store:          h.store,
		Facilitators:   h.facs,
		Sinks:          []events.Sink{h.rec},
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans)),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	h.eng = eng
	t.Cleanup(func() { _ = eng.Close() })
	return h
}

func (h *harness) start(p *plan.Plan) *execution.PlanExecution {
	h.t.Helper()
	pe, err := h.eng.StartPlan(context.Background(), p, ambiance.New("acct", "org", "proj"))
	require.NoError(h.t, err)
	return pe
}

func (h *harness) await(id string) *execution.PlanExecution {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pe, err := h.eng.AwaitPlan(ctx, id)
	require.NoError(h.t, err)
	return pe
}

func (h *harness) executions(peID string, filter execution.Filter) []*execution.NodeExecution {
	h.t.Helper()
	nes, err := h.store.ListNodeExecutions(context.Background(), peID, filter)
	require.NoError(h.t, err)
	return nes
}

func (h *harness) only(peID, nodeID string) *execution.NodeExecution {
	h.t.Helper()
	nes := h.executions(peID, execution.Filter{PlanNodeID: nodeID, ExcludeRetried: true})
	require.Len(h.t, nes, 1, "executions of %s", nodeID)
	return nes[0]
}

func (h *harness) eventTypes(peID string) []events.Type {
	var out []events.Type
	for _, evt := range h.rec.ForPlanExecution(peID) {
		out = append(out, evt.Type)
	}
	return out
}

func node(id, kind string) *plan.Node {
	return &plan.Node{ID: id, Identifier: id, StepKind: kind}
}

func chain(nodes ...*plan.Node) []*plan.Node {
	for i := 0; i < len(nodes)-1; i++ {
		nodes[i].Next = nodes[i+1].ID
	}
	return nodes
}

func TestLinearPlanSucceeds(t *testing.T) {
	h := newHarness(t)
	pe := h.start(plan.New("p", chain(node("a", "noop"), node("b", "noop"))...))
	h.eng.Wait()

	done := h.await(pe.ID)
	assert.Equal(t, execution.PlanSucceeded, done.Status)
	assert.NotNil(t, done.EndedAt)

	a := h.only(pe.ID, "a")
	b := h.only(pe.ID, "b")
	assert.Equal(t, execution.StatusSucceeded, a.Status)
	assert.Equal(t, execution.StatusSucceeded, b.Status)
	assert.Equal(t, a.ID, b.PreviousID)
	assert.Equal(t, 1, b.Ambiance.Depth())
	assert.Equal(t, string(facilitator.ModeSync), b.Mode)

	var names []string
	for _, s := range h.spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "tusk.plan.start")
	assert.Contains(t, names, "tusk.node.facilitate")
	assert.Contains(t, names, "tusk.node.advise")

	require.NoError(t, h.eng.Close())
	types := h.eventTypes(pe.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, events.PlanStarted, types[0])
	assert.Equal(t, events.PlanFinished, types[len(types)-1])
}

func TestParametersResolveAgainstPriorSteps(t *testing.T) {
	h := newHarness(t)
	h.facs.Register("emit", facilitator.Sync(func(context.Context, facilitator.Input) (facilitator.Result, error) {
		return facilitator.Succeeded(map[string]any{"artifact": "build-42"}), nil
	}))
	var got atomic.Value
	h.facs.Register("deploy", facilitator.Sync(func(_ context.Context, in facilitator.Input) (facilitator.Result, error) {
		var params struct {
			Artifact string `json:"artifact"`
			Env      string `json:"env"`
		}
		if err := in.DecodeParameters(&params); err != nil {
			return facilitator.Result{}, err
		}
		got.Store(params.Artifact + "@" + params.Env)
		return facilitator.Succeeded(nil), nil
	}))

	deploy := node("deploy", "deploy")
	deploy.Parameters = json.RawMessage(`{"artifact":"<+steps.build.outputs.artifact>","env":"<+pipeline.variables.env>"}`)
	p := plan.New("p", chain(node("build", "emit"), deploy)...)
	p.Variables = map[string]any{"env": "staging"}

	pe := h.start(p)
	h.eng.Wait()
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, "build-42@staging", got.Load())
	assert.JSONEq(t, `{"artifact":"build-42","env":"staging"}`, string(h.only(pe.ID, "deploy").ResolvedParameters))
}

func TestSkippedNodeInvokesNoFacilitator(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.facs.Register("counted", facilitator.Sync(func(context.Context, facilitator.Input) (facilitator.Result, error) {
		calls.Add(1)
		return facilitator.Succeeded(nil), nil
	}))

	gated := node("gated", "counted")
	gated.When = "<+pipeline.variables.env> == prod"
	p := plan.New("p", chain(gated, node("after", "noop"))...)
	p.Variables = map[string]any{"env": "dev"}

	pe := h.start(p)
	h.eng.Wait()
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, execution.StatusSkipped, h.only(pe.ID, "gated").Status)
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "after").Status)
}

func TestSkipExpressionErrorFailsNode(t *testing.T) {
	h := newHarness(t)
	n := node("a", "noop")
	n.SkipExpressions = []string{"<+steps.missing.status> == SUCCEEDED"}

	pe := h.start(plan.New("p", n))
	h.eng.Wait()
	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)

	a := h.only(pe.ID, "a")
	assert.Equal(t, execution.StatusFailed, a.Status)
	require.NotNil(t, a.Failure)
	assert.Equal(t, execution.KindEvaluation, a.Failure.Kind)
}

func TestPreflightRejectsUnknownStepKindAndAdviser(t *testing.T) {
	h := newHarness(t)
	n := node("a", "nonexistent")
	n.Advisers = []plan.AdviserConfig{{Type: "BOGUS"}}

	_, err := h.eng.StartPlan(context.Background(), plan.New("p", n), ambiance.New("acct", "", ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Problems, 2)
}

func TestEmptyPlanSucceedsImmediately(t *testing.T) {
	h := newHarness(t)
	pe := h.start(&plan.Plan{ID: "empty"})
	assert.Equal(t, execution.PlanSucceeded, pe.Status)
	assert.Empty(t, h.executions(pe.ID, execution.Filter{}))
}

func TestFacilitatorPanicBecomesStepError(t *testing.T) {
	h := newHarness(t)
	h.facs.Register("boom", facilitator.Sync(func(context.Context, facilitator.Input) (facilitator.Result, error) {
		panic("kaboom")
	}))
	pe := h.start(plan.New("p", node("a", "boom")))
	h.eng.Wait()

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	a := h.only(pe.ID, "a")
	assert.Equal(t, execution.StatusFailed, a.Status)
	assert.Equal(t, execution.KindStepError, a.Failure.Kind)
}

func TestUnknownCorrelationIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.OnExternalCompletion(context.Background(), "does-not-exist", json.RawMessage(`{"status":"SUCCEEDED"}`)))
	require.NoError(t, h.eng.Close())

	var stale int
	for _, evt := range h.rec.Events() {
		if evt.Type == events.StaleEvent {
			stale++
		}
	}
	assert.Equal(t, 1, stale)
}

func TestAsyncCallbackResumesNode(t *testing.T) {
	h := newHarness(t)
	pe := h.start(plan.New("p", chain(node("wait", "async"), node("after", "noop"))...))
	h.eng.Wait()

	w := h.only(pe.ID, "wait")
	require.Equal(t, execution.StatusAsyncWaiting, w.Status)
	require.Len(t, w.CallbackIDs, 1)

	payload := json.RawMessage(`{"status":"SUCCEEDED","outputs":{"approved_by":"ops"}}`)
	require.NoError(t, h.eng.OnExternalCompletion(context.Background(), w.CallbackIDs[0], payload))
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)

	w = h.only(pe.ID, "wait")
	assert.Equal(t, execution.StatusSucceeded, w.Status)
	assert.Equal(t, "ops", w.Outputs["approved_by"])
}

func TestChildrenFanInIgnoresDuplicateCompletion(t *testing.T) {
	h := newHarness(t)
	parent := node("parent", "fanout")
	parent.Children = []string{"c1", "c2"}
	pe := h.start(plan.New("p", parent, node("c1", "async"), node("c2", "async")))
	h.eng.Wait()

	p := h.only(pe.ID, "parent")
	require.Equal(t, execution.StatusChildWaiting, p.Status)
	require.Len(t, p.CallbackIDs, 2)

	c1 := h.only(pe.ID, "c1")
	c2 := h.only(pe.ID, "c2")
	assert.Equal(t, p.ID, c1.ParentID)
	assert.Equal(t, 2, c1.Ambiance.Depth())
	assert.ElementsMatch(t, p.CallbackIDs, []string{c1.ID, c2.ID})

	ctx := context.Background()
	require.NoError(t, h.eng.OnExternalCompletion(ctx, c1.CallbackIDs[0], nil))
	h.eng.Wait()
	require.NoError(t, h.eng.OnExternalCompletion(ctx, c1.CallbackIDs[0], nil))
	h.eng.Wait()

	p = h.only(pe.ID, "parent")
	assert.Equal(t, execution.StatusChildWaiting, p.Status)
	assert.Len(t, p.Responses, 1)

	require.NoError(t, h.eng.OnExternalCompletion(ctx, c2.CallbackIDs[0], nil))
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "parent").Status)
}

func TestRetryBoundThenAbort(t *testing.T) {
	h := newHarness(t)
	b := node("b", "fail")
	b.Advisers = []plan.AdviserConfig{{
		Type:      plan.AdviserRetry,
		Retry:     &plan.RetryConfig{MaxAttempts: 2},
		OnExhaust: &plan.AdviserConfig{Type: plan.AdviserAbort},
	}}
	pe := h.start(plan.New("p", chain(node("a", "noop"), b)...))
	h.eng.Wait()

	assert.Equal(t, execution.PlanAborted, h.await(pe.ID).Status)
	all := h.executions(pe.ID, execution.Filter{})
	require.Len(t, all, 4)

	attempts := h.executions(pe.ID, execution.Filter{PlanNodeID: "b"})
	require.Len(t, attempts, 3)
	for i, ne := range attempts {
		assert.Equal(t, i, ne.RetryCount)
		assert.Equal(t, i < 2, ne.OldRetry)
		if i > 0 {
			assert.Equal(t, attempts[i-1].ID, ne.RetryOf)
			assert.Equal(t, i, ne.Ambiance.Fields()["retryIndex"])
		}
	}
	assert.Equal(t, execution.StatusFailed, attempts[0].Status)
	assert.Equal(t, execution.StatusAborted, attempts[2].Status)
}

func TestRetryDelayRunsThroughScheduler(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.facs.Register("flaky", facilitator.Sync(func(context.Context, facilitator.Input) (facilitator.Result, error) {
		if calls.Add(1) == 1 {
			return facilitator.Failed("first attempt fails"), nil
		}
		return facilitator.Succeeded(nil), nil
	}))
	n := node("flaky", "flaky")
	n.Advisers = []plan.AdviserConfig{{
		Type:  plan.AdviserRetry,
		Retry: &plan.RetryConfig{MaxAttempts: 3, Delay: plan.Duration(20 * time.Millisecond)},
	}}

	started := time.Now()
	pe := h.start(plan.New("p", n))
	h.eng.Wait()

	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, h.executions(pe.ID, execution.Filter{PlanNodeID: "flaky"}), 2)
}

func TestRetryExhaustedWithoutFallbackFailsBranch(t *testing.T) {
	h := newHarness(t)
	n := node("a", "fail")
	n.Advisers = []plan.AdviserConfig{{Type: plan.AdviserRetry, Retry: &plan.RetryConfig{MaxAttempts: 1}}}
	pe := h.start(plan.New("p", n))
	h.eng.Wait()

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	assert.Len(t, h.executions(pe.ID, execution.Filter{PlanNodeID: "a"}), 2)
}

func TestMarkSuccessOnChildLetsParentSucceed(t *testing.T) {
	h := newHarness(t)
	c := node("c", "fanout")
	c.Children = []string{"d", "e"}
	e := node("e", "fail")
	e.Advisers = []plan.AdviserConfig{{Type: plan.AdviserMarkSuccess}}
	pe := h.start(plan.New("p", c, node("d", "noop"), e))
	h.eng.Wait()

	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "c").Status)
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "e").Status)
	assert.Nil(t, h.only(pe.ID, "e").Failure)
}

func TestIgnoreKeepsFailureAndContinues(t *testing.T) {
	h := newHarness(t)
	a := node("a", "fail")
	a.Advisers = []plan.AdviserConfig{{Type: plan.AdviserIgnore}}
	pe := h.start(plan.New("p", chain(a, node("b", "noop"))...))
	h.eng.Wait()

	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	got := h.only(pe.ID, "a")
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.True(t, got.FailureIgnored)
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "b").Status)
}

func TestFailedChildFailsParent(t *testing.T) {
	h := newHarness(t)
	parent := node("parent", "fanout")
	parent.Children = []string{"ok", "bad"}
	pe := h.start(plan.New("p", parent, node("ok", "noop"), node("bad", "fail")))
	h.eng.Wait()

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	got := h.only(pe.ID, "parent")
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, execution.KindChildFailure, got.Failure.Kind)
}

func TestMaxNestingDepthFailsDeepChild(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxNestingDepth = 1 })
	parent := node("parent", "nest")
	parent.Children = []string{"child"}
	pe := h.start(plan.New("p", parent, node("child", "noop")))
	h.eng.Wait()

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	child := h.only(pe.ID, "child")
	assert.Equal(t, execution.StatusFailed, child.Status)
	assert.Equal(t, execution.KindMaxNesting, child.Failure.Kind)
}

func TestAbortNodeAbortsWaitingChildren(t *testing.T) {
	h := newHarness(t)
	parent := node("parent", "fanout")
	parent.Children = []string{"x", "y"}
	pe := h.start(plan.New("p", parent, node("x", "async"), node("y", "async")))
	h.eng.Wait()

	p := h.only(pe.ID, "parent")
	require.Equal(t, execution.StatusChildWaiting, p.Status)
	x := h.only(pe.ID, "x")
	require.Equal(t, execution.StatusAsyncWaiting, x.Status)

	require.NoError(t, h.eng.AbortNode(context.Background(), p.ID))
	assert.Equal(t, execution.PlanAborted, h.await(pe.ID).Status)
	for _, id := range []string{"parent", "x", "y"} {
		assert.Equal(t, execution.StatusAborted, h.only(pe.ID, id).Status, id)
	}

	require.NoError(t, h.eng.OnExternalCompletion(context.Background(), x.CallbackIDs[0], nil))
	h.eng.Wait()
	assert.Equal(t, execution.StatusAborted, h.only(pe.ID, "x").Status)
}

func TestAbortPlan(t *testing.T) {
	h := newHarness(t)
	pe := h.start(plan.New("p", node("wait", "async")))
	h.eng.Wait()

	ctx := context.Background()
	require.NoError(t, h.eng.Abort(ctx, pe.ID))
	got, err := h.eng.PlanExecution(ctx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.PlanAborted, got.Status)
	assert.Equal(t, execution.StatusAborted, h.only(pe.ID, "wait").Status)

	assert.ErrorIs(t, h.eng.Abort(ctx, pe.ID), execution.ErrStale)
}

type failingTransport struct{}

func (failingTransport) Dispatch(context.Context, json.RawMessage, string) error {
	return errors.New("broker unavailable")
}

type parkedTransport struct {
	mu         sync.Mutex
	dispatched []string
	cancelled  []string
}

func (p *parkedTransport) Dispatch(_ context.Context, _ json.RawMessage, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched = append(p.dispatched, correlationID)
	return nil
}

func (p *parkedTransport) Cancel(_ context.Context, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, correlationID)
	return nil
}

func registerTask(h *harness) {
	h.facs.Register("task", facilitator.Task(func(_ context.Context, in facilitator.Input) (facilitator.TaskResponse, error) {
		return facilitator.TaskResponse{Payload: in.Parameters}, nil
	}))
}

func TestTaskTransportErrorFailsNode(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Transport = failingTransport{} })
	registerTask(h)
	pe := h.start(plan.New("p", node("t", "task")))
	h.eng.Wait()

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	got := h.only(pe.ID, "t")
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, execution.KindTransport, got.Failure.Kind)
}

func TestTaskCompletesThroughLocalTransport(t *testing.T) {
	local := transport.NewLocal(2, func(_ context.Context, payload json.RawMessage) (map[string]any, error) {
		var in map[string]any
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]any{"echo": in["msg"]}, nil
	})
	h := newHarness(t, func(o *Options) { o.Transport = local })
	registerTask(h)
	local.Start(context.Background(), h.eng.OnExternalCompletion)
	t.Cleanup(local.Stop)

	n := node("t", "task")
	n.Parameters = json.RawMessage(`{"msg":"hello"}`)
	pe := h.start(plan.New("p", n))

	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	got := h.only(pe.ID, "t")
	assert.Equal(t, execution.StatusSucceeded, got.Status)
	assert.Equal(t, "hello", got.Outputs["echo"])
	assert.Equal(t, string(facilitator.ModeTask), got.Mode)
}

func TestTaskExpiryCancelsTransport(t *testing.T) {
	parked := &parkedTransport{}
	h := newHarness(t, func(o *Options) { o.Transport = parked })
	registerTask(h)
	n := node("t", "task")
	n.Timeout = plan.Duration(20 * time.Millisecond)
	pe := h.start(plan.New("p", n))

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	got := h.only(pe.ID, "t")
	assert.Equal(t, execution.StatusExpired, got.Status)
	assert.Equal(t, execution.KindExternalTimeout, got.Failure.Kind)

	parked.mu.Lock()
	defer parked.mu.Unlock()
	require.Len(t, parked.dispatched, 1)
	assert.Equal(t, parked.dispatched, parked.cancelled)

	// A completion after expiry changes nothing.
	require.NoError(t, h.eng.OnExternalCompletion(context.Background(), parked.dispatched[0], nil))
	assert.Equal(t, execution.StatusExpired, h.only(pe.ID, "t").Status)
}

func pausing(timeout time.Duration, onTimeout *plan.AdviserConfig) []plan.AdviserConfig {
	return []plan.AdviserConfig{{
		Type:         plan.AdviserManualIntervention,
		Intervention: &plan.InterventionConfig{Timeout: plan.Duration(timeout), OnTimeout: onTimeout},
	}}
}

func TestInterventionOperatorDecision(t *testing.T) {
	h := newHarness(t)
	n := node("gate", "fail")
	n.Advisers = pausing(0, nil)
	pe := h.start(plan.New("p", n))
	h.eng.Wait()

	paused := h.only(pe.ID, "gate")
	require.Equal(t, execution.StatusPaused, paused.Status)
	require.NotNil(t, paused.Intervention)
	assert.Equal(t, execution.StatusFailed, paused.Intervention.Outcome)

	ctx := context.Background()
	err := h.eng.Intervene(ctx, paused.ID, plan.AdviserConfig{Type: "NOT_A_TYPE"})
	assert.ErrorIs(t, err, ErrConfiguration)

	require.NoError(t, h.eng.Intervene(ctx, paused.ID, plan.AdviserConfig{Type: plan.AdviserMarkSuccess}))
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "gate").Status)

	assert.ErrorIs(t, h.eng.Intervene(ctx, paused.ID, plan.AdviserConfig{Type: plan.AdviserAbort}), execution.ErrStale)
}

func TestInterventionTimeoutAppliesOnTimeout(t *testing.T) {
	h := newHarness(t)
	n := node("gate", "fail")
	n.Advisers = pausing(20*time.Millisecond, &plan.AdviserConfig{Type: plan.AdviserIgnore})
	pe := h.start(plan.New("p", n))

	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	got := h.only(pe.ID, "gate")
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.True(t, got.FailureIgnored)
}

func TestInterventionTimeoutWithoutDecisionKeepsOutcome(t *testing.T) {
	h := newHarness(t)
	n := node("gate", "fail")
	n.Advisers = pausing(20*time.Millisecond, nil)
	pe := h.start(plan.New("p", n))

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	assert.Equal(t, execution.StatusFailed, h.only(pe.ID, "gate").Status)
}

func TestInterventionBeatsTimeout(t *testing.T) {
	h := newHarness(t)
	n := node("gate", "fail")
	n.Advisers = pausing(50*time.Millisecond, &plan.AdviserConfig{Type: plan.AdviserAbort})
	pe := h.start(plan.New("p", n))
	h.eng.Wait()

	paused := h.only(pe.ID, "gate")
	require.Equal(t, execution.StatusPaused, paused.Status)
	require.NoError(t, h.eng.Intervene(context.Background(), paused.ID, plan.AdviserConfig{Type: plan.AdviserMarkSuccess}))
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)

	time.Sleep(100 * time.Millisecond)
	h.eng.Wait()
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "gate").Status)
}

func TestTriggerRollbackRunsUndoSteps(t *testing.T) {
	h := newHarness(t)
	var undone []string
	var mu sync.Mutex
	h.facs.Register("undo", facilitator.Sync(func(_ context.Context, in facilitator.Input) (facilitator.Result, error) {
		mu.Lock()
		undone = append(undone, in.Node.Identifier)
		mu.Unlock()
		return facilitator.Succeeded(nil), nil
	}))

	a := node("a", "noop")
	a.RollbackSteps = []*plan.Node{{ID: "undo-a", StepKind: "undo"}}
	b := node("b", "noop")
	b.RollbackSteps = []*plan.Node{{ID: "undo-b", StepKind: "undo"}}
	c := node("c", "fail")
	c.Advisers = []plan.AdviserConfig{{Type: plan.AdviserRollback}}
	pe := h.start(plan.New("p", chain(a, b, c)...))
	h.eng.Wait()

	failed := h.await(pe.ID)
	assert.Equal(t, execution.PlanFailed, failed.Status)
	require.NotEmpty(t, failed.RollbackExecutionID)

	rb := h.await(failed.RollbackExecutionID)
	assert.Equal(t, execution.PlanSucceeded, rb.Status)
	assert.Equal(t, pe.ID, rb.RollbackOf)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"undo-b", "undo-a"}, undone)
}

func TestEmptyRollbackRoundTrip(t *testing.T) {
	h := newHarness(t)
	pe := h.start(plan.New("p", node("a", "noop")))
	h.eng.Wait()
	require.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)

	ctx := context.Background()
	generated, err := h.eng.GenerateRollback(ctx, pe.ID)
	require.NoError(t, err)
	assert.True(t, generated.IsEmpty())

	rb, err := h.eng.StartRollback(ctx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.PlanSucceeded, rb.Status)
	assert.Equal(t, pe.ID, rb.RollbackOf)

	original, err := h.eng.PlanExecution(ctx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, rb.ID, original.RollbackExecutionID)
}

func TestCloseDropsPendingRetries(t *testing.T) {
	h := newHarness(t)
	n := node("a", "fail")
	n.Advisers = []plan.AdviserConfig{{
		Type:  plan.AdviserRetry,
		Retry: &plan.RetryConfig{MaxAttempts: 1, Delay: plan.Duration(time.Hour)},
	}}
	pe := h.start(plan.New("p", n))

	require.Eventually(t, func() bool {
		return len(h.executions(pe.ID, execution.Filter{PlanNodeID: "a"})) == 2
	}, 5*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = h.eng.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a pending retry")
	}
}

func jump(target string) plan.AdviserConfig {
	return plan.AdviserConfig{Type: plan.AdviserNextStep, Next: target}
}

func TestStartPlanRejectsBadJumpsAndSharedNodes(t *testing.T) {
	withAdvisers := func(n *plan.Node, advisers ...plan.AdviserConfig) *plan.Node {
		n.Advisers = advisers
		return n
	}
	then := func(n *plan.Node, next string) *plan.Node {
		n.Next = next
		return n
	}
	fanout := func(id string, children ...string) *plan.Node {
		n := node(id, "fanout")
		n.Children = children
		return n
	}
	tests := []struct {
		name  string
		nodes []*plan.Node
		want  string
	}{
		{
			name:  "dangling jump",
			nodes: []*plan.Node{withAdvisers(node("a", "fail"), jump("nope"))},
			want:  `unknown node "nope"`,
		},
		{
			name:  "jump back",
			nodes: chain(node("a", "noop"), withAdvisers(node("b", "fail"), jump("a"))),
			want:  "cycle detected",
		},
		{
			name: "exhaust jumps back",
			nodes: chain(node("a", "noop"), withAdvisers(node("b", "fail"), plan.AdviserConfig{
				Type:      plan.AdviserRetry,
				Retry:     &plan.RetryConfig{MaxAttempts: 1},
				OnExhaust: &plan.AdviserConfig{Type: plan.AdviserNextStep, Next: "a"},
			})),
			want: "cycle detected",
		},
		{
			name:  "intervention timeout jumps nowhere",
			nodes: []*plan.Node{withAdvisers(node("a", "fail"), pausing(time.Second, &plan.AdviserConfig{Type: plan.AdviserNextStep, Next: "gone"})...)},
			want:  `unknown node "gone"`,
		},
		{
			name:  "converging branches",
			nodes: []*plan.Node{fanout("c", "d", "e"), then(node("d", "noop"), "f"), then(node("e", "noop"), "f"), node("f", "async")},
			want:  `node "f" is reached from more than one node`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.eng.StartPlan(context.Background(), plan.New("p", tt.nodes...), ambiance.New("acct", "org", "proj"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.ErrorIs(t, err, plan.ErrInvalidPlan)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestForwardJumpSkipsIntermediateNode(t *testing.T) {
	h := newHarness(t)
	b := node("b", "fail")
	b.Advisers = []plan.AdviserConfig{jump("d")}
	pe := h.start(plan.New("p", chain(node("a", "noop"), b, node("c", "noop"), node("d", "noop"))...))

	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, execution.StatusFailed, h.only(pe.ID, "b").Status)
	assert.Empty(t, h.executions(pe.ID, execution.Filter{PlanNodeID: "c"}))
	d := h.only(pe.ID, "d")
	assert.Equal(t, execution.StatusSucceeded, d.Status)
	assert.Equal(t, h.only(pe.ID, "b").ID, d.PreviousID)
}

func TestBranchesMeetingAtOneNodeRunItOnce(t *testing.T) {
	h := newHarness(t)
	c := node("c", "fanout")
	c.Children = []string{"d", "e"}
	d := node("d", "noop")
	d.Next = "f"
	e := node("e", "fail")
	e.Advisers = []plan.AdviserConfig{jump("f")}
	pe := h.start(plan.New("p", c, d, e, node("f", "async")))
	h.eng.Wait()

	fs := h.executions(pe.ID, execution.Filter{PlanNodeID: "f"})
	require.Len(t, fs, 1)
	require.Equal(t, execution.StatusAsyncWaiting, fs[0].Status)
	assert.Equal(t, execution.StatusChildWaiting, h.only(pe.ID, "c").Status)

	require.NoError(t, h.eng.OnExternalCompletion(context.Background(), fs[0].CallbackIDs[0], nil))
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "c").Status)
	assert.Len(t, h.executions(pe.ID, execution.Filter{PlanNodeID: "f"}), 1)
}

func TestRetriedNestingFailureNeverReachesFacilitator(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxNestingDepth = 1 })
	var calls atomic.Int32
	h.facs.Register("counted", facilitator.Sync(func(context.Context, facilitator.Input) (facilitator.Result, error) {
		calls.Add(1)
		return facilitator.Succeeded(nil), nil
	}))
	parent := node("parent", "nest")
	parent.Children = []string{"child"}
	child := node("child", "counted")
	child.Advisers = []plan.AdviserConfig{{
		Type:  plan.AdviserRetry,
		On:    plan.Applicability{FailureKinds: []string{string(execution.KindMaxNesting)}},
		Retry: &plan.RetryConfig{MaxAttempts: 2},
	}}
	pe := h.start(plan.New("p", parent, child))

	assert.Equal(t, execution.PlanFailed, h.await(pe.ID).Status)
	h.eng.Wait()
	attempts := h.executions(pe.ID, execution.Filter{PlanNodeID: "child"})
	require.Len(t, attempts, 3)
	for _, ne := range attempts {
		assert.Equal(t, execution.StatusFailed, ne.Status)
		assert.Equal(t, execution.KindMaxNesting, ne.Failure.Kind)
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestInterventionRejectsUnknownAndPastTargets(t *testing.T) {
	h := newHarness(t)
	gate := node("gate", "fail")
	gate.Advisers = pausing(0, nil)
	pe := h.start(plan.New("p", chain(node("a", "noop"), gate, node("b", "noop"), node("z", "noop"))...))
	h.eng.Wait()

	paused := h.only(pe.ID, "gate")
	require.Equal(t, execution.StatusPaused, paused.Status)

	ctx := context.Background()
	for _, target := range []string{"nope", "a", "gate"} {
		err := h.eng.Intervene(ctx, paused.ID, jump(target))
		assert.ErrorIs(t, err, ErrConfiguration, target)
	}
	exhaust := plan.AdviserConfig{
		Type:      plan.AdviserRetry,
		Retry:     &plan.RetryConfig{MaxAttempts: 1},
		OnExhaust: &plan.AdviserConfig{Type: plan.AdviserNextStep, Next: "a"},
	}
	assert.ErrorIs(t, h.eng.Intervene(ctx, paused.ID, exhaust), ErrConfiguration)
	assert.Equal(t, execution.StatusPaused, h.only(pe.ID, "gate").Status)

	require.NoError(t, h.eng.Intervene(ctx, paused.ID, jump("z")))
	assert.Equal(t, execution.PlanSucceeded, h.await(pe.ID).Status)
	assert.Empty(t, h.executions(pe.ID, execution.Filter{PlanNodeID: "b"}))
	assert.Equal(t, execution.StatusSucceeded, h.only(pe.ID, "z").Status)
}
