// ABOUTME: Orchestration engine: wires the store, registries, timeout scheduler, transport and event emitter.
// ABOUTME: Every external trigger runs on its own goroutine and drives one branch until it suspends or ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/tusk/adviser"
	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/expression"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/plan"
	"github.com/2389-research/tusk/timeout"
	"github.com/2389-research/tusk/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxNestingDepth bounds how deep child executions may nest.
const DefaultMaxNestingDepth = 25

// ErrConfiguration marks problems with the plan or engine wiring that no
// retry can fix.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError lists every problem found while validating a plan.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Options configures an Engine. Store and Facilitators are required.
type Options struct {
	Store        execution.Store
	Facilitators *facilitator.Registry
	Advisers     *adviser.Registry    // nil uses the built-in advisers
	Evaluator    expression.Evaluator // nil uses expression.DefaultEvaluator
	Transport    transport.Transport  // needed by TASK facilitators

	Sinks       []events.Sink
	EventBuffer int

	TracerProvider trace.TracerProvider // nil uses the global provider

	MaxNestingDepth    int
	DefaultTaskTimeout time.Duration
}

// Engine executes plans. It is safe for concurrent use.
type Engine struct {
	store        execution.Store
	facilitators *facilitator.Registry
	advisers     *adviser.Registry
	evaluator    expression.Evaluator
	transport    transport.Transport
	emitter      *events.Emitter
	tracer       trace.Tracer
	timeouts     *timeout.Engine

	maxDepth    int
	taskTimeout time.Duration

	plans sync.Map // plan id -> *plan.Plan

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// visitMu makes the one-execution-per-node check and the create atomic.
	visitMu sync.Mutex

	mu     sync.Mutex
	delays map[string]string // retry-delay timeout id -> owner execution id
	closed bool
}

// New builds an engine and starts its timeout scheduler.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: a store is required", ErrConfiguration)
	}
	if opts.Facilitators == nil {
		return nil, fmt.Errorf("%w: a facilitator registry is required", ErrConfiguration)
	}
	e := &Engine{
		store:        opts.Store,
		facilitators: opts.Facilitators,
		advisers:     opts.Advisers,
		evaluator:    opts.Evaluator,
		transport:    opts.Transport,
		maxDepth:     opts.MaxNestingDepth,
		taskTimeout:  opts.DefaultTaskTimeout,
		delays:       make(map[string]string),
	}
	if e.advisers == nil {
		e.advisers = adviser.NewRegistry()
	}
	if e.evaluator == nil {
		e.evaluator = expression.DefaultEvaluator{}
	}
	if e.maxDepth <= 0 {
		e.maxDepth = DefaultMaxNestingDepth
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	e.tracer = tp.Tracer("github.com/2389-research/tusk/engine")
	e.emitter = events.NewEmitter(opts.EventBuffer, opts.Sinks...)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.timeouts = timeout.New(e.onTimeout)
	e.timeouts.Start(e.ctx)
	return e, nil
}

// Wait blocks until every in-flight trigger, including scheduled retries,
// has finished. Work parked on external callbacks does not count.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close drops scheduled retries, stops the timeout scheduler, waits for
// running triggers and flushes the event emitter.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id := range e.delays {
		// Instances that already fired are released by onTimeout.
		if e.timeouts.Cancel(id) {
			delete(e.delays, id)
			e.wg.Done()
		}
	}
	e.mu.Unlock()

	e.timeouts.Stop()
	e.wg.Wait()
	e.cancel()
	e.emitter.Close()
	return nil
}

// Store returns the execution store the engine writes to.
func (e *Engine) Store() execution.Store {
	return e.store
}

// Preflight validates p and checks that every node, rollback steps included,
// has a facilitator and only known adviser types.
func (e *Engine) Preflight(p *plan.Plan) error {
	if err := plan.Validate(p); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	var problems []string
	check := func(n *plan.Node) {
		if _, err := e.facilitators.Resolve(n.StepKind, n.FacilitationHint); err != nil {
			problems = append(problems, fmt.Sprintf("node %s: %v", n.ID, err))
		}
		if err := e.advisers.Validate(n.Advisers); err != nil {
			problems = append(problems, fmt.Sprintf("node %s: %v", n.ID, err))
		}
	}
	for _, id := range p.NodeIDs() {
		n := p.Nodes[id]
		check(n)
		for _, rb := range n.RollbackSteps {
			check(rb)
		}
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// StartPlan validates p, records a new plan execution and starts the plan's
// first node on its own trigger. An empty plan finishes SUCCEEDED at once.
func (e *Engine) StartPlan(ctx context.Context, p *plan.Plan, amb ambiance.Ambiance) (*execution.PlanExecution, error) {
	return e.startPlan(ctx, p, amb, "")
}

func (e *Engine) startPlan(ctx context.Context, p *plan.Plan, amb ambiance.Ambiance, rollbackOf string) (*execution.PlanExecution, error) {
	ctx, span := e.tracer.Start(ctx, "tusk.plan.start")
	defer span.End()

	if err := e.Preflight(p); err != nil {
		return nil, err
	}
	if err := e.store.SavePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	e.plans.Store(p.ID, p.Clone())

	id := newID()
	pe := &execution.PlanExecution{
		ID:         id,
		PlanID:     p.ID,
		Status:     execution.PlanRunning,
		Ambiance:   amb.ForPlanExecution(p.ID, id),
		RollbackOf: rollbackOf,
		StartedAt:  time.Now(),
	}
	if err := e.store.CreatePlanExecution(ctx, pe); err != nil {
		return nil, fmt.Errorf("create plan execution: %w", err)
	}
	e.emitter.Emit(events.Event{Type: events.PlanStarted, PlanExecutionID: pe.ID, Status: string(pe.Status), Data: map[string]any{"plan_id": p.ID}})

	if p.IsEmpty() {
		e.finishPlan(ctx, pe.ID, execution.PlanSucceeded, nil)
		return e.store.GetPlanExecution(ctx, pe.ID)
	}

	v := &visit{planExecutionID: pe.ID, nodeID: p.StartNodeID, amb: pe.Ambiance}
	e.trigger("start", func(ctx context.Context) { e.drive(ctx, v) })
	return pe.Clone(), nil
}

// Run visits planNodeID inside an existing plan execution on the calling
// goroutine and follows the branch until it suspends or ends.
func (e *Engine) Run(ctx context.Context, planExecutionID, planNodeID string, amb ambiance.Ambiance) {
	e.drive(ctx, &visit{planExecutionID: planExecutionID, nodeID: planNodeID, amb: amb})
}

// PlanExecution returns the current record of a plan run.
func (e *Engine) PlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error) {
	return e.store.GetPlanExecution(ctx, id)
}

// NodeExecutions lists every node execution of a plan run in creation order.
func (e *Engine) NodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	return e.store.ListNodeExecutions(ctx, planExecutionID, execution.Filter{})
}

// AwaitPlan polls until the plan execution is terminal or ctx ends.
func (e *Engine) AwaitPlan(ctx context.Context, id string) (*execution.PlanExecution, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		pe, err := e.store.GetPlanExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if pe.Status.IsTerminal() {
			return pe, nil
		}
		select {
		case <-ctx.Done():
			return pe, ctx.Err()
		case <-ticker.C:
		}
	}
}

// trigger runs fn on its own goroutine with the engine's lifetime context.
func (e *Engine) trigger(name string, fn func(ctx context.Context)) {
	if e.ctx.Err() != nil {
		log.Printf("component=engine action=drop_trigger trigger=%s reason=closed", name)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("component=engine action=trigger_panic trigger=%s panic=%v\n%s", name, r, debug.Stack())
			}
		}()
		fn(e.ctx)
	}()
}

func (e *Engine) loadPlan(ctx context.Context, id string) (*plan.Plan, error) {
	if p, ok := e.plans.Load(id); ok {
		return p.(*plan.Plan), nil
	}
	p, err := e.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	e.plans.Store(id, p)
	return p, nil
}

func (e *Engine) emitNode(t events.Type, ne *execution.NodeExecution, data map[string]any) {
	e.emitter.Emit(events.Event{
		Type:            t,
		PlanExecutionID: ne.PlanExecutionID,
		NodeExecutionID: ne.ID,
		PlanNodeID:      ne.PlanNodeID,
		Status:          string(ne.Status),
		Data:            data,
	})
}

// stale logs and publishes an event the engine decided not to act on.
func (e *Engine) stale(reason, id string, err error) {
	log.Printf("component=engine action=drop_stale reason=%s id=%s err=%v", reason, id, err)
	e.emitter.Emit(events.Event{Type: events.StaleEvent, NodeExecutionID: id, Data: map[string]any{"reason": reason}})
}

func (e *Engine) storeFailure(action, id string, err error) {
	if errors.Is(err, execution.ErrStale) || errors.Is(err, execution.ErrNotFound) {
		e.stale(action, id, err)
		return
	}
	log.Printf("component=engine action=%s id=%s err=%v", action, id, err)
}
