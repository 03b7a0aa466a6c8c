// ABOUTME: Adviser registry: builds advisers from plan configurations and evaluates a node's chain first-match-wins.
// ABOUTME: Applicability defaults to every failure status and any failure kind.
package adviser

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/plan"
)

// ErrAdviserNotFound is returned for an adviser type nobody registered.
var ErrAdviserNotFound = errors.New("adviser not found")

// Input is what an adviser sees when a node execution has an outcome.
type Input struct {
	Node      *plan.Node
	Execution *execution.NodeExecution
	Status    execution.Status
	Failure   *execution.FailureInfo
}

// Adviser decides what happens after an outcome it applies to.
type Adviser interface {
	CanAdvise(in Input) bool
	Advise(in Input) Action
}

// Factory builds an adviser from its configuration. The registry is passed
// so nested actions (OnExhaust) can be built with the same types.
type Factory func(cfg plan.AdviserConfig, r *Registry) (Adviser, error)

// Registry maps adviser types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in adviser type.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(plan.AdviserNextStep, func(cfg plan.AdviserConfig, _ *Registry) (Adviser, error) {
		return fixed(cfg, Proceed{NextNodeID: cfg.Next}), nil
	})
	r.Register(plan.AdviserIgnore, func(cfg plan.AdviserConfig, _ *Registry) (Adviser, error) {
		return fixed(cfg, Ignore{}), nil
	})
	r.Register(plan.AdviserMarkSuccess, func(cfg plan.AdviserConfig, _ *Registry) (Adviser, error) {
		return fixed(cfg, MarkSuccess{}), nil
	})
	r.Register(plan.AdviserAbort, func(cfg plan.AdviserConfig, _ *Registry) (Adviser, error) {
		return fixed(cfg, Abort{}), nil
	})
	r.Register(plan.AdviserRollback, func(cfg plan.AdviserConfig, _ *Registry) (Adviser, error) {
		return fixed(cfg, TriggerRollback{}), nil
	})
	r.Register(plan.AdviserRetry, newRetryAdviser)
	r.Register(plan.AdviserManualIntervention, newInterventionAdviser)
	return r
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types returns the registered adviser types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build constructs the adviser for cfg.
func (r *Registry) Build(cfg plan.AdviserConfig) (Adviser, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdviserNotFound, cfg.Type)
	}
	return f(cfg, r)
}

// Validate builds every adviser in chain, including nested configurations,
// and reports the first failure.
func (r *Registry) Validate(chain []plan.AdviserConfig) error {
	for _, cfg := range chain {
		if _, err := r.Build(cfg); err != nil {
			return err
		}
		if cfg.Intervention != nil && cfg.Intervention.OnTimeout != nil {
			if err := r.Validate([]plan.AdviserConfig{*cfg.Intervention.OnTimeout}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ObtainAdvice walks chain in order and returns the action of the first
// adviser that applies. ok is false when none applies.
func (r *Registry) ObtainAdvice(in Input, chain []plan.AdviserConfig) (action Action, ok bool, err error) {
	for _, cfg := range chain {
		a, err := r.Build(cfg)
		if err != nil {
			return nil, false, err
		}
		if a.CanAdvise(in) {
			return a.Advise(in), true, nil
		}
	}
	return nil, false, nil
}

// ActionFor builds cfg and returns its action unconditionally. It is used
// for nested actions such as an intervention's timeout default.
func (r *Registry) ActionFor(cfg plan.AdviserConfig, in Input) (Action, error) {
	a, err := r.Build(cfg)
	if err != nil {
		return nil, err
	}
	return a.Advise(in), nil
}

// Applies reports whether the applicability predicate matches an outcome.
func Applies(on plan.Applicability, status execution.Status, failure *execution.FailureInfo) bool {
	if len(on.Statuses) == 0 {
		if !status.IsFailure() {
			return false
		}
	} else if !containsString(on.Statuses, string(status)) {
		return false
	}
	if len(on.FailureKinds) == 0 {
		return true
	}
	if failure == nil {
		return false
	}
	return containsString(on.FailureKinds, string(failure.Kind))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fixedAdviser struct {
	on     plan.Applicability
	action Action
}

func fixed(cfg plan.AdviserConfig, action Action) Adviser {
	return &fixedAdviser{on: cfg.On, action: action}
}

func (f *fixedAdviser) CanAdvise(in Input) bool { return Applies(f.on, in.Status, in.Failure) }
func (f *fixedAdviser) Advise(Input) Action     { return f.action }

type retryAdviser struct {
	on        plan.Applicability
	max       int
	backoff   Backoff
	onExhaust Adviser
}

func newRetryAdviser(cfg plan.AdviserConfig, r *Registry) (Adviser, error) {
	if cfg.Retry == nil || cfg.Retry.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry adviser needs retry.max_attempts >= 0")
	}
	a := &retryAdviser{on: cfg.On, max: cfg.Retry.MaxAttempts, backoff: BackoffFrom(cfg.Retry)}
	if cfg.OnExhaust != nil {
		ex, err := r.Build(*cfg.OnExhaust)
		if err != nil {
			return nil, fmt.Errorf("retry on_exhaust: %w", err)
		}
		a.onExhaust = ex
	}
	return a, nil
}

func (a *retryAdviser) CanAdvise(in Input) bool { return Applies(a.on, in.Status, in.Failure) }

func (a *retryAdviser) Advise(in Input) Action {
	attempt := 0
	if in.Execution != nil {
		attempt = in.Execution.RetryCount
	}
	r := Retry{Delay: a.backoff.DelayForAttempt(attempt), MaxAttempts: a.max}
	if a.onExhaust != nil {
		r.OnExhaust = a.onExhaust.Advise(in)
	}
	return r
}

type interventionAdviser struct {
	on     plan.Applicability
	action ManualIntervention
}

func newInterventionAdviser(cfg plan.AdviserConfig, _ *Registry) (Adviser, error) {
	a := &interventionAdviser{on: cfg.On}
	if cfg.Intervention != nil {
		a.action.Timeout = cfg.Intervention.Timeout.Std()
		if cfg.Intervention.OnTimeout != nil {
			ot := cfg.Intervention.OnTimeout.Clone()
			a.action.OnTimeout = &ot
		}
	}
	return a, nil
}

func (a *interventionAdviser) CanAdvise(in Input) bool { return Applies(a.on, in.Status, in.Failure) }
func (a *interventionAdviser) Advise(Input) Action     { return a.action }
