// ABOUTME: NodeExecution and PlanExecution records plus the Store contract for the node execution store.
// ABOUTME: All mutation goes through Store.Update, which applies a mutation under an optimistic version check.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/plan"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStale is returned by a mutation to refuse a transition that no longer applies.
	ErrStale = errors.New("stale transition")
	// ErrVersionConflict is returned when concurrent writers keep colliding.
	ErrVersionConflict = errors.New("version conflict")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("already exists")
)

// Response is one reported completion for a callback id.
type Response struct {
	Status     Status          `json:"status,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PendingIntervention is stored on a PAUSED execution until an operator or
// the intervention timeout decides what happens next.
type PendingIntervention struct {
	Outcome   Status          `json:"outcome"`
	Failure   *FailureInfo    `json:"failure,omitempty"`
	OnTimeout json.RawMessage `json:"on_timeout,omitempty"` // encoded plan.AdviserConfig
	Deadline  time.Time       `json:"deadline,omitempty"`
}

// NodeExecution is the mutable record of one run of a plan node.
type NodeExecution struct {
	ID              string `json:"id"`
	PlanExecutionID string `json:"plan_execution_id"`
	PlanNodeID      string `json:"plan_node_id"`
	Identifier      string `json:"identifier"`
	StepKind        string `json:"step_kind"`
	Status          Status `json:"status"`
	Mode            string `json:"mode,omitempty"`

	CallbackIDs        []string            `json:"callback_ids,omitempty"`
	Responses          map[string]Response `json:"responses,omitempty"`
	ResolvedParameters json.RawMessage     `json:"resolved_parameters,omitempty"`
	TimeoutIDs         []string            `json:"timeout_ids,omitempty"`
	Outputs            map[string]any      `json:"outputs,omitempty"`

	RetryCount     int          `json:"retry_count"`
	RetryOf        string       `json:"retry_of,omitempty"`
	OldRetry       bool         `json:"old_retry,omitempty"`
	ParentID       string       `json:"parent_id,omitempty"`
	NotifyID       string       `json:"notify_id,omitempty"`
	PreviousID     string       `json:"previous_id,omitempty"`
	Failure        *FailureInfo `json:"failure,omitempty"`
	FailureIgnored bool         `json:"failure_ignored,omitempty"`

	Intervention *PendingIntervention `json:"intervention,omitempty"`
	Ambiance     ambiance.Ambiance    `json:"ambiance"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Version   int64      `json:"version"`
}

// Clone returns a deep copy of the record.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	c := *n
	c.CallbackIDs = append([]string(nil), n.CallbackIDs...)
	c.TimeoutIDs = append([]string(nil), n.TimeoutIDs...)
	if n.ResolvedParameters != nil {
		c.ResolvedParameters = append(json.RawMessage(nil), n.ResolvedParameters...)
	}
	if n.Responses != nil {
		c.Responses = make(map[string]Response, len(n.Responses))
		for k, v := range n.Responses {
			c.Responses[k] = v
		}
	}
	if n.Outputs != nil {
		c.Outputs = make(map[string]any, len(n.Outputs))
		for k, v := range n.Outputs {
			c.Outputs[k] = v
		}
	}
	if n.Failure != nil {
		f := *n.Failure
		c.Failure = &f
	}
	if n.Intervention != nil {
		iv := *n.Intervention
		c.Intervention = &iv
	}
	if n.EndedAt != nil {
		t := *n.EndedAt
		c.EndedAt = &t
	}
	c.Ambiance = n.Ambiance.Clone()
	return &c
}

// HasCallback reports whether id is one of the callback ids this execution waits on.
func (n *NodeExecution) HasCallback(id string) bool {
	for _, cb := range n.CallbackIDs {
		if cb == id {
			return true
		}
	}
	return false
}

// AllResponded reports whether every callback id has a recorded response.
func (n *NodeExecution) AllResponded() bool {
	for _, cb := range n.CallbackIDs {
		if _, ok := n.Responses[cb]; !ok {
			return false
		}
	}
	return true
}

// Transition moves the execution to status if the transition table allows it,
// stamping EndedAt on terminal statuses. It returns ErrStale otherwise.
func (n *NodeExecution) Transition(to Status, now time.Time) error {
	if !CanTransition(n.Status, to) {
		return fmtStale(n.ID, n.Status, to)
	}
	n.Status = to
	if to.IsTerminal() {
		t := now
		n.EndedAt = &t
		n.Intervention = nil
	}
	return nil
}

// PlanStatus is the status of a whole plan run.
type PlanStatus string

const (
	PlanRunning   PlanStatus = "RUNNING"
	PlanSucceeded PlanStatus = "SUCCEEDED"
	PlanFailed    PlanStatus = "FAILED"
	PlanAborted   PlanStatus = "ABORTED"
)

// IsTerminal reports whether the plan run has finished.
func (s PlanStatus) IsTerminal() bool {
	return s != PlanRunning
}

// PlanExecution is the record of one plan run.
type PlanExecution struct {
	ID                  string            `json:"id"`
	PlanID              string            `json:"plan_id"`
	Status              PlanStatus        `json:"status"`
	Ambiance            ambiance.Ambiance `json:"ambiance"`
	Failure             *FailureInfo      `json:"failure,omitempty"`
	RollbackOf          string            `json:"rollback_of,omitempty"`
	RollbackExecutionID string            `json:"rollback_execution_id,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	EndedAt             *time.Time        `json:"ended_at,omitempty"`
	Version             int64             `json:"version"`
}

// Clone returns a deep copy of the record.
func (p *PlanExecution) Clone() *PlanExecution {
	if p == nil {
		return nil
	}
	c := *p
	c.Ambiance = p.Ambiance.Clone()
	if p.Failure != nil {
		f := *p.Failure
		c.Failure = &f
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Filter narrows ListNodeExecutions results. Zero values match everything.
type Filter struct {
	ParentID       string
	PlanNodeID     string
	Statuses       []Status
	ExcludeRetried bool
}

// Matches reports whether n passes the filter.
func (f Filter) Matches(n *NodeExecution) bool {
	if f.ParentID != "" && n.ParentID != f.ParentID {
		return false
	}
	if f.PlanNodeID != "" && n.PlanNodeID != f.PlanNodeID {
		return false
	}
	if f.ExcludeRetried && n.OldRetry {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if n.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Store is the single source of truth for execution state. Update applies
// mutate to a fresh copy of the record and commits only if nobody else wrote
// in between; mutate may return ErrStale (or any error) to abandon the write.
type Store interface {
	SavePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)

	CreatePlanExecution(ctx context.Context, pe *PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)
	UpdatePlanExecution(ctx context.Context, id string, mutate func(*PlanExecution) error) (*PlanExecution, error)

	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error)
	UpdateNodeExecution(ctx context.Context, id string, mutate func(*NodeExecution) error) (*NodeExecution, error)
	FindByCallbackID(ctx context.Context, callbackID string) (*NodeExecution, error)
	ListNodeExecutions(ctx context.Context, planExecutionID string, filter Filter) ([]*NodeExecution, error)

	Close() error
}
