// ABOUTME: Generic structural steps: noop, fail, wait, approval, group, parallel and task.
// ABOUTME: They carry no business logic and exist so plan documents can run end to end.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/plan"
)

// Step kinds registered by Register.
const (
	KindNoop     = "noop"
	KindFail     = "fail"
	KindWait     = "wait"
	KindApproval = "approval"
	KindGroup    = "group"
	KindParallel = "parallel"
	KindTask     = "task"
)

// Register adds every generic step to r.
func Register(r *facilitator.Registry) {
	r.Register(KindNoop, Noop())
	r.Register(KindFail, Fail())
	r.Register(KindWait, Wait())
	r.Register(KindApproval, Approval())
	r.Register(KindGroup, facilitator.NodeChild())
	r.Register(KindParallel, facilitator.NodeChildren())
	r.Register(KindTask, Task())
}

// Noop succeeds at once. An "outputs" object in the parameters becomes the
// step's outputs.
func Noop() facilitator.Facilitator {
	return facilitator.Sync(func(_ context.Context, in facilitator.Input) (facilitator.Result, error) {
		var params struct {
			Outputs map[string]any `json:"outputs"`
		}
		if err := in.DecodeParameters(&params); err != nil {
			return facilitator.Result{}, err
		}
		return facilitator.Succeeded(params.Outputs), nil
	})
}

// Fail finishes with the configured status (FAILED by default) and message.
func Fail() facilitator.Facilitator {
	return facilitator.Sync(func(_ context.Context, in facilitator.Input) (facilitator.Result, error) {
		var params struct {
			Message string           `json:"message"`
			Status  execution.Status `json:"status"`
			Kind    string           `json:"kind"`
		}
		if err := in.DecodeParameters(&params); err != nil {
			return facilitator.Result{}, err
		}
		if params.Message == "" {
			params.Message = "step " + in.Node.ID + " failed"
		}
		status := params.Status
		if status == "" {
			status = execution.StatusFailed
		}
		if !status.IsFailure() {
			return facilitator.Result{}, fmt.Errorf("fail step: status %q is not a failure status", status)
		}
		kind := execution.KindStepFailure
		if params.Kind != "" {
			kind = execution.FailureKind(params.Kind)
		}
		return facilitator.Result{Status: status, Failure: execution.Failure(kind, "%s", params.Message)}, nil
	})
}

type waitParams struct {
	CallbackID string        `json:"callback_id"`
	Timeout    plan.Duration `json:"timeout"`
}

func (w waitParams) response(in facilitator.Input) facilitator.AsyncResponse {
	id := w.CallbackID
	if id == "" {
		id = in.Execution.ID
	}
	return facilitator.AsyncResponse{CallbackIDs: []string{id}, Timeout: w.Timeout.Std()}
}

// Wait parks the node until a completion arrives for its callback id. The
// id defaults to the node execution id; callers may name their own.
func Wait() facilitator.Facilitator {
	return facilitator.Async(func(_ context.Context, in facilitator.Input) (facilitator.AsyncResponse, error) {
		var params waitParams
		if err := in.DecodeParameters(&params); err != nil {
			return facilitator.AsyncResponse{}, err
		}
		return params.response(in), nil
	})
}

// Decision is the completion payload an approval step expects.
type Decision struct {
	Approved bool      `json:"approved"`
	Approver string    `json:"approver,omitempty"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

// Approval waits like Wait and turns the reported Decision into an outcome:
// approval succeeds, rejection fails.
func Approval() facilitator.Facilitator {
	return facilitator.WithResume(Wait(), func(_ context.Context, in facilitator.Input, responses []execution.Response) (facilitator.Result, error) {
		if len(responses) == 0 || len(responses[0].Payload) == 0 {
			return facilitator.Result{}, fmt.Errorf("approval %s: empty decision", in.Node.ID)
		}
		var d Decision
		if err := json.Unmarshal(responses[0].Payload, &d); err != nil {
			return facilitator.Result{}, fmt.Errorf("approval %s: decode decision: %w", in.Node.ID, err)
		}
		outputs := map[string]any{"approved": d.Approved, "approver": d.Approver}
		if d.Comment != "" {
			outputs["comment"] = d.Comment
		}
		if !d.Approved {
			who := d.Approver
			if who == "" {
				who = "approver"
			}
			return facilitator.Result{
				Status:  execution.StatusFailed,
				Failure: execution.Failure(execution.KindStepFailure, "rejected by %s", who),
				Outputs: outputs,
			}, nil
		}
		return facilitator.Succeeded(outputs), nil
	})
}

// Task hands the resolved parameters to the task transport. A "timeout"
// parameter bounds the wait for the worker's completion.
func Task() facilitator.Facilitator {
	return facilitator.Task(func(_ context.Context, in facilitator.Input) (facilitator.TaskResponse, error) {
		var params struct {
			Timeout plan.Duration `json:"timeout"`
		}
		if err := in.DecodeParameters(&params); err != nil {
			return facilitator.TaskResponse{}, err
		}
		payload := in.Parameters
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		return facilitator.TaskResponse{Payload: payload, Timeout: params.Timeout.Std()}, nil
	})
}
