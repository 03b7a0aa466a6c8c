// ABOUTME: Facilitator contract: decides how a step runs and returns one of five sealed executable responses.
// ABOUTME: Function adapters build facilitators for each mode; an optional Resumer turns callback payloads into a Result.
package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/2389-research/tusk/ambiance"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/plan"
)

// Mode is how a step's work is carried out.
type Mode string

const (
	ModeSync     Mode = "SYNC"
	ModeAsync    Mode = "ASYNC"
	ModeTask     Mode = "TASK"
	ModeChild    Mode = "CHILD"
	ModeChildren Mode = "CHILDREN"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeTask, ModeChild, ModeChildren:
		return true
	}
	return false
}

// Input is everything a facilitator sees about the node it is asked to run.
type Input struct {
	Node       *plan.Node
	Execution  *execution.NodeExecution
	Ambiance   ambiance.Ambiance
	Parameters json.RawMessage // resolved parameters
}

// DecodeParameters unmarshals the resolved parameters into v. Empty
// parameters leave v untouched.
func (in Input) DecodeParameters(v any) error {
	if len(in.Parameters) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Parameters, v); err != nil {
		return fmt.Errorf("decode parameters for %s: %w", in.Node.ID, err)
	}
	return nil
}

// Result is the outcome of a finished unit of work.
type Result struct {
	Status  execution.Status       `json:"status,omitempty"`
	Failure *execution.FailureInfo `json:"failure,omitempty"`
	Outputs map[string]any         `json:"outputs,omitempty"`
}

// Succeeded is a successful Result carrying outputs.
func Succeeded(outputs map[string]any) Result {
	return Result{Status: execution.StatusSucceeded, Outputs: outputs}
}

// Failed is a FAILED Result of kind STEP_FAILURE.
func Failed(format string, args ...any) Result {
	return Result{Status: execution.StatusFailed, Failure: execution.Failure(execution.KindStepFailure, format, args...)}
}

// Response is the sealed set of executable responses. Only the types in this
// package implement it.
type Response interface {
	Mode() Mode
	sealed()
}

// SyncResponse carries a result that is already known.
type SyncResponse struct {
	Result Result
}

// AsyncResponse parks the node until every callback id has been reported.
type AsyncResponse struct {
	CallbackIDs []string
	Timeout     time.Duration
}

// TaskResponse asks the engine to dispatch Payload to the remote transport.
type TaskResponse struct {
	Payload json.RawMessage
	Timeout time.Duration
}

// ChildResponse runs one child node and waits for its branch to end.
type ChildResponse struct {
	ChildNodeID string
}

// ChildrenResponse runs every child node concurrently and waits for all branches.
type ChildrenResponse struct {
	ChildNodeIDs []string
}

func (SyncResponse) Mode() Mode     { return ModeSync }
func (AsyncResponse) Mode() Mode    { return ModeAsync }
func (TaskResponse) Mode() Mode     { return ModeTask }
func (ChildResponse) Mode() Mode    { return ModeChild }
func (ChildrenResponse) Mode() Mode { return ModeChildren }

func (SyncResponse) sealed()     {}
func (AsyncResponse) sealed()    {}
func (TaskResponse) sealed()     {}
func (ChildResponse) sealed()    {}
func (ChildrenResponse) sealed() {}

// Facilitator decides how a node's work is carried out.
type Facilitator interface {
	Mode() Mode
	Obtain(ctx context.Context, in Input) (Response, error)
}

// Resumer is implemented by Async and Task facilitators that interpret the
// reported payloads themselves.
type Resumer interface {
	Resume(ctx context.Context, in Input, responses []execution.Response) (Result, error)
}

// ResumeFunc adapts a function to Resumer.
type ResumeFunc func(ctx context.Context, in Input, responses []execution.Response) (Result, error)

func (f ResumeFunc) Resume(ctx context.Context, in Input, responses []execution.Response) (Result, error) {
	return f(ctx, in, responses)
}

type funcFacilitator struct {
	mode   Mode
	obtain func(context.Context, Input) (Response, error)
}

func (f *funcFacilitator) Mode() Mode { return f.mode }

func (f *funcFacilitator) Obtain(ctx context.Context, in Input) (Response, error) {
	return f.obtain(ctx, in)
}

type resumingFacilitator struct {
	Facilitator
	resume ResumeFunc
}

func (r *resumingFacilitator) Resume(ctx context.Context, in Input, responses []execution.Response) (Result, error) {
	return r.resume(ctx, in, responses)
}

// WithResume attaches a custom Resumer to f.
func WithResume(f Facilitator, resume ResumeFunc) Facilitator {
	return &resumingFacilitator{Facilitator: f, resume: resume}
}

// Sync builds a facilitator that computes the result inline.
func Sync(fn func(ctx context.Context, in Input) (Result, error)) Facilitator {
	return &funcFacilitator{mode: ModeSync, obtain: func(ctx context.Context, in Input) (Response, error) {
		res, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return SyncResponse{Result: res}, nil
	}}
}

// Async builds a facilitator that parks the node on callback ids.
func Async(fn func(ctx context.Context, in Input) (AsyncResponse, error)) Facilitator {
	return &funcFacilitator{mode: ModeAsync, obtain: func(ctx context.Context, in Input) (Response, error) {
		return fn(ctx, in)
	}}
}

// Task builds a facilitator whose work is dispatched to the remote transport.
func Task(fn func(ctx context.Context, in Input) (TaskResponse, error)) Facilitator {
	return &funcFacilitator{mode: ModeTask, obtain: func(ctx context.Context, in Input) (Response, error) {
		return fn(ctx, in)
	}}
}

// Child builds a facilitator that runs a single child node.
func Child(fn func(ctx context.Context, in Input) (string, error)) Facilitator {
	return &funcFacilitator{mode: ModeChild, obtain: func(ctx context.Context, in Input) (Response, error) {
		id, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return ChildResponse{ChildNodeID: id}, nil
	}}
}

// Children builds a facilitator that fans out to several child nodes.
func Children(fn func(ctx context.Context, in Input) ([]string, error)) Facilitator {
	return &funcFacilitator{mode: ModeChildren, obtain: func(ctx context.Context, in Input) (Response, error) {
		ids, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return ChildrenResponse{ChildNodeIDs: ids}, nil
	}}
}

// NodeChildren is a Children facilitator that runs the node's declared children.
func NodeChildren() Facilitator {
	return Children(func(_ context.Context, in Input) ([]string, error) {
		return append([]string(nil), in.Node.Children...), nil
	})
}

// NodeChild is a Child facilitator that runs the node's first declared child.
func NodeChild() Facilitator {
	return Child(func(_ context.Context, in Input) (string, error) {
		if len(in.Node.Children) == 0 {
			return "", fmt.Errorf("node %s declares no child", in.Node.ID)
		}
		return in.Node.Children[0], nil
	})
}

// SafeObtain calls f.Obtain and converts a panic into an error that
// carries the stack.
func SafeObtain(ctx context.Context, f Facilitator, in Input) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("facilitator panic in node %q: %v\n%s", in.Node.ID, r, debug.Stack())
		}
	}()
	return f.Obtain(ctx, in)
}

// SafeResume is SafeObtain for the resume path. Facilitators without a
// Resumer use DefaultResume.
func SafeResume(ctx context.Context, f Facilitator, in Input, responses []execution.Response) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("resume panic in node %q: %v\n%s", in.Node.ID, r, debug.Stack())
		}
	}()
	if r, ok := f.(Resumer); ok {
		return r.Resume(ctx, in, responses)
	}
	return DefaultResume(responses)
}

// DefaultResume decodes each payload as a JSON Result. An empty payload
// counts as success, the first non-successful response decides the status
// and outputs from all responses are merged in order.
func DefaultResume(responses []execution.Response) (Result, error) {
	out := Result{Status: execution.StatusSucceeded}
	for _, resp := range responses {
		var r Result
		if len(resp.Payload) > 0 && string(resp.Payload) != "null" {
			if err := json.Unmarshal(resp.Payload, &r); err != nil {
				return Result{}, fmt.Errorf("decode callback payload: %w", err)
			}
		}
		if r.Status == "" {
			r.Status = resp.Status
		}
		if r.Status == "" {
			r.Status = execution.StatusSucceeded
		}
		if !r.Status.Valid() || !r.Status.IsTerminal() {
			return Result{}, fmt.Errorf("callback reported non-terminal status %q", r.Status)
		}
		if out.Status.IsSuccessful() && !r.Status.IsSuccessful() {
			out.Status = r.Status
			out.Failure = r.Failure
		}
		for k, v := range r.Outputs {
			if out.Outputs == nil {
				out.Outputs = make(map[string]any)
			}
			out.Outputs[k] = v
		}
	}
	return out, nil
}
