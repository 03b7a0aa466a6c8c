// ABOUTME: Node execution statuses, the allowed transition table, and failure classification.
// ABOUTME: Terminal statuses are final; only an explicit retry creates a new execution for the same node.
package execution

import "fmt"

// Status is the lifecycle state of a node execution.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusRunning      Status = "RUNNING"
	StatusTaskWaiting  Status = "TASK_WAITING"
	StatusAsyncWaiting Status = "ASYNC_WAITING"
	StatusChildWaiting Status = "CHILD_WAITING"
	StatusPaused       Status = "PAUSED"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusAborted      Status = "ABORTED"
	StatusSkipped      Status = "SKIPPED"
	StatusExpired      Status = "EXPIRED"
	StatusErrored      Status = "ERRORED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued, StatusRunning, StatusTaskWaiting, StatusAsyncWaiting, StatusChildWaiting,
	StatusPaused, StatusSucceeded, StatusFailed, StatusAborted, StatusSkipped, StatusExpired, StatusErrored,
}

// IsTerminal reports whether s is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusSkipped, StatusExpired, StatusErrored:
		return true
	}
	return false
}

// IsWaiting reports whether s is one of the suspended states resumed from outside.
func (s Status) IsWaiting() bool {
	switch s {
	case StatusTaskWaiting, StatusAsyncWaiting, StatusChildWaiting:
		return true
	}
	return false
}

// IsFailure reports whether s is a terminal non-successful status.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusAborted, StatusExpired, StatusErrored:
		return true
	}
	return false
}

// IsSuccessful reports whether s lets a branch continue by default.
func (s Status) IsSuccessful() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// FailureStatuses are the statuses an adviser applies to when it declares none.
var FailureStatuses = []Status{StatusFailed, StatusAborted, StatusExpired, StatusErrored}

// transitions lists the allowed non-terminal sources for each target.
var transitions = map[Status][]Status{
	StatusRunning:      {StatusQueued, StatusTaskWaiting, StatusAsyncWaiting, StatusChildWaiting, StatusPaused},
	StatusTaskWaiting:  {StatusRunning},
	StatusAsyncWaiting: {StatusRunning},
	StatusChildWaiting: {StatusRunning},
	StatusPaused:       {StatusRunning, StatusQueued},
}

// CanTransition reports whether an execution may move from one status to another.
// Terminal statuses can be entered from any non-terminal status and never left.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	for _, allowed := range transitions[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// FailureKind classifies why an execution did not succeed.
type FailureKind string

const (
	KindConfiguration   FailureKind = "CONFIGURATION_ERROR"
	KindEvaluation      FailureKind = "EVALUATION_ERROR"
	KindExternalTimeout FailureKind = "EXTERNAL_TIMEOUT"
	KindTransport       FailureKind = "TRANSPORT_ERROR"
	KindStepError       FailureKind = "STEP_ERROR"
	KindStepFailure     FailureKind = "STEP_FAILURE"
	KindMaxNesting      FailureKind = "MAX_NESTING"
	KindChildFailure    FailureKind = "CHILD_FAILURE"
	KindAborted         FailureKind = "ABORTED"
)

// FailureInfo is the structured reason attached to a non-successful execution.
type FailureInfo struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Failure builds a FailureInfo with a formatted message.
func Failure(kind FailureKind, format string, args ...any) *FailureInfo {
	return &FailureInfo{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (f *FailureInfo) String() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}
