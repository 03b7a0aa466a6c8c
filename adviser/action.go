// ABOUTME: Advice actions: the sealed set of decisions an adviser returns for a finished node execution.
package adviser

import (
	"time"

	"github.com/2389-research/tusk/plan"
)

// Kind names an advice action.
type Kind string

const (
	KindProceed            Kind = "PROCEED"
	KindRetry              Kind = "RETRY"
	KindIgnore             Kind = "IGNORE"
	KindMarkSuccess        Kind = "MARK_SUCCESS"
	KindAbort              Kind = "ABORT"
	KindManualIntervention Kind = "MANUAL_INTERVENTION"
	KindTriggerRollback    Kind = "TRIGGER_ROLLBACK"
)

// Action is the sealed set of advice actions.
type Action interface {
	Kind() Kind
	sealed()
}

// Proceed continues the branch. An empty NextNodeID means the node's own Next.
type Proceed struct {
	NextNodeID string
}

// Retry re-runs the node after Delay while fewer than MaxAttempts retries
// have happened. OnExhaust applies once they are used up; nil ends the
// branch failed.
type Retry struct {
	Delay       time.Duration
	MaxAttempts int
	OnExhaust   Action
}

// Ignore keeps the failure on record but lets the branch continue.
type Ignore struct{}

// MarkSuccess forces the execution to SUCCEEDED.
type MarkSuccess struct{}

// Abort ends the execution, its waiting descendants and its branch as ABORTED.
type Abort struct{}

// ManualIntervention pauses the execution until an operator decides or the
// timeout applies OnTimeout. A nil OnTimeout lets the original outcome stand.
type ManualIntervention struct {
	Timeout   time.Duration
	OnTimeout *plan.AdviserConfig
}

// TriggerRollback stops forward execution and starts the rollback plan.
type TriggerRollback struct{}

func (Proceed) Kind() Kind            { return KindProceed }
func (Retry) Kind() Kind              { return KindRetry }
func (Ignore) Kind() Kind             { return KindIgnore }
func (MarkSuccess) Kind() Kind        { return KindMarkSuccess }
func (Abort) Kind() Kind              { return KindAbort }
func (ManualIntervention) Kind() Kind { return KindManualIntervention }
func (TriggerRollback) Kind() Kind    { return KindTriggerRollback }

func (Proceed) sealed()            {}
func (Retry) sealed()              {}
func (Ignore) sealed()             {}
func (MarkSuccess) sealed()        {}
func (Abort) sealed()              {}
func (ManualIntervention) sealed() {}
func (TriggerRollback) sealed()    {}
