// ABOUTME: Immutable execution-context stack threaded through every engine call.
// ABOUTME: Entering a child node pushes a Level onto a copy; the original value is never mutated.
package ambiance

import (
	"context"
	"strings"
	"time"
)

// Level describes one frame of the execution stack: a plan node and the
// node execution running it.
type Level struct {
	SetupID    string    `json:"setup_id"`   // plan node id
	RuntimeID  string    `json:"runtime_id"` // node execution id
	Identifier string    `json:"identifier"`
	StepKind   string    `json:"step_kind"`
	Group      string    `json:"group,omitempty"`
	RetryIndex int       `json:"retry_index"`
	StartedAt  time.Time `json:"started_at"`
}

// Ambiance is the execution context of a node. Treat it as a value: every
// method that changes it returns a new Ambiance.
type Ambiance struct {
	AccountID       string  `json:"account_id,omitempty"`
	OrgID           string  `json:"org_id,omitempty"`
	ProjectID       string  `json:"project_id,omitempty"`
	PlanID          string  `json:"plan_id,omitempty"`
	PlanExecutionID string  `json:"plan_execution_id,omitempty"`
	Levels          []Level `json:"levels,omitempty"`
}

// New returns a root ambiance with no levels.
func New(accountID, orgID, projectID string) Ambiance {
	return Ambiance{AccountID: accountID, OrgID: orgID, ProjectID: projectID}
}

// ForPlanExecution returns a copy bound to the given plan and plan execution.
func (a Ambiance) ForPlanExecution(planID, planExecutionID string) Ambiance {
	c := a.Clone()
	c.PlanID = planID
	c.PlanExecutionID = planExecutionID
	return c
}

// WithLevel returns a copy of a with level pushed on top of the stack.
func (a Ambiance) WithLevel(level Level) Ambiance {
	c := a.Clone()
	c.Levels = append(c.Levels, level)
	return c
}

// Parent returns a copy of a with the top level removed. The root stays the root.
func (a Ambiance) Parent() Ambiance {
	c := a.Clone()
	if len(c.Levels) > 0 {
		c.Levels = c.Levels[:len(c.Levels)-1]
	}
	return c
}

// CurrentLevel returns the top of the stack, or false at the root.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// Depth is the number of levels on the stack.
func (a Ambiance) Depth() int {
	return len(a.Levels)
}

// Clone returns a deep copy that shares no backing arrays with a.
func (a Ambiance) Clone() Ambiance {
	c := a
	if a.Levels != nil {
		c.Levels = make([]Level, len(a.Levels))
		copy(c.Levels, a.Levels)
	}
	return c
}

// Path joins the identifiers of every level with dots, e.g. "deploy.steps.shell".
func (a Ambiance) Path() string {
	parts := make([]string, 0, len(a.Levels))
	for _, l := range a.Levels {
		parts = append(parts, l.Identifier)
	}
	return strings.Join(parts, ".")
}

// Fields flattens the ambiance into string values for expressions and logs.
func (a Ambiance) Fields() map[string]any {
	f := map[string]any{
		"accountId":       a.AccountID,
		"orgId":           a.OrgID,
		"projectId":       a.ProjectID,
		"planId":          a.PlanID,
		"planExecutionId": a.PlanExecutionID,
		"depth":           a.Depth(),
		"path":            a.Path(),
	}
	if l, ok := a.CurrentLevel(); ok {
		f["nodeId"] = l.SetupID
		f["nodeExecutionId"] = l.RuntimeID
		f["identifier"] = l.Identifier
		f["retryIndex"] = l.RetryIndex
	}
	return f
}

type ambianceKey struct{}

// WithContext attaches the ambiance to ctx so step code can read it.
func WithContext(ctx context.Context, a Ambiance) context.Context {
	return context.WithValue(ctx, ambianceKey{}, a)
}

// FromContext extracts the ambiance attached by WithContext.
func FromContext(ctx context.Context) (Ambiance, bool) {
	a, ok := ctx.Value(ambianceKey{}).(Ambiance)
	return a, ok
}
