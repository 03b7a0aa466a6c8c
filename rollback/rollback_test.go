// ABOUTME: Tests for rollback plan generation: ordering, filtering of skipped and retried runs, and the empty case.
package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string) *plan.Node {
	return &plan.Node{ID: id, Identifier: id, StepKind: "noop"}
}

func deployPlan() *plan.Plan {
	a := step("provision")
	a.Next = "deploy"
	a.RollbackSteps = []*plan.Node{step("deprovision")}
	b := step("deploy")
	b.Next = "notify"
	b.RollbackSteps = []*plan.Node{step("undeploy"), step("flush-cache")}
	c := step("notify")
	c.RollbackSteps = []*plan.Node{step("unnotify")}
	p := plan.New("deploy-plan", a, b, c)
	p.Name = "deploy"
	return p
}

func ne(id, node string, status execution.Status, started time.Time) *execution.NodeExecution {
	return &execution.NodeExecution{ID: id, PlanExecutionID: "pe", PlanNodeID: node, Status: status, StartedAt: started}
}

func identifiers(p *plan.Plan) []string {
	var out []string
	for n := p.Node(p.StartNodeID); n != nil; n = p.Node(n.Next) {
		out = append(out, n.Identifier)
	}
	return out
}

func TestBuildReversesExecutionOrder(t *testing.T) {
	now := time.Now()
	got, err := Build(deployPlan(), []*execution.NodeExecution{
		ne("1", "provision", execution.StatusSucceeded, now),
		ne("2", "deploy", execution.StatusFailed, now.Add(time.Second)),
		ne("3", "notify", execution.StatusSkipped, now.Add(2*time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"undeploy", "flush-cache", "deprovision"}, identifiers(got))
	assert.Equal(t, "deploy (rollback)", got.Name)
	for _, n := range got.Nodes {
		assert.True(t, n.ShouldAlwaysRun)
		assert.NotEqual(t, n.Identifier, n.ID)
	}
	require.NoError(t, plan.Validate(got))
}

func TestBuildEmptyWhenNothingRan(t *testing.T) {
	got, err := Build(deployPlan(), []*execution.NodeExecution{
		ne("1", "provision", execution.StatusQueued, time.Now()),
	})
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	assert.Empty(t, got.StartNodeID)
	require.NoError(t, plan.Validate(got))
}

func TestGenerateUsesLatestNonRetriedExecutions(t *testing.T) {
	ctx := context.Background()
	store := execution.NewMemoryStore()
	p := deployPlan()
	require.NoError(t, store.SavePlan(ctx, p))
	require.NoError(t, store.CreatePlanExecution(ctx, &execution.PlanExecution{ID: "pe", PlanID: p.ID, Status: execution.PlanRunning}))

	now := time.Now()
	old := ne("1", "provision", execution.StatusFailed, now)
	old.OldRetry = true
	require.NoError(t, store.CreateNodeExecution(ctx, old))
	require.NoError(t, store.CreateNodeExecution(ctx, ne("2", "provision", execution.StatusSucceeded, now.Add(time.Second))))
	require.NoError(t, store.CreateNodeExecution(ctx, ne("3", "deploy", execution.StatusSkipped, now.Add(2*time.Second))))

	got, err := Generate(ctx, store, "pe")
	require.NoError(t, err)
	assert.Equal(t, []string{"deprovision"}, identifiers(got))

	_, err = Generate(ctx, store, "missing")
	assert.Error(t, err)
}
