// ABOUTME: HTTP tests for the operator API: plan lifecycle, callbacks, interventions, aborts,
// ABOUTME: rollback, event replay, metrics and error mapping, served through httptest.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/tusk/engine"
	"github.com/2389-research/tusk/events"
	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/2389-research/tusk/steps"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	eng *engine.Engine
	ts  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	jsonl, err := events.OpenJSONL(logPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = jsonl.Close() })

	reg := prometheus.NewRegistry()
	metrics, err := events.NewMetricsSink(reg)
	require.NoError(t, err)

	facs := facilitator.NewRegistry()
	steps.Register(facs)
	eng, err := engine.New(engine.Options{
		Store:        execution.NewMemoryStore(),
		Facilitators: facs,
		Sinks:        []events.Sink{jsonl, metrics},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	srv := New(Options{
		Engine:   eng,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		EventLog: logPath,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &fixture{eng: eng, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (f *fixture) start(t *testing.T, doc string) string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/plans?account=acct&org=org&project=proj", doc)
	require.Equal(t, http.StatusCreated, status, string(body))
	var out struct {
		PlanExecutionID string `json:"plan_execution_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.PlanExecutionID)
	return out.PlanExecutionID
}

func (f *fixture) await(t *testing.T, id string) *execution.PlanExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pe, err := f.eng.AwaitPlan(ctx, id)
	require.NoError(t, err)
	return pe
}

func (f *fixture) nodes(t *testing.T, id string) map[string]*execution.NodeExecution {
	t.Helper()
	status, body := f.do(t, http.MethodGet, "/plans/"+id+"/nodes", "")
	require.Equal(t, http.StatusOK, status, string(body))
	var nes []*execution.NodeExecution
	require.NoError(t, json.Unmarshal(body, &nes))
	out := make(map[string]*execution.NodeExecution, len(nes))
	for _, ne := range nes {
		out[ne.PlanNodeID] = ne
	}
	return out
}

const approvalDoc = `
id: deploy
start: build
nodes:
  - id: build
    kind: noop
    next: approve
  - id: approve
    kind: approval
    parameters:
      callback_id: deploy-approval
`

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestPlanLifecycleThroughCallback(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, approvalDoc)
	f.eng.Wait()

	nodes := f.nodes(t, id)
	require.Contains(t, nodes, "approve")
	assert.Equal(t, execution.StatusAsyncWaiting, nodes["approve"].Status)
	assert.Equal(t, "acct", nodes["approve"].Ambiance.AccountID)

	status, _ := f.do(t, http.MethodPost, "/callbacks/deploy-approval", `{"approved":true,"approver":"ops"}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, execution.PlanSucceeded, f.await(t, id).Status)

	status, body := f.do(t, http.MethodGet, "/plans/"+id, "")
	require.Equal(t, http.StatusOK, status)
	var pe execution.PlanExecution
	require.NoError(t, json.Unmarshal(body, &pe))
	assert.Equal(t, execution.PlanSucceeded, pe.Status)

	status, body = f.do(t, http.MethodGet, "/nodes/"+nodes["approve"].ID, "")
	require.Equal(t, http.StatusOK, status)
	var ne execution.NodeExecution
	require.NoError(t, json.Unmarshal(body, &ne))
	assert.Equal(t, "ops", ne.Outputs["approver"])
}

func TestCallbackEdgeCases(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/callbacks/nobody-waits", `{}`)
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = f.do(t, http.MethodPost, "/callbacks/nobody-waits", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStartPlanErrors(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/plans", "id: [unterminated")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := f.do(t, http.MethodPost, "/plans", "id: p\nstart: a\nnodes:\n  - id: a\n    kind: unknown-kind\n")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "unknown-kind")
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodGet, "/plans/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodGet, "/plans/missing/nodes", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodPost, "/nodes/missing/abort", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAbortPlanAndConflict(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, approvalDoc)
	f.eng.Wait()

	status, _ := f.do(t, http.MethodPost, "/plans/"+id+"/abort", "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, execution.PlanAborted, f.await(t, id).Status)

	status, _ = f.do(t, http.MethodPost, "/plans/"+id+"/abort", "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestAbortNode(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, approvalDoc)
	f.eng.Wait()

	approve := f.nodes(t, id)["approve"]
	status, _ := f.do(t, http.MethodPost, "/nodes/"+approve.ID+"/abort", "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, execution.PlanAborted, f.await(t, id).Status)
}

const interventionDoc = `
id: gated
start: check
nodes:
  - id: check
    kind: fail
    advisers:
      - type: MANUAL_INTERVENTION
`

func TestIntervention(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, interventionDoc)
	f.eng.Wait()

	check := f.nodes(t, id)["check"]
	require.Equal(t, execution.StatusPaused, check.Status)

	status, _ := f.do(t, http.MethodPost, "/nodes/"+check.ID+"/intervention", `{"action":{}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/nodes/"+check.ID+"/intervention", `{"action":{"type":"NOPE"}}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/nodes/"+check.ID+"/intervention", `{"action":{"type":"MARK_SUCCESS"}}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, execution.PlanSucceeded, f.await(t, id).Status)

	status, _ = f.do(t, http.MethodPost, "/nodes/"+check.ID+"/intervention", `{"action":{"type":"MARK_SUCCESS"}}`)
	assert.Equal(t, http.StatusConflict, status)
}

const rollbackDoc = `
id: migrate
start: schema
nodes:
  - id: schema
    kind: noop
    rollback:
      - id: drop-schema
        kind: noop
`

func TestRollbackGenerateAndStart(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, rollbackDoc)
	f.eng.Wait()
	require.Equal(t, execution.PlanSucceeded, f.await(t, id).Status)

	status, body := f.do(t, http.MethodPost, "/plans/"+id+"/rollback", "")
	require.Equal(t, http.StatusOK, status, string(body))
	var generated struct {
		Name  string         `json:"name"`
		Nodes map[string]any `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(body, &generated))
	assert.Equal(t, "migrate (rollback)", generated.Name)
	assert.Len(t, generated.Nodes, 1)

	status, body = f.do(t, http.MethodPost, "/plans/"+id+"/rollback?start=true", "")
	require.Equal(t, http.StatusCreated, status, string(body))
	var started struct {
		RollbackExecutionID string `json:"rollback_execution_id"`
	}
	require.NoError(t, json.Unmarshal(body, &started))
	rb := f.await(t, started.RollbackExecutionID)
	assert.Equal(t, execution.PlanSucceeded, rb.Status)
	assert.Equal(t, id, rb.RollbackOf)
}

func TestEventsAndMetrics(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, "id: quick\nstart: a\nnodes:\n  - id: a\n    kind: noop\n")
	f.eng.Wait()
	require.Equal(t, execution.PlanSucceeded, f.await(t, id).Status)

	var evts []events.Event
	require.Eventually(t, func() bool {
		status, body := f.do(t, http.MethodGet, "/plans/"+id+"/events", "")
		if status != http.StatusOK || json.Unmarshal(body, &evts) != nil {
			return false
		}
		return len(evts) > 0 && evts[len(evts)-1].Type == events.PlanFinished
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, events.PlanStarted, evts[0].Type)

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/metrics", "")
		return strings.Contains(string(body), `tusk_plan_executions_finished_total{status="SUCCEEDED"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
}
