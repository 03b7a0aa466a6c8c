// ABOUTME: Tests for the local worker transport and the HTTP delegate transport.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completions struct {
	mu   sync.Mutex
	got  map[string]facilitator.Result
	done chan string
}

func newCompletions() *completions {
	return &completions{got: make(map[string]facilitator.Result), done: make(chan string, 8)}
}

func (c *completions) complete(_ context.Context, id string, payload json.RawMessage) error {
	var r facilitator.Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	c.mu.Lock()
	c.got[id] = r
	c.mu.Unlock()
	c.done <- id
	return nil
}

func (c *completions) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-c.done:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no completion reported")
		return ""
	}
}

func (c *completions) result(id string) facilitator.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[id]
}

func TestLocalReportsSuccessAndFailure(t *testing.T) {
	l := NewLocal(2, func(_ context.Context, payload json.RawMessage) (map[string]any, error) {
		var p struct{ Fail bool }
		_ = json.Unmarshal(payload, &p)
		if p.Fail {
			return nil, errors.New("delegate said no")
		}
		return map[string]any{"ok": true}, nil
	})
	c := newCompletions()
	l.Start(context.Background(), c.complete)
	defer l.Stop()

	require.NoError(t, l.Dispatch(context.Background(), json.RawMessage(`{"fail":false}`), "good"))
	require.NoError(t, l.Dispatch(context.Background(), json.RawMessage(`{"fail":true}`), "bad"))
	c.wait(t)
	c.wait(t)

	assert.Equal(t, execution.StatusSucceeded, c.result("good").Status)
	assert.Equal(t, true, c.result("good").Outputs["ok"])
	bad := c.result("bad")
	assert.Equal(t, execution.StatusFailed, bad.Status)
	assert.Equal(t, execution.KindStepFailure, bad.Failure.Kind)
}

func TestLocalRecoversWorkerPanic(t *testing.T) {
	l := NewLocal(1, func(context.Context, json.RawMessage) (map[string]any, error) { panic("kaboom") })
	c := newCompletions()
	l.Start(context.Background(), c.complete)
	defer l.Stop()

	require.NoError(t, l.Dispatch(context.Background(), nil, "p"))
	c.wait(t)
	assert.Equal(t, execution.StatusErrored, c.result("p").Status)
}

func TestLocalRejectsDispatchWhenNotRunning(t *testing.T) {
	l := NewLocal(1, func(context.Context, json.RawMessage) (map[string]any, error) { return nil, nil })
	err := l.Dispatch(context.Background(), nil, "x")
	assert.True(t, errors.Is(err, ErrTransport))

	l.Start(context.Background(), newCompletions().complete)
	l.Stop()
	err = l.Dispatch(context.Background(), nil, "x")
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestLocalCancelSkipsQueuedTask(t *testing.T) {
	release := make(chan struct{})
	l := NewLocal(1, func(_ context.Context, payload json.RawMessage) (map[string]any, error) {
		if string(payload) == `"block"` {
			<-release
		}
		return nil, nil
	})
	c := newCompletions()
	l.Start(context.Background(), c.complete)
	defer l.Stop()

	require.NoError(t, l.Dispatch(context.Background(), json.RawMessage(`"block"`), "first"))
	require.NoError(t, l.Dispatch(context.Background(), json.RawMessage(`"x"`), "second"))
	require.NoError(t, l.Cancel(context.Background(), "second"))
	close(release)

	assert.Equal(t, "first", c.wait(t))
	select {
	case id := <-c.done:
		t.Fatalf("cancelled task %s reported", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHTTPDispatch(t *testing.T) {
	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		assert.Equal(t, "cid", r.Header.Get("X-Correlation-ID"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, "http://tusk.local")
	require.NoError(t, h.Dispatch(context.Background(), json.RawMessage(`{"a":1}`), "cid"))
	assert.Equal(t, "cid", got.CorrelationID)
	assert.Equal(t, "http://tusk.local/callbacks/cid", got.CallbackURL)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
}

func TestHTTPDispatchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTP(srv.URL, "").Dispatch(context.Background(), nil, "cid")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Contains(t, err.Error(), "503")
}
