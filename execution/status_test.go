// ABOUTME: Tests for node execution statuses and the transition table.
// ABOUTME: Terminal statuses must be final and waiting statuses resumable.
package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalStatusesAreFinal(t *testing.T) {
	for _, from := range AllStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusSkipped, true},
		{StatusRunning, StatusTaskWaiting, true},
		{StatusRunning, StatusChildWaiting, true},
		{StatusTaskWaiting, StatusRunning, true},
		{StatusAsyncWaiting, StatusExpired, true},
		{StatusChildWaiting, StatusAborted, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusSucceeded, true},
		{StatusQueued, StatusTaskWaiting, false},
		{StatusTaskWaiting, StatusAsyncWaiting, false},
		{StatusRunning, StatusQueued, false},
		{StatusSucceeded, StatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusSkipped.IsSuccessful())
	assert.True(t, StatusExpired.IsFailure())
	assert.False(t, StatusPaused.IsTerminal())
	assert.True(t, StatusChildWaiting.IsWaiting())
	assert.True(t, Status("FAILED").Valid())
	assert.False(t, Status("DONE").Valid())
}

func TestTransitionStampsEndAndRefusesStale(t *testing.T) {
	ne := &NodeExecution{ID: "x", Status: StatusRunning, Intervention: &PendingIntervention{Outcome: StatusFailed}}
	now := time.Now()
	require.NoError(t, ne.Transition(StatusSucceeded, now))
	require.NotNil(t, ne.EndedAt)
	assert.Nil(t, ne.Intervention)

	err := ne.Transition(StatusFailed, now)
	assert.True(t, errors.Is(err, ErrStale))
	assert.Equal(t, StatusSucceeded, ne.Status)
}

func TestFailureInfoString(t *testing.T) {
	f := Failure(KindStepFailure, "exit %d", 2)
	assert.Equal(t, "STEP_FAILURE: exit 2", f.String())
	var none *FailureInfo
	assert.Equal(t, "", none.String())
}
