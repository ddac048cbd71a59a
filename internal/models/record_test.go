package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitions(t *testing.T) {
	r := &BackupRecord{TargetID: "orders-db", JobID: "j1", Status: StatusScheduled}

	require.NoError(t, r.Transition(StatusRunning))
	require.NoError(t, r.Transition(StatusVerifying))
	require.NoError(t, r.Transition(StatusCompleted))
	assert.True(t, r.Status.Terminal())

	// No transition leaves a terminal state.
	assert.Error(t, r.Transition(StatusRunning))
	assert.Error(t, r.Transition(StatusFailed))
	assert.Equal(t, StatusCompleted, r.Status)
}

func TestJobTransitionFailurePaths(t *testing.T) {
	r := &BackupRecord{Status: StatusRunning}
	require.NoError(t, r.Transition(StatusFailed))
	assert.True(t, r.Status.Terminal())

	r = &BackupRecord{Status: StatusVerifying}
	require.NoError(t, r.Transition(StatusFailed))

	// Skipping Verifying on the way to Completed is not allowed.
	r = &BackupRecord{Status: StatusRunning}
	assert.Error(t, r.Transition(StatusCompleted))
}

func TestTargetValidate(t *testing.T) {
	good := Target{ID: "orders-db", Kind: StoreRelational, Cadence: "0 4 * * *", Retention: 30 * 24 * time.Hour}
	require.NoError(t, good.Validate())

	bad := good
	bad.Cadence = "every day at dawn"
	err := bad.Validate()
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))

	bad = good
	bad.Kind = "graph"
	assert.Error(t, bad.Validate())

	bad = good
	bad.Retention = 0
	assert.Error(t, bad.Validate())
}

func TestRestoreAggregate(t *testing.T) {
	req := &RestoreRequest{Results: []TargetResult{
		{TargetID: "a", Outcome: OutcomeCompleted},
		{TargetID: "b", Outcome: OutcomeFailed, Error: "load rejected"},
	}}
	assert.Equal(t, RestorePartial, req.Aggregate())

	req.Results[1].Outcome = OutcomeCompleted
	assert.Equal(t, RestoreCompleted, req.Aggregate())

	req.Results = []TargetResult{{TargetID: "a", Outcome: OutcomeFailed}, {TargetID: "b", Outcome: OutcomeSkipped}}
	assert.Equal(t, RestoreFailed, req.Aggregate())
}
