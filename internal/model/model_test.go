package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus(t *testing.T) {
	terminal := []ExecutionStatus{ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	for _, s := range []ExecutionStatus{ExecutionStatusRunning, ExecutionStatusPolling} {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsActive(), s)
	}
	assert.False(t, ExecutionStatusPaused.IsActive())
	assert.False(t, ExecutionStatusCancelling.IsTerminal())

	assert.Panics(t, func() { ExecutionStatus("RESUMING").IsTerminal() })

	s, err := ParseExecutionStatus("POLLING")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusPolling, s)
	_, err = ParseExecutionStatus("polling")
	assert.Error(t, err)
}

func TestExecutionValidate(t *testing.T) {
	exec := &Execution{Status: ExecutionStatusPolling, Waves: []Wave{
		{WaveNumber: 0, Status: WaveStatusCompleted, ServerStatuses: []ServerStatus{{SourceServerID: "s-1", LaunchStatus: LaunchStatusLaunched}}},
		{WaveNumber: 1, Status: WaveStatusPending},
	}}
	require.NoError(t, exec.Validate())

	exec.Waves[1].Status = "EXPLODED"
	assert.ErrorContains(t, exec.Validate(), "wave 1")

	exec.Waves[1].Status = WaveStatusPending
	exec.Waves[0].ServerStatuses[0].LaunchStatus = "MELTED"
	assert.ErrorContains(t, exec.Validate(), "unknown launch status")

	exec.Waves[0].ServerStatuses[0].LaunchStatus = LaunchStatusLaunched
	exec.Status = "RESUMING"
	assert.Error(t, exec.Validate())

	s, err := ParseWaveStatus("IN_PROGRESS")
	require.NoError(t, err)
	assert.Equal(t, WaveStatusInProgress, s)
}

func TestLaunchStatus(t *testing.T) {
	tests := []struct {
		raw     string
		known   bool
		outcome LaunchOutcome
	}{
		{"PENDING", true, LaunchOutcomeWaiting},
		{"IN_PROGRESS", true, LaunchOutcomeWaiting},
		{"LAUNCHED", true, LaunchOutcomeSucceeded},
		{"FAILED", true, LaunchOutcomeFailed},
		{"TERMINATED", true, LaunchOutcomeFailed},
		{"REPLICATION_PAUSED", false, LaunchOutcomeWaiting},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s, ok := ParseLaunchStatus(tt.raw)
			assert.Equal(t, tt.known, ok)
			assert.Equal(t, tt.outcome, s.Outcome())
		})
	}
}

func TestExecutionClone(t *testing.T) {
	end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 1
	exec := &Execution{
		ExecutionID:      "exec-1",
		Status:           ExecutionStatusPaused,
		EndTime:          &end,
		PausedBeforeWave: &n,
		Waves: []Wave{{
			WaveNumber:     0,
			ServerIDs:      []string{"s-1"},
			ServerStatuses: []ServerStatus{{SourceServerID: "s-1", LaunchStatus: LaunchStatusLaunched}},
			EndTime:        &end,
		}},
	}

	cp := exec.Clone()
	require.Equal(t, exec, cp)

	cp.Waves[0].ServerIDs[0] = "s-2"
	cp.Waves[0].ServerStatuses[0].LaunchStatus = LaunchStatusFailed
	*cp.PausedBeforeWave = 2
	*cp.Waves[0].EndTime = end.Add(time.Hour)

	assert.Equal(t, "s-1", exec.Waves[0].ServerIDs[0])
	assert.Equal(t, LaunchStatusLaunched, exec.Waves[0].ServerStatuses[0].LaunchStatus)
	assert.Equal(t, 1, *exec.PausedBeforeWave)
	assert.Equal(t, end, *exec.Waves[0].EndTime)

	assert.Nil(t, (*Execution)(nil).Clone())
}

func TestExecutionWaves(t *testing.T) {
	exec := &Execution{Waves: []Wave{
		{Status: WaveStatusCompleted, ServerIDs: []string{"a"}},
		{Status: WaveStatusInProgress, ServerIDs: []string{"b", "c"}},
	}, CurrentWaveNumber: 1}

	assert.Equal(t, &exec.Waves[1], exec.CurrentWave())
	assert.False(t, exec.AllWavesTerminal())
	assert.Equal(t, []string{"a", "b", "c"}, exec.ServerIDs())

	exec.Waves[1].Status = WaveStatusFailed
	exec.CurrentWaveNumber = 2
	assert.Nil(t, exec.CurrentWave())
	assert.True(t, exec.AllWavesTerminal())

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exec.Fail(ExecutionStatusFailed, ErrCodeWaveFailed, "wave 1 failed", at)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.Equal(t, ErrCodeWaveFailed, exec.ErrorCode)
	assert.Equal(t, at, *exec.EndTime)
}

func TestErrors(t *testing.T) {
	err := NewError(ErrPlanNotFound, "recovery plan p-1 not found", nil, map[string]any{"plan_id": "p-1"})
	assert.Equal(t, ErrCodePlanNotFound, ErrorCode(err))
	assert.True(t, IsClientError(err))
	assert.Equal(t, "recovery plan p-1 not found", err.Message)
	// the sentinel is not modified
	assert.Equal(t, "recovery plan not found", ErrPlanNotFound.Message)

	wrapped := fmt.Errorf("begin: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodePlanNotFound))

	denial := NewAdmissionError(ErrCodeWaveSizeExceeded, "wave has 101 servers", nil)
	assert.True(t, IsAdmissionDenied(denial))
	assert.False(t, IsClientError(denial))
	assert.Equal(t, ErrCodeServerConflict, ErrorCode(ErrAdmissionDenied))

	assert.True(t, IsTokenError(NewError(ErrTokenConsumed, "", nil, nil)))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
	assert.False(t, IsCode(nil, ErrCodeInvalidState))
}
