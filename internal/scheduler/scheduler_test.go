package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/conflict"
	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/quota"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
	"github.com/t77yq/drs-orchestrator/internal/storage"
	"github.com/t77yq/drs-orchestrator/internal/testutil"
)

type groupMap map[string]*model.ProtectionGroup

func (g groupMap) GetProtectionGroup(_ context.Context, id string) (*model.ProtectionGroup, error) {
	if group, ok := g[id]; ok {
		return group, nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrProtectionGroupNotFound, id)
}

type execList []*model.Execution

func (l execList) ListExecutionsByStatus(_ context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error) {
	var out []*model.Execution
	for _, e := range l {
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newScheduler(fake *testutil.FakeRecoveryService, groups groupMap, execs execList) *WaveScheduler {
	logger := zap.NewNop()
	return NewWaveScheduler(
		fake,
		NewResolver(groups, fake, "us-east-1", logger),
		quota.NewGuard(fake, logger),
		conflict.NewDetector(fake, execs, logger),
		logger,
	).WithClock(func() time.Time { return fixedNow })
}

func newExecution(waves ...model.Wave) *model.Execution {
	for i := range waves {
		waves[i].WaveNumber = i
		waves[i].Status = model.WaveStatusPending
	}
	return &model.Execution{
		ExecutionID: "exec-1",
		PlanID:      "plan-1",
		Status:      model.ExecutionStatusRunning,
		IsDrill:     true,
		TotalWaves:  len(waves),
		Waves:       waves,
		StartTime:   fixedNow,
	}
}

func TestWaveScheduler_SubmitDirectServers(t *testing.T) {
	fake := testutil.NewFakeRecoveryService()
	s := newScheduler(fake, groupMap{}, nil)
	exec := newExecution(model.Wave{WaveName: "db", ServerIDs: []string{"s-1", "s-2", "s-1"}})

	result, err := s.SubmitWave(context.Background(), exec, 0)
	require.NoError(t, err)
	require.True(t, result.Submitted)
	assert.Equal(t, "drsjob-0001", result.JobID)

	wave := exec.Waves[0]
	assert.Equal(t, model.WaveStatusStarted, wave.Status)
	assert.Equal(t, "drsjob-0001", wave.JobID)
	assert.Equal(t, "us-east-1", wave.Region)
	assert.Equal(t, []string{"s-1", "s-2"}, wave.ServerIDs)
	require.NotNil(t, wave.StartTime)
	assert.Equal(t, fixedNow, *wave.StartTime)
	assert.Equal(t, model.ExecutionStatusPolling, exec.Status)

	subs := fake.Submissions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].IsDrill)
	assert.Equal(t, []string{"s-1", "s-2"}, subs[0].ServerIDs)
}

func TestWaveScheduler_TagResolutionCachedPerCall(t *testing.T) {
	fake := testutil.NewFakeRecoveryService()
	tags := map[string]string{"tier": "web"}
	fake.RegisterTags("eu-west-1", tags, "web-1", "web-2")
	groups := groupMap{"pg-web": {ID: "pg-web", Region: "eu-west-1", SelectionTags: tags}}
	s := newScheduler(fake, groups, nil)

	session := s.resolver.Session()
	for i := 0; i < 3; i++ {
		ids, region, err := session.Resolve(context.Background(), WaveSelector{ProtectionGroupID: "pg-web"})
		require.NoError(t, err)
		assert.Equal(t, []string{"web-1", "web-2"}, ids)
		assert.Equal(t, "eu-west-1", region)
	}
	assert.Equal(t, 1, fake.ResolveCalls())

	exec := newExecution(model.Wave{WaveName: "web", ProtectionGroupID: "pg-web"})
	result, err := s.SubmitWave(context.Background(), exec, 0)
	require.NoError(t, err)
	assert.True(t, result.Submitted)
	assert.Equal(t, 2, fake.ResolveCalls())
	assert.Equal(t, []string{"web-1", "web-2"}, exec.Waves[0].ServerIDs)
	assert.Equal(t, "eu-west-1", exec.Waves[0].Region)
}

func TestWaveScheduler_WaveSizeBoundary(t *testing.T) {
	fake := testutil.NewFakeRecoveryService()
	s := newScheduler(fake, groupMap{}, nil)

	exec := newExecution(model.Wave{ServerIDs: testutil.ServerIDs("s", quota.MaxServersPerJob)})
	result, err := s.SubmitWave(context.Background(), exec, 0)
	require.NoError(t, err)
	assert.True(t, result.Submitted)

	exec = newExecution(model.Wave{ServerIDs: testutil.ServerIDs("t", quota.MaxServersPerJob+1)})
	result, err = s.SubmitWave(context.Background(), exec, 0)
	require.NoError(t, err)
	assert.False(t, result.Submitted)
	assert.Equal(t, model.ErrCodeWaveSizeExceeded, model.ErrorCode(result.Denial))
	assert.Equal(t, model.WaveStatusFailed, exec.Waves[0].Status)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, model.ErrCodeWaveSizeExceeded, exec.ErrorCode)
	assert.NotEmpty(t, exec.Error)
	assert.NotNil(t, exec.EndTime)
	assert.Len(t, fake.Submissions(), 1)
}

func TestWaveScheduler_ConflictBlocksSubmission(t *testing.T) {
	fake := testutil.NewFakeRecoveryService()
	fake.AddActiveJob("us-east-1", "drsjob-other", "s-2")
	s := newScheduler(fake, groupMap{}, nil)
	exec := newExecution(model.Wave{ServerIDs: []string{"s-1", "s-2"}})

	result, err := s.SubmitWave(context.Background(), exec, 0)
	require.NoError(t, err)
	assert.False(t, result.Submitted)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "drsjob-other", result.Conflicts[0].ConflictingID)
	assert.Equal(t, model.ErrCodeServerConflict, exec.ErrorCode)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Empty(t, fake.Submissions())
}

func TestWaveScheduler_ConflictWithOtherExecution(t *testing.T) {
	fake := testutil.NewFakeRecoveryService()
	other := newExecution(model.Wave{ServerIDs: []string{"s-1"}})
	other.ExecutionID = "exec-other"
	other.Status = model.ExecutionStatusPolling
	s := newScheduler(fake, groupMap{}, execList{other})

	exec := newExecution(model.Wave{ServerIDs: []string{"s-1"}})
	result, err := s.SubmitWave(context.Background(), exec, 0)
	require.NoError(t, err)
	assert.False(t, result.Submitted)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, model.ConflictSourceActiveExecution, result.Conflicts[0].ConflictSource)
	assert.Equal(t, "exec-other", result.Conflicts[0].ConflictingID)
}

func TestWaveScheduler_SubmitErrorPreservedVerbatim(t *testing.T) {
	fake := testutil.NewFakeRecoveryService()
	fake.SubmitErr = &recovery.ServiceError{Op: recovery.OpSubmitJob, Message: "ConflictException: source server s-1 is already being recovered"}
	s := newScheduler(fake, groupMap{}, nil)
	exec := newExecution(model.Wave{ServerIDs: []string{"s-1"}})

	result, err := s.SubmitWave(context.Background(), exec, 0)
	require.NoError(t, err)
	assert.False(t, result.Submitted)
	assert.Equal(t, model.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, model.ErrCodeExternalService, exec.ErrorCode)
	assert.Equal(t, "ConflictException: source server s-1 is already being recovered", exec.Error)
	assert.Equal(t, exec.Error, exec.Waves[0].Error)
}

func TestWaveScheduler_ResolutionFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing group", func(t *testing.T) {
		s := newScheduler(testutil.NewFakeRecoveryService(), groupMap{}, nil)
		exec := newExecution(model.Wave{ProtectionGroupID: "pg-missing"})
		result, err := s.SubmitWave(ctx, exec, 0)
		require.NoError(t, err)
		assert.False(t, result.Submitted)
		assert.Equal(t, model.ErrCodeProtectionGroupMissing, exec.ErrorCode)
	})

	t.Run("tag lookup error", func(t *testing.T) {
		fake := testutil.NewFakeRecoveryService()
		fake.ResolveErr = errors.New("access denied")
		groups := groupMap{"pg": {ID: "pg", SelectionTags: map[string]string{"a": "b"}}}
		s := newScheduler(fake, groups, nil)
		exec := newExecution(model.Wave{ProtectionGroupID: "pg"})
		_, err := s.SubmitWave(ctx, exec, 0)
		require.NoError(t, err)
		assert.Equal(t, model.ErrCodeServerResolution, exec.ErrorCode)
		assert.Contains(t, exec.Error, "access denied")
	})

	t.Run("empty group", func(t *testing.T) {
		groups := groupMap{"pg": {ID: "pg", SelectionTags: map[string]string{"a": "b"}}}
		s := newScheduler(testutil.NewFakeRecoveryService(), groups, nil)
		exec := newExecution(model.Wave{ProtectionGroupID: "pg"})
		_, err := s.SubmitWave(ctx, exec, 0)
		require.NoError(t, err)
		assert.Equal(t, model.ErrCodeServerResolution, exec.ErrorCode)
	})
}

func TestWaveScheduler_RejectsBadWave(t *testing.T) {
	s := newScheduler(testutil.NewFakeRecoveryService(), groupMap{}, nil)
	exec := newExecution(model.Wave{ServerIDs: []string{"s-1"}})

	_, err := s.SubmitWave(context.Background(), exec, 3)
	assert.ErrorIs(t, err, ErrWaveOutOfRange)

	exec.Waves[0].JobID = "drsjob-x"
	_, err = s.SubmitWave(context.Background(), exec, 0)
	assert.ErrorIs(t, err, ErrWaveAlreadySubmitted)
	assert.Equal(t, model.ExecutionStatusRunning, exec.Status)
}
