package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/quota"
	"github.com/t77yq/drs-orchestrator/internal/testutil"
)

type execList struct {
	execs []*model.Execution
	err   error
}

func (l *execList) ListExecutionsByStatus(_ context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []*model.Execution
	for _, e := range l.execs {
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func TestCapacityMonitor(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	fake := testutil.NewFakeRecoveryService()
	for i := 0; i < quota.MaxConcurrentJobs; i++ {
		fake.AddActiveJobWithCount("eu-west-1", "busy-"+string(rune('a'+i)), 5)
	}
	fake.AddActiveJob("us-east-1", "drsjob-1", "s-1", "s-2")

	execs := &execList{execs: []*model.Execution{
		{ExecutionID: "e-1", Status: model.ExecutionStatusPolling},
		{ExecutionID: "e-2", Status: model.ExecutionStatusPolling},
		{ExecutionID: "e-3", Status: model.ExecutionStatusPaused},
		{ExecutionID: "e-4", Status: model.ExecutionStatusCompleted},
	}}

	monitor := NewCapacityMonitor(js, quota.NewGuard(fake, logger), execs, []string{"us-east-1", "eu-west-1"}, time.Hour, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, monitor.Start(ctx))
	defer monitor.Stop()

	t.Run("Collect", func(t *testing.T) {
		report, err := monitor.Collect(ctx)
		require.NoError(t, err)

		require.Len(t, report.Regions, 2)
		assert.Equal(t, "us-east-1", report.Regions[0].Region)
		assert.Equal(t, 1, report.Regions[0].CurrentJobCount)
		assert.Equal(t, 2, report.Regions[0].CurrentServersInFlight)
		assert.Equal(t, 0, report.Regions[1].AvailableJobSlots)
		assert.Equal(t, []string{"eu-west-1"}, report.Exhausted)
		assert.Equal(t, map[model.ExecutionStatus]int{
			model.ExecutionStatusPolling: 2,
			model.ExecutionStatusPaused:  1,
		}, report.Executions)
		assert.Same(t, report, monitor.Last())

		msgs, err := testutil.ConsumeMessages(js, CapacitySubject, time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, msgs)

		var published CapacityReport
		require.NoError(t, json.Unmarshal(msgs[0].Data, &published))
		assert.Equal(t, report.Exhausted, published.Exhausted)
		assert.Len(t, published.Regions, 2)
	})

	t.Run("Unreadable Region Is Skipped", func(t *testing.T) {
		fake.ListErr = errors.New("throttled")
		defer func() { fake.ListErr = nil }()

		report, err := monitor.Collect(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Regions)
		assert.Equal(t, 3, report.Executions[model.ExecutionStatusPolling]+report.Executions[model.ExecutionStatusPaused])
	})

	t.Run("Lister Error", func(t *testing.T) {
		execs.err = errors.New("database closed")
		defer func() { execs.err = nil }()

		_, err := monitor.Collect(ctx)
		assert.Error(t, err)
	})
}
