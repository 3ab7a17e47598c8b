package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/testutil"
)

func TestJetStreamNotifier(t *testing.T) {
	nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	n, err := NewJetStreamNotifier(js, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, EventStreamName, 2*time.Second))

	exec := &model.Execution{
		ExecutionID: "exec-1",
		PlanID:      "plan-1",
		Status:      model.ExecutionStatusFailed,
		Error:       "job completed with zero launched instances",
		ErrorCode:   model.ErrCodeZeroLaunched,
	}

	t.Run("publishes execution events", func(t *testing.T) {
		n.Notify(context.Background(), model.NewExecutionEvent(model.EventExecutionFailed, exec))

		msgs, err := testutil.ConsumeMessages(js, Subject(model.EventExecutionFailed), 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var ev model.Event
		require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "exec-1", ev.ExecutionID)
		assert.Equal(t, model.ErrCodeZeroLaunched, ev.ErrorCode)
		assert.False(t, ev.CreatedAt.IsZero())
	})

	t.Run("publish failure is swallowed", func(t *testing.T) {
		nc.Close()
		assert.NotPanics(t, func() {
			n.Notify(context.Background(), model.NewExecutionEvent(model.EventExecutionStarted, exec))
		})
	})
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NotPanics(t, func() { n.Notify(context.Background(), model.Event{}) })
}
