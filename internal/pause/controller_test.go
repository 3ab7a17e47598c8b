package pause

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/storage"
	"github.com/t77yq/drs-orchestrator/internal/workflow"
)

type recordingEngine struct {
	mu        sync.Mutex
	successes []string
	failures  []string
	err       error
}

func (e *recordingEngine) SendSuccess(_ context.Context, token string, _ map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.successes = append(e.successes, token)
	return e.err
}

func (e *recordingEngine) SendFailure(_ context.Context, token, _, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, token)
	return e.err
}

func (e *recordingEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.successes) + len(e.failures)
}

var _ workflow.Engine = (*recordingEngine)(nil)

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func setup(t *testing.T) (*Controller, *storage.SQLiteStore, *recordingEngine) {
	t.Helper()
	store, err := storage.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "pause.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := &recordingEngine{}
	c := NewController(store, engine, Config{
		TokenTTL:        time.Hour,
		CallbackBaseURL: "https://drs.example.com/callback/",
	}, zap.NewNop()).WithClock(func() time.Time { return now })
	return c, store, engine
}

func runningExecution(t *testing.T, store *storage.SQLiteStore) *model.Execution {
	t.Helper()
	exec := &model.Execution{
		ExecutionID:       "exec-1",
		PlanID:            "plan-1",
		Status:            model.ExecutionStatusRunning,
		CurrentWaveNumber: 1,
		TotalWaves:        2,
		Waves: []model.Wave{
			{WaveNumber: 0, WaveName: "db", ServerIDs: []string{"s-1"}, Region: "us-east-1", JobID: "drsjob-0001", Status: model.WaveStatusCompleted},
			{WaveNumber: 1, WaveName: "app", ServerIDs: []string{"s-2"}, Region: "us-east-1", Status: model.WaveStatusPending, PauseBeforeWave: true},
		},
		StartTime: now.Add(-time.Hour),
	}
	created, err := store.CreateExecution(context.Background(), exec)
	require.NoError(t, err)
	require.True(t, created)
	return exec
}

func pauseAndPersist(t *testing.T, c *Controller, store *storage.SQLiteStore, exec *model.Execution) *model.ContinuationToken {
	t.Helper()
	token, err := c.Pause(context.Background(), exec, 1, "operator approval required")
	require.NoError(t, err)
	ok, err := store.UpdateExecution(context.Background(), exec, model.ExecutionStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)
	return token
}

func TestValidateToken(t *testing.T) {
	err := ValidateToken(strings.Repeat("a", 50))
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeTokenMalformed, model.ErrorCode(err))

	assert.NoError(t, ValidateToken(strings.Repeat("a", 200)))
	assert.NoError(t, ValidateToken(strings.Repeat("b", MinTokenLength)))

	err = ValidateToken("")
	assert.Equal(t, model.ErrCodeTokenMalformed, model.ErrorCode(err))

	err = ValidateToken(strings.Repeat("a", 120) + " <script>")
	assert.Equal(t, model.ErrCodeTokenMalformed, model.ErrorCode(err))
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.NotEqual(t, a, b)
	assert.NoError(t, ValidateToken(a))
}

func TestController_PauseResumeRoundTrip(t *testing.T) {
	c, store, engine := setup(t)
	ctx := context.Background()
	exec := runningExecution(t, store)
	wavesBefore := exec.Clone().Waves

	token := pauseAndPersist(t, c, store, exec)
	assert.Equal(t, model.ExecutionStatusPaused, exec.Status)
	assert.Equal(t, token.Token, exec.ContinuationToken)
	require.NotNil(t, exec.PausedBeforeWave)
	assert.Equal(t, 1, *exec.PausedBeforeWave)
	assert.Equal(t, now.Add(time.Hour), token.ExpiresAt)

	resumed, err := c.Resume(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusRunning, resumed.Status)
	assert.Empty(t, resumed.ContinuationToken)
	assert.Empty(t, resumed.PauseReason)
	assert.Nil(t, resumed.PausedAt)
	require.NotNil(t, resumed.PausedBeforeWave)
	assert.Equal(t, 1, *resumed.PausedBeforeWave)
	assert.Equal(t, 1, resumed.CurrentWaveNumber)
	assert.Equal(t, wavesBefore, resumed.Waves)
	assert.Equal(t, []string{token.Token}, engine.successes)

	stored, err := store.GetExecution(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusRunning, stored.Status)

	entry, err := store.GetToken(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusConsumed, entry.Status)
	assert.Equal(t, ActionResume, entry.ConsumedBy)

	_, err = c.Resume(ctx, token.Token)
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeTokenConsumed, model.ErrorCode(err))
	assert.Equal(t, 1, engine.calls())
}

func TestController_ShortTokenRejectedBeforeEngine(t *testing.T) {
	c, _, engine := setup(t)

	_, err := c.Resume(context.Background(), strings.Repeat("x", 50))
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeTokenMalformed, model.ErrorCode(err))
	assert.True(t, model.IsClientError(err))

	_, err = c.Cancel(context.Background(), "")
	assert.Equal(t, model.ErrCodeTokenMalformed, model.ErrorCode(err))
	assert.Equal(t, 0, engine.calls())
}

func TestController_LongTokenDispatchesSignal(t *testing.T) {
	c, store, engine := setup(t)
	ctx := context.Background()
	exec := runningExecution(t, store)

	long := strings.Repeat("z", 200)
	require.NoError(t, store.SaveToken(ctx, &model.ContinuationToken{
		Token:       long,
		ExecutionID: exec.ExecutionID,
		PlanID:      exec.PlanID,
		WaveNumber:  1,
		Status:      model.TokenStatusPending,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}))
	exec.Status = model.ExecutionStatusPaused
	exec.ContinuationToken = long
	ok, err := store.UpdateExecution(ctx, exec, model.ExecutionStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.Resume(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, []string{long}, engine.successes)
}

func TestController_UnknownAndExpiredTokens(t *testing.T) {
	c, store, engine := setup(t)
	ctx := context.Background()

	_, err := c.Resume(ctx, strings.Repeat("q", 128))
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeTokenInvalid, model.ErrorCode(err))

	exec := runningExecution(t, store)
	token := pauseAndPersist(t, c, store, exec)

	c.WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err = c.Resume(ctx, token.Token)
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeTokenInvalid, model.ErrorCode(err))
	assert.Equal(t, 0, engine.calls())
}

func TestController_Cancel(t *testing.T) {
	c, store, engine := setup(t)
	ctx := context.Background()
	exec := runningExecution(t, store)
	token := pauseAndPersist(t, c, store, exec)

	cancelled, err := c.Cancel(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.EndTime)
	assert.Equal(t, now, *cancelled.EndTime)
	assert.Equal(t, []string{token.Token}, engine.failures)

	_, err = c.Resume(ctx, token.Token)
	assert.Equal(t, model.ErrCodeTokenConsumed, model.ErrorCode(err))
}

func TestController_EngineErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("transport failure keeps the token usable", func(t *testing.T) {
		c, store, engine := setup(t)
		exec := runningExecution(t, store)
		token := pauseAndPersist(t, c, store, exec)

		engine.err = errors.New("nats: timeout")
		_, err := c.Resume(ctx, token.Token)
		require.Error(t, err)
		assert.Equal(t, model.ErrCodeExternalService, model.ErrorCode(err))

		entry, err := store.GetToken(ctx, token.Token)
		require.NoError(t, err)
		assert.Equal(t, model.TokenStatusPending, entry.Status)

		engine.err = nil
		_, err = c.Resume(ctx, token.Token)
		require.NoError(t, err)
	})

	t.Run("already signalled", func(t *testing.T) {
		c, store, engine := setup(t)
		exec := runningExecution(t, store)
		token := pauseAndPersist(t, c, store, exec)

		engine.err = workflow.ErrSignalAlreadySent
		_, err := c.Cancel(ctx, token.Token)
		require.Error(t, err)
		assert.Equal(t, model.ErrCodeTokenConsumed, model.ErrorCode(err))
	})
}

func TestController_PauseRejectsTerminal(t *testing.T) {
	c, _, _ := setup(t)
	exec := &model.Execution{ExecutionID: "e", PlanID: "p", Status: model.ExecutionStatusCompleted}

	_, err := c.Pause(context.Background(), exec, 1, "late")
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeInvalidState, model.ErrorCode(err))
}

func TestController_Actions(t *testing.T) {
	c, _, _ := setup(t)
	actions := c.Actions("abc")
	assert.Equal(t, "https://drs.example.com/callback/resume?token=abc", actions[ActionResume])
	assert.Equal(t, "https://drs.example.com/callback/cancel?token=abc", actions[ActionCancel])
}
