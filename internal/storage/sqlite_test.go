package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "drs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testExecution() *model.Execution {
	return &model.Execution{
		ExecutionID: "exec-1",
		PlanID:      "plan-1",
		Status:      model.ExecutionStatusRunning,
		TotalWaves:  1,
		Waves: []model.Wave{
			{WaveNumber: 0, WaveName: "db", ServerIDs: []string{"s-1"}, Region: "us-east-1", Status: model.WaveStatusPending},
		},
		StartTime: time.Now().UTC(),
	}
}

func TestSQLiteStore_CreateAndGetExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateExecution(ctx, testExecution())
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateExecution(ctx, testExecution())
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetExecution(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusRunning, got.Status)
	require.Len(t, got.Waves, 1)
	assert.Equal(t, []string{"s-1"}, got.Waves[0].ServerIDs)

	_, err = store.GetExecution(ctx, "exec-1", "other-plan")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrCodeExecutionNotFound))
}

func TestSQLiteStore_ConditionalUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exec := testExecution()
	_, err := store.CreateExecution(ctx, exec)
	require.NoError(t, err)

	exec.Status = model.ExecutionStatusPolling
	ok, err := store.UpdateExecution(ctx, exec, model.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expectation loses.
	exec.Status = model.ExecutionStatusCompleted
	ok, err = store.UpdateExecution(ctx, exec, model.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetExecution(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusPolling, got.Status)
}

func TestSQLiteStore_UpdateRequiresReadRevision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateExecution(ctx, testExecution())
	require.NoError(t, err)

	first, err := store.GetExecution(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	second, err := store.GetExecution(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Revision)

	first.Waves[0].JobID = "drsjob-1"
	ok, err := store.UpdateExecution(ctx, first, model.ExecutionStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), first.Revision)

	// same status, older revision
	second.Waves[0].JobID = "drsjob-2"
	ok, err = store.UpdateExecution(ctx, second, model.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), second.Revision)

	got, err := store.GetExecution(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "drsjob-1", got.Waves[0].JobID)
	assert.Equal(t, int64(1), got.Revision)

	got.Status = model.ExecutionStatusPolling
	ok, err = store.UpdateExecution(ctx, got, model.ExecutionStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := store.ListExecutionsByStatus(ctx, model.ExecutionStatusPolling)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].Revision)
}

func TestSQLiteStore_RejectsUnknownStoredStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exec := testExecution()
	exec.Waves[0].Status = model.WaveStatus("EXPLODED")
	_, err := store.CreateExecution(ctx, exec)
	require.NoError(t, err)

	_, err = store.GetExecution(ctx, "exec-1", "plan-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown wave status")

	_, err = store.ListExecutionsByStatus(ctx, model.ExecutionStatusRunning)
	assert.Error(t, err)

	other := testExecution()
	other.ExecutionID = "exec-2"
	other.Waves[0].ServerStatuses = []model.ServerStatus{{SourceServerID: "s-1", LaunchStatus: model.LaunchStatus("MELTED")}}
	_, err = store.CreateExecution(ctx, other)
	require.NoError(t, err)

	_, err = store.GetExecution(ctx, "exec-2", "plan-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown launch status")
}

func TestSQLiteStore_AddsRevisionToOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE executions (
		execution_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (execution_id, plan_id)
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.CreateExecution(ctx, testExecution())
	require.NoError(t, err)
	got, err := store.GetExecution(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Revision)
}

func TestSQLiteStore_ListExecutionsByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, st := range []model.ExecutionStatus{model.ExecutionStatusRunning, model.ExecutionStatusPolling, model.ExecutionStatusCompleted} {
		exec := testExecution()
		exec.ExecutionID = []string{"a", "b", "c"}[i]
		exec.Status = st
		_, err := store.CreateExecution(ctx, exec)
		require.NoError(t, err)
	}

	active, err := store.ListExecutionsByStatus(ctx, model.ExecutionStatusRunning, model.ExecutionStatusPolling)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ExecutionID)
	assert.Equal(t, "b", active[1].ExecutionID)
}

func TestSQLiteStore_WaveResults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wave := testExecution().Waves[0]
	wave.Status = model.WaveStatusCompleted
	wave.JobID = "drsjob-1"

	require.NoError(t, store.AppendWaveResult(ctx, WaveResult{
		ExecutionID: "exec-1", PlanID: "plan-1", WaveNumber: 0, Status: wave.Status, JobID: wave.JobID, Wave: wave,
	}))
	require.NoError(t, store.AppendWaveResult(ctx, WaveResult{
		ExecutionID: "exec-1", PlanID: "plan-1", WaveNumber: 1, Status: model.WaveStatusFailed,
	}))

	results, err := store.ListWaveResults(ctx, "exec-1", "plan-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "drsjob-1", results[0].JobID)
	assert.Equal(t, model.WaveStatusCompleted, results[0].Wave.Status)
	assert.Equal(t, model.WaveStatusFailed, results[1].Status)
}

func TestSQLiteStore_Plans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetPlan(ctx, "missing")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrCodePlanNotFound))

	plan := &model.Plan{ID: "plan-1", Name: "primary", Waves: []model.PlanWave{{Name: "db", ServerIDs: []string{"s-1"}}}}
	require.NoError(t, store.SavePlan(ctx, plan))

	got, err := store.GetPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "primary", got.Name)
	require.Len(t, got.Waves, 1)

	group := &model.ProtectionGroup{ID: "pg-1", Name: "web", Region: "us-east-1", SelectionTags: map[string]string{"tier": "web"}}
	require.NoError(t, store.SaveProtectionGroup(ctx, group))

	gotGroup, err := store.GetProtectionGroup(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, "web", gotGroup.SelectionTags["tier"])

	_, err = store.GetProtectionGroup(ctx, "pg-missing")
	assert.ErrorIs(t, err, ErrProtectionGroupNotFound)
}

func TestSQLiteStore_Tokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.SaveToken(ctx, &model.ContinuationToken{
		Token:       "tok-1",
		ExecutionID: "exec-1",
		PlanID:      "plan-1",
		WaveNumber:  2,
		Status:      model.TokenStatusPending,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	tok, err := store.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, 2, tok.WaveNumber)
	assert.Equal(t, model.TokenStatusPending, tok.Status)
	assert.False(t, tok.Expired(now))

	ok, err := store.ConsumeToken(ctx, "tok-1", "resume", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeToken(ctx, "tok-1", "cancel", now)
	require.NoError(t, err)
	assert.False(t, ok)

	tok, err = store.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusConsumed, tok.Status)
	assert.Equal(t, "resume", tok.ConsumedBy)
	require.NotNil(t, tok.ConsumedAt)

	_, err = store.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestLoadSeedFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
protection_groups:
  - id: pg-web
    name: web
    region: us-east-1
    selection_tags:
      tier: web
plans:
  - id: plan-1
    name: primary
    waves:
      - name: database
        server_ids: [s-db-1, s-db-2]
        region: us-east-1
      - name: web
        protection_group_id: pg-web
        pause_before_wave: true
`), 0o600))

	plans, groups, err := LoadSeedFile(ctx, path, store)
	require.NoError(t, err)
	assert.Equal(t, 1, plans)
	assert.Equal(t, 1, groups)

	plan, err := store.GetPlan(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, plan.Waves, 2)
	assert.Equal(t, "pg-web", plan.Waves[1].ProtectionGroupID)
	assert.True(t, plan.Waves[1].PauseBeforeWave)
}

func TestParseSeedRejectsMissingID(t *testing.T) {
	_, err := ParseSeed([]byte("plans:\n  - name: nameless\n"))
	require.Error(t, err)
}
