package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

// SQLiteStore implements ExecutionStore, PlanStore and TokenStore using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

var (
	_ ExecutionStore = (*SQLiteStore)(nil)
	_ PlanStore      = (*SQLiteStore)(nil)
	_ TokenStore     = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers, which conditional updates rely on.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			status TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (execution_id, plan_id)
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

		CREATE TABLE IF NOT EXISTS wave_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			wave_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			job_id TEXT,
			body TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wave_results_execution ON wave_results(execution_id, plan_id);

		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS protection_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			region TEXT NOT NULL,
			body TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS continuation_tokens (
			token TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			wave_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			consumed_at INTEGER,
			consumed_by TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_continuation_tokens_execution ON continuation_tokens(execution_id, plan_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return s.ensureColumn("executions", "revision", "INTEGER NOT NULL DEFAULT 0")
}

// ensureColumn adds a column missing from a table created by an older schema
func (s *SQLiteStore) ensureColumn(table, column, definition string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan schema of %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during schema iteration: %w", err)
	}
	rows.Close()

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	s.logger.Info("Added column", zap.String("table", table), zap.String("column", column))
	return nil
}

// CreateExecution implements ExecutionStore.CreateExecution
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *model.Execution) (bool, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal execution: %w", err)
	}

	now := time.Now().UnixNano()
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions (
			execution_id, plan_id, status, revision, body, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID,
		exec.PlanID,
		string(exec.Status),
		exec.Revision,
		string(body),
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to store execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// GetExecution implements ExecutionStore.GetExecution
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID, planID string) (*model.Execution, error) {
	var (
		body     string
		revision int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT body, revision FROM executions
		WHERE execution_id = ? AND plan_id = ?`, executionID, planID).Scan(&body, &revision)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrExecutionNotFound,
				fmt.Sprintf("execution %s of plan %s not found", executionID, planID), nil,
				map[string]any{"execution_id": executionID, "plan_id": planID})
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return decodeExecution(body, revision)
}

// UpdateExecution implements ExecutionStore.UpdateExecution. The write is
// conditioned on the stored status and on the revision exec was read at; a
// winning write advances exec.Revision.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *model.Execution, expected model.ExecutionStatus) (bool, error) {
	read := exec.Revision
	exec.Revision = read + 1

	body, err := json.Marshal(exec)
	if err != nil {
		exec.Revision = read
		return false, fmt.Errorf("failed to marshal execution: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = ?,
			revision = ?,
			body = ?,
			updated_at = ?
		WHERE execution_id = ? AND plan_id = ? AND status = ? AND revision = ?`,
		string(exec.Status),
		exec.Revision,
		string(body),
		time.Now().UnixNano(),
		exec.ExecutionID,
		exec.PlanID,
		string(expected),
		read,
	)
	if err != nil {
		exec.Revision = read
		return false, fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		exec.Revision = read
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		exec.Revision = read
		s.logger.Debug("Conditional execution update lost",
			zap.String("execution_id", exec.ExecutionID),
			zap.String("plan_id", exec.PlanID),
			zap.String("expected_status", string(expected)),
			zap.Int64("revision", read))
		return false, nil
	}
	return true, nil
}

// AppendWaveResult implements ExecutionStore.AppendWaveResult
func (s *SQLiteStore) AppendWaveResult(ctx context.Context, result WaveResult) error {
	if result.RecordedAt.IsZero() {
		result.RecordedAt = time.Now()
	}
	body, err := json.Marshal(result.Wave)
	if err != nil {
		return fmt.Errorf("failed to marshal wave: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wave_results (
			execution_id, plan_id, wave_number, status, job_id, body, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.ExecutionID,
		result.PlanID,
		result.WaveNumber,
		string(result.Status),
		sql.NullString{String: result.JobID, Valid: result.JobID != ""},
		string(body),
		result.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append wave result: %w", err)
	}
	return nil
}

// ListWaveResults implements ExecutionStore.ListWaveResults
func (s *SQLiteStore) ListWaveResults(ctx context.Context, executionID, planID string) ([]WaveResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, plan_id, wave_number, status, job_id, body, recorded_at
		FROM wave_results
		WHERE execution_id = ? AND plan_id = ?
		ORDER BY id ASC`, executionID, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wave results: %w", err)
	}
	defer rows.Close()

	var results []WaveResult
	for rows.Next() {
		var (
			r          WaveResult
			status     string
			jobID      sql.NullString
			body       string
			recordedAt int64
		)
		if err := rows.Scan(&r.ExecutionID, &r.PlanID, &r.WaveNumber, &status, &jobID, &body, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wave result: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &r.Wave); err != nil {
			return nil, fmt.Errorf("failed to unmarshal wave result: %w", err)
		}
		r.Status = model.WaveStatus(status)
		r.JobID = jobID.String
		r.RecordedAt = time.Unix(0, recordedAt)
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}

// ListExecutionsByStatus implements ExecutionStore.ListExecutionsByStatus
func (s *SQLiteStore) ListExecutionsByStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := fmt.Sprintf("SELECT body, revision FROM executions WHERE status IN (%s) ORDER BY created_at ASC",
		strings.Join(placeholders, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		var (
			body     string
			revision int64
		)
		if err := rows.Scan(&body, &revision); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec, err := decodeExecution(body, revision)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return executions, nil
}

// SavePlan implements PlanStore.SavePlan
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *model.Plan) error {
	now := time.Now()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now

	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		plan.ID,
		plan.Name,
		string(body),
		plan.CreatedAt.UnixNano(),
		plan.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store plan: %w", err)
	}
	return nil
}

// GetPlan implements PlanStore.GetPlan
func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*model.Plan, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM plans WHERE id = ?", planID).Scan(&body)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrPlanNotFound,
				fmt.Sprintf("recovery plan %s not found", planID), nil,
				map[string]any{"plan_id": planID})
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}

	var plan model.Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &plan, nil
}

// SaveProtectionGroup implements PlanStore.SaveProtectionGroup
func (s *SQLiteStore) SaveProtectionGroup(ctx context.Context, group *model.ProtectionGroup) error {
	body, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to marshal protection group: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO protection_groups (id, name, region, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			region = excluded.region,
			body = excluded.body`,
		group.ID,
		group.Name,
		group.Region,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to store protection group: %w", err)
	}
	return nil
}

// GetProtectionGroup implements PlanStore.GetProtectionGroup
func (s *SQLiteStore) GetProtectionGroup(ctx context.Context, groupID string) (*model.ProtectionGroup, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM protection_groups WHERE id = ?", groupID).Scan(&body)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrProtectionGroupNotFound, groupID)
		}
		return nil, fmt.Errorf("failed to load protection group: %w", err)
	}

	var group model.ProtectionGroup
	if err := json.Unmarshal([]byte(body), &group); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protection group: %w", err)
	}
	return &group, nil
}

// SaveToken implements TokenStore.SaveToken
func (s *SQLiteStore) SaveToken(ctx context.Context, token *model.ContinuationToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO continuation_tokens (
			token, execution_id, plan_id, wave_number, status, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Token,
		token.ExecutionID,
		token.PlanID,
		token.WaveNumber,
		string(token.Status),
		token.IssuedAt.UnixNano(),
		token.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store continuation token: %w", err)
	}
	return nil
}

// GetToken implements TokenStore.GetToken
func (s *SQLiteStore) GetToken(ctx context.Context, token string) (*model.ContinuationToken, error) {
	var (
		t          model.ContinuationToken
		status     string
		issuedAt   int64
		expiresAt  int64
		consumedAt sql.NullInt64
		consumedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, execution_id, plan_id, wave_number, status, issued_at, expires_at, consumed_at, consumed_by
		FROM continuation_tokens
		WHERE token = ?`, token).Scan(
		&t.Token,
		&t.ExecutionID,
		&t.PlanID,
		&t.WaveNumber,
		&status,
		&issuedAt,
		&expiresAt,
		&consumedAt,
		&consumedBy,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to load continuation token: %w", err)
	}

	t.Status = model.TokenStatus(status)
	t.IssuedAt = time.Unix(0, issuedAt)
	t.ExpiresAt = time.Unix(0, expiresAt)
	if consumedAt.Valid {
		at := time.Unix(0, consumedAt.Int64)
		t.ConsumedAt = &at
	}
	t.ConsumedBy = consumedBy.String
	return &t, nil
}

// ConsumeToken implements TokenStore.ConsumeToken
func (s *SQLiteStore) ConsumeToken(ctx context.Context, token, action string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE continuation_tokens SET
			status = ?,
			consumed_at = ?,
			consumed_by = ?
		WHERE token = ? AND status = ?`,
		string(model.TokenStatusConsumed),
		at.UnixNano(),
		action,
		token,
		string(model.TokenStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume continuation token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// decodeExecution rejects records carrying status values the state machine
// cannot switch on
func decodeExecution(body string, revision int64) (*model.Execution, error) {
	var exec model.Execution
	if err := json.Unmarshal([]byte(body), &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	if err := exec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid execution %s: %w", exec.ExecutionID, err)
	}
	exec.Revision = revision
	return &exec, nil
}
