package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

var (
	// ErrTokenNotFound is returned when a continuation token is not in the ledger
	ErrTokenNotFound = errors.New("continuation token not found")

	// ErrProtectionGroupNotFound is returned when a protection group id is unknown
	ErrProtectionGroupNotFound = errors.New("protection group not found")
)

// WaveResult is one entry of the append-only wave-result history
type WaveResult struct {
	ExecutionID string           `json:"execution_id"`
	PlanID      string           `json:"plan_id"`
	WaveNumber  int              `json:"wave_number"`
	Status      model.WaveStatus `json:"status"`
	JobID       string           `json:"job_id,omitempty"`
	Wave        model.Wave       `json:"wave"`
	RecordedAt  time.Time        `json:"recorded_at"`
}

// ExecutionStore persists execution records keyed by (executionID, planID)
type ExecutionStore interface {
	// CreateExecution writes a new record. created is false if the key already exists.
	CreateExecution(ctx context.Context, exec *model.Execution) (created bool, err error)

	// GetExecution loads a record or returns model.ErrExecutionNotFound
	GetExecution(ctx context.Context, executionID, planID string) (*model.Execution, error)

	// UpdateExecution overwrites the record only if its stored status equals
	// expected and its revision equals exec.Revision. A winning write advances
	// exec.Revision; a lost write leaves exec unchanged.
	UpdateExecution(ctx context.Context, exec *model.Execution, expected model.ExecutionStatus) (bool, error)

	// AppendWaveResult adds an entry to the wave-result history
	AppendWaveResult(ctx context.Context, result WaveResult) error

	// ListWaveResults returns the history of an execution in insertion order
	ListWaveResults(ctx context.Context, executionID, planID string) ([]WaveResult, error)

	// ListExecutionsByStatus returns every execution whose status is in statuses
	ListExecutionsByStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error)
}

// PlanStore resolves recovery plans and protection groups
type PlanStore interface {
	SavePlan(ctx context.Context, plan *model.Plan) error
	GetPlan(ctx context.Context, planID string) (*model.Plan, error)
	SaveProtectionGroup(ctx context.Context, group *model.ProtectionGroup) error
	GetProtectionGroup(ctx context.Context, groupID string) (*model.ProtectionGroup, error)
}

// TokenStore is the continuation-token ledger
type TokenStore interface {
	SaveToken(ctx context.Context, token *model.ContinuationToken) error
	GetToken(ctx context.Context, token string) (*model.ContinuationToken, error)

	// ConsumeToken marks a PENDING token CONSUMED. It returns false if the
	// token was not PENDING.
	ConsumeToken(ctx context.Context, token, action string, at time.Time) (bool, error)
}
