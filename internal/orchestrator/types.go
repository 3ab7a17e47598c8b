package orchestrator

import "github.com/t77yq/drs-orchestrator/internal/model"

// BeginRequest starts an execution of a plan
type BeginRequest struct {
	PlanID string `json:"plan_id"`
	// ExecutionID is generated when empty
	ExecutionID string `json:"execution_id,omitempty"`
	IsDrill     bool   `json:"is_drill"`
}

// BeginResponse is the execution after wave 0 was submitted
type BeginResponse struct {
	Execution        *model.Execution `json:"execution"`
	AllWavesComplete bool             `json:"all_waves_complete"`
	// Existing is set when the execution id was already started
	Existing bool `json:"existing,omitempty"`
}

// PollRequest advances an execution by one poll
type PollRequest struct {
	ExecutionID string `json:"execution_id"`
	PlanID      string `json:"plan_id"`
}

// PollResponse reports the execution after the poll
type PollResponse struct {
	Execution        *model.Execution `json:"execution"`
	AllWavesComplete bool             `json:"all_waves_complete"`
	// Changed is false when the poll wrote nothing
	Changed bool `json:"changed"`
}

// FinalizeRequest moves a fully-polled execution to its terminal state
type FinalizeRequest struct {
	ExecutionID string `json:"execution_id"`
	PlanID      string `json:"plan_id"`
}

// FinalizeResponse is the terminal execution
type FinalizeResponse struct {
	Execution        *model.Execution `json:"execution"`
	AlreadyFinalized bool             `json:"already_finalized"`
}

// CancelRequest asks a running execution to stop after its current wave
type CancelRequest struct {
	ExecutionID string `json:"execution_id"`
	PlanID      string `json:"plan_id"`
}

// CancelResponse is the execution after the cancel request
type CancelResponse struct {
	Execution *model.Execution `json:"execution"`
}

// TokenRequest carries a continuation token for resume or cancel
type TokenRequest struct {
	Token string `json:"token"`
}

// TokenResponse is the execution after resume or cancel
type TokenResponse struct {
	Execution *model.Execution `json:"execution"`
}

// ConflictCheckRequest runs the conflict check for a plan before begin
type ConflictCheckRequest struct {
	PlanID string `json:"plan_id"`
	// ExecutionID excludes an execution from the active-execution index
	ExecutionID string `json:"execution_id,omitempty"`
}

// ConflictCheckResponse lists servers of the plan already in use
type ConflictCheckResponse struct {
	PlanID       string                 `json:"plan_id"`
	HasConflicts bool                   `json:"has_conflicts"`
	Conflicts    []model.ConflictRecord `json:"conflicts"`
}
