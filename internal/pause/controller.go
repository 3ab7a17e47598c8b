package pause

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/storage"
	"github.com/t77yq/drs-orchestrator/internal/workflow"
)

const (
	ActionResume = "resume"
	ActionCancel = "cancel"

	// CancelErrorCode is the failure code signalled to the workflow on cancel
	CancelErrorCode = "ExecutionCancelled"
)

// Config holds controller settings
type Config struct {
	TokenTTL        time.Duration
	CallbackBaseURL string
}

// Store is the persistence the controller needs
type Store interface {
	storage.ExecutionStore
	storage.TokenStore
}

// Controller suspends executions between waves and resumes or cancels them by token
type Controller struct {
	store  Store
	engine workflow.Engine
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewController creates a pause controller
func NewController(store Store, engine workflow.Engine, cfg Config, logger *zap.Logger) *Controller {
	return &Controller{
		store:  store,
		engine: engine,
		cfg:    cfg,
		logger: logger.Named("pause-controller"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Pause issues a continuation token and moves exec to PAUSED before waveNumber.
// The token is persisted in the ledger; the caller persists exec.
func (c *Controller) Pause(ctx context.Context, exec *model.Execution, waveNumber int, reason string) (*model.ContinuationToken, error) {
	if exec.Status.IsTerminal() || exec.Status == model.ExecutionStatusPaused {
		return nil, model.NewError(model.ErrInvalidState,
			fmt.Sprintf("cannot pause execution in status %s", exec.Status), nil,
			map[string]any{"execution_id": exec.ExecutionID, "status": string(exec.Status)})
	}

	value, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := c.now()
	token := &model.ContinuationToken{
		Token:       value,
		ExecutionID: exec.ExecutionID,
		PlanID:      exec.PlanID,
		WaveNumber:  waveNumber,
		Status:      model.TokenStatusPending,
		IssuedAt:    now,
		ExpiresAt:   now.Add(c.cfg.TokenTTL),
	}
	if err := c.store.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save continuation token: %w", err)
	}

	wave := waveNumber
	exec.Status = model.ExecutionStatusPaused
	exec.ContinuationToken = value
	exec.PauseReason = reason
	exec.PausedAt = &now
	exec.PausedBeforeWave = &wave

	c.logger.Info("Execution paused",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("plan_id", exec.PlanID),
		zap.Int("wave_number", waveNumber),
		zap.String("reason", reason),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// Actions returns the resume and cancel callback references for token
func (c *Controller) Actions(token string) map[string]string {
	base := strings.TrimRight(c.cfg.CallbackBaseURL, "/")
	q := url.Values{"token": []string{token}}.Encode()
	return map[string]string{
		ActionResume: fmt.Sprintf("%s/%s?%s", base, ActionResume, q),
		ActionCancel: fmt.Sprintf("%s/%s?%s", base, ActionCancel, q),
	}
}

// Resume signals continuation and returns the execution to RUNNING
func (c *Controller) Resume(ctx context.Context, token string) (*model.Execution, error) {
	token = strings.TrimSpace(token)
	exec, err := c.claim(ctx, token)
	if err != nil {
		return nil, err
	}

	output := map[string]string{
		"action":       ActionResume,
		"execution_id": exec.ExecutionID,
		"plan_id":      exec.PlanID,
	}
	if err := c.signal(c.engine.SendSuccess(ctx, token, output)); err != nil {
		return nil, err
	}
	if err := c.consume(ctx, token, ActionResume); err != nil {
		return nil, err
	}

	exec.Status = model.ExecutionStatusRunning
	exec.ContinuationToken = ""
	exec.PauseReason = ""
	exec.PausedAt = nil
	if err := c.save(ctx, exec); err != nil {
		return nil, err
	}

	c.logger.Info("Execution resumed",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("plan_id", exec.PlanID),
		zap.Int("wave_number", exec.CurrentWaveNumber))
	return exec, nil
}

// Cancel signals termination and moves the paused execution to CANCELLED
func (c *Controller) Cancel(ctx context.Context, token string) (*model.Execution, error) {
	token = strings.TrimSpace(token)
	exec, err := c.claim(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := c.signal(c.engine.SendFailure(ctx, token, CancelErrorCode, "execution cancelled by operator")); err != nil {
		return nil, err
	}
	if err := c.consume(ctx, token, ActionCancel); err != nil {
		return nil, err
	}

	now := c.now()
	exec.Status = model.ExecutionStatusCancelled
	exec.EndTime = &now
	exec.Error = "execution cancelled by operator"
	exec.ContinuationToken = ""
	exec.PausedAt = nil
	if err := c.save(ctx, exec); err != nil {
		return nil, err
	}

	c.logger.Info("Paused execution cancelled",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("plan_id", exec.PlanID))
	return exec, nil
}

// claim validates token against its format, the ledger and the execution it belongs to
func (c *Controller) claim(ctx context.Context, token string) (*model.Execution, error) {
	if err := ValidateToken(token); err != nil {
		return nil, err
	}

	entry, err := c.store.GetToken(ctx, token)
	if err != nil {
		if stderrors.Is(err, storage.ErrTokenNotFound) {
			return nil, model.NewError(model.ErrTokenInvalid, "", err, nil)
		}
		return nil, fmt.Errorf("failed to read continuation token: %w", err)
	}
	if entry.Status == model.TokenStatusConsumed {
		return nil, model.NewError(model.ErrTokenConsumed, "", nil,
			map[string]any{"consumed_by": entry.ConsumedBy})
	}
	if entry.Expired(c.now()) {
		return nil, model.NewError(model.ErrTokenInvalid, "", nil,
			map[string]any{"expired_at": entry.ExpiresAt})
	}

	exec, err := c.store.GetExecution(ctx, entry.ExecutionID, entry.PlanID)
	if err != nil {
		return nil, err
	}
	if exec.Status != model.ExecutionStatusPaused || exec.ContinuationToken != token {
		return nil, model.NewError(model.ErrTokenConsumed, "", nil,
			map[string]any{"execution_id": exec.ExecutionID, "status": string(exec.Status)})
	}
	return exec, nil
}

func (c *Controller) signal(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, workflow.ErrSignalAlreadySent) {
		return model.NewError(model.ErrTokenConsumed, "", err, nil)
	}
	return model.NewError(model.ErrExternalService, fmt.Sprintf("failed to signal workflow: %v", err), err, nil)
}

func (c *Controller) consume(ctx context.Context, token, action string) error {
	ok, err := c.store.ConsumeToken(ctx, token, action, c.now())
	if err != nil {
		return fmt.Errorf("failed to consume continuation token: %w", err)
	}
	if !ok {
		return model.NewError(model.ErrTokenConsumed, "", nil, nil)
	}
	return nil
}

func (c *Controller) save(ctx context.Context, exec *model.Execution) error {
	ok, err := c.store.UpdateExecution(ctx, exec, model.ExecutionStatusPaused)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if !ok {
		return model.NewError(model.ErrInvalidState, "execution is no longer paused", nil,
			map[string]any{"execution_id": exec.ExecutionID})
	}
	return nil
}
