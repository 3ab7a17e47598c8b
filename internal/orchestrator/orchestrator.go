package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/conflict"
	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/notify"
	"github.com/t77yq/drs-orchestrator/internal/pause"
	"github.com/t77yq/drs-orchestrator/internal/poller"
	"github.com/t77yq/drs-orchestrator/internal/scheduler"
	"github.com/t77yq/drs-orchestrator/internal/storage"
)

// DefaultMaxWaitTime bounds how long a wave may stay non-terminal
const DefaultMaxWaitTime = 1800 * time.Second

// ErrMissingDependency is returned by New when a required collaborator is nil
var ErrMissingDependency = errors.New("missing orchestrator dependency")

// Store is the persistence the orchestrator needs
type Store interface {
	storage.ExecutionStore
	storage.PlanStore
}

// WavePoller polls the job of one wave
type WavePoller interface {
	PollWave(ctx context.Context, wave *model.Wave) (*poller.Result, error)
}

// Dependencies are the collaborators of an Orchestrator
type Dependencies struct {
	Store     Store
	Scheduler scheduler.Submitter
	Poller    WavePoller
	Pause     *pause.Controller
	Detector  *conflict.Detector
	Resolver  *scheduler.Resolver
	Notifier  notify.Notifier
}

// Config holds orchestrator settings
type Config struct {
	MaxWaitTime time.Duration
}

// Orchestrator owns the execution state machine
type Orchestrator struct {
	store     Store
	scheduler scheduler.Submitter
	poller    WavePoller
	pause     *pause.Controller
	detector  *conflict.Detector
	resolver  *scheduler.Resolver
	notifier  notify.Notifier
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an orchestrator
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("%w: scheduler", ErrMissingDependency)
	case deps.Poller == nil:
		return nil, fmt.Errorf("%w: poller", ErrMissingDependency)
	case deps.Pause == nil:
		return nil, fmt.Errorf("%w: pause controller", ErrMissingDependency)
	case deps.Detector == nil:
		return nil, fmt.Errorf("%w: conflict detector", ErrMissingDependency)
	case deps.Resolver == nil:
		return nil, fmt.Errorf("%w: resolver", ErrMissingDependency)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = DefaultMaxWaitTime
	}

	return &Orchestrator{
		store:     deps.Store,
		scheduler: deps.Scheduler,
		poller:    deps.Poller,
		pause:     deps.Pause,
		detector:  deps.Detector,
		resolver:  deps.Resolver,
		notifier:  deps.Notifier,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the time source
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Begin creates the execution and submits wave 0
func (o *Orchestrator) Begin(ctx context.Context, req BeginRequest) (*BeginResponse, error) {
	plan, err := o.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	} else if existing, err := o.store.GetExecution(ctx, req.ExecutionID, plan.ID); err == nil {
		return &BeginResponse{Execution: existing, AllWavesComplete: allWavesComplete(existing), Existing: true}, nil
	} else if !model.IsCode(err, model.ErrCodeExecutionNotFound) {
		return nil, err
	}

	exec := newExecution(plan, req.ExecutionID, req.IsDrill, o.now())
	logger := o.execLogger(exec)

	var events []model.Event
	if len(exec.Waves) == 0 {
		end := exec.StartTime
		exec.Status = model.ExecutionStatusCompleted
		exec.EndTime = &end
		events = append(events, model.NewExecutionEvent(model.EventExecutionCompleted, exec))
	} else {
		o.claim(exec, 0)
	}

	created, err := o.store.CreateExecution(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	if !created {
		existing, err := o.store.GetExecution(ctx, exec.ExecutionID, exec.PlanID)
		if err != nil {
			return nil, err
		}
		return &BeginResponse{Execution: existing, AllWavesComplete: allWavesComplete(existing), Existing: true}, nil
	}

	logger.Info("Execution started",
		zap.String("plan_name", plan.Name),
		zap.Int("total_waves", exec.TotalWaves),
		zap.Bool("is_drill", exec.IsDrill))
	o.notifier.Notify(ctx, model.NewExecutionEvent(model.EventExecutionStarted, exec))

	if len(exec.Waves) == 0 {
		o.emit(ctx, events)
		return &BeginResponse{Execution: exec, AllWavesComplete: true}, nil
	}

	exec, err = o.dispatch(ctx, exec, exec.Waves[0].SubmissionID)
	if err != nil {
		return nil, err
	}
	return &BeginResponse{Execution: exec, AllWavesComplete: allWavesComplete(exec)}, nil
}

// Poll polls the current wave once and advances to the next wave when it completes
func (o *Orchestrator) Poll(ctx context.Context, req PollRequest) (*PollResponse, error) {
	exec, err := o.store.GetExecution(ctx, req.ExecutionID, req.PlanID)
	if err != nil {
		return nil, err
	}
	unchanged := &PollResponse{Execution: exec, AllWavesComplete: allWavesComplete(exec)}

	switch exec.Status {
	case model.ExecutionStatusCompleted, model.ExecutionStatusFailed,
		model.ExecutionStatusTimedOut, model.ExecutionStatusCancelled, model.ExecutionStatusPaused:
		return unchanged, nil
	case model.ExecutionStatusRunning, model.ExecutionStatusPolling, model.ExecutionStatusCancelling:
	}

	expected := exec.Status
	wave := exec.CurrentWave()
	if wave == nil {
		return unchanged, nil
	}

	var events []model.Event
	switch {
	case wave.JobID == "" && wave.SubmissionID != "":
		// another caller is submitting this wave
		now := o.now()
		if wave.ClaimedAt != nil && now.Sub(*wave.ClaimedAt) <= o.cfg.MaxWaitTime {
			return unchanged, nil
		}
		events = o.timeout(exec, wave, now)
	case exec.Status == model.ExecutionStatusCancelling && wave.JobID == "":
		events = o.cancelled(exec)
	case wave.JobID == "":
		events, err = o.start(ctx, exec, wave.WaveNumber)
	default:
		loaded := exec.Clone()
		events, err = o.pollCurrent(ctx, exec)
		if errors.Is(err, errNoChange) {
			unchanged.Execution = loaded
			return unchanged, nil
		}
	}
	if err != nil {
		return nil, err
	}

	claim := pendingClaim(exec)
	exec, err = o.commit(ctx, exec, expected, events)
	if err != nil {
		return nil, err
	}
	if claim != "" && pendingClaim(exec) == claim {
		exec, err = o.dispatch(ctx, exec, claim)
	}
	return o.pollResponse(exec, err)
}

// Finalize moves an execution whose waves are all terminal to COMPLETED
func (o *Orchestrator) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResponse, error) {
	exec, err := o.store.GetExecution(ctx, req.ExecutionID, req.PlanID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return &FinalizeResponse{Execution: exec, AlreadyFinalized: true}, nil
	}

	expected := exec.Status
	var events []model.Event
	switch {
	case exec.Status == model.ExecutionStatusPaused:
		return nil, o.invalidState(exec, "cannot finalize a paused execution")
	case !exec.AllWavesTerminal() && !(exec.Status == model.ExecutionStatusCancelling && currentIdle(exec)):
		return nil, o.invalidState(exec, fmt.Sprintf("wave %d of %d is not terminal", exec.CurrentWaveNumber, exec.TotalWaves))
	case exec.Status == model.ExecutionStatusCancelling && !exec.AllWavesTerminal():
		events = o.cancelled(exec)
	default:
		now := o.now()
		exec.Status = model.ExecutionStatusCompleted
		exec.EndTime = &now
		events = append(events, model.NewExecutionEvent(model.EventExecutionCompleted, exec))
	}

	ok, err := o.store.UpdateExecution(ctx, exec, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize execution: %w", err)
	}
	if !ok {
		current, err := o.store.GetExecution(ctx, req.ExecutionID, req.PlanID)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return &FinalizeResponse{Execution: current, AlreadyFinalized: true}, nil
		}
		return nil, o.invalidState(current, "execution changed during finalize")
	}

	o.execLogger(exec).Info("Execution finalized", zap.String("status", string(exec.Status)))
	o.emit(ctx, events)
	return &FinalizeResponse{Execution: exec}, nil
}

// RequestCancel stops an execution cooperatively. A polling wave is left to
// reach a terminal state; no later wave is submitted.
func (o *Orchestrator) RequestCancel(ctx context.Context, req CancelRequest) (*CancelResponse, error) {
	exec, err := o.store.GetExecution(ctx, req.ExecutionID, req.PlanID)
	if err != nil {
		return nil, err
	}

	switch exec.Status {
	case model.ExecutionStatusCompleted, model.ExecutionStatusFailed,
		model.ExecutionStatusTimedOut, model.ExecutionStatusCancelled:
		return nil, o.invalidState(exec, fmt.Sprintf("execution already %s", exec.Status))
	case model.ExecutionStatusCancelling:
		return &CancelResponse{Execution: exec}, nil
	case model.ExecutionStatusPaused:
		cancelled, err := o.pause.Cancel(ctx, exec.ContinuationToken)
		if err != nil {
			return nil, err
		}
		o.notifier.Notify(ctx, model.NewExecutionEvent(model.EventExecutionCancelled, cancelled))
		return &CancelResponse{Execution: cancelled}, nil
	case model.ExecutionStatusRunning, model.ExecutionStatusPolling:
	}

	expected := exec.Status
	exec.CancelRequested = true
	exec.Status = model.ExecutionStatusCancelling

	var events []model.Event
	if currentIdle(exec) {
		events = o.cancelled(exec)
	}
	exec, err = o.commit(ctx, exec, expected, events)
	if err != nil {
		return nil, err
	}
	o.execLogger(exec).Info("Cancellation requested", zap.String("status", string(exec.Status)))
	return &CancelResponse{Execution: exec}, nil
}

// Resume continues a paused execution. The next poll submits the wave it paused before.
func (o *Orchestrator) Resume(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	exec, err := o.pause.Resume(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	o.notifier.Notify(ctx, model.NewExecutionEvent(model.EventExecutionResumed, exec))
	return &TokenResponse{Execution: exec}, nil
}

// Cancel permanently stops a paused execution
func (o *Orchestrator) Cancel(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	exec, err := o.pause.Cancel(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	o.notifier.Notify(ctx, model.NewExecutionEvent(model.EventExecutionCancelled, exec))
	return &TokenResponse{Execution: exec}, nil
}

// CheckConflicts resolves every wave of a plan and reports servers already in use
func (o *Orchestrator) CheckConflicts(ctx context.Context, req ConflictCheckRequest) (*ConflictCheckResponse, error) {
	plan, err := o.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	session := o.resolver.Session()
	waves := make([]conflict.WaveServers, 0, len(plan.Waves))
	for i, w := range plan.Waves {
		ids, region, err := session.Resolve(ctx, scheduler.WaveSelector{
			ServerIDs:         w.ServerIDs,
			ProtectionGroupID: w.ProtectionGroupID,
			Region:            w.Region,
		})
		if err != nil {
			return nil, err
		}
		waves = append(waves, conflict.WaveServers{WaveNumber: i, Region: region, ServerIDs: ids})
	}

	conflicts, err := o.detector.FindConflicts(ctx, waves, conflict.Query{ExcludeExecutionID: req.ExecutionID})
	if err != nil {
		return nil, err
	}
	if conflicts == nil {
		conflicts = []model.ConflictRecord{}
	}
	return &ConflictCheckResponse{
		PlanID:       plan.ID,
		HasConflicts: len(conflicts) > 0,
		Conflicts:    conflicts,
	}, nil
}

func newExecution(plan *model.Plan, executionID string, isDrill bool, now time.Time) *model.Execution {
	exec := &model.Execution{
		ExecutionID:       executionID,
		PlanID:            plan.ID,
		PlanName:          plan.Name,
		Status:            model.ExecutionStatusRunning,
		IsDrill:           isDrill,
		CurrentWaveNumber: 0,
		TotalWaves:        len(plan.Waves),
		Waves:             make([]model.Wave, len(plan.Waves)),
		StartTime:         now,
	}
	for i, w := range plan.Waves {
		exec.Waves[i] = model.Wave{
			WaveNumber:        i,
			WaveName:          w.Name,
			ProtectionGroupID: w.ProtectionGroupID,
			ServerIDs:         append([]string(nil), w.ServerIDs...),
			Region:            w.Region,
			PauseBeforeWave:   w.PauseBeforeWave,
			Status:            model.WaveStatusPending,
		}
	}
	return exec
}

func (o *Orchestrator) pollResponse(exec *model.Execution, err error) (*PollResponse, error) {
	if err != nil {
		return nil, err
	}
	return &PollResponse{Execution: exec, AllWavesComplete: allWavesComplete(exec), Changed: true}, nil
}

// allWavesComplete reports whether the caller should invoke finalize
func allWavesComplete(exec *model.Execution) bool {
	if exec.Status.IsTerminal() {
		return exec.Status == model.ExecutionStatusCompleted
	}
	return exec.CurrentWaveNumber >= exec.TotalWaves && exec.AllWavesTerminal()
}

// currentIdle reports whether no job is in flight or being submitted for the current wave
func currentIdle(exec *model.Execution) bool {
	w := exec.CurrentWave()
	return w == nil || (w.JobID == "" && w.SubmissionID == "") || w.Status.IsTerminal()
}

// pendingClaim returns the submission id of a claimed current wave that has no job yet
func pendingClaim(exec *model.Execution) string {
	w := exec.CurrentWave()
	if w == nil || w.JobID != "" || exec.Status.IsTerminal() || w.Status.IsTerminal() {
		return ""
	}
	return w.SubmissionID
}

func (o *Orchestrator) invalidState(exec *model.Execution, message string) error {
	return model.NewError(model.ErrInvalidState, message, nil, map[string]any{
		"execution_id": exec.ExecutionID,
		"plan_id":      exec.PlanID,
		"status":       string(exec.Status),
	})
}

func (o *Orchestrator) execLogger(exec *model.Execution) *zap.Logger {
	return o.logger.With(
		zap.String("execution_id", exec.ExecutionID),
		zap.String("plan_id", exec.PlanID))
}

// commit writes exec conditioned on expected, then records history and emits events.
// A lost write returns the stored record instead.
func (o *Orchestrator) commit(ctx context.Context, exec *model.Execution, expected model.ExecutionStatus, events []model.Event) (*model.Execution, error) {
	ok, err := o.store.UpdateExecution(ctx, exec, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}
	if !ok {
		o.execLogger(exec).Info("Execution changed concurrently, discarding update",
			zap.String("expected_status", string(expected)))
		return o.store.GetExecution(ctx, exec.ExecutionID, exec.PlanID)
	}
	o.committed(ctx, exec, events)
	return exec, nil
}

// committed records terminal waves named by events and emits the events
func (o *Orchestrator) committed(ctx context.Context, exec *model.Execution, events []model.Event) {
	for _, ev := range events {
		if ev.WaveNumber == nil {
			continue
		}
		switch ev.Type {
		case model.EventWaveCompleted, model.EventWaveFailed:
			o.record(ctx, exec, &exec.Waves[*ev.WaveNumber])
		}
	}
	o.emit(ctx, events)
}

func (o *Orchestrator) emit(ctx context.Context, events []model.Event) {
	for _, ev := range events {
		o.notifier.Notify(ctx, ev)
	}
}

func (o *Orchestrator) record(ctx context.Context, exec *model.Execution, wave *model.Wave) {
	err := o.store.AppendWaveResult(ctx, storage.WaveResult{
		ExecutionID: exec.ExecutionID,
		PlanID:      exec.PlanID,
		WaveNumber:  wave.WaveNumber,
		Status:      wave.Status,
		JobID:       wave.JobID,
		Wave:        wave.Clone(),
		RecordedAt:  o.now(),
	})
	if err != nil {
		o.execLogger(exec).Error("Failed to append wave result",
			zap.Int("wave_number", wave.WaveNumber),
			zap.Error(err))
	}
}

func (o *Orchestrator) cancelled(exec *model.Execution) []model.Event {
	now := o.now()
	exec.Status = model.ExecutionStatusCancelled
	exec.EndTime = &now
	if exec.Error == "" {
		exec.Error = "execution cancelled by operator"
	}
	return []model.Event{model.NewExecutionEvent(model.EventExecutionCancelled, exec)}
}
