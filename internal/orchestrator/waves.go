package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

// maxSettleAttempts bounds the rereads after a submission lost its write
const maxSettleAttempts = 3

// errNoChange signals a poll that must not be written back
var errNoChange = errors.New("poll produced no change")

// ErrSubmissionNotRecorded is returned when a submitted job could not be written to the execution
var ErrSubmissionNotRecorded = errors.New("wave submission not recorded")

// start handles a current wave without a job: pause before it, or claim it for submission
func (o *Orchestrator) start(ctx context.Context, exec *model.Execution, waveNumber int) ([]model.Event, error) {
	if o.pauseDue(exec, waveNumber) {
		return o.pauseBefore(ctx, exec, waveNumber)
	}
	exec.Status = model.ExecutionStatusRunning
	o.claim(exec, waveNumber)
	return nil, nil
}

// claim marks the wave as being submitted. Only the caller whose write of the
// claim wins may submit it.
func (o *Orchestrator) claim(exec *model.Execution, waveNumber int) {
	now := o.now()
	wave := &exec.Waves[waveNumber]
	wave.SubmissionID = uuid.New().String()
	wave.ClaimedAt = &now
}

// dispatch submits a wave whose claim is already stored and writes the outcome
func (o *Orchestrator) dispatch(ctx context.Context, exec *model.Execution, claim string) (*model.Execution, error) {
	n := exec.CurrentWaveNumber
	expected := exec.Status
	events, err := o.submit(ctx, exec, n)
	if err != nil {
		o.release(ctx, exec, n, claim)
		return nil, err
	}
	return o.settle(ctx, exec, expected, n, claim, events)
}

// settle writes a submission outcome. When the record changed while the job was
// being submitted, the outcome is applied to the stored record as long as it
// still carries the claim.
func (o *Orchestrator) settle(ctx context.Context, exec *model.Execution, expected model.ExecutionStatus, n int, claim string, events []model.Event) (*model.Execution, error) {
	outcome := exec.Waves[n].Clone()
	current := exec
	for attempt := 1; ; attempt++ {
		ok, err := o.store.UpdateExecution(ctx, current, expected)
		if err != nil {
			return nil, fmt.Errorf("failed to update execution: %w", err)
		}
		if ok {
			o.committed(ctx, current, events)
			return current, nil
		}
		if attempt == maxSettleAttempts {
			break
		}

		current, err = o.store.GetExecution(ctx, exec.ExecutionID, exec.PlanID)
		if err != nil {
			return nil, err
		}
		if !holdsClaim(current, n, claim) {
			o.unrecorded(exec, &outcome)
			return current, nil
		}
		o.execLogger(exec).Info("Execution changed during wave submission, reapplying",
			zap.Int("wave_number", n),
			zap.String("status", string(current.Status)))

		expected = current.Status
		current.Waves[n] = outcome.Clone()
		switch {
		case exec.Status.IsTerminal():
			current.Fail(exec.Status, exec.ErrorCode, exec.Error, *exec.EndTime)
		case current.Status == model.ExecutionStatusRunning:
			current.Status = exec.Status
		}
	}
	o.unrecorded(exec, &outcome)
	return nil, fmt.Errorf("%w: wave %d", ErrSubmissionNotRecorded, n)
}

// release clears a claim after a submission attempt that changed nothing, so
// the next poll can submit the wave again
func (o *Orchestrator) release(ctx context.Context, exec *model.Execution, n int, claim string) {
	logger := o.execLogger(exec).With(zap.Int("wave_number", n))
	current := exec
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		if !holdsClaim(current, n, claim) {
			return
		}
		expected := current.Status
		current.Waves[n].SubmissionID = ""
		current.Waves[n].ClaimedAt = nil
		ok, err := o.store.UpdateExecution(ctx, current, expected)
		if err != nil {
			logger.Error("Failed to release wave claim", zap.Error(err))
			return
		}
		if ok {
			return
		}
		if current, err = o.store.GetExecution(ctx, exec.ExecutionID, exec.PlanID); err != nil {
			logger.Error("Failed to reload execution to release wave claim", zap.Error(err))
			return
		}
	}
	logger.Warn("Wave claim left in place, it expires after the maximum wait time")
}

// holdsClaim reports whether wave n of exec is still claimed by claim and has no job
func holdsClaim(exec *model.Execution, n int, claim string) bool {
	if n >= len(exec.Waves) || exec.Status.IsTerminal() {
		return false
	}
	w := &exec.Waves[n]
	return w.SubmissionID == claim && w.JobID == "" && !w.Status.IsTerminal()
}

func (o *Orchestrator) unrecorded(exec *model.Execution, wave *model.Wave) {
	if wave.JobID == "" {
		return
	}
	o.execLogger(exec).Error("Recovery job submitted but not recorded on the execution",
		zap.Int("wave_number", wave.WaveNumber),
		zap.String("job_id", wave.JobID),
		zap.String("region", wave.Region))
}

// submit hands the wave to the scheduler and returns the resulting events
func (o *Orchestrator) submit(ctx context.Context, exec *model.Execution, waveNumber int) ([]model.Event, error) {
	result, err := o.scheduler.SubmitWave(ctx, exec, waveNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to submit wave %d: %w", waveNumber, err)
	}
	wave := &exec.Waves[waveNumber]
	if result.Submitted {
		return []model.Event{model.NewWaveEvent(model.EventWaveStarted, exec, wave)}, nil
	}
	return []model.Event{
		model.NewWaveEvent(model.EventWaveFailed, exec, wave),
		model.NewExecutionEvent(model.EventExecutionFailed, exec),
	}, nil
}

// pauseDue reports whether waveNumber asks for a pause that has not happened yet
func (o *Orchestrator) pauseDue(exec *model.Execution, waveNumber int) bool {
	if waveNumber == 0 || !exec.Waves[waveNumber].PauseBeforeWave {
		return false
	}
	return exec.PausedBeforeWave == nil || *exec.PausedBeforeWave != waveNumber
}

func (o *Orchestrator) pauseBefore(ctx context.Context, exec *model.Execution, waveNumber int) ([]model.Event, error) {
	wave := &exec.Waves[waveNumber]
	reason := fmt.Sprintf("paused before wave %d (%s)", waveNumber, wave.WaveName)
	token, err := o.pause.Pause(ctx, exec, waveNumber, reason)
	if err != nil {
		return nil, err
	}

	ev := model.NewExecutionEvent(model.EventExecutionPaused, exec)
	n := waveNumber
	ev.WaveNumber = &n
	ev.WaveName = wave.WaveName
	ev.Reason = reason
	ev.Actions = o.pause.Actions(token.Token)
	return []model.Event{ev}, nil
}

// pollCurrent polls the in-flight wave and applies its outcome
func (o *Orchestrator) pollCurrent(ctx context.Context, exec *model.Execution) ([]model.Event, error) {
	wave := exec.CurrentWave()
	now := o.now()
	accumulate(wave, now)

	logger := o.execLogger(exec).With(
		zap.Int("wave_number", wave.WaveNumber),
		zap.String("job_id", wave.JobID))

	result, err := o.poller.PollWave(ctx, wave)
	if err != nil {
		if wave.TotalWaitTime > o.cfg.MaxWaitTime {
			return o.timeout(exec, wave, now), nil
		}
		logger.Warn("Wave poll failed, retrying on next poll", zap.Error(err))
		return nil, errNoChange
	}
	result.Apply(wave)

	switch wave.Status {
	case model.WaveStatusCompleted:
		wave.EndTime = &now
		logger.Info("Wave completed",
			zap.Int("launched", result.LaunchedCount),
			zap.Duration("wait_time", wave.TotalWaitTime))
		events := []model.Event{model.NewWaveEvent(model.EventWaveCompleted, exec, wave)}
		next, err := o.advance(ctx, exec)
		if err != nil {
			return nil, err
		}
		return append(events, next...), nil

	case model.WaveStatusFailed, model.WaveStatusTimedOut:
		wave.EndTime = &now
		exec.Fail(model.ExecutionStatusFailed, wave.ErrorCode,
			fmt.Sprintf("wave %d (%s) failed: %s", wave.WaveNumber, wave.WaveName, wave.Error), now)
		logger.Warn("Wave failed",
			zap.String("error_code", wave.ErrorCode),
			zap.Int("failed", result.FailedCount))
		return []model.Event{
			model.NewWaveEvent(model.EventWaveFailed, exec, wave),
			model.NewExecutionEvent(model.EventExecutionFailed, exec),
		}, nil

	case model.WaveStatusPending, model.WaveStatusStarted, model.WaveStatusInProgress:
		if wave.TotalWaitTime > o.cfg.MaxWaitTime {
			return o.timeout(exec, wave, now), nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unhandled wave status %q", wave.Status)
}

// advance moves past a completed wave and starts the next one in the same call
func (o *Orchestrator) advance(ctx context.Context, exec *model.Execution) ([]model.Event, error) {
	exec.CurrentWaveNumber++

	if exec.CurrentWaveNumber >= exec.TotalWaves {
		o.execLogger(exec).Info("All waves complete", zap.Int("total_waves", exec.TotalWaves))
		return nil, nil
	}
	if exec.Status == model.ExecutionStatusCancelling {
		return o.cancelled(exec), nil
	}
	return o.start(ctx, exec, exec.CurrentWaveNumber)
}

func (o *Orchestrator) timeout(exec *model.Execution, wave *model.Wave, now time.Time) []model.Event {
	msg := fmt.Sprintf("wave %d (%s) exceeded maximum wait time of %s", wave.WaveNumber, wave.WaveName, o.cfg.MaxWaitTime)
	wave.Status = model.WaveStatusTimedOut
	wave.ErrorCode = model.ErrCodeWaveTimedOut
	wave.Error = msg
	wave.EndTime = &now
	exec.Fail(model.ExecutionStatusTimedOut, model.ErrCodeWaveTimedOut, msg, now)

	o.execLogger(exec).Warn("Wave timed out",
		zap.Int("wave_number", wave.WaveNumber),
		zap.Duration("wait_time", wave.TotalWaitTime))
	return []model.Event{
		model.NewWaveEvent(model.EventWaveFailed, exec, wave),
		model.NewExecutionEvent(model.EventExecutionTimedOut, exec),
	}
}

// accumulate adds the time since the previous poll (or the job start) to the wave's wait time
func accumulate(wave *model.Wave, now time.Time) {
	from := wave.LastPolledAt
	if from == nil {
		from = wave.StartTime
	}
	if from != nil && now.After(*from) {
		wave.TotalWaitTime += now.Sub(*from)
	}
	wave.LastPolledAt = &now
}
