package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/conflict"
	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/quota"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
)

// Submitter starts the recovery job of one wave
type Submitter interface {
	// SubmitWave resolves, admits and submits the wave. A denial or a failed
	// submission is recorded on exec; the returned error is reserved for
	// failures that leave exec untouched.
	SubmitWave(ctx context.Context, exec *model.Execution, waveNumber int) (*SubmitResult, error)
}

// SubmitResult describes what happened to a wave submission
type SubmitResult struct {
	Submitted bool                   `json:"submitted"`
	JobID     string                 `json:"job_id,omitempty"`
	Region    string                 `json:"region"`
	ServerIDs []string               `json:"server_ids"`
	Checks    []quota.CheckResult    `json:"checks,omitempty"`
	Conflicts []model.ConflictRecord `json:"conflicts,omitempty"`
	// Denial is the admission or submission error recorded on the execution
	Denial error `json:"-"`
}

// WaveScheduler runs admission and submits recovery jobs
type WaveScheduler struct {
	client   recovery.Client
	resolver *Resolver
	guard    *quota.Guard
	detector *conflict.Detector
	logger   *zap.Logger
	now      func() time.Time
}

var _ Submitter = (*WaveScheduler)(nil)

// NewWaveScheduler creates a wave scheduler
func NewWaveScheduler(client recovery.Client, resolver *Resolver, guard *quota.Guard, detector *conflict.Detector, logger *zap.Logger) *WaveScheduler {
	return &WaveScheduler{
		client:   client,
		resolver: resolver,
		guard:    guard,
		detector: detector,
		logger:   logger.Named("wave-scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (s *WaveScheduler) WithClock(now func() time.Time) *WaveScheduler {
	s.now = now
	return s
}

// SubmitWave resolves the wave's servers, admits them and submits the job
func (s *WaveScheduler) SubmitWave(ctx context.Context, exec *model.Execution, waveNumber int) (*SubmitResult, error) {
	if waveNumber < 0 || waveNumber >= len(exec.Waves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrWaveOutOfRange, waveNumber, len(exec.Waves))
	}
	wave := &exec.Waves[waveNumber]
	if wave.JobID != "" {
		return nil, fmt.Errorf("%w: wave %d job %s", ErrWaveAlreadySubmitted, waveNumber, wave.JobID)
	}

	logger := s.logger.With(
		zap.String("execution_id", exec.ExecutionID),
		zap.String("plan_id", exec.PlanID),
		zap.Int("wave_number", waveNumber))

	session := s.resolver.Session()
	serverIDs, region, err := session.Resolve(ctx, WaveSelector{
		ServerIDs:         wave.ServerIDs,
		ProtectionGroupID: wave.ProtectionGroupID,
		Region:            wave.Region,
	})
	if err != nil {
		if model.ErrorCode(err) == "" {
			return nil, err
		}
		logger.Warn("Wave server resolution failed", zap.Error(err))
		s.fail(exec, wave, model.ErrorCode(err), err.Error())
		return &SubmitResult{Denial: err}, nil
	}
	wave.ServerIDs = serverIDs
	wave.Region = region

	result := &SubmitResult{Region: region, ServerIDs: serverIDs}

	checks, err := s.guard.Admit(ctx, region, len(serverIDs))
	result.Checks = checks
	if err != nil {
		logger.Warn("Wave denied by quota guard", zap.String("region", region), zap.Error(err))
		s.fail(exec, wave, model.ErrorCode(err), err.Error())
		result.Denial = err
		return result, nil
	}

	conflicts, err := s.detector.CheckWave(ctx, conflict.WaveServers{
		WaveNumber: waveNumber,
		Region:     region,
		ServerIDs:  serverIDs,
	}, conflict.Query{
		ExcludeExecutionID: exec.ExecutionID,
		ExcludeJobIDs:      jobIDs(exec),
	})
	result.Conflicts = conflicts
	if err != nil {
		if !model.IsAdmissionDenied(err) {
			return nil, err
		}
		logger.Warn("Wave blocked by server conflict", zap.Int("conflicts", len(conflicts)))
		s.fail(exec, wave, model.ErrCodeServerConflict, err.Error())
		result.Denial = err
		return result, nil
	}

	resp, err := s.client.SubmitJob(ctx, recovery.SubmitJobRequest{
		Region:    region,
		IsDrill:   exec.IsDrill,
		ServerIDs: serverIDs,
	})
	if err != nil {
		logger.Error("Recovery job submission failed", zap.String("region", region), zap.Error(err))
		s.fail(exec, wave, model.ErrCodeExternalService, err.Error())
		result.Denial = model.NewError(model.ErrExternalService, err.Error(), err,
			map[string]any{"region": region, "wave_number": waveNumber})
		return result, nil
	}

	now := s.now()
	wave.JobID = resp.JobID
	wave.Status = model.WaveStatusStarted
	wave.StartTime = &now
	wave.LastPolledAt = nil
	wave.EndTime = nil
	wave.TotalWaitTime = 0
	wave.Error = ""
	wave.ErrorCode = ""
	exec.Status = model.ExecutionStatusPolling

	result.Submitted = true
	result.JobID = resp.JobID

	logger.Info("Submitted recovery job",
		zap.String("job_id", resp.JobID),
		zap.String("region", region),
		zap.Int("servers", len(serverIDs)),
		zap.Bool("is_drill", exec.IsDrill))
	return result, nil
}

func (s *WaveScheduler) fail(exec *model.Execution, wave *model.Wave, code, message string) {
	now := s.now()
	wave.Status = model.WaveStatusFailed
	wave.ErrorCode = code
	wave.Error = message
	wave.EndTime = &now
	exec.Fail(model.ExecutionStatusFailed, code, message, now)
}

func jobIDs(exec *model.Execution) []string {
	var ids []string
	for i := range exec.Waves {
		if exec.Waves[i].JobID != "" {
			ids = append(ids, exec.Waves[i].JobID)
		}
	}
	return ids
}
