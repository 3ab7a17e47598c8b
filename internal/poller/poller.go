package poller

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
)

// ReasonZeroLaunched is the failure message for a finished job that launched nothing
const ReasonZeroLaunched = "job completed with zero launched instances"

// Result is the outcome of polling one wave's job
type Result struct {
	// Polled is false when the wave has no job yet
	Polled bool
	// Status is the wave status decided from this poll
	Status         model.WaveStatus
	JobStatus      model.JobStatus
	ServerStatuses []model.ServerStatus
	LaunchedCount  int
	FailedCount    int
	WaitingCount   int
	UnknownCount   int
	ErrorCode      string
	Error          string
}

// Poller reads a wave's job from the recovery service and decides its outcome
type Poller struct {
	client    recovery.Client
	describer recovery.InstanceDescriber
	logger    *zap.Logger
}

// NewPoller creates a job poller. describer may be nil to skip enrichment.
func NewPoller(client recovery.Client, describer recovery.InstanceDescriber, logger *zap.Logger) *Poller {
	return &Poller{
		client:    client,
		describer: describer,
		logger:    logger.Named("job-poller"),
	}
}

// PollWave queries the wave's job once. A lookup failure is returned as an
// external service error and the wave should be left as it is.
func (p *Poller) PollWave(ctx context.Context, wave *model.Wave) (*Result, error) {
	if wave.JobID == "" {
		return &Result{Polled: false, Status: wave.Status, ServerStatuses: wave.ServerStatuses}, nil
	}

	logger := p.logger.With(
		zap.Int("wave_number", wave.WaveNumber),
		zap.String("job_id", wave.JobID),
		zap.String("region", wave.Region))

	job, err := p.client.GetJob(ctx, wave.Region, wave.JobID)
	if err != nil {
		logger.Warn("Job status lookup failed", zap.Error(err))
		return nil, model.NewError(model.ErrExternalService,
			fmt.Sprintf("failed to get job %s: %v", wave.JobID, err), err,
			map[string]any{"job_id": wave.JobID, "region": wave.Region})
	}

	result := &Result{Polled: true, JobStatus: job.Status}
	launched := make(map[string]bool, len(job.Participants))

	for _, part := range job.Participants {
		status, known := model.ParseLaunchStatus(part.LaunchStatus)
		entry := model.ServerStatus{
			SourceServerID:     part.ServerID,
			LaunchStatus:       status,
			RecoveryInstanceID: part.InstanceID,
		}
		if !known {
			entry.RawLaunchStatus = part.LaunchStatus
			result.UnknownCount++
			logger.Warn("Unknown launch status, treating as waiting",
				zap.String("server_id", part.ServerID),
				zap.String("launch_status", part.LaunchStatus))
		}

		switch status.Outcome() {
		case model.LaunchOutcomeSucceeded:
			result.LaunchedCount++
			launched[part.ServerID] = true
		case model.LaunchOutcomeFailed:
			result.FailedCount++
		case model.LaunchOutcomeWaiting:
			result.WaitingCount++
		}
		result.ServerStatuses = append(result.ServerStatuses, entry)
	}

	p.decide(result, wave, launched)
	p.enrich(ctx, logger, wave.Region, result.ServerStatuses)

	logger.Debug("Polled wave job",
		zap.String("job_status", string(job.Status)),
		zap.String("wave_status", string(result.Status)),
		zap.Int("launched", result.LaunchedCount),
		zap.Int("failed", result.FailedCount),
		zap.Int("waiting", result.WaitingCount))
	return result, nil
}

func (p *Poller) decide(result *Result, wave *model.Wave, launched map[string]bool) {
	switch {
	case result.JobStatus.IsDone() && result.LaunchedCount == 0:
		result.Status = model.WaveStatusFailed
		result.ErrorCode = model.ErrCodeZeroLaunched
		result.Error = ReasonZeroLaunched
	case result.FailedCount > 0:
		result.Status = model.WaveStatusFailed
		result.ErrorCode = model.ErrCodeWaveFailed
		result.Error = fmt.Sprintf("%d of %d servers failed to launch", result.FailedCount, len(result.ServerStatuses))
	case allLaunched(wave.ServerIDs, launched, result):
		result.Status = model.WaveStatusCompleted
	default:
		result.Status = model.WaveStatusInProgress
	}
}

// allLaunched reports whether every resolved server of the wave reached LAUNCHED.
// A wave without resolved ids falls back to the job's participant list.
func allLaunched(serverIDs []string, launched map[string]bool, result *Result) bool {
	if result.LaunchedCount == 0 {
		return false
	}
	if len(serverIDs) == 0 {
		return result.LaunchedCount == len(result.ServerStatuses)
	}
	for _, id := range serverIDs {
		if !launched[id] {
			return false
		}
	}
	return true
}

// enrich fills descriptive instance fields. Failures leave the fields empty.
func (p *Poller) enrich(ctx context.Context, logger *zap.Logger, region string, statuses []model.ServerStatus) {
	if p.describer == nil {
		return
	}
	var ids []string
	for _, s := range statuses {
		if s.RecoveryInstanceID != "" {
			ids = append(ids, s.RecoveryInstanceID)
		}
	}
	if len(ids) == 0 {
		return
	}

	details, err := p.describer.DescribeInstances(ctx, region, ids)
	if err != nil {
		logger.Warn("Instance enrichment failed", zap.Int("instances", len(ids)), zap.Error(err))
		return
	}
	for i := range statuses {
		d, ok := details[statuses[i].RecoveryInstanceID]
		if !ok {
			continue
		}
		statuses[i].PrivateIP = d.PrivateIP
		statuses[i].Hostname = d.Hostname
		statuses[i].InstanceType = d.InstanceType
	}
}

// Apply copies the poll outcome onto wave
func (r *Result) Apply(wave *model.Wave) {
	if !r.Polled {
		return
	}
	wave.Status = r.Status
	wave.ServerStatuses = r.ServerStatuses
	wave.ErrorCode = r.ErrorCode
	wave.Error = r.Error
}
