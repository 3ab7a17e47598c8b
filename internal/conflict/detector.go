package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
)

// ExecutionLister lists persisted executions by status
type ExecutionLister interface {
	ListExecutionsByStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error)
}

// WaveServers is the resolved server set of one wave
type WaveServers struct {
	WaveNumber int
	Region     string
	ServerIDs  []string
}

// Query selects what a conflict check ignores
type Query struct {
	// ExcludeExecutionID is the execution asking, never a conflict with itself
	ExcludeExecutionID string
	// ExcludeJobIDs are jobs already owned by the asking execution
	ExcludeJobIDs []string
}

// Detector reports servers already used by an active job or another active execution
type Detector struct {
	jobs       recovery.Client
	executions ExecutionLister
	logger     *zap.Logger
}

// NewDetector creates a detector over both active-usage indexes
func NewDetector(jobs recovery.Client, executions ExecutionLister, logger *zap.Logger) *Detector {
	return &Detector{
		jobs:       jobs,
		executions: executions,
		logger:     logger.Named("conflict-detector"),
	}
}

// FindConflicts checks every wave against the active job and active execution indexes.
// Both indexes are read once per call.
func (d *Detector) FindConflicts(ctx context.Context, waves []WaveServers, q Query) ([]model.ConflictRecord, error) {
	execIndex, err := d.executionIndex(ctx, q.ExcludeExecutionID)
	if err != nil {
		return nil, err
	}

	excludedJobs := make(map[string]struct{}, len(q.ExcludeJobIDs))
	for _, id := range q.ExcludeJobIDs {
		excludedJobs[id] = struct{}{}
	}

	jobIndexes := make(map[string]map[string]string)
	var conflicts []model.ConflictRecord
	for _, w := range waves {
		jobIndex, ok := jobIndexes[w.Region]
		if !ok {
			jobIndex = d.jobIndex(ctx, w.Region, excludedJobs)
			jobIndexes[w.Region] = jobIndex
		}

		for _, serverID := range w.ServerIDs {
			if jobID, found := jobIndex[serverID]; found {
				conflicts = append(conflicts, model.ConflictRecord{
					ServerID:       serverID,
					ConflictSource: model.ConflictSourceActiveJob,
					ConflictingID:  jobID,
					WaveNumber:     w.WaveNumber,
				})
			}
			if execID, found := execIndex[serverID]; found {
				conflicts = append(conflicts, model.ConflictRecord{
					ServerID:       serverID,
					ConflictSource: model.ConflictSourceActiveExecution,
					ConflictingID:  execID,
					WaveNumber:     w.WaveNumber,
				})
			}
		}
	}

	if len(conflicts) > 0 {
		d.logger.Info("Server conflicts found",
			zap.String("execution_id", q.ExcludeExecutionID),
			zap.Int("conflicts", len(conflicts)))
	}
	return conflicts, nil
}

// CheckWave checks a single wave and returns an admission error when any server conflicts
func (d *Detector) CheckWave(ctx context.Context, wave WaveServers, q Query) ([]model.ConflictRecord, error) {
	conflicts, err := d.FindConflicts(ctx, []WaveServers{wave}, q)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, nil
	}
	return conflicts, model.NewAdmissionError(model.ErrCodeServerConflict, Describe(conflicts), map[string]any{
		"region":      wave.Region,
		"wave_number": wave.WaveNumber,
		"conflicts":   len(conflicts),
	})
}

// Describe renders conflicts as a single human-readable sentence
func Describe(conflicts []model.ConflictRecord) string {
	parts := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		parts = append(parts, fmt.Sprintf("%s (%s %s)", c.ServerID, c.ConflictSource, c.ConflictingID))
	}
	return fmt.Sprintf("%d server(s) already in use: %s", len(conflicts), strings.Join(parts, ", "))
}

// jobIndex maps server id to the active job holding it. A lookup failure
// leaves the index empty; the recovery service rejects a real overlap itself.
func (d *Detector) jobIndex(ctx context.Context, region string, excluded map[string]struct{}) map[string]string {
	index := make(map[string]string)
	jobs, err := d.jobs.ListActiveJobs(ctx, region)
	if err != nil {
		d.logger.Warn("Failed to list active jobs for conflict check",
			zap.String("region", region),
			zap.Error(err))
		return index
	}
	for _, job := range jobs {
		if !job.Status.IsActive() {
			continue
		}
		if _, skip := excluded[job.JobID]; skip {
			continue
		}
		for _, serverID := range job.ServerIDs {
			if _, taken := index[serverID]; !taken {
				index[serverID] = job.JobID
			}
		}
	}
	return index
}

func (d *Detector) executionIndex(ctx context.Context, excludeID string) (map[string]string, error) {
	execs, err := d.executions.ListExecutionsByStatus(ctx, model.ExecutionStatusRunning, model.ExecutionStatusPolling)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}

	sort.Slice(execs, func(i, j int) bool { return execs[i].StartTime.Before(execs[j].StartTime) })

	index := make(map[string]string)
	for _, exec := range execs {
		if exec.ExecutionID == excludeID || !exec.Status.IsActive() {
			continue
		}
		for _, serverID := range exec.ServerIDs() {
			if _, taken := index[serverID]; !taken {
				index[serverID] = exec.ExecutionID
			}
		}
	}
	return index, nil
}
