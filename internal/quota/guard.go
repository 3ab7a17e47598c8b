package quota

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
)

// Service ceilings imposed by the recovery service. They are not configurable.
const (
	MaxServersPerJob        = 100
	MaxConcurrentJobs       = 20
	MaxServersAcrossAllJobs = 500
)

// CheckResult is the outcome of a single admission check
type CheckResult struct {
	Valid   bool   `json:"valid"`
	Current int    `json:"current"`
	Limit   int    `json:"limit"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	// Degraded is set when the check could not read live capacity and admitted optimistically
	Degraded bool `json:"degraded,omitempty"`
}

// Guard checks a wave's resource demand against shared service capacity
type Guard struct {
	client recovery.Client
	logger *zap.Logger
}

// NewGuard creates a guard reading live capacity from client
func NewGuard(client recovery.Client, logger *zap.Logger) *Guard {
	return &Guard{
		client: client,
		logger: logger.Named("quota-guard"),
	}
}

// CheckWaveSize verifies the resolved server count fits in a single job
func (g *Guard) CheckWaveSize(resolvedServerCount int) CheckResult {
	if resolvedServerCount > MaxServersPerJob {
		return CheckResult{
			Valid:   false,
			Current: resolvedServerCount,
			Limit:   MaxServersPerJob,
			Code:    model.ErrCodeWaveSizeExceeded,
			Message: fmt.Sprintf("wave resolves to %d servers, exceeding the limit of %d servers per job",
				resolvedServerCount, MaxServersPerJob),
		}
	}
	return CheckResult{
		Valid:   true,
		Current: resolvedServerCount,
		Limit:   MaxServersPerJob,
		Message: fmt.Sprintf("wave size %d within limit of %d", resolvedServerCount, MaxServersPerJob),
	}
}

// CheckConcurrentJobs verifies a new job slot is free in region
func (g *Guard) CheckConcurrentJobs(ctx context.Context, region string) CheckResult {
	jobs, err := g.client.ListActiveJobs(ctx, region)
	if err != nil {
		return g.degraded(region, MaxConcurrentJobs, "concurrent jobs", err)
	}
	return evaluateConcurrentJobs(jobs)
}

// CheckTotalServersInFlight verifies region capacity can absorb newServerCount more servers
func (g *Guard) CheckTotalServersInFlight(ctx context.Context, region string, newServerCount int) CheckResult {
	jobs, err := g.client.ListActiveJobs(ctx, region)
	if err != nil {
		return g.degraded(region, MaxServersAcrossAllJobs, "servers in flight", err)
	}
	return evaluateServersInFlight(jobs, newServerCount)
}

// Snapshot reads current capacity use in region
func (g *Guard) Snapshot(ctx context.Context, region string) (*model.QuotaSnapshot, error) {
	jobs, err := g.client.ListActiveJobs(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return snapshot(region, jobs), nil
}

// Admit runs the three checks in order and returns an admission error for
// the first one that fails. Active jobs are read once per call.
func (g *Guard) Admit(ctx context.Context, region string, serverCount int) ([]CheckResult, error) {
	results := make([]CheckResult, 0, 3)

	size := g.CheckWaveSize(serverCount)
	results = append(results, size)
	if !size.Valid {
		return results, denial(region, size)
	}

	jobs, err := g.client.ListActiveJobs(ctx, region)
	if err != nil {
		results = append(results,
			g.degraded(region, MaxConcurrentJobs, "concurrent jobs", err),
			g.degraded(region, MaxServersAcrossAllJobs, "servers in flight", err))
		return results, nil
	}

	concurrent := evaluateConcurrentJobs(jobs)
	results = append(results, concurrent)
	if !concurrent.Valid {
		return results, denial(region, concurrent)
	}

	inFlight := evaluateServersInFlight(jobs, serverCount)
	results = append(results, inFlight)
	if !inFlight.Valid {
		return results, denial(region, inFlight)
	}

	g.logger.Debug("Wave admitted",
		zap.String("region", region),
		zap.Int("server_count", serverCount),
		zap.Int("active_jobs", concurrent.Current),
		zap.Int("servers_in_flight", inFlight.Current))
	return results, nil
}

func (g *Guard) degraded(region string, limit int, what string, err error) CheckResult {
	g.logger.Warn("Quota lookup failed, admitting optimistically",
		zap.String("region", region),
		zap.String("check", what),
		zap.Error(err))
	return CheckResult{
		Valid:    true,
		Limit:    limit,
		Degraded: true,
		Message:  fmt.Sprintf("unable to verify %s: %v", what, err),
	}
}

func evaluateConcurrentJobs(jobs []model.JobSummary) CheckResult {
	current := countActive(jobs)
	if current >= MaxConcurrentJobs {
		return CheckResult{
			Valid:   false,
			Current: current,
			Limit:   MaxConcurrentJobs,
			Code:    model.ErrCodeConcurrentJobsExceeded,
			Message: fmt.Sprintf("%d recovery jobs already active, limit is %d concurrent jobs", current, MaxConcurrentJobs),
		}
	}
	return CheckResult{
		Valid:   true,
		Current: current,
		Limit:   MaxConcurrentJobs,
		Message: fmt.Sprintf("%d of %d concurrent job slots in use", current, MaxConcurrentJobs),
	}
}

func evaluateServersInFlight(jobs []model.JobSummary, newServerCount int) CheckResult {
	current := countServers(jobs)
	if current+newServerCount > MaxServersAcrossAllJobs {
		return CheckResult{
			Valid:   false,
			Current: current,
			Limit:   MaxServersAcrossAllJobs,
			Code:    model.ErrCodeServersInJobsExceeded,
			Message: fmt.Sprintf("%d servers in active jobs plus %d new would exceed the limit of %d",
				current, newServerCount, MaxServersAcrossAllJobs),
		}
	}
	return CheckResult{
		Valid:   true,
		Current: current,
		Limit:   MaxServersAcrossAllJobs,
		Message: fmt.Sprintf("%d servers in flight, %d requested, limit %d", current, newServerCount, MaxServersAcrossAllJobs),
	}
}

func snapshot(region string, jobs []model.JobSummary) *model.QuotaSnapshot {
	jobCount := countActive(jobs)
	servers := countServers(jobs)
	snap := &model.QuotaSnapshot{
		Region:                 region,
		CurrentJobCount:        jobCount,
		CurrentServersInFlight: servers,
		AvailableJobSlots:      MaxConcurrentJobs - jobCount,
		AvailableServerSlots:   MaxServersAcrossAllJobs - servers,
	}
	if snap.AvailableJobSlots < 0 {
		snap.AvailableJobSlots = 0
	}
	if snap.AvailableServerSlots < 0 {
		snap.AvailableServerSlots = 0
	}
	return snap
}

func countActive(jobs []model.JobSummary) int {
	n := 0
	for _, j := range jobs {
		if j.Status.IsActive() {
			n++
		}
	}
	return n
}

func countServers(jobs []model.JobSummary) int {
	n := 0
	for _, j := range jobs {
		if !j.Status.IsActive() {
			continue
		}
		count := j.ParticipantCount
		if count == 0 {
			count = len(j.ServerIDs)
		}
		n += count
	}
	return n
}

func denial(region string, r CheckResult) error {
	return model.NewAdmissionError(r.Code, r.Message, map[string]any{
		"region":  region,
		"current": r.Current,
		"limit":   r.Limit,
	})
}
