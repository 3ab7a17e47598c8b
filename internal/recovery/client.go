package recovery

import (
	"context"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

// SubmitJobRequest asks the recovery service to launch recovery instances for a set of servers
type SubmitJobRequest struct {
	Region    string   `json:"region"`
	IsDrill   bool     `json:"is_drill"`
	ServerIDs []string `json:"server_ids"`
}

// SubmitJobResponse is the service acknowledgement of a submitted job
type SubmitJobResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// Client is the narrow contract the orchestrator needs from the recovery service
type Client interface {
	// SubmitJob starts a recovery job. No tagging metadata is attached.
	SubmitJob(ctx context.Context, req SubmitJobRequest) (*SubmitJobResponse, error)

	// GetJob returns the job status and its participant list
	GetJob(ctx context.Context, region, jobID string) (*model.Job, error)

	// ListActiveJobs returns jobs in PENDING or STARTED status in a region
	ListActiveJobs(ctx context.Context, region string) ([]model.JobSummary, error)
}

// ServerResolver resolves protection-group tag selections into source server ids
type ServerResolver interface {
	ResolveTaggedServers(ctx context.Context, region string, tags map[string]string) ([]string, error)
}

// InstanceDescriber looks up descriptive metadata of recovery instances
type InstanceDescriber interface {
	DescribeInstances(ctx context.Context, region string, instanceIDs []string) (map[string]model.InstanceDetails, error)
}

// Service bundles every call the orchestrator makes against the recovery service
type Service interface {
	Client
	ServerResolver
	InstanceDescriber
}
