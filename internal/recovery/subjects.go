package recovery

import "encoding/json"

// Operation names appended to the configured subject prefix
const (
	OpSubmitJob         = "job.submit"
	OpGetJob            = "job.get"
	OpListActiveJobs    = "job.active"
	OpResolveServers    = "servers.resolve"
	OpDescribeInstances = "instances.describe"
)

// Subject joins the configured prefix with an operation name
func Subject(prefix, op string) string {
	if prefix == "" {
		return op
	}
	return prefix + "." + op
}

// GetJobRequest is the wire request for OpGetJob
type GetJobRequest struct {
	Region string `json:"region"`
	JobID  string `json:"job_id"`
}

// ListActiveJobsRequest is the wire request for OpListActiveJobs
type ListActiveJobsRequest struct {
	Region string `json:"region"`
}

// ResolveServersRequest is the wire request for OpResolveServers
type ResolveServersRequest struct {
	Region string            `json:"region"`
	Tags   map[string]string `json:"tags"`
}

// DescribeInstancesRequest is the wire request for OpDescribeInstances
type DescribeInstancesRequest struct {
	Region      string   `json:"region"`
	InstanceIDs []string `json:"instance_ids"`
}

// Reply is the envelope every responder answers with
type Reply struct {
	Error string `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
