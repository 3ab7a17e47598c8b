package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

// NATSClient talks to a recovery service gateway over NATS request/reply
type NATSClient struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSClient creates a client sending requests under subject prefix
func NewNATSClient(nc *nats.Conn, prefix string, timeout time.Duration, logger *zap.Logger) *NATSClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSClient{
		nc:      nc,
		prefix:  prefix,
		timeout: timeout,
		logger:  logger.Named("recovery-client"),
	}
}

// SubmitJob implements Client.SubmitJob
func (c *NATSClient) SubmitJob(ctx context.Context, req SubmitJobRequest) (*SubmitJobResponse, error) {
	var resp SubmitJobResponse
	if err := c.call(ctx, OpSubmitJob, req, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		return nil, fmt.Errorf("recovery service returned no job id")
	}
	return &resp, nil
}

// GetJob implements Client.GetJob
func (c *NATSClient) GetJob(ctx context.Context, region, jobID string) (*model.Job, error) {
	var job model.Job
	if err := c.call(ctx, OpGetJob, GetJobRequest{Region: region, JobID: jobID}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListActiveJobs implements Client.ListActiveJobs
func (c *NATSClient) ListActiveJobs(ctx context.Context, region string) ([]model.JobSummary, error) {
	var jobs []model.JobSummary
	if err := c.call(ctx, OpListActiveJobs, ListActiveJobsRequest{Region: region}, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ResolveTaggedServers implements ServerResolver.ResolveTaggedServers
func (c *NATSClient) ResolveTaggedServers(ctx context.Context, region string, tags map[string]string) ([]string, error) {
	var ids []string
	if err := c.call(ctx, OpResolveServers, ResolveServersRequest{Region: region, Tags: tags}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// DescribeInstances implements InstanceDescriber.DescribeInstances
func (c *NATSClient) DescribeInstances(ctx context.Context, region string, instanceIDs []string) (map[string]model.InstanceDetails, error) {
	details := make(map[string]model.InstanceDetails)
	if len(instanceIDs) == 0 {
		return details, nil
	}
	if err := c.call(ctx, OpDescribeInstances, DescribeInstancesRequest{Region: region, InstanceIDs: instanceIDs}, &details); err != nil {
		return nil, err
	}
	return details, nil
}

// ServiceError is an error reported by the recovery service itself.
// Its message is the upstream text, unmodified.
type ServiceError struct {
	Op      string
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// IsServiceError reports whether err originated from the recovery service rather than the transport
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

func (c *NATSClient) call(ctx context.Context, op string, req, out interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subject := Subject(c.prefix, op)
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		c.logger.Warn("Recovery service request failed",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to call %s: %w", subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to unmarshal %s reply: %w", op, err)
	}
	if reply.Error != "" {
		return &ServiceError{Op: op, Message: reply.Error}
	}
	if out == nil || len(reply.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", op, err)
	}
	return nil
}
