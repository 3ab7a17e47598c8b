package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/drs-orchestrator/internal/orchestrator"
)

// RemoteError is an error returned by the trigger server
type RemoteError struct {
	ErrorBody
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client calls the trigger surface over NATS request/reply
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewClient creates a client for the surface under prefix
func NewClient(nc *nats.Conn, prefix string, timeout time.Duration) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{nc: nc, prefix: prefix, timeout: timeout}
}

func (c *Client) Begin(ctx context.Context, req orchestrator.BeginRequest) (*orchestrator.BeginResponse, error) {
	var resp orchestrator.BeginResponse
	return &resp, c.call(ctx, OpBegin, req, &resp)
}

func (c *Client) Poll(ctx context.Context, req orchestrator.PollRequest) (*orchestrator.PollResponse, error) {
	var resp orchestrator.PollResponse
	return &resp, c.call(ctx, OpPoll, req, &resp)
}

func (c *Client) Finalize(ctx context.Context, req orchestrator.FinalizeRequest) (*orchestrator.FinalizeResponse, error) {
	var resp orchestrator.FinalizeResponse
	return &resp, c.call(ctx, OpFinalize, req, &resp)
}

func (c *Client) RequestCancel(ctx context.Context, req orchestrator.CancelRequest) (*orchestrator.CancelResponse, error) {
	var resp orchestrator.CancelResponse
	return &resp, c.call(ctx, OpRequestCancel, req, &resp)
}

func (c *Client) Resume(ctx context.Context, req orchestrator.TokenRequest) (*orchestrator.TokenResponse, error) {
	var resp orchestrator.TokenResponse
	return &resp, c.call(ctx, OpResume, req, &resp)
}

func (c *Client) Cancel(ctx context.Context, req orchestrator.TokenRequest) (*orchestrator.TokenResponse, error) {
	var resp orchestrator.TokenResponse
	return &resp, c.call(ctx, OpCancelPaused, req, &resp)
}

func (c *Client) CheckConflicts(ctx context.Context, req orchestrator.ConflictCheckRequest) (*orchestrator.ConflictCheckResponse, error) {
	var resp orchestrator.ConflictCheckResponse
	return &resp, c.call(ctx, OpCheckConflicts, req, &resp)
}

func (c *Client) call(ctx context.Context, op string, req, out interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subject := Subject(c.prefix, op)
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to unmarshal %s reply: %w", op, err)
	}
	if reply.Error != nil {
		return &RemoteError{ErrorBody: *reply.Error}
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", op, err)
	}
	return nil
}
