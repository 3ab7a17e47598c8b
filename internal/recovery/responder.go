package recovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Responder answers recovery requests on NATS by delegating to a Service.
// It lets an in-process implementation stand in for the remote gateway.
type Responder struct {
	nc     *nats.Conn
	prefix string
	svc    Service
	logger *zap.Logger
	subs   []*nats.Subscription
}

// NewResponder creates a responder for svc under subject prefix
func NewResponder(nc *nats.Conn, prefix string, svc Service, logger *zap.Logger) *Responder {
	return &Responder{
		nc:     nc,
		prefix: prefix,
		svc:    svc,
		logger: logger.Named("recovery-responder"),
	}
}

// Start subscribes to every operation subject
func (r *Responder) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) (interface{}, error){
		OpSubmitJob: func(ctx context.Context, data []byte) (interface{}, error) {
			var req SubmitJobRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return r.svc.SubmitJob(ctx, req)
		},
		OpGetJob: func(ctx context.Context, data []byte) (interface{}, error) {
			var req GetJobRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return r.svc.GetJob(ctx, req.Region, req.JobID)
		},
		OpListActiveJobs: func(ctx context.Context, data []byte) (interface{}, error) {
			var req ListActiveJobsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return r.svc.ListActiveJobs(ctx, req.Region)
		},
		OpResolveServers: func(ctx context.Context, data []byte) (interface{}, error) {
			var req ResolveServersRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return r.svc.ResolveTaggedServers(ctx, req.Region, req.Tags)
		},
		OpDescribeInstances: func(ctx context.Context, data []byte) (interface{}, error) {
			var req DescribeInstancesRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return r.svc.DescribeInstances(ctx, req.Region, req.InstanceIDs)
		},
	}

	for op, handle := range handlers {
		subject := Subject(r.prefix, op)
		handle := handle
		sub, err := r.nc.Subscribe(subject, func(msg *nats.Msg) {
			r.respond(ctx, msg, handle)
		})
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return r.nc.Flush()
}

// Stop removes all subscriptions
func (r *Responder) Stop() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	r.subs = nil
}

func (r *Responder) respond(ctx context.Context, msg *nats.Msg, handle func(context.Context, []byte) (interface{}, error)) {
	var reply Reply
	result, err := handle(ctx, msg.Data)
	if err != nil {
		reply.Error = err.Error()
	} else if data, mErr := json.Marshal(result); mErr != nil {
		reply.Error = fmt.Sprintf("failed to marshal result: %v", mErr)
	} else {
		reply.Data = data
	}

	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("Failed to marshal reply", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Error("Failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
