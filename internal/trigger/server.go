package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/orchestrator"
)

// Service is the orchestrator surface exposed over NATS
type Service interface {
	Begin(ctx context.Context, req orchestrator.BeginRequest) (*orchestrator.BeginResponse, error)
	Poll(ctx context.Context, req orchestrator.PollRequest) (*orchestrator.PollResponse, error)
	Finalize(ctx context.Context, req orchestrator.FinalizeRequest) (*orchestrator.FinalizeResponse, error)
	RequestCancel(ctx context.Context, req orchestrator.CancelRequest) (*orchestrator.CancelResponse, error)
	Resume(ctx context.Context, req orchestrator.TokenRequest) (*orchestrator.TokenResponse, error)
	Cancel(ctx context.Context, req orchestrator.TokenRequest) (*orchestrator.TokenResponse, error)
	CheckConflicts(ctx context.Context, req orchestrator.ConflictCheckRequest) (*orchestrator.ConflictCheckResponse, error)
}

var _ Service = (*orchestrator.Orchestrator)(nil)

type handlerFunc func(ctx context.Context, data []byte) (interface{}, error)

type badRequest struct{ err error }

func (e *badRequest) Error() string { return e.err.Error() }

// decode builds a handler that unmarshals the request into Req before calling fn
func decode[Req any, Resp any](fn func(context.Context, Req) (Resp, error)) handlerFunc {
	return func(ctx context.Context, data []byte) (interface{}, error) {
		var req Req
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &badRequest{err: fmt.Errorf("failed to unmarshal request: %w", err)}
		}
		return fn(ctx, req)
	}
}

// Server answers trigger requests by delegating to a Service
type Server struct {
	nc     *nats.Conn
	prefix string
	svc    Service
	logger *zap.Logger
	subs   []*nats.Subscription
}

// NewServer creates a trigger server for svc under subject prefix
func NewServer(nc *nats.Conn, prefix string, svc Service, logger *zap.Logger) *Server {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Server{
		nc:     nc,
		prefix: prefix,
		svc:    svc,
		logger: logger.Named("trigger"),
	}
}

// Start subscribes to every operation subject in the orchestrator queue group
func (s *Server) Start(ctx context.Context) error {
	handlers := map[string]handlerFunc{
		OpBegin:          decode(s.svc.Begin),
		OpPoll:           decode(s.svc.Poll),
		OpFinalize:       decode(s.svc.Finalize),
		OpRequestCancel:  decode(s.svc.RequestCancel),
		OpResume:         decode(s.svc.Resume),
		OpCancelPaused:   decode(s.svc.Cancel),
		OpCheckConflicts: decode(s.svc.CheckConflicts),
	}

	for op, handle := range handlers {
		subject := Subject(s.prefix, op)
		handle := handle
		sub, err := s.nc.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
			s.respond(ctx, msg, handle)
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("Trigger surface started",
		zap.String("prefix", s.prefix),
		zap.Int("subjects", len(s.subs)))
	return s.nc.Flush()
}

// Stop removes all subscriptions
func (s *Server) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *Server) respond(ctx context.Context, msg *nats.Msg, handle handlerFunc) {
	var reply Reply
	result, err := handle(ctx, msg.Data)
	switch {
	case err != nil:
		reply.Error = s.failure(msg.Subject, err)
	default:
		data, mErr := json.Marshal(result)
		if mErr != nil {
			reply.Error = s.failure(msg.Subject, fmt.Errorf("failed to marshal result: %w", mErr))
		} else {
			reply.Data = data
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal reply", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (s *Server) failure(subject string, err error) *ErrorBody {
	if br, ok := err.(*badRequest); ok {
		return &ErrorBody{Code: CodeBadRequest, Message: br.Error(), Client: true}
	}
	body := errorBody(err)
	if body.Client {
		s.logger.Info("Request rejected",
			zap.String("subject", subject),
			zap.String("code", body.Code),
			zap.String("message", body.Message))
	} else {
		s.logger.Error("Request failed",
			zap.String("subject", subject),
			zap.String("code", body.Code),
			zap.Error(err))
	}
	return body
}
