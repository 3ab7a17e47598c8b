package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/stream"
)

const (
	SignalStreamName = "WORKFLOW_SIGNALS"
	SignalSubjects   = "workflow.signal.*"

	signalSuccessSubject = "workflow.signal.success"
	signalFailureSubject = "workflow.signal.failure"

	signalMaxAge = 7 * 24 * time.Hour
	// A token can only be signalled once within this window
	signalDedupeWindow = 24 * time.Hour
)

// ErrSignalAlreadySent is returned when the suspended invocation was already signalled
var ErrSignalAlreadySent = errors.New("workflow invocation already signalled")

// SignalKind distinguishes continuation from termination
type SignalKind string

const (
	SignalSuccess SignalKind = "success"
	SignalFailure SignalKind = "failure"
)

// Signal is the message delivered to a suspended workflow invocation
type Signal struct {
	ID        string            `json:"id"`
	Kind      SignalKind        `json:"kind"`
	Token     string            `json:"token"`
	Output    map[string]string `json:"output,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Cause     string            `json:"cause,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// Engine delivers continuation signals to the workflow engine holding a suspended execution
type Engine interface {
	// SendSuccess continues the invocation suspended on token
	SendSuccess(ctx context.Context, token string, output map[string]string) error

	// SendFailure terminates the invocation suspended on token
	SendFailure(ctx context.Context, token, errorCode, cause string) error
}

// JetStreamEngine publishes signals to a JetStream stream consumed by the workflow engine
type JetStreamEngine struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

var _ Engine = (*JetStreamEngine)(nil)

// NewJetStreamEngine creates the engine and its signal stream
func NewJetStreamEngine(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamEngine, error) {
	e := &JetStreamEngine{
		js:     js,
		logger: logger.Named("workflow-engine"),
	}
	if err := stream.Ensure(js, stream.Config{
		Name:       SignalStreamName,
		Subjects:   []string{SignalSubjects},
		MaxAge:     signalMaxAge,
		Duplicates: signalDedupeWindow,
	}, e.logger); err != nil {
		return nil, err
	}
	return e, nil
}

// SendSuccess publishes a success signal
func (e *JetStreamEngine) SendSuccess(ctx context.Context, token string, output map[string]string) error {
	return e.publish(ctx, signalSuccessSubject, Signal{
		Kind:   SignalSuccess,
		Token:  token,
		Output: output,
	})
}

// SendFailure publishes a failure signal
func (e *JetStreamEngine) SendFailure(ctx context.Context, token, errorCode, cause string) error {
	return e.publish(ctx, signalFailureSubject, Signal{
		Kind:      SignalFailure,
		Token:     token,
		ErrorCode: errorCode,
		Cause:     cause,
	})
}

// publish de-duplicates on the token so each invocation is signalled at most once
func (e *JetStreamEngine) publish(ctx context.Context, subject string, sig Signal) error {
	sig.ID = uuid.New().String()
	sig.SentAt = time.Now().UTC()

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	ack, err := e.js.Publish(subject, data, nats.MsgId(sig.Token), nats.Context(ctx))
	if err != nil {
		e.logger.Error("Failed to publish signal",
			zap.String("signal_id", sig.ID),
			zap.String("kind", string(sig.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	if ack.Duplicate {
		e.logger.Warn("Signal rejected as duplicate", zap.String("kind", string(sig.Kind)))
		return ErrSignalAlreadySent
	}

	e.logger.Info("Signal published",
		zap.String("signal_id", sig.ID),
		zap.String("kind", string(sig.Kind)),
		zap.Uint64("sequence", ack.Sequence))
	return nil
}
