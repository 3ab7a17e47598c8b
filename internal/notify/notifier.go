package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/stream"
)

const (
	EventStreamName = "DRS_EVENTS"
	EventSubjects   = "drs.events.*"

	eventSubjectPrefix = "drs.events."
	eventMaxAge        = 72 * time.Hour
	publishTimeout     = 5 * time.Second
)

// Notifier emits lifecycle events. Implementations never report failure to the caller.
type Notifier interface {
	Notify(ctx context.Context, event model.Event)
}

// Subject returns the subject an event type is published on
func Subject(t model.EventType) string {
	return eventSubjectPrefix + string(t)
}

// JetStreamNotifier publishes events to the DRS_EVENTS stream
type JetStreamNotifier struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	now    func() time.Time
}

var _ Notifier = (*JetStreamNotifier)(nil)

// NewJetStreamNotifier creates the notifier and its stream
func NewJetStreamNotifier(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamNotifier, error) {
	n := &JetStreamNotifier{
		js:     js,
		logger: logger.Named("notifier"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := stream.Ensure(js, stream.Config{
		Name:     EventStreamName,
		Subjects: []string{EventSubjects},
		MaxAge:   eventMaxAge,
	}, n.logger); err != nil {
		return nil, err
	}
	return n, nil
}

// Notify publishes event. Failures are logged and dropped.
func (n *JetStreamNotifier) Notify(ctx context.Context, event model.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = n.now()
	}

	logger := n.logger.With(
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("execution_id", event.ExecutionID),
		zap.String("plan_id", event.PlanID))

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if _, err := n.js.Publish(Subject(event.Type), data, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		logger.Error("Failed to publish event", zap.Error(err))
		return
	}
	logger.Debug("Event published")
}

// Nop discards every event
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, model.Event) {}
