package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config describes a JetStream stream owned by this service
type Config struct {
	Name       string
	Subjects   []string
	MaxAge     time.Duration
	Duplicates time.Duration
}

// Ensure creates the stream if it does not exist yet
func Ensure(js nats.JetStreamContext, cfg Config, logger *zap.Logger) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		logger.Info("Using existing stream", zap.String("name", cfg.Name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		Storage:    nats.FileStorage,
		MaxAge:     cfg.MaxAge,
		MaxMsgs:    -1,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	logger.Info("Created stream", zap.String("name", cfg.Name), zap.Strings("subjects", cfg.Subjects))
	return nil
}
