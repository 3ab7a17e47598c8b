package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/stream"
)

const (
	MetricsStreamName = "DRS_METRICS"
	CapacitySubject   = "drs.metrics.capacity"

	metricsMaxAge = 24 * time.Hour
)

// SnapshotSource reads service capacity in a region
type SnapshotSource interface {
	Snapshot(ctx context.Context, region string) (*model.QuotaSnapshot, error)
}

// ExecutionLister lists executions by status
type ExecutionLister interface {
	ListExecutionsByStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error)
}

// CapacityReport is one published sample
type CapacityReport struct {
	Timestamp  time.Time                     `json:"timestamp"`
	Regions    []model.QuotaSnapshot         `json:"regions"`
	Executions map[model.ExecutionStatus]int `json:"executions"`
	Exhausted  []string                      `json:"exhausted,omitempty"`
}

var nonTerminal = []model.ExecutionStatus{
	model.ExecutionStatusRunning,
	model.ExecutionStatusPolling,
	model.ExecutionStatusPaused,
	model.ExecutionStatusCancelling,
}

// CapacityMonitor samples recovery service capacity and in-flight executions
// on an interval and publishes the samples to JetStream
type CapacityMonitor struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	quota    SnapshotSource
	execs    ExecutionLister
	regions  []string
	interval time.Duration

	mu   sync.RWMutex
	last *CapacityReport
	stop chan struct{}
	once sync.Once
}

// NewCapacityMonitor creates a monitor sampling regions every interval
func NewCapacityMonitor(js nats.JetStreamContext, quota SnapshotSource, execs ExecutionLister, regions []string, interval time.Duration, logger *zap.Logger) *CapacityMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CapacityMonitor{
		logger:   logger.Named("capacity-monitor"),
		js:       js,
		quota:    quota,
		execs:    execs,
		regions:  regions,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start ensures the metrics stream and starts the sampling loop
func (m *CapacityMonitor) Start(ctx context.Context) error {
	if err := stream.Ensure(m.js, stream.Config{
		Name:     MetricsStreamName,
		Subjects: []string{"drs.metrics.*"},
		MaxAge:   metricsMaxAge,
	}, m.logger); err != nil {
		return err
	}

	m.logger.Info("Starting capacity monitor",
		zap.Strings("regions", m.regions),
		zap.Duration("interval", m.interval))
	go m.collectLoop(ctx)
	return nil
}

// Stop stops the sampling loop
func (m *CapacityMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Last returns the most recent sample, or nil before the first one
func (m *CapacityMonitor) Last() *CapacityReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *CapacityMonitor) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if _, err := m.Collect(ctx); err != nil {
				m.logger.Error("Failed to collect capacity", zap.Error(err))
			}
		}
	}
}

// Collect takes one sample and publishes it. Regions whose capacity cannot be
// read are left out of the sample.
func (m *CapacityMonitor) Collect(ctx context.Context) (*CapacityReport, error) {
	report := &CapacityReport{
		Timestamp:  time.Now().UTC(),
		Executions: make(map[model.ExecutionStatus]int),
	}

	for _, region := range m.regions {
		snap, err := m.quota.Snapshot(ctx, region)
		if err != nil {
			m.logger.Warn("Failed to read capacity", zap.String("region", region), zap.Error(err))
			continue
		}
		report.Regions = append(report.Regions, *snap)
		if snap.AvailableJobSlots <= 0 || snap.AvailableServerSlots <= 0 {
			report.Exhausted = append(report.Exhausted, region)
			m.logger.Warn("Recovery capacity exhausted",
				zap.String("region", region),
				zap.Int("current_job_count", snap.CurrentJobCount),
				zap.Int("current_servers_in_flight", snap.CurrentServersInFlight))
		}
	}

	execs, err := m.execs.ListExecutionsByStatus(ctx, nonTerminal...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	for _, exec := range execs {
		report.Executions[exec.Status]++
	}

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capacity report: %w", err)
	}
	if _, err := m.js.Publish(CapacitySubject, data, nats.Context(ctx)); err != nil {
		return nil, fmt.Errorf("failed to publish capacity report: %w", err)
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	m.logger.Debug("Capacity collected",
		zap.Int("regions", len(report.Regions)),
		zap.Int("active_executions", len(execs)))
	return report, nil
}
