package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/orchestrator"
)

// ActiveStatuses are the statuses the poll driver advances
var ActiveStatuses = []model.ExecutionStatus{
	model.ExecutionStatusRunning,
	model.ExecutionStatusPolling,
	model.ExecutionStatusCancelling,
}

// ExecutionLister lists executions by status
type ExecutionLister interface {
	ListExecutionsByStatus(ctx context.Context, statuses ...model.ExecutionStatus) ([]*model.Execution, error)
}

// Runner is the part of the orchestrator the poll driver calls
type Runner interface {
	Poll(ctx context.Context, req orchestrator.PollRequest) (*orchestrator.PollResponse, error)
	Finalize(ctx context.Context, req orchestrator.FinalizeRequest) (*orchestrator.FinalizeResponse, error)
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// RunStats summarizes one pass of the driver
type RunStats struct {
	Polled    int
	Finalized int
	Failed    int
}

// PollDriver calls poll on a schedule for every active execution and
// finalize once an execution reports all waves complete
type PollDriver struct {
	lister   ExecutionLister
	runner   Runner
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entryID cron.EntryID
}

// NewPollDriver creates a driver running on schedule, a cron expression with seconds or a descriptor
func NewPollDriver(lister ExecutionLister, runner Runner, schedule string, logger *zap.Logger) (*PollDriver, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid poll schedule: %w", err)
	}

	logger = logger.Named("poll-driver")
	cl := &cronLogger{logger: logger.Named("cron")}
	return &PollDriver{
		lister:   lister,
		runner:   runner,
		schedule: schedule,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}, nil
}

// Start schedules the driver. Passes started by the schedule use ctx.
func (d *PollDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ctx, d.cancel = context.WithCancel(ctx)
	id, err := d.cron.AddFunc(d.schedule, func() {
		d.RunOnce(d.ctx)
	})
	if err != nil {
		d.cancel()
		return fmt.Errorf("failed to add poll job: %w", err)
	}
	d.entryID = id
	d.cron.Start()

	d.logger.Info("Poll driver started",
		zap.String("schedule", d.schedule),
		zap.Time("next_run", d.cron.Entry(id).Next))
	return nil
}

// Stop stops the schedule and waits for a running pass to return
func (d *PollDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	<-d.cron.Stop().Done()
	d.logger.Info("Poll driver stopped")
}

// RunOnce polls every active execution once
func (d *PollDriver) RunOnce(ctx context.Context) RunStats {
	var stats RunStats

	execs, err := d.lister.ListExecutionsByStatus(ctx, ActiveStatuses...)
	if err != nil {
		d.logger.Error("Failed to list active executions", zap.Error(err))
		return stats
	}

	for _, exec := range execs {
		if ctx.Err() != nil {
			break
		}
		logger := d.logger.With(
			zap.String("execution_id", exec.ExecutionID),
			zap.String("plan_id", exec.PlanID))

		resp, err := d.runner.Poll(ctx, orchestrator.PollRequest{ExecutionID: exec.ExecutionID, PlanID: exec.PlanID})
		if err != nil {
			stats.Failed++
			logger.Error("Poll failed", zap.Error(err))
			continue
		}
		stats.Polled++

		if !resp.AllWavesComplete || resp.Execution.Status.IsTerminal() {
			continue
		}
		if _, err := d.runner.Finalize(ctx, orchestrator.FinalizeRequest{ExecutionID: exec.ExecutionID, PlanID: exec.PlanID}); err != nil {
			stats.Failed++
			logger.Error("Finalize failed", zap.Error(err))
			continue
		}
		stats.Finalized++
	}

	if len(execs) > 0 {
		d.logger.Debug("Poll pass complete",
			zap.Int("executions", len(execs)),
			zap.Int("polled", stats.Polled),
			zap.Int("finalized", stats.Finalized),
			zap.Int("failed", stats.Failed))
	}
	return stats
}
