package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/config"
	"github.com/t77yq/drs-orchestrator/internal/conflict"
	"github.com/t77yq/drs-orchestrator/internal/monitor"
	"github.com/t77yq/drs-orchestrator/internal/notify"
	"github.com/t77yq/drs-orchestrator/internal/orchestrator"
	"github.com/t77yq/drs-orchestrator/internal/pause"
	"github.com/t77yq/drs-orchestrator/internal/poller"
	"github.com/t77yq/drs-orchestrator/internal/quota"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
	"github.com/t77yq/drs-orchestrator/internal/scheduler"
	"github.com/t77yq/drs-orchestrator/internal/storage"
	"github.com/t77yq/drs-orchestrator/internal/trigger"
	"github.com/t77yq/drs-orchestrator/internal/workflow"
)

type cli struct {
	Config string `short:"c" type:"path" help:"Configuration file. Searched in ., ./config and /etc/drs-orchestrator when empty."`
}

func main() {
	var args cli
	kong.Parse(&args,
		kong.Name("drs-server"),
		kong.Description("Wave execution orchestrator for disaster recovery plans."))

	cfg, err := config.Load(args.Config)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := connect(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	store, err := storage.NewSQLiteStore(logger, cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open execution store", zap.Error(err))
	}
	defer store.Close()

	if cfg.Plans.File != "" {
		plans, groups, err := storage.LoadSeedFile(ctx, cfg.Plans.File, store)
		if err != nil {
			logger.Fatal("Failed to load plan seed file", zap.String("file", cfg.Plans.File), zap.Error(err))
		}
		logger.Info("Loaded plan seed file",
			zap.String("file", cfg.Plans.File),
			zap.Int("plans", plans),
			zap.Int("protection_groups", groups))
	}

	recoveryClient := recovery.NewNATSClient(nc, cfg.Recovery.SubjectPrefix, cfg.NATS.RequestTimeout, logger)

	notifier, err := notify.NewJetStreamNotifier(js, logger)
	if err != nil {
		logger.Fatal("Failed to create notifier", zap.Error(err))
	}
	engine, err := workflow.NewJetStreamEngine(js, logger)
	if err != nil {
		logger.Fatal("Failed to create workflow engine", zap.Error(err))
	}

	guard := quota.NewGuard(recoveryClient, logger)
	detector := conflict.NewDetector(recoveryClient, store, logger)
	resolver := scheduler.NewResolver(store, recoveryClient, cfg.Orchestrator.DefaultRegion, logger)

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Store:     store,
		Scheduler: scheduler.NewWaveScheduler(recoveryClient, resolver, guard, detector, logger),
		Poller:    poller.NewPoller(recoveryClient, recoveryClient, logger),
		Pause: pause.NewController(store, engine, pause.Config{
			TokenTTL:        cfg.Pause.TokenTTL,
			CallbackBaseURL: cfg.Pause.CallbackBaseURL,
		}, logger),
		Detector: detector,
		Resolver: resolver,
		Notifier: notifier,
	}, orchestrator.Config{MaxWaitTime: cfg.Orchestrator.MaxWaitTime}, logger)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	server := trigger.NewServer(nc, cfg.Trigger.SubjectPrefix, orch, logger)
	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start trigger surface", zap.Error(err))
	}

	driver, err := trigger.NewPollDriver(store, orch, cfg.Poll.Schedule, logger)
	if err != nil {
		logger.Fatal("Failed to create poll driver", zap.Error(err))
	}
	if err := driver.Start(ctx); err != nil {
		logger.Fatal("Failed to start poll driver", zap.Error(err))
	}

	capacity := monitor.NewCapacityMonitor(js, guard, store, cfg.Monitor.Regions, cfg.Monitor.Interval, logger)
	if err := capacity.Start(ctx); err != nil {
		logger.Fatal("Failed to start capacity monitor", zap.Error(err))
	}

	logger.Info("Orchestrator started",
		zap.String("app", cfg.App.Name),
		zap.String("store", cfg.Store.Path),
		zap.String("poll_schedule", cfg.Poll.Schedule))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Stop taking new work before the in-flight poll pass is waited on
	server.Stop()
	capacity.Stop()
	cancel()
	driver.Stop()

	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}
	logger.Info("Server shutting down gracefully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}

func connect(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}
