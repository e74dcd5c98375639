package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joshsymonds/conductor/internal/admission"
	"github.com/joshsymonds/conductor/internal/claude"
	"github.com/joshsymonds/conductor/internal/config"
	"github.com/joshsymonds/conductor/internal/conversation"
	"github.com/joshsymonds/conductor/internal/executor"
	"github.com/joshsymonds/conductor/internal/httpapi"
	"github.com/joshsymonds/conductor/internal/observability"
	"github.com/joshsymonds/conductor/internal/queue"
	"github.com/joshsymonds/conductor/internal/replycache"
	signalpkg "github.com/joshsymonds/conductor/internal/signal"
	"github.com/joshsymonds/conductor/internal/tasks"
)

const signalDialTimeout = 10 * time.Second

// app holds every long-lived component of a serve run.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *conversation.Registry
	tracker  *tasks.Tracker
	manager  *queue.Manager
	cleanup  *conversation.CleanupService
	server   *httpapi.Server
	handler  *signalpkg.Handler
	typing   signalpkg.TypingIndicatorManager
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.MustNewMetrics(reg)

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.registry = conversation.NewRegistry(conversation.Config{
		Logger:       logger.Named("sessions"),
		Persistence:  store,
		OnTransition: metrics.SessionTransition,
		SessionTTL:   cfg.Sessions.TTL,
		BusyWait:     cfg.Sessions.BusyWait,
	})
	if n, restoreErr := a.registry.Restore(); restoreErr != nil {
		logger.Warn("Could not restore sessions, starting empty", zap.Error(restoreErr))
	} else if n > 0 {
		logger.Info("Restored sessions", zap.Int("count", n))
	}
	a.cleanup = conversation.NewCleanupService(a.registry, cfg.Sessions.CleanupInterval, logger)

	gate := admission.New(admission.Config{
		DedupSize:     cfg.Admission.DedupSize,
		DedupTTL:      cfg.Admission.DedupTTL,
		MaxConcurrent: cfg.Admission.MaxConcurrent,
		MaxQueueDepth: cfg.Admission.MaxQueueDepth,
	})
	a.tracker = tasks.NewTracker(logger.Named("tasks"), tasks.WithPanicHandler(
		tasks.NewMetricsPanicHandler(tasks.NewLogPanicHandler(logger), metrics.TaskPanic),
	))

	commands, err := newCommandBuilder(cfg)
	if err != nil {
		return nil, err
	}
	replies := replycache.New(replycache.Config{Size: cfg.Replies.Size, TTL: cfg.Replies.TTL})

	var results queue.ResultHandler = logResults(logger)
	var messenger signalpkg.Messenger
	if cfg.Signal.Enabled {
		messenger, err = a.connectSignal(ctx)
		if err != nil {
			return nil, err
		}
		a.typing = signalpkg.NewTypingIndicatorManager(messenger, cfg.Signal.TypingInterval, logger,
			signalpkg.WithTypingTracker(a.tracker))
		results = signalpkg.NewResponder(messenger, replies, a.typing, logger)
	}

	a.manager, err = queue.NewManager(queue.ManagerConfig{
		Gate:     gate,
		Registry: a.registry,
		Tracker:  a.tracker,
		Executor: executor.New(executor.Config{
			Logger:         logger.Named("executor"),
			TempDir:        cfg.Executor.TempDir,
			GracePeriod:    cfg.Executor.GracePeriod,
			MaxOutputBytes: cfg.Executor.MaxOutputBytes,
		}),
		Commands: commands,
		Results:  results,
		Replies:  replies,
		Observer: metrics,
		Logger:   logger.Named("queue"),
		Buffer: queue.BufferConfig{
			FlushMarkers: cfg.Buffer.FlushMarkers,
			Window:       cfg.Buffer.Window,
			MaxWait:      cfg.Buffer.MaxWait,
			MaxParts:     cfg.Buffer.MaxParts,
		},
		ExecTimeout:    cfg.Executor.Timeout,
		DeliverTimeout: cfg.Executor.DeliverTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue manager: %w", err)
	}

	if messenger != nil {
		a.handler, err = signalpkg.NewHandler(messenger, a.manager,
			signalpkg.WithLogger(logger),
			signalpkg.WithTypingIndicators(a.typing))
		if err != nil {
			return nil, fmt.Errorf("failed to create signal handler: %w", err)
		}
	}
	if cfg.HTTP.Enabled {
		a.server = httpapi.NewServer(httpapi.Config{
			Gatherer:        reg,
			Addr:            cfg.HTTP.Addr,
			Version:         version,
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			Debug:           cfg.HTTP.Debug,
		}, a.manager, a.registry, logger.Named("http"))
	}

	metrics.WatchGate(gate)
	metrics.WatchRegistry(a.registry)
	metrics.WatchTracker(a.tracker)
	return a, nil
}

func (a *app) openStore() (conversation.SessionPersistence, error) {
	switch a.cfg.Sessions.Store {
	case config.StoreSQLite:
		store, err := conversation.NewSQLiteStore(a.cfg.Sessions.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.StoreFile:
		return conversation.NewFileStore(a.cfg.Sessions.Path), nil
	default:
		return conversation.NewNoopStore(), nil
	}
}

func (a *app) connectSignal(ctx context.Context) (signalpkg.Messenger, error) {
	phone, err := a.cfg.ResolvePhone()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, signalDialTimeout)
	defer cancel()
	transport, err := signalpkg.DialUnixSocket(dialCtx, a.cfg.Signal.Socket, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signal-cli: %w", err)
	}

	client := signalpkg.NewClient(transport,
		signalpkg.WithAccount(phone),
		signalpkg.WithClientLogger(a.logger))
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Connected to signal-cli",
		zap.String("socket", a.cfg.Signal.Socket),
		zap.String("account", phone))
	return signalpkg.NewMessenger(client, phone, a.logger), nil
}

func newCommandBuilder(cfg *config.Config) (*claude.CommandBuilder, error) {
	prompt, err := cfg.SystemPrompt()
	if err != nil {
		return nil, err
	}
	mcpPath, err := cfg.PrepareMCPConfig()
	if err != nil {
		return nil, err
	}
	builder, err := claude.NewCommandBuilder(claude.Config{
		Command:       cfg.Claude.Command,
		Model:         cfg.Claude.Model,
		MCPConfigPath: mcpPath,
		SystemPrompt:  prompt,
		WorkDir:       cfg.Claude.WorkDir,
		ExtraArgs:     cfg.Claude.ExtraArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create command builder: %w", err)
	}
	return builder, nil
}

// logResults is the result sink when no messenger is configured: replies to
// events submitted over HTTP are only logged.
func logResults(logger *zap.Logger) queue.ResultHandler {
	return queue.ResultHandlerFunc(func(_ context.Context, res queue.Result) error {
		fields := []zap.Field{
			zap.String("conversation_id", res.Unit.ConversationID),
			zap.String("outcome", string(res.Outcome)),
			zap.String("session_id", res.SessionID),
			zap.String("output", res.Output),
		}
		if res.Err != nil {
			fields = append(fields, zap.Error(res.Err))
		}
		logger.Info("Result", fields...)
		return nil
	})
}

// run blocks until ctx is done or a component fails, then shuts down.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.manager.Run(gctx) })
	g.Go(func() error { return a.cleanup.Run(gctx) })
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}
	if a.handler != nil {
		g.Go(func() error { return a.handler.Run(gctx) })
	}
	a.logger.Info("Conductor started",
		zap.Bool("signal", a.handler != nil),
		zap.Bool("http", a.server != nil))

	err := g.Wait()
	a.shutdown()
	if err != nil {
		return fmt.Errorf("conductor stopped: %w", err)
	}
	return nil
}

func (a *app) shutdown() {
	report := a.tracker.Shutdown(a.cfg.ShutdownTimeout)
	if len(report.Leaked) > 0 {
		names := make([]string, 0, len(report.Leaked))
		for _, info := range report.Leaked {
			names = append(names, info.Name+"/"+info.ConversationID)
		}
		a.logger.Warn("Tasks still running at shutdown", zap.Strings("tasks", names))
	}
	if a.typing != nil {
		a.typing.StopAll()
	}
	if err := a.registry.Save(); err != nil {
		a.logger.Error("Failed to save sessions", zap.Error(err))
	}
	a.close()
	a.logger.Info("Conductor stopped", zap.Int("tasks_completed", report.Completed))
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
