// Command server starts the nanoclaw orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/docker"
	"github.com/fairyhunter13/nanoclaw/internal/adapter/ipc"
	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/adapter/oracle"
	"github.com/fairyhunter13/nanoclaw/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/nanoclaw/internal/app"
	"github.com/fairyhunter13/nanoclaw/internal/config"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
	"github.com/fairyhunter13/nanoclaw/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes queue, pipeline, container and budget instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	// Repositories
	receiptRepo := postgres.NewReceiptRepo(pool)
	dlqRepo := postgres.NewDeadLetterRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	hbRepo := postgres.NewHeartbeatRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)
	groupRepo := postgres.NewGroupRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	msgRepo := postgres.NewMessageRepo(pool)

	loc := cfg.Location()

	prices, err := usecase.LoadPriceTable(cfg.PriceTablePath)
	if err != nil {
		slog.Error("price table load failed", slog.Any("error", err))
		os.Exit(1)
	}
	governor := usecase.NewGovernor(ledgerRepo, rdb, prices, loc, cfg.MonthlyBudget, cfg.DailyBudget, logger)

	oracleClient := oracle.New(oracle.Options{
		BaseURL:   cfg.OracleAPIURL,
		AuthToken: cfg.OracleAuthToken,
		Timeout:   cfg.OracleTimeout,
	})

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		slog.Error("resolving data dir failed", slog.Any("error", err))
		os.Exit(1)
	}
	inbox := ipc.NewInbox(dataDir)

	// Channel adapters register here as they land; the router answers
	// every send on an unowned jid with ErrNotFound.
	router := app.NewRouter(nil, logger)

	// The queue needs the pipeline's process function and the pipeline
	// needs the queue, so the process hook binds late.
	var pipe *usecase.Pipeline
	queue := usecase.NewGroupQueue(usecase.GroupQueueOptions{
		MainGroupFolder: cfg.MainGroupFolder,
		MaxQueueSize:    cfg.MaxQueueSize,
		BaseRetry:       cfg.QueueBaseRetry,
		MaxRetries:      cfg.QueueMaxRetries,
		ResourceMonitor: func() int { return cfg.MaxConcurrentContainers },
		Inbox:           inbox,
		Process: func(ctx context.Context, jid string, retryCount int) bool {
			return pipe.ProcessGroup(ctx, jid, retryCount)
		},
		OnRejected: func(jid string) {
			slog.Warn("group rejected by queue", slog.String("jid", jid))
		},
		OnWaiting: func(jid string, pos int) {
			text := fmt.Sprintf("🕐 You're #%d in the queue. I'll reply as soon as a slot frees up.", pos)
			if err := router.SendMessage(context.Background(), jid, text); err != nil {
				slog.Debug("queue position notice failed", slog.String("jid", jid), slog.Any("error", err))
			}
		},
		OnMaxRetriesExceeded: func(jid string) { pipe.HandleMaxRetries(jid) },
		Logger:               logger,
	})

	api, err := docker.NewClient()
	if err != nil {
		slog.Error("docker client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	resilience := docker.NewResilience(api, docker.ResilienceOptions{
		ProbeInterval:    cfg.DockerHealthProbeInterval(),
		SweepInterval:    cfg.OrphanSweepInterval(),
		CircuitThreshold: cfg.SpawnCircuitThreshold,
		CircuitWindow:    cfg.SpawnCircuitWindow(),
		CircuitCooldown:  cfg.SpawnCircuitCooldown(),
		ActiveContainers: queue.ActiveContainerNames,
		Logger:           logger,
	})
	binds := []string{fmt.Sprintf("%s:/workspace/data", filepath.Join(dataDir, "ipc"))}
	var warmPool *docker.Pool
	if cfg.PoolEnabled {
		warmPool = docker.NewPool(api, inbox, docker.PoolOptions{
			Image:       cfg.ContainerImage,
			MinSize:     cfg.PoolMinSize,
			MaxSize:     cfg.PoolMaxSize,
			MaxReuse:    cfg.PoolMaxReuse,
			IdleTimeout: cfg.PoolIdleTimeout,
			Binds:       binds,
			Folders: func() []string {
				list, err := groupRepo.List(context.Background())
				if err != nil {
					slog.Warn("pool folder listing failed", slog.Any("error", err))
					return nil
				}
				folders := make([]string, 0, len(list))
				for _, g := range list {
					folders = append(folders, g.Folder)
				}
				return folders
			},
			Logger: logger,
		})
	}
	runner := docker.NewRunner(api, resilience, warmPool, inbox, docker.RunnerOptions{
		Image:  cfg.ContainerImage,
		Binds:  binds,
		Tasks:  taskRepo,
		Groups: groupRepo,
		Logger: logger,
	})

	pipe = usecase.NewPipeline(
		msgRepo, receiptRepo, dlqRepo, groupRepo, sessionRepo,
		oracleClient, runner, governor, queue, router,
		usecase.PipelineOptions{
			AssistantName:     cfg.AssistantName,
			MainGroupFolder:   cfg.MainGroupFolder,
			IdleTimeout:       cfg.IdleTimeout,
			TypingMaxTTL:      cfg.TypingMaxTTL,
			ProgressIntervals: cfg.UserProgressIntervals(),
			SessionMaxAge:     cfg.SessionMaxAge(),
			Location:          loc,
			Logger:            logger,
		},
	)
	if err := pipe.LoadGroups(ctx); err != nil {
		slog.Error("loading registered groups failed", slog.Any("error", err))
		os.Exit(1)
	}

	resolveFolderJID := func(folder string) (string, bool) {
		g, ok := pipe.GroupByFolder(folder)
		if !ok {
			return "", false
		}
		return g.JID, true
	}
	sched := usecase.NewScheduler(taskRepo, queue, pipe.RunScheduledTask, resolveFolderJID, cfg.SchedulerPollInterval, loc, logger)
	resolveChatFolder := func(chatJID string) (string, bool) {
		g, ok := pipe.GroupByJID(chatJID)
		if !ok {
			return "", false
		}
		return g.Folder, true
	}
	hbRunner := usecase.NewHeartbeatRunner(hbRepo, queue, resolveChatFolder, pipe.RunHeartbeatJob, usecase.HeartbeatRunnerOptions{
		PollInterval:    cfg.HeartbeatJobPoll(),
		DefaultInterval: cfg.HeartbeatJobDefaultInterval(),
		JobTimeout:      cfg.HeartbeatJobTimeout(),
		Logger:          logger,
	})
	reporter := usecase.NewReporter(
		func(ctx context.Context, text string) error {
			g, ok := pipe.GroupByFolder(cfg.MainGroupFolder)
			if !ok {
				return fmt.Errorf("op=main.report: main group %q not registered: %w", cfg.MainGroupFolder, domain.ErrNotFound)
			}
			return router.SendMessage(ctx, g.JID, text)
		},
		hbRunner.RecentResults,
		pipe.LastOutbound,
		usecase.ReporterOptions{AssistantName: cfg.AssistantName, Logger: logger},
	)

	sink := app.NewSink(pipe, taskRepo, hbRepo, sched, reporter, inbox, logger)
	watcher := ipc.NewWatcher(sink, ipc.WatcherOptions{
		DataDir:         dataDir,
		Secret:          []byte(cfg.IPCSecret),
		MainGroupFolder: cfg.MainGroupFolder,
		ResolveFolder:   pipe.ResolveFolder,
		TaskFolder: func(ctx context.Context, taskID string) (string, error) {
			t, err := taskRepo.Get(ctx, taskID)
			if err != nil {
				return "", err
			}
			return t.GroupFolder, nil
		},
		JobFolder: func(ctx context.Context, jobID string) (string, error) {
			j, err := hbRepo.Get(ctx, jobID)
			if err != nil {
				return "", err
			}
			if g, ok := pipe.GroupByJID(j.ChatJID); ok {
				return g.Folder, nil
			}
			return j.CreatedBy, nil
		},
		Logger: logger,
	})

	server := app.NewServer(pipe, dlqRepo, hbRepo, hbRunner.RecentResults, app.ServerOptions{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
		ShutdownTimeout: cfg.ServerShutdownTimeout,
		Logger:          logger,
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue.Start(runCtx)
	if err := app.NewRecovery(pipe, hbRunner, logger).Run(runCtx); err != nil {
		slog.Error("startup recovery failed", slog.Any("error", err))
	}

	sup := app.NewSupervisor(cfg.ServerShutdownTimeout, logger)
	sup.Add("scheduler", func(ctx context.Context) error { sched.Run(ctx); return nil })
	sup.Add("heartbeat-runner", func(ctx context.Context) error { hbRunner.Run(ctx); return nil })
	sup.Add("heartbeat-reporter", func(ctx context.Context) error { reporter.Run(ctx); return nil })
	sup.Add("docker-probe", func(ctx context.Context) error { resilience.RunProbe(ctx); return nil })
	sup.Add("orphan-sweeper", func(ctx context.Context) error { resilience.RunSweep(ctx); return nil })
	if warmPool != nil {
		sup.Add("warm-pool", func(ctx context.Context) error { warmPool.Maintain(ctx); return nil })
	}
	sup.Add("ipc-watcher", watcher.Run)
	sup.Add("message-scan", func(ctx context.Context) error {
		return runFallbackScan(ctx, cfg.PollInterval, groupRepo, queue)
	})
	sup.Add("ops-server", server.Run)

	slog.Info("nanoclaw started",
		slog.Int("port", cfg.Port),
		slog.String("main_group", cfg.MainGroupFolder),
		slog.Bool("pool_enabled", cfg.PoolEnabled))

	_ = sup.Run(runCtx)

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := queue.Shutdown(shutCtx); err != nil {
		slog.Error("queue shutdown incomplete", slog.Any("error", err))
	}
	slog.Info("shutdown complete")
}

// runFallbackScan enqueues a message check for every registered group on
// a slow cadence. The loop is otherwise event-driven; this catches
// messages that raced a crash or a missed adapter callback.
func runFallbackScan(ctx context.Context, interval time.Duration, groups domain.GroupRepository, queue *usecase.GroupQueue) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			list, err := groups.List(ctx)
			if err != nil {
				slog.Warn("fallback scan list failed", slog.Any("error", err))
				continue
			}
			for _, g := range list {
				if err := queue.EnqueueMessageCheck(g.JID, g.Folder); err != nil {
					slog.Debug("fallback enqueue skipped",
						slog.String("jid", g.JID), slog.Any("error", err))
				}
			}
		}
	}
}
