package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/config"
	"github.com/revoagent/orchestrator/internal/coordinator"
	"github.com/revoagent/orchestrator/internal/creative"
	"github.com/revoagent/orchestrator/internal/embeddings"
	"github.com/revoagent/orchestrator/internal/events"
	"github.com/revoagent/orchestrator/internal/health"
	"github.com/revoagent/orchestrator/internal/httpapi"
	"github.com/revoagent/orchestrator/internal/inference"
	"github.com/revoagent/orchestrator/internal/parallel"
	"github.com/revoagent/orchestrator/internal/recall"
	"github.com/revoagent/orchestrator/internal/registry"
	"github.com/revoagent/orchestrator/internal/taskqueue"
	"github.com/revoagent/orchestrator/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewManager(1024)

	// Durable queue journal; the queue still runs (non-durable) if redis is
	// down at boot, so a journal failure here is logged, not fatal.
	var journal taskqueue.Journal
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisJournal := taskqueue.NewRedisJournal(rdb, logger)
	if err := redisJournal.Ping(ctx); err != nil {
		logger.Warn("Redis unreachable, queue runs without durability", zap.Error(err))
	} else {
		journal = redisJournal
	}

	queue := taskqueue.New(taskqueue.Config{
		DedupWindow:    cfg.Queue.DedupWindow,
		LeaseTTL:       cfg.Queue.LeaseTTL,
		MaxRetries:     cfg.Queue.MaxRetries,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffCap:     cfg.Queue.BackoffCap,
		AgingThreshold: cfg.Queue.AgingThreshold,
	}, journal, eventBus, logger)
	if err := queue.Restore(ctx); err != nil {
		logger.Warn("Queue restore failed, starting empty", zap.Error(err))
	}
	queue.Start(ctx)

	reg := registry.New(registry.Config{
		FailureThreshold: cfg.Registry.FailureThreshold,
	}, eventBus, logger)
	reg.SetRequeueFunc(func(workerID string) {
		n := queue.RequeueWorker(workerID)
		if n > 0 {
			logger.Info("Requeued tasks from deregistered worker",
				zap.String("worker_id", workerID), zap.Int("tasks", n))
		}
	})

	embedder := embeddings.NewClient(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		Timeout: cfg.Embeddings.Timeout,
		MaxLRU:  cfg.Embeddings.MaxLRU,
	}, logger)

	archive, err := recall.OpenArchive(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("open memory archive: %w", err)
	}
	defer archive.Close()

	memory := recall.New(recall.Config{
		SoftDeadline:  cfg.Recall.SoftDeadline,
		SemanticBlend: cfg.Recall.SemanticBlend,
		ScoreBlend:    cfg.Recall.ScoreBlend,
		RetentionTTL:  cfg.Recall.RetentionTTL,
	}, embedder, archive, logger)
	if err := memory.WarmStart(ctx, 1000); err != nil {
		logger.Warn("Memory warm start failed", zap.Error(err))
	}

	infer := inference.NewHTTPClient(inference.Config{
		BaseURL:    cfg.Inference.BaseURL,
		Timeout:    cfg.Inference.Timeout,
		RatePerSec: cfg.Inference.RatePerSec,
		RateBurst:  cfg.Inference.RateBurst,
	}, logger)

	creativeEngine := creative.New(creative.Config{
		MinCandidates:     cfg.Creative.MinCandidates,
		MaxCandidates:     cfg.Creative.MaxCandidates,
		NoveltyWeight:     cfg.Creative.NoveltyWeight,
		RelevanceWeight:   cfg.Creative.RelevanceWeight,
		FeasibilityWeight: cfg.Creative.FeasibilityWeight,
	}, infer, logger)

	// The pool consumes the shared durable queue: coordinated sub-tasks,
	// workflow nodes, and externally enqueued work all land on its workers.
	pool := parallel.New(parallel.Config{
		MinWorkers:     cfg.Parallel.MinWorkers,
		MaxWorkers:     cfg.Parallel.MaxWorkers,
		SampleInterval: cfg.Parallel.SampleInterval,
		HighWater:      cfg.Parallel.HighWater,
		LowWater:       cfg.Parallel.LowWater,
		ScaleIncrement: cfg.Parallel.ScaleIncrement,
	}, queue, reg, logger)
	pool.SetDefaultHandler(func(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
		return infer.Infer(ctx, string(task.Payload), inference.Params{MaxTokens: 1024})
	})
	pool.Start(ctx)
	defer pool.Stop()

	coord, err := coordinator.New([]coordinator.Engine{
		coordinator.NewRecallAdapter(memory, 5),
		coordinator.NewParallelAdapter(pool, cfg.Inference.Timeout),
		coordinator.NewCreativeAdapter(creativeEngine),
	}, memory, queue, eventBus, logger)
	if err != nil {
		return fmt.Errorf("init coordinator: %w", err)
	}
	coord.AttachWorkflow(workflow.NewExecutor(queue, cfg.Parallel.MaxWorkers, logger))

	// Pool workers are in-process goroutines: alive exactly while their pool
	// entry exists. External workers would plug a real probe in here.
	go reg.RunProbes(ctx, cfg.Registry.ProbeInterval, func(_ context.Context, workerID string) bool {
		return pool.Has(workerID)
	})

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := memory.PurgeExpired(ctx); n > 0 {
					logger.Info("Purged expired memories", zap.Int("count", n))
				}
			}
		}
	}()

	// Hot-reloadable tuning knobs, picked up from yaml files in the tuning
	// directory without a restart.
	if dir := os.Getenv("ORCHESTRATOR_TUNING_DIR"); dir != "" {
		watcher, err := config.NewWatcher(dir, logger)
		if err != nil {
			return fmt.Errorf("init config watcher: %w", err)
		}
		watcher.OnChange("tuning.yaml", func(ev config.ChangeEvent) error {
			if raw, ok := ev.Values["dedup_window"].(string); ok {
				d, err := time.ParseDuration(raw)
				if err != nil {
					return fmt.Errorf("parse dedup_window: %w", err)
				}
				queue.SetDedupWindow(d)
				logger.Info("Dedup window updated", zap.Duration("window", d))
			}
			high, _ := ev.Values["high_water"].(float64)
			low, _ := ev.Values["low_water"].(float64)
			if high > 0 || low > 0 {
				pool.SetWatermarks(high, low)
				logger.Info("Scaler watermarks updated",
					zap.Float64("high", high), zap.Float64("low", low))
			}
			return nil
		})
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	checks := health.NewManager(2*time.Second, logger)
	// Redis only gates health when the journal is actually in use; a queue
	// deliberately running non-durable must not fail readiness.
	if journal != nil {
		checks.Register(health.CheckFunc{CheckName: "redis", Fn: redisJournal.Ping})
	}
	checks.Register(health.CheckFunc{CheckName: "archive", Fn: archive.Ping})

	mux := http.NewServeMux()
	api := httpapi.NewServer(coord, queue, reg, memory, creativeEngine, eventBus, logger)
	api.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", checks.Handler())
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Metrics.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info("Orchestrator started",
		zap.String("redis", cfg.Redis.Addr),
		zap.String("database", cfg.Database.Driver),
		zap.Int("min_workers", cfg.Parallel.MinWorkers),
		zap.Int("max_workers", cfg.Parallel.MaxWorkers),
	)

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Logging.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Logging.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}
