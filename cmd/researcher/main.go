package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kestrel-Research/kestrel/go/researcher/internal/citations"
	cfgpkg "github.com/Kestrel-Research/kestrel/go/researcher/internal/config"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/metrics"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/persistence"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/research"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/scheduler"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/streaming"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/topics"
	"github.com/Kestrel-Research/kestrel/go/researcher/internal/tracing"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to researcher.yaml (default CONFIG_PATH or ./researcher.yaml)")
		researchID = flag.String("research-id", "", "research run id; resumes the run when a snapshot exists")
		dryRun     = flag.Bool("dry-run", false, "run with built-in stub collaborators instead of real ones")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Metrics endpoint listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("Metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	runID := *researchID
	if runID == "" {
		runID = uuid.New().String()
	}

	// Cancellation: first signal cancels the run gracefully, second kills.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("Cancellation requested, letting in-flight iterations finish")
		cancel()
		<-sigCh
		logger.Fatal("Forced exit")
	}()

	if err := run(ctx, cfg, *configPath, runID, *dryRun, logger); err != nil {
		logger.Error("Research run failed", zap.Error(err))
		_ = shutdownTracing(context.Background())
		os.Exit(1)
	}
	_ = shutdownTracing(context.Background())
}

func run(ctx context.Context, cfg *cfgpkg.Config, configPath, runID string, dryRun bool, logger *zap.Logger) error {
	if !dryRun {
		return fmt.Errorf("the standalone binary only supports -dry-run; real reasoner and tool executors are wired by the embedding service")
	}

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	queue, registry, err := buildState(ctx, cfg, store, runID, logger)
	if err != nil {
		return err
	}

	tools := research.NewToolSet(logger)
	for toolType, toolCfg := range cfg.Tools {
		tools.Register(toolType, stubExecutor(toolType), toolCfg)
	}

	watcher, err := cfgpkg.NewWatcher(configFile(configPath), tools.ApplyCapabilities, logger)
	if err != nil {
		logger.Warn("Capability watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(); err != nil {
		logger.Warn("Capability watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	var reasoner research.Reasoner = &dryRunReasoner{}

	events := streaming.NewManager(0)
	progress := events.Subscribe(runID, 64)
	go func() {
		for evt := range progress {
			logger.Info("progress",
				zap.String("stage", string(evt.Stage)),
				zap.String("unit_id", evt.UnitID),
				zap.Int("iteration", evt.Iteration),
				zap.String("tool_type", evt.ToolType),
			)
		}
	}()

	// Seed the queue when starting fresh.
	if queue.Statistics().Total == 0 {
		for _, seed := range cfg.Research.SeedTopics {
			if _, err := queue.Insert(seed.Title, seed.Overview); err != nil {
				logger.Warn("Seed topic rejected",
					zap.String("title", seed.Title),
					zap.Error(err),
				)
				continue
			}
			metrics.UnitsInserted.WithLabelValues("seed").Inc()
		}
		if queue.Statistics().Total == 0 {
			return fmt.Errorf("no seed topics; set research.seed_topics in configuration")
		}
	}

	controller := research.NewLoopController(queue, registry, reasoner, tools, events, research.LoopConfig{
		Mode:                 research.IterationMode(cfg.Research.IterationMode),
		MaxIterations:        cfg.Research.MaxIterations,
		NewTopicMinScore:     cfg.Research.NewTopicMinScore,
		ToolFailureThreshold: cfg.Research.ToolFailureThreshold,
		MaxSummaryChars:      cfg.Research.MaxSummaryChars,
		ReasoningRetries:     cfg.Research.ReasoningRetries,
		RetryBackoff:         cfg.Research.RetryBackoff,
	}, logger)

	sched := scheduler.New(queue, registry, controller, store, events, scheduler.Config{
		Mode:              scheduler.Mode(cfg.Research.Mode),
		MaxParallelTopics: cfg.Research.MaxParallelTopics,
	}, logger)

	result, err := sched.Run(ctx)
	events.Unsubscribe(runID, progress)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	logger.Info("Final statistics",
		zap.String("research_id", result.ResearchID),
		zap.Int("completed", result.Stats.Completed),
		zap.Int("failed", result.Stats.Failed),
		zap.Int("citations", len(result.Citations)),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("elapsed", result.Elapsed),
	)
	return nil
}

func buildStore(cfg *cfgpkg.Config, logger *zap.Logger) (persistence.Adapter, func(), error) {
	switch cfg.Persistence.Backend {
	case "redis":
		store, err := persistence.NewRedisStore(
			cfg.Persistence.Redis.Addr,
			cfg.Persistence.Redis.Password,
			cfg.Persistence.Redis.TTL,
			logger,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "postgres":
		pg := cfg.Persistence.Postgres
		store, err := persistence.NewPostgresStore(persistence.PostgresConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			User:     pg.User,
			Password: pg.Password,
			Database: pg.Database,
			SSLMode:  pg.SSLMode,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, nil
	}
}

// buildState restores queue and registry from a snapshot when one exists,
// otherwise starts fresh.
func buildState(ctx context.Context, cfg *cfgpkg.Config, store persistence.Adapter, runID string, logger *zap.Logger) (*topics.Queue, *citations.Registry, error) {
	queueCfg := topics.Config{
		MaxLength: cfg.Research.MaxQueueLength,
		MaxActive: maxActive(cfg),
	}

	if store != nil {
		snap, err := store.LoadSnapshot(ctx, runID)
		switch {
		case err == nil:
			logger.Info("Resuming from snapshot",
				zap.String("research_id", runID),
				zap.Int("units", len(snap.Queue.Units)),
			)
			return topics.RestoreQueue(snap.Queue, logger), citations.RestoreRegistry(snap.Registry, logger), nil
		case errors.Is(err, persistence.ErrSnapshotNotFound):
			// fresh run
		default:
			return nil, nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	return topics.NewQueue(runID, queueCfg, logger), citations.NewRegistry(runID, logger), nil
}

func maxActive(cfg *cfgpkg.Config) int {
	if cfg.Research.Mode == "parallel" {
		return cfg.Research.MaxParallelTopics
	}
	return 1
}

func configFile(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./researcher.yaml"
}

// stubExecutor returns a deterministic executor for dry runs
func stubExecutor(toolType string) research.ToolExecutor {
	return research.ToolExecutorFunc(func(ctx context.Context, query string) (string, error) {
		return fmt.Sprintf("[%s] stub result for %q", toolType, query), nil
	})
}

// dryRunReasoner produces deterministic contract-shaped output so the
// binary can exercise the full loop without a model.
type dryRunReasoner struct{}

func (d *dryRunReasoner) Reason(ctx context.Context, kind research.PromptKind, input interface{}) (string, error) {
	switch kind {
	case research.PromptSufficiency:
		in := input.(research.SufficiencyInput)
		out := research.SufficiencyResult{Sufficient: len(in.Notes) > 0, Reason: "dry run"}
		b, _ := json.Marshal(out)
		return string(b), nil
	case research.PromptPlan:
		in := input.(research.PlanInput)
		tool := "vector_search"
		if len(in.AllowedTools) > 0 {
			tool = in.AllowedTools[0]
		}
		out := research.QueryPlan{ToolType: tool, Query: in.Title, Rationale: "dry run"}
		b, _ := json.Marshal(out)
		return string(b), nil
	case research.PromptNote:
		in := input.(research.NoteInput)
		out := research.NoteResult{Summary: in.RawAnswer}
		b, _ := json.Marshal(out)
		return string(b), nil
	case research.PromptDecompose:
		in := input.(research.DecomposeInput)
		out := research.Decomposition{Subtopics: []research.Subtopic{
			{Title: in.Topic + " overview", Overview: "dry run"},
		}}
		b, _ := json.Marshal(out)
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown prompt kind %s", kind)
	}
}
