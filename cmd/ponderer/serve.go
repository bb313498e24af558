package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MLTQ/ponderer-backend/internal/api"
	"github.com/MLTQ/ponderer-backend/internal/chatturn"
	"github.com/MLTQ/ponderer-backend/internal/concerns"
	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/journal"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/memorybackend"
	"github.com/MLTQ/ponderer-backend/internal/memorybackend/ftsv2"
	"github.com/MLTQ/ponderer-backend/internal/observability"
	"github.com/MLTQ/ponderer-backend/internal/orientation"
	"github.com/MLTQ/ponderer-backend/internal/scheduler"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/internal/toolengine"
	"github.com/MLTQ/ponderer-backend/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent loop and its REST/WS control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ponderer.yaml", "path to the YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// runServe wires every collaborator package into a running process: load
// config, build the domain layer, start the HTTP server, run the scheduler
// loop until a shutdown signal, then drain gracefully.
func runServe(ctx context.Context, configPath string) error {
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded", "bind", cfg.Server.Bind, "memory_backend", cfg.Memory.Backend, "llm_model", cfg.LLM.Model)

	store, err := storage.Open(cfg.Memory.SQLitePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	memory, err := buildMemoryBackend(cfg.Memory, store)
	if err != nil {
		return fmt.Errorf("build memory backend: %w", err)
	}
	defer memory.Close()

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "ponderer-backend",
		ServiceVersion: version,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	hub := api.NewHub()
	emitter := events.NewEmitter(events.NewRunID(), events.MultiSink{Sinks: []events.Sink{hub}})

	provider := llm.NewOpenAIProvider(cfg.LLM.APIURL, cfg.LLM.APIKey, logger)

	registry := tools.NewRegistry()
	registry.Register(tools.NewShellTool(30 * time.Second))
	registry.Register(tools.NewReadFileTool(1 << 20))
	registry.Register(tools.NewHTTPFetchTool())
	registry.Register(&tools.WriteFileTool{})
	registry.Register(&tools.MemorySearchTool{Store: memory})
	registry.Register(&tools.MemoryWriteTool{Store: memory})
	registry.Register(&tools.SessionHandoffTool{Store: memory})
	registry.Register(&tools.ScratchpadTool{Store: memory})

	executor := toolengine.NewExecutor(registry, toolengine.DefaultExecutorConfig())
	executor.SetObservability(metrics)
	engine := toolengine.NewEngine(provider, registry, executor, emitter)
	engine.SetObservability(metrics, tracer)

	concernMgr := concerns.New(store, emitter, concerns.DefaultThresholds())
	orientationEngine := orientation.New(store, provider, emitter, cfg.LLM.Model)
	journalEngine := journal.New(store, provider, emitter, cfg.LLM.Model, cfg.Loop.JournalMinInterval)

	approvals := tools.NewApprovalGate(tools.NewMemoryApprovalStore())

	// ElevatedTools are pre-approved for autonomous execution at startup so
	// routine maintenance calls (e.g. a configured shell helper) don't stall
	// the loop waiting on an operator who may not even be present.
	for _, name := range cfg.Approval.ElevatedTools {
		_ = approvals.Grant(context.Background(), name)
	}

	toolCtx := tools.ResolveCapabilityPolicy(tools.ProfileAmbient, nil)
	toolCtx.Normalize()

	chatCfg := chatturn.Config{
		Model:                   cfg.LLM.Model,
		Temperature:             cfg.LLM.Temperature,
		MaxTokens:               cfg.LLM.MaxTokens,
		ForegroundTurnBudget:    cfg.Loop.MaxForegroundTurns,
		MaxToolIterations:       cfg.Loop.MaxToolIterations,
		LoopSignatureWindow:     cfg.Loop.LoopSignatureWindow,
		LoopSimilarityThreshold: cfg.Loop.LoopSimilarityThreshold,
		LoopHeatThreshold:       cfg.Loop.LoopHeatThreshold,
		LoopHeatCooldown:        cfg.Loop.LoopHeatCooldown,
		CompactionThreshold:     cfg.Loop.CompactionThreshold,
	}
	chatMgr := chatturn.NewWithApprovals(store, engine, concernMgr, memory, emitter, toolCtx, chatCfg, approvals)
	chatMgr.SetObservability(metrics, tracer)

	dreamWindow, err := scheduler.NewDreamWindow(cfg.Loop.DreamWindowCron, time.Hour)
	if err != nil {
		return fmt.Errorf("parse dream window cron: %w", err)
	}

	presence := newLastActivityPresence()

	sched := scheduler.New(store, chatMgr, orientationEngine, journalEngine, concernMgr, emitter, presence, scheduler.Config{
		EnableAmbientLoop: cfg.Loop.EnableAmbientLoop,
		DreamWindow:       dreamWindow,
		MinDreamInterval:  cfg.Loop.DreamMinInterval,
		MinTickAttending:  cfg.Loop.MinTickAttending,
		MinTickActive:     cfg.Loop.MinTickActive,
		MinTickPresent:    cfg.Loop.MinTickPresent,
		MinTickAway:       cfg.Loop.MinTickAway,
		MinTickDormant:    cfg.Loop.MinTickDormant,
	}, nil)
	sched.SetObservability(metrics)

	server := api.New(store, chatMgr, sched, registry, cfg, configPath, logger, metrics, hub)
	server.SetActivityHook(presence.Touch)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpServer := &http.Server{
		Addr:    cfg.Server.Bind,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Bind)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go sched.Run(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	chatMgr.Shutdown()
	logger.Info("stopped gracefully")
	return nil
}

// buildMemoryBackend selects the working-memory design per cfg.Backend:
// "kv" wraps the primary SQLite store directly, anything else selects the
// FTS5-backed design in internal/memorybackend/ftsv2.
func buildMemoryBackend(cfg config.MemoryConfig, store storage.WorkingMemoryStore) (memorybackend.Backend, error) {
	switch cfg.Backend {
	case "", "kv":
		return memorybackend.NewKVBackend(store), nil
	default:
		backend, err := ftsv2.New(ftsv2.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
}
