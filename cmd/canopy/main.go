package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/verdantlabs/canopy/internal/artifacts"
	"github.com/verdantlabs/canopy/internal/config"
	"github.com/verdantlabs/canopy/internal/jobs"
	"github.com/verdantlabs/canopy/internal/keywords"
	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/orchestrator"
	"github.com/verdantlabs/canopy/internal/provider"
	"github.com/verdantlabs/canopy/internal/quality"
	"github.com/verdantlabs/canopy/internal/storage"
	"github.com/verdantlabs/canopy/internal/storage/postgres"
	"github.com/verdantlabs/canopy/internal/storage/sqlite"
	"github.com/verdantlabs/canopy/internal/synthesis"
	"github.com/verdantlabs/canopy/internal/telemetry"
	"github.com/verdantlabs/canopy/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CANOPY_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal).
	_ = godotenv.Load()

	prompt := flag.String("prompt", "", "root prompt to create a tree and generate an image for")
	branch := flag.Bool("branch", false, "after generation, expand the root into four branch variations")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("canopy starting", "version", version, "storage", cfg.StorageBackend, "provider", cfg.Provider)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runner, err := buildRunner(cfg, store, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	if *prompt == "" {
		return fmt.Errorf("a -prompt is required")
	}
	return generate(ctx, store, runner, *prompt, *branch, logger)
}

// openStore picks the configured storage backend, running migrations
// for postgres (sqlite manages its own schema on open).
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "postgres":
		db, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	default:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return db, nil
	}
}

// buildRunner wires the provider, synthesis engine, quality gate,
// orchestrator and keyword service into a job runner.
func buildRunner(cfg config.Config, store storage.Store, logger *slog.Logger) (*jobs.Runner, error) {
	textClient, err := provider.New(provider.Config{
		Kind:        provider.Kind(cfg.Provider),
		Name:        cfg.Provider,
		BaseURL:     cfg.ProviderBaseURL,
		APIKey:      cfg.ProviderAPIKey,
		Model:       cfg.TextModel,
		MaxTokens:   cfg.ProviderMaxTokens,
		Temperature: cfg.ProviderTemperature,
		Timeout:     cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	// A separate vision-model client backs image evaluation; without
	// one the gate auto-passes.
	var visionClient provider.Client
	if cfg.VisionModel != "" {
		visionClient, err = provider.New(provider.Config{
			Kind:        provider.Kind(cfg.Provider),
			Name:        cfg.Provider + "-vision",
			BaseURL:     cfg.ProviderBaseURL,
			APIKey:      cfg.ProviderAPIKey,
			Model:       cfg.VisionModel,
			MaxTokens:   cfg.ProviderMaxTokens,
			Temperature: cfg.ProviderTemperature,
			Timeout:     cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("vision provider: %w", err)
		}
	}

	gate := quality.NewGate(quality.Config{
		Enabled:           !cfg.SkipEvaluation,
		QualityCheck:      true,
		FidelityCheck:     true,
		QualityThreshold:  cfg.QualityThreshold,
		FidelityThreshold: cfg.FidelityThreshold,
		StrictMode:        cfg.StrictMode,
		DefectDetection:   true,
		AutoRetry:         cfg.AutoRetry,
		MaxRetries:        cfg.MaxRetries,
	}, visionClient, logger)

	sink, err := artifacts.NewSink(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}

	orch := orchestrator.New(textClient, synthesis.NewClient(cfg.SynthesisURL), gate, sink, logger)
	extractor := keywords.NewService(textClient, store, logger)

	genCfg := orchestrator.Config{
		MaxIterations:  cfg.MaxIterations,
		SkipEvaluation: cfg.SkipEvaluation,
		FidelityCheck:  true,
		WaitBudget:     cfg.SynthesisWait,
		Params: synthesis.Params{
			Steps:    cfg.SamplingSteps,
			CFGScale: cfg.CFGScale,
			Width:    cfg.ImageWidth,
			Height:   cfg.ImageHeight,
		},
	}

	runner := jobs.NewRunner(store, orch, extractor, textClient, genCfg, jobs.Options{
		Workers:    cfg.Workers,
		JobTimeout: cfg.JobTimeout,
		MaxRetries: cfg.MaxRetries,
	}, logger)
	return runner, nil
}

// generate creates a tree for the prompt and drives its root through
// the pipeline, optionally expanding it into branches afterwards.
func generate(ctx context.Context, store storage.Store, runner *jobs.Runner, prompt string, branch bool, logger *slog.Logger) error {
	tree, root, err := store.CreateTree(ctx, prompt, map[string]any{"source": "cli"})
	if err != nil {
		return fmt.Errorf("create tree: %w", err)
	}
	logger.Info("tree created", "tree_id", tree.ID, "root_id", root.ID)

	task, err := runner.SubmitImageGeneration(ctx, root.ID)
	if err != nil {
		return fmt.Errorf("submit generation: %w", err)
	}
	logger.Info("generation started", "task_id", task.ID)
	runner.Wait()

	node, err := store.GetNode(ctx, root.ID)
	if err != nil {
		return fmt.Errorf("load root: %w", err)
	}
	if node.Status != model.NodeStatusCompleted {
		return fmt.Errorf("generation did not complete, node status %s", node.Status)
	}
	logger.Info("generation finished",
		"quality", node.QualityScore,
		"fidelity", node.FidelityScore,
		"best_prompt", node.BestPrompt)

	if !branch {
		return nil
	}

	branchTask, err := runner.SubmitBranchGeneration(ctx, root.ID, node.Keywords)
	if err != nil {
		return fmt.Errorf("submit branches: %w", err)
	}
	logger.Info("branch expansion started", "task_id", branchTask.ID)
	runner.Wait()

	children, err := store.ListChildren(ctx, root.ID)
	if err != nil {
		return fmt.Errorf("load children: %w", err)
	}
	for _, c := range children {
		logger.Info("branch finished",
			"direction", c.Branch.Direction,
			"version", c.Branch.Version,
			"status", c.Status,
			"quality", c.QualityScore)
	}
	return nil
}
