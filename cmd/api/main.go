package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fincast/pkg/api/config"
	"fincast/pkg/api/forecast"
	"fincast/pkg/core/agent"
	coreConfig "fincast/pkg/core/config"
	coreForecast "fincast/pkg/core/forecast"
	"fincast/pkg/core/insights"
	"fincast/pkg/core/prompt"
	"fincast/pkg/core/snapshot"
	"fincast/pkg/core/store"
	"fincast/pkg/core/telemetry"
)

const version = "0.3.0"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := coreConfig.Load(os.Getenv("FORECAST_CONFIG"))
	if err != nil {
		fmt.Printf("[FATAL] %v\n", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		fmt.Printf("[WARNING] Telemetry disabled: %v\n", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	// Prompt overrides; the built-in forecast prompts are registered by
	// the forecaster regardless.
	prompts := prompt.NewRegistry()
	resourcesPath := cfg.ResourcesDir
	if _, err := os.Stat(resourcesPath); os.IsNotExist(err) {
		exePath, _ := os.Executable()
		resourcesPath = filepath.Join(filepath.Dir(exePath), "resources")
	}
	if err := prompt.LoadInto(prompts, resourcesPath); err != nil {
		fmt.Printf("[PROMPT] No prompt overrides loaded (%v), using built-in prompts\n", err)
	} else {
		fmt.Printf("[PROMPT] Loaded %d prompt overrides from %s\n", prompts.Count(), resourcesPath)
	}

	agentCfg, err := agent.LoadConfig(cfg.ModelsConfig)
	if err != nil {
		fmt.Printf("[FATAL] %v\n", err)
		os.Exit(1)
	}
	agentMgr := agent.NewManager(agentCfg)
	fmt.Printf("[AGENT] Active provider: %s\n", agentMgr.GetActiveProvider())

	opts := []coreForecast.Option{coreForecast.WithPrompts(prompts)}
	var runStore *store.ForecastRepo
	if cfg.DatabaseURL != "" {
		if err := store.InitDB(ctx, cfg.DatabaseURL); err != nil {
			fmt.Printf("[WARNING] Run persistence disabled: %v\n", err)
		} else {
			runStore = store.NewForecastRepo(store.GetPool())
			if err := runStore.EnsureSchema(ctx); err != nil {
				fmt.Printf("[WARNING] %v\n", err)
			}
			opts = append(opts, coreForecast.WithRecorder(runStore))
			fmt.Println("[STORE] Forecast runs persisted to Postgres")
		}
	}
	defer store.Close()

	forecaster := coreForecast.New(agentMgr, cfg.Forecast(), opts...)
	defer forecaster.Close()

	mux := http.NewServeMux()
	config.NewHandler(agentMgr).Register(mux)

	forecastHandler := forecast.NewHandler(forecaster, &snapshot.FileProvider{Dir: cfg.SnapshotsDir})
	if cfg.Insights.Enabled {
		forecastHandler.Insights = insights.NewFetcher(cfg.Insights.Model)
	}
	if runStore != nil {
		forecastHandler.Store = runStore
	}
	forecastHandler.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fc := cfg.Forecast()
	fmt.Printf("API server starting on %s...\n", cfg.Server.Addr)
	fmt.Printf("  budget: %d llm calls, %d+%d research queries, run timeout %s\n",
		fc.MaxLLMCalls, fc.ResearchQueries, fc.ExtraResearchQueries, fc.RunTimeout)
	fmt.Println("  - GET  /api/config")
	fmt.Println("  - POST /api/config/switch")
	fmt.Println("  - GET  /api/forecast/agentic?ticker=")
	fmt.Println("  - POST /api/forecast/agentic")
	fmt.Println("  - GET  /api/forecast/runs?id=")
	fmt.Println("  - POST /api/forecast/cache/clear")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("[FATAL] Server failed to start: %v\n", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		fmt.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown", "error", err)
	}
}
