// Command forecast runs one agentic forecast from a snapshot file and prints
// the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"fincast/pkg/core/agent"
	"fincast/pkg/core/config"
	"fincast/pkg/core/forecast"
	"fincast/pkg/core/insights"
	"fincast/pkg/core/snapshot"
	"fincast/pkg/core/valuation"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to forecaster.yaml (default config/forecaster.yaml)")
		snapPath     = flag.String("snapshot", "", "company snapshot JSON file (required)")
		ticker       = flag.String("ticker", "", "ticker symbol (default: the snapshot's)")
		method       = flag.String("method", string(valuation.MethodExitMultiple), "valuation method: dcf or exit-multiple")
		multiple     = flag.String("multiple", string(valuation.MultipleAuto), "exit multiple type: auto, P/E, EV/EBITDA, EV/FCF, Price/Sales")
		feedback     = flag.String("feedback", "", "analyst feedback the draft must incorporate")
		withInsights = flag.Bool("insights", false, "fetch prior insights before the run")
		verbose      = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *snapPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *configPath, *snapPath, *ticker, *method, *multiple, *feedback, *withInsights); err != nil {
		fmt.Fprintf(os.Stderr, "forecast: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, snapPath, ticker, method, multiple, feedback string, withInsights bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	snap, err := snapshot.LoadFile(snapPath)
	if err != nil {
		return err
	}
	if ticker == "" {
		ticker = snap.Ticker
	}

	agentCfg, err := agent.LoadConfig(cfg.ModelsConfig)
	if err != nil {
		return err
	}
	f := forecast.New(agent.NewManager(agentCfg), cfg.Forecast())
	defer f.Close()

	var prior string
	if withInsights {
		prior = insights.NewFetcher(cfg.Insights.Model).Fetch(ctx, ticker)
	}

	result, err := f.GenerateForecast(ctx, ticker, snap, prior, forecast.Options{
		Method:       valuation.Method(method),
		MultipleType: valuation.MultipleType(multiple),
		Feedback:     feedback,
		SkipCache:    true,
	})
	if err != nil {
		var re *forecast.RunError
		if errors.As(err, &re) {
			fmt.Fprintf(os.Stderr, "run %s stopped at %s after %d calls ($%.4f); partial trail:\n", re.RunID, re.Step, re.CallsUsed, re.Cost)
			for _, rec := range re.Trail {
				fmt.Fprintf(os.Stderr, "  - %s: %s\n", rec.Step, truncate(rec.Input, 80))
			}
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
