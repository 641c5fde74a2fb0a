// Command batch runs agentic forecasts for many tickers with bounded
// concurrency. Each run owns its budget and conversation; results are
// written to <out>/<TICKER>.json and a summary is printed at the end.
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
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fincast/pkg/core/agent"
	"fincast/pkg/core/config"
	"fincast/pkg/core/forecast"
	"fincast/pkg/core/snapshot"
	"fincast/pkg/core/store"
	"fincast/pkg/core/valuation"

	"golang.org/x/sync/errgroup"
)

type outcome struct {
	Ticker    string
	FairValue float64
	Upside    float64
	Calls     int
	Cost      float64
	Err       error
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to forecaster.yaml")
		tickerList  = flag.String("tickers", "", "comma-separated tickers (default: every snapshot in -dir)")
		dir         = flag.String("dir", "", "snapshot directory (default from config)")
		outDir      = flag.String("out", "batch_data/forecasts", "output directory")
		method      = flag.String("method", string(valuation.MethodExitMultiple), "valuation method: dcf or exit-multiple")
		concurrency = flag.Int("concurrency", 4, "maximum concurrent runs")
	)
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dir == "" {
		*dir = cfg.SnapshotsDir
	}

	tickers, err := resolveTickers(*tickerList, *dir)
	if err != nil || len(tickers) == 0 {
		fmt.Fprintf(os.Stderr, "no tickers to run: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	agentCfg, err := agent.LoadConfig(cfg.ModelsConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var opts []forecast.Option
	if cfg.DatabaseURL != "" {
		if err := store.InitDB(ctx, cfg.DatabaseURL); err != nil {
			slog.Warn("run persistence disabled", "error", err)
		} else {
			defer store.Close()
			opts = append(opts, forecast.WithRecorder(store.NewForecastRepo(store.GetPool())))
		}
	}
	f := forecast.New(agent.NewManager(agentCfg), cfg.Forecast(), opts...)
	defer f.Close()

	fmt.Printf("=== Batch forecast: %d tickers, concurrency %d, method %s ===\n", len(tickers), *concurrency, *method)
	start := time.Now()

	provider := &snapshot.FileProvider{Dir: *dir}
	var mu sync.Mutex
	var outcomes []outcome

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for _, ticker := range tickers {
		g.Go(func() error {
			o := runOne(gctx, f, provider, ticker, valuation.Method(*method), *outDir)
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
			// One failed ticker does not stop the batch; only interruption does.
			if errors.Is(o.Err, context.Canceled) {
				return o.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "batch interrupted: %v\n", err)
	}

	printSummary(outcomes, time.Since(start))
}

func runOne(ctx context.Context, f *forecast.Forecaster, provider snapshot.Provider, ticker string, method valuation.Method, outDir string) outcome {
	o := outcome{Ticker: ticker}
	snap, err := provider.Snapshot(ctx, ticker)
	if err != nil {
		o.Err = err
		return o
	}

	res, err := f.GenerateForecast(ctx, ticker, snap, "", forecast.Options{Method: method, SkipCache: true})
	if err != nil {
		o.Err = err
		var re *forecast.RunError
		if errors.As(err, &re) {
			o.Calls, o.Cost = re.CallsUsed, re.Cost
		}
		return o
	}
	o.FairValue, o.Upside, o.Calls, o.Cost = res.FairValue, res.Upside, res.LLMCalls, res.TotalCost

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		o.Err = err
		return o
	}
	o.Err = os.WriteFile(filepath.Join(outDir, ticker+".json"), data, 0o644)
	return o
}

// resolveTickers uses the explicit list, or every <TICKER>.json under dir.
func resolveTickers(list, dir string) ([]string, error) {
	var tickers []string
	if list != "" {
		for _, t := range strings.Split(list, ",") {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				tickers = append(tickers, t)
			}
		}
		return tickers, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		tickers = append(tickers, strings.ToUpper(strings.TrimSuffix(filepath.Base(m), ".json")))
	}
	return tickers, nil
}

func printSummary(outcomes []outcome, elapsed time.Duration) {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Ticker < outcomes[j].Ticker })

	var failed, calls int
	var cost float64
	fmt.Println()
	fmt.Printf("%-8s %12s %9s %6s %9s\n", "TICKER", "FAIR VALUE", "UPSIDE", "CALLS", "COST")
	for _, o := range outcomes {
		calls += o.Calls
		cost += o.Cost
		if o.Err != nil {
			failed++
			fmt.Printf("%-8s %12s %9s %6d %9.4f  %v\n", o.Ticker, "-", "-", o.Calls, o.Cost, o.Err)
			continue
		}
		fmt.Printf("%-8s %12.2f %8.1f%% %6d %9.4f\n", o.Ticker, o.FairValue, o.Upside, o.Calls, o.Cost)
	}
	fmt.Printf("\n%d runs, %d failed, %d llm calls, $%.4f, %s\n", len(outcomes), failed, calls, cost, elapsed.Round(time.Second))
}
